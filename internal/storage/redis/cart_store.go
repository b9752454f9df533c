// Package redis содержит адаптер хранилища корзин поверх Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// DefaultCartPrefix — префикс ключей корзин по умолчанию.
const DefaultCartPrefix = "cart:"

var errClientNotInitialized = errors.New("redis client is not initialized")

// CartStore читает корзины, которые ведёт внешний сервис корзин.
// Корзина пользователя хранится в hash: поле — product id, значение — количество.
type CartStore struct {
	client *goredis.Client
	prefix string
}

// NewCartStore создаёт адаптер поверх готового клиента.
func NewCartStore(client *goredis.Client, prefix string) *CartStore {
	if prefix == "" {
		prefix = DefaultCartPrefix
	}
	return &CartStore{client: client, prefix: prefix}
}

// Open создаёт клиента по адресу и проверяет соединение.
func Open(ctx context.Context, addr, prefix string) (*CartStore, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewCartStore(client, prefix), nil
}

func (s *CartStore) key(userID string) string {
	return s.prefix + userID
}

// Lines возвращает позиции корзины, упорядоченные по product id.
func (s *CartStore) Lines(ctx context.Context, userID string) ([]domain.CartLine, error) {
	if s == nil || s.client == nil {
		return nil, errClientNotInitialized
	}

	fields, err := s.client.HGetAll(ctx, s.key(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read cart %s: %w", userID, err)
	}

	lines := make([]domain.CartLine, 0, len(fields))
	for productID, raw := range fields {
		qty, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cart %s: invalid qty %q for %s: %w", userID, raw, productID, err)
		}
		lines = append(lines, domain.CartLine{ProductID: productID, Qty: qty})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ProductID < lines[j].ProductID })
	return lines, nil
}

// Clear удаляет корзину пользователя целиком.
func (s *CartStore) Clear(ctx context.Context, userID string) error {
	if s == nil || s.client == nil {
		return errClientNotInitialized
	}
	if err := s.client.Del(ctx, s.key(userID)).Err(); err != nil {
		return fmt.Errorf("clear cart %s: %w", userID, err)
	}
	return nil
}

// Put задаёт количество товара в корзине (сидирование и тесты).
func (s *CartStore) Put(ctx context.Context, userID, productID string, qty int64) error {
	if s == nil || s.client == nil {
		return errClientNotInitialized
	}
	return s.client.HSet(ctx, s.key(userID), productID, qty).Err()
}

// Ping проверяет доступность Redis для readiness.
func (s *CartStore) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return errClientNotInitialized
	}
	return s.client.Ping(ctx).Err()
}

// Close закрывает клиента.
func (s *CartStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

var _ domain.CartStore = (*CartStore)(nil)
