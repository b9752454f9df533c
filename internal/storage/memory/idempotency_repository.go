package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// IdempotencyRepository держит ключи оформления и отметки вебхуков в одной карте.
type IdempotencyRepository struct {
	mu      sync.Mutex
	records map[string]domain.IdempotencyRecord
	now     func() time.Time
}

// NewIdempotencyRepository создаёт in-memory хранилище ключей.
func NewIdempotencyRepository() *IdempotencyRepository {
	return &IdempotencyRepository{
		records: make(map[string]domain.IdempotencyRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (r *IdempotencyRepository) Claim(_ context.Context, claim domain.IdempotencyClaim) (domain.IdempotencyRecord, error) {
	if err := claim.Validate(); err != nil {
		return domain.IdempotencyRecord{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if existing, ok := r.records[claim.Key]; ok && !existing.Expired(now) {
		if existing.RequestHash != claim.RequestHash {
			return copyRecord(existing), domain.ErrIdempotencyHashMismatch
		}
		return copyRecord(existing), domain.ErrIdempotencyKeyAlreadyExists
	}

	record := domain.IdempotencyRecord{
		Key:         claim.Key,
		Kind:        claim.Kind,
		Owner:       claim.Owner,
		RequestHash: claim.RequestHash,
		Status:      domain.IdempotencyStatusProcessing,
		ExpiresAt:   claim.ExpiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.records[claim.Key] = record
	return copyRecord(record), nil
}

func (r *IdempotencyRepository) Get(_ context.Context, key string) (domain.IdempotencyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[key]
	if !ok {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	return copyRecord(record), nil
}

func (r *IdempotencyRepository) Settle(_ context.Context, key string, status domain.IdempotencyStatus, httpStatus int, response []byte) error {
	if !status.Valid() || status == domain.IdempotencyStatusProcessing {
		return domain.ErrIdempotencySettleStatus
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[key]
	if !ok {
		return domain.ErrIdempotencyKeyNotFound
	}
	record.Status = status
	record.HTTPStatus = httpStatus
	record.Response = append([]byte(nil), response...)
	record.UpdatedAt = r.now()
	r.records[key] = record
	return nil
}

func (r *IdempotencyRepository) Release(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if record, ok := r.records[key]; ok && record.Status == domain.IdempotencyStatusProcessing {
		delete(r.records, key)
	}
	return nil
}

// PurgeExpired удаляет самые старые просроченные записи первыми.
func (r *IdempotencyRepository) PurgeExpired(_ context.Context, before time.Time, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	expired := make([]domain.IdempotencyRecord, 0)
	for _, record := range r.records {
		if record.Expired(before) {
			expired = append(expired, record)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(expired[j].ExpiresAt) })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	for _, record := range expired {
		delete(r.records, record.Key)
	}
	return len(expired), nil
}

func copyRecord(record domain.IdempotencyRecord) domain.IdempotencyRecord {
	record.Response = append([]byte(nil), record.Response...)
	return record
}

var _ domain.IdempotencyRepository = (*IdempotencyRepository)(nil)
