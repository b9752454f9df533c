// Package catalogdb читает каталог товаров из таблицы products через GORM.
package catalogdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// productRow — строка таблицы products.
type productRow struct {
	ID         string    `gorm:"column:id;primaryKey"`
	Name       string    `gorm:"column:name;not null"`
	PriceMinor int64     `gorm:"column:price_minor;not null"`
	Active     bool      `gorm:"column:active;not null;default:true"`
	CreatedAt  time.Time `gorm:"column:created_at"`
	UpdatedAt  time.Time `gorm:"column:updated_at"`
}

func (productRow) TableName() string { return "products" }

func (r productRow) toDomain() domain.Product {
	return domain.Product{
		ID:         r.ID,
		Name:       r.Name,
		PriceMinor: r.PriceMinor,
		Active:     r.Active,
	}
}

func fromDomain(p domain.Product) productRow {
	return productRow{
		ID:         p.ID,
		Name:       p.Name,
		PriceMinor: p.PriceMinor,
		Active:     p.Active,
	}
}

// Catalog — реализация domain.Catalog поверх PostgreSQL.
type Catalog struct {
	db *gorm.DB
}

// New оборачивает готовое подключение GORM.
func New(db *gorm.DB) *Catalog {
	return &Catalog{db: db}
}

// Open подключается к PostgreSQL по DSN.
func Open(dsn string) (*Catalog, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open catalog db: %w", err)
	}
	return New(db), nil
}

// Product возвращает активную карточку товара.
// Отсутствующий или выключенный товар — ErrProductUnavailable.
func (c *Catalog) Product(ctx context.Context, productID string) (domain.Product, error) {
	var row productRow
	err := c.db.WithContext(ctx).Where("id = ?", productID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Product{}, domain.ProductUnavailable(productID)
	}
	if err != nil {
		return domain.Product{}, fmt.Errorf("load product %s: %w", productID, err)
	}
	if !row.Active {
		return domain.Product{}, domain.ProductUnavailable(productID)
	}
	return row.toDomain(), nil
}

// Upsert добавляет или обновляет карточку (seed и администрирование).
func (c *Catalog) Upsert(ctx context.Context, p domain.Product) error {
	if p.ID == "" {
		return errors.New("product id is required")
	}
	if p.PriceMinor < 0 {
		return domain.ErrItemPriceInvalid
	}
	row := fromDomain(p)
	row.UpdatedAt = time.Now().UTC()
	return c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "price_minor", "active", "updated_at"}),
	}).Create(&row).Error
}

// ListActive возвращает активные товары по id.
func (c *Catalog) ListActive(ctx context.Context, limit int) ([]domain.Product, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []productRow
	err := c.db.WithContext(ctx).Where("active = ?", true).Order("id").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	out := make([]domain.Product, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// Ping проверяет соединение с базой.
func (c *Catalog) Ping(ctx context.Context) error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close закрывает пул соединений.
func (c *Catalog) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ domain.Catalog = (*Catalog)(nil)
