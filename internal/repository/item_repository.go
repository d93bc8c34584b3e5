package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/recycle-check/internal/resilience"
)

const (
	// DefaultListLimit is the page size when the caller does not pass one.
	DefaultListLimit = 50
	// MaxListLimit caps a single page.
	MaxListLimit = 200
)

// ErrNotFound is returned when no item matches the requested id.
var ErrNotFound = errors.New("item not found")

// Item is one classified upload.
type Item struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	ImagePath   string    `gorm:"column:image_path;not null" json:"image_path"`
	Type        string    `gorm:"column:type;size:32;not null;index" json:"type"`
	Brand       string    `gorm:"column:brand;size:32;not null;index" json:"brand"`
	Confidence  float64   `gorm:"column:confidence;not null" json:"confidence"`
	Decision    string    `gorm:"column:decision;size:16;not null;index" json:"decision"`
	Reasoning   string    `gorm:"column:reasoning;type:text" json:"reasoning"`
	ContentHash string    `gorm:"column:content_hash;size:40;index" json:"-"`
	CreatedAt   time.Time `gorm:"column:created_at;index" json:"timestamp"`
}

// TableName overrides the default table name.
func (Item) TableName() string {
	return "items"
}

// ItemFilter narrows List by exact field equality. Empty fields are ignored.
type ItemFilter struct {
	Type     string
	Brand    string
	Decision string
}

// ItemRepository persists classified items.
type ItemRepository struct {
	db     *gorm.DB
	logger *zap.Logger
	policy resilience.Policy
}

// NewItemRepository creates a new repository instance.
func NewItemRepository(db *gorm.DB, logger *zap.Logger) *ItemRepository {
	return &ItemRepository{
		db:     db,
		logger: logger.Named("item_repository"),
		policy: resilience.DefaultPolicy,
	}
}

// AutoMigrate ensures the schema is available.
func (r *ItemRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&Item{})
}

// Insert persists item, filling in its ID and CreatedAt.
func (r *ItemRepository) Insert(ctx context.Context, item *Item) error {
	return r.executeWithRetry(ctx, "repository.insert", "", func() error {
		return r.db.WithContext(ctx).Create(item).Error
	})
}

// List returns items matching filter, newest first.
func (r *ItemRepository) List(ctx context.Context, filter ItemFilter, skip, limit int) ([]Item, error) {
	var items []Item
	err := r.executeWithRetry(ctx, "repository.list", "", func() error {
		items = nil
		return r.db.WithContext(ctx).Scopes(listScope(filter, skip, limit)).Find(&items).Error
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// FindByID returns the item with the given id or ErrNotFound.
func (r *ItemRepository) FindByID(ctx context.Context, id uint) (*Item, error) {
	var item Item
	var missing bool
	err := r.executeWithRetry(ctx, "repository.find_by_id", "", func() error {
		err := r.db.WithContext(ctx).First(&item, id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			missing = true
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if missing {
		return nil, ErrNotFound
	}
	return &item, nil
}

// ListAll returns every stored item. Statistics read from it.
func (r *ItemRepository) ListAll(ctx context.Context) ([]Item, error) {
	var items []Item
	err := r.executeWithRetry(ctx, "repository.list_all", "", func() error {
		items = nil
		return r.db.WithContext(ctx).
			Select("id", "type", "brand", "decision").
			Find(&items).Error
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *ItemRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	return resilience.Do(ctx, r.policy, r.logger, operation, requestID, fn)
}

// listScope applies equality filters, most-recent-first ordering and paging.
func listScope(filter ItemFilter, skip, limit int) func(*gorm.DB) *gorm.DB {
	return func(tx *gorm.DB) *gorm.DB {
		for _, f := range []struct{ column, value string }{
			{"type", filter.Type},
			{"brand", filter.Brand},
			{"decision", filter.Decision},
		} {
			if f.value != "" {
				tx = tx.Where(clause.Eq{Column: clause.Column{Name: f.column}, Value: f.value})
			}
		}
		if skip < 0 {
			skip = 0
		}
		if limit <= 0 {
			limit = DefaultListLimit
		}
		if limit > MaxListLimit {
			limit = MaxListLimit
		}
		return tx.
			Order(clause.OrderByColumn{Column: clause.Column{Name: "created_at"}, Desc: true}).
			Order(clause.OrderByColumn{Column: clause.Column{Name: "id"}, Desc: true}).
			Offset(skip).
			Limit(limit)
	}
}
