package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/recycle-check/internal/blobstore"
	"github.com/example/recycle-check/internal/logging"
	"github.com/example/recycle-check/internal/recycling"
	"github.com/example/recycle-check/internal/repository"
	"github.com/example/recycle-check/internal/resilience"
)

const (
	itemCacheTTL    = 5 * time.Minute
	outcomeCacheTTL = 24 * time.Hour
)

// ErrNotFound is returned by Get when the item does not exist.
var ErrNotFound = repository.ErrNotFound

// ItemRepository defines the persistence operations needed by the use case.
type ItemRepository interface {
	Insert(ctx context.Context, item *repository.Item) error
	List(ctx context.Context, filter repository.ItemFilter, skip, limit int) ([]repository.Item, error)
	FindByID(ctx context.Context, id uint) (*repository.Item, error)
	ListAll(ctx context.Context) ([]repository.Item, error)
}

// Classifier produces an outcome for every input; see recycling.Pipeline.
type Classifier interface {
	ClassifyItem(ctx context.Context, imageBytes []byte) recycling.Outcome
}

// ItemUseCase encapsulates the upload, lookup and statistics flows.
type ItemUseCase struct {
	repo            ItemRepository
	cache           Cache
	blobs           blobstore.Store
	classifier      Classifier
	logger          *zap.Logger
	policy          resilience.Policy
	classifyTimeout time.Duration
}

// NewItemUseCase constructs a new use case instance. cache may be nil.
func NewItemUseCase(repo ItemRepository, cache Cache, blobs blobstore.Store, classifier Classifier, classifyTimeout time.Duration, logger *zap.Logger) *ItemUseCase {
	return &ItemUseCase{
		repo:            repo,
		cache:           cache,
		blobs:           blobs,
		classifier:      classifier,
		logger:          logger.Named("item_usecase"),
		policy:          resilience.DefaultPolicy,
		classifyTimeout: classifyTimeout,
	}
}

// Upload stores the image, classifies it and persists the result.
// Classification problems never fail the call; blob and record store
// failures do.
func (uc *ItemUseCase) Upload(ctx context.Context, filename string, imageBytes []byte) (*repository.Item, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.upload", requestID)

	ref, err := uc.blobs.Save(ctx, imageBytes, filename)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.save_blob", requestID, err)
		opLogger.Error("failed to store image", zap.Error(wrapped))
		return nil, wrapped
	}

	hash := sha1.Sum(imageBytes)
	hashHex := hex.EncodeToString(hash[:])
	outcome := uc.classify(ctx, requestID, hashHex, imageBytes)

	item := &repository.Item{
		ImagePath:   ref,
		Type:        string(outcome.Type),
		Brand:       string(outcome.Brand),
		Confidence:  outcome.Confidence,
		Decision:    string(outcome.Decision),
		Reasoning:   outcome.Reasoning,
		ContentHash: hashHex,
	}
	if err := uc.repo.Insert(ctx, item); err != nil {
		wrapped := logging.NewOperationError("usecase.insert_item", requestID, err)
		opLogger.Error("failed to persist item", zap.Error(wrapped))
		return nil, wrapped
	}

	opLogger.Info("item classified",
		zap.Uint("id", item.ID),
		zap.String("type", item.Type),
		zap.String("brand", item.Brand),
		zap.Float64("confidence", item.Confidence),
		zap.String("decision", item.Decision),
	)
	uc.cacheJSON(ctx, requestID, "cache.set.item", itemKey(item.ID), item, itemCacheTTL)
	return item, nil
}

// classify returns a cached outcome for previously seen bytes, or runs the
// pipeline under the configured timeout.
func (uc *ItemUseCase) classify(ctx context.Context, requestID, hashHex string, imageBytes []byte) recycling.Outcome {
	key := outcomeKey(hashHex)
	var cached recycling.Outcome
	if uc.readJSON(ctx, requestID, "cache.get.outcome", key, &cached) {
		return cached
	}

	classifyCtx := ctx
	if uc.classifyTimeout > 0 {
		var cancel context.CancelFunc
		classifyCtx, cancel = context.WithTimeout(ctx, uc.classifyTimeout)
		defer cancel()
	}
	outcome := uc.classifier.ClassifyItem(classifyCtx, imageBytes)

	if outcome.Reproducible() {
		uc.cacheJSON(ctx, requestID, "cache.set.outcome", key, outcome, outcomeCacheTTL)
	}
	return outcome
}

// List returns items matching filter, newest first.
func (uc *ItemUseCase) List(ctx context.Context, filter repository.ItemFilter, skip, limit int) ([]repository.Item, error) {
	items, err := uc.repo.List(ctx, filter, skip, limit)
	if err != nil {
		return nil, logging.NewOperationError("usecase.list_items", "", err)
	}
	if items == nil {
		items = []repository.Item{}
	}
	return items, nil
}

// Get retrieves a cached item or loads it from persistence.
func (uc *ItemUseCase) Get(ctx context.Context, id uint) (*repository.Item, error) {
	requestID := fmt.Sprint(id)
	var cached repository.Item
	if uc.readJSON(ctx, requestID, "cache.get.item", itemKey(id), &cached) {
		return &cached, nil
	}

	item, err := uc.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, logging.NewOperationError("usecase.get_item", requestID, err)
	}
	uc.cacheJSON(ctx, requestID, "cache.set.item", itemKey(id), item, itemCacheTTL)
	return item, nil
}

// Stats folds every stored item into decision and category counts. The
// result reflects the record set as of the moment it was read.
func (uc *ItemUseCase) Stats(ctx context.Context) (recycling.Stats, error) {
	items, err := uc.repo.ListAll(ctx)
	if err != nil {
		return recycling.Stats{}, logging.NewOperationError("usecase.stats", "", err)
	}
	records := make([]recycling.StatRecord, len(items))
	for i, item := range items {
		records[i] = recycling.StatRecord{Type: item.Type, Brand: item.Brand, Decision: item.Decision}
	}
	return recycling.ComputeStats(records), nil
}

// readJSON loads key into dst. Misses and cache faults both report false;
// faults are logged.
func (uc *ItemUseCase) readJSON(ctx context.Context, requestID, operation, key string, dst interface{}) bool {
	if uc.cache == nil {
		return false
	}
	var (
		raw   string
		found bool
	)
	err := resilience.Do(ctx, uc.policy, uc.logger, operation, requestID, func() error {
		var err error
		raw, found, err = uc.cache.Get(ctx, key)
		return err
	})
	if err != nil {
		logging.WithOperation(uc.logger, operation, requestID).Warn("failed to read cache", zap.Error(err))
		return false
	}
	if !found {
		return false
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		logging.WithOperation(uc.logger, operation, requestID).Warn("failed to decode cached value", zap.Error(err))
		return false
	}
	return true
}

func (uc *ItemUseCase) cacheJSON(ctx context.Context, requestID, operation, key string, value interface{}, ttl time.Duration) {
	if uc.cache == nil {
		return
	}
	serialized, err := json.Marshal(value)
	if err != nil {
		logging.WithOperation(uc.logger, operation, requestID).Error("failed to serialize cache value", zap.Error(err))
		return
	}
	if err := resilience.Do(ctx, uc.policy, uc.logger, operation, requestID, func() error {
		return uc.cache.Set(ctx, key, string(serialized), ttl)
	}); err != nil {
		logging.WithOperation(uc.logger, operation, requestID).Warn("failed to write cache", zap.Error(err))
	}
}

func itemKey(id uint) string {
	return fmt.Sprintf("item:%d", id)
}

func outcomeKey(hashHex string) string {
	return "outcome:" + hashHex
}
