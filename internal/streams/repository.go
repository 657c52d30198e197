// Package streams maintains each user's stream forest and implements the
// streams.* methods: tree assembly under permission filtering, creation,
// renames and moves, and the two-phase delete with its event fallout.
package streams

import (
	"context"

	"github.com/trovelabs/trove/internal/cache"
	"github.com/trovelabs/trove/internal/logger"
	"github.com/trovelabs/trove/internal/model"
	"github.com/trovelabs/trove/internal/pubsub"
	"github.com/trovelabs/trove/internal/storage"
)

// Repository serves the stream forest from the cache and owns its
// invalidation. Every permission evaluation in the API goes through the
// index it builds.
type Repository struct {
	store storage.Store
	cache *cache.Cache
	bus   *pubsub.Bus
}

func NewRepository(store storage.Store, c *cache.Cache, bus *pubsub.Bus) *Repository {
	return &Repository{store: store, cache: c, bus: bus}
}

// Forest returns the user's flat stream list. The slice and its entries are
// shared with the cache; callers must not mutate them.
func (r *Repository) Forest(ctx context.Context, userID string) ([]*model.Stream, error) {
	if cached, ok := r.cache.GetStreams(userID); ok {
		return cached, nil
	}
	list, err := r.store.Streams().List(ctx, userID)
	if err != nil {
		return nil, err
	}
	r.cache.SetStreams(userID, list)
	return list, nil
}

// Index builds the ancestry index over the user's forest.
func (r *Repository) Index(ctx context.Context, userID string) (*model.StreamIndex, error) {
	forest, err := r.Forest(ctx, userID)
	if err != nil {
		return nil, err
	}
	return model.NewStreamIndex(forest), nil
}

// Invalidate drops every cached copy of the user's forest, here and in
// sibling processes.
func (r *Repository) Invalidate(userID string) {
	r.bus.UnsetUserData(userID)
}

// FileStore removes attachment files for events purged alongside their
// streams. The attachments store implements it.
type FileStore interface {
	DeleteEvent(userID, eventID string) error
}

// Service owns the streams.* methods.
type Service struct {
	repo   *Repository
	store  storage.Store
	bus    *pubsub.Bus
	files  FileStore
	logger *logger.Logger
}

func NewService(repo *Repository, store storage.Store, bus *pubsub.Bus,
	files FileStore, log *logger.Logger) *Service {
	return &Service{
		repo:   repo,
		store:  store,
		bus:    bus,
		files:  files,
		logger: log.WithComponent("streams"),
	}
}
