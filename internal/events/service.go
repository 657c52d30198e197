// Package events implements the event engine: CRUD over multi-stream
// membership, tag migration, attachment handling, history chains and
// deletion tombstones.
package events

import (
	"io"

	"github.com/trovelabs/trove/internal/api"
	"github.com/trovelabs/trove/internal/config"
	"github.com/trovelabs/trove/internal/cuid"
	"github.com/trovelabs/trove/internal/integrity"
	"github.com/trovelabs/trove/internal/logger"
	"github.com/trovelabs/trove/internal/model"
	"github.com/trovelabs/trove/internal/pubsub"
	"github.com/trovelabs/trove/internal/storage"
	"github.com/trovelabs/trove/internal/streams"
	"github.com/trovelabs/trove/internal/validation"
)

// FileStore persists attachment bytes. The attachments package implements
// it on the local filesystem.
type FileStore interface {
	Save(userID, eventID, attachmentID string, src io.Reader) (int64, error)
	Open(userID, eventID, attachmentID string) (io.ReadCloser, int64, error)
	Delete(userID, eventID, attachmentID string) error
	DeleteEvent(userID, eventID string) error
}

// Service runs the event methods.
type Service struct {
	store     storage.Store
	streams   *streams.Repository
	bus       *pubsub.Bus
	files     FileStore
	validator *validation.Validator
	cfg       *config.Config
	logger    *logger.Logger
}

func NewService(store storage.Store, repo *streams.Repository, bus *pubsub.Bus,
	files FileStore, v *validation.Validator, cfg *config.Config, log *logger.Logger) *Service {
	return &Service{
		store:     store,
		streams:   repo,
		bus:       bus,
		files:     files,
		validator: v,
		cfg:       cfg,
		logger:    log.WithComponent("events"),
	}
}

// assemble shapes an event for a response: the streamId alias mirrors
// streamIds[0], tags are derived from the synthetic tag streams, and each
// attachment gets the caller's read token stamped on.
func (s *Service) assemble(ev *model.Event, access *model.Access) *model.Event {
	out := ev.Clone()
	if len(out.StreamIDs) > 0 {
		out.StreamID = out.StreamIDs[0]
	}
	out.Tags = model.TagsFromStreamIDs(out.StreamIDs)
	if access != nil {
		for i := range out.Attachments {
			out.Attachments[i].ReadToken = integrity.ReadToken(
				out.Attachments[i].ID, access, s.cfg.ServerSecret)
		}
	}
	return out
}

// adjustAttachedSize applies an incremental correction to the advisory
// attachment accounting; the nightly job trues it up.
func (s *Service) adjustAttachedSize(c *api.Context, delta int64) {
	user, err := s.store.Users().GetByID(c.Ctx, c.User.ID)
	if err != nil {
		s.logger.WithContext(c.Ctx).Warn("failed to adjust storage accounting", "error", err.Error())
		return
	}
	user.StorageUsed.AttachedFiles += delta
	if user.StorageUsed.AttachedFiles < 0 {
		user.StorageUsed.AttachedFiles = 0
	}
	if err := s.store.Users().Update(c.Ctx, user); err != nil {
		s.logger.WithContext(c.Ctx).Warn("failed to adjust storage accounting", "error", err.Error())
	}
}

// snapshot preserves the current version of an event as a history record
// before a mutation, when version keeping is enabled.
func (s *Service) snapshot(c *api.Context, ev *model.Event) error {
	if !s.cfg.KeepHistory {
		return nil
	}
	prev := ev.Clone()
	prev.HeadID = ev.ID
	prev.ID = cuid.New()
	return s.store.Events().AddHistory(c.Ctx, c.User.ID, prev)
}
