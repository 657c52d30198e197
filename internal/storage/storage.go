// Package storage defines the persistence interfaces the API services run
// on. Two implementations exist: storage/memory (tests, single-node dev)
// and storage/pg (Postgres). Storage is the consistency boundary; the
// uniqueness constraints declared here must hold atomically.
package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/trovelabs/trove/internal/model"
)

// ErrNotFound is returned by point reads when no matching record exists.
// Implementations translate their backend's miss (sql.ErrNoRows, map miss)
// to this sentinel so services can errors.Is against it.
var ErrNotFound = errors.New("storage: resource not found")

// UniquenessError reports a violated uniqueness constraint. Keys maps each
// conflicting API field to the offending value and surfaces in the 409
// response data.
type UniquenessError struct {
	Resource string
	Keys     map[string]interface{}
}

func (e *UniquenessError) Error() string {
	return fmt.Sprintf("storage: %s uniqueness violated on %v", e.Resource, e.Keys)
}

// AsUniqueness unwraps err to a *UniquenessError if it is one.
func AsUniqueness(err error) (*UniquenessError, bool) {
	var ue *UniquenessError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

// Store bundles the per-resource stores behind one handle.
type Store interface {
	Users() Users
	Accesses() Accesses
	Streams() Streams
	Events() Events
	FollowedSlices() FollowedSlices
	Profiles() Profiles
	Close() error
}

// Users persists tenant records. Usernames and emails are unique across
// the whole store.
type Users interface {
	Create(ctx context.Context, u *model.User) error
	GetByID(ctx context.Context, id string) (*model.User, error)
	GetByUsername(ctx context.Context, username string) (*model.User, error)
	Update(ctx context.Context, u *model.User) error
	// All walks every user; the nightly storage recompute drains it.
	All(ctx context.Context) (Cursor, error)
}

// Accesses persists capability tokens per user. Tokens are unique among
// live (non-deleted) accesses of one user; deleting an access keeps its
// record as a tombstone so the token may be reissued.
type Accesses interface {
	Create(ctx context.Context, userID string, a *model.Access) error
	Get(ctx context.Context, userID, id string) (*model.Access, error)
	GetByToken(ctx context.Context, userID, token string) (*model.Access, error)
	List(ctx context.Context, userID string) ([]*model.Access, error)
	ListDeleted(ctx context.Context, userID string) ([]*model.Access, error)
	Update(ctx context.Context, userID string, a *model.Access) error
	Delete(ctx context.Context, userID, id string, deletedAt float64) error
	// Track records one authenticated call: bumps lastUsed, increments the
	// per-method counter and, when slideExpires is set, pushes the expiry
	// forward. methodKey is already storage-escaped ("." replaced by ":").
	Track(ctx context.Context, userID, accessID, methodKey string, when float64, slideExpires *float64) error
	Count(ctx context.Context, userID string) (int64, error)
}

// Streams persists one user's stream forest as flat parentId rows. The
// (parentId, name) pair is unique among live siblings. Deleted stream ids
// may be reused.
type Streams interface {
	Create(ctx context.Context, userID string, s *model.Stream) error
	Get(ctx context.Context, userID, id string) (*model.Stream, error)
	List(ctx context.Context, userID string) ([]*model.Stream, error)
	Update(ctx context.Context, userID string, s *model.Stream) error
	Delete(ctx context.Context, userID, id string) error
	AddDeletion(ctx context.Context, userID string, d *model.Deletion) error
	GetDeletions(ctx context.Context, userID string, since float64) ([]model.Deletion, error)
	Count(ctx context.Context, userID string) (int64, error)
}

// Events persists events, their history snapshots and their deletion
// tombstones. Event ids are unique per user and are never reused, even
// after a permanent delete. Point reads and queries see only head records;
// history snapshots (headId set) are reachable through History.
type Events interface {
	Create(ctx context.Context, userID string, e *model.Event) error
	Get(ctx context.Context, userID, id string) (*model.Event, error)
	Query(ctx context.Context, userID string, q *EventQuery) (Cursor, error)
	Update(ctx context.Context, userID string, e *model.Event) error
	Delete(ctx context.Context, userID, id string) error
	AddHistory(ctx context.Context, userID string, snapshot *model.Event) error
	History(ctx context.Context, userID, headID string) ([]*model.Event, error)
	DeleteHistory(ctx context.Context, userID, headID string) error
	AddDeletion(ctx context.Context, userID string, d *model.Deletion) error
	GetDeletions(ctx context.Context, userID string, since float64) ([]model.Deletion, error)
	HasDeletion(ctx context.Context, userID, id string) (bool, error)
	Count(ctx context.Context, userID string) (int64, error)
	TotalAttachedSize(ctx context.Context, userID string) (int64, error)
}

// FollowedSlices persists saved pointers to accesses on other users' data.
// Names are unique per user, as is the (url, accessToken) pair.
type FollowedSlices interface {
	Create(ctx context.Context, userID string, s *model.FollowedSlice) error
	Get(ctx context.Context, userID, id string) (*model.FollowedSlice, error)
	List(ctx context.Context, userID string) ([]*model.FollowedSlice, error)
	Update(ctx context.Context, userID string, s *model.FollowedSlice) error
	Delete(ctx context.Context, userID, id string) error
}

// Profiles persists the per-user key-value buckets. Scope is "public",
// "private" or "app:<accessId>". A missing bucket reads as an empty map.
type Profiles interface {
	Get(ctx context.Context, userID, scope string) (map[string]interface{}, error)
	Update(ctx context.Context, userID, scope string, content map[string]interface{}) error
}

// Cursor walks a lazy result sequence. Callers must Close on every exit
// path; Next honors context cancellation so a disconnected client stops
// the walk.
type Cursor interface {
	Next(ctx context.Context) (interface{}, bool, error)
	Close() error
}

// SliceCursor adapts an in-memory slice to Cursor.
type SliceCursor struct {
	items []interface{}
	pos   int
}

func NewSliceCursor(items []interface{}) *SliceCursor {
	return &SliceCursor{items: items}
}

func (c *SliceCursor) Next(ctx context.Context) (interface{}, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if c.pos >= len(c.items) {
		return nil, false, nil
	}
	item := c.items[c.pos]
	c.pos++
	return item, true, nil
}

func (c *SliceCursor) Close() error { return nil }

// Drain reads the cursor to exhaustion. The caller still owns Close.
func Drain(ctx context.Context, c Cursor) ([]interface{}, error) {
	var out []interface{}
	for {
		item, ok, err := c.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, item)
	}
}

// Event state filter values.
const (
	StateDefault = "default"
	StateTrashed = "trashed"
	StateAll     = "all"
)

// EventQuery is the storage-level filter for Events.Query. Stream
// membership is expressed over already-expanded id sets: Any requires at
// least one listed id, every All group requires at least one of its ids,
// Not excludes events carrying any listed id.
type EventQuery struct {
	Any []string
	All [][]string
	Not []string

	// Types filters by event type; a "family/*" entry matches the family.
	Types []string

	// FromTime and ToTime bound the window, inclusive, honored even at 0.
	// An event with a duration overlaps when [time, time+duration]
	// intersects the window; a null-duration event is in the window when
	// it started at or before ToTime.
	FromTime *float64
	ToTime   *float64

	// Running keeps only events with a null duration.
	Running bool

	// State selects on the trashed flag; empty means StateDefault.
	State string

	// ModifiedSince keeps events modified strictly after the given time.
	ModifiedSince *float64

	SortAscending bool
	Skip          int
	// Limit caps the result count; 0 means unlimited.
	Limit int
}

// Matches reports whether the event satisfies every filter except Skip,
// Limit and ordering, which the caller applies. The memory store and the
// stream-merge walk both evaluate with this.
func (q *EventQuery) Matches(e *model.Event) bool {
	switch q.State {
	case "", StateDefault:
		if e.Trashed {
			return false
		}
	case StateTrashed:
		if !e.Trashed {
			return false
		}
	}
	if q.Running && e.Duration != nil {
		return false
	}
	if q.ModifiedSince != nil && e.Modified <= *q.ModifiedSince {
		return false
	}
	if !q.inWindow(e) {
		return false
	}
	if len(q.Types) > 0 && !typeMatches(q.Types, e.Type) {
		return false
	}
	if len(q.Any) > 0 && !intersects(e.StreamIDs, q.Any) {
		return false
	}
	for _, group := range q.All {
		if !intersects(e.StreamIDs, group) {
			return false
		}
	}
	if len(q.Not) > 0 && intersects(e.StreamIDs, q.Not) {
		return false
	}
	return true
}

func (q *EventQuery) inWindow(e *model.Event) bool {
	from := math.Inf(-1)
	to := math.Inf(1)
	if q.FromTime != nil {
		from = *q.FromTime
	}
	if q.ToTime != nil {
		to = *q.ToTime
	}
	if e.Duration != nil {
		return e.Time <= to && e.Time+*e.Duration >= from
	}
	return e.Time <= to
}

// Apply filters, orders and pages a full event list in memory.
func (q *EventQuery) Apply(events []*model.Event) []*model.Event {
	matched := make([]*model.Event, 0, len(events))
	for _, e := range events {
		if q.Matches(e) {
			matched = append(matched, e)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if q.SortAscending {
			return matched[i].Time < matched[j].Time
		}
		return matched[i].Time > matched[j].Time
	})
	if q.Skip > 0 {
		if q.Skip >= len(matched) {
			return nil
		}
		matched = matched[q.Skip:]
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched
}

func typeMatches(filters []string, typ string) bool {
	for _, f := range filters {
		if f == typ {
			return true
		}
		if family, ok := strings.CutSuffix(f, "/*"); ok && strings.HasPrefix(typ, family+"/") {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

// EscapeMethodKey maps a method id to its storage form: "." is replaced by
// ":" so per-method call counters stay safe as document keys.
func EscapeMethodKey(methodID string) string {
	return strings.ReplaceAll(methodID, ".", ":")
}
