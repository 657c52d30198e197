// Package memory implements storage.Store on process-local maps. It backs
// single-node development and the test suites; every record is deep-copied
// on the way in and out so callers can never alias store state.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/trovelabs/trove/internal/model"
	"github.com/trovelabs/trove/internal/storage"
)

// Store holds all users' data behind one RWMutex. Contention is irrelevant
// at the scale this backend serves.
type Store struct {
	mu sync.RWMutex

	users     map[string]*model.User // by id
	usernames map[string]string      // username -> id

	accesses        map[string]map[string]*model.Access
	streams         map[string]map[string]*model.Stream
	streamDeletions map[string][]model.Deletion
	events          map[string]map[string]*model.Event
	history         map[string]map[string][]*model.Event
	eventDeletions  map[string]map[string]model.Deletion
	slices          map[string]map[string]*model.FollowedSlice
	profiles        map[string]map[string]map[string]interface{}
}

func New() *Store {
	return &Store{
		users:           make(map[string]*model.User),
		usernames:       make(map[string]string),
		accesses:        make(map[string]map[string]*model.Access),
		streams:         make(map[string]map[string]*model.Stream),
		streamDeletions: make(map[string][]model.Deletion),
		events:          make(map[string]map[string]*model.Event),
		history:         make(map[string]map[string][]*model.Event),
		eventDeletions:  make(map[string]map[string]model.Deletion),
		slices:          make(map[string]map[string]*model.FollowedSlice),
		profiles:        make(map[string]map[string]map[string]interface{}),
	}
}

func (s *Store) Users() storage.Users                   { return (*usersStore)(s) }
func (s *Store) Accesses() storage.Accesses             { return (*accessesStore)(s) }
func (s *Store) Streams() storage.Streams               { return (*streamsStore)(s) }
func (s *Store) Events() storage.Events                 { return (*eventsStore)(s) }
func (s *Store) FollowedSlices() storage.FollowedSlices { return (*slicesStore)(s) }
func (s *Store) Profiles() storage.Profiles             { return (*profilesStore)(s) }

func (s *Store) Close() error { return nil }

// users

type usersStore Store

func (s *usersStore) Create(ctx context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return &storage.UniquenessError{Resource: "user", Keys: map[string]interface{}{"id": u.ID}}
	}
	if _, ok := s.usernames[u.Username]; ok {
		return &storage.UniquenessError{Resource: "user", Keys: map[string]interface{}{"username": u.Username}}
	}
	for _, other := range s.users {
		if strings.EqualFold(other.Email, u.Email) {
			return &storage.UniquenessError{Resource: "user", Keys: map[string]interface{}{"email": u.Email}}
		}
	}
	s.users[u.ID] = u.Clone()
	s.usernames[u.Username] = u.ID
	return nil
}

func (s *usersStore) GetByID(ctx context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return u.Clone(), nil
}

func (s *usersStore) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.usernames[username]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s.users[id].Clone(), nil
}

func (s *usersStore) Update(ctx context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; !ok {
		return storage.ErrNotFound
	}
	for id, other := range s.users {
		if id != u.ID && strings.EqualFold(other.Email, u.Email) {
			return &storage.UniquenessError{Resource: "user", Keys: map[string]interface{}{"email": u.Email}}
		}
	}
	s.users[u.ID] = u.Clone()
	return nil
}

func (s *usersStore) All(ctx context.Context) (storage.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]interface{}, 0, len(s.users))
	for _, u := range s.users {
		items = append(items, u.Clone())
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].(*model.User).Username < items[j].(*model.User).Username
	})
	return storage.NewSliceCursor(items), nil
}

// accesses

type accessesStore Store

func (s *accessesStore) forUser(userID string) map[string]*model.Access {
	m, ok := s.accesses[userID]
	if !ok {
		m = make(map[string]*model.Access)
		s.accesses[userID] = m
	}
	return m
}

func (s *accessesStore) Create(ctx context.Context, userID string, a *model.Access) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.forUser(userID)
	if _, ok := m[a.ID]; ok {
		return &storage.UniquenessError{Resource: "access", Keys: map[string]interface{}{"id": a.ID}}
	}
	for _, other := range m {
		if other.Deleted == nil && other.Token == a.Token {
			return &storage.UniquenessError{Resource: "access", Keys: map[string]interface{}{"token": a.Token}}
		}
	}
	m[a.ID] = a.Clone()
	return nil
}

func (s *accessesStore) Get(ctx context.Context, userID, id string) (*model.Access, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accesses[userID][id]
	if !ok || a.Deleted != nil {
		return nil, storage.ErrNotFound
	}
	return a.Clone(), nil
}

func (s *accessesStore) GetByToken(ctx context.Context, userID, token string) (*model.Access, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.accesses[userID] {
		if a.Deleted == nil && a.Token == token {
			return a.Clone(), nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *accessesStore) List(ctx context.Context, userID string) ([]*model.Access, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(userID, false), nil
}

func (s *accessesStore) ListDeleted(ctx context.Context, userID string) ([]*model.Access, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(userID, true), nil
}

func (s *accessesStore) collect(userID string, deleted bool) []*model.Access {
	var out []*model.Access
	for _, a := range s.accesses[userID] {
		if (a.Deleted != nil) == deleted {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created < out[j].Created })
	return out
}

func (s *accessesStore) Update(ctx context.Context, userID string, a *model.Access) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.forUser(userID)
	cur, ok := m[a.ID]
	if !ok || cur.Deleted != nil {
		return storage.ErrNotFound
	}
	for id, other := range m {
		if id != a.ID && other.Deleted == nil && other.Token == a.Token {
			return &storage.UniquenessError{Resource: "access", Keys: map[string]interface{}{"token": a.Token}}
		}
	}
	m[a.ID] = a.Clone()
	return nil
}

func (s *accessesStore) Delete(ctx context.Context, userID, id string, deletedAt float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accesses[userID][id]
	if !ok || a.Deleted != nil {
		return storage.ErrNotFound
	}
	a.Deleted = &deletedAt
	return nil
}

func (s *accessesStore) Track(ctx context.Context, userID, accessID, methodKey string, when float64, slideExpires *float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accesses[userID][accessID]
	if !ok || a.Deleted != nil {
		return storage.ErrNotFound
	}
	if when > a.LastUsed {
		a.LastUsed = when
	}
	if a.Calls == nil {
		a.Calls = make(map[string]int64)
	}
	a.Calls[methodKey]++
	if slideExpires != nil {
		v := *slideExpires
		a.Expires = &v
	}
	return nil
}

func (s *accessesStore) Count(ctx context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, a := range s.accesses[userID] {
		if a.Deleted == nil {
			n++
		}
	}
	return n, nil
}

// streams

type streamsStore Store

func (s *streamsStore) forUser(userID string) map[string]*model.Stream {
	m, ok := s.streams[userID]
	if !ok {
		m = make(map[string]*model.Stream)
		s.streams[userID] = m
	}
	return m
}

func parentKey(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func (s *streamsStore) Create(ctx context.Context, userID string, st *model.Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.forUser(userID)
	if _, ok := m[st.ID]; ok {
		return &storage.UniquenessError{Resource: "stream", Keys: map[string]interface{}{"id": st.ID}}
	}
	for _, other := range m {
		if parentKey(other.ParentID) == parentKey(st.ParentID) && other.Name == st.Name {
			return &storage.UniquenessError{Resource: "stream", Keys: map[string]interface{}{
				"name": st.Name, "parentId": parentKey(st.ParentID),
			}}
		}
	}
	m[st.ID] = st.Clone()
	return nil
}

func (s *streamsStore) Get(ctx context.Context, userID, id string) (*model.Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.streams[userID][id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return st.Clone(), nil
}

func (s *streamsStore) List(ctx context.Context, userID string) ([]*model.Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Stream, 0, len(s.streams[userID]))
	for _, st := range s.streams[userID] {
		out = append(out, st.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created < out[j].Created })
	return out, nil
}

func (s *streamsStore) Update(ctx context.Context, userID string, st *model.Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.forUser(userID)
	if _, ok := m[st.ID]; !ok {
		return storage.ErrNotFound
	}
	for id, other := range m {
		if id != st.ID && parentKey(other.ParentID) == parentKey(st.ParentID) && other.Name == st.Name {
			return &storage.UniquenessError{Resource: "stream", Keys: map[string]interface{}{
				"name": st.Name, "parentId": parentKey(st.ParentID),
			}}
		}
	}
	m[st.ID] = st.Clone()
	return nil
}

func (s *streamsStore) Delete(ctx context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[userID][id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.streams[userID], id)
	return nil
}

func (s *streamsStore) AddDeletion(ctx context.Context, userID string, d *model.Deletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamDeletions[userID] = append(s.streamDeletions[userID], *d)
	return nil
}

func (s *streamsStore) GetDeletions(ctx context.Context, userID string, since float64) ([]model.Deletion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Deletion
	for _, d := range s.streamDeletions[userID] {
		if d.Deleted > since {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deleted < out[j].Deleted })
	return out, nil
}

func (s *streamsStore) Count(ctx context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.streams[userID])), nil
}

// events

type eventsStore Store

func (s *eventsStore) forUser(userID string) map[string]*model.Event {
	m, ok := s.events[userID]
	if !ok {
		m = make(map[string]*model.Event)
		s.events[userID] = m
	}
	return m
}

func (s *eventsStore) Create(ctx context.Context, userID string, e *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.forUser(userID)
	if _, ok := m[e.ID]; ok {
		return &storage.UniquenessError{Resource: "event", Keys: map[string]interface{}{"id": e.ID}}
	}
	if _, ok := s.eventDeletions[userID][e.ID]; ok {
		return &storage.UniquenessError{Resource: "event", Keys: map[string]interface{}{"id": e.ID}}
	}
	m[e.ID] = e.Clone()
	return nil
}

func (s *eventsStore) Get(ctx context.Context, userID, id string) (*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[userID][id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return e.Clone(), nil
}

func (s *eventsStore) Query(ctx context.Context, userID string, q *storage.EventQuery) (storage.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]*model.Event, 0, len(s.events[userID]))
	for _, e := range s.events[userID] {
		all = append(all, e)
	}
	matched := q.Apply(all)
	items := make([]interface{}, len(matched))
	for i, e := range matched {
		items[i] = e.Clone()
	}
	return storage.NewSliceCursor(items), nil
}

func (s *eventsStore) Update(ctx context.Context, userID string, e *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.forUser(userID)
	if _, ok := m[e.ID]; !ok {
		return storage.ErrNotFound
	}
	m[e.ID] = e.Clone()
	return nil
}

func (s *eventsStore) Delete(ctx context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[userID][id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.events[userID], id)
	return nil
}

func (s *eventsStore) AddHistory(ctx context.Context, userID string, snapshot *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.history[userID]
	if !ok {
		m = make(map[string][]*model.Event)
		s.history[userID] = m
	}
	m[snapshot.HeadID] = append(m[snapshot.HeadID], snapshot.Clone())
	return nil
}

func (s *eventsStore) History(ctx context.Context, userID, headID string) ([]*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshots := s.history[userID][headID]
	out := make([]*model.Event, len(snapshots))
	for i, e := range snapshots {
		out[i] = e.Clone()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Modified < out[j].Modified })
	return out, nil
}

func (s *eventsStore) DeleteHistory(ctx context.Context, userID, headID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.history[userID], headID)
	return nil
}

func (s *eventsStore) AddDeletion(ctx context.Context, userID string, d *model.Deletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.eventDeletions[userID]
	if !ok {
		m = make(map[string]model.Deletion)
		s.eventDeletions[userID] = m
	}
	m[d.ID] = *d
	return nil
}

func (s *eventsStore) GetDeletions(ctx context.Context, userID string, since float64) ([]model.Deletion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Deletion
	for _, d := range s.eventDeletions[userID] {
		if d.Deleted > since {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deleted < out[j].Deleted })
	return out, nil
}

func (s *eventsStore) HasDeletion(ctx context.Context, userID, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.eventDeletions[userID][id]
	return ok, nil
}

func (s *eventsStore) Count(ctx context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.events[userID])), nil
}

func (s *eventsStore) TotalAttachedSize(ctx context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, e := range s.events[userID] {
		total += e.AttachmentsSize()
	}
	return total, nil
}

// followed slices

type slicesStore Store

func (s *slicesStore) forUser(userID string) map[string]*model.FollowedSlice {
	m, ok := s.slices[userID]
	if !ok {
		m = make(map[string]*model.FollowedSlice)
		s.slices[userID] = m
	}
	return m
}

func (s *slicesStore) Create(ctx context.Context, userID string, sl *model.FollowedSlice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.forUser(userID)
	if _, ok := m[sl.ID]; ok {
		return &storage.UniquenessError{Resource: "followedSlice", Keys: map[string]interface{}{"id": sl.ID}}
	}
	if err := checkSliceUnique(m, sl); err != nil {
		return err
	}
	copied := *sl
	m[sl.ID] = &copied
	return nil
}

func (s *slicesStore) Get(ctx context.Context, userID, id string) (*model.FollowedSlice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl, ok := s.slices[userID][id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *sl
	return &copied, nil
}

func (s *slicesStore) List(ctx context.Context, userID string) ([]*model.FollowedSlice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.FollowedSlice, 0, len(s.slices[userID]))
	for _, sl := range s.slices[userID] {
		copied := *sl
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *slicesStore) Update(ctx context.Context, userID string, sl *model.FollowedSlice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.forUser(userID)
	if _, ok := m[sl.ID]; !ok {
		return storage.ErrNotFound
	}
	if err := checkSliceUnique(m, sl); err != nil {
		return err
	}
	copied := *sl
	m[sl.ID] = &copied
	return nil
}

func (s *slicesStore) Delete(ctx context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slices[userID][id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.slices[userID], id)
	return nil
}

func checkSliceUnique(m map[string]*model.FollowedSlice, sl *model.FollowedSlice) error {
	for id, other := range m {
		if id == sl.ID {
			continue
		}
		if other.Name == sl.Name {
			return &storage.UniquenessError{Resource: "followedSlice", Keys: map[string]interface{}{"name": sl.Name}}
		}
		if other.URL == sl.URL && other.AccessToken == sl.AccessToken {
			return &storage.UniquenessError{Resource: "followedSlice", Keys: map[string]interface{}{
				"url": sl.URL, "accessToken": sl.AccessToken,
			}}
		}
	}
	return nil
}

// profiles

type profilesStore Store

func (s *profilesStore) Get(ctx context.Context, userID, scope string) (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	content := s.profiles[userID][scope]
	out := make(map[string]interface{}, len(content))
	for k, v := range content {
		out[k] = v
	}
	return out, nil
}

func (s *profilesStore) Update(ctx context.Context, userID, scope string, content map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.profiles[userID]
	if !ok {
		m = make(map[string]map[string]interface{})
		s.profiles[userID] = m
	}
	copied := make(map[string]interface{}, len(content))
	for k, v := range content {
		copied[k] = v
	}
	m[scope] = copied
	return nil
}
