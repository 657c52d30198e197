package model

import "time"

// NowSeconds returns the current time as float seconds since epoch, the
// timestamp representation used across the API.
func NowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// Tracked carries the audit fields shared by stored entities.
type Tracked struct {
	Created    float64 `json:"created"`
	CreatedBy  string  `json:"createdBy"`
	Modified   float64 `json:"modified"`
	ModifiedBy string  `json:"modifiedBy"`
}

// Stamp initializes the audit fields at creation.
func (t *Tracked) Stamp(by string) {
	now := NowSeconds()
	t.Created = now
	t.CreatedBy = by
	t.Modified = now
	t.ModifiedBy = by
}

// Touch stamps the modification fields.
func (t *Tracked) Touch(by string) {
	t.Modified = NowSeconds()
	t.ModifiedBy = by
}

// MergeClientData applies a client data update: keys overwrite, an explicit
// null removes the key. An empty result collapses to nil so the field
// serializes away.
func MergeClientData(existing, update map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(existing)+len(update))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range update {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	if len(merged) == 0 {
		return nil
	}
	return merged
}

// StorageUsed is the advisory per-user storage accounting, recomputed
// nightly and adjusted incrementally on attachment writes/deletes.
type StorageUsed struct {
	DBDocuments   int64 `json:"dbDocuments"`
	AttachedFiles int64 `json:"attachedFiles"`
}

// User is one tenant. PasswordHash and the password bookkeeping fields
// never serialize to API responses.
type User struct {
	ID           string      `json:"id"`
	Username     string      `json:"username"`
	Email        string      `json:"email"`
	Language     string      `json:"language"`
	StorageUsed  StorageUsed `json:"storageUsed"`
	PasswordHash string      `json:"-"`
	// PasswordHistory holds the most recent previous hashes, newest first,
	// for the reuse rule. PasswordChangedAt gates the minimum-age rule.
	PasswordHistory   []string `json:"-"`
	PasswordChangedAt float64  `json:"-"`
	// ResetTokenID is the jti of the latest issued reset token; resetting
	// consumes it so each token is single-use and only the latest is valid.
	ResetTokenID string                 `json:"-"`
	MFA          map[string]interface{} `json:"-"`
}

// Clone returns a deep copy of the user record.
func (u *User) Clone() *User {
	c := *u
	c.PasswordHistory = append([]string(nil), u.PasswordHistory...)
	if u.MFA != nil {
		c.MFA = make(map[string]interface{}, len(u.MFA))
		for k, v := range u.MFA {
			c.MFA[k] = v
		}
	}
	return &c
}

// AccountInfo is the account read shape (account.get).
type AccountInfo struct {
	Username    string      `json:"username"`
	Email       string      `json:"email"`
	Language    string      `json:"language"`
	StorageUsed StorageUsed `json:"storageUsed"`
}

// Account returns the API view of the user's account.
func (u *User) Account() AccountInfo {
	return AccountInfo{
		Username:    u.Username,
		Email:       u.Email,
		Language:    u.Language,
		StorageUsed: u.StorageUsed,
	}
}

// Stream is one node of a user's stream forest. Children is assembled at
// read time from the flat parentId relation and is never persisted.
type Stream struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	ParentID       *string                `json:"parentId"`
	Children       []*Stream              `json:"children"`
	Trashed        bool                   `json:"trashed,omitempty"`
	ClientData     map[string]interface{} `json:"clientData,omitempty"`
	SingleActivity bool                   `json:"singleActivity,omitempty"`
	Integrity      string                 `json:"integrity,omitempty"`
	Tracked
}

// Clone returns a deep copy without the assembled Children.
func (s *Stream) Clone() *Stream {
	c := *s
	c.Children = nil
	if s.ParentID != nil {
		p := *s.ParentID
		c.ParentID = &p
	}
	if s.ClientData != nil {
		c.ClientData = make(map[string]interface{}, len(s.ClientData))
		for k, v := range s.ClientData {
			c.ClientData[k] = v
		}
	}
	return &c
}

// Attachment describes one binary blob attached to an event. ReadToken is
// derived per access at response assembly and never persisted.
type Attachment struct {
	ID        string `json:"id"`
	FileName  string `json:"fileName"`
	Type      string `json:"type"`
	Size      int64  `json:"size"`
	Integrity string `json:"integrity,omitempty"`
	ReadToken string `json:"readToken,omitempty"`
}

// Event is the unit of data: a timestamped typed payload belonging to one
// or more streams. StreamID mirrors StreamIDs[0] and is set at assembly;
// Tags is derived from the synthetic tag streams in StreamIDs.
type Event struct {
	ID          string                 `json:"id"`
	StreamIDs   []string               `json:"streamIds"`
	StreamID    string                 `json:"streamId"`
	Type        string                 `json:"type"`
	Time        float64                `json:"time"`
	Duration    *float64               `json:"duration,omitempty"`
	Content     interface{}            `json:"content,omitempty"`
	Tags        []string               `json:"tags,omitempty"`
	Description string                 `json:"description,omitempty"`
	ClientData  map[string]interface{} `json:"clientData,omitempty"`
	Trashed     bool                   `json:"trashed,omitempty"`
	Attachments []Attachment           `json:"attachments,omitempty"`
	HeadID      string                 `json:"headId,omitempty"`
	Integrity   string                 `json:"integrity,omitempty"`
	Tracked
}

// AttachmentsSize sums the stored size of all attachments.
func (e *Event) AttachmentsSize() int64 {
	var total int64
	for _, a := range e.Attachments {
		total += a.Size
	}
	return total
}

// Clone returns a deep copy; storage implementations hand out copies so
// callers can mutate results freely.
func (e *Event) Clone() *Event {
	c := *e
	c.StreamIDs = append([]string(nil), e.StreamIDs...)
	c.Tags = append([]string(nil), e.Tags...)
	c.Attachments = append([]Attachment(nil), e.Attachments...)
	if e.Duration != nil {
		d := *e.Duration
		c.Duration = &d
	}
	if e.ClientData != nil {
		c.ClientData = make(map[string]interface{}, len(e.ClientData))
		for k, v := range e.ClientData {
			c.ClientData[k] = v
		}
	}
	return &c
}

// FollowedSlice is a saved pointer to an access on another user's data.
type FollowedSlice struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	URL         string `json:"url"`
	AccessToken string `json:"accessToken"`
}

// Deletion is the tombstone left by a permanent delete.
type Deletion struct {
	ID        string  `json:"id"`
	Deleted   float64 `json:"deleted"`
	Integrity string  `json:"integrity,omitempty"`
}

// ProfileScope selects one of the per-user profile key-value buckets.
type ProfileScope string

const (
	ProfilePublic  ProfileScope = "public"
	ProfileApp     ProfileScope = "app"
	ProfilePrivate ProfileScope = "private"
)
