package model

// AccessType discriminates the three capability kinds.
type AccessType string

const (
	AccessPersonal AccessType = "personal"
	AccessApp      AccessType = "app"
	AccessShared   AccessType = "shared"
)

// PermissionLevel orders read < contribute < manage. The create-only level
// sits outside the order: it grants creation under its scope and nothing
// else.
type PermissionLevel string

const (
	LevelRead       PermissionLevel = "read"
	LevelContribute PermissionLevel = "contribute"
	LevelManage     PermissionLevel = "manage"
	LevelCreateOnly PermissionLevel = "create-only"
)

// KnownLevel reports whether l is one of the defined levels.
func KnownLevel(l PermissionLevel) bool {
	switch l {
	case LevelRead, LevelContribute, LevelManage, LevelCreateOnly:
		return true
	}
	return false
}

// Permission is one entry of an access's permission set: a stream grant, a
// tag grant (equivalent to a grant on the synthetic tag stream), or a
// feature switch.
type Permission struct {
	StreamID string          `json:"streamId,omitempty"`
	Tag      string          `json:"tag,omitempty"`
	Feature  string          `json:"feature,omitempty"`
	Level    PermissionLevel `json:"level,omitempty"`
	Setting  string          `json:"setting,omitempty"`
}

// Access is a capability token on one user's data. LastUsed and Calls are
// internal counters and never serialize on the read API.
type Access struct {
	ID          string                 `json:"id"`
	Token       string                 `json:"token"`
	Type        AccessType             `json:"type"`
	Name        string                 `json:"name"`
	DeviceName  string                 `json:"deviceName,omitempty"`
	Permissions []Permission           `json:"permissions"`
	LastUsed    float64                `json:"-"`
	Calls       map[string]int64       `json:"-"`
	ExpireAfter *float64               `json:"expireAfter,omitempty"`
	Expires     *float64               `json:"expires,omitempty"`
	ClientData  map[string]interface{} `json:"clientData,omitempty"`
	Integrity   string                 `json:"integrity,omitempty"`
	Deleted     *float64               `json:"deleted,omitempty"`
	Tracked
}

// Clone returns a deep copy.
func (a *Access) Clone() *Access {
	c := *a
	c.Permissions = append([]Permission(nil), a.Permissions...)
	if a.Calls != nil {
		c.Calls = make(map[string]int64, len(a.Calls))
		for k, v := range a.Calls {
			c.Calls[k] = v
		}
	}
	if a.ClientData != nil {
		c.ClientData = make(map[string]interface{}, len(a.ClientData))
		for k, v := range a.ClientData {
			c.ClientData[k] = v
		}
	}
	if a.ExpireAfter != nil {
		v := *a.ExpireAfter
		c.ExpireAfter = &v
	}
	if a.Expires != nil {
		v := *a.Expires
		c.Expires = &v
	}
	if a.Deleted != nil {
		v := *a.Deleted
		c.Deleted = &v
	}
	return &c
}

// IsPersonal reports whether the access is the user's own session token.
func (a *Access) IsPersonal() bool {
	return a.Type == AccessPersonal
}

// IsExpired reports whether the access has passed its expiry at the given
// server time.
func (a *Access) IsExpired(now float64) bool {
	return a.Expires != nil && *a.Expires <= now
}

// FeatureSelfRevoke lets an access delete itself; a feature permission with
// setting "forbidden" withdraws it.
const FeatureSelfRevoke = "selfRevoke"

// FeatureForbidden reports whether a feature permission entry forbids the
// named feature for this access.
func (a *Access) FeatureForbidden(feature string) bool {
	for _, p := range a.Permissions {
		if p.Feature == feature && p.Setting == "forbidden" {
			return true
		}
	}
	return false
}

// levelsFor collects every permission level granted on the stream or any
// of its ancestors, including the "*" wildcard and tag grants resolved to
// their synthetic stream ids.
func (a *Access) levelsFor(streamID string, idx *StreamIndex) []PermissionLevel {
	ancestry := map[string]bool{streamID: true}
	if idx != nil {
		for _, id := range idx.Ancestry(streamID) {
			ancestry[id] = true
		}
	}

	var levels []PermissionLevel
	for _, p := range a.Permissions {
		switch {
		case p.StreamID == "*" && p.Level != "":
			levels = append(levels, p.Level)
		case p.StreamID != "" && ancestry[p.StreamID]:
			levels = append(levels, p.Level)
		case p.Tag != "" && ancestry[TagStreamID(p.Tag)]:
			levels = append(levels, p.Level)
		}
	}
	return levels
}

func (a *Access) holdsAny(streamID string, idx *StreamIndex, accept ...PermissionLevel) bool {
	if a.IsPersonal() {
		return true
	}
	levels := a.levelsFor(streamID, idx)
	for _, l := range levels {
		for _, want := range accept {
			if l == want {
				return true
			}
		}
	}
	return false
}

// CanReadStream reports whether the access may read events on the stream.
func (a *Access) CanReadStream(streamID string, idx *StreamIndex) bool {
	return a.holdsAny(streamID, idx, LevelRead, LevelContribute, LevelManage)
}

// CanContributeToStream reports whether the access may write events on the
// stream (update, trash, delete, and streamIds membership changes).
func (a *Access) CanContributeToStream(streamID string, idx *StreamIndex) bool {
	return a.holdsAny(streamID, idx, LevelContribute, LevelManage)
}

// CanManageStream reports whether the access may alter the stream itself.
func (a *Access) CanManageStream(streamID string, idx *StreamIndex) bool {
	return a.holdsAny(streamID, idx, LevelManage)
}

// CanCreateEventsOnStream reports whether the access may create new events
// on the stream. create-only qualifies here and nowhere else.
func (a *Access) CanCreateEventsOnStream(streamID string, idx *StreamIndex) bool {
	return a.holdsAny(streamID, idx, LevelCreateOnly, LevelContribute, LevelManage)
}

// CanCreateChildStream reports whether the access may create a child under
// the given parent. Contribute covers events only, so it does not qualify.
func (a *Access) CanCreateChildStream(parentID string, idx *StreamIndex) bool {
	return a.holdsAny(parentID, idx, LevelCreateOnly, LevelManage)
}

// CanReadAnyOf applies the multi-stream read rule: one readable stream is
// enough. Synthetic streams count when explicitly granted.
func (a *Access) CanReadAnyOf(streamIDs []string, idx *StreamIndex) bool {
	if a.IsPersonal() {
		return true
	}
	for _, id := range streamIDs {
		if a.CanReadStream(id, idx) {
			return true
		}
	}
	return false
}

// CanContributeToAnyOf applies the multi-stream write rule for content
// updates, trashing and deletion: contribute on one member stream suffices.
func (a *Access) CanContributeToAnyOf(streamIDs []string, idx *StreamIndex) bool {
	if a.IsPersonal() {
		return true
	}
	for _, id := range streamIDs {
		if a.CanContributeToStream(id, idx) {
			return true
		}
	}
	return false
}

// CanCreateEventsOnAllOf applies the event-creation rule: the required
// level must hold on every listed stream. Synthetic tag streams are exempt
// so that tag migration keeps working for stream-scoped accesses.
func (a *Access) CanCreateEventsOnAllOf(streamIDs []string, idx *StreamIndex) bool {
	if a.IsPersonal() {
		return true
	}
	for _, id := range streamIDs {
		if IsSyntheticStream(id) {
			continue
		}
		if !a.CanCreateEventsOnStream(id, idx) {
			return false
		}
	}
	return true
}

// CanContributeToAllOf applies the streamIds add/remove rule: contribute is
// required on every affected stream. Synthetic tag streams are exempt.
func (a *Access) CanContributeToAllOf(streamIDs []string, idx *StreamIndex) bool {
	if a.IsPersonal() {
		return true
	}
	for _, id := range streamIDs {
		if IsSyntheticStream(id) {
			continue
		}
		if !a.CanContributeToStream(id, idx) {
			return false
		}
	}
	return true
}

// CanListStream reports whether the stream itself is visible in listings.
func (a *Access) CanListStream(streamID string, idx *StreamIndex) bool {
	return a.holdsAny(streamID, idx,
		LevelRead, LevelContribute, LevelManage, LevelCreateOnly)
}

// levelRank orders the graded levels. create-only sits outside the order
// and is compared separately.
func levelRank(l PermissionLevel) int {
	switch l {
	case LevelRead:
		return 1
	case LevelContribute:
		return 2
	case LevelManage:
		return 3
	}
	return 0
}

// LevelCovers reports whether the access holds a level on the stream that
// covers the requested one. App accesses may only delegate permissions
// covered by their own: create-only is covered by itself, contribute or
// manage; the graded levels compare by rank. A "*" request needs a "*"
// grant.
func (a *Access) LevelCovers(streamID string, want PermissionLevel, idx *StreamIndex) bool {
	if a.IsPersonal() {
		return true
	}
	for _, have := range a.levelsFor(streamID, idx) {
		if want == LevelCreateOnly {
			if have == LevelCreateOnly || levelRank(have) >= levelRank(LevelContribute) {
				return true
			}
			continue
		}
		if levelRank(have) >= levelRank(want) {
			return true
		}
	}
	return false
}
