package model

import (
	"sort"
	"strings"
)

// Synthetic stream ids are server-generated and never stored as stream
// documents. They appear in listings and in event streamIds but reject
// every mutation.
const (
	// TagStreamPrefix marks the synthetic stream an event tag migrates to.
	TagStreamPrefix = ":_tag:"
	// SystemStreamPrefix marks account/audit streams surfaced read-only.
	SystemStreamPrefix = ":_system:"

	// AccountStreamID is the synthetic root carrying account change events.
	AccountStreamID = SystemStreamPrefix + "account"
)

// IsSyntheticStream reports whether id denotes a synthetic stream.
func IsSyntheticStream(id string) bool {
	return strings.HasPrefix(id, ":")
}

// IsSystemStream reports whether id denotes an account/audit stream.
func IsSystemStream(id string) bool {
	return strings.HasPrefix(id, SystemStreamPrefix)
}

// TagStreamID returns the synthetic stream id a tag migrates to.
func TagStreamID(tag string) string {
	return TagStreamPrefix + tag
}

// TagFromStreamID recovers the tag from a synthetic tag stream id.
func TagFromStreamID(id string) (string, bool) {
	if strings.HasPrefix(id, TagStreamPrefix) {
		return id[len(TagStreamPrefix):], true
	}
	return "", false
}

// TagsFromStreamIDs derives the legacy tags array from an event's stream
// membership, preserving order.
func TagsFromStreamIDs(streamIDs []string) []string {
	var tags []string
	for _, id := range streamIDs {
		if tag, ok := TagFromStreamID(id); ok {
			tags = append(tags, tag)
		}
	}
	return tags
}

// MigrateTags folds trimmed non-empty tags into the streamIds set as
// synthetic tag streams, deduplicating while preserving first occurrence.
func MigrateTags(streamIDs, tags []string) []string {
	out := DedupeStreamIDs(streamIDs)
	seen := make(map[string]bool, len(out))
	for _, id := range out {
		seen[id] = true
	}
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		id := TagStreamID(tag)
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// DedupeStreamIDs removes duplicates preserving first occurrence.
func DedupeStreamIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// StreamIndex answers ancestry and subtree questions over one user's
// stream forest. It is built from the flat stored list; synthetic streams
// are not part of the index.
type StreamIndex struct {
	byID     map[string]*Stream
	byParent map[string][]*Stream
}

// NewStreamIndex indexes a flat stream list. The input streams are not
// copied; callers must not mutate them while the index is in use.
func NewStreamIndex(streams []*Stream) *StreamIndex {
	x := &StreamIndex{
		byID:     make(map[string]*Stream, len(streams)),
		byParent: make(map[string][]*Stream),
	}
	for _, s := range streams {
		x.byID[s.ID] = s
		parent := ""
		if s.ParentID != nil {
			parent = *s.ParentID
		}
		x.byParent[parent] = append(x.byParent[parent], s)
	}
	for _, children := range x.byParent {
		sort.SliceStable(children, func(i, j int) bool {
			return children[i].Created < children[j].Created
		})
	}
	return x
}

// Get returns the stream with the given id.
func (x *StreamIndex) Get(id string) (*Stream, bool) {
	s, ok := x.byID[id]
	return s, ok
}

// All returns every indexed stream, in no particular order.
func (x *StreamIndex) All() []*Stream {
	out := make([]*Stream, 0, len(x.byID))
	for _, s := range x.byID {
		out = append(out, s)
	}
	return out
}

// Exists reports whether id denotes a known stream; synthetic ids always
// exist implicitly.
func (x *StreamIndex) Exists(id string) bool {
	if IsSyntheticStream(id) {
		return true
	}
	_, ok := x.byID[id]
	return ok
}

// Ancestry returns the chain from id up to its root, id first. Unknown and
// synthetic ids yield just themselves.
func (x *StreamIndex) Ancestry(id string) []string {
	chain := []string{id}
	cur, ok := x.byID[id]
	for ok && cur.ParentID != nil {
		parentID := *cur.ParentID
		chain = append(chain, parentID)
		cur, ok = x.byID[parentID]
		if len(chain) > len(x.byID)+1 {
			break
		}
	}
	return chain
}

// Children returns the streams directly under parentID ("" for roots).
func (x *StreamIndex) Children(parentID string) []*Stream {
	return x.byParent[parentID]
}

// DescendantIDs returns id plus every stream id below it.
func (x *StreamIndex) DescendantIDs(id string) []string {
	out := []string{id}
	for i := 0; i < len(out); i++ {
		for _, child := range x.byParent[out[i]] {
			out = append(out, child.ID)
		}
	}
	return out
}

// SiblingNameTaken reports whether a stream named name already exists under
// parentID, excluding the stream with excludeID.
func (x *StreamIndex) SiblingNameTaken(parentID, name, excludeID string) bool {
	for _, s := range x.byParent[parentID] {
		if s.ID != excludeID && s.Name == name {
			return true
		}
	}
	return false
}

// Tree assembles the nested children representation rooted at parentID
// ("" for the forest roots). Nodes are copied, so linking children never
// touches the stored streams.
func (x *StreamIndex) Tree(parentID string, includeTrashed bool) []*Stream {
	children := x.byParent[parentID]
	out := make([]*Stream, 0, len(children))
	for _, s := range children {
		if s.Trashed && !includeTrashed {
			continue
		}
		c := *s
		c.Children = x.Tree(s.ID, includeTrashed)
		out = append(out, &c)
	}
	return out
}
