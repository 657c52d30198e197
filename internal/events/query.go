package events

import (
	"strings"

	"github.com/trovelabs/trove/internal/api"
	"github.com/trovelabs/trove/internal/apierr"
	"github.com/trovelabs/trove/internal/model"
	"github.com/trovelabs/trove/internal/storage"
)

// defaultGetLimit pages events.get when the caller gives no limit.
const defaultGetLimit = 20

// buildQuery translates the events.get parameters into a storage query,
// expanding stream references to their subtrees and narrowing the scope to
// what the access may read.
func buildQuery(p api.Params, access *model.Access, idx *model.StreamIndex) (*storage.EventQuery, error) {
	q := &storage.EventQuery{
		State:         p.Str("state"),
		Running:       p.Bool("running"),
		SortAscending: p.Bool("sortAscending"),
		Skip:          p.IntOr("skip", 0),
		Limit:         p.IntOr("limit", defaultGetLimit),
		Types:         p.StrSlice("types"),
	}
	if v, ok := p.Float("fromTime"); ok {
		q.FromTime = &v
	}
	if v, ok := p.Float("toTime"); ok {
		q.ToTime = &v
	}
	if v, ok := p.Float("modifiedSince"); ok {
		q.ModifiedSince = &v
	}

	if raw, ok := p["streams"]; ok {
		any, all, not := streamQueryLists(raw)
		expandedAny, err := expandStreams(idx, any)
		if err != nil {
			return nil, err
		}
		q.Any = expandedAny
		for _, id := range all {
			group, err := expandStreams(idx, []string{id})
			if err != nil {
				return nil, err
			}
			q.All = append(q.All, group)
		}
		expandedNot, err := expandStreams(idx, not)
		if err != nil {
			return nil, err
		}
		q.Not = expandedNot
	}

	// Tag filtering rides on the synthetic tag streams: at least one of the
	// given tags must be carried.
	if tags := p.StrSlice("tags"); len(tags) > 0 {
		group := make([]string, 0, len(tags))
		for _, tag := range tags {
			tag = strings.TrimSpace(tag)
			if tag != "" {
				group = append(group, model.TagStreamID(tag))
			}
		}
		if len(group) > 0 {
			q.All = append(q.All, group)
		}
	}

	if err := narrowToReadable(q, access, idx); err != nil {
		return nil, err
	}
	return q, nil
}

// streamQueryLists splits the already-validated streams parameter into its
// any/all/not components. A flat list or bare id means "any".
func streamQueryLists(raw interface{}) (any, all, not []string) {
	switch v := raw.(type) {
	case string:
		return []string{v}, nil, nil
	case []interface{}:
		return strList(v), nil, nil
	case []string:
		return v, nil, nil
	case map[string]interface{}:
		return toStrings(v["any"]), toStrings(v["all"]), toStrings(v["not"])
	}
	return nil, nil, nil
}

func toStrings(raw interface{}) []string {
	switch v := raw.(type) {
	case string:
		return []string{v}
	case []interface{}:
		return strList(v)
	case []string:
		return v
	}
	return nil
}

func strList(items []interface{}) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// expandStreams resolves each referenced stream to itself plus its
// descendants. Synthetic ids pass through; unknown real ids are refused.
func expandStreams(idx *model.StreamIndex, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []string
	for _, id := range ids {
		if model.IsSyntheticStream(id) {
			out = append(out, id)
			continue
		}
		if _, found := idx.Get(id); !found {
			return nil, apierr.UnknownReferencedResource(
				"Unknown stream "+`"`+id+`"`,
				map[string]interface{}{"streams": id})
		}
		out = append(out, idx.DescendantIDs(id)...)
	}
	return model.DedupeStreamIDs(out), nil
}

// narrowToReadable restricts the query to the streams the access may read
// events from. Personal and wildcard-read accesses are unrestricted.
func narrowToReadable(q *storage.EventQuery, access *model.Access, idx *model.StreamIndex) error {
	readable, restricted := readableStreamIDs(access, idx)
	if !restricted {
		return nil
	}
	if len(q.Any) == 0 {
		if len(readable) == 0 {
			return apierr.Forbidden("The given token has insufficient permissions to read events.")
		}
		q.Any = readable
		return nil
	}

	allowed := make(map[string]bool, len(readable))
	for _, id := range readable {
		allowed[id] = true
	}
	kept := q.Any[:0]
	for _, id := range q.Any {
		if allowed[id] {
			kept = append(kept, id)
		}
	}
	if len(kept) == 0 {
		return apierr.Forbidden("The given token has insufficient permissions to read the requested streams.")
	}
	q.Any = kept
	return nil
}

// readableStreamIDs computes the concrete id set a non-personal access may
// read: every forest stream whose ancestry carries a read-or-higher grant,
// plus the synthetic streams granted directly or via tags. restricted is
// false for personal and wildcard-read accesses, meaning no narrowing.
func readableStreamIDs(access *model.Access, idx *model.StreamIndex) (ids []string, restricted bool) {
	if access.IsPersonal() {
		return nil, false
	}
	// A wildcard grant resolves against any queried id, "*" included.
	if access.CanReadStream("*", idx) {
		return nil, false
	}

	var out []string
	for _, st := range idx.All() {
		if access.CanReadStream(st.ID, idx) {
			out = append(out, st.ID)
		}
	}
	for _, perm := range access.Permissions {
		id := perm.StreamID
		if perm.Tag != "" {
			id = model.TagStreamID(perm.Tag)
		}
		if id != "" && model.IsSyntheticStream(id) && access.CanReadStream(id, idx) {
			out = append(out, id)
		}
	}
	return model.DedupeStreamIDs(out), true
}
