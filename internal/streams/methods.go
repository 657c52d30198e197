package streams

import (
	"errors"

	"github.com/trovelabs/trove/internal/api"
	"github.com/trovelabs/trove/internal/apierr"
	"github.com/trovelabs/trove/internal/cuid"
	"github.com/trovelabs/trove/internal/integrity"
	"github.com/trovelabs/trove/internal/model"
	"github.com/trovelabs/trove/internal/pubsub"
	"github.com/trovelabs/trove/internal/storage"
)

// Methods returns the stream method definitions.
func (s *Service) Methods() []*api.MethodDef {
	return []*api.MethodDef{
		{ID: "streams.get", Steps: []api.Step{s.get}},
		{ID: "streams.create", Steps: []api.Step{s.create}},
		{ID: "streams.update", Steps: []api.Step{s.update}},
		{ID: "streams.delete", Steps: []api.Step{s.delete}},
	}
}

func (s *Service) get(c *api.Context, p api.Params, r *api.Result) error {
	idx, err := s.repo.Index(c.Ctx, c.User.ID)
	if err != nil {
		return err
	}

	includeTrashed := p.Str("state") == storage.StateAll
	parentID := ""
	if p.Has("parentId") {
		parentID = p.Str("parentId")
		if !idx.Exists(parentID) {
			return apierr.UnknownReferencedResource(
				"Unknown parent stream "+`"`+parentID+`"`,
				map[string]interface{}{"parentId": parentID})
		}
	}

	streams := visibleTree(c.Access, idx, parentID, includeTrashed)
	if parentID == "" && c.Access.CanListStream(model.AccountStreamID, idx) {
		streams = append(streams, accountStream())
	}
	r.Set("streams", streams)

	if since, ok := p.Float("includeDeletionsSince"); ok {
		deletions, err := s.store.Streams().GetDeletions(c.Ctx, c.User.ID, since)
		if err != nil {
			return err
		}
		r.Set("streamDeletions", deletions)
	}
	return nil
}

// visibleTree assembles the nested representation under parentID, keeping
// the streams the access may list. A permitted subtree below an invisible
// ancestor surfaces at the level the walk reached it.
func visibleTree(a *model.Access, idx *model.StreamIndex, parentID string, includeTrashed bool) []*model.Stream {
	var walk func(pid string, sink *[]*model.Stream)
	walk = func(pid string, sink *[]*model.Stream) {
		for _, st := range idx.Children(pid) {
			if st.Trashed && !includeTrashed {
				continue
			}
			if !a.CanListStream(st.ID, idx) {
				walk(st.ID, sink)
				continue
			}
			node := *st
			node.Children = []*model.Stream{}
			walk(st.ID, &node.Children)
			*sink = append(*sink, &node)
		}
	}
	out := []*model.Stream{}
	walk(parentID, &out)
	return out
}

// accountStream is the synthetic read-only root surfaced in listings;
// account change events reference it.
func accountStream() *model.Stream {
	return &model.Stream{
		ID:       model.AccountStreamID,
		Name:     "Account",
		Children: []*model.Stream{},
	}
}

// flat shapes a stream for write responses: children only assemble on
// streams.get.
func flat(st *model.Stream) *model.Stream {
	st.Children = []*model.Stream{}
	return st
}

func (s *Service) create(c *api.Context, p api.Params, r *api.Result) error {
	idx, err := s.repo.Index(c.Ctx, c.User.ID)
	if err != nil {
		return err
	}

	id := p.Str("id")
	if id != "" && !cuid.IsLike(id) {
		return apierr.InvalidParametersFormat("Invalid parameters format",
			[]string{"stream id must be a valid identifier"})
	}

	var parentID *string
	parentKey := ""
	if raw, ok := p["parentId"]; ok && raw != nil {
		pid := p.Str("parentId")
		if model.IsSyntheticStream(pid) {
			return apierr.InvalidOperation("Synthetic streams are read-only.",
				map[string]interface{}{"parentId": pid})
		}
		parent, found := idx.Get(pid)
		if !found {
			return apierr.UnknownReferencedResource(
				"Unknown parent stream "+`"`+pid+`"`,
				map[string]interface{}{"parentId": pid})
		}
		if parent.Trashed {
			return apierr.InvalidOperation("The parent stream is trashed.",
				map[string]interface{}{"parentId": pid})
		}
		parentID = &pid
		parentKey = pid
	}

	if !c.Access.CanCreateChildStream(parentKey, idx) {
		return apierr.Forbidden("The given token has insufficient permissions to create this stream.")
	}

	name := p.Str("name")
	if idx.SiblingNameTaken(parentKey, name, "") {
		return apierr.ItemAlreadyExists("stream", map[string]interface{}{"name": name})
	}

	st := &model.Stream{
		ID:         id,
		Name:       name,
		ParentID:   parentID,
		ClientData: p.Map("clientData"),
	}
	if st.ID == "" {
		st.ID = cuid.New()
	}
	st.Stamp(c.Access.ID)
	st.Integrity = integrity.StreamHash(st)

	if err := s.store.Streams().Create(c.Ctx, c.User.ID, st); err != nil {
		if ue, ok := storage.AsUniqueness(err); ok {
			return apierr.ItemAlreadyExists("stream", ue.Keys)
		}
		return err
	}

	s.repo.Invalidate(c.User.ID)
	s.bus.NotifyDataChange(c.User.Username, pubsub.TagStreamsChanged)
	r.Set("stream", flat(st))
	return nil
}

func (s *Service) update(c *api.Context, p api.Params, r *api.Result) error {
	id := p.Str("id")
	if model.IsSyntheticStream(id) {
		return apierr.InvalidOperation("Synthetic streams are read-only.",
			map[string]interface{}{"id": id})
	}

	st, err := s.store.Streams().Get(c.Ctx, c.User.ID, id)
	if errors.Is(err, storage.ErrNotFound) {
		return apierr.UnknownResource("stream", id)
	}
	if err != nil {
		return err
	}

	idx, err := s.repo.Index(c.Ctx, c.User.ID)
	if err != nil {
		return err
	}
	if !c.Access.CanManageStream(id, idx) {
		return apierr.Forbidden("The given token has insufficient permissions to modify this stream.")
	}

	update := p.Map("update")
	parentKey := keyOf(st.ParentID)

	if raw, ok := update["parentId"]; ok {
		newKey := ""
		var newParent *string
		if raw != nil {
			pid, _ := raw.(string)
			if model.IsSyntheticStream(pid) {
				return apierr.InvalidOperation("Synthetic streams are read-only.",
					map[string]interface{}{"parentId": pid})
			}
			parent, found := idx.Get(pid)
			if !found {
				return apierr.UnknownReferencedResource(
					"Unknown parent stream "+`"`+pid+`"`,
					map[string]interface{}{"parentId": pid})
			}
			if parent.Trashed {
				return apierr.InvalidOperation("The parent stream is trashed.",
					map[string]interface{}{"parentId": pid})
			}
			for _, did := range idx.DescendantIDs(id) {
				if did == pid {
					return apierr.InvalidOperation("A stream cannot be moved under itself.",
						map[string]interface{}{"parentId": pid})
				}
			}
			newParent = &pid
			newKey = pid
		}
		if newKey != parentKey {
			// Moving needs manage rights on both ends.
			if !c.Access.CanManageStream(parentKey, idx) || !c.Access.CanManageStream(newKey, idx) {
				return apierr.Forbidden("Moving a stream requires manage permissions on both parents.")
			}
			st.ParentID = newParent
			parentKey = newKey
		}
	}

	if v, ok := update["name"].(string); ok {
		st.Name = v
	}
	if v, ok := update["trashed"].(bool); ok {
		st.Trashed = v
	}
	if v, ok := update["clientData"].(map[string]interface{}); ok {
		st.ClientData = model.MergeClientData(st.ClientData, v)
	}

	if idx.SiblingNameTaken(parentKey, st.Name, st.ID) {
		return apierr.ItemAlreadyExists("stream", map[string]interface{}{"name": st.Name})
	}

	st.Touch(c.Access.ID)
	st.Integrity = integrity.StreamHash(st)

	if err := s.store.Streams().Update(c.Ctx, c.User.ID, st); err != nil {
		if ue, ok := storage.AsUniqueness(err); ok {
			return apierr.ItemAlreadyExists("stream", ue.Keys)
		}
		return err
	}

	s.repo.Invalidate(c.User.ID)
	s.bus.NotifyDataChange(c.User.Username, pubsub.TagStreamsChanged)
	r.Set("stream", flat(st))
	return nil
}

func (s *Service) delete(c *api.Context, p api.Params, r *api.Result) error {
	id := p.Str("id")
	if model.IsSyntheticStream(id) {
		return apierr.InvalidOperation("Synthetic streams are read-only.",
			map[string]interface{}{"id": id})
	}

	st, err := s.store.Streams().Get(c.Ctx, c.User.ID, id)
	if errors.Is(err, storage.ErrNotFound) {
		return apierr.UnknownResource("stream", id)
	}
	if err != nil {
		return err
	}

	idx, err := s.repo.Index(c.Ctx, c.User.ID)
	if err != nil {
		return err
	}
	if !c.Access.CanManageStream(id, idx) {
		return apierr.Forbidden("The given token has insufficient permissions to delete this stream.")
	}

	if !st.Trashed {
		st.Trashed = true
		st.Touch(c.Access.ID)
		st.Integrity = integrity.StreamHash(st)
		if err := s.store.Streams().Update(c.Ctx, c.User.ID, st); err != nil {
			return err
		}
		s.repo.Invalidate(c.User.ID)
		s.bus.NotifyDataChange(c.User.Username, pubsub.TagStreamsChanged)
		r.Set("stream", flat(st))
		return nil
	}

	return s.purge(c, p, r, st, idx)
}

// purge permanently removes a trashed stream's subtree and settles the
// events that referenced it.
func (s *Service) purge(c *api.Context, p api.Params, r *api.Result, st *model.Stream, idx *model.StreamIndex) error {
	mergeEvents := p.Bool("mergeEventsWithParent")
	if mergeEvents && st.ParentID == nil {
		return apierr.InvalidOperation(
			"Cannot merge events into the parent of a root stream.",
			map[string]interface{}{"id": st.ID})
	}

	subtree := idx.DescendantIDs(st.ID)
	inSubtree := make(map[string]bool, len(subtree))
	for _, sid := range subtree {
		inSubtree[sid] = true
	}

	cur, err := s.store.Events().Query(c.Ctx, c.User.ID, &storage.EventQuery{
		Any:   subtree,
		State: storage.StateAll,
	})
	if err != nil {
		return err
	}
	affected, err := storage.Drain(c.Ctx, cur)
	if cerr := cur.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	updated := 0
	var freedBytes int64
	eventsTouched := false
	for _, item := range affected {
		ev := item.(*model.Event)

		remaining := make([]string, 0, len(ev.StreamIDs))
		for _, sid := range ev.StreamIDs {
			if !inSubtree[sid] {
				remaining = append(remaining, sid)
			}
		}

		switch {
		case mergeEvents:
			merged := make([]string, 0, len(ev.StreamIDs))
			replaced := false
			for _, sid := range ev.StreamIDs {
				if inSubtree[sid] {
					if !replaced {
						merged = append(merged, *st.ParentID)
						replaced = true
					}
					continue
				}
				merged = append(merged, sid)
			}
			ev.StreamIDs = model.DedupeStreamIDs(merged)
		case len(remaining) == 0:
			// Wholly contained: the event goes away with its streams.
			bytes, err := s.purgeEvent(c, ev)
			if err != nil {
				return err
			}
			freedBytes += bytes
			eventsTouched = true
			continue
		default:
			ev.StreamIDs = remaining
		}

		ev.Touch(c.Access.ID)
		ev.Integrity = integrity.EventHash(ev)
		if err := s.store.Events().Update(c.Ctx, c.User.ID, ev); err != nil {
			return err
		}
		updated++
		eventsTouched = true
	}

	now := model.NowSeconds()
	for _, sid := range subtree {
		if err := s.store.Streams().Delete(c.Ctx, c.User.ID, sid); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		d := model.Deletion{ID: sid, Deleted: now}
		d.Integrity = integrity.DeletionHash(&d)
		if err := s.store.Streams().AddDeletion(c.Ctx, c.User.ID, &d); err != nil {
			return err
		}
	}

	if freedBytes > 0 {
		s.adjustAttachedSize(c, -freedBytes)
	}

	s.repo.Invalidate(c.User.ID)
	s.bus.NotifyDataChange(c.User.Username, pubsub.TagStreamsChanged)
	if eventsTouched {
		s.bus.NotifyDataChange(c.User.Username, pubsub.TagEventsChanged)
	}

	deletion := &model.Deletion{ID: st.ID, Deleted: now}
	deletion.Integrity = integrity.DeletionHash(deletion)
	r.Set("streamDeletion", deletion)
	if updated > 0 {
		r.Set("updatedEvents", updated)
	}
	return nil
}

// purgeEvent removes one event for good: history, record, tombstone and
// files. Returns the attachment bytes freed.
func (s *Service) purgeEvent(c *api.Context, ev *model.Event) (int64, error) {
	if err := s.store.Events().DeleteHistory(c.Ctx, c.User.ID, ev.ID); err != nil {
		return 0, err
	}
	if err := s.store.Events().Delete(c.Ctx, c.User.ID, ev.ID); err != nil {
		return 0, err
	}
	d := &model.Deletion{ID: ev.ID, Deleted: model.NowSeconds()}
	d.Integrity = integrity.DeletionHash(d)
	if err := s.store.Events().AddDeletion(c.Ctx, c.User.ID, d); err != nil {
		return 0, err
	}
	if len(ev.Attachments) > 0 && s.files != nil {
		if err := s.files.DeleteEvent(c.User.ID, ev.ID); err != nil {
			// File cleanup is best effort; the accounting stays correct.
			s.logger.WithContext(c.Ctx).Warn("failed to remove attachment files",
				"event_id", ev.ID, "error", err.Error())
		}
	}
	return ev.AttachmentsSize(), nil
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

func keyOf(parentID *string) string {
	if parentID == nil {
		return ""
	}
	return *parentID
}
