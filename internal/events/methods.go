package events

import (
	"errors"
	"strings"

	"github.com/trovelabs/trove/internal/api"
	"github.com/trovelabs/trove/internal/apierr"
	"github.com/trovelabs/trove/internal/attachments"
	"github.com/trovelabs/trove/internal/cuid"
	"github.com/trovelabs/trove/internal/integrity"
	"github.com/trovelabs/trove/internal/model"
	"github.com/trovelabs/trove/internal/pubsub"
	"github.com/trovelabs/trove/internal/storage"
)

const seriesTypePrefix = "series:"

// Methods returns the event method definitions.
func (s *Service) Methods() []*api.MethodDef {
	return []*api.MethodDef{
		{ID: "events.get", Steps: []api.Step{s.get}},
		{ID: "events.getOne", Steps: []api.Step{s.getOne}},
		{ID: "events.create", Steps: []api.Step{s.create}},
		{ID: "events.update", Steps: []api.Step{s.update}},
		{ID: "events.delete", Steps: []api.Step{s.delete}},
		{ID: "events.attach", Steps: []api.Step{s.attach}},
		{ID: "events.getAttachment", Steps: []api.Step{s.getAttachment}},
		{ID: "events.deleteAttachment", Steps: []api.Step{s.deleteAttachment}},
	}
}

func (s *Service) get(c *api.Context, p api.Params, r *api.Result) error {
	idx, err := s.streams.Index(c.Ctx, c.User.ID)
	if err != nil {
		return err
	}
	q, err := buildQuery(p, c.Access, idx)
	if err != nil {
		return err
	}

	cur, err := s.store.Events().Query(c.Ctx, c.User.ID, q)
	if err != nil {
		return err
	}
	if err := r.AddStream(c.Ctx, "events", cur, func(item interface{}) interface{} {
		return s.assemble(item.(*model.Event), c.Access)
	}); err != nil {
		return err
	}

	if p.Bool("includeDeletions") {
		since := float64(0)
		if v, ok := p.Float("modifiedSince"); ok {
			since = v
		}
		deletions, err := s.store.Events().GetDeletions(c.Ctx, c.User.ID, since)
		if err != nil {
			return err
		}
		items := make([]interface{}, len(deletions))
		for i := range deletions {
			items[i] = deletions[i]
		}
		if err := r.AddStream(c.Ctx, "eventDeletions", storage.NewSliceCursor(items), nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) getOne(c *api.Context, p api.Params, r *api.Result) error {
	ev, idx, err := s.load(c, p.Str("id"))
	if err != nil {
		return err
	}
	if !c.Access.CanReadAnyOf(ev.StreamIDs, idx) {
		return apierr.Forbidden("The given token has insufficient permissions to read this event.")
	}
	r.Set("event", s.assemble(ev, c.Access))

	if p.Bool("includeHistory") {
		snapshots, err := s.store.Events().History(c.Ctx, c.User.ID, ev.ID)
		if err != nil {
			return err
		}
		history := make([]*model.Event, 0, len(snapshots))
		for _, snap := range snapshots {
			history = append(history, s.assemble(snap, c.Access))
		}
		r.Set("history", history)
	}
	return nil
}

func (s *Service) create(c *api.Context, p api.Params, r *api.Result) error {
	idx, err := s.streams.Index(c.Ctx, c.User.ID)
	if err != nil {
		return err
	}

	id := p.Str("id")
	if id != "" && !cuid.IsLike(id) {
		return apierr.InvalidParametersFormat("Invalid parameters format",
			[]string{"event id must be a valid identifier"})
	}

	streamIDs, err := resolveStreamIDs(p, nil)
	if err != nil {
		return err
	}
	if len(streamIDs) == 0 {
		return apierr.InvalidOperation("An event must belong to at least one stream.", nil)
	}
	if err := s.checkMembership(idx, streamIDs); err != nil {
		return err
	}
	if !c.Access.CanCreateEventsOnAllOf(streamIDs, idx) {
		return apierr.Forbidden("The given token has insufficient permissions to create events on the listed streams.")
	}

	typ := p.Str("type")
	if strings.HasPrefix(typ, seriesTypePrefix) {
		return apierr.InvalidOperation("Series event types are no longer supported.",
			map[string]interface{}{"type": typ})
	}
	if err := s.validator.ValidateContent(typ, p["content"]); err != nil {
		return err
	}

	ev := &model.Event{
		ID:          id,
		StreamIDs:   streamIDs,
		Type:        typ,
		Content:     p["content"],
		Description: p.Str("description"),
		ClientData:  p.Map("clientData"),
	}
	if ev.ID == "" {
		ev.ID = cuid.New()
	}
	if v, ok := p.Float("time"); ok {
		ev.Time = v
	} else {
		ev.Time = model.NowSeconds()
	}
	if v, ok := p.Float("duration"); ok {
		ev.Duration = &v
	}
	// Files posted with the creation become the event's first attachments.
	var addedBytes int64
	if len(c.Files) > 0 {
		n, err := s.saveUploads(c, ev)
		if err != nil {
			s.discardFiles(c, ev.ID)
			return err
		}
		addedBytes = n
	}

	ev.Stamp(c.Access.ID)
	ev.Integrity = integrity.EventHash(ev)

	if err := s.store.Events().Create(c.Ctx, c.User.ID, ev); err != nil {
		if len(ev.Attachments) > 0 {
			s.discardFiles(c, ev.ID)
		}
		if ue, ok := storage.AsUniqueness(err); ok {
			return apierr.ItemAlreadyExists("event", ue.Keys)
		}
		return err
	}
	if addedBytes > 0 {
		s.adjustAttachedSize(c, addedBytes)
	}

	s.bus.NotifyDataChange(c.User.Username, pubsub.TagEventsChanged)
	r.Set("event", s.assemble(ev, c.Access))
	return nil
}

func (s *Service) update(c *api.Context, p api.Params, r *api.Result) error {
	ev, idx, err := s.load(c, p.Str("id"))
	if err != nil {
		return err
	}
	if !c.Access.CanContributeToAnyOf(ev.StreamIDs, idx) {
		return apierr.Forbidden("The given token has insufficient permissions to modify this event.")
	}

	update := p.Map("update")

	newIDs, err := resolveStreamIDs(update, ev.StreamIDs)
	if err != nil {
		return err
	}
	if len(newIDs) == 0 {
		return apierr.InvalidOperation("An event must belong to at least one stream.",
			map[string]interface{}{"id": ev.ID})
	}
	added, removed := diffStreamIDs(ev.StreamIDs, newIDs)
	if len(added) > 0 || len(removed) > 0 {
		if err := s.checkMembership(idx, added); err != nil {
			return err
		}
		// Changing the membership set needs contribute on every affected
		// stream, added and removed alike.
		if !c.Access.CanContributeToAllOf(append(added, removed...), idx) {
			return apierr.Forbidden("The given token has insufficient permissions to change this event's streams.")
		}
	}

	newType := ev.Type
	if v, ok := update["type"].(string); ok {
		newType = v
	}
	if strings.HasPrefix(newType, seriesTypePrefix) != strings.HasPrefix(ev.Type, seriesTypePrefix) {
		return apierr.InvalidOperation("An event cannot change between a series and a non-series type.",
			map[string]interface{}{"type": newType})
	}

	content := ev.Content
	if _, ok := update["content"]; ok {
		content = update["content"]
	}
	if err := s.validator.ValidateContent(newType, content); err != nil {
		return err
	}

	if err := s.snapshot(c, ev); err != nil {
		return err
	}

	ev.StreamIDs = newIDs
	ev.Type = newType
	ev.Content = content
	if v, ok := update["time"].(float64); ok {
		ev.Time = v
	}
	if raw, ok := update["duration"]; ok {
		if v, ok := raw.(float64); ok {
			ev.Duration = &v
		} else {
			ev.Duration = nil
		}
	}
	if v, ok := update["description"].(string); ok {
		ev.Description = v
	}
	if v, ok := update["trashed"].(bool); ok {
		ev.Trashed = v
	}
	if v, ok := update["clientData"].(map[string]interface{}); ok {
		ev.ClientData = model.MergeClientData(ev.ClientData, v)
	}

	ev.Touch(c.Access.ID)
	ev.Integrity = integrity.EventHash(ev)
	if err := s.store.Events().Update(c.Ctx, c.User.ID, ev); err != nil {
		return err
	}

	s.bus.NotifyDataChange(c.User.Username, pubsub.TagEventsChanged)
	r.Set("event", s.assemble(ev, c.Access))
	return nil
}

func (s *Service) delete(c *api.Context, p api.Params, r *api.Result) error {
	ev, idx, err := s.load(c, p.Str("id"))
	if err != nil {
		return err
	}
	if !c.Access.CanContributeToAnyOf(ev.StreamIDs, idx) {
		return apierr.Forbidden("The given token has insufficient permissions to delete this event.")
	}

	if !ev.Trashed {
		if err := s.snapshot(c, ev); err != nil {
			return err
		}
		ev.Trashed = true
		ev.Touch(c.Access.ID)
		ev.Integrity = integrity.EventHash(ev)
		if err := s.store.Events().Update(c.Ctx, c.User.ID, ev); err != nil {
			return err
		}
		s.bus.NotifyDataChange(c.User.Username, pubsub.TagEventsChanged)
		r.Set("event", s.assemble(ev, c.Access))
		return nil
	}

	if err := s.store.Events().DeleteHistory(c.Ctx, c.User.ID, ev.ID); err != nil {
		return err
	}
	if err := s.store.Events().Delete(c.Ctx, c.User.ID, ev.ID); err != nil {
		return err
	}
	deletion := &model.Deletion{ID: ev.ID, Deleted: model.NowSeconds()}
	deletion.Integrity = integrity.DeletionHash(deletion)
	if err := s.store.Events().AddDeletion(c.Ctx, c.User.ID, deletion); err != nil {
		return err
	}

	if len(ev.Attachments) > 0 {
		if err := s.files.DeleteEvent(c.User.ID, ev.ID); err != nil {
			// File cleanup is best effort; the accounting stays correct.
			s.logger.WithContext(c.Ctx).Warn("failed to remove attachment files",
				"event_id", ev.ID, "error", err.Error())
		}
		s.adjustAttachedSize(c, -ev.AttachmentsSize())
	}

	s.bus.NotifyDataChange(c.User.Username, pubsub.TagEventsChanged)
	r.Set("eventDeletion", deletion)
	return nil
}

func (s *Service) attach(c *api.Context, p api.Params, r *api.Result) error {
	ev, idx, err := s.load(c, p.Str("id"))
	if err != nil {
		return err
	}
	if !c.Access.CanContributeToAnyOf(ev.StreamIDs, idx) {
		return apierr.Forbidden("The given token has insufficient permissions to modify this event.")
	}
	if len(c.Files) == 0 {
		return apierr.InvalidRequestStructure("No file attachments found in the request.")
	}

	if err := s.snapshot(c, ev); err != nil {
		return err
	}

	addedBytes, err := s.saveUploads(c, ev)
	if err != nil {
		return err
	}

	ev.Touch(c.Access.ID)
	ev.Integrity = integrity.EventHash(ev)
	if err := s.store.Events().Update(c.Ctx, c.User.ID, ev); err != nil {
		return err
	}
	s.adjustAttachedSize(c, addedBytes)

	s.bus.NotifyDataChange(c.User.Username, pubsub.TagEventsChanged)
	r.Set("event", s.assemble(ev, c.Access))
	return nil
}

func (s *Service) getAttachment(c *api.Context, p api.Params, r *api.Result) error {
	ev, idx, err := s.load(c, p.Str("id"))
	if err != nil {
		return err
	}
	if !c.Access.CanReadAnyOf(ev.StreamIDs, idx) {
		return apierr.Forbidden("The given token has insufficient permissions to read this event.")
	}

	fileID := p.Str("fileId")
	att, found := findAttachment(ev, fileID)
	if !found {
		return apierr.UnknownResource("attachment", fileID)
	}

	reader, size, err := s.files.Open(c.User.ID, ev.ID, att.ID)
	if err != nil {
		return apierr.UnknownResource("attachment", fileID)
	}
	r.SetFile(&api.FilePayload{
		FileName: att.FileName,
		Type:     att.Type,
		Size:     size,
		Reader:   reader,
	})
	return nil
}

func (s *Service) deleteAttachment(c *api.Context, p api.Params, r *api.Result) error {
	ev, idx, err := s.load(c, p.Str("id"))
	if err != nil {
		return err
	}
	if !c.Access.CanContributeToAnyOf(ev.StreamIDs, idx) {
		return apierr.Forbidden("The given token has insufficient permissions to modify this event.")
	}

	fileID := p.Str("fileId")
	att, found := findAttachment(ev, fileID)
	if !found {
		return apierr.UnknownResource("attachment", fileID)
	}

	if err := s.snapshot(c, ev); err != nil {
		return err
	}

	kept := make([]model.Attachment, 0, len(ev.Attachments)-1)
	for _, a := range ev.Attachments {
		if a.ID != att.ID {
			kept = append(kept, a)
		}
	}
	ev.Attachments = kept
	ev.Touch(c.Access.ID)
	ev.Integrity = integrity.EventHash(ev)
	if err := s.store.Events().Update(c.Ctx, c.User.ID, ev); err != nil {
		return err
	}

	if err := s.files.Delete(c.User.ID, ev.ID, att.ID); err != nil {
		s.logger.WithContext(c.Ctx).Warn("failed to remove attachment file",
			"event_id", ev.ID, "attachment_id", att.ID, "error", err.Error())
	}
	s.adjustAttachedSize(c, -att.Size)

	s.bus.NotifyDataChange(c.User.Username, pubsub.TagEventsChanged)
	r.Set("event", s.assemble(ev, c.Access))
	return nil
}

// saveUploads persists the request's file parts and appends them to the
// event's attachments, returning the byte total.
func (s *Service) saveUploads(c *api.Context, ev *model.Event) (int64, error) {
	var added int64
	for _, f := range c.Files {
		src, err := f.Open()
		if err != nil {
			return added, apierr.InvalidRequestStructure("Could not read an attached file part.")
		}
		attID := cuid.New()
		size, err := s.files.Save(c.User.ID, ev.ID, attID, src)
		src.Close()
		if err != nil {
			if errors.Is(err, attachments.ErrTooLarge) {
				return added, apierr.New(apierr.IDTooManyResults,
					"The attached file exceeds the maximum allowed size.",
					map[string]interface{}{"limit": s.cfg.AttachmentMaxBytes})
			}
			return added, err
		}
		ev.Attachments = append(ev.Attachments, model.Attachment{
			ID:       attID,
			FileName: f.FileName,
			Type:     f.Type,
			Size:     size,
		})
		added += size
	}
	return added, nil
}

// discardFiles removes whatever was saved for an event whose creation did
// not go through.
func (s *Service) discardFiles(c *api.Context, eventID string) {
	if err := s.files.DeleteEvent(c.User.ID, eventID); err != nil {
		s.logger.WithContext(c.Ctx).Warn("failed to discard uploaded files",
			"event_id", eventID, "error", err.Error())
	}
}

// load fetches the event and the caller's stream index in one go; every
// event method starts here.
func (s *Service) load(c *api.Context, id string) (*model.Event, *model.StreamIndex, error) {
	ev, err := s.store.Events().Get(c.Ctx, c.User.ID, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, apierr.UnknownResource("event", id)
	}
	if err != nil {
		return nil, nil, err
	}
	idx, err := s.streams.Index(c.Ctx, c.User.ID)
	if err != nil {
		return nil, nil, err
	}
	return ev, idx, nil
}

// resolveStreamIDs computes the target membership set from the write
// parameters. Supplying both streamId and streamIds is refused; tags fold
// in as synthetic streams. current carries the event's existing set on
// update, nil on create.
func resolveStreamIDs(p map[string]interface{}, current []string) ([]string, error) {
	_, hasSingle := p["streamId"]
	_, hasList := p["streamIds"]
	if hasSingle && hasList {
		return nil, apierr.InvalidOperation(
			"Provide either streamId or streamIds, not both.", nil)
	}

	var base []string
	switch {
	case hasSingle:
		if s, _ := p["streamId"].(string); s != "" {
			base = []string{s}
		}
	case hasList:
		base = toStrings(p["streamIds"])
	default:
		base = append([]string(nil), current...)
	}

	if rawTags, ok := p["tags"]; ok {
		// An explicit tags value replaces the derived tag memberships.
		real := base[:0]
		for _, id := range base {
			if _, isTag := model.TagFromStreamID(id); !isTag {
				real = append(real, id)
			}
		}
		return model.MigrateTags(real, toStrings(rawTags)), nil
	}
	return model.DedupeStreamIDs(base), nil
}

// checkMembership verifies every non-synthetic id references an existing,
// non-trashed stream.
func (s *Service) checkMembership(idx *model.StreamIndex, streamIDs []string) error {
	for _, id := range streamIDs {
		if model.IsSyntheticStream(id) {
			continue
		}
		st, found := idx.Get(id)
		if !found {
			return apierr.UnknownReferencedResource(
				"Unknown stream "+`"`+id+`"`,
				map[string]interface{}{"streamIds": id})
		}
		if st.Trashed {
			return apierr.InvalidOperation("The referenced stream is trashed.",
				map[string]interface{}{"streamIds": id})
		}
	}
	return nil
}

func diffStreamIDs(before, after []string) (added, removed []string) {
	has := func(list []string, id string) bool {
		for _, x := range list {
			if x == id {
				return true
			}
		}
		return false
	}
	for _, id := range after {
		if !has(before, id) {
			added = append(added, id)
		}
	}
	for _, id := range before {
		if !has(after, id) {
			removed = append(removed, id)
		}
	}
	return added, removed
}

func findAttachment(ev *model.Event, fileID string) (model.Attachment, bool) {
	for _, a := range ev.Attachments {
		if a.ID == fileID {
			return a, true
		}
	}
	return model.Attachment{}, false
}
