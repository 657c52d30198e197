package api

import (
	"context"
	"errors"
	"io"

	"github.com/trovelabs/trove/internal/apierr"
	"github.com/trovelabs/trove/internal/storage"
)

// Transform reshapes one drained item before it enters the result (stream
// assembly, read tokens). Nil means identity.
type Transform func(item interface{}) interface{}

// FilePayload is a binary response body (attachment reads). The HTTP
// adapter streams it instead of the JSON envelope and owns closing the
// reader; transports that cannot stream refuse the call.
type FilePayload struct {
	FileName string
	Type     string
	Size     int64
	Reader   io.ReadCloser
}

// Result accumulates a method's response. Named arrays are drained from
// storage cursors under a shared cap so one call can never materialize an
// unbounded result set.
type Result struct {
	arrayLimit int
	total      int
	fields     map[string]interface{}
	concat     map[string][]interface{}
	consumed   map[storage.Cursor]bool
	file       *FilePayload
}

func NewResult(arrayLimit int) *Result {
	return &Result{
		arrayLimit: arrayLimit,
		fields:     make(map[string]interface{}),
		concat:     make(map[string][]interface{}),
		consumed:   make(map[storage.Cursor]bool),
	}
}

// Set stores a plain value under name.
func (r *Result) Set(name string, value interface{}) {
	r.fields[name] = value
}

// Get returns a previously set value; tests and the batch executor use it.
func (r *Result) Get(name string) (interface{}, bool) {
	v, ok := r.fields[name]
	return v, ok
}

// SetFile marks the result as a binary payload.
func (r *Result) SetFile(f *FilePayload) {
	r.file = f
}

// File returns the binary payload, if any.
func (r *Result) File() *FilePayload {
	return r.file
}

// AddStream drains src into the array under name and closes it. A source
// instance can be drained once; feeding it again is a programming error
// surfaced as an internal failure rather than silently duplicated data.
func (r *Result) AddStream(ctx context.Context, name string, src storage.Cursor, transform Transform) error {
	items, err := r.drain(ctx, src, transform)
	if err != nil {
		return err
	}
	r.fields[name] = items
	return nil
}

// AddToConcatStream drains src and appends its items to the open concat
// array under name. CloseConcatStream publishes the accumulated array.
func (r *Result) AddToConcatStream(ctx context.Context, name string, src storage.Cursor, transform Transform) error {
	items, err := r.drain(ctx, src, transform)
	if err != nil {
		return err
	}
	buf, ok := r.concat[name]
	if !ok {
		buf = []interface{}{}
	}
	r.concat[name] = append(buf, items...)
	return nil
}

// CloseConcatStream moves the accumulated concat array under name into the
// result. Closing a name that never received a source yields an empty
// array.
func (r *Result) CloseConcatStream(name string) {
	buf, ok := r.concat[name]
	if !ok {
		buf = []interface{}{}
	}
	r.fields[name] = buf
	delete(r.concat, name)
}

func (r *Result) drain(ctx context.Context, src storage.Cursor, transform Transform) ([]interface{}, error) {
	if r.consumed[src] {
		return nil, apierr.Unexpected(errors.New("result source already consumed"))
	}
	r.consumed[src] = true
	defer src.Close()

	items := []interface{}{}
	for {
		item, ok, err := src.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return items, nil
		}
		r.total++
		if r.total > r.arrayLimit {
			return nil, apierr.TooManyResults(r.arrayLimit)
		}
		if transform != nil {
			item = transform(item)
		}
		items = append(items, item)
	}
}

// Object assembles the response body. Concat arrays left open are
// published as-is.
func (r *Result) Object() map[string]interface{} {
	for name := range r.concat {
		r.CloseConcatStream(name)
	}
	return r.fields
}
