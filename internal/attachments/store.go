// Package attachments stores event attachment files on the local
// filesystem, one directory per user and event. The API layer only ever
// sees opaque readers and byte counts; sizes are enforced here so a
// misdeclared multipart part cannot blow past the configured maximum.
package attachments

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrTooLarge is returned by Save when the uploaded part exceeds the
// configured maximum size.
var ErrTooLarge = errors.New("attachments: file exceeds the maximum allowed size")

// Store writes, serves and removes attachment files under a base
// directory, laid out as <base>/<userID>/<eventID>/<attachmentID>.
type Store struct {
	baseDir  string
	maxBytes int64
}

// New prepares the base directory. maxBytes caps each saved file; zero
// means unbounded.
func New(baseDir string, maxBytes int64) (*Store, error) {
	if baseDir == "" {
		return nil, errors.New("attachments: base directory is required")
	}
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("attachments: create base directory: %w", err)
	}
	return &Store{baseDir: baseDir, maxBytes: maxBytes}, nil
}

// Save streams src into the store and returns the byte count written.
// The write goes through a temp file renamed into place so a failed or
// oversized upload never leaves a partial attachment behind.
func (s *Store) Save(userID, eventID, attachmentID string, src io.Reader) (int64, error) {
	dir, err := s.eventDir(userID, eventID)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return 0, fmt.Errorf("attachments: create event directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, attachmentID+".part-*")
	if err != nil {
		return 0, fmt.Errorf("attachments: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	limit := src
	if s.maxBytes > 0 {
		// One extra byte distinguishes "exactly at the cap" from "over it".
		limit = io.LimitReader(src, s.maxBytes+1)
	}
	size, err := io.Copy(tmp, limit)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil && s.maxBytes > 0 && size > s.maxBytes {
		err = ErrTooLarge
	}
	if err != nil {
		os.Remove(tmpName)
		if errors.Is(err, ErrTooLarge) {
			return 0, err
		}
		return 0, fmt.Errorf("attachments: write file: %w", err)
	}

	target, err := s.filePath(userID, eventID, attachmentID)
	if err != nil {
		os.Remove(tmpName)
		return 0, err
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("attachments: finalize file: %w", err)
	}
	return size, nil
}

// Open returns a reader over the stored file plus its size on disk.
func (s *Store) Open(userID, eventID, attachmentID string) (io.ReadCloser, int64, error) {
	path, err := s.filePath(userID, eventID, attachmentID)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

// Delete removes one attachment file. A missing file is not an error;
// the caller's bookkeeping is the source of truth.
func (s *Store) Delete(userID, eventID, attachmentID string) error {
	path, err := s.filePath(userID, eventID, attachmentID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// DeleteEvent removes every file belonging to one event.
func (s *Store) DeleteEvent(userID, eventID string) error {
	dir, err := s.eventDir(userID, eventID)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// DeleteUser removes a user's whole attachment tree (account deletion
// cascade).
func (s *Store) DeleteUser(userID string) error {
	if err := checkPathPart(userID); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(s.baseDir, userID))
}

// TotalSize walks a user's tree and sums file sizes; the nightly storage
// recompute cross-checks the events' declared sizes against it.
func (s *Store) TotalSize(userID string) (int64, error) {
	if err := checkPathPart(userID); err != nil {
		return 0, err
	}
	root := filepath.Join(s.baseDir, userID)
	var total int64
	err := filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	if os.IsNotExist(err) {
		return 0, nil
	}
	return total, err
}

func (s *Store) eventDir(userID, eventID string) (string, error) {
	if err := checkPathPart(userID); err != nil {
		return "", err
	}
	if err := checkPathPart(eventID); err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, userID, eventID), nil
}

func (s *Store) filePath(userID, eventID, attachmentID string) (string, error) {
	dir, err := s.eventDir(userID, eventID)
	if err != nil {
		return "", err
	}
	if err := checkPathPart(attachmentID); err != nil {
		return "", err
	}
	return filepath.Join(dir, attachmentID), nil
}

// checkPathPart refuses ids that could escape the base directory. Ids are
// server-generated cuids in practice; this guards the API boundary.
func checkPathPart(part string) error {
	if part == "" || part == "." || part == ".." ||
		strings.ContainsAny(part, `/\`) {
		return fmt.Errorf("attachments: invalid path element %q", part)
	}
	return nil
}
