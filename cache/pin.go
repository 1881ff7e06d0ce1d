package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	pacscache "github.com/wolfeidau/pacs-cache"
	"github.com/wolfeidau/pacs-cache/backend"
)

// Pin protects studies from eviction until they are unpinned. Pins nest:
// a study pinned twice needs two Unpin calls. Every study must be cached;
// otherwise nothing is pinned.
func (s *Store) Pin(ctx context.Context, studyUIDs ...string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	for _, uid := range studyUIDs {
		if _, err := s.idx.Get(ctx, uid); err != nil {
			return fmt.Errorf("pinning %s: %w", uid, err)
		}
	}

	s.pinMu.Lock()
	defer s.pinMu.Unlock()
	for _, uid := range studyUIDs {
		s.pins[uid]++
	}
	return nil
}

// Unpin releases one pin on each study.
func (s *Store) Unpin(studyUIDs ...string) {
	s.pinMu.Lock()
	defer s.pinMu.Unlock()
	for _, uid := range studyUIDs {
		if s.pins[uid]--; s.pins[uid] <= 0 {
			delete(s.pins, uid)
		}
	}
}

// Pinned reports whether studyUID is pinned.
func (s *Store) Pinned(studyUID string) bool {
	s.pinMu.Lock()
	defer s.pinMu.Unlock()
	return s.pins[studyUID] > 0
}

func (s *Store) pinCount() int {
	s.pinMu.Lock()
	defer s.pinMu.Unlock()
	return len(s.pins)
}

// File is one stored instance of a study.
type File struct {
	Key            string `json:"key"`
	SeriesUID      string `json:"series_uid"`
	SOPInstanceUID string `json:"sop_instance_uid"`
	Size           int64  `json:"size"`
}

// Files lists the instances of a cached study ordered by series, then
// SOP instance UID.
func (s *Store) Files(ctx context.Context, studyUID string) ([]File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	entry, err := s.idx.Get(ctx, studyUID)
	if err != nil {
		return nil, err
	}

	var files []File
	err = s.volume.Walk(ctx, entry.RelPath, func(key string, size int64) error {
		ref, err := pacscache.ParseInstanceKey(key)
		if err != nil {
			return nil
		}
		files = append(files, File{
			Key:            key,
			SeriesUID:      ref.SeriesUID,
			SOPInstanceUID: ref.SOPInstanceUID,
			Size:           size,
		})
		return nil
	})
	if err != nil {
		return nil, pacscache.NewCacheError(pacscache.InternalStorageError, "files", err)
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].SeriesUID != files[j].SeriesUID {
			return files[i].SeriesUID < files[j].SeriesUID
		}
		return files[i].SOPInstanceUID < files[j].SOPInstanceUID
	})
	return files, nil
}

// OpenFile opens a stored instance returned by Files.
func (s *Store) OpenFile(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rc, err := s.volume.Read(ctx, key)
	if errors.Is(err, backend.ErrNotFound) {
		return nil, fmt.Errorf("opening %s: %w", key, pacscache.ErrNotFound)
	}
	if err != nil {
		return nil, pacscache.NewCacheError(pacscache.InternalStorageError, "open file", err)
	}
	return rc, nil
}
