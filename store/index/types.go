// Package index persists the cache's study index in bbolt.
package index

import (
	"fmt"
	"time"

	pacscache "github.com/wolfeidau/pacs-cache"
)

var (
	// ErrNotFound is returned when a study is not in the index.
	ErrNotFound = fmt.Errorf("index: %w", pacscache.ErrNotFound)

	// ErrExists is returned by Insert when the study is already indexed.
	ErrExists = fmt.Errorf("index: %w", pacscache.ErrDuplicate)
)

// Entry is one cached study.
type Entry struct {
	StudyUID     string
	RelPath      string
	Size         int64
	Instances    int
	StoredAt     time.Time
	LastViewedAt time.Time

	PatientID   string
	PatientName string
	StudyDate   string
	Description string
}

// Settings are the persisted cache limits.
type Settings struct {
	MaxSize       int64
	RetentionDays int
}

// Stats are the index counters, maintained in the same transaction as
// every entry mutation.
type Stats struct {
	UsedBytes int64
	Entries   int64
}
