// Package cache keeps retrieved studies on local disk within a fixed size
// limit, evicting the least recently viewed studies to make room.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	pacscache "github.com/wolfeidau/pacs-cache"
	"github.com/wolfeidau/pacs-cache/backend"
	"github.com/wolfeidau/pacs-cache/store/index"
	"github.com/wolfeidau/pacs-cache/telemetry"
)

const (
	// DefaultMaxSize is used when neither the index nor Config sets a limit.
	DefaultMaxSize int64 = 10 << 30

	indexFileName = "index.db"
)

// Entry is a committed study.
type Entry = index.Entry

// Config configures a Store.
type Config struct {
	// Dir holds the index file and the study volume.
	Dir string

	// MaxSize seeds the size limit of a new cache. An existing cache keeps
	// its persisted limit; use SetMaxSize to change it.
	MaxSize int64

	// RetentionDays seeds the retention period of a new cache. Zero disables
	// retention sweeps.
	RetentionDays int

	// LockTimeout bounds how long Open waits for another session to release
	// the index (default: index.DefaultLockTimeout).
	LockTimeout time.Duration

	// NoSync disables fsync of index transactions and study files. Tests only.
	NoSync bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store is the bounded study cache. It is safe for concurrent use.
//
// Mutations (reserve, commit, release, remove, sweep, compact, settings)
// hold mu exclusively. Reads and touches share it.
type Store struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	fs     *backend.Filesystem
	volume backend.Backend
	idx    *index.DB

	mu           sync.RWMutex
	closed       bool
	corrupted    error
	settings     index.Settings
	reserved     int64
	reservations map[string]*Reservation
	inflight     map[string]int

	pinMu sync.Mutex
	pins  map[string]int
}

// Open opens or creates the cache in cfg.Dir. If another session holds the
// cache, Open fails fast with pacscache.ErrLocked. An index whose counters do
// not match its entries opens in a degraded state where only Usage, Compact,
// DeleteAll and Close work.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	if cfg.Dir == "" {
		return nil, pacscache.Invalid("dir", "must not be empty")
	}
	if cfg.MaxSize < 0 {
		return nil, pacscache.Invalid("max_size", "must not be negative")
	}
	if cfg.RetentionDays < 0 {
		return nil, pacscache.Invalid("retention_days", "must not be negative")
	}
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = index.DefaultLockTimeout
	}

	s := &Store{
		cfg:          cfg,
		logger:       slog.Default(),
		now:          time.Now,
		reservations: make(map[string]*Reservation),
		inflight:     make(map[string]int),
		pins:         make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "cache")

	var fsOpts []backend.FilesystemOption
	if cfg.NoSync {
		fsOpts = append(fsOpts, backend.WithoutSync())
	}
	fs, err := backend.NewFilesystem(cfg.Dir, fsOpts...)
	if err != nil {
		return nil, pacscache.NewCacheError(pacscache.InternalStorageError, "open", err)
	}
	s.fs = fs
	s.volume = backend.NewInstrumentedBackend(fs, "filesystem")

	s.idx = index.New(
		index.WithLogger(s.logger),
		index.WithNow(s.now),
		index.WithNoSync(cfg.NoSync),
		index.WithLockTimeout(cfg.LockTimeout),
	)
	if err := s.idx.Open(filepath.Join(fs.Root(), indexFileName)); err != nil {
		return nil, err
	}

	if err := s.loadSettings(ctx); err != nil {
		_ = s.idx.Close()
		return nil, err
	}

	if err := s.idx.Verify(ctx); err != nil {
		s.corrupted = err
		s.logger.Error("cache index is inconsistent, compact required", "error", err)
	}

	// A new session owns no reservations, so anything staged is left over
	// from a crash.
	if err := s.volume.DeletePrefix(ctx, pacscache.StagingRoot); err != nil {
		s.logger.Warn("failed to clear staging area", "error", err)
	}

	s.logger.Info("opened cache",
		"dir", fs.Root(),
		"max_size", s.settings.MaxSize,
		"retention_days", s.settings.RetentionDays,
	)
	s.updateUsageGauges(ctx)
	return s, nil
}

func (s *Store) loadSettings(ctx context.Context) error {
	settings, err := s.idx.Settings(ctx)
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}
	if settings.MaxSize == 0 {
		settings.MaxSize = s.cfg.MaxSize
		if settings.MaxSize == 0 {
			settings.MaxSize = DefaultMaxSize
		}
		settings.RetentionDays = s.cfg.RetentionDays
		if err := s.idx.PutSettings(ctx, settings); err != nil {
			return fmt.Errorf("saving settings: %w", err)
		}
	}
	s.settings = settings
	return nil
}

// Close releases outstanding reservations and the index lock.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	ctx := context.Background()
	for _, r := range s.reservations {
		r.mu.Lock()
		r.done = true
		r.mu.Unlock()
		if err := s.volume.DeletePrefix(ctx, pacscache.StagingPrefix(r.ID)); err != nil {
			s.logger.Warn("failed to remove staged instances", "reservation", r.ID, "error", err)
		}
	}
	s.reservations = map[string]*Reservation{}
	s.inflight = map[string]int{}
	s.reserved = 0

	s.logger.Info("closing cache")
	return s.idx.Close()
}

// checkOpen reports whether the store can serve requests. Callers hold mu.
func (s *Store) checkOpen() error {
	if s.closed {
		return pacscache.NewCacheError(pacscache.NotConnected, "", errors.New("cache is closed"))
	}
	if s.corrupted != nil {
		return s.corrupted
	}
	return nil
}

// Get returns the entry for studyUID.
func (s *Store) Get(ctx context.Context, studyUID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.idx.Get(ctx, studyUID)
}

// List returns every committed study ordered by study UID.
func (s *Store) List(ctx context.Context) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.idx.List(ctx)
}

// Touch marks studyUID as viewed now, moving it to the back of the
// eviction order.
func (s *Store) Touch(ctx context.Context, studyUID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.idx.Touch(ctx, studyUID); err != nil {
		return fmt.Errorf("touching %s: %w", studyUID, err)
	}
	return nil
}

// Usage describes cache occupancy.
type Usage struct {
	UsedBytes     int64 `json:"used_bytes"`
	ReservedBytes int64 `json:"reserved_bytes"`
	MaxBytes      int64 `json:"max_bytes"`
	Entries       int64 `json:"entries"`
	Reservations  int   `json:"reservations"`
	Pinned        int   `json:"pinned"`
	RetentionDays int   `json:"retention_days"`
	Corrupted     bool  `json:"corrupted"`
}

// FreeBytes returns the bytes available to new reservations without eviction.
func (u Usage) FreeBytes() int64 {
	free := u.MaxBytes - u.UsedBytes - u.ReservedBytes
	if free < 0 {
		return 0
	}
	return free
}

// Usage returns the current occupancy. It works on a degraded cache.
func (s *Store) Usage(ctx context.Context) (Usage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Usage{}, pacscache.NewCacheError(pacscache.NotConnected, "usage", errors.New("cache is closed"))
	}
	stats, err := s.idx.Stats(ctx)
	if err != nil {
		return Usage{}, err
	}

	s.pinMu.Lock()
	pinned := len(s.pins)
	s.pinMu.Unlock()

	return Usage{
		UsedBytes:     stats.UsedBytes,
		ReservedBytes: s.reserved,
		MaxBytes:      s.settings.MaxSize,
		Entries:       stats.Entries,
		Reservations:  len(s.reservations),
		Pinned:        pinned,
		RetentionDays: s.settings.RetentionDays,
		Corrupted:     s.corrupted != nil,
	}, nil
}

// SetMaxSize changes the size limit. The limit cannot drop below the space
// already used or reserved.
func (s *Store) SetMaxSize(ctx context.Context, maxBytes int64) error {
	if maxBytes <= 0 {
		return pacscache.Invalid("max_size", "must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	stats, err := s.idx.Stats(ctx)
	if err != nil {
		return err
	}
	if used := stats.UsedBytes + s.reserved; maxBytes < used {
		return pacscache.Invalid("max_size", "%d bytes is less than the %d bytes already in use", maxBytes, used)
	}

	settings := s.settings
	settings.MaxSize = maxBytes
	if err := s.idx.PutSettings(ctx, settings); err != nil {
		return fmt.Errorf("saving settings: %w", err)
	}
	s.settings = settings
	s.logger.Info("cache size limit changed", "max_size", maxBytes)
	s.updateUsageGauges(ctx)
	return nil
}

// SetRetentionDays changes how long unviewed studies are kept. Zero
// disables retention sweeps.
func (s *Store) SetRetentionDays(ctx context.Context, days int) error {
	if days < 0 {
		return pacscache.Invalid("retention_days", "must not be negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	settings := s.settings
	settings.RetentionDays = days
	if err := s.idx.PutSettings(ctx, settings); err != nil {
		return fmt.Errorf("saving settings: %w", err)
	}
	s.settings = settings
	s.logger.Info("cache retention changed", "retention_days", days)
	return nil
}

// updateUsageGauges publishes occupancy metrics. Callers hold mu.
func (s *Store) updateUsageGauges(ctx context.Context) {
	stats, err := s.idx.Stats(ctx)
	if err != nil {
		return
	}
	telemetry.UpdateCacheUsage(ctx, stats.UsedBytes, s.reserved, s.settings.MaxSize, stats.Entries)
}
