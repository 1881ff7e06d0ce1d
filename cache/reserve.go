package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	pacscache "github.com/wolfeidau/pacs-cache"
	"github.com/wolfeidau/pacs-cache/backend"
	"github.com/wolfeidau/pacs-cache/store/index"
	"github.com/wolfeidau/pacs-cache/telemetry"
)

// Reservation holds cache space for one retrieval. Instances written through
// Put stay in a private staging area until Commit moves them into the study.
type Reservation struct {
	ID       string
	StudyUID string

	store   *Store
	merge   bool
	created time.Time

	mu        sync.Mutex
	reserved  int64
	written   int64
	instances int
	staged    map[string]int64
	done      bool
}

// ReserveOption configures a reservation.
type ReserveOption func(*Reservation)

// Merge lets Commit add instances to an existing study, as a series level
// retrieval does, instead of failing with pacscache.ErrDuplicate.
func Merge() ReserveOption {
	return func(r *Reservation) {
		r.merge = true
	}
}

// Reserve sets aside bytes for a retrieval of studyUID. When the cache
// is full it evicts the least recently viewed studies that are neither pinned
// nor being retrieved. If those cannot free enough space nothing is evicted
// and a *pacscache.CapacityError with kind InsufficientSpace is returned.
func (s *Store) Reserve(ctx context.Context, studyUID string, bytes int64, opts ...ReserveOption) (*Reservation, error) {
	if err := pacscache.ValidateUID("study_uid", studyUID); err != nil {
		return nil, err
	}
	if bytes < 0 {
		return nil, pacscache.Invalid("bytes", "must not be negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	if err := s.makeRoom(ctx, bytes); err != nil {
		telemetry.RecordReservation(ctx, "rejected", bytes)
		s.logger.Warn("reservation rejected", "study_uid", studyUID, "operation_id", telemetry.OperationFromContext(ctx), "bytes", bytes, "error", err)
		return nil, err
	}

	r := &Reservation{
		ID:       uuid.NewString(),
		StudyUID: studyUID,
		store:    s,
		created:  s.now(),
		reserved: bytes,
		staged:   make(map[string]int64),
	}
	for _, opt := range opts {
		opt(r)
	}

	s.reserved += bytes
	s.reservations[r.ID] = r
	s.inflight[studyUID]++

	telemetry.RecordReservation(ctx, "granted", bytes)
	s.updateUsageGauges(ctx)
	s.logger.Debug("reserved space", "study_uid", studyUID, "operation_id", telemetry.OperationFromContext(ctx), "reservation", r.ID, "bytes", bytes)
	return r, nil
}

// makeRoom evicts until need more bytes fit under the limit. Callers hold mu.
func (s *Store) makeRoom(ctx context.Context, need int64) error {
	stats, err := s.idx.Stats(ctx)
	if err != nil {
		return err
	}
	maxSize := s.settings.MaxSize
	over := stats.UsedBytes + s.reserved + need - maxSize
	if over <= 0 {
		return nil
	}

	candidates, err := s.idx.ListByLastViewed(ctx)
	if err != nil {
		return err
	}

	var victims []*index.Entry
	var freed int64
	for _, e := range candidates {
		if freed >= over {
			break
		}
		if reason, busy := s.busy(e.StudyUID); busy {
			telemetry.RecordEvictionSkip(ctx, reason)
			continue
		}
		victims = append(victims, e)
		freed += e.Size
	}
	if freed < over {
		return &pacscache.CapacityError{
			Kind:      pacscache.InsufficientSpace,
			Requested: need,
			Available: need - over + freed,
		}
	}

	for _, e := range victims {
		if err := s.evict(ctx, e, "capacity"); err != nil {
			return err
		}
	}
	return nil
}

// busy reports whether studyUID must not be evicted. Callers hold mu.
func (s *Store) busy(studyUID string) (string, bool) {
	if s.inflight[studyUID] > 0 {
		return "in_flight", true
	}
	s.pinMu.Lock()
	defer s.pinMu.Unlock()
	if s.pins[studyUID] > 0 {
		return "pinned", true
	}
	return "", false
}

// evict removes a study from the index, then from disk. A crash between the
// two leaves an orphan directory that Compact adopts or removes. Callers hold mu.
func (s *Store) evict(ctx context.Context, e *index.Entry, reason string) error {
	if _, err := s.idx.Delete(ctx, e.StudyUID); err != nil {
		return fmt.Errorf("removing %s from index: %w", e.StudyUID, err)
	}
	if err := s.volume.DeletePrefix(ctx, e.RelPath); err != nil {
		s.logger.Warn("failed to delete study files", "study_uid", e.StudyUID, "error", err)
	}
	telemetry.RecordEviction(ctx, reason, e.Size)
	s.logger.Info("evicted study",
		"study_uid", e.StudyUID,
		"bytes", e.Size,
		"last_viewed_at", e.LastViewedAt,
		"reason", reason,
	)
	return nil
}

// Put stores one instance under the reservation and returns its size.
// If the reservation estimate is exceeded it is grown, evicting as Reserve
// does; when that fails the instance is discarded and a capacity error
// returned. A reservation is fed by one goroutine at a time.
func (r *Reservation) Put(ctx context.Context, seriesUID, sopUID string, body io.Reader) (int64, error) {
	if err := pacscache.ValidateUID("series_uid", seriesUID); err != nil {
		return 0, err
	}
	if err := pacscache.ValidateUID("sop_instance_uid", sopUID); err != nil {
		return 0, err
	}
	if r.closed() {
		return 0, pacscache.NewCacheError(pacscache.NotConnected, "put", fmt.Errorf("reservation %s is closed", r.ID))
	}

	s := r.store
	key := pacscache.StagingKey(r.ID, seriesUID, sopUID)
	n, err := s.volume.Write(ctx, key, body)
	if err != nil {
		return 0, pacscache.NewCacheError(pacscache.InternalStorageError, "put", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done {
		_ = s.volume.DeletePrefix(ctx, key)
		return 0, pacscache.NewCacheError(pacscache.NotConnected, "put", fmt.Errorf("reservation %s is closed", r.ID))
	}

	prev, replaced := r.staged[key]
	total := r.written - prev + n
	if delta := total - r.reserved; delta > 0 {
		if err := s.checkOpen(); err != nil {
			return 0, err
		}
		if err := s.makeRoom(ctx, delta); err != nil {
			telemetry.RecordReservation(ctx, "rejected", delta)
			_ = s.volume.DeletePrefix(ctx, key)
			if replaced {
				delete(r.staged, key)
				r.written -= prev
				r.instances--
			}
			return 0, err
		}
		r.reserved += delta
		s.reserved += delta
		telemetry.RecordReservation(ctx, "grown", delta)
	}

	r.staged[key] = n
	r.written = total
	if !replaced {
		r.instances++
	}
	return n, nil
}

func (r *Reservation) closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Written returns the bytes staged so far.
func (r *Reservation) Written() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Reserved returns the bytes currently held by the reservation.
func (r *Reservation) Reserved() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reserved
}

// StudyMeta describes a study for listings and DICOMDIR records.
type StudyMeta struct {
	PatientID   string
	PatientName string
	StudyDate   string
	Description string
}

// Commit moves the staged instances into the study and indexes it. Instances
// the study already holds are dropped. Committing a new copy of a cached
// study fails with pacscache.ErrDuplicate unless the reservation was made
// with Merge. The reservation is closed whatever the outcome.
func (s *Store) Commit(ctx context.Context, r *Reservation, meta StudyMeta) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return nil, pacscache.NewCacheError(pacscache.NotConnected, "commit", fmt.Errorf("reservation %s is closed", r.ID))
	}
	defer s.finish(ctx, r)

	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	existing, err := s.idx.Get(ctx, r.StudyUID)
	switch {
	case err == nil && !r.merge:
		return nil, fmt.Errorf("committing %s: %w", r.StudyUID, pacscache.ErrDuplicate)
	case err != nil && !errors.Is(err, index.ErrNotFound):
		return nil, err
	}
	if existing == nil && r.instances == 0 {
		return nil, fmt.Errorf("committing %s: no instances were retrieved: %w", r.StudyUID, pacscache.ErrNotFound)
	}

	keys := make([]string, 0, len(r.staged))
	for key := range r.staged {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var moved int64
	var count int
	for _, key := range keys {
		_, seriesUID, sopUID, err := pacscache.ParseStagingKey(key)
		if err != nil {
			return nil, pacscache.NewCacheError(pacscache.InternalStorageError, "commit", err)
		}
		dst := pacscache.InstanceKey(pacscache.InstanceRef{StudyUID: r.StudyUID, SeriesUID: seriesUID, SOPInstanceUID: sopUID})
		err = s.volume.Rename(ctx, key, dst)
		switch {
		case errors.Is(err, backend.ErrExists):
			continue
		case err != nil:
			return nil, pacscache.NewCacheError(pacscache.InternalStorageError, "commit", err)
		}
		moved += r.staged[key]
		count++
	}

	now := s.now().UTC()
	entry := existing
	if entry == nil {
		entry = &Entry{
			StudyUID: r.StudyUID,
			RelPath:  pacscache.StudyPrefix(r.StudyUID),
			StoredAt: now,
		}
	}
	entry.Size += moved
	entry.Instances += count
	entry.LastViewedAt = now
	mergeMeta(entry, meta)

	if err := s.idx.Put(ctx, entry); err != nil {
		return nil, fmt.Errorf("indexing %s: %w", r.StudyUID, err)
	}

	s.logger.Info("committed study",
		"study_uid", r.StudyUID,
		"instances", count,
		"bytes", moved,
		"merged", existing != nil,
		"duration", s.now().Sub(r.created),
	)
	return entry, nil
}

func mergeMeta(e *Entry, meta StudyMeta) {
	if meta.PatientID != "" {
		e.PatientID = meta.PatientID
	}
	if meta.PatientName != "" {
		e.PatientName = meta.PatientName
	}
	if meta.StudyDate != "" {
		e.StudyDate = meta.StudyDate
	}
	if meta.Description != "" {
		e.Description = meta.Description
	}
}

// Release abandons a reservation, deleting anything staged under it.
// Releasing a closed reservation is a no-op.
func (s *Store) Release(ctx context.Context, r *Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return nil
	}
	s.finish(ctx, r)
	s.logger.Debug("released reservation", "study_uid", r.StudyUID, "reservation", r.ID, "staged_bytes", r.written)
	return nil
}

// finish closes r and returns its space. Callers hold mu and r.mu.
func (s *Store) finish(ctx context.Context, r *Reservation) {
	r.done = true
	if _, ok := s.reservations[r.ID]; !ok {
		return
	}
	delete(s.reservations, r.ID)
	s.reserved -= r.reserved
	if s.inflight[r.StudyUID]--; s.inflight[r.StudyUID] <= 0 {
		delete(s.inflight, r.StudyUID)
	}
	if err := s.volume.DeletePrefix(ctx, pacscache.StagingPrefix(r.ID)); err != nil {
		s.logger.Warn("failed to remove staged instances", "reservation", r.ID, "error", err)
	}
	s.updateUsageGauges(ctx)
}
