package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	pacscache "github.com/wolfeidau/pacs-cache"
	"github.com/wolfeidau/pacs-cache/telemetry"
)

// Remove deletes a study from the cache. Studies that are pinned or being
// retrieved fail with pacscache.ErrInUse.
func (s *Store) Remove(ctx context.Context, studyUID string) (*Entry, error) {
	if err := pacscache.ValidateUID("study_uid", studyUID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	if reason, busy := s.busy(studyUID); busy {
		return nil, fmt.Errorf("removing %s (%s): %w", studyUID, strings.ReplaceAll(reason, "_", " "), pacscache.ErrInUse)
	}
	entry, err := s.idx.Get(ctx, studyUID)
	if err != nil {
		return nil, err
	}
	if err := s.evict(ctx, entry, "delete"); err != nil {
		return nil, err
	}
	s.updateUsageGauges(ctx)
	return entry, nil
}

// DeleteAllResult reports what DeleteAll removed.
type DeleteAllResult struct {
	Removed    int   `json:"removed"`
	BytesFreed int64 `json:"bytes_freed"`
	Skipped    int   `json:"skipped"`
}

// DeleteAll removes every study that is not pinned or being retrieved.
// confirm is asked first; a refusal returns pacscache.ErrNotConfirmed and
// changes nothing. It also clears a degraded cache.
func (s *Store) DeleteAll(ctx context.Context, confirm pacscache.Confirm) (DeleteAllResult, error) {
	var result DeleteAllResult
	if !confirm.Ask(ctx, "Delete all cached studies?") {
		return result, pacscache.ErrNotConfirmed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return result, pacscache.NewCacheError(pacscache.NotConnected, "delete all", errors.New("cache is closed"))
	}

	entries, err := s.idx.List(ctx)
	if err != nil {
		if !errors.Is(err, pacscache.ErrCorrupted) {
			return result, err
		}
		// Entries cannot be read, so drop the whole volume if nothing needs it.
		if len(s.inflight) > 0 || s.pinCount() > 0 {
			return result, fmt.Errorf("clearing corrupted cache: %w", pacscache.ErrInUse)
		}
		if err := s.volume.DeletePrefix(ctx, pacscache.StudiesRoot); err != nil {
			return result, pacscache.NewCacheError(pacscache.InternalStorageError, "delete all", err)
		}
		if err := s.resetIndex(ctx); err != nil {
			return result, err
		}
		s.logger.Warn("cleared corrupted cache")
		return result, nil
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if _, busy := s.busy(e.StudyUID); busy {
			result.Skipped++
			continue
		}
		if err := s.evict(ctx, e, "delete_all"); err != nil {
			return result, err
		}
		result.Removed++
		result.BytesFreed += e.Size
	}

	if s.corrupted != nil && result.Skipped == 0 {
		if err := s.resetIndex(ctx); err != nil {
			return result, err
		}
	}

	s.logger.Info("deleted all studies",
		"removed", result.Removed,
		"bytes_freed", result.BytesFreed,
		"skipped", result.Skipped,
	)
	s.updateUsageGauges(ctx)
	return result, nil
}

// resetIndex empties the index and clears the degraded state. Callers hold mu.
func (s *Store) resetIndex(ctx context.Context) error {
	if err := s.idx.Replace(ctx, nil); err != nil {
		return fmt.Errorf("resetting index: %w", err)
	}
	s.corrupted = nil
	s.updateUsageGauges(ctx)
	return nil
}

// SweepResult reports a retention sweep.
type SweepResult struct {
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Cutoff     time.Time     `json:"cutoff,omitzero"`
	Removed    int           `json:"removed"`
	BytesFreed int64         `json:"bytes_freed"`
	Skipped    int           `json:"skipped"`
	Errors     []string      `json:"errors,omitempty"`
}

// Sweep removes studies not viewed within the retention period. It does
// nothing when retention is disabled.
func (s *Store) Sweep(ctx context.Context) (*SweepResult, error) {
	result := &SweepResult{StartedAt: s.now()}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	days := s.settings.RetentionDays
	if days <= 0 {
		return result, nil
	}
	result.Cutoff = s.now().Add(-time.Duration(days) * 24 * time.Hour)

	s.logger.Info("clearing old studies", "retention_days", days, "cutoff", result.Cutoff)

	expired, err := s.idx.ListViewedBefore(ctx, result.Cutoff)
	if err != nil {
		telemetry.RecordMaintenance(ctx, "sweep", "error", 0, s.now().Sub(result.StartedAt))
		return nil, fmt.Errorf("listing expired studies: %w", err)
	}

	for _, e := range expired {
		select {
		case <-ctx.Done():
			result.Errors = append(result.Errors, ctx.Err().Error())
			return s.finishSweep(ctx, result), nil
		default:
		}
		if reason, busy := s.busy(e.StudyUID); busy {
			telemetry.RecordEvictionSkip(ctx, reason)
			result.Skipped++
			continue
		}
		if err := s.evict(ctx, e, "retention"); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("evict %s: %v", e.StudyUID, err))
			continue
		}
		result.Removed++
		result.BytesFreed += e.Size
	}

	return s.finishSweep(ctx, result), nil
}

func (s *Store) finishSweep(ctx context.Context, result *SweepResult) *SweepResult {
	result.Duration = s.now().Sub(result.StartedAt)
	outcome := "success"
	if len(result.Errors) > 0 {
		outcome = "error"
	}
	telemetry.RecordMaintenance(ctx, "sweep", outcome, result.Removed, result.Duration)
	s.updateUsageGauges(ctx)

	s.logger.Info("retention sweep completed",
		"duration", result.Duration,
		"removed", result.Removed,
		"bytes_freed", result.BytesFreed,
		"skipped", result.Skipped,
		"errors", len(result.Errors),
	)
	return result
}

// CompactResult reports a compaction.
type CompactResult struct {
	StartedAt        time.Time     `json:"started_at"`
	Duration         time.Duration `json:"duration"`
	StudiesScanned   int           `json:"studies_scanned"`
	StudiesAdopted   int           `json:"studies_adopted"`
	StudiesEvicted   int           `json:"studies_evicted"`
	EntriesDropped   int           `json:"entries_dropped"`
	JunkRemoved      int           `json:"junk_removed"`
	StagingRemoved   int           `json:"staging_removed"`
	TempFilesRemoved int           `json:"temp_files_removed"`
	UsedBytes        int64         `json:"used_bytes"`
	Errors           []string      `json:"errors,omitempty"`
}

type diskStudy struct {
	size      int64
	instances int
}

// Compact reconciles the index with the study volume and rewrites the index
// file. Indexed studies take their sizes from disk, entries without files are
// dropped, study directories without entries are adopted, and anything else
// under the volume is removed. If the result no longer fits under the size
// limit, adopted studies are evicted first, then the least recently viewed.
// Running Compact twice in a row leaves the index unchanged. It clears a
// degraded cache.
func (s *Store) Compact(ctx context.Context) (*CompactResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, pacscache.NewCacheError(pacscache.NotConnected, "compact", errors.New("cache is closed"))
	}

	result := &CompactResult{StartedAt: s.now()}
	s.logger.Info("compacting cache")

	studies, err := s.phaseScanStudies(ctx, result)
	if err != nil {
		return s.failCompact(ctx, result, err)
	}
	s.phaseCleanStaging(ctx, result)
	s.phaseRemoveTempFiles(ctx, result)

	entries, adopted := s.phaseReconcile(ctx, studies, result)
	if err := s.idx.Replace(ctx, entries); err != nil {
		return s.failCompact(ctx, result, fmt.Errorf("rewriting index: %w", err))
	}
	if err := s.phaseEnforceLimit(ctx, adopted, result); err != nil {
		return s.failCompact(ctx, result, err)
	}
	if err := s.idx.Compact(ctx); err != nil {
		return s.failCompact(ctx, result, err)
	}
	if err := s.idx.Verify(ctx); err != nil {
		return s.failCompact(ctx, result, err)
	}
	s.corrupted = nil

	stats, err := s.idx.Stats(ctx)
	if err == nil {
		result.UsedBytes = stats.UsedBytes
	}
	result.Duration = s.now().Sub(result.StartedAt)

	outcome := "success"
	if len(result.Errors) > 0 {
		outcome = "error"
	}
	telemetry.RecordMaintenance(ctx, "compact", outcome,
		result.EntriesDropped+result.StudiesEvicted+result.JunkRemoved+result.StagingRemoved, result.Duration)
	s.updateUsageGauges(ctx)

	s.logger.Info("compaction completed",
		"duration", result.Duration,
		"studies", result.StudiesScanned,
		"adopted", result.StudiesAdopted,
		"evicted", result.StudiesEvicted,
		"dropped", result.EntriesDropped,
		"junk", result.JunkRemoved,
		"staging", result.StagingRemoved,
		"used_bytes", result.UsedBytes,
		"errors", len(result.Errors),
	)
	return result, nil
}

func (s *Store) failCompact(ctx context.Context, result *CompactResult, err error) (*CompactResult, error) {
	result.Duration = s.now().Sub(result.StartedAt)
	telemetry.RecordMaintenance(ctx, "compact", "error", 0, result.Duration)
	s.logger.Error("compaction failed", "error", err)
	return result, err
}

// phaseScanStudies sizes every study on the volume and removes files that
// do not belong to one.
func (s *Store) phaseScanStudies(ctx context.Context, result *CompactResult) (map[string]*diskStudy, error) {
	s.logger.Debug("phase: scan studies")

	studies := make(map[string]*diskStudy)
	var junk []string
	err := s.volume.Walk(ctx, pacscache.StudiesRoot, func(key string, size int64) error {
		ref, err := pacscache.ParseInstanceKey(key)
		if err != nil || pacscache.ValidateUID("study_uid", ref.StudyUID) != nil {
			junk = append(junk, key)
			return nil
		}
		ds := studies[ref.StudyUID]
		if ds == nil {
			ds = &diskStudy{}
			studies[ref.StudyUID] = ds
		}
		ds.size += size
		ds.instances++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning studies: %w", err)
	}

	sort.Strings(junk)
	for _, key := range junk {
		if err := s.volume.DeletePrefix(ctx, key); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("delete %s: %v", key, err))
			continue
		}
		result.JunkRemoved++
		s.logger.Debug("removed stray file", "key", key)
	}
	result.StudiesScanned = len(studies)
	return studies, nil
}

// phaseCleanStaging removes staging areas no live reservation owns.
func (s *Store) phaseCleanStaging(ctx context.Context, result *CompactResult) {
	s.logger.Debug("phase: clean staging")

	stale := make(map[string]struct{})
	err := s.volume.Walk(ctx, pacscache.StagingRoot, func(key string, _ int64) error {
		id, _, _, err := pacscache.ParseStagingKey(key)
		if err != nil {
			// Malformed keys sit directly below the staging root.
			parts := strings.SplitN(key, "/", 3)
			if len(parts) >= 2 {
				id = parts[1]
			}
		}
		if _, live := s.reservations[id]; !live && id != "" {
			stale[id] = struct{}{}
		}
		return nil
	})
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("scan staging: %v", err))
		return
	}

	for id := range stale {
		if err := s.volume.DeletePrefix(ctx, pacscache.StagingPrefix(id)); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("delete staging %s: %v", id, err))
			continue
		}
		result.StagingRemoved++
	}
}

func (s *Store) phaseRemoveTempFiles(ctx context.Context, result *CompactResult) {
	s.logger.Debug("phase: remove temp files")

	for _, prefix := range []string{pacscache.StudiesRoot, pacscache.StagingRoot} {
		n, err := s.fs.RemoveTempFiles(ctx, prefix)
		result.TempFilesRemoved += n
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("remove temp files in %s: %v", prefix, err))
		}
	}
}

// phaseReconcile builds the entry set the index should hold and lists the
// studies it adopted.
func (s *Store) phaseReconcile(ctx context.Context, studies map[string]*diskStudy, result *CompactResult) ([]*Entry, []string) {
	s.logger.Debug("phase: reconcile index")

	indexed, err := s.idx.List(ctx)
	if err != nil {
		// Unreadable entries lose their metadata but their files are adopted.
		result.Errors = append(result.Errors, fmt.Sprintf("read index: %v", err))
		indexed = nil
	}

	entries := make([]*Entry, 0, len(studies))
	seen := make(map[string]bool, len(indexed))
	for _, e := range indexed {
		seen[e.StudyUID] = true
		ds, ok := studies[e.StudyUID]
		if !ok {
			result.EntriesDropped++
			s.logger.Info("dropped entry without files", "study_uid", e.StudyUID)
			continue
		}
		e.RelPath = pacscache.StudyPrefix(e.StudyUID)
		e.Size = ds.size
		e.Instances = ds.instances
		entries = append(entries, e)
	}

	uids := make([]string, 0, len(studies))
	for uid := range studies {
		if !seen[uid] {
			uids = append(uids, uid)
		}
	}
	sort.Strings(uids)

	now := s.now().UTC()
	for _, uid := range uids {
		ds := studies[uid]
		entries = append(entries, &Entry{
			StudyUID:     uid,
			RelPath:      pacscache.StudyPrefix(uid),
			Size:         ds.size,
			Instances:    ds.instances,
			StoredAt:     now,
			LastViewedAt: now,
		})
		result.StudiesAdopted++
		s.logger.Info("adopted study without entry", "study_uid", uid, "bytes", ds.size)
	}
	return entries, uids
}

// phaseEnforceLimit evicts until the indexed studies and live reservations
// fit under the size limit. Adopted studies go first, then the least
// recently viewed. Pinned and in-flight studies are kept even if the cache
// stays over the limit.
func (s *Store) phaseEnforceLimit(ctx context.Context, adopted []string, result *CompactResult) error {
	stats, err := s.idx.Stats(ctx)
	if err != nil {
		return err
	}
	over := stats.UsedBytes + s.reserved - s.settings.MaxSize
	if over <= 0 {
		return nil
	}
	s.logger.Debug("phase: enforce size limit", "over_bytes", over)

	byLastViewed, err := s.idx.ListByLastViewed(ctx)
	if err != nil {
		return err
	}
	first := make(map[string]bool, len(adopted))
	for _, uid := range adopted {
		first[uid] = true
	}
	candidates := make([]*Entry, 0, len(byLastViewed))
	for _, e := range byLastViewed {
		if first[e.StudyUID] {
			candidates = append(candidates, e)
		}
	}
	for _, e := range byLastViewed {
		if !first[e.StudyUID] {
			candidates = append(candidates, e)
		}
	}

	for _, e := range candidates {
		if over <= 0 {
			break
		}
		if reason, busy := s.busy(e.StudyUID); busy {
			telemetry.RecordEvictionSkip(ctx, reason)
			continue
		}
		if err := s.evict(ctx, e, "compact"); err != nil {
			return err
		}
		over -= e.Size
		result.StudiesEvicted++
	}
	if over > 0 {
		result.Errors = append(result.Errors, fmt.Sprintf("cache is %d bytes over its limit; the remaining studies are in use", over))
	}
	return nil
}

// Repair recovers a cache whose index cannot be opened. The damaged index
// file is moved aside and a fresh one is built from the study volume.
func Repair(ctx context.Context, cfg Config, opts ...Option) (*CompactResult, error) {
	s, err := Open(ctx, cfg, opts...)
	if errors.Is(err, pacscache.ErrCorrupted) {
		path := filepath.Join(cfg.Dir, indexFileName)
		aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		if renameErr := os.Rename(path, aside); renameErr != nil {
			return nil, fmt.Errorf("moving damaged index aside: %w", renameErr)
		}
		s, err = Open(ctx, cfg, opts...)
		if err == nil {
			s.logger.Warn("moved damaged index aside", "path", aside)
		}
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = s.Close() }()

	return s.Compact(ctx)
}

// Dump writes a zstd compressed canonical dump of the index to w. Two
// caches with the same logical content produce the same dump.
func (s *Store) Dump(ctx context.Context, w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return pacscache.NewCacheError(pacscache.NotConnected, "dump", errors.New("cache is closed"))
	}

	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("creating zstd writer: %w", err)
	}
	if err := s.idx.Dump(ctx, enc); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}
