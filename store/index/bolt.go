package index

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"

	pacscache "github.com/wolfeidau/pacs-cache"
)

// DefaultLockTimeout is how long Open waits for another process to release
// the index file lock before failing with Locked.
const DefaultLockTimeout = time.Second

// DB is the bbolt backed study index.
type DB struct {
	db          *bbolt.DB
	path        string
	logger      *slog.Logger
	now         func() time.Time
	noSync      bool
	lockTimeout time.Duration
}

// Option configures a DB instance.
type Option func(*DB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) Option {
	return func(d *DB) {
		d.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(d *DB) {
		d.now = now
	}
}

// WithNoSync disables fsync per transaction. Use only in tests.
func WithNoSync(noSync bool) Option {
	return func(d *DB) {
		d.noSync = noSync
	}
}

// WithLockTimeout overrides DefaultLockTimeout.
func WithLockTimeout(timeout time.Duration) Option {
	return func(d *DB) {
		d.lockTimeout = timeout
	}
}

// New creates a DB. Call Open before use.
func New(opts ...Option) *DB {
	d := &DB{
		logger:      slog.Default(),
		now:         time.Now,
		lockTimeout: DefaultLockTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Open opens the index at path. A file held by another session fails with
// pacscache.ErrLocked; an unreadable file fails with pacscache.ErrCorrupted.
func (d *DB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: d.lockTimeout,
		NoSync:  d.noSync,
	})
	if err != nil {
		return classifyOpenError(err)
	}
	d.db = db
	d.path = path

	if err := d.createBuckets(); err != nil {
		_ = db.Close()
		d.db = nil
		return err
	}

	d.logger.Debug("opened index", "path", path, "no_sync", d.noSync)
	return nil
}

func classifyOpenError(err error) error {
	switch {
	case errors.Is(err, berrors.ErrTimeout):
		return pacscache.NewCacheError(pacscache.Locked, "open index", err)
	case errors.Is(err, berrors.ErrInvalid),
		errors.Is(err, berrors.ErrVersionMismatch),
		errors.Is(err, berrors.ErrChecksum):
		return pacscache.NewCacheError(pacscache.Corrupted, "open index", err)
	default:
		return pacscache.NewCacheError(pacscache.InternalStorageError, "open index", err)
	}
}

func (d *DB) createBuckets() error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		meta := tx.Bucket(bucketMeta)
		if meta.Get(metaSchema) == nil {
			return meta.Put(metaSchema, encodeInt64(schemaVersion))
		}
		return nil
	})
}

// Close closes the database and releases the file lock.
func (d *DB) Close() error {
	if d.db == nil {
		return nil
	}
	d.logger.Debug("closing index")
	err := d.db.Close()
	d.db = nil
	return err
}

// Path returns the index file path.
func (d *DB) Path() string {
	return d.path
}

// Get returns the entry for studyUID.
func (d *DB) Get(_ context.Context, studyUID string) (*Entry, error) {
	var entry *Entry
	err := d.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketStudies).Get([]byte(studyUID))
		if data == nil {
			return ErrNotFound
		}
		e, err := unmarshalEntry(data)
		if err != nil {
			return corrupted("get", err)
		}
		entry = e
		return nil
	})
	return entry, err
}

// Insert adds a new entry, failing with ErrExists if the study is indexed.
func (d *DB) Insert(_ context.Context, entry *Entry) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketStudies).Get([]byte(entry.StudyUID)) != nil {
			return ErrExists
		}
		return d.putInTx(tx, entry)
	})
}

// Put inserts or replaces an entry, keeping counters and the LRU index in step.
func (d *DB) Put(_ context.Context, entry *Entry) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		return d.putInTx(tx, entry)
	})
}

func (d *DB) putInTx(tx *bbolt.Tx, entry *Entry) error {
	if entry.StudyUID == "" {
		return fmt.Errorf("entry has no study uid")
	}
	if entry.LastViewedAt.IsZero() {
		entry.LastViewedAt = entry.StoredAt
	}

	studies := tx.Bucket(bucketStudies)
	key := []byte(entry.StudyUID)

	var oldSize int64
	isNew := true
	if old := studies.Get(key); old != nil {
		prev, err := unmarshalEntry(old)
		if err != nil {
			return corrupted("put", err)
		}
		oldSize = prev.Size
		isNew = false
	}

	if err := studies.Put(key, marshalEntry(entry)); err != nil {
		return fmt.Errorf("putting entry: %w", err)
	}
	if err := updateViewIndex(tx, entry.StudyUID, entry.LastViewedAt); err != nil {
		return err
	}

	added := int64(0)
	if isNew {
		added = 1
	}
	return adjustStats(tx, entry.Size-oldSize, added)
}

// Delete removes the entry for studyUID. Missing entries are not an error.
func (d *DB) Delete(_ context.Context, studyUID string) (*Entry, error) {
	var removed *Entry
	err := d.db.Update(func(tx *bbolt.Tx) error {
		studies := tx.Bucket(bucketStudies)
		key := []byte(studyUID)
		data := studies.Get(key)
		if data == nil {
			return nil
		}
		e, err := unmarshalEntry(data)
		if err != nil {
			return corrupted("delete", err)
		}
		if err := studies.Delete(key); err != nil {
			return fmt.Errorf("deleting entry: %w", err)
		}
		if err := removeViewIndex(tx, studyUID); err != nil {
			return err
		}
		removed = e
		return adjustStats(tx, -e.Size, -1)
	})
	return removed, err
}

// Touch records a view of studyUID.
func (d *DB) Touch(_ context.Context, studyUID string) (time.Time, error) {
	viewed := d.now().UTC()
	err := d.db.Update(func(tx *bbolt.Tx) error {
		studies := tx.Bucket(bucketStudies)
		key := []byte(studyUID)
		data := studies.Get(key)
		if data == nil {
			return ErrNotFound
		}
		e, err := unmarshalEntry(data)
		if err != nil {
			return corrupted("touch", err)
		}
		e.LastViewedAt = viewed
		if err := studies.Put(key, marshalEntry(e)); err != nil {
			return fmt.Errorf("putting entry: %w", err)
		}
		return updateViewIndex(tx, studyUID, viewed)
	})
	return viewed, err
}

// List returns every entry ordered by study UID.
func (d *DB) List(_ context.Context) ([]*Entry, error) {
	var entries []*Entry
	err := d.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketStudies).ForEach(func(_, v []byte) error {
			e, err := unmarshalEntry(v)
			if err != nil {
				return corrupted("list", err)
			}
			entries = append(entries, e)
			return nil
		})
	})
	return entries, err
}

// ListByLastViewed returns every entry, least recently viewed first.
func (d *DB) ListByLastViewed(_ context.Context) ([]*Entry, error) {
	var entries []*Entry
	err := d.db.View(func(tx *bbolt.Tx) error {
		studies := tx.Bucket(bucketStudies)
		return tx.Bucket(bucketByLastViewed).ForEach(func(_, uid []byte) error {
			data := studies.Get(uid)
			if data == nil {
				return corrupted("list by view", fmt.Errorf("dangling view entry for %s", uid))
			}
			e, err := unmarshalEntry(data)
			if err != nil {
				return corrupted("list by view", err)
			}
			entries = append(entries, e)
			return nil
		})
	})
	return entries, err
}

// ListViewedBefore returns entries last viewed strictly before cutoff,
// oldest first.
func (d *DB) ListViewedBefore(ctx context.Context, cutoff time.Time) ([]*Entry, error) {
	all, err := d.ListByLastViewed(ctx)
	if err != nil {
		return nil, err
	}
	i := sort.Search(len(all), func(i int) bool {
		return !all[i].LastViewedAt.Before(cutoff)
	})
	return all[:i], nil
}

// Stats returns the maintained counters.
func (d *DB) Stats(_ context.Context) (Stats, error) {
	var s Stats
	err := d.db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		s.UsedBytes = decodeInt64(meta.Get(metaUsedBytes))
		s.Entries = decodeInt64(meta.Get(metaEntryCount))
		return nil
	})
	return s, err
}

// Settings returns the persisted limits. Unset values are zero.
func (d *DB) Settings(_ context.Context) (Settings, error) {
	var s Settings
	err := d.db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		s.MaxSize = decodeInt64(meta.Get(metaMaxSize))
		s.RetentionDays = int(decodeInt64(meta.Get(metaRetentionDays)))
		return nil
	})
	return s, err
}

// PutSettings persists the limits.
func (d *DB) PutSettings(_ context.Context, s Settings) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if err := meta.Put(metaMaxSize, encodeInt64(s.MaxSize)); err != nil {
			return err
		}
		return meta.Put(metaRetentionDays, encodeInt64(int64(s.RetentionDays)))
	})
}

// Verify checks that the counters and the LRU index agree with the entries.
func (d *DB) Verify(_ context.Context) error {
	return d.db.View(func(tx *bbolt.Tx) error {
		var used, count int64
		studies := tx.Bucket(bucketStudies)
		reverse := tx.Bucket(bucketViewByStudy)
		byView := tx.Bucket(bucketByLastViewed)

		err := studies.ForEach(func(k, v []byte) error {
			e, err := unmarshalEntry(v)
			if err != nil {
				return err
			}
			if e.StudyUID != string(k) {
				return fmt.Errorf("entry %s stored under key %s", e.StudyUID, k)
			}
			ts := reverse.Get(k)
			if ts == nil || byView.Get(makeViewKey(decodeTimestamp(ts), e.StudyUID)) == nil {
				return fmt.Errorf("entry %s missing from view index", k)
			}
			used += e.Size
			count++
			return nil
		})
		if err != nil {
			return corrupted("verify", err)
		}
		if n := int64(byView.Stats().KeyN); n != count {
			return corrupted("verify", fmt.Errorf("view index has %d keys for %d entries", n, count))
		}

		meta := tx.Bucket(bucketMeta)
		if got := decodeInt64(meta.Get(metaUsedBytes)); got != used {
			return corrupted("verify", fmt.Errorf("used bytes counter %d, entries sum to %d", got, used))
		}
		if got := decodeInt64(meta.Get(metaEntryCount)); got != count {
			return corrupted("verify", fmt.Errorf("entry counter %d, found %d entries", got, count))
		}
		return nil
	})
}

// Replace atomically rewrites the index to hold exactly entries, rebuilding
// the LRU index and counters. Settings are preserved.
func (d *DB) Replace(_ context.Context, entries []*Entry) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketStudies, bucketByLastViewed, bucketViewByStudy} {
			if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, berrors.ErrBucketNotFound) {
				return fmt.Errorf("dropping bucket %s: %w", name, err)
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		meta := tx.Bucket(bucketMeta)
		if err := meta.Put(metaUsedBytes, encodeInt64(0)); err != nil {
			return err
		}
		if err := meta.Put(metaEntryCount, encodeInt64(0)); err != nil {
			return err
		}
		for _, e := range entries {
			if err := d.putInTx(tx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

// Dump writes a canonical serialisation of every bucket to w. Two indexes
// with the same logical content produce identical dumps.
func (d *DB) Dump(_ context.Context, w io.Writer) error {
	return d.db.View(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			b := tx.Bucket(name)
			if b == nil {
				continue
			}
			if err := writeRecord(w, []byte("bucket"), name); err != nil {
				return err
			}
			if err := b.ForEach(func(k, v []byte) error {
				return writeRecord(w, k, v)
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

func writeRecord(w io.Writer, k, v []byte) error {
	var hdr [binary.MaxVarintLen64 * 2]byte
	n := binary.PutUvarint(hdr[:], uint64(len(k)))
	n += binary.PutUvarint(hdr[n:], uint64(len(v)))
	for _, part := range [][]byte{hdr[:n], k, v} {
		if _, err := w.Write(part); err != nil {
			return fmt.Errorf("writing dump: %w", err)
		}
	}
	return nil
}

// CompactTo copies every bucket into a fresh database at destPath,
// reclaiming pages freed by deletes.
func (d *DB) CompactTo(_ context.Context, destPath string) error {
	destDB, err := bbolt.Open(destPath, 0o600, &bbolt.Options{
		Timeout: d.lockTimeout,
		NoSync:  d.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening destination database: %w", err)
	}
	defer func() { _ = destDB.Close() }()

	return d.db.View(func(srcTx *bbolt.Tx) error {
		return destDB.Update(func(destTx *bbolt.Tx) error {
			return srcTx.ForEach(func(name []byte, srcBucket *bbolt.Bucket) error {
				destBucket, err := destTx.CreateBucketIfNotExists(name)
				if err != nil {
					return fmt.Errorf("creating bucket %s: %w", name, err)
				}
				return srcBucket.ForEach(func(k, v []byte) error {
					return destBucket.Put(k, v)
				})
			})
		})
	})
}

// Compact rewrites the index file in place via CompactTo and reopens it.
func (d *DB) Compact(ctx context.Context) error {
	tmpPath := d.path + ".compact"
	_ = os.Remove(tmpPath)

	if err := d.CompactTo(ctx, tmpPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("compacting index: %w", err)
	}
	path := d.path
	if err := d.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("closing index: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		if openErr := d.Open(path); openErr != nil {
			return errors.Join(fmt.Errorf("replacing index: %w", err), openErr)
		}
		return fmt.Errorf("replacing index: %w", err)
	}
	return d.Open(path)
}

func updateViewIndex(tx *bbolt.Tx, studyUID string, viewed time.Time) error {
	if err := removeViewIndex(tx, studyUID); err != nil {
		return err
	}
	if err := tx.Bucket(bucketByLastViewed).Put(makeViewKey(viewed, studyUID), []byte(studyUID)); err != nil {
		return fmt.Errorf("putting view index: %w", err)
	}
	if err := tx.Bucket(bucketViewByStudy).Put([]byte(studyUID), encodeTimestamp(viewed)); err != nil {
		return fmt.Errorf("putting reverse view index: %w", err)
	}
	return nil
}

func removeViewIndex(tx *bbolt.Tx, studyUID string) error {
	reverse := tx.Bucket(bucketViewByStudy)
	ts := reverse.Get([]byte(studyUID))
	if ts == nil {
		return nil
	}
	viewKey := makeViewKey(decodeTimestamp(ts), studyUID)
	if err := tx.Bucket(bucketByLastViewed).Delete(viewKey); err != nil {
		return fmt.Errorf("deleting view index: %w", err)
	}
	return reverse.Delete([]byte(studyUID))
}

func adjustStats(tx *bbolt.Tx, sizeDelta, countDelta int64) error {
	meta := tx.Bucket(bucketMeta)
	used := decodeInt64(meta.Get(metaUsedBytes)) + sizeDelta
	count := decodeInt64(meta.Get(metaEntryCount)) + countDelta
	if used < 0 || count < 0 {
		return corrupted("update counters", fmt.Errorf("negative counters: used=%d entries=%d", used, count))
	}
	if err := meta.Put(metaUsedBytes, encodeInt64(used)); err != nil {
		return err
	}
	return meta.Put(metaEntryCount, encodeInt64(count))
}

func corrupted(op string, err error) error {
	return pacscache.NewCacheError(pacscache.Corrupted, op, err)
}
