package cache

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	pacscache "github.com/wolfeidau/pacs-cache"
)

// testClock is a manually advanced clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig(dir string, maxSize int64) Config {
	return Config{
		Dir:         dir,
		MaxSize:     maxSize,
		NoSync:      true,
		LockTimeout: 50 * time.Millisecond,
	}
}

func newTestStore(t *testing.T, maxSize int64) (*Store, *testClock) {
	t.Helper()
	clock := newTestClock()
	s, err := Open(context.Background(), testConfig(t.TempDir(), maxSize), WithNow(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

// addStudy caches a study holding one instance of size bytes.
func addStudy(t *testing.T, s *Store, uid string, size int64) *Entry {
	t.Helper()
	ctx := context.Background()
	r, err := s.Reserve(ctx, uid, size)
	require.NoError(t, err)
	_, err = r.Put(ctx, "1.1", "1.1.1", bytes.NewReader(make([]byte, size)))
	require.NoError(t, err)
	e, err := s.Commit(ctx, r, StudyMeta{PatientID: "PID-" + uid})
	require.NoError(t, err)
	return e
}

func TestOpen_Defaults(t *testing.T) {
	s, _ := newTestStore(t, 0)

	u, err := s.Usage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxSize, u.MaxBytes)
	assert.Zero(t, u.UsedBytes)
	assert.False(t, u.Corrupted)
}

func TestOpen_Validation(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	require.True(t, pacscache.IsValidation(err))

	_, err = Open(context.Background(), Config{Dir: t.TempDir(), MaxSize: -1})
	require.True(t, pacscache.IsValidation(err))
}

func TestOpen_SecondSessionIsLocked(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(context.Background(), testConfig(dir, 1000))
	require.NoError(t, err)
	defer s.Close()

	_, err = Open(context.Background(), testConfig(dir, 1000))
	require.ErrorIs(t, err, pacscache.ErrLocked)
}

func TestOpen_PersistsSettings(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(ctx, testConfig(dir, 1000))
	require.NoError(t, err)
	require.NoError(t, s.SetMaxSize(ctx, 5000))
	require.NoError(t, s.SetRetentionDays(ctx, 7))
	require.NoError(t, s.Close())

	// Config values only seed a new cache.
	s, err = Open(ctx, testConfig(dir, 1000))
	require.NoError(t, err)
	defer s.Close()

	u, err := s.Usage(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 5000, u.MaxBytes)
	assert.Equal(t, 7, u.RetentionDays)
}

func TestOpen_ClearsLeftoverStaging(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(ctx, testConfig(dir, 1000))
	require.NoError(t, err)
	r, err := s.Reserve(ctx, "1.2.3", 10)
	require.NoError(t, err)
	_, err = r.Put(ctx, "1.1", "1.1.1", strings.NewReader("0123456789"))
	require.NoError(t, err)

	// Simulate a crash by closing the index without releasing.
	require.NoError(t, s.idx.Close())

	s2, err := Open(ctx, testConfig(dir, 1000))
	require.NoError(t, err)
	defer s2.Close()

	_, err = os.Stat(filepath.Join(dir, pacscache.StagingRoot))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestStore_ClosedIsNotConnected(t *testing.T) {
	s, err := Open(context.Background(), testConfig(t.TempDir(), 1000))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.List(context.Background())
	require.ErrorIs(t, err, pacscache.ErrNotConnected)
	_, err = s.Reserve(context.Background(), "1.2.3", 1)
	require.ErrorIs(t, err, pacscache.ErrNotConnected)
}

func TestSetMaxSize(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, 1000)
	addStudy(t, s, "1.2.1", 600)

	err := s.SetMaxSize(ctx, 0)
	require.True(t, pacscache.IsValidation(err))

	err = s.SetMaxSize(ctx, 500)
	require.True(t, pacscache.IsValidation(err))

	require.NoError(t, s.SetMaxSize(ctx, 600))
	u, err := s.Usage(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 600, u.MaxBytes)
	assert.Zero(t, u.FreeBytes())
}

func TestSetRetentionDays(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, 1000)

	require.True(t, pacscache.IsValidation(s.SetRetentionDays(ctx, -1)))
	require.NoError(t, s.SetRetentionDays(ctx, 0))
	require.NoError(t, s.SetRetentionDays(ctx, 30))
}

func TestTouch(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t, 1000)
	addStudy(t, s, "1.2.1", 10)

	clock.Advance(time.Hour)
	require.NoError(t, s.Touch(ctx, "1.2.1"))

	e, err := s.Get(ctx, "1.2.1")
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), e.LastViewedAt)

	require.ErrorIs(t, s.Touch(ctx, "9.9.9"), pacscache.ErrNotFound)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, 1000)
	addStudy(t, s, "1.2.1", 100)

	require.NoError(t, s.Pin(ctx, "1.2.1"))
	_, err := s.Remove(ctx, "1.2.1")
	require.ErrorIs(t, err, pacscache.ErrInUse)

	s.Unpin("1.2.1")
	removed, err := s.Remove(ctx, "1.2.1")
	require.NoError(t, err)
	assert.EqualValues(t, 100, removed.Size)

	_, err = s.Get(ctx, "1.2.1")
	require.ErrorIs(t, err, pacscache.ErrNotFound)
	_, err = os.Stat(filepath.Join(s.fs.Root(), pacscache.StudyPrefix("1.2.1")))
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = s.Remove(ctx, "1.2.1")
	require.ErrorIs(t, err, pacscache.ErrNotFound)
}

func TestPin_RequiresCachedStudy(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, 1000)
	addStudy(t, s, "1.2.1", 10)

	err := s.Pin(ctx, "1.2.1", "9.9.9")
	require.ErrorIs(t, err, pacscache.ErrNotFound)
	assert.False(t, s.Pinned("1.2.1"))

	require.NoError(t, s.Pin(ctx, "1.2.1"))
	require.NoError(t, s.Pin(ctx, "1.2.1"))
	s.Unpin("1.2.1")
	assert.True(t, s.Pinned("1.2.1"))
	s.Unpin("1.2.1")
	assert.False(t, s.Pinned("1.2.1"))
}

func TestFilesAndOpenFile(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, 1000)

	r, err := s.Reserve(ctx, "1.2.3", 0)
	require.NoError(t, err)
	_, err = r.Put(ctx, "1.2.3.2", "1.2.3.2.1", strings.NewReader("second"))
	require.NoError(t, err)
	_, err = r.Put(ctx, "1.2.3.1", "1.2.3.1.1", strings.NewReader("first"))
	require.NoError(t, err)
	_, err = s.Commit(ctx, r, StudyMeta{})
	require.NoError(t, err)

	files, err := s.Files(ctx, "1.2.3")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "1.2.3.1", files[0].SeriesUID)
	assert.Equal(t, "1.2.3.2.1", files[1].SOPInstanceUID)
	assert.EqualValues(t, 5, files[0].Size)

	rc, err := s.OpenFile(ctx, files[0].Key)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "first", string(data))

	_, err = s.OpenFile(ctx, "studies/00/missing.dcm")
	require.ErrorIs(t, err, pacscache.ErrNotFound)
}

// corruptCounters rewrites the used bytes counter behind the index's back.
func corruptCounters(t *testing.T, dir string) {
	t.Helper()
	db, err := bbolt.Open(filepath.Join(dir, indexFileName), 0o600, nil)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Update(func(tx *bbolt.Tx) error {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, 12345)
		return tx.Bucket([]byte("meta")).Put([]byte("used_bytes"), buf)
	}))
}

func TestOpen_InconsistentIndexIsDegraded(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(ctx, testConfig(dir, 1000))
	require.NoError(t, err)
	addStudy(t, s, "1.2.1", 100)
	require.NoError(t, s.Close())

	corruptCounters(t, dir)

	s, err = Open(ctx, testConfig(dir, 1000))
	require.NoError(t, err)
	defer s.Close()

	u, err := s.Usage(ctx)
	require.NoError(t, err)
	assert.True(t, u.Corrupted)

	_, err = s.Get(ctx, "1.2.1")
	require.ErrorIs(t, err, pacscache.ErrCorrupted)
	_, err = s.Reserve(ctx, "1.2.2", 10)
	require.ErrorIs(t, err, pacscache.ErrCorrupted)

	res, err := s.Compact(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 100, res.UsedBytes)

	u, err = s.Usage(ctx)
	require.NoError(t, err)
	assert.False(t, u.Corrupted)
	assert.EqualValues(t, 100, u.UsedBytes)

	e, err := s.Get(ctx, "1.2.1")
	require.NoError(t, err)
	assert.Equal(t, "PID-1.2.1", e.PatientID)
}

func TestDump_IsCompressedAndStable(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, 1000)
	addStudy(t, s, "1.2.1", 10)

	var a, b bytes.Buffer
	require.NoError(t, s.Dump(ctx, &a))
	require.NoError(t, s.Dump(ctx, &b))

	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()

	plainA, err := dec.DecodeAll(a.Bytes(), nil)
	require.NoError(t, err)
	plainB, err := dec.DecodeAll(b.Bytes(), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, plainA)
	assert.Equal(t, plainA, plainB)
	assert.Contains(t, string(plainA), "1.2.1")
}
