package dicomdir

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pacscache "github.com/wolfeidau/pacs-cache"
	"github.com/wolfeidau/pacs-cache/cache"
)

const ctImageStorage = "1.2.840.10008.5.1.4.1.1.2"

type instance struct {
	series string
	sop    string
	body   []byte
}

// part10 builds a minimal Part-10 file with a file meta group.
func part10(sop string) []byte {
	var meta encoder
	meta.str(tagMediaStorageSOPClass, "UI", ctImageStorage)
	meta.str(tagMediaStorageSOPInst, "UI", sop)
	meta.str(tagTransferSyntax, "UI", explicitVRLittleEndian)

	var out encoder
	out.buf.Write(make([]byte, preambleSize))
	out.buf.WriteString(magic)
	out.ul(tagFileMetaGroupLength, uint32(meta.Len()))
	out.buf.Write(meta.Bytes())
	out.str(tag{0x0008, 0x0016}, "UI", ctImageStorage)
	out.str(tag{0x0008, 0x0018}, "UI", sop)
	return out.Bytes()
}

// identified builds a Part-10 file carrying patient identifiers, a private
// attribute and a nested sequence.
func identified(sop, name, patientID string) []byte {
	var ds encoder
	ds.str(tag{0x0008, 0x0016}, "UI", ctImageStorage)
	ds.str(tag{0x0008, 0x0018}, "UI", sop)
	ds.str(tag{0x0009, 0x0010}, "LO", "ACME")
	ds.str(tag{0x0009, 0x1001}, "LO", "vendor secret")
	ds.str(tagPatientName, "PN", name)
	ds.str(tagPatientID, "LO", patientID)
	ds.str(tagStudyID, "SH", "S42")
	return part10File(explicitVRLittleEndian, sop, ds.Bytes())
}

func part10File(transferSyntax, sop string, body []byte) []byte {
	var meta encoder
	meta.str(tagMediaStorageSOPClass, "UI", ctImageStorage)
	meta.str(tagMediaStorageSOPInst, "UI", sop)
	meta.str(tagTransferSyntax, "UI", transferSyntax)

	var out encoder
	out.buf.Write(make([]byte, preambleSize))
	out.buf.WriteString(magic)
	out.ul(tagFileMetaGroupLength, uint32(meta.Len()))
	out.buf.Write(meta.Bytes())
	out.buf.Write(body)
	return out.Bytes()
}

func newTestCache(t *testing.T) *cache.Store {
	t.Helper()
	store, err := cache.Open(context.Background(), cache.Config{
		Dir:         t.TempDir(),
		MaxSize:     1 << 20,
		LockTimeout: 50 * time.Millisecond,
		NoSync:      true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func addStudy(t *testing.T, store *cache.Store, uid, patientID string, instances ...instance) {
	t.Helper()
	ctx := context.Background()
	res, err := store.Reserve(ctx, uid, 0)
	require.NoError(t, err)
	for _, in := range instances {
		_, err := res.Put(ctx, in.series, in.sop, bytes.NewReader(in.body))
		require.NoError(t, err)
	}
	_, err = store.Commit(ctx, res, cache.StudyMeta{PatientID: patientID, PatientName: "DOE^" + patientID, StudyDate: "20260101"})
	require.NoError(t, err)
}

func addSizedStudy(t *testing.T, store *cache.Store, uid string, size int) {
	t.Helper()
	addStudy(t, store, uid, "P1", instance{series: uid + ".1", sop: uid + ".1.1", body: bytes.Repeat([]byte{'x'}, size)})
}

func newTestPacker(t *testing.T, store *cache.Store, opts ...Option) (*Packer, string) {
	t.Helper()
	staging := t.TempDir()
	p, err := New(Config{StagingDir: staging, DVDCapacity: 0}, store, opts...)
	require.NoError(t, err)
	return p, staging
}

func TestCreateSelection(t *testing.T) {
	p, _ := newTestPacker(t, newTestCache(t))

	sel, err := p.CreateSelection(CD, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultCDCapacity, sel.Capacity())

	_, err = p.CreateSelection(DVD, 0)
	require.True(t, pacscache.IsValidation(err), "DVD without configured capacity: %v", err)

	sel, err = p.CreateSelection(DVD, 4_700_000_000)
	require.NoError(t, err)
	assert.EqualValues(t, 4_700_000_000, sel.Capacity())

	sel, err = p.CreateSelection(USB, 123)
	require.NoError(t, err)
	assert.Zero(t, sel.Capacity())

	_, err = p.CreateSelection("floppy", 0)
	require.True(t, pacscache.IsValidation(err))
	_, err = p.CreateSelection(CD, -1)
	require.True(t, pacscache.IsValidation(err))

	kind, err := ParseDeviceKind("HDD")
	require.NoError(t, err)
	assert.Equal(t, HardDisk, kind)
}

func TestAddStudy_CapacityOverflow(t *testing.T) {
	store := newTestCache(t)
	addSizedStudy(t, store, "1.1", 300)
	addSizedStudy(t, store, "1.2", 300)
	addSizedStudy(t, store, "1.3", 200)
	p, _ := newTestPacker(t, store)
	ctx := context.Background()

	sel, err := p.CreateSelection(CD, 700)
	require.NoError(t, err)
	require.NoError(t, p.AddStudy(ctx, sel, "1.1"))
	require.NoError(t, p.AddStudy(ctx, sel, "1.2"))

	err = p.AddStudy(ctx, sel, "1.3")
	require.ErrorIs(t, err, pacscache.ErrDeviceOverflow)
	var capErr *pacscache.CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.EqualValues(t, 100, capErr.Available)

	assert.EqualValues(t, 600, sel.Size())
	assert.Equal(t, []string{"1.1", "1.2"}, sel.Studies())
	assert.False(t, store.Pinned("1.3"))
}

func TestAddStudy_Duplicate(t *testing.T) {
	store := newTestCache(t)
	addSizedStudy(t, store, "1.1", 300)
	p, _ := newTestPacker(t, store)
	ctx := context.Background()

	sel, err := p.CreateSelection(CD, 700)
	require.NoError(t, err)
	require.NoError(t, p.AddStudy(ctx, sel, "1.1"))
	require.ErrorIs(t, p.AddStudy(ctx, sel, "1.1"), pacscache.ErrDuplicate)
	assert.EqualValues(t, 300, sel.Size())

	require.ErrorIs(t, p.AddStudy(ctx, sel, "9.9"), pacscache.ErrNotFound)
	require.True(t, pacscache.IsValidation(p.AddStudy(ctx, sel, "not-a-uid")))
}

func TestSelection_PinsStudies(t *testing.T) {
	store := newTestCache(t)
	addSizedStudy(t, store, "1.1", 10)
	addSizedStudy(t, store, "1.2", 10)
	p, _ := newTestPacker(t, store)
	ctx := context.Background()

	sel, err := p.CreateSelection(HardDisk, 0)
	require.NoError(t, err)
	require.NoError(t, p.AddStudy(ctx, sel, "1.1"))
	require.NoError(t, p.AddStudy(ctx, sel, "1.2"))
	assert.True(t, store.Pinned("1.1"))

	_, err = store.Remove(ctx, "1.1")
	require.ErrorIs(t, err, pacscache.ErrInUse)

	require.NoError(t, p.RemoveStudy(sel, "1.1"))
	assert.False(t, store.Pinned("1.1"))
	assert.EqualValues(t, 10, sel.Size())
	require.ErrorIs(t, p.RemoveStudy(sel, "1.1"), pacscache.ErrNotFound)

	p.Close(sel)
	assert.False(t, store.Pinned("1.2"))
	require.ErrorIs(t, p.AddStudy(ctx, sel, "1.1"), ErrSelectionClosed)
	_, err = p.Commit(ctx, sel, t.TempDir(), nil)
	require.ErrorIs(t, err, ErrSelectionClosed)
}

func exportFixture(t *testing.T, opts ...Option) (*Packer, *cache.Store, *Selection, string) {
	t.Helper()
	store := newTestCache(t)
	addStudy(t, store, "1.2.3", "P1",
		instance{"1.2.3.1", "1.2.3.1.1", part10("1.2.3.1.1")},
		instance{"1.2.3.1", "1.2.3.1.2", part10("1.2.3.1.2")},
		instance{"1.2.3.2", "1.2.3.2.1", part10("1.2.3.2.1")},
	)
	addStudy(t, store, "1.2.4", "P2",
		instance{"1.2.4.1", "1.2.4.1.1", []byte("this is not a DICOM file")},
	)
	p, staging := newTestPacker(t, store, opts...)

	sel, err := p.CreateSelection(HardDisk, 0)
	require.NoError(t, err)
	require.NoError(t, p.AddStudy(context.Background(), sel, "1.2.3"))
	require.NoError(t, p.AddStudy(context.Background(), sel, "1.2.4"))
	return p, store, sel, staging
}

func TestCommit_Directory(t *testing.T) {
	p, store, sel, staging := exportFixture(t)
	dest := filepath.Join(t.TempDir(), "export")

	res, err := p.Commit(context.Background(), sel, dest, pacscache.AlwaysConfirm)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Studies)
	assert.Equal(t, 3, res.Series)
	assert.Equal(t, 4, res.Instances)
	assert.Equal(t, []string{`DICOM\ST000001\SE000000\IM000000`}, res.NonCompliant)

	copied, err := os.ReadFile(filepath.Join(dest, "DICOM", "ST000000", "SE000001", "IM000000"))
	require.NoError(t, err)
	assert.Equal(t, part10("1.2.3.2.1"), copied)

	dir, err := os.ReadFile(filepath.Join(dest, DICOMDirFile))
	require.NoError(t, err)
	meta, ok := parseFileMeta(dir)
	require.True(t, ok)
	assert.Equal(t, mediaStorageDirectorySOPClass, meta.SOPClassUID)
	assert.Contains(t, string(dir), `DICOM\ST000000\SE000000\IM000001`)
	assert.Contains(t, string(dir), ctImageStorage)

	assert.False(t, store.Pinned("1.2.3"))
	assert.False(t, store.Pinned("1.2.4"))
	leftovers, err := os.ReadDir(staging)
	require.NoError(t, err)
	assert.Empty(t, leftovers)

	_, err = p.Commit(context.Background(), sel, dest, pacscache.AlwaysConfirm)
	require.ErrorIs(t, err, ErrSelectionClosed)
}

func TestCommit_MissingDirectoryNeedsConfirmation(t *testing.T) {
	p, store, sel, _ := exportFixture(t)
	dest := filepath.Join(t.TempDir(), "usb", "export")

	var prompts []string
	decline := func(_ context.Context, prompt string) bool {
		prompts = append(prompts, prompt)
		return false
	}
	_, err := p.Commit(context.Background(), sel, dest, decline)
	require.ErrorIs(t, err, pacscache.ErrNotConfirmed)
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "doesn't exist")
	assert.NoDirExists(t, dest)
	assert.True(t, store.Pinned("1.2.3"))

	_, err = p.Commit(context.Background(), sel, dest, pacscache.AlwaysConfirm)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dest, DICOMDirFile))
}

func TestCommit_RechecksCapacity(t *testing.T) {
	store := newTestCache(t)
	addSizedStudy(t, store, "1.1", 300)
	addSizedStudy(t, store, "1.2", 300)
	p, _ := newTestPacker(t, store, WithMediaWriter(CD, DirectoryWriter{NoSync: true}))
	ctx := context.Background()

	sel, err := p.CreateSelection(CD, 700)
	require.NoError(t, err)
	require.NoError(t, p.AddStudy(ctx, sel, "1.1"))
	require.NoError(t, p.AddStudy(ctx, sel, "1.2"))

	// A series level retrieval grows a selected study.
	res, err := store.Reserve(ctx, "1.1", 0, cache.Merge())
	require.NoError(t, err)
	_, err = res.Put(ctx, "1.1.2", "1.1.2.1", bytes.NewReader(bytes.Repeat([]byte{'y'}, 200)))
	require.NoError(t, err)
	_, err = store.Commit(ctx, res, cache.StudyMeta{})
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "disc")
	_, err = p.Commit(ctx, sel, dest, pacscache.AlwaysConfirm)
	require.ErrorIs(t, err, pacscache.ErrDeviceOverflow)
	var capErr *pacscache.CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.EqualValues(t, 800, capErr.Requested)
	assert.EqualValues(t, 800, sel.Size())
	assert.NoFileExists(t, filepath.Join(dest, DICOMDirFile))

	// The selection stays open and can be trimmed to fit.
	assert.True(t, store.Pinned("1.1"))
	require.NoError(t, p.RemoveStudy(sel, "1.2"))
	out, err := p.Commit(ctx, sel, dest, pacscache.AlwaysConfirm)
	require.NoError(t, err)
	assert.EqualValues(t, 500, out.Bytes)
	assert.Equal(t, 2, out.Instances)
}

func TestCommit_ExistingDestinationNeedsConfirmation(t *testing.T) {
	p, store, sel, _ := exportFixture(t)
	dest := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dest, DICOMDirFile), []byte("old"), 0o644))

	_, err := p.Commit(context.Background(), sel, dest, pacscache.NeverConfirm)
	require.ErrorIs(t, err, pacscache.ErrNotConfirmed)
	assert.Len(t, sel.Studies(), 2, "declined commit keeps the selection")
	assert.True(t, store.Pinned("1.2.3"))

	_, err = p.Commit(context.Background(), sel, dest, pacscache.AlwaysConfirm)
	require.NoError(t, err)
	dir, err := os.ReadFile(filepath.Join(dest, DICOMDirFile))
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(dir[preambleSize:], []byte(magic)))
}

func TestCommit_Anonymize(t *testing.T) {
	store := newTestCache(t)
	addStudy(t, store, "1.2.3", "P1",
		instance{"1.2.3.1", "1.2.3.1.1", identified("1.2.3.1.1", "DOE^JANE", "MRN123")},
	)
	p, _ := newTestPacker(t, store)
	ctx := context.Background()

	sel, err := p.CreateSelection(HardDisk, 0)
	require.NoError(t, err)
	require.NoError(t, p.AddStudy(ctx, sel, "1.2.3"))

	dest := t.TempDir()
	res, err := p.Commit(ctx, sel, dest, nil, Anonymize())
	require.NoError(t, err)
	assert.True(t, res.Anonymized)
	assert.Empty(t, res.NonCompliant)

	exported, err := os.ReadFile(filepath.Join(dest, "DICOM", "ST000000", "SE000000", "IM000000"))
	require.NoError(t, err)
	assert.NotContains(t, string(exported), "DOE^JANE")
	assert.NotContains(t, string(exported), "MRN123")
	assert.NotContains(t, string(exported), "vendor secret")
	assert.Contains(t, string(exported), anonymousName)
	assert.EqualValues(t, len(exported), res.Bytes)

	dir, err := os.ReadFile(filepath.Join(dest, DICOMDirFile))
	require.NoError(t, err)
	assert.NotContains(t, string(dir), "DOE^")
	assert.Contains(t, string(dir), anonymousName)
	assert.Contains(t, string(dir), anonymousID)

	original, err := store.Files(ctx, "1.2.3")
	require.NoError(t, err)
	rc, err := store.OpenFile(ctx, original[0].Key)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	cached, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Contains(t, string(cached), "DOE^JANE", "the cached copy is untouched")
}

func TestCommit_FreeSpace(t *testing.T) {
	dest := t.TempDir()

	t.Run("destination", func(t *testing.T) {
		p, _, sel, _ := exportFixture(t, WithFreeSpace(func(_ context.Context, path string) (uint64, error) {
			if path == dest {
				return 10, nil
			}
			return 1 << 30, nil
		}))
		_, err := p.Commit(context.Background(), sel, dest, nil)
		require.ErrorIs(t, err, pacscache.ErrDeviceOverflow)
	})

	t.Run("staging", func(t *testing.T) {
		p, _, sel, _ := exportFixture(t, WithFreeSpace(func(_ context.Context, path string) (uint64, error) {
			if path == dest {
				return 1 << 30, nil
			}
			return 10, nil
		}))
		_, err := p.Commit(context.Background(), sel, dest, nil)
		require.ErrorIs(t, err, pacscache.ErrInsufficientSpace)
	})
}

type failingWriter struct{}

func (failingWriter) Write(_ context.Context, _, dest string) error {
	return pacscache.NewProcessError(pacscache.Crashed, "burn", os.ErrClosed)
}

func TestCommit_WriterFailureCleansUp(t *testing.T) {
	p, store, sel, staging := exportFixture(t, WithMediaWriter(HardDisk, failingWriter{}))

	_, err := p.Commit(context.Background(), sel, t.TempDir(), nil)
	require.ErrorIs(t, err, pacscache.ErrCrashed)

	assert.False(t, store.Pinned("1.2.3"))
	leftovers, err := os.ReadDir(staging)
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestImageWriter(t *testing.T) {
	ctx := context.Background()
	staging := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(staging, DICOMDirFile), []byte("dir"), 0o644))

	t.Run("success", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "disc.iso")
		w := ImageWriter{Command: []string{"sh", "-c", `cat "$1/DICOMDIR" > "$2"`, "sh", "{src}", "{out}"}}
		require.NoError(t, w.Write(ctx, staging, out))
		data, err := os.ReadFile(out)
		require.NoError(t, err)
		assert.Equal(t, "dir", string(data))
	})

	t.Run("crash removes partial image", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "disc.iso")
		w := ImageWriter{Command: []string{"sh", "-c", `echo partial > "$1"; echo "disc full" >&2; exit 3`, "sh", "{out}"}}
		err := w.Write(ctx, staging, out)
		require.ErrorIs(t, err, pacscache.ErrCrashed)
		assert.Contains(t, err.Error(), "disc full")
		assert.NoFileExists(t, out)
	})

	t.Run("missing command", func(t *testing.T) {
		w := ImageWriter{Command: []string{filepath.Join(t.TempDir(), "no-such-mastering-tool"), "{out}"}}
		err := w.Write(ctx, staging, filepath.Join(t.TempDir(), "disc.iso"))
		require.ErrorIs(t, err, pacscache.ErrStartFailed)
	})
}

func TestCommit_CD(t *testing.T) {
	store := newTestCache(t)
	addStudy(t, store, "1.2.3", "P1", instance{"1.2.3.1", "1.2.3.1.1", part10("1.2.3.1.1")})
	p, err := New(Config{
		StagingDir:   t.TempDir(),
		ImageCommand: []string{"sh", "-c", `test -f "$1/DICOM/ST000000/SE000000/IM000000" && cp "$1/DICOMDIR" "$2"`, "sh", "{src}", "{out}"},
	}, store)
	require.NoError(t, err)

	sel, err := p.CreateSelection(CD, 0)
	require.NoError(t, err)
	require.NoError(t, p.AddStudy(context.Background(), sel, "1.2.3"))

	out := filepath.Join(t.TempDir(), "study.iso")
	res, err := p.Commit(context.Background(), sel, out, nil)
	require.NoError(t, err)
	assert.Equal(t, CD, res.Device)
	assert.Empty(t, res.NonCompliant)
	assert.FileExists(t, out)
}

func TestEncodeDICOMDIR_Offsets(t *testing.T) {
	studies := []*stagedStudy{
		{StudyUID: "1.1", Dir: "ST000000", PatientID: "P1", Series: []*stagedSeries{
			{SeriesUID: "1.1.1", Images: []*stagedImage{{SOPInstanceUID: "1.1.1.1", FileID: `DICOM\ST000000\SE000000\IM000000`}}},
		}},
		{StudyUID: "1.2", Dir: "ST000001", PatientID: "P2", Series: []*stagedSeries{
			{SeriesUID: "1.2.1", Images: []*stagedImage{{SOPInstanceUID: "1.2.1.1", FileID: `DICOM\ST000001\SE000000\IM000000`}}},
		}},
		{StudyUID: "1.3", Dir: "ST000002", PatientID: "P1", Series: []*stagedSeries{
			{SeriesUID: "1.3.1", Images: []*stagedImage{{SOPInstanceUID: "1.3.1.1", FileID: `DICOM\ST000002\SE000000\IM000000`}}},
		}},
	}
	roots := buildRecords(studies)
	require.Len(t, roots, 2, "studies of the same patient share a record")
	require.Len(t, roots[0].children, 2)

	data, err := encodeDICOMDIR(roots)
	require.NoError(t, err)

	readUL := func(tg tag) uint32 {
		var hdr [8]byte
		binary.LittleEndian.PutUint16(hdr[0:], tg.group)
		binary.LittleEndian.PutUint16(hdr[2:], tg.element)
		copy(hdr[4:], "UL")
		binary.LittleEndian.PutUint16(hdr[6:], 4)
		i := bytes.Index(data, hdr[:])
		require.GreaterOrEqual(t, i, 0)
		return binary.LittleEndian.Uint32(data[i+8:])
	}
	item := []byte{0xFE, 0xFF, 0x00, 0xE0}

	first := readUL(tagFirstRootRecord)
	last := readUL(tagLastRootRecord)
	assert.Equal(t, item, data[first:first+4])
	assert.Equal(t, item, data[last:last+4])
	assert.Equal(t, roots[0].offset, first)
	assert.Equal(t, roots[1].offset, last)
	assert.Less(t, first, last)
	assert.EqualValues(t, len(data), roots[1].children[0].children[0].children[0].offset+uint32(roots[1].children[0].children[0].children[0].size))
}

func TestParseFileMeta(t *testing.T) {
	meta, ok := parseFileMeta(part10("1.2.3.4"))
	require.True(t, ok)
	assert.Equal(t, instanceMeta{SOPClassUID: ctImageStorage, SOPInstanceUID: "1.2.3.4", TransferSyntax: explicitVRLittleEndian}, meta)

	_, ok = parseFileMeta([]byte("plain text"))
	assert.False(t, ok)
}
