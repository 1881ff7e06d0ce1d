// Package dicomdir exports cached studies as DICOMDIR file sets onto CDs,
// DVDs, hard disks and USB drives.
package dicomdir

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/shirou/gopsutil/disk"
	"golang.org/x/sync/errgroup"

	pacscache "github.com/wolfeidau/pacs-cache"
	"github.com/wolfeidau/pacs-cache/cache"
	"github.com/wolfeidau/pacs-cache/telemetry"
)

const (
	// DefaultCDCapacity is the usable size of a 700 MB CD-R.
	DefaultCDCapacity int64 = 700 << 20

	// DICOMDirFile is the directory file at the root of a file set.
	DICOMDirFile = "DICOMDIR"

	dicomDirName           = "DICOM"
	dicomMIME              = "application/dicom"
	defaultCopyConcurrency = 4
)

// ErrSelectionClosed is returned for selections that were committed or closed.
var ErrSelectionClosed = errors.New("dicomdir: selection closed")

// Config configures a Packer.
type Config struct {
	// CDCapacity is the CD size (default DefaultCDCapacity).
	CDCapacity int64

	// DVDCapacity is the DVD size. There is no default: DVD selections fail
	// unless it is set or a capacity is passed to CreateSelection.
	DVDCapacity int64

	// StagingDir holds temporary file sets (default os.TempDir()).
	StagingDir string

	// CopyConcurrency bounds parallel instance copies while staging.
	CopyConcurrency int

	// ImageCommand masters CD and DVD images (default DefaultImageCommand).
	ImageCommand []string

	Logger *slog.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		CDCapacity:      DefaultCDCapacity,
		CopyConcurrency: defaultCopyConcurrency,
	}
}

// FreeSpaceFunc reports the bytes available at path.
type FreeSpaceFunc func(ctx context.Context, path string) (uint64, error)

// Option configures a Packer.
type Option func(*Packer)

// WithMediaWriter replaces the writer used for kind.
func WithMediaWriter(kind DeviceKind, w MediaWriter) Option {
	return func(p *Packer) {
		p.writers[kind] = w
	}
}

// WithFreeSpace replaces the free space lookup.
func WithFreeSpace(fn FreeSpaceFunc) Option {
	return func(p *Packer) {
		p.freeSpace = fn
	}
}

// Packer builds export selections over a cache and commits them to media.
type Packer struct {
	cfg       Config
	logger    *slog.Logger
	cache     *cache.Store
	writers   map[DeviceKind]MediaWriter
	freeSpace FreeSpaceFunc
}

// New returns a Packer reading studies from store.
func New(cfg Config, store *cache.Store, opts ...Option) (*Packer, error) {
	if cfg.CDCapacity < 0 {
		return nil, pacscache.Invalid("cd_capacity", "must not be negative")
	}
	if cfg.DVDCapacity < 0 {
		return nil, pacscache.Invalid("dvd_capacity", "must not be negative")
	}
	if cfg.CDCapacity == 0 {
		cfg.CDCapacity = DefaultCDCapacity
	}
	if cfg.CopyConcurrency <= 0 {
		cfg.CopyConcurrency = defaultCopyConcurrency
	}
	if cfg.StagingDir == "" {
		cfg.StagingDir = os.TempDir()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	logger := cfg.Logger.With("component", "dicomdir")
	image := ImageWriter{Command: cfg.ImageCommand, Logger: logger}
	p := &Packer{
		cfg:    cfg,
		logger: logger,
		cache:  store,
		writers: map[DeviceKind]MediaWriter{
			CD:       image,
			DVD:      image,
			HardDisk: DirectoryWriter{},
			USB:      DirectoryWriter{},
		},
		freeSpace: diskFree,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// diskFree reports the free space of the file system holding path, or of its
// nearest existing parent.
func diskFree(ctx context.Context, path string) (uint64, error) {
	p := path
	for {
		if _, err := os.Stat(p); err == nil {
			break
		}
		parent := filepath.Dir(p)
		if parent == p {
			break
		}
		p = parent
	}
	usage, err := disk.UsageWithContext(ctx, p)
	if err != nil {
		return 0, fmt.Errorf("reading free space of %s: %w", p, err)
	}
	return usage.Free, nil
}

// CreateSelection starts an export for kind. A zero capacity selects the
// configured size of CDs and DVDs; path-defined devices are unbounded until
// commit.
func (p *Packer) CreateSelection(kind DeviceKind, capacity int64) (*Selection, error) {
	if capacity < 0 {
		return nil, pacscache.Invalid("capacity", "must not be negative")
	}
	switch kind {
	case CD:
		if capacity == 0 {
			capacity = p.cfg.CDCapacity
		}
	case DVD:
		if capacity == 0 {
			capacity = p.cfg.DVDCapacity
		}
		if capacity == 0 {
			return nil, pacscache.Invalid("capacity", "DVD capacity is not configured")
		}
	case HardDisk, USB:
		capacity = 0
	default:
		return nil, pacscache.Invalid("device", "unknown device %q", kind)
	}
	return &Selection{kind: kind, capacity: capacity}, nil
}

// AddStudy appends a cached study to sel and pins it. A study that would
// overflow the device is rejected with DeviceOverflow and sel is unchanged.
func (p *Packer) AddStudy(ctx context.Context, sel *Selection, studyUID string) error {
	if err := pacscache.ValidateUID("study_uid", studyUID); err != nil {
		return err
	}

	sel.mu.Lock()
	defer sel.mu.Unlock()
	if err := sel.checkOpen(); err != nil {
		return err
	}
	if sel.indexOf(studyUID) >= 0 {
		return fmt.Errorf("study %s is already selected: %w", studyUID, pacscache.ErrDuplicate)
	}

	entry, err := p.cache.Get(ctx, studyUID)
	if err != nil {
		return err
	}
	if sel.capacity > 0 && sel.size+entry.Size > sel.capacity {
		return &pacscache.CapacityError{
			Kind:      pacscache.DeviceOverflow,
			Requested: entry.Size,
			Available: sel.capacity - sel.size,
		}
	}
	if err := p.cache.Pin(ctx, studyUID); err != nil {
		return err
	}

	sel.studies = append(sel.studies, selectedStudy{uid: studyUID, size: entry.Size})
	sel.size += entry.Size
	p.logger.Debug("selected study", "study_uid", studyUID, "bytes", entry.Size, "selection_bytes", sel.size)
	return nil
}

// RemoveStudy drops a study from sel and unpins it.
func (p *Packer) RemoveStudy(sel *Selection, studyUID string) error {
	sel.mu.Lock()
	defer sel.mu.Unlock()
	if err := sel.checkOpen(); err != nil {
		return err
	}
	i := sel.indexOf(studyUID)
	if i < 0 {
		return fmt.Errorf("study %s is not selected: %w", studyUID, pacscache.ErrNotFound)
	}
	sel.size -= sel.studies[i].size
	sel.studies = append(sel.studies[:i], sel.studies[i+1:]...)
	p.cache.Unpin(studyUID)
	return nil
}

// Close abandons sel and releases its pins.
func (p *Packer) Close(sel *Selection) {
	sel.mu.Lock()
	defer sel.mu.Unlock()
	p.closeLocked(sel)
}

func (p *Packer) closeLocked(sel *Selection) {
	if sel.closed {
		return
	}
	for _, st := range sel.studies {
		p.cache.Unpin(st.uid)
	}
	sel.closed = true
}

// Result describes a committed export.
type Result struct {
	Device      DeviceKind    `json:"device"`
	Destination string        `json:"destination"`
	Studies     int           `json:"studies"`
	Series      int           `json:"series"`
	Instances   int           `json:"instances"`
	Bytes       int64         `json:"bytes"`
	Anonymized  bool          `json:"anonymized,omitempty"`
	Duration    time.Duration `json:"duration"`

	// NonCompliant lists the file IDs of instances that are not DICOM Part-10
	// files. They are exported but flagged.
	NonCompliant []string `json:"non_compliant,omitempty"`
}

type commitOptions struct {
	anonymize bool
}

// CommitOption configures a single Commit.
type CommitOption func(*commitOptions)

// Anonymize replaces the patient name with "Anonymous" and the patient and
// study IDs with "99999", both in the DICOMDIR records and in the exported
// Part-10 files, and drops private attributes from those files.
func Anonymize() CommitOption {
	return func(o *commitOptions) {
		o.anonymize = true
	}
}

// Commit writes sel to dest: a directory for hard disks and USB drives, an
// image file for CDs and DVDs. Sizes are re-read from the cache, so a study
// that grew since it was selected can still overflow the device here. A
// destination that already holds an export is only replaced, and a missing
// destination directory only created, when confirm approves. Once staging
// begins the selection is consumed and its pins released, whatever the
// outcome.
func (p *Packer) Commit(ctx context.Context, sel *Selection, dest string, confirm pacscache.Confirm, opts ...CommitOption) (*Result, error) {
	start := time.Now()

	var o commitOptions
	for _, opt := range opts {
		opt(&o)
	}

	sel.mu.Lock()
	defer sel.mu.Unlock()
	if err := sel.checkOpen(); err != nil {
		return nil, err
	}
	if len(sel.studies) == 0 {
		return nil, pacscache.Invalid("selection", "no studies selected")
	}
	if dest == "" {
		return nil, pacscache.Invalid("destination", "must not be empty")
	}
	dest, err := filepath.Abs(dest)
	if err != nil {
		return nil, pacscache.Invalid("destination", "%v", err)
	}

	studies, err := p.plan(ctx, sel, o)
	if err != nil {
		return nil, err
	}
	if err := p.checkSpace(ctx, sel, dest); err != nil {
		return nil, err
	}
	if err := p.confirmDestination(ctx, sel.kind, dest, confirm); err != nil {
		return nil, err
	}

	defer p.closeLocked(sel)

	p.logger.Info("exporting studies",
		"device", sel.kind,
		"destination", dest,
		"studies", len(sel.studies),
		"bytes", sel.size,
		"anonymize", o.anonymize,
	)

	result, err := p.commit(ctx, sel, studies, dest, o)
	outcome := "success"
	if err != nil {
		outcome = "error"
		if errors.Is(err, context.Canceled) {
			outcome = "cancelled"
		}
	}
	var nonCompliant int
	if result != nil {
		result.Duration = time.Since(start)
		nonCompliant = len(result.NonCompliant)
	}
	telemetry.RecordExport(ctx, string(sel.kind), outcome, sel.size, nonCompliant, time.Since(start))

	if err != nil {
		p.logger.Error("export failed", "device", sel.kind, "destination", dest, "error", err)
		return nil, err
	}
	p.logger.Info("exported studies",
		"device", sel.kind,
		"destination", dest,
		"instances", result.Instances,
		"non_compliant", nonCompliant,
		"duration", result.Duration,
	)
	return result, nil
}

// confirmDestination asks before replacing an existing export or creating
// a missing export directory.
func (p *Packer) confirmDestination(ctx context.Context, kind DeviceKind, dest string, confirm pacscache.Confirm) error {
	existing := dest
	if kind.PathDefined() {
		existing = filepath.Join(dest, DICOMDirFile)
	}
	if _, err := os.Stat(existing); err == nil {
		if !confirm.Ask(ctx, fmt.Sprintf("%s already holds an export. Overwrite it?", dest)) {
			return fmt.Errorf("overwriting %s: %w", dest, pacscache.ErrNotConfirmed)
		}
		return nil
	}
	if !kind.PathDefined() {
		return nil
	}
	if _, err := os.Stat(dest); errors.Is(err, fs.ErrNotExist) {
		if !confirm.Ask(ctx, fmt.Sprintf("The DICOMDIR directory %s doesn't exist. Create it?", dest)) {
			return fmt.Errorf("creating %s: %w", dest, pacscache.ErrNotConfirmed)
		}
	}
	return nil
}

// checkSpace verifies the selection fits the device, and that the
// destination of a path-defined device and the staging area can hold it.
func (p *Packer) checkSpace(ctx context.Context, sel *Selection, dest string) error {
	need := uint64(sel.size)
	if sel.capacity > 0 && sel.size > sel.capacity {
		return &pacscache.CapacityError{Kind: pacscache.DeviceOverflow, Requested: sel.size, Available: sel.capacity}
	}
	if sel.kind.PathDefined() {
		free, err := p.freeSpace(ctx, dest)
		if err != nil {
			return pacscache.NewProcessError(pacscache.IOFailed, "check destination", err)
		}
		if free < need {
			return &pacscache.CapacityError{Kind: pacscache.DeviceOverflow, Requested: sel.size, Available: int64(free)}
		}
	}
	free, err := p.freeSpace(ctx, p.cfg.StagingDir)
	if err != nil {
		return pacscache.NewProcessError(pacscache.IOFailed, "check staging", err)
	}
	if free < need {
		return &pacscache.CapacityError{Kind: pacscache.InsufficientSpace, Requested: sel.size, Available: int64(free)}
	}
	return nil
}

func (p *Packer) commit(ctx context.Context, sel *Selection, studies []*stagedStudy, dest string, o commitOptions) (*Result, error) {
	staging, err := os.MkdirTemp(p.cfg.StagingDir, "dicomdir-*")
	if err != nil {
		return nil, pacscache.NewProcessError(pacscache.IOFailed, "create staging", err)
	}
	defer func() {
		if err := os.RemoveAll(staging); err != nil {
			p.logger.Warn("removing staging directory", "path", staging, "error", err)
		}
	}()

	result := &Result{Device: sel.kind, Destination: dest, Studies: len(studies), Anonymized: o.anonymize}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.CopyConcurrency)
	for _, st := range studies {
		result.Series += len(st.Series)
		for _, se := range st.Series {
			for _, im := range se.Images {
				result.Instances++
				im.Path = filepath.Join(staging, im.rel)
				g.Go(func() error {
					return p.stageImage(gctx, im, o.anonymize)
				})
			}
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, st := range studies {
		for _, se := range st.Series {
			for _, im := range se.Images {
				result.Bytes += im.Size
				if !im.Compliant {
					result.NonCompliant = append(result.NonCompliant, im.FileID)
					p.logger.Warn("instance is not a DICOM file", "study_uid", st.StudyUID, "sop_instance_uid", im.SOPInstanceUID, "file_id", im.FileID)
				}
			}
		}
	}
	// Staged copies are what reach the medium.
	if sel.capacity > 0 && result.Bytes > sel.capacity {
		return nil, &pacscache.CapacityError{Kind: pacscache.DeviceOverflow, Requested: result.Bytes, Available: sel.capacity}
	}

	data, err := encodeDICOMDIR(buildRecords(studies))
	if err != nil {
		return nil, pacscache.NewProcessError(pacscache.IOFailed, "encode DICOMDIR", err)
	}
	if err := os.WriteFile(filepath.Join(staging, DICOMDirFile), data, 0o644); err != nil {
		return nil, pacscache.NewProcessError(pacscache.IOFailed, "write DICOMDIR", err)
	}

	writer, ok := p.writers[sel.kind]
	if !ok {
		return nil, fmt.Errorf("no media writer for %s", sel.kind)
	}
	if err := writer.Write(ctx, staging, dest); err != nil {
		return nil, err
	}
	return result, nil
}

type stagedImage struct {
	SOPInstanceUID string
	Key            string
	Size           int64
	FileID         string
	Path           string

	Meta      instanceMeta
	Compliant bool

	rel string
}

type stagedSeries struct {
	SeriesUID string
	Images    []*stagedImage
}

type stagedStudy struct {
	StudyUID    string
	Dir         string
	StudyID     string
	PatientID   string
	PatientName string
	StudyDate   string
	Description string
	Series      []*stagedSeries
}

// plan lists the instances the cache holds for every selected study and
// assigns each its ISO-9660 safe path DICOM/STnnnnnn/SEnnnnnn/IMnnnnnn. The
// selection's sizes are updated to match. Callers hold sel.mu.
func (p *Packer) plan(ctx context.Context, sel *Selection, o commitOptions) ([]*stagedStudy, error) {
	studies := make([]*stagedStudy, 0, len(sel.studies))
	var total int64
	for i := range sel.studies {
		s := &sel.studies[i]
		entry, err := p.cache.Get(ctx, s.uid)
		if err != nil {
			return nil, err
		}
		files, err := p.cache.Files(ctx, s.uid)
		if err != nil {
			return nil, err
		}

		st := &stagedStudy{
			StudyUID:    entry.StudyUID,
			Dir:         fmt.Sprintf("ST%06d", i),
			PatientID:   entry.PatientID,
			PatientName: entry.PatientName,
			StudyDate:   entry.StudyDate,
			Description: entry.Description,
		}
		st.StudyID = st.Dir
		if o.anonymize {
			st.PatientName = anonymousName
			st.PatientID = anonymousID
			st.StudyID = anonymousID
		}

		var size int64
		var se *stagedSeries
		for _, f := range files {
			if se == nil || se.SeriesUID != f.SeriesUID {
				se = &stagedSeries{SeriesUID: f.SeriesUID}
				st.Series = append(st.Series, se)
			}
			seDir := fmt.Sprintf("SE%06d", len(st.Series)-1)
			imName := fmt.Sprintf("IM%06d", len(se.Images))
			se.Images = append(se.Images, &stagedImage{
				SOPInstanceUID: f.SOPInstanceUID,
				Key:            f.Key,
				Size:           f.Size,
				FileID:         dicomDirName + `\` + st.Dir + `\` + seDir + `\` + imName,
				rel:            filepath.Join(dicomDirName, st.Dir, seDir, imName),
			})
			size += f.Size
		}
		if size != s.size {
			p.logger.Debug("selected study changed size", "study_uid", s.uid, "selected_bytes", s.size, "bytes", size)
			s.size = size
		}
		total += size
		studies = append(studies, st)
	}
	sel.size = total
	return studies, nil
}

// stageImage copies one instance into staging, verifies the copy against
// the BLAKE3 digest of what was read and sniffs whether it is DICOM.
func (p *Packer) stageImage(ctx context.Context, im *stagedImage, anonymize bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	rc, err := p.cache.OpenFile(ctx, im.Key)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	if err := os.MkdirAll(filepath.Dir(im.Path), 0o755); err != nil {
		return pacscache.NewProcessError(pacscache.IOFailed, "stage instance", err)
	}
	f, err := os.Create(im.Path)
	if err != nil {
		return pacscache.NewProcessError(pacscache.IOFailed, "stage instance", err)
	}
	src := pacscache.NewHashingReader(rc)
	_, err = io.Copy(f, src)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return pacscache.NewProcessError(pacscache.IOFailed, "stage instance", err)
	}

	got, n, err := pacscache.HashFile(im.Path)
	if err != nil {
		return pacscache.NewProcessError(pacscache.IOFailed, "verify instance", err)
	}
	if got != src.Sum() || n != src.BytesRead() {
		return pacscache.NewProcessError(pacscache.IOFailed, "verify instance",
			fmt.Errorf("copy of %s does not match the cached instance", im.SOPInstanceUID))
	}
	im.Size = n

	mt, err := mimetype.DetectFile(im.Path)
	if err != nil {
		return pacscache.NewProcessError(pacscache.IOFailed, "sniff instance", err)
	}
	if !mt.Is(dicomMIME) {
		return nil
	}
	meta, ok, err := readInstanceMeta(im.Path)
	if err != nil {
		return pacscache.NewProcessError(pacscache.IOFailed, "read instance meta", err)
	}
	im.Meta = meta
	im.Compliant = ok
	if !ok || !anonymize {
		return nil
	}
	n, err = anonymizeFile(im.Path)
	if err != nil {
		return pacscache.NewProcessError(pacscache.IOFailed, "anonymize instance", fmt.Errorf("%s: %w", im.SOPInstanceUID, err))
	}
	im.Size = n
	return nil
}
