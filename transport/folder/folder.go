// Package folder implements transport.Transport over a directory tree, one
// subdirectory per archive AE title:
//
//	<root>/<ae_title>/<study_uid>/study.yaml
//	<root>/<ae_title>/<study_uid>/<series_uid>/<sop_instance_uid>.dcm
//
// It serves offline archives and tests.
package folder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charlievieth/fastwalk"
	"github.com/goccy/go-yaml"

	pacscache "github.com/wolfeidau/pacs-cache"
	"github.com/wolfeidau/pacs-cache/registry"
	"github.com/wolfeidau/pacs-cache/transport"
)

const (
	metaFileName = "study.yaml"
	instanceExt  = ".dcm"
)

// Option configures an Archive.
type Option func(*Archive)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Archive) {
		a.logger = logger
	}
}

// WithInstanceDelay pauses before each transferred instance.
func WithInstanceDelay(d time.Duration) Option {
	return func(a *Archive) {
		a.delay = d
	}
}

// Archive is a folder backed transport.
type Archive struct {
	root   string
	logger *slog.Logger
	delay  time.Duration

	// mu serialises writers to the tree.
	mu sync.Mutex
}

// New returns an archive rooted at root. The directory need not exist yet;
// until it does every call fails as unreachable.
func New(root string, opts ...Option) *Archive {
	a := &Archive{root: root, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "folder_transport")
	return a
}

// aeDir resolves the directory serving node.
func (a *Archive) aeDir(op string, node registry.Node) (string, error) {
	info, err := os.Stat(a.root)
	if err != nil || !info.IsDir() {
		return "", pacscache.NewNetworkError(pacscache.Unreachable, op, fmt.Errorf("archive %s is not available", a.root))
	}
	dir := filepath.Join(a.root, node.AETitle)
	info, err = os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", pacscache.NewNetworkError(pacscache.ProtocolMismatch, op, fmt.Errorf("called AE title %q not recognized", node.AETitle))
	}
	return dir, nil
}

func (a *Archive) Echo(_ context.Context, node registry.Node) error {
	_, err := a.aeDir("echo", node)
	return err
}

func (a *Archive) Query(ctx context.Context, node registry.Node, req transport.QueryRequest) ([]transport.StudyRecord, error) {
	dir, err := a.aeDir("query", node)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, pacscache.NewNetworkError(pacscache.Protocol, "query", err)
	}

	var records []transport.StudyRecord
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.IsDir() || pacscache.ValidateUID("study_uid", e.Name()) != nil {
			continue
		}
		rec, err := a.readStudy(ctx, filepath.Join(dir, e.Name()), e.Name())
		if err != nil {
			return nil, pacscache.NewNetworkError(pacscache.Protocol, "query", err)
		}
		if matches(req, rec) {
			records = append(records, rec)
		}
	}
	return records, nil
}

func matches(req transport.QueryRequest, rec transport.StudyRecord) bool {
	return matchField(req.StudyUID, rec.StudyUID) &&
		matchField(req.PatientID, rec.PatientID) &&
		matchField(req.PatientName, rec.PatientName) &&
		matchField(req.StudyDate, rec.StudyDate)
}

// matchField applies an exact match, or a case-insensitive prefix match when
// pattern ends in '*'.
func matchField(pattern, value string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(strings.ToUpper(value), strings.ToUpper(prefix))
	}
	return pattern == value
}

type instanceFile struct {
	path      string
	seriesUID string
	sopUID    string
	size      int64
}

// readStudy loads study.yaml and totals the instances of studyDir.
func (a *Archive) readStudy(ctx context.Context, studyDir, studyUID string) (transport.StudyRecord, error) {
	rec := transport.StudyRecord{}
	data, err := os.ReadFile(filepath.Join(studyDir, metaFileName))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &rec); err != nil {
			return rec, fmt.Errorf("parsing %s metadata: %w", studyUID, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return rec, fmt.Errorf("reading %s metadata: %w", studyUID, err)
	}
	rec.StudyUID = studyUID

	files, err := a.listInstances(ctx, studyDir, "")
	if err != nil {
		return rec, err
	}
	series := make(map[string]bool)
	for _, f := range files {
		series[f.seriesUID] = true
		rec.Size += f.size
	}
	rec.Series = len(series)
	rec.Instances = len(files)
	return rec, nil
}

// listInstances returns the instance files of a study ordered by series and
// SOP instance UID, optionally limited to one series.
func (a *Archive) listInstances(ctx context.Context, studyDir, seriesUID string) ([]instanceFile, error) {
	root := studyDir
	if seriesUID != "" {
		root = filepath.Join(studyDir, seriesUID)
		if _, err := os.Stat(root); err != nil {
			return nil, nil
		}
	}

	var mu sync.Mutex
	var files []instanceFile
	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, root, func(p string, d os.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), instanceExt) {
			return nil
		}
		rel, err := filepath.Rel(studyDir, p)
		if err != nil {
			return err
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) != 2 {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		mu.Lock()
		defer mu.Unlock()
		files = append(files, instanceFile{
			path:      p,
			seriesUID: parts[0],
			sopUID:    strings.TrimSuffix(parts[1], instanceExt),
			size:      info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", studyDir, err)
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].seriesUID != files[j].seriesUID {
			return files[i].seriesUID < files[j].seriesUID
		}
		return files[i].sopUID < files[j].sopUID
	})
	return files, nil
}

func (a *Archive) studyDir(op string, node registry.Node, studyUID string) (string, error) {
	dir, err := a.aeDir(op, node)
	if err != nil {
		return "", err
	}
	studyDir := filepath.Join(dir, studyUID)
	if _, err := os.Stat(studyDir); err != nil {
		return "", pacscache.NewNetworkError(pacscache.Protocol, op, fmt.Errorf("study %s: %w", studyUID, pacscache.ErrNotFound))
	}
	return studyDir, nil
}

// RetrieveSize totals the instance sizes of a retrieval.
func (a *Archive) RetrieveSize(ctx context.Context, node registry.Node, req transport.RetrieveRequest) (int64, error) {
	studyDir, err := a.studyDir("retrieve size", node, req.StudyUID)
	if err != nil {
		return 0, err
	}
	files, err := a.listInstances(ctx, studyDir, req.SeriesUID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, f := range files {
		total += f.size
	}
	return total, nil
}

func (a *Archive) Retrieve(ctx context.Context, node registry.Node, req transport.RetrieveRequest, sink transport.Sink) (*transport.RetrieveResult, error) {
	studyDir, err := a.studyDir("retrieve", node, req.StudyUID)
	if err != nil {
		return nil, err
	}
	rec, err := a.readStudy(ctx, studyDir, req.StudyUID)
	if err != nil {
		return nil, pacscache.NewNetworkError(pacscache.Protocol, "retrieve", err)
	}
	files, err := a.listInstances(ctx, studyDir, req.SeriesUID)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, pacscache.NewNetworkError(pacscache.Protocol, "retrieve", fmt.Errorf("no instances match %s/%s", req.StudyUID, req.SeriesUID))
	}

	result := &transport.RetrieveResult{Study: rec}
	for _, f := range files {
		if err := a.pause(ctx); err != nil {
			return result, err
		}
		n, err := a.sendFile(ctx, f, sink)
		if err != nil {
			return result, err
		}
		result.Instances++
		result.Bytes += n
	}

	a.logger.Debug("retrieved study",
		"ae_title", node.AETitle,
		"study_uid", req.StudyUID,
		"series_uid", req.SeriesUID,
		"instances", result.Instances,
		"bytes", result.Bytes,
	)
	return result, nil
}

func (a *Archive) sendFile(ctx context.Context, f instanceFile, sink transport.Sink) (int64, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return 0, pacscache.NewNetworkError(pacscache.Protocol, "retrieve", err)
	}
	defer file.Close()
	return sink.Put(ctx, f.seriesUID, f.sopUID, file)
}

func (a *Archive) Store(ctx context.Context, node registry.Node, study transport.StudyRecord, instances []transport.StoreInstance) (int64, error) {
	dir, err := a.aeDir("store", node)
	if err != nil {
		return 0, err
	}
	if err := pacscache.ValidateUID("study_uid", study.StudyUID); err != nil {
		return 0, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	studyDir := filepath.Join(dir, study.StudyUID)
	var total int64
	for _, inst := range instances {
		if err := a.pause(ctx); err != nil {
			return total, err
		}
		n, err := a.receiveFile(ctx, filepath.Join(studyDir, inst.SeriesUID, inst.SOPInstanceUID+instanceExt), inst)
		if err != nil {
			return total, err
		}
		total += n
	}

	if _, err := os.Stat(filepath.Join(studyDir, metaFileName)); errors.Is(err, fs.ErrNotExist) {
		data, err := yaml.Marshal(study)
		if err != nil {
			return total, fmt.Errorf("encoding study metadata: %w", err)
		}
		if err := os.WriteFile(filepath.Join(studyDir, metaFileName), data, 0o644); err != nil {
			return total, pacscache.NewNetworkError(pacscache.Protocol, "store", err)
		}
	}

	a.logger.Debug("stored study", "ae_title", node.AETitle, "study_uid", study.StudyUID, "instances", len(instances), "bytes", total)
	return total, nil
}

// receiveFile writes one stored instance via a temp file and rename.
func (a *Archive) receiveFile(ctx context.Context, dst string, inst transport.StoreInstance) (int64, error) {
	src, err := inst.Open(ctx)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", inst.SOPInstanceUID, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, pacscache.NewNetworkError(pacscache.Protocol, "store", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return 0, pacscache.NewNetworkError(pacscache.Protocol, "store", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	n, err := io.Copy(tmp, src)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, pacscache.NewNetworkError(pacscache.Protocol, "store", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return 0, pacscache.NewNetworkError(pacscache.Protocol, "store", err)
	}
	return n, nil
}

func (a *Archive) pause(ctx context.Context) error {
	if a.delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(a.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var (
	_ transport.Transport = (*Archive)(nil)
	_ transport.Sizer     = (*Archive)(nil)
)
