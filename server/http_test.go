package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pacscache "github.com/wolfeidau/pacs-cache"
	"github.com/wolfeidau/pacs-cache/cache"
	"github.com/wolfeidau/pacs-cache/expiry"
	"github.com/wolfeidau/pacs-cache/queue"
	"github.com/wolfeidau/pacs-cache/registry"
	"github.com/wolfeidau/pacs-cache/transport"
	"github.com/wolfeidau/pacs-cache/transport/folder"
)

type testServer struct {
	*httptest.Server
	store *cache.Store
}

func writeInstance(t *testing.T, root, ae, study, series, sop, body string) {
	t.Helper()
	dir := filepath.Join(root, ae, study, series)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, sop+".dcm"), []byte(body), 0o644))
}

// newTestServer serves an archive holding study 1.2.3 (three instances, 14
// bytes) through nodes ARCHIVE (default) and GHOST, which the archive does
// not recognise.
func newTestServer(t *testing.T, cfg Config, opts ...folder.Option) *testServer {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	archiveDir := filepath.Join(t.TempDir(), "archive")
	writeInstance(t, archiveDir, "ARCHIVE", "1.2.3", "1.2.3.1", "1.2.3.1.1", "alpha")
	writeInstance(t, archiveDir, "ARCHIVE", "1.2.3", "1.2.3.1", "1.2.3.1.2", "beta")
	writeInstance(t, archiveDir, "ARCHIVE", "1.2.3", "1.2.3.2", "1.2.3.2.1", "gamma")
	archive := folder.New(archiveDir, append([]folder.Option{folder.WithLogger(logger)}, opts...)...)

	store, err := cache.Open(ctx, cache.Config{
		Dir:         t.TempDir(),
		MaxSize:     1 << 20,
		LockTimeout: 50 * time.Millisecond,
		NoSync:      true,
	}, cache.WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := registry.New(registry.WithLogger(logger), registry.WithProber(archive))
	for _, ae := range []string{"ARCHIVE", "GHOST"} {
		require.NoError(t, reg.Add(registry.Node{AETitle: ae, Address: "localhost", Port: 104, Institution: "Test"}))
	}
	require.NoError(t, reg.SetDefault("ARCHIVE"))

	q, err := queue.New(queue.Config{MaxConcurrent: 2, Logger: logger}, store, reg, transport.NewInstrumented(archive))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Close(ctx)
	})

	cfg.Logger = logger
	srv, err := New(cfg, Components{
		Queue:    q,
		Cache:    store,
		Registry: reg,
		Expiry:   expiry.NewManager(store, expiry.Config{Logger: logger}),
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, store: store}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.URL+path, r)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (ts *testServer) waitTerminal(t *testing.T, id string) operationResponse {
	t.Helper()
	var op operationResponse
	require.Eventually(t, func() bool {
		resp := ts.do(t, http.MethodGet, "/operations/"+id, "")
		if resp.StatusCode != http.StatusOK {
			return false
		}
		op = decode[operationResponse](t, resp)
		return op.State.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return op
}

func TestNew_RequiresComponents(t *testing.T) {
	_, err := New(Config{}, Components{})
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, Config{})

	resp := ts.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestOperations_RetrieveLifecycle(t *testing.T) {
	ts := newTestServer(t, Config{})

	resp := ts.do(t, http.MethodPost, "/operations", `{"direction":"retrieve","study_uid":"1.2.3"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	submitted := decode[operationResponse](t, resp)
	require.NotEmpty(t, submitted.ID)
	assert.Equal(t, "/operations/"+submitted.ID, resp.Header.Get("Location"))
	assert.Equal(t, "ARCHIVE", submitted.Target)

	op := ts.waitTerminal(t, submitted.ID)
	require.Equal(t, queue.Retrieved, op.State, op.Error)
	assert.Equal(t, 3, op.Instances)
	assert.EqualValues(t, 14, op.Bytes)

	resp = ts.do(t, http.MethodGet, "/operations", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ops := decode[[]operationResponse](t, resp)
	require.Len(t, ops, 1)

	resp = ts.do(t, http.MethodGet, "/cache/studies", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	studies := decode[[]studyResponse](t, resp)
	require.Len(t, studies, 1)
	assert.Equal(t, "1.2.3", studies[0].StudyUID)
	assert.EqualValues(t, 14, studies[0].Size)
	assert.Equal(t, "14 B", studies[0].SizeHuman)
	assert.False(t, studies[0].Pinned)

	resp = ts.do(t, http.MethodGet, "/cache", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	usage := decode[map[string]any](t, resp)
	assert.EqualValues(t, 14, usage["used_bytes"])
	assert.EqualValues(t, 1, usage["entries"])
	assert.Equal(t, "1.0 MiB", usage["max"])

	resp = ts.do(t, http.MethodPost, "/operations/clear", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, decode[map[string]int](t, resp)["removed"])

	resp = ts.do(t, http.MethodDelete, "/cache/studies/1.2.3", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	deleted := decode[map[string]any](t, resp)
	assert.EqualValues(t, 14, deleted["bytes_freed"])

	resp = ts.do(t, http.MethodDelete, "/cache/studies/1.2.3", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOperations_SubmitErrors(t *testing.T) {
	ts := newTestServer(t, Config{})

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{"direction":`, http.StatusBadRequest},
		{"unknown field", `{"direction":"query","colour":"red"}`, http.StatusBadRequest},
		{"unknown direction", `{"direction":"move","study_uid":"1.2.3"}`, http.StatusBadRequest},
		{"missing study", `{"direction":"retrieve"}`, http.StatusBadRequest},
		{"unknown target", `{"direction":"query","targets":["NOPE"]}`, http.StatusBadRequest},
		{"store of uncached study", `{"direction":"store","study_uid":"1.2.3","targets":["ARCHIVE"]}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.do(t, http.MethodPost, "/operations", tt.body)
			require.Equal(t, tt.want, resp.StatusCode)
			body := decode[errorResponse](t, resp)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestOperations_UnknownID(t *testing.T) {
	ts := newTestServer(t, Config{})

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		resp := ts.do(t, method, "/operations/missing", "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, method)
	}
	resp := ts.do(t, http.MethodGet, "/operations/missing/events", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOperations_FailureCarriesError(t *testing.T) {
	ts := newTestServer(t, Config{})

	resp := ts.do(t, http.MethodPost, "/operations", `{"direction":"retrieve","study_uid":"1.2.3","targets":["GHOST"]}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	submitted := decode[operationResponse](t, resp)

	op := ts.waitTerminal(t, submitted.ID)
	assert.Equal(t, queue.Failed, op.State)
	assert.Contains(t, op.Message, "protocol mismatch")
	assert.NotEmpty(t, op.Error)
}

func TestOperations_Cancel(t *testing.T) {
	ts := newTestServer(t, Config{}, folder.WithInstanceDelay(time.Second))

	resp := ts.do(t, http.MethodPost, "/operations", `{"direction":"retrieve","study_uid":"1.2.3"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	submitted := decode[operationResponse](t, resp)

	resp = ts.do(t, http.MethodDelete, "/operations/"+submitted.ID, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	op := ts.waitTerminal(t, submitted.ID)
	assert.Equal(t, queue.Failed, op.State)
	assert.Equal(t, "cancelled", op.Message)
}

func TestOperations_Events(t *testing.T) {
	ts := newTestServer(t, Config{})

	resp := ts.do(t, http.MethodPost, "/operations", `{"direction":"query"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	submitted := decode[operationResponse](t, resp)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/operations/"+submitted.ID+"/events", nil)
	require.NoError(t, err)
	stream, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = stream.Body.Close() }()
	require.Equal(t, http.StatusOK, stream.StatusCode)
	assert.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	// The stream ends after the terminal event.
	var events []queue.Event
	scanner := bufio.NewScanner(stream.Body)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var ev queue.Event
		require.NoError(t, json.Unmarshal([]byte(data), &ev))
		events = append(events, ev)
	}
	require.NoError(t, scanner.Err())
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	assert.Equal(t, queue.Results, last.State)
	assert.Equal(t, submitted.ID, last.OperationID)
	for _, ev := range events[:len(events)-1] {
		assert.False(t, ev.State.Terminal(), "terminal event %s before the last", ev.State)
	}
}

func TestCacheMaintenance(t *testing.T) {
	ts := newTestServer(t, Config{})

	resp := ts.do(t, http.MethodPost, "/cache/compact", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	compact := decode[cache.CompactResult](t, resp)
	assert.Empty(t, compact.Errors)

	resp = ts.do(t, http.MethodPost, "/cache/sweep", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sweep := decode[cache.SweepResult](t, resp)
	assert.Zero(t, sweep.Removed)
}

func TestPACS(t *testing.T) {
	ts := newTestServer(t, Config{})

	resp := ts.do(t, http.MethodGet, "/pacs", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	nodes := decode[[]registry.Node](t, resp)
	require.Len(t, nodes, 2)
	assert.True(t, nodes[0].Default)

	tests := []struct {
		ae        string
		status    int
		reachable bool
		correct   bool
	}{
		{"ARCHIVE", http.StatusOK, true, true},
		{"GHOST", http.StatusOK, true, false},
		{"NOPE", http.StatusNotFound, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.ae, func(t *testing.T) {
			resp := ts.do(t, http.MethodPost, "/pacs/"+tt.ae+"/test", "")
			require.Equal(t, tt.status, resp.StatusCode)
			if tt.status != http.StatusOK {
				return
			}
			result := decode[registry.TestResult](t, resp)
			assert.Equal(t, tt.reachable, result.Reachable)
			assert.Equal(t, tt.correct, result.Correct)
		})
	}
}

func TestAuthToken_Enforced(t *testing.T) {
	ts := newTestServer(t, Config{AuthToken: "secret"})

	resp := ts.do(t, http.MethodGet, "/cache", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/cache", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	authed, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = authed.Body.Close() }()
	assert.Equal(t, http.StatusOK, authed.StatusCode)

	resp = ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"validation", pacscache.Invalid("study_uid", "required"), http.StatusBadRequest, "validation"},
		{"not found", fmt.Errorf("op x: %w", pacscache.ErrNotFound), http.StatusNotFound, "not_found"},
		{"in use", fmt.Errorf("removing: %w", pacscache.ErrInUse), http.StatusConflict, "in_use"},
		{"locked", pacscache.NewCacheError(pacscache.Locked, "open", errors.New("timeout")), http.StatusConflict, "locked"},
		{"capacity", &pacscache.CapacityError{Kind: pacscache.InsufficientSpace, Requested: 10}, http.StatusInsufficientStorage, "insufficient space"},
		{"network", pacscache.NewNetworkError(pacscache.Unreachable, "echo", errors.New("refused")), http.StatusBadGateway, "unreachable"},
		{"corrupted", pacscache.NewCacheError(pacscache.Corrupted, "get", errors.New("bad record")), http.StatusServiceUnavailable, "unavailable"},
		{"queue closed", queue.ErrClosed, http.StatusServiceUnavailable, "unavailable"},
		{"other", errors.New("boom"), http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, kind := statusFor(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.kind, kind)
		})
	}
}

func TestDeriveAPI(t *testing.T) {
	assert.Equal(t, "internal", deriveAPI("/health"))
	assert.Equal(t, "operations", deriveAPI("/operations/abc/events"))
	assert.Equal(t, "cache", deriveAPI("/cache/studies/1.2.3"))
	assert.Equal(t, "pacs", deriveAPI("/pacs/ARCHIVE/test"))
	assert.Equal(t, "unknown", deriveAPI("/"))
}
