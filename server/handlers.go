package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"

	pacscache "github.com/wolfeidau/pacs-cache"
	"github.com/wolfeidau/pacs-cache/cache"
	"github.com/wolfeidau/pacs-cache/queue"
	"github.com/wolfeidau/pacs-cache/telemetry"
)

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 1 << 20

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err onto a status code by its error family.
func writeError(w http.ResponseWriter, err error) {
	status, kind := statusFor(err)
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind})
}

func statusFor(err error) (int, string) {
	var (
		capErr *pacscache.CapacityError
		netErr *pacscache.NetworkError
	)
	switch {
	case pacscache.IsValidation(err):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, pacscache.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, pacscache.ErrInUse):
		return http.StatusConflict, "in_use"
	case errors.Is(err, pacscache.ErrDuplicate):
		return http.StatusConflict, "duplicate"
	case errors.Is(err, pacscache.ErrLocked):
		return http.StatusConflict, "locked"
	case errors.As(err, &capErr):
		return http.StatusInsufficientStorage, string(capErr.Kind)
	case errors.As(err, &netErr):
		return http.StatusBadGateway, string(netErr.Kind)
	case errors.Is(err, pacscache.ErrCorrupted), errors.Is(err, pacscache.ErrNotConnected),
		errors.Is(err, queue.ErrClosed):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, ""
	}
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// operationResponse adds the failure text, which Operation keeps as an error.
type operationResponse struct {
	queue.Operation
	Error string `json:"error,omitempty"`
}

func toResponse(op queue.Operation) operationResponse {
	resp := operationResponse{Operation: op}
	if op.Err != nil {
		resp.Error = op.Err.Error()
	}
	return resp
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "submit")

	var req queue.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, pacscache.Invalid("", "decoding request: %v", err))
		return
	}

	h, err := s.queue.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	telemetry.SetOperationID(r, h.ID)

	op, err := h.Operation()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/operations/"+h.ID)
	writeJSON(w, http.StatusAccepted, toResponse(op))
}

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "list")

	ops := s.queue.List()
	resp := make([]operationResponse, len(ops))
	for i, op := range ops {
		resp[i] = toResponse(op)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "get")
	id := r.PathValue("id")
	telemetry.SetOperationID(r, id)

	op, err := s.queue.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(op))
}

func (s *Server) handleCancelOperation(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "cancel")
	id := r.PathValue("id")
	telemetry.SetOperationID(r, id)

	if err := s.queue.Cancel(id); err != nil {
		writeError(w, err)
		return
	}
	op, err := s.queue.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toResponse(op))
}

func (s *Server) handleClearOperations(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "clear")
	writeJSON(w, http.StatusOK, map[string]int{"removed": s.queue.Clear()})
}

// handleOperationEvents streams state changes as server-sent events, starting
// with the current state, until the operation finishes or the client leaves.
func (s *Server) handleOperationEvents(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "events")
	id := r.PathValue("id")
	telemetry.SetOperationID(r, id)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errors.New("streaming not supported"))
		return
	}

	events, err := s.queue.Subscribe(r.Context(), id, true)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Error("encoding event", "operation_id", id, "error", err)
			return
		}
		if _, err := fmt.Fprintf(w, "event: state\ndata: %s\n\n", data); err != nil {
			return
		}
		flusher.Flush()
	}
}

// usageResponse is cache occupancy with human readable sizes.
type usageResponse struct {
	cache.Usage
	Available int64  `json:"free_bytes"`
	Used      string `json:"used"`
	Max       string `json:"max"`
	Free      string `json:"free"`
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "usage")

	u, err := s.cache.Usage(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usageResponse{
		Usage:     u,
		Available: u.FreeBytes(),
		Used:      humanize.IBytes(uint64(u.UsedBytes)),
		Max:       humanize.IBytes(uint64(u.MaxBytes)),
		Free:      humanize.IBytes(uint64(u.FreeBytes())),
	})
}

// studyResponse is a cached study as reported by the API.
type studyResponse struct {
	StudyUID     string    `json:"study_uid"`
	PatientID    string    `json:"patient_id,omitempty"`
	PatientName  string    `json:"patient_name,omitempty"`
	StudyDate    string    `json:"study_date,omitempty"`
	Description  string    `json:"description,omitempty"`
	Instances    int       `json:"instances"`
	Size         int64     `json:"size"`
	SizeHuman    string    `json:"size_human"`
	StoredAt     time.Time `json:"stored_at"`
	LastViewedAt time.Time `json:"last_viewed_at"`
	Pinned       bool      `json:"pinned"`
}

func (s *Server) toStudy(e *cache.Entry) studyResponse {
	return studyResponse{
		StudyUID:     e.StudyUID,
		PatientID:    e.PatientID,
		PatientName:  e.PatientName,
		StudyDate:    e.StudyDate,
		Description:  e.Description,
		Instances:    e.Instances,
		Size:         e.Size,
		SizeHuman:    humanize.IBytes(uint64(e.Size)),
		StoredAt:     e.StoredAt,
		LastViewedAt: e.LastViewedAt,
		Pinned:       s.cache.Pinned(e.StudyUID),
	}
}

func (s *Server) handleListStudies(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "studies")

	entries, err := s.cache.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	resp := make([]studyResponse, len(entries))
	for i, e := range entries {
		resp[i] = s.toStudy(e)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteStudy(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "delete")

	entry, err := s.cache.Remove(r.Context(), r.PathValue("uid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"study_uid":   entry.StudyUID,
		"bytes_freed": entry.Size,
	})
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "compact")

	result, err := s.cache.Compact(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleSweep runs a retention sweep now, through the expiry manager when
// there is one so its last-run record stays current.
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "sweep")

	if s.expiryMgr != nil {
		result := s.expiryMgr.RunOnce(r.Context())
		if result == nil {
			writeError(w, errors.New("retention sweep failed"))
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}
	result, err := s.cache.Sweep(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "list")
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleTestNode(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "test")

	result, err := s.registry.Test(r.Context(), r.PathValue("ae"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
