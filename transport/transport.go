// Package transport defines the DICOM network capability the core calls.
// The wire protocol lives behind these interfaces; implementations map their
// failures onto pacscache.NetworkError kinds.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"syscall"

	pacscache "github.com/wolfeidau/pacs-cache"
	"github.com/wolfeidau/pacs-cache/registry"
)

// QueryRequest selects studies. Empty fields match anything.
type QueryRequest struct {
	StudyUID    string `json:"study_uid,omitempty"`
	PatientID   string `json:"patient_id,omitempty"`
	PatientName string `json:"patient_name,omitempty"`
	StudyDate   string `json:"study_date,omitempty"`
}

// StudyRecord is a study as reported by an archive.
type StudyRecord struct {
	StudyUID    string `json:"study_uid" yaml:"study_uid"`
	PatientID   string `json:"patient_id,omitempty" yaml:"patient_id,omitempty"`
	PatientName string `json:"patient_name,omitempty" yaml:"patient_name,omitempty"`
	StudyDate   string `json:"study_date,omitempty" yaml:"study_date,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Series      int    `json:"series" yaml:"-"`
	Instances   int    `json:"instances" yaml:"-"`
	Size        int64  `json:"size" yaml:"-"`
}

// RetrieveRequest names a study, or one series of it.
type RetrieveRequest struct {
	StudyUID  string
	SeriesUID string
}

// Sink receives retrieved instances. *cache.Reservation implements it.
type Sink interface {
	Put(ctx context.Context, seriesUID, sopUID string, body io.Reader) (int64, error)
}

// RetrieveResult summarises a retrieval.
type RetrieveResult struct {
	Study     StudyRecord
	Instances int
	Bytes     int64
}

// StoreInstance is one instance sent by Store.
type StoreInstance struct {
	SeriesUID      string
	SOPInstanceUID string
	Size           int64
	Open           func(ctx context.Context) (io.ReadCloser, error)
}

// Transport talks to remote archives. Every call honours ctx cancellation
// between instances at the latest.
type Transport interface {
	Echo(ctx context.Context, node registry.Node) error
	Query(ctx context.Context, node registry.Node, req QueryRequest) ([]StudyRecord, error)
	Retrieve(ctx context.Context, node registry.Node, req RetrieveRequest, sink Sink) (*RetrieveResult, error)
	Store(ctx context.Context, node registry.Node, study StudyRecord, instances []StoreInstance) (int64, error)
}

// Sizer is implemented by transports that can estimate a retrieval's size
// before it starts.
type Sizer interface {
	RetrieveSize(ctx context.Context, node registry.Node, req RetrieveRequest) (int64, error)
}

// Classify maps a transport failure onto a pacscache.NetworkError. Errors
// that already carry a kind pass through unchanged, as do cancellation and
// the cache, capacity and validation errors raised by the sink.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var netErr *pacscache.NetworkError
	var capErr *pacscache.CapacityError
	var cacheErr *pacscache.CacheError
	var valErr *pacscache.ValidationError
	switch {
	case errors.As(err, &netErr), errors.As(err, &capErr),
		errors.As(err, &cacheErr), errors.As(err, &valErr):
		return err
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return pacscache.NewNetworkError(pacscache.Timeout, op, err)
	}

	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return pacscache.NewNetworkError(pacscache.Timeout, op, err)
	}

	var opErr *net.OpError
	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &dnsErr),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH):
		return pacscache.NewNetworkError(pacscache.Unreachable, op, err)
	case errors.As(err, &opErr) && opErr.Op == "dial":
		return pacscache.NewNetworkError(pacscache.Unreachable, op, err)
	}

	return pacscache.NewNetworkError(pacscache.Protocol, op, err)
}

var _ registry.Prober = Transport(nil)
