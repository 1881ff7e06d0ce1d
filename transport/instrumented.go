package transport

import (
	"context"
	"errors"
	"strings"
	"time"

	pacscache "github.com/wolfeidau/pacs-cache"
	"github.com/wolfeidau/pacs-cache/registry"
	"github.com/wolfeidau/pacs-cache/telemetry"
)

// Instrumented records metrics for every call to the wrapped Transport and
// classifies its errors.
type Instrumented struct {
	next Transport
}

// NewInstrumented wraps t.
func NewInstrumented(t Transport) *Instrumented {
	return &Instrumented{next: t}
}

func (i *Instrumented) Echo(ctx context.Context, node registry.Node) error {
	start := time.Now()
	err := Classify("echo", i.next.Echo(ctx, node))
	telemetry.RecordTransportCall(ctx, "echo", outcome(err), time.Since(start), 0)
	return err
}

func (i *Instrumented) Query(ctx context.Context, node registry.Node, req QueryRequest) ([]StudyRecord, error) {
	start := time.Now()
	records, err := i.next.Query(ctx, node, req)
	err = Classify("query", err)
	telemetry.RecordTransportCall(ctx, "query", outcome(err), time.Since(start), 0)
	return records, err
}

func (i *Instrumented) Retrieve(ctx context.Context, node registry.Node, req RetrieveRequest, sink Sink) (*RetrieveResult, error) {
	start := time.Now()
	res, err := i.next.Retrieve(ctx, node, req, sink)
	err = Classify("retrieve", err)
	var n int64
	if res != nil {
		n = res.Bytes
	}
	telemetry.RecordTransportCall(ctx, "retrieve", outcome(err), time.Since(start), n)
	return res, err
}

func (i *Instrumented) Store(ctx context.Context, node registry.Node, study StudyRecord, instances []StoreInstance) (int64, error) {
	start := time.Now()
	n, err := i.next.Store(ctx, node, study, instances)
	err = Classify("store", err)
	telemetry.RecordTransportCall(ctx, "store", outcome(err), time.Since(start), n)
	return n, err
}

// RetrieveSize forwards to the wrapped transport when it implements Sizer.
func (i *Instrumented) RetrieveSize(ctx context.Context, node registry.Node, req RetrieveRequest) (int64, error) {
	sizer, ok := i.next.(Sizer)
	if !ok {
		return 0, errors.ErrUnsupported
	}
	return sizer.RetrieveSize(ctx, node, req)
}

// Unwrap returns the wrapped transport.
func (i *Instrumented) Unwrap() Transport {
	return i.next
}

func outcome(err error) string {
	var netErr *pacscache.NetworkError
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.As(err, &netErr):
		return strings.ReplaceAll(string(netErr.Kind), " ", "_")
	default:
		return "error"
	}
}

var (
	_ Transport = (*Instrumented)(nil)
	_ Sizer     = (*Instrumented)(nil)
)
