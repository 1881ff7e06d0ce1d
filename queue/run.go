package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"

	pacscache "github.com/wolfeidau/pacs-cache"
	"github.com/wolfeidau/pacs-cache/cache"
	"github.com/wolfeidau/pacs-cache/transport"
)

func (q *Queue) runQuery(ctx context.Context, o *op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	filter := o.req.Filter
	if o.req.StudyUID != "" {
		filter.StudyUID = o.req.StudyUID
	}

	q.transition(o, Querying, "", nil)
	records, err := q.transport.Query(ctx, o.node, filter)
	if err != nil {
		return err
	}

	q.mu.Lock()
	o.Results = records
	q.mu.Unlock()
	q.transition(o, Results, fmt.Sprintf("%d studies found", len(records)), nil)
	return nil
}

func (q *Queue) runRetrieve(ctx context.Context, o *op) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if o.SeriesUID == "" {
		_, err := q.cache.Get(ctx, o.StudyUID)
		switch {
		case err == nil:
			if err := q.cache.Touch(ctx, o.StudyUID); err != nil {
				return err
			}
			q.transition(o, Retrieving, "", nil)
			q.transition(o, Retrieved, "already cached", nil)
			return nil
		case !errors.Is(err, pacscache.ErrNotFound):
			return err
		}
	}

	var opts []cache.ReserveOption
	if o.SeriesUID != "" {
		opts = append(opts, cache.Merge())
	}
	res, err := q.cache.Reserve(ctx, o.StudyUID, q.estimate(ctx, o), opts...)
	if err != nil {
		return err
	}
	// Committing or releasing must finish even when the transfer was cancelled.
	cleanupCtx := context.WithoutCancel(ctx)

	if err := ctx.Err(); err != nil {
		_ = q.cache.Release(cleanupCtx, res)
		return err
	}

	q.transition(o, Retrieving, "", nil)
	result, err := q.transport.Retrieve(ctx, o.node, transport.RetrieveRequest{
		StudyUID:  o.StudyUID,
		SeriesUID: o.SeriesUID,
	}, res)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		if relErr := q.cache.Release(cleanupCtx, res); relErr != nil {
			q.logger.Error("releasing reservation", "operation_id", o.ID, "error", relErr)
		}
		return err
	}

	_, err = q.cache.Commit(cleanupCtx, res, cache.StudyMeta{
		PatientID:   result.Study.PatientID,
		PatientName: result.Study.PatientName,
		StudyDate:   result.Study.StudyDate,
		Description: result.Study.Description,
	})
	if errors.Is(err, pacscache.ErrDuplicate) {
		q.transition(o, Retrieved, "already cached", nil)
		return nil
	}
	if err != nil {
		return err
	}

	q.mu.Lock()
	o.Instances = result.Instances
	o.Bytes = result.Bytes
	q.mu.Unlock()
	q.transition(o, Retrieved, fmt.Sprintf("%d instances, %s", result.Instances, humanize.IBytes(uint64(result.Bytes))), nil)
	return nil
}

// estimate picks the bytes to reserve: the request's figure, then the
// transport's, then the configured default.
func (q *Queue) estimate(ctx context.Context, o *op) int64 {
	if o.req.EstimatedBytes > 0 {
		return o.req.EstimatedBytes
	}
	if sizer, ok := q.transport.(transport.Sizer); ok {
		n, err := sizer.RetrieveSize(ctx, o.node, transport.RetrieveRequest{StudyUID: o.StudyUID, SeriesUID: o.SeriesUID})
		if err == nil && n > 0 {
			return n
		}
		if err != nil && !errors.Is(err, errors.ErrUnsupported) {
			q.logger.Debug("size estimate unavailable", "operation_id", o.ID, "error", err)
		}
	}
	return q.cfg.DefaultReserveBytes
}

func (q *Queue) runStore(ctx context.Context, o *op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := q.cache.Pin(ctx, o.StudyUID); err != nil {
		return err
	}
	defer q.cache.Unpin(o.StudyUID)

	entry, err := q.cache.Get(ctx, o.StudyUID)
	if err != nil {
		return err
	}
	files, err := q.cache.Files(ctx, o.StudyUID)
	if err != nil {
		return err
	}

	var size int64
	instances := make([]transport.StoreInstance, 0, len(files))
	for _, f := range files {
		key := f.Key
		size += f.Size
		instances = append(instances, transport.StoreInstance{
			SeriesUID:      f.SeriesUID,
			SOPInstanceUID: f.SOPInstanceUID,
			Size:           f.Size,
			Open: func(ctx context.Context) (io.ReadCloser, error) {
				return q.cache.OpenFile(ctx, key)
			},
		})
	}
	study := transport.StudyRecord{
		StudyUID:    entry.StudyUID,
		PatientID:   entry.PatientID,
		PatientName: entry.PatientName,
		StudyDate:   entry.StudyDate,
		Description: entry.Description,
		Instances:   len(files),
		Size:        size,
	}

	q.transition(o, Storing, "", nil)
	n, err := q.transport.Store(ctx, o.node, study, instances)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return err
	}

	q.mu.Lock()
	o.Instances = len(instances)
	o.Bytes = n
	q.mu.Unlock()
	q.transition(o, Stored, fmt.Sprintf("%d instances, %s", len(instances), humanize.IBytes(uint64(n))), nil)
	return nil
}

// categorize replaces context errors with the reason the operation's context
// ended: an explicit cancel or the operation timeout.
func categorize(ctx context.Context, err error) error {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, pacscache.ErrCancelled):
		return fmt.Errorf("%w: %w", pacscache.ErrCancelled, err)
	case errors.Is(cause, errTimeout):
		if errors.Is(err, pacscache.ErrTimeout) {
			return err
		}
		return pacscache.NewNetworkError(pacscache.Timeout, "operation", err)
	}
	return err
}

// describe renders err as an operation message.
func describe(err error) string {
	var netErr *pacscache.NetworkError
	var capErr *pacscache.CapacityError
	switch {
	case errors.Is(err, pacscache.ErrCancelled):
		return "cancelled"
	case errors.Is(err, pacscache.ErrTimeout):
		return "timeout"
	case errors.As(err, &capErr):
		return string(capErr.Kind)
	case errors.As(err, &netErr):
		if netErr.Err == nil {
			return string(netErr.Kind)
		}
		return string(netErr.Kind) + ": " + netErr.Err.Error()
	default:
		return err.Error()
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, pacscache.ErrCancelled):
		return "cancelled"
	case errors.Is(err, pacscache.ErrTimeout):
		return "timeout"
	}
	return strings.ReplaceAll(describeKind(err), " ", "_")
}

func describeKind(err error) string {
	var netErr *pacscache.NetworkError
	var capErr *pacscache.CapacityError
	var cacheErr *pacscache.CacheError
	switch {
	case errors.As(err, &netErr):
		return string(netErr.Kind)
	case errors.As(err, &capErr):
		return string(capErr.Kind)
	case errors.As(err, &cacheErr):
		return string(cacheErr.Kind)
	case pacscache.IsValidation(err):
		return "invalid"
	}
	return "error"
}
