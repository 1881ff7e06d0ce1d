package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/wolfeidau/pacs-cache/queue"
	"github.com/wolfeidau/pacs-cache/transport"
)

// OperationFlags are shared by the commands that run one operation.
type OperationFlags struct {
	Target  string        `help:"AE title of the PACS node (default node when empty)." short:"t"`
	Timeout time.Duration `help:"Transfer timeout, 0 to disable." default:"10m"`
}

func (f OperationFlags) targets() []string {
	if f.Target == "" {
		return nil
	}
	return []string{f.Target}
}

// QueryCmd lists matching studies on a PACS node.
type QueryCmd struct {
	OperationFlags `embed:""`

	Study       string `help:"Study instance UID."`
	PatientID   string `help:"Patient ID."`
	PatientName string `help:"Patient name; * matches any run of characters."`
	StudyDate   string `help:"Study date (YYYYMMDD)."`
}

func (c *QueryCmd) Run(ctx context.Context, g *Globals) error {
	op, err := runOperation(ctx, g, c.Timeout, queue.Request{
		Direction: queue.Query,
		Targets:   c.targets(),
		StudyUID:  c.Study,
		Filter: transport.QueryRequest{
			PatientID:   c.PatientID,
			PatientName: c.PatientName,
			StudyDate:   c.StudyDate,
		},
	})
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STUDY UID\tPATIENT ID\tPATIENT NAME\tDATE\tDESCRIPTION\tSERIES\tINSTANCES\tSIZE")
	for _, r := range op.Results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			r.StudyUID, r.PatientID, r.PatientName, r.StudyDate, r.Description,
			r.Series, r.Instances, humanize.IBytes(uint64(r.Size)))
	}
	return tw.Flush()
}

// RetrieveCmd copies a study, or one of its series, into the cache.
type RetrieveCmd struct {
	OperationFlags `embed:""`

	Study    string   `arg:"" help:"Study instance UID."`
	Series   string   `help:"Retrieve only this series."`
	Estimate ByteSize `help:"Space to reserve when the node cannot report the size."`
}

func (c *RetrieveCmd) Run(ctx context.Context, g *Globals) error {
	op, err := runOperation(ctx, g, c.Timeout, queue.Request{
		Direction:      queue.Retrieve,
		Targets:        c.targets(),
		StudyUID:       c.Study,
		SeriesUID:      c.Series,
		EstimatedBytes: int64(c.Estimate),
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", op.StudyUID, op.Message)
	return nil
}

// StoreCmd sends a cached study to a PACS node.
type StoreCmd struct {
	OperationFlags `embed:""`

	Study string `arg:"" help:"Study instance UID."`
}

func (c *StoreCmd) Run(ctx context.Context, g *Globals) error {
	if c.Target == "" {
		return fmt.Errorf("store needs --target")
	}
	op, err := runOperation(ctx, g, c.Timeout, queue.Request{
		Direction: queue.Store,
		Targets:   c.targets(),
		StudyUID:  c.Study,
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s -> %s: %s\n", op.StudyUID, op.Target, op.Message)
	return nil
}

// runOperation submits req to a single-worker queue, logs each state change
// and returns the finished operation. Interrupting cancels the operation.
func runOperation(ctx context.Context, g *Globals, timeout time.Duration, req queue.Request) (queue.Operation, error) {
	store, err := g.openCache(ctx)
	if err != nil {
		return queue.Operation{}, err
	}
	defer func() { _ = store.Close() }()

	tr := g.transport()
	reg, err := g.loadRegistry(tr)
	if err != nil {
		return queue.Operation{}, err
	}

	cfg := queue.DefaultConfig()
	cfg.MaxConcurrent = 1
	cfg.Timeout = timeout
	cfg.Logger = g.logger
	q, err := queue.New(cfg, store, reg, tr)
	if err != nil {
		return queue.Operation{}, err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = q.Close(ctx)
	}()

	h, err := q.Submit(ctx, req)
	if err != nil {
		return queue.Operation{}, err
	}

	// Events outlive ctx so the cancellation itself is observed.
	events, err := h.Events(context.WithoutCancel(ctx))
	if err != nil {
		return queue.Operation{}, err
	}
	stop := context.AfterFunc(ctx, func() { _ = h.Cancel() })
	defer stop()

	for ev := range events {
		g.logger.Info("operation", "operation_id", ev.OperationID, "state", ev.State, "message", ev.Message)
	}

	op, err := h.Operation()
	if err != nil {
		return queue.Operation{}, err
	}
	if op.State == queue.Failed {
		if op.Err != nil {
			return op, op.Err
		}
		return op, fmt.Errorf("%s failed: %s", op.Direction, op.Message)
	}
	return op, nil
}
