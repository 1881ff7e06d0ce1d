package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/wolfeidau/pacs-cache/cache"
)

// CacheCmd groups the cache administration commands.
type CacheCmd struct {
	Usage        CacheUsageCmd        `cmd:"" help:"Show cache occupancy."`
	List         CacheListCmd         `cmd:"" help:"List cached studies, least recently viewed first."`
	Delete       CacheDeleteCmd       `cmd:"" help:"Delete cached studies."`
	DeleteAll    CacheDeleteAllCmd    `cmd:"" name:"delete-all" help:"Delete every unpinned study."`
	Compact      CacheCompactCmd      `cmd:"" help:"Reconcile the index with the study volume."`
	Sweep        CacheSweepCmd        `cmd:"" help:"Delete studies past the retention period."`
	SetMaxSize   CacheSetMaxSizeCmd   `cmd:"" name:"set-max-size" help:"Change the cache size limit."`
	SetRetention CacheSetRetentionCmd `cmd:"" name:"set-retention" help:"Change the retention period."`
	Dump         CacheDumpCmd         `cmd:"" help:"Write a zstd compressed index dump."`
	Repair       CacheRepairCmd       `cmd:"" help:"Rebuild a damaged index from the study volume."`
}

// withCache opens the cache for the duration of fn.
func withCache(ctx context.Context, g *Globals, fn func(*cache.Store) error) error {
	store, err := g.openCache(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	return fn(store)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type CacheUsageCmd struct {
	JSON bool `help:"Print JSON."`
}

func (c *CacheUsageCmd) Run(ctx context.Context, g *Globals) error {
	return withCache(ctx, g, func(store *cache.Store) error {
		u, err := store.Usage(ctx)
		if err != nil {
			return err
		}
		if c.JSON {
			return printJSON(os.Stdout, u)
		}
		fmt.Printf("used:      %s of %s (%s free)\n",
			humanize.IBytes(uint64(u.UsedBytes)), humanize.IBytes(uint64(u.MaxBytes)), humanize.IBytes(uint64(u.FreeBytes())))
		fmt.Printf("studies:   %d\n", u.Entries)
		if u.RetentionDays > 0 {
			fmt.Printf("retention: %d days\n", u.RetentionDays)
		} else {
			fmt.Println("retention: disabled")
		}
		if u.Corrupted {
			fmt.Println("state:     corrupted (run 'cache repair' or 'cache delete-all')")
		}
		return nil
	})
}

type CacheListCmd struct {
	JSON bool `help:"Print JSON."`
}

func (c *CacheListCmd) Run(ctx context.Context, g *Globals) error {
	return withCache(ctx, g, func(store *cache.Store) error {
		entries, err := store.List(ctx)
		if err != nil {
			return err
		}
		if c.JSON {
			return printJSON(os.Stdout, entries)
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "STUDY UID\tPATIENT ID\tPATIENT NAME\tDATE\tINSTANCES\tSIZE\tLAST VIEWED")
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				e.StudyUID, e.PatientID, e.PatientName, e.StudyDate, e.Instances,
				humanize.IBytes(uint64(e.Size)), humanize.Time(e.LastViewedAt))
		}
		return tw.Flush()
	})
}

type CacheDeleteCmd struct {
	Studies []string `arg:"" help:"Study instance UIDs."`
}

func (c *CacheDeleteCmd) Run(ctx context.Context, g *Globals) error {
	return withCache(ctx, g, func(store *cache.Store) error {
		for _, uid := range c.Studies {
			e, err := store.Remove(ctx, uid)
			if err != nil {
				return err
			}
			fmt.Printf("deleted %s (%s)\n", uid, humanize.IBytes(uint64(e.Size)))
		}
		return nil
	})
}

type CacheDeleteAllCmd struct{}

func (c *CacheDeleteAllCmd) Run(ctx context.Context, g *Globals) error {
	return withCache(ctx, g, func(store *cache.Store) error {
		result, err := store.DeleteAll(ctx, g.confirm())
		if err != nil {
			return err
		}
		fmt.Printf("deleted %d studies (%s), skipped %d\n",
			result.Removed, humanize.IBytes(uint64(result.BytesFreed)), result.Skipped)
		return nil
	})
}

type CacheCompactCmd struct{}

func (c *CacheCompactCmd) Run(ctx context.Context, g *Globals) error {
	return withCache(ctx, g, func(store *cache.Store) error {
		result, err := store.Compact(ctx)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, result)
	})
}

type CacheSweepCmd struct{}

func (c *CacheSweepCmd) Run(ctx context.Context, g *Globals) error {
	return withCache(ctx, g, func(store *cache.Store) error {
		result, err := store.Sweep(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("deleted %d studies (%s) in %s\n",
			result.Removed, humanize.IBytes(uint64(result.BytesFreed)), result.Duration.Round(time.Millisecond))
		return nil
	})
}

type CacheSetMaxSizeCmd struct {
	Size ByteSize `arg:"" help:"New limit (e.g. 50GiB)."`
}

func (c *CacheSetMaxSizeCmd) Run(ctx context.Context, g *Globals) error {
	return withCache(ctx, g, func(store *cache.Store) error {
		return store.SetMaxSize(ctx, int64(c.Size))
	})
}

type CacheSetRetentionCmd struct {
	Days int `arg:"" help:"Retention period in days, 0 to disable."`
}

func (c *CacheSetRetentionCmd) Run(ctx context.Context, g *Globals) error {
	return withCache(ctx, g, func(store *cache.Store) error {
		return store.SetRetentionDays(ctx, c.Days)
	})
}

type CacheDumpCmd struct {
	Output string `help:"Output file (stdout when empty)." short:"o" type:"path"`
}

func (c *CacheDumpCmd) Run(ctx context.Context, g *Globals) error {
	return withCache(ctx, g, func(store *cache.Store) error {
		if c.Output == "" {
			return store.Dump(ctx, os.Stdout)
		}
		f, err := os.Create(c.Output)
		if err != nil {
			return err
		}
		if err := store.Dump(ctx, f); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()
	})
}

type CacheRepairCmd struct{}

func (c *CacheRepairCmd) Run(ctx context.Context, g *Globals) error {
	result, err := cache.Repair(ctx, g.cacheConfig(), cache.WithLogger(g.logger))
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, result)
}
