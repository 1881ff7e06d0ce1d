package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/wolfeidau/pacs-cache/cache"
	"github.com/wolfeidau/pacs-cache/dicomdir"
)

// DICOMDIRCmd groups the export commands.
type DICOMDIRCmd struct {
	Create DICOMDIRCreateCmd `cmd:"" help:"Write cached studies and a DICOMDIR to media."`
}

type DICOMDIRCreateCmd struct {
	Device   string   `help:"Target device: cd, dvd, hard_disk or usb." default:"hard_disk" short:"d"`
	Capacity ByteSize `help:"Device capacity; required for DVDs unless --dvd-capacity is set."`

	DVDCapacity  ByteSize `name:"dvd-capacity" help:"Default DVD capacity." env:"PACS_CACHE_DVD_CAPACITY"`
	StagingDir   string   `help:"Staging directory for the file set." type:"path" env:"PACS_CACHE_STAGING_DIR"`
	ImageCommand string   `help:"Mastering command for disc images; {src} and {out} are substituted." env:"PACS_CACHE_IMAGE_COMMAND"`
	Anonymize    bool     `help:"Replace patient names and IDs and drop private attributes in the export."`

	Destination string   `arg:"" help:"Directory (hard disk, USB) or image file (CD, DVD)." type:"path"`
	Studies     []string `arg:"" help:"Study instance UIDs."`
}

func (c *DICOMDIRCreateCmd) Run(ctx context.Context, g *Globals) error {
	kind, err := dicomdir.ParseDeviceKind(c.Device)
	if err != nil {
		return err
	}

	return withCache(ctx, g, func(store *cache.Store) error {
		cfg := dicomdir.DefaultConfig()
		cfg.DVDCapacity = int64(c.DVDCapacity)
		cfg.StagingDir = c.StagingDir
		cfg.Logger = g.logger
		if c.ImageCommand != "" {
			cfg.ImageCommand = strings.Fields(c.ImageCommand)
		}
		packer, err := dicomdir.New(cfg, store)
		if err != nil {
			return err
		}

		sel, err := packer.CreateSelection(kind, int64(c.Capacity))
		if err != nil {
			return err
		}
		defer packer.Close(sel)

		for _, uid := range c.Studies {
			if err := packer.AddStudy(ctx, sel, uid); err != nil {
				return fmt.Errorf("adding %s: %w", uid, err)
			}
		}
		if capacity := sel.Capacity(); capacity > 0 {
			g.logger.Info("selection ready",
				"studies", len(c.Studies),
				"size", humanize.IBytes(uint64(sel.Size())),
				"capacity", humanize.IBytes(uint64(capacity)))
		}

		var opts []dicomdir.CommitOption
		if c.Anonymize {
			opts = append(opts, dicomdir.Anonymize())
		}
		result, err := packer.Commit(ctx, sel, c.Destination, g.confirm(), opts...)
		if err != nil {
			return err
		}
		fmt.Printf("wrote %d studies, %d series, %d instances (%s) to %s in %s\n",
			result.Studies, result.Series, result.Instances, humanize.IBytes(uint64(result.Bytes)),
			result.Destination, result.Duration.Round(time.Millisecond))
		for _, id := range result.NonCompliant {
			fmt.Printf("warning: %s is not a DICOM Part-10 file\n", id)
		}
		return nil
	})
}
