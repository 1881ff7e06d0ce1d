package dicomdir

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	jexec "github.com/jmgilman/go/exec"

	pacscache "github.com/wolfeidau/pacs-cache"
	"github.com/wolfeidau/pacs-cache/backend"
)

// MediaWriter transfers a staged file set to its destination. On failure it
// removes whatever it wrote to the destination.
type MediaWriter interface {
	Write(ctx context.Context, staging, dest string) error
}

// DirectoryWriter copies the file set into a directory, as used for hard
// disks and USB drives. Files are written atomically.
type DirectoryWriter struct {
	// NoSync skips fsync of the copied files.
	NoSync bool
}

// Write copies staging/DICOMDIR and staging/DICOM into dest.
func (w DirectoryWriter) Write(ctx context.Context, staging, dest string) (err error) {
	src, err := backend.NewFilesystem(staging)
	if err != nil {
		return pacscache.NewProcessError(pacscache.IOFailed, "open staging", err)
	}
	var opts []backend.FilesystemOption
	if w.NoSync {
		opts = append(opts, backend.WithoutSync())
	}
	dst, err := backend.NewFilesystem(dest, opts...)
	if err != nil {
		return pacscache.NewProcessError(pacscache.IOFailed, "create destination", err)
	}

	// The DICOM tree and DICOMDIR are replaced as a unit.
	targets := []string{dicomDirName, DICOMDirFile}
	defer func() {
		if err != nil {
			for _, t := range targets {
				_ = dst.DeletePrefix(context.WithoutCancel(ctx), t)
			}
		}
	}()
	for _, t := range targets {
		if err := dst.DeletePrefix(ctx, t); err != nil {
			return pacscache.NewProcessError(pacscache.IOFailed, "clear destination", err)
		}
	}

	err = src.Walk(ctx, "", func(key string, _ int64) error {
		rc, err := src.Read(ctx, key)
		if err != nil {
			return err
		}
		defer func() { _ = rc.Close() }()
		_, err = dst.Write(ctx, key, rc)
		return err
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return pacscache.NewProcessError(pacscache.IOFailed, "copy to destination", err)
	}
	return nil
}

// DefaultImageCommand masters an ISO-9660 image. {src} and {out} are
// replaced by the staging directory and the image path.
var DefaultImageCommand = []string{"genisoimage", "-quiet", "-J", "-r", "-V", fileSetID, "-o", "{out}", "{src}"}

// ImageWriter runs an external mastering command that turns the staging
// directory into a disc image at dest, as used for CDs and DVDs.
type ImageWriter struct {
	// Command is the argv to run; nil means DefaultImageCommand.
	Command []string

	Logger *slog.Logger
}

func (w ImageWriter) Write(ctx context.Context, staging, dest string) (err error) {
	argv := w.Command
	if len(argv) == 0 {
		argv = DefaultImageCommand
	}
	args := make([]string, len(argv))
	for i, a := range argv {
		a = strings.ReplaceAll(a, "{src}", staging)
		args[i] = strings.ReplaceAll(a, "{out}", dest)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return pacscache.NewProcessError(pacscache.IOFailed, "create destination", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(dest)
		}
	}()

	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("mastering image", "command", args[0], "dest", dest)

	res, err := jexec.New().WithContext(ctx).WithInheritEnv().WithDisableColors().Run(args...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return processError(err)
	}
	if _, err := os.Stat(dest); err != nil {
		return pacscache.NewProcessError(pacscache.IOFailed, "master image",
			fmt.Errorf("%s produced no image: %w (output: %s)", args[0], err, strings.TrimSpace(res.Combined)))
	}
	return nil
}

// processError maps a failed command onto a ProcessError kind: the command
// never started, or it ran and exited unsuccessfully.
func processError(err error) error {
	var execErr *jexec.ExecError
	if !errors.As(err, &execErr) {
		return pacscache.NewProcessError(pacscache.StartFailed, "master image", err)
	}
	var exitErr *exec.ExitError
	if errors.As(execErr.Err, &exitErr) {
		detail := strings.TrimSpace(execErr.Stderr)
		if detail == "" {
			detail = strings.TrimSpace(execErr.Stdout)
		}
		return pacscache.NewProcessError(pacscache.Crashed, "master image",
			fmt.Errorf("%s exited with code %d: %s", execErr.Command[0], execErr.ExitCode, detail))
	}
	return pacscache.NewProcessError(pacscache.StartFailed, "master image", execErr)
}

var (
	_ MediaWriter = DirectoryWriter{}
	_ MediaWriter = ImageWriter{}
)
