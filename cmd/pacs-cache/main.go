// Command pacs-cache queries, retrieves and stores studies against PACS
// nodes, keeps retrieved studies in a bounded local cache and exports them to
// removable media.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/lmittmann/tint"

	pacscache "github.com/wolfeidau/pacs-cache"
	"github.com/wolfeidau/pacs-cache/cache"
	"github.com/wolfeidau/pacs-cache/registry"
	"github.com/wolfeidau/pacs-cache/transport"
	"github.com/wolfeidau/pacs-cache/transport/folder"
)

var version = "dev"

// Globals are the flags shared by every command.
type Globals struct {
	LogLevel  string `help:"Log level." enum:"debug,info,warn,error" default:"info" env:"PACS_CACHE_LOG_LEVEL"`
	LogFormat string `help:"Log format." enum:"text,json,tint" default:"text" env:"PACS_CACHE_LOG_FORMAT"`

	CacheDir      string   `help:"Cache directory." type:"path" default:"./cache" env:"PACS_CACHE_DIR"`
	MaxSize       ByteSize `help:"Size limit for a new cache (e.g. 10GiB)." default:"10GiB" env:"PACS_CACHE_MAX_SIZE"`
	RetentionDays int      `help:"Retention period in days for a new cache, 0 to disable." default:"0" env:"PACS_CACHE_RETENTION_DAYS"`

	Registry string `help:"PACS node registry file." type:"path" default:"./pacs.yaml" env:"PACS_CACHE_REGISTRY"`
	Archive  string `help:"Folder archive serving the PACS nodes." type:"path" default:"./archive" env:"PACS_CACHE_ARCHIVE"`

	Yes bool `help:"Answer yes to confirmation prompts." short:"y"`

	Version kong.VersionFlag `help:"Print version and exit."`

	logger *slog.Logger `kong:"-"`
}

// CLI is the command tree.
type CLI struct {
	Globals

	Serve    ServeCmd    `cmd:"" help:"Run the HTTP API."`
	Query    QueryCmd    `cmd:"" help:"Query a PACS node for studies."`
	Retrieve RetrieveCmd `cmd:"" help:"Retrieve a study or series into the cache."`
	Store    StoreCmd    `cmd:"" help:"Send a cached study to a PACS node."`
	Cache    CacheCmd    `cmd:"" help:"Manage the local study cache."`
	PACS     PACSCmd     `cmd:"" name:"pacs" help:"Manage the PACS node registry."`
	DICOMDIR DICOMDIRCmd `cmd:"" name:"dicomdir" help:"Export cached studies to media."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("pacs-cache"),
		kong.Description("Local cache and transfer queue for PACS studies."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	logger, err := newLogger(os.Stderr, cli.LogLevel, cli.LogFormat)
	kctx.FatalIfErrorf(err)
	cli.logger = logger
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kctx.BindTo(ctx, (*context.Context)(nil))
	if err := kctx.Run(&cli.Globals); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// newLogger builds the slog handler selected by --log-level and --log-format.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "tint":
		handler = tint.NewHandler(w, &tint.Options{Level: lvl, TimeFormat: time.Kitchen})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}

// ByteSize is a flag holding a size such as "700MB" or "10GiB".
type ByteSize int64

func (b *ByteSize) Decode(ctx *kong.DecodeContext) error {
	var s string
	if err := ctx.Scan.PopValueInto("size", &s); err != nil {
		return err
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", s, err)
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

func (g *Globals) cacheConfig() cache.Config {
	return cache.Config{
		Dir:           g.CacheDir,
		MaxSize:       int64(g.MaxSize),
		RetentionDays: g.RetentionDays,
	}
}

func (g *Globals) openCache(ctx context.Context) (*cache.Store, error) {
	store, err := cache.Open(ctx, g.cacheConfig(), cache.WithLogger(g.logger))
	if err != nil {
		return nil, fmt.Errorf("opening cache %s: %w", g.CacheDir, err)
	}
	return store, nil
}

// transport returns the archive transport, instrumented for metrics and
// error classification. It also serves as the registry's prober.
func (g *Globals) transport() *transport.Instrumented {
	return transport.NewInstrumented(folder.New(g.Archive, folder.WithLogger(g.logger)))
}

func (g *Globals) loadRegistry(prober registry.Prober) (*registry.Registry, error) {
	opts := []registry.Option{registry.WithLogger(g.logger)}
	if prober != nil {
		opts = append(opts, registry.WithProber(prober))
	}
	return registry.Load(g.Registry, opts...)
}

// confirm answers prompts from --yes or, failing that, from stdin.
func (g *Globals) confirm() pacscache.Confirm {
	if g.Yes {
		return pacscache.AlwaysConfirm
	}
	return promptConfirm(os.Stdin, os.Stderr)
}

func promptConfirm(in io.Reader, out io.Writer) pacscache.Confirm {
	reader := bufio.NewReader(in)
	return func(_ context.Context, prompt string) bool {
		fmt.Fprintf(out, "%s [y/N]: ", prompt)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return false
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true
		}
		return false
	}
}
