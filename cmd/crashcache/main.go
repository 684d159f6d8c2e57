// Command crashcache runs the crash report collector and its maintenance
// subcommands:
//
//	crashcache serve              run the HTTP collector (default)
//	crashcache project create     register a project
//	crashcache project list       list projects
//	crashcache project delete     remove a project
//	crashcache archive export     dump archives as JSONL
//	crashcache archive import     load archives from JSONL
//	crashcache archive view       decompress and print one archive
//	crashcache ruminate           wipe derived data and re-digest everything
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/crashcache/analytics"
	"github.com/hazyhaar/crashcache/codec"
	"github.com/hazyhaar/crashcache/config"
	"github.com/hazyhaar/crashcache/digest"
	"github.com/hazyhaar/crashcache/ingest"
	"github.com/hazyhaar/crashcache/shield"
	"github.com/hazyhaar/crashcache/store"

	_ "modernc.org/sqlite"
)

const projectCacheTTL = 5 * time.Minute

func main() {
	setupLogging()

	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe()
	case "project":
		err = runProject(args)
	case "archive":
		err = runArchive(args)
	case "ruminate":
		err = runRuminate(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		os.Exit(2)
	}
	if err != nil {
		slog.Error("crashcache: command failed", "command", cmd, "error", err)
		os.Exit(1)
	}
}

func setupLogging() {
	var lvl slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.DatabaseURL, cfg.DatabasePoolSize)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	collector := analytics.New(st, cfg.AnalyticsBufferSize,
		cfg.AnalyticsFlushInterval(), cfg.AnalyticsRetention())
	go collector.Run(ctx)

	health := ingest.NewHealthCache(ctx, st)
	go health.Run(ctx, cfg.WorkerInterval())

	worker := digest.NewWorker(digest.NewUseCase(st),
		cfg.WorkerInterval(), cfg.WorkerBudget(), cfg.WorkerReportsBatchSize)
	go worker.Run(ctx)

	limiter := shield.NewLimiter(shield.Limits{
		GlobalPerSec:     cfg.RateLimitGlobalPerSec,
		PerIPPerSec:      cfg.RateLimitPerIPPerSec,
		PerProjectPerSec: cfg.RateLimitPerProjectPerSec,
		BurstMultiplier:  cfg.RateLimitBurstMultiplier,
	})
	limiter.OnBlocked = func(tier shield.Tier, ip, project string) {
		switch tier {
		case shield.TierGlobal:
			collector.Record(analytics.Event{Kind: analytics.KindRateLimitGlobal})
		case shield.TierIP:
			collector.Record(analytics.Event{Kind: analytics.KindRateLimitSubnet, IP: ip})
		case shield.TierProject:
			collector.Record(analytics.Event{Kind: analytics.KindRateLimitDSN, DSN: project})
		}
	}

	uc := ingest.NewUseCase(st,
		cfg.MaxCompressedPayloadBytes, cfg.MaxUncompressedPayloadBytes,
		cfg.MaxConcurrentCompressions)
	projects := ingest.NewProjectCache(st, projectCacheTTL)
	handler := ingest.NewHandler(uc, projects, health)

	r := chi.NewRouter()
	r.Use(shield.RecordLatency(func(endpoint string, ms int64) {
		collector.Record(analytics.Event{
			Kind: analytics.KindRequestLatency, Endpoint: endpoint, DurationMs: ms,
		})
	}))
	r.Use(limiter.Middleware)
	// The transport cap is the compressed limit: nothing larger is
	// accepted on the wire, compressed or not.
	r.Use(shield.MaxBody(cfg.MaxCompressedPayloadBytes))
	handler.Routes(r)

	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("crashcache: listening", "addr", cfg.ListenAddr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("crashcache: shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("crashcache: server shutdown", "error", err)
	}
	worker.Shutdown()
	collector.Wait()
	slog.Info("crashcache: stopped")
	return nil
}

// openStore opens the database for the maintenance subcommands, which
// need only DATABASE_URL.
func openStore() (*store.Store, error) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		return nil, fmt.Errorf("%w: DATABASE_URL", config.ErrMissing)
	}
	return store.Open(url, 0)
}

func runProject(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: crashcache project create|delete|list")
	}
	sub, args := args[0], args[1:]

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	ctx := context.Background()

	switch sub {
	case "create":
		fs := flag.NewFlagSet("project create", flag.ExitOnError)
		name := fs.String("name", "", "project name")
		key := fs.String("key", "", "public key; empty accepts any sentry_key")
		fs.Parse(args)
		if *name == "" {
			return fmt.Errorf("project create: --name is required")
		}
		p, err := st.CreateProject(ctx, *name, *key)
		if err != nil {
			return err
		}
		fmt.Printf("created project %d (%s)\n", p.ID, p.Name)
		return nil

	case "delete":
		if len(args) != 1 {
			return fmt.Errorf("usage: crashcache project delete <id>")
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("project delete: bad id %q", args[0])
		}
		if err := st.DeleteProject(ctx, id); err != nil {
			return err
		}
		fmt.Printf("deleted project %d\n", id)
		return nil

	case "list":
		projects, err := st.ListProjects(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tKEY\tCREATED")
		for _, p := range projects {
			key := p.PublicKey
			if key == "" {
				key = "(any)"
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", p.ID, p.Name, key,
				time.UnixMilli(p.CreatedAt).UTC().Format(time.RFC3339))
		}
		return tw.Flush()

	default:
		return fmt.Errorf("unknown project subcommand %q", sub)
	}
}

func runArchive(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: crashcache archive export|import|view")
	}
	sub, args := args[0], args[1:]

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	ctx := context.Background()

	switch sub {
	case "export":
		fs := flag.NewFlagSet("archive export", flag.ExitOnError)
		out := fs.String("out", "", "output file; stdout when empty")
		fs.Parse(args)

		w := os.Stdout
		if *out != "" {
			f, err := os.Create(*out)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}
		n, err := st.ExportArchives(ctx, w)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "exported %d archives\n", n)
		return nil

	case "import":
		fs := flag.NewFlagSet("archive import", flag.ExitOnError)
		in := fs.String("in", "", "input file; stdin when empty")
		fs.Parse(args)

		r := os.Stdin
		if *in != "" {
			f, err := os.Open(*in)
			if err != nil {
				return err
			}
			defer f.Close()
			r = f
		}
		stats, err := st.ImportArchives(ctx, r, func(line int, err error) {
			fmt.Fprintf(os.Stderr, "line %d: %v\n", line, err)
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "imported %d, skipped %d, failed %d\n",
			stats.Imported, stats.Skipped, stats.Failed)
		return nil

	case "view":
		if len(args) != 1 {
			return fmt.Errorf("usage: crashcache archive view <hash>")
		}
		a, err := st.FindArchive(ctx, args[0])
		if err != nil {
			return err
		}
		if a == nil {
			return store.ErrArchiveNotFound
		}
		raw, err := codec.Decompress(a.CompressedPayload)
		if err != nil {
			return err
		}
		var pretty bytes.Buffer
		if json.Indent(&pretty, raw, "", "  ") == nil {
			pretty.WriteTo(os.Stdout)
			fmt.Println()
		} else {
			os.Stdout.Write(raw)
		}
		return nil

	default:
		return fmt.Errorf("unknown archive subcommand %q", sub)
	}
}

func runRuminate(args []string) error {
	fs := flag.NewFlagSet("ruminate", flag.ExitOnError)
	yes := fs.Bool("yes", false, "skip the confirmation prompt")
	fs.Parse(args)

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	ctx := context.Background()

	archives, err := st.CountArchives(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("This will delete all digested data and re-queue %d archives.\n", archives)
	fmt.Println("Tables cleared:")
	for _, table := range store.RuminateTables() {
		fmt.Printf("  %s\n", table)
	}
	fmt.Println("Archives and projects are kept.")

	if !*yes {
		fmt.Print("Proceed? [y/N] ")
		line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		answer := strings.ToLower(strings.TrimSpace(line))
		if answer != "y" && answer != "yes" {
			fmt.Println("aborted")
			return nil
		}
	}

	queued, err := st.Ruminate(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("re-queued %d archives\n", queued)
	return nil
}
