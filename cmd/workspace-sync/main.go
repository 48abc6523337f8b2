package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alexjbarnes/workspace-sync/internal/api"
	"github.com/alexjbarnes/workspace-sync/internal/auth"
	"github.com/alexjbarnes/workspace-sync/internal/config"
	"github.com/alexjbarnes/workspace-sync/internal/conflict"
	"github.com/alexjbarnes/workspace-sync/internal/executor"
	"github.com/alexjbarnes/workspace-sync/internal/inbox"
	"github.com/alexjbarnes/workspace-sync/internal/logging"
	"github.com/alexjbarnes/workspace-sync/internal/mcpserver"
	"github.com/alexjbarnes/workspace-sync/internal/models"
	"github.com/alexjbarnes/workspace-sync/internal/queue"
	"github.com/alexjbarnes/workspace-sync/internal/realtime"
	"github.com/alexjbarnes/workspace-sync/internal/server"
	"github.com/alexjbarnes/workspace-sync/internal/state"
	"github.com/alexjbarnes/workspace-sync/internal/syncer"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	// Subcommands that must not load the daemon config.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "generate-key":
			fmt.Println(auth.GenerateAPIKey())
			return
		case "status":
			path := ""
			if len(os.Args) > 2 {
				path = os.Args[2]
			}
			if err := printStatus(os.Stdout, path); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				os.Exit(1)
			}
			return
		case "version":
			fmt.Println(Version)
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("workspace-sync starting",
		slog.String("version", Version),
		slog.String("api", cfg.APIBaseURL),
		slog.Bool("realtime", cfg.RealtimeURL != ""),
		slog.Bool("inbox", cfg.InboxDir != ""),
		slog.Bool("control", cfg.EnableControl),
	)

	retention, err := config.LoadRetention(cfg.RetentionFile)
	if err != nil {
		return err
	}

	appState, err := openState(cfg.StatePath)
	if err != nil {
		return err
	}
	defer appState.Close()

	coalesce, err := cfg.CoalesceTypes()
	if err != nil {
		return err
	}

	batch, err := cfg.BatchTypes()
	if err != nil {
		return err
	}

	client := api.NewClient(cfg.APIBaseURL, cfg.APIToken, nil)
	detector := conflict.NewDetector()
	locks := syncer.NewLocks()

	router := executor.Build(client, executor.Deps{
		State:    appState,
		Detector: detector,
		Logger:   logger,
	})

	q, err := queue.New(appState, locks.Wrap(router), queue.Options{
		MaxAttempts:   cfg.QueueMaxAttempts,
		CoalesceTypes: coalesce,
		BatchTypes:    batch,
		Detector:      detector,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("opening queue: %w", err)
	}

	coord := syncer.New(appState, q, locks, syncer.Collections(client), syncer.Options{
		Interval:  cfg.SyncInterval,
		Retention: retention,
		Logger:    logger,
	})

	q.SetOnChange(func(ev queue.Event) {
		if ev.Kind == queue.EventEnqueued {
			coord.Trigger(string(ev.Kind))
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return coord.Run(gctx)
	})

	var rt *realtime.Client
	if cfg.RealtimeURL != "" {
		rt, err = realtime.NewClient(realtime.NewIngest(appState, logger), realtime.Options{
			URL:    cfg.RealtimeURL,
			APIKey: cfg.RealtimeAPIKey,
			Logger: logger,
		})
		if err != nil {
			return err
		}

		if err := rt.Start(gctx, cfg.UserID, cfg.APIToken); err != nil {
			return fmt.Errorf("starting realtime: %w", err)
		}

		g.Go(func() error {
			<-gctx.Done()
			rt.Stop()
			return nil
		})
	}

	g.Go(func() error {
		return reloadOnHangup(gctx, client, rt, coord, logger)
	})

	if cfg.InboxDir != "" {
		w := inbox.New(cfg.InboxDir, q, logger)
		g.Go(func() error {
			return w.Watch(gctx)
		})
	}

	if cfg.EnableControl {
		g.Go(func() error {
			return runControl(gctx, cfg, q, appState, coord, logger)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("workspace-sync stopped")

	return nil
}

func openState(path string) (*state.State, error) {
	if path == "" {
		var err error
		if path, err = state.DefaultPath(); err != nil {
			return nil, err
		}
	}

	s, err := state.LoadAt(path)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	return s, nil
}

// reloadOnHangup re-reads API_TOKEN on SIGHUP, swaps it into the API
// client and rejoins the realtime channels with it.
func reloadOnHangup(ctx context.Context, client *api.Client, rt *realtime.Client, coord *syncer.Coordinator, logger *slog.Logger) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
		}

		cfg, err := config.Load()
		if err != nil {
			logger.Warn("reloading config", slog.String("error", err.Error()))
			continue
		}

		client.SetToken(cfg.APIToken)
		if rt != nil {
			rt.RefreshToken(cfg.APIToken)
		}

		logger.Info("access token reloaded")
		coord.Trigger("token")
	}
}

// runControl serves the health endpoint and the MCP control tools.
func runControl(ctx context.Context, cfg *config.Config, q *queue.Queue, s *state.State, coord *syncer.Coordinator, logger *slog.Logger) error {
	keys, err := cfg.ParseControlAPIKeys()
	if err != nil {
		return fmt.Errorf("parsing control API keys: %w", err)
	}

	controlLogger := logger.With(slog.String("service", "control"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "workspace-sync", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, mcpserver.Deps{Queue: q, State: s, Sync: coord})

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := server.NewMux(server.MuxConfig{
		Store:      auth.NewStore(keys),
		MCPHandler: mcpHandler,
		Health: func() (queue.Summary, bool, error) {
			summary, err := q.Summary()
			return summary, coord.Online(), err
		},
		Logger: controlLogger,
	})

	srv := &http.Server{
		Addr:         cfg.ControlListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	controlLogger.Info("starting control server",
		slog.String("listen", cfg.ControlListenAddr),
		slog.Int("keys", len(keys)),
	)

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		controlLogger.Info("shutting down control server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("control server error: %w", err)
	}

	return nil
}

// printStatus reports the queue held in a state file. The daemon must
// be stopped: bbolt allows a single process to open the file.
func printStatus(out io.Writer, path string) error {
	s, err := openState(path)
	if err != nil {
		return err
	}
	defer s.Close()

	ops, err := s.Operations()
	if err != nil {
		return fmt.Errorf("reading operations: %w", err)
	}

	counts := make(map[models.OperationStatus]int)
	conflicts := 0
	for _, op := range ops {
		counts[op.Status]++
		if op.Conflict != nil {
			conflicts++
		}
	}

	fmt.Fprintf(out, "pending: %d  in progress: %d  failed: %d  conflicts: %d\n",
		counts[models.StatusPending], counts[models.StatusInProgress], counts[models.StatusFailed], conflicts)

	if counts[models.StatusFailed] == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\nID\tOPERATION\tENTITY\tATTEMPTS\tERROR")
	for _, op := range ops {
		if op.Status != models.StatusFailed {
			continue
		}
		reason := op.LastError
		if op.Conflict != nil {
			reason = "conflict: " + op.Conflict.Reason
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", op.ID, op.Operation, op.CacheKey(), op.Attempts, reason)
	}

	return tw.Flush()
}
