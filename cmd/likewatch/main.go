package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/sync/errgroup"

	"github.com/dkoval/likewatch/internal/bot"
	"github.com/dkoval/likewatch/internal/logging"
	"github.com/dkoval/likewatch/internal/store"
	"github.com/dkoval/likewatch/internal/watcher"
	"github.com/dkoval/likewatch/internal/yamusic"
)

const Version = "0.1.0"

var httpLog = logging.ForComponent(logging.CompHTTP)

func main() {
	logDir := flag.String("log-dir", os.Getenv("LIKEWATCH_LOG_DIR"), "directory for rotated log files (empty discards logs)")
	logLevel := flag.String("log-level", envOr("LIKEWATCH_LOG_LEVEL", "info"), "minimum log level: debug, info, warn, error")
	healthAddr := flag.String("health-addr", envOr("LIKEWATCH_HEALTH_ADDR", ":8081"), "address for the /healthz endpoint (empty disables)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("likewatch " + Version)
		return
	}

	logging.Init(logging.Config{
		LogDir:   *logDir,
		Level:    *logLevel,
		Compress: true,
	})
	defer logging.Shutdown()
	log := logging.Logger()

	token := os.Getenv("TG_BOT_TOKEN")
	if token == "" {
		fmt.Fprintln(os.Stderr, "TG_BOT_TOKEN is required")
		os.Exit(1)
	}

	pollSeconds := envInt("POLL_SECONDS", 300)
	statePath := envOr("STATE_FILE", "state.json")

	st, err := store.Open(statePath, pollSeconds)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open state store: %v\n", err)
		os.Exit(1)
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telegram init: %v\n", err)
		os.Exit(1)
	}

	sender := bot.NewSender(api)
	engine := watcher.New(st, catalogAdapter{catalog: yamusic.NewCatalog()}, sender)
	b := bot.New(api, st, engine, sender)

	if err := b.SetupCommands(); err != nil {
		log.Warn("set_commands_failed", slog.String("error", err.Error()))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sender.Run(ctx) })
	g.Go(func() error { return b.Run(ctx) })
	if *healthAddr != "" {
		g.Go(func() error { return runHealthServer(ctx, *healthAddr) })
	}

	log.Info("bot_started",
		slog.String("version", Version),
		slog.String("state_file", statePath),
		slog.Int("default_poll_seconds", pollSeconds))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("run_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// catalogAdapter bridges the concrete yamusic client to the engine's
// collaborator interfaces.
type catalogAdapter struct {
	catalog *yamusic.Catalog
}

func (a catalogAdapter) Authenticate(ctx context.Context, token string) (watcher.Session, error) {
	client, err := a.catalog.Authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	return musicSession{client: client}, nil
}

type musicSession struct {
	client *yamusic.Client
}

func (s musicSession) OwnerUID(ctx context.Context) (int64, error) {
	return s.client.OwnerUID(ctx)
}

func (s musicSession) Snapshot(ctx context.Context, uid int64) (map[string]string, error) {
	return yamusic.FetchSnapshot(ctx, s.client, uid)
}

func runHealthServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	httpLog.Info("health_listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s: %v\n", key, err)
		os.Exit(1)
	}
	return n
}
