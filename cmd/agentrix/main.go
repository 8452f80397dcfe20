package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"tailscale.com/tsnet"

	"github.com/vultuk/agentrix/internal/agent"
	"github.com/vultuk/agentrix/internal/bus"
	"github.com/vultuk/agentrix/internal/codex"
	gitpkg "github.com/vultuk/agentrix/internal/git"
	"github.com/vultuk/agentrix/internal/notify"
	"github.com/vultuk/agentrix/internal/server"
	"github.com/vultuk/agentrix/internal/task"
	"github.com/vultuk/agentrix/internal/term"
	"github.com/vultuk/agentrix/internal/tunnel"
)

var version = "0.1.0"

func main() {
	port := flag.Int("port", 8080, "port number (auto-increments if busy)")
	workdir := flag.String("workdir", defaultWorkdir(), "managed worktree root")
	mode := flag.String("mode", "auto", "session backing: auto, tmux, or pty")
	local := flag.Bool("local", false, "listen on localhost only (no Tailscale)")
	dev := flag.Bool("dev", false, "enable debug logging")
	slackWebhook := flag.String("slack-webhook", "", "Slack webhook URL for notifications")
	ngrokToken := flag.String("ngrok-token", os.Getenv("NGROK_AUTHTOKEN"), "ngrok auth token for port tunnels")
	codexModel := flag.String("codex-model", "", "model override for codex sessions")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Println("agentrix", version)
		return
	}

	logLevel := slog.LevelInfo
	if *dev {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	// Init order: bus → persistence → engine → tracker → rehydration →
	// HTTP surface.
	eventBus := bus.New(logger)
	store := term.NewStore(logger)
	gitMgr := gitpkg.NewManager(logger)

	engine := term.NewEngine(term.EngineConfig{
		Resolve: gitMgr.WorktreePath,
		Bus:     eventBus,
		Store:   store,
		Logger:  logger,
	})

	tracker := task.NewTracker(eventBus, logger)
	load, save := task.FileSnapshotStore(*workdir)
	if err := tracker.ConfigurePersistence(task.PersistenceConfig{
		Load:   load,
		Save:   save,
		Logger: logger,
	}); err != nil {
		logger.Error("failed to configure task persistence", "err", err)
	}

	scheduler := cron.New()
	if err := tracker.SchedulePrune(scheduler); err != nil {
		logger.Error("failed to schedule task pruning", "err", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	if err := engine.Rehydrate(*workdir, term.Mode(*mode)); err != nil {
		logger.Warn("session rehydration failed", "err", err)
	}

	planStore := agent.NewPlanStore(logger)
	launcher := agent.NewLauncher(engine, term.NewTmux(), planStore, logger)
	tunnels := tunnel.NewManager(*ngrokToken, logger)
	codexEngine := codex.NewEngine(codex.EngineConfig{
		Starter: codex.CLIStarter{},
		Resolve: gitMgr.WorktreePath,
		Model:   *codexModel,
		Logger:  logger,
	})

	notifyMgr, err := notify.NewManager(logger, *slackWebhook)
	if err != nil {
		logger.Warn("push notifications disabled", "err", err)
		notifyMgr = nil
	}

	srv := server.New(server.Config{
		Addr:     fmt.Sprintf(":%d", *port),
		Workdir:  *workdir,
		Version:  version,
		Logger:   logger,
		Bus:      eventBus,
		Engine:   engine,
		Tasks:    tracker,
		Launcher: launcher,
		Tunnels:  tunnels,
		Codex:    codexEngine,
		Git:      gitMgr,
		Notify:   notifyMgr,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *local || *dev {
		ln, err := listenWithFallback("127.0.0.1", *port, 10, logger)
		if err != nil {
			logger.Error("failed to listen", "err", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "\n  agentrix v%s running at:\n\n    http://%s\n\n", version, ln.Addr().String())
		go func() {
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "err", err)
				os.Exit(1)
			}
		}()
	} else {
		tsServer := &tsnet.Server{
			Hostname: "agentrix",
			Logf:     func(format string, args ...any) { logger.Debug(fmt.Sprintf(format, args...)) },
		}
		defer tsServer.Close()

		ln, err := tsServer.ListenTLS("tcp", fmt.Sprintf(":%d", *port))
		if err != nil {
			logger.Error("failed to listen on tailscale", "err", err)
			os.Exit(1)
		}

		fmt.Fprintf(os.Stderr, "\n  agentrix v%s running at:\n\n", version)
		lc, _ := tsServer.LocalClient()
		if lc != nil {
			if status, err := lc.Status(ctx); err == nil {
				if status.Self != nil {
					dnsName := strings.TrimSuffix(status.Self.DNSName, ".")
					if dnsName != "" {
						fmt.Fprintf(os.Stderr, "    https://%s:%d\n", dnsName, *port)
					}
				}
				for _, ip := range status.TailscaleIPs {
					fmt.Fprintf(os.Stderr, "    https://%s:%d\n", ip, *port)
				}
			}
		}
		fmt.Fprintln(os.Stderr)

		go func() {
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "err", err)
				os.Exit(1)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
}

func defaultWorkdir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, "worktrees")
}

func listenWithFallback(host string, startPort, maxAttempts int, logger *slog.Logger) (net.Listener, error) {
	for i := range maxAttempts {
		port := startPort + i
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			if i > 0 {
				logger.Info("port was busy, using fallback", "requested", startPort, "actual", port)
			}
			return ln, nil
		}
		if !strings.Contains(err.Error(), "address already in use") {
			return nil, err
		}
	}
	return nil, fmt.Errorf("all ports %d-%d are in use", startPort, startPort+maxAttempts-1)
}
