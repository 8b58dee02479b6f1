package cmd

import (
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/spf13/cobra"

	"github.com/featherdev/feather/internal/config"
	"github.com/featherdev/feather/internal/handlers"
	"github.com/featherdev/feather/internal/logger"
	"github.com/featherdev/feather/internal/normalizer"
	"github.com/featherdev/feather/internal/services"
	"github.com/featherdev/feather/internal/sessions"
)

var (
	servePort string
	serveDev  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "🚀 Start the dashboard server",
	Long: `# 🚀 Feather Server

**Starts the dashboard HTTP server** with the session normalizer, tmux agent
control, and the background title and memory services.

## ⚙️ Configuration

Settings come from **~/.feather/config.yaml** and **FEATHER_*** environment
variables. The **--port** flag overrides both.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&servePort, "port", "p", "", "HTTP listen port (overrides config)")
	serveCmd.Flags().BoolVar(&serveDev, "dev", false, "pretty console logs for development")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger.Configure(logger.GetLogLevelFromEnv(serveDev), serveDev)

	cfg := config.Runtime
	if servePort != "" {
		cfg.Port = servePort
	}

	logger.Infof("Starting feather %s on port %s", Version, cfg.Port)

	cache := sessions.NewCache(cfg.NormalizedDir, cfg.MemoryFile)

	norm := normalizer.NewService(cache, cfg)
	if err := norm.Start(); err != nil {
		return err
	}

	stop := make(chan struct{})

	tmux := services.NewTmuxManager(cfg.DefaultCwd)
	tmux.RebuildPiSessions(cfg.PiSessionsDir)
	tmux.StartIdleReaper(cfg.NormalizedDir, stop)

	anthropic := services.NewAnthropicService()
	titles := services.NewTitleService(cache, anthropic, cfg.TitleCacheFile, tmux)
	memory := services.NewMemoryService(cache, anthropic)
	if anthropic.IsConfigured() {
		go titles.Run(stop)
		go memory.Run(stop)
	} else {
		logger.Warn("Anthropic API key not set; titles and memory extraction disabled")
	}

	binPath, err := os.Executable()
	if err != nil {
		binPath = filepath.Join(cfg.HomeDir, "bin", "feather")
	}
	deploy := services.NewDeployService(
		Version,
		filepath.Join(cfg.HomeDir, "feather"),
		filepath.Join(cfg.HomeDir, ".feather", "builds"),
		binPath,
	)

	agentsHandler := handlers.NewAgentsHandler(tmux, titles, cache, cfg, Version)
	sessionsHandler := handlers.NewSessionsHandler(cache, cfg, norm.Activity())
	eventsHandler := handlers.NewEventsHandler(cache)
	tailHandler := handlers.NewTailHandler(cache)
	terminalHandler := handlers.NewTerminalHandler(tmux)
	uploadHandler := handlers.NewUploadHandler(cfg)
	deployHandler := handlers.NewDeployHandler(deploy)

	app := fiber.New(fiber.Config{
		AppName:               "feather",
		BodyLimit:             10 * 1024 * 1024,
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(cors.New())

	app.Get("/health", agentsHandler.Health)

	v1 := app.Group("/v1")
	v1.Get("/events", eventsHandler.HandleSSE)

	v1.Get("/projects", sessionsHandler.ListProjects)
	v1.Post("/projects", sessionsHandler.CreateProject)
	v1.Get("/projects/:project/sessions", sessionsHandler.ListSessions)
	v1.Get("/projects/:project/sessions/:session/history", sessionsHandler.GetHistory)
	v1.Get("/projects/:project/sessions/:session/tail", tailHandler.HandleTail)

	claude := v1.Group("/claude")
	claude.Get("/auth-status", agentsHandler.AuthStatus)
	claude.Get("/status/:session", agentsHandler.SessionStatus)
	claude.Post("/spawn", agentsHandler.SpawnClaude)
	claude.Post("/new", agentsHandler.NewClaude)
	claude.Post("/send", agentsHandler.SendClaude)
	claude.Post("/signal", agentsHandler.SignalClaude)
	claude.Post("/kill/:session", agentsHandler.KillSession)
	claude.Get("/output/:session", agentsHandler.SessionOutput)
	claude.Get("/sessions", agentsHandler.ListTmuxSessions)
	claude.Get("/terminal/:session", terminalHandler.HandleSSE)

	codex := v1.Group("/codex")
	codex.Post("/new", agentsHandler.NewCodex)
	codex.Post("/send", agentsHandler.SendCodex)
	codex.Get("/status/:session", agentsHandler.SessionStatus)

	pi := v1.Group("/pi")
	pi.Post("/new", agentsHandler.NewPi)
	pi.Post("/send", agentsHandler.SendPi)
	pi.Get("/resolve/:session", agentsHandler.ResolvePi)
	pi.Get("/status/:session", agentsHandler.SessionStatus)

	v1.Post("/upload/image", uploadHandler.UploadImage)
	v1.Post("/upload/file", uploadHandler.UploadFile)

	v1.Get("/deploy/status", deployHandler.Status)
	v1.Get("/deploy/stream", deployHandler.Stream)
	v1.Post("/deploy/app", deployHandler.StartApp)
	v1.Post("/deploy/rollback", deployHandler.Rollback)

	app.Use("/ws", handlers.UpgradeWS)
	app.Get("/ws/terminal/:session", terminalHandler.HandleWS())

	app.Static("/uploads", cfg.UploadsDir)
	app.Static("/", "./static")

	// Graceful shutdown on SIGINT/SIGTERM.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info("Shutting down...")
		close(stop)
		norm.Stop()
		_ = app.Shutdown()
	}()

	return app.Listen(":" + cfg.Port)
}
