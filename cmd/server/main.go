// Sanbao backend: request metrics, audit log export, SSRF-safe webhook
// dispatch and URL checking for the sanbao assistant platform.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog/log"

	"github.com/sanbao-ai/sanbao/backend/internal/config"
	"github.com/sanbao-ai/sanbao/backend/internal/logging"
	"github.com/sanbao-ai/sanbao/backend/internal/ssrf"
	"github.com/sanbao-ai/sanbao/backend/pkg/server"
)

var CLI struct {
	Config    string `short:"c" help:"YAML configuration file (overlays environment)" env:"SANBAO_CONFIG"`
	Port      int    `short:"p" help:"Override the listen port"`
	LogLevel  string `help:"Override the log level (debug, info, warn, error)"`
	LogFormat string `help:"Override the log format (json, console)"`

	Serve struct{} `cmd:"" default:"1" help:"Run the HTTP server"`

	CheckURL struct {
		URL     string `arg:"" help:"URL to check"`
		Resolve bool   `help:"Also resolve the hostname and check every address"`
	} `cmd:"" name:"check-url" help:"Report whether a URL is safe to fetch"`

	Version struct{} `cmd:"" help:"Print the version"`
}

func main() {
	kctx := kong.Parse(&CLI,
		kong.Name("sanbao"),
		kong.Description("Sanbao backend server"),
		kong.UsageOnError(),
	)

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	logging.Setup(cfg.Log)

	switch kctx.Command() {
	case "check-url <url>":
		os.Exit(checkURL(cfg, CLI.CheckURL.URL, CLI.CheckURL.Resolve))
	case "version":
		fmt.Println(cfg.Version)
	default:
		if err := serve(cfg); err != nil {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(CLI.Config)
	if err != nil {
		return nil, err
	}
	if CLI.Port > 0 {
		cfg.Port = CLI.Port
	}
	if CLI.LogLevel != "" {
		cfg.Log.Level = CLI.LogLevel
	}
	if CLI.LogFormat != "" {
		cfg.Log.Format = CLI.LogFormat
	}
	return cfg, cfg.Validate()
}

func serve(cfg *config.Config) error {
	log.Info().Str("version", cfg.Version).Msg("Sanbao backend starting...")

	ctx := context.Background()
	srv, err := server.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", srv.Port),
		Handler:      srv.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP shutdown incomplete")
		}
	}()

	log.Info().Int("port", srv.Port).Msg("Sanbao backend listening")

	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		_ = srv.Shutdown(ctx)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Background shutdown incomplete")
	}
	log.Info().Msg("Stopped")
	return nil
}

// checkURL prints "safe" or "blocked" and returns the process exit code.
func checkURL(cfg *config.Config, raw string, resolve bool) int {
	if rule, blocked := ssrf.Check(raw); blocked {
		fmt.Printf("blocked\t%s\t%s\n", rule.Name, rule.Reason)
		return 1
	}

	opts := []ssrf.Option{ssrf.WithCacheTTL(0), ssrf.WithTimeout(cfg.URLGuard.Timeout)}
	if !resolve {
		opts = append(opts, ssrf.WithResolver(nil))
	}
	g, err := ssrf.NewGuard(opts...)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	defer g.Close()

	if !g.Allow(context.Background(), raw) {
		fmt.Println("blocked")
		return 1
	}
	fmt.Println("safe")
	return 0
}
