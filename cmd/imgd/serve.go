package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"imgd/internal/app"
	"imgd/internal/config"
	"imgd/internal/httpapi"
)

const shutdownTimeout = 15 * time.Second

type serveOptions struct {
	addr            string
	modelsDir       string
	dbPath          string
	broadcaster     string
	corsOrigins     string
	requestLogLevel string
	maxBodyBytes    int64
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon: supervisor, scheduler and ops HTTP API",
		Example: `  imgd serve --config imgd.yaml
  IMGD_MODELS_DIR=./config imgd serve --addr :8090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, root, opts)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, opts, cmd.ErrOrStderr())
		},
	}
	opts.bind(cmd)
	return cmd
}

func (o *serveOptions) bind(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&o.addr, "addr", "", "HTTP listen address (default "+config.DefaultAddr+")")
	f.StringVar(&o.modelsDir, "models-dir", "", "Directory holding model sources (default "+config.DefaultModelsDir+")")
	f.StringVar(&o.dbPath, "db", "", "SQLite database path, or :memory:")
	f.StringVar(&o.broadcaster, "broadcaster", "", "Event broadcaster: log|memory|redis|nats|none")
	f.StringVar(&o.corsOrigins, "cors-origins", "", "Comma separated origins allowed by CORS (empty disables CORS)")
	f.StringVar(&o.requestLogLevel, "request-log-level", "info", "Access log level: off|error|info|debug")
	f.Int64Var(&o.maxBodyBytes, "max-body-bytes", 0, "Maximum JSON request body size (0 keeps 1 MiB)")
}

// loadConfig layers settings file, .env, IMGD_* variables and finally flags.
func loadConfig(cmd *cobra.Command, root *rootOptions, opts *serveOptions) (config.Config, error) {
	var cfg config.Config
	if root.configPath != "" {
		c, err := config.Load(root.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = c
	}
	if err := config.LoadDotEnv(); err != nil {
		return cfg, err
	}
	if err := config.ApplyEnv(&cfg); err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Addr = opts.addr
	}
	if flags.Changed("models-dir") {
		cfg.ModelsDir = opts.modelsDir
	}
	if flags.Changed("db") {
		cfg.DBPath = opts.dbPath
	}
	if flags.Changed("broadcaster") {
		cfg.Broadcaster = opts.broadcaster
	}
	if flags.Changed("cors-origins") {
		cfg.CORSOrigins = splitCSV(opts.corsOrigins)
	}
	if root.logLevel != "" {
		cfg.LogLevel = root.logLevel
	}
	if root.logFormat != "" {
		cfg.LogFormat = root.logFormat
	}
	cfg.Defaults()
	return cfg, nil
}

// newLogger builds the process logger. Unknown levels fall back to info.
func newLogger(level, format string, w io.Writer) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if strings.EqualFold(format, "json") {
		return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).Level(lvl).With().Timestamp().Logger()
}

func runServe(parent context.Context, cfg config.Config, opts *serveOptions, logOut io.Writer) error {
	log := newLogger(cfg.LogLevel, cfg.LogFormat, logOut)

	httpapi.SetLogger(log)
	httpapi.SetRequestLogLevel(opts.requestLogLevel)
	httpapi.SetMaxBodyBytes(opts.maxBodyBytes)
	if len(cfg.CORSOrigins) > 0 {
		httpapi.SetCORSOptions(true, cfg.CORSOrigins, nil, nil)
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	httpapi.SetBaseContext(ctx)

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(a),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("models_dir", cfg.ModelsDir).Str("db", cfg.DBPath).Msg("imgd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	a.Run(ctx)

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown requested")
	case serveErr = <-errCh:
		if serveErr != nil {
			log.Error().Err(serveErr).Msg("server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
	if err := a.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("close error")
	}
	return serveErr
}
