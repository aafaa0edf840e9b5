package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"entitysync/internal/engine"
	servernet "entitysync/internal/net"
	"entitysync/internal/telemetry"
	"entitysync/internal/world"
	"entitysync/logging"
	loggingSinks "entitysync/logging/sinks"
)

// Options carries per-deployment wiring that does not belong in the config
// file: the component catalog, request handlers, and seed entities.
type Options struct {
	ConfigPath string
	Logger     *log.Logger
	// Setup runs after construction and before the writer loop starts, so it
	// may register components and handlers and seed the world directly.
	Setup func(*engine.Engine) error
}

// Run assembles the service and blocks until the context is cancelled or the
// listener fails.
func Run(ctx context.Context, opts Options) error {
	cfg, err := LoadConfig(opts.ConfigPath)
	if err != nil {
		return err
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	logCfg := logging.DefaultConfig()
	if len(cfg.Logging.Sinks) > 0 {
		logCfg.EnabledSinks = cfg.Logging.Sinks
	}
	logCfg.Console.UseColor = cfg.Logging.Color
	logCfg.JSON.FilePath = cfg.Logging.JSONPath

	var sinks []logging.NamedSink
	if logCfg.HasSink("console") {
		sinks = append(sinks, logging.NamedSink{
			Name: "console",
			Sink: loggingSinks.NewConsoleSink(os.Stdout, logCfg.Console),
		})
	}
	if logCfg.HasSink("json") && logCfg.JSON.FilePath != "" {
		jsonSink, err := loggingSinks.NewJSONSink(logCfg.JSON)
		if err != nil {
			return fmt.Errorf("failed to open json log sink: %w", err)
		}
		sinks = append(sinks, logging.NamedSink{Name: "json", Sink: jsonSink})
	}
	router, err := logging.NewRouter(logging.SystemClock{}, logCfg, sinks)
	if err != nil {
		return fmt.Errorf("failed to construct logging router: %w", err)
	}
	defer func() {
		if cerr := router.Close(context.Background()); cerr != nil {
			logger.Printf("failed to close logging router: %v", cerr)
		}
	}()

	metrics := logging.NewMetrics()
	eng := engine.New(cfg.engineConfig(), engine.Deps{
		Components: world.NewRegistry(),
		Logger:     telemetry.WrapLogger(logger),
		Metrics:    telemetry.WrapMetrics(metrics),
		Publisher:  router,
	})
	if opts.Setup != nil {
		if err := opts.Setup(eng); err != nil {
			return fmt.Errorf("setup failed: %w", err)
		}
	}

	stop := make(chan struct{})
	go eng.Run(stop)
	defer close(stop)

	handler := servernet.NewHTTPHandler(eng, servernet.HTTPHandlerConfig{
		Logger:  logger,
		Auth:    servernet.NewJWTAuthenticator([]byte(cfg.AuthSecret)),
		Metrics: metrics,
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: handler}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Printf("syncd listening on %s", cfg.ListenAddr)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
