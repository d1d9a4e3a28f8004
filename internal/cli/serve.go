package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/ltth/actuator/internal/admin"
	"github.com/ltth/actuator/internal/config"
	"github.com/ltth/actuator/internal/engine"
	"github.com/ltth/actuator/internal/observer"
	"github.com/ltth/actuator/internal/queue"
	"github.com/ltth/actuator/internal/safety"
	"github.com/ltth/actuator/internal/store"
	"github.com/ltth/actuator/internal/telemetry"
	"github.com/ltth/actuator/internal/transport"
)

const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	ConfigPath string
	RulesPath  string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the command queue and the admin API",
		Long: `Run the dispatch loop against the configured transport and serve the
admin API until interrupted.

Configuration is read from --config (optional) and ACTUATOR_* environment
variables. Limits, mappings and patterns come from the rules file.

Examples:
  actuator serve
  actuator serve --config ./actuator.yaml --rules ./rules.yaml
  ACTUATOR_TRANSPORT_KIND=openshock ACTUATOR_TRANSPORT_API_TOKEN=... actuator serve`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVarP(&opts.RulesPath, "rules", "r", "", "path to rules file (overrides rules.path)")

	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	logger := setupLogging(opts.Verbose)

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.RulesPath != "" {
		cfg.Rules.Path = opts.RulesPath
	}

	rules, err := loadServeRules(cfg.Rules.Path, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load rules", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry.Endpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up telemetry", err)
	}
	defer shutdownWithTimeout(logger, "telemetry", shutdownTelemetry)

	tr, err := buildTransport(cfg.Transport, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create transport", err)
	}

	sinks, err := buildSinks(ctx, cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up observers", err)
	}
	defer sinks.close(logger)

	loc, err := cfg.Safety.Location()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid timezone", err)
	}

	eng := engine.New(tr,
		engine.WithLimits(rules.Limits),
		engine.WithLocation(loc),
		engine.WithLogger(logger),
		engine.WithObserver(sinks.fanout),
		engine.WithMaxCommandsPerEvent(cfg.Queue.MaxCommandsPerEvent),
		engine.WithQueueOptions(
			queue.WithTickInterval(cfg.Queue.TickInterval),
			queue.WithSendTimeout(cfg.Queue.SendTimeout),
			queue.WithHoldForDuration(cfg.Queue.HoldForDuration),
			queue.WithTracer(otel.Tracer("github.com/ltth/actuator/internal/queue")),
		),
	)
	for _, err := range eng.ReloadMappings(rules.Mappings) {
		logger.Warn("mapping skipped", "error", err)
	}
	for _, err := range eng.ReloadPatterns(rules.Patterns) {
		logger.Warn("pattern skipped", "error", err)
	}

	ln, err := net.Listen("tcp", cfg.Admin.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen on admin address", err)
	}
	var history admin.History
	if sinks.store != nil {
		history = sinks.store
	}
	srv := &http.Server{
		Handler: admin.New(admin.Config{
			Core:      eng,
			History:   history,
			JWTSecret: cfg.Admin.JWTSecret,
			Logger:    logger,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin server failed", "error", err)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Actuator started (transport: %s)\n", cfg.Transport.Kind)
	fmt.Fprintf(out, "  Admin API: http://%s\n", ln.Addr())
	fmt.Fprintf(out, "  Rules: %s (%d mappings, %d patterns)\n", cfg.Rules.Path, len(rules.Mappings), len(rules.Patterns))
	fmt.Fprintln(out, "Press Ctrl+C to stop")

	runErr := eng.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin server shutdown", "error", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return WrapExitError(ExitCommandError, "engine error", runErr)
	}
	fmt.Fprintln(out, "Actuator stopped")
	return nil
}

// loadServeRules loads the rules file. A missing file means default limits
// and no mappings; any other problem is fatal.
func loadServeRules(path string, logger *slog.Logger) (*config.Rules, error) {
	rules, err := config.LoadRules(path)
	if err == nil {
		return rules, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn("rules file not found, using default limits", "path", path)
		return &config.Rules{Limits: safety.DefaultLimits()}, nil
	}
	return nil, err
}

func buildTransport(cfg config.TransportConfig, logger *slog.Logger) (transport.Transport, error) {
	switch cfg.Kind {
	case "dryrun":
		return transport.NewDryRun(logger, cfg.Devices...), nil
	case "openshock":
		return transport.NewOpenShock(transport.OpenShockConfig{
			BaseURL:    cfg.BaseURL,
			APIToken:   cfg.APIToken,
			Timeout:    cfg.Timeout,
			RetryCount: cfg.RetryCount,
			CustomName: "actuator",
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Kind)
	}
}

// serveSinks owns the observers and the connections behind them.
type serveSinks struct {
	fanout  observer.Fanout
	store   *store.Store
	asyncs  []*observer.Async
	closers []io.Closer
	mqtt    interface{ Disconnect(quiesce uint) }
}

func buildSinks(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *serveSinks, err error) {
	s := &serveSinks{fanout: observer.Fanout{observer.Log{Logger: logger}}}
	defer func() {
		if err != nil {
			s.close(logger)
		}
	}()

	async := func(name string, inner observer.Observer) {
		a := observer.NewAsync(name, inner, cfg.Observer.Buffer, logger)
		s.asyncs = append(s.asyncs, a)
		s.fanout = append(s.fanout, a)
	}

	if cfg.Store.Path != "" {
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		s.store = st
		s.closers = append(s.closers, st)
		if cfg.Store.Retention > 0 {
			n, err := st.Prune(ctx, time.Now().Add(-cfg.Store.Retention))
			if err != nil {
				return nil, err
			}
			logger.Info("audit log pruned", "rows", n, "retention", cfg.Store.Retention)
		}
		async("audit", observer.NewAudit(st, logger))
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		s.closers = append(s.closers, client)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		async("redis", observer.NewRedisStream(client, cfg.Redis.Stream, cfg.Redis.MaxLen, logger))
	}

	if cfg.MQTT.Broker != "" {
		client, err := observer.DialMQTT(observer.MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		})
		if err != nil {
			return nil, err
		}
		s.mqtt = client
		async("mqtt", observer.NewMQTT(client, cfg.MQTT.Topic, byte(cfg.MQTT.QoS), logger))
	}

	return s, nil
}

// close drains the async sinks before closing what they write to.
func (s *serveSinks) close(logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, a := range s.asyncs {
		if err := a.Close(ctx); err != nil {
			logger.Warn("observer did not drain", "error", err, "dropped", a.Dropped())
		}
	}
	s.asyncs = nil
	if s.mqtt != nil {
		s.mqtt.Disconnect(250)
		s.mqtt = nil
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}
	s.closers = nil
}

func shutdownWithTimeout(logger *slog.Logger, name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		logger.Warn("shutdown failed", "component", name, "error", err)
	}
}
