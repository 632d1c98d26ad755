package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/OCAP2/mapsync/internal/config"
	"github.com/OCAP2/mapsync/internal/events"
	"github.com/OCAP2/mapsync/internal/logging"
	"github.com/OCAP2/mapsync/internal/maphost"
	"github.com/OCAP2/mapsync/internal/monitor"
	"github.com/OCAP2/mapsync/internal/observer"
	"github.com/OCAP2/mapsync/internal/observer/dbsource"
	"github.com/OCAP2/mapsync/internal/observer/filesource"
	intOtel "github.com/OCAP2/mapsync/internal/otel"
	"github.com/OCAP2/mapsync/internal/readiness"
	"github.com/OCAP2/mapsync/internal/render/websocket"
	"github.com/OCAP2/mapsync/pkg/core"
)

const serviceName = "mapsync"

func newServeCmd() *cobra.Command {
	var configDir string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a map host until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, configDir)
		},
	}
	cmd.Flags().StringVar(&configDir, "config", ".", "directory containing "+config.FileName)
	return cmd
}

// closers run in reverse order on shutdown.
type closers []func() error

func (c *closers) add(fn func() error) { *c = append(*c, fn) }

func (c closers) run() error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		errs = append(errs, c[i]())
	}
	return errors.Join(errs...)
}

func serve(ctx context.Context, configDir string) (err error) {
	sessionStart := time.Now()
	var cleanup closers
	defer func() {
		err = errors.Join(err, cleanup.run())
	}()

	slogManager := logging.NewSlogManager()
	slogManager.Setup(logging.Options{Level: "info"})
	logger := slogManager.Logger()

	if err := config.Load(configDir); err != nil {
		logger.Warn("Failed to load config, using defaults!", "error", err)
		config.LoadDefaults()
	} else {
		logger.Info("Loaded config", "dir", configDir)
	}

	logLevel := config.GetString("logLevel")
	logsDir := config.GetString("logsDir")

	var logOut io.Writer = os.Stdout
	logFile, err := logging.OpenLogFile(logsDir, serviceName, sessionStart)
	if err != nil {
		logger.Error("Failed to create/open log file!", "error", err)
	} else {
		logOut = logFile
		cleanup.add(logFile.Close)
		logger.Info("Begin logging in logs directory", "path", logFile.Name())
	}

	otelCfg := config.GetOTelConfig()
	otelProvider, err := intOtel.New(ctx, intOtel.Config{
		Enabled:      otelCfg.Enabled,
		ServiceName:  otelCfg.ServiceName,
		BatchTimeout: otelCfg.BatchTimeout,
		LogWriter:    logOut,
		Endpoint:     otelCfg.Endpoint,
		Insecure:     otelCfg.Insecure,
	})
	if err != nil {
		logger.Error("Failed to initialize OTel provider", "error", err)
		otelProvider, _ = intOtel.New(ctx, intOtel.Config{})
	}
	cleanup.add(func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return otelProvider.Shutdown(sctx)
	})

	var extra []slog.Handler
	if gl := config.GetGraylogConfig(); gl.Enabled {
		w, err := logging.DialGelf(gl.Address)
		if err != nil {
			logger.Error("Failed to connect to Graylog", "error", err)
		} else {
			gh := logging.NewGelfHandler(w, slogLevel(logLevel), serviceName)
			extra = append(extra, gh)
			cleanup.add(gh.Close)
		}
	}

	var hostRef atomic.Pointer[maphost.Host]
	var file io.Writer
	if logFile != nil {
		file = logFile
	}
	slogManager.Setup(logging.Options{
		File:     file,
		Level:    logLevel,
		Provider: otelProvider.LoggerProvider(),
		Extra:    extra,
		Context: func() []slog.Attr {
			if h := hostRef.Load(); h != nil {
				return []slog.Attr{slog.String("hostState", h.State().String())}
			}
			return nil
		},
	})
	logger = slogManager.Logger()
	slog.SetDefault(logger)

	zl := zerolog.New(logOut).With().Timestamp().Str("component", "events").Logger().
		Level(zerologLevel(logLevel))
	bus, err := events.New(logging.NewEventLogger(zl))
	if err != nil {
		return fmt.Errorf("creating event bus: %w", err)
	}
	cleanup.add(bus.Close)

	source, stopSource, err := openSource(ctx, logger)
	if err != nil {
		return &configError{err: err}
	}
	cleanup.add(stopSource)

	mapCfg := config.GetMapConfig()
	for _, key := range mapCfg.Invalid {
		logger.Warn("Ignoring malformed map setting", "key", key)
	}

	renderCfg := config.GetRenderConfig()
	gate := readiness.New()
	host, err := maphost.New(maphost.Options{
		Type:   mapCfg.Type,
		Gate:   gate,
		Bus:    bus,
		Source: source,
		Factory: websocket.NewFactory(websocket.Config{
			URL:    renderCfg.URL,
			Secret: renderCfg.Secret,
			Logger: logger.With("component", "render"),
		}),
		Logger:   logger,
		Settings: mapCfg.Settings,
	})
	if err != nil {
		return fmt.Errorf("creating map host: %w", err)
	}
	hostRef.Store(host)
	cleanup.add(host.Dispose)

	host.On(core.EventMapLoaded, func(e events.Event) {
		logger.Info("Map loaded", "host", e.Source)
	}, events.Logged())
	host.On(core.EventMapClicked, func(e events.Event) {
		if p, ok := e.Payload.(core.MapClicked); ok {
			logger.Info("Map clicked", "lng", p.LngLat.Lng, "lat", p.LngLat.Lat)
		}
	}, events.Buffered(64), events.Logged())

	stopMonitor, err := startMonitor(ctx, host, logsDir, logger)
	if err != nil {
		logger.Error("Failed to start monitor", "error", err)
	} else {
		cleanup.add(stopMonitor)
	}

	host.Attach()
	gate.SetReady()
	logger.Info("Map host started", "host", host.ID(), "type", host.Type(), "version", Version)

	<-ctx.Done()
	logger.Info("Shutting down", "host", host.ID())
	if err := slogManager.Flush(context.Background()); err != nil {
		logger.Warn("Failed to flush logs", "error", err)
	}
	return nil
}

// openSource builds the configured change source and starts following it.
func openSource(ctx context.Context, logger *slog.Logger) (observer.ChangeSource, func() error, error) {
	sc := config.GetSourceConfig()
	switch sc.Type {
	case "file":
		src, err := filesource.New(filesource.Config{Path: sc.File, Debounce: sc.Debounce, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		if err := src.Start(); err != nil {
			return nil, nil, err
		}
		logger.Info("Watching marker file", "path", sc.File)
		return src, src.Stop, nil
	case "db":
		dc := config.GetDBConfig()
		db, err := dbsource.Open(dbsource.DBConfig{
			Driver:   dc.Driver,
			Host:     dc.Host,
			Port:     dc.Port,
			Username: dc.Username,
			Password: dc.Password,
			Database: dc.Database,
			Path:     dc.Path,
		})
		if err != nil {
			return nil, nil, err
		}
		src, err := dbsource.New(ctx, dbsource.Config{DB: db, PollInterval: sc.PollInterval, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		src.Start()
		logger.Info("Polling marker table", "driver", dc.Driver, "interval", sc.PollInterval)
		return src, func() error {
			src.Stop()
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		}, nil
	case "none", "":
		return nil, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown source type %q", sc.Type)
	}
}

// startMonitor samples the host into logsDir/status.json and, when enabled,
// InfluxDB.
func startMonitor(ctx context.Context, host *maphost.Host, logsDir string, logger *slog.Logger) (func() error, error) {
	ic := config.GetInfluxConfig()
	deps := monitor.Dependencies{
		Hosts:      []monitor.StatsSource{host},
		Interval:   ic.Interval,
		StatusPath: filepath.Join(logsDir, "status.json"),
		Logger:     logger,
	}
	var sink *monitor.InfluxSink
	if ic.Enabled {
		zl := zerolog.New(os.Stderr).With().Timestamp().Str("component", "influx").Logger()
		sink = monitor.NewInfluxSink(ic, filepath.Join(logsDir, "influx_backup.log.gz"), zl)
		if err := sink.Connect(ctx); err != nil {
			return nil, err
		}
		deps.Sink = sink
	}
	mon := monitor.NewService(deps)
	mon.Start()
	return func() error {
		mon.Stop()
		if sink != nil {
			return sink.Close()
		}
		return nil
	}, nil
}

func slogLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func zerologLevel(level string) zerolog.Level {
	l, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || l == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return l
}
