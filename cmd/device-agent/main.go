package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/prometheus/client_golang/prometheus"

	"devicegateway/internal/activation"
	"devicegateway/internal/config"
	"devicegateway/internal/dispatcher"
	"devicegateway/internal/objectstore"
	"devicegateway/internal/persistence"
	"devicegateway/internal/policy"
	"devicegateway/internal/transport"
	"devicegateway/internal/trust"
)

func main() {
	var (
		configFile = flag.String("config", "device-agent.yaml", "Path to configuration file")
		logLevel   = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
	)
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic("failed to load configuration: " + err.Error())
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logger := setupLogger(cfg.Logging)
	defer logger.Sync()

	logger.Info("starting device agent",
		zap.String("transport", cfg.Transport.Scheme),
		zap.String("host", cfg.Transport.Host))

	trustStore, err := trust.NewFileStore(cfg.TrustStore.Path)
	if err != nil {
		logger.Fatal("failed to load trust store", zap.Error(err))
	}

	store, err := persistence.Open(logger, cfg.Persistence.Path)
	if err != nil {
		logger.Fatal("failed to open persistence store", zap.Error(err))
	}
	defer store.Close()

	conn, err := buildConnection(logger, cfg, trustStore)
	if err != nil {
		logger.Fatal("failed to build transport connection", zap.Error(err))
	}
	defer conn.Close()

	activator := activation.NewActivator(logger, trustStore)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := activator.Activate(ctx, conn, nil); err != nil {
		logger.Fatal("activation failed", zap.Error(err))
	}

	endpointID, _ := trustStore.EndpointID()

	registry := policy.NewRegistry(store, endpointID)
	engine := policy.NewEngine(logger, registry)

	counters := dispatcher.NewCounters(prometheus.DefaultRegisterer)
	disp := dispatcher.New(logger, conn, engine, store, counters, endpointID, dispatcher.Config{
		QueueCapacity:            cfg.Dispatcher.QueueCapacity,
		SettleTime:               cfg.Dispatcher.SettleTime,
		PollInterval:             cfg.Dispatcher.PollInterval,
		LongPollTimeout:          cfg.Dispatcher.LongPollTimeout,
		MaxRetries:               cfg.Dispatcher.MaxRetries,
		InitialBackoff:           cfg.Dispatcher.InitialBackoff,
		MaxBackoff:               cfg.Dispatcher.MaxBackoff,
		CircuitMaxFailures:       cfg.Dispatcher.CircuitMaxFailures,
		CircuitOpenTimeout:       cfg.Dispatcher.CircuitOpenTimeout,
		MaxMessagesPerConnection: cfg.Dispatcher.MaxMessagesPerConnection,
		AverageWaitTime:          cfg.Dispatcher.AverageWaitTime,
	})
	disp.RegisterBuiltinResources()

	if err := disp.Start(ctx); err != nil {
		logger.Fatal("dispatcher startup failed", zap.Error(err))
	}

	// The storage dispatcher handles large-content transfers (firmware
	// images, diagnostic bundles) out of band from the message queue;
	// disp.EnqueueUpload is how a handler registers a message's
	// storage-object dependency with it.
	objStore := objectstore.NewDispatcher(logger, nil)
	objStore.Start(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("received shutdown signal, shutting down gracefully")
	cancel()
	objStore.Stop()
	disp.Stop()
	logger.Info("device agent shutdown complete")
}

func buildConnection(logger *zap.Logger, cfg config.Config, store trust.Store) (transport.Connection, error) {
	tlsConfig, err := transport.BuildTLSConfig(logger, transport.TLSFiles{
		CertFile:   cfg.Transport.TLSCertFile,
		KeyFile:    cfg.Transport.TLSKeyFile,
		CAFile:     cfg.Transport.TLSCAFile,
		MinVersion: cfg.Transport.TLSMinVersion,
	})
	if err != nil {
		return nil, err
	}

	switch cfg.Transport.Scheme {
	case "mqtts", "mqtt":
		return transport.NewMQTTConnection(logger, transport.MQTTConfig{
			Broker:            cfg.Transport.Scheme + "://" + cfg.Transport.Host,
			ClientID:          store.ClientID(),
			TLSConfig:         tlsConfig,
			KeepAlive:         cfg.Transport.KeepAlive,
			ConnectionTimeout: cfg.Transport.ConnectionTimeout,
		}, store), nil
	default:
		return transport.NewHTTPConnection(logger, transport.HTTPConfig{
			BaseURL:        cfg.Transport.Scheme + "://" + cfg.Transport.Host,
			TLSConfig:      tlsConfig,
			DefaultTimeout: cfg.Transport.DefaultTimeout,
		}, store), nil
	}
}

func setupLogger(cfg config.LoggingConfig) *zap.Logger {
	var zapCfg zap.Config
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level := zapcore.InfoLevel
	if err := level.UnmarshalText([]byte(cfg.Level)); err == nil {
		zapCfg.Level = zap.NewAtomicLevelAt(level)
	}

	logger, err := zapCfg.Build()
	if err != nil {
		panic("failed to build logger: " + err.Error())
	}
	return logger
}
