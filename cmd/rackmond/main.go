// Package main is the entry point for the rack monitor daemon.
// It initializes all components and manages the application lifecycle.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nexus-edge/rackmon/internal/adapter/config"
	"github.com/nexus-edge/rackmon/internal/adapter/modbus"
	"github.com/nexus-edge/rackmon/internal/adapter/mqtt"
	"github.com/nexus-edge/rackmon/internal/domain"
	"github.com/nexus-edge/rackmon/internal/health"
	"github.com/nexus-edge/rackmon/internal/metrics"
	"github.com/nexus-edge/rackmon/internal/service"
	"github.com/nexus-edge/rackmon/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	serviceName    = "rackmond"
	serviceVersion = "1.0.0"
)

func main() {
	printRegmaps := flag.Bool("print-regmaps", false, "print the loaded register maps and exit")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s %s\n", serviceName, serviceVersion)
		return
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	logger, logCloser, err := logging.New(serviceName, serviceVersion, logging.LogConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	logger.Info().Str("env", cfg.Environment).Msg("Starting rack monitor")

	// Load register maps. Broken documents are skipped, the rest still load.
	regmaps := service.NewRegisterMapDatabase(logger)
	if err := regmaps.Load(cfg.RegisterMapDir); err != nil {
		logger.Warn().Err(err).Msg("Some register maps failed to load")
	}
	if *printRegmaps {
		if err := regmaps.Print(os.Stdout); err != nil {
			logger.Fatal().Err(err).Msg("Failed to print register maps")
		}
		return
	}
	if regmaps.Len() == 0 {
		logger.Fatal().Str("dir", cfg.RegisterMapDir).Msg("No register maps loaded")
	}

	// Initialize metrics
	metricsRegistry := metrics.NewRegistry(prometheus.DefaultRegisterer)

	// Create root context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// =============================================================
	// Serial bus
	// =============================================================

	bus, err := modbus.NewBus(modbus.BusConfig{
		Device:                  cfg.Serial.Device,
		BaudRate:                cfg.Serial.Baudrate,
		DataBits:                cfg.Serial.DataBits,
		Parity:                  cfg.Serial.Parity,
		StopBits:                cfg.Serial.StopBits,
		Timeout:                 cfg.Serial.Timeout,
		IdleTimeout:             cfg.Serial.IdleTimeout,
		Trace:                   logging.ParseLevel(cfg.Logging.Level) == zerolog.TraceLevel,
		BreakerMaxRequests:      cfg.Serial.CBMaxRequests,
		BreakerInterval:         cfg.Serial.CBInterval,
		BreakerTimeout:          cfg.Serial.CBTimeout,
		BreakerFailureThreshold: cfg.Serial.CBFailures,
	}, logger, metricsRegistry)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create serial bus")
	}
	defer bus.Close()

	// =============================================================
	// Telemetry
	// =============================================================

	var (
		publisher     service.Publisher
		mqttPublisher *mqtt.Publisher
	)
	if cfg.MQTT.Enabled {
		mqttPublisher, err = mqtt.NewPublisher(mqtt.Config{
			BrokerURL:      cfg.MQTT.BrokerURL,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			TopicPrefix:    cfg.MQTT.TopicPrefix,
			CleanSession:   cfg.MQTT.CleanSession,
			QoS:            cfg.MQTT.QoS,
			KeepAlive:      cfg.MQTT.KeepAlive,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
			ReconnectDelay: cfg.MQTT.ReconnectDelay,
			TLSEnabled:     cfg.MQTT.TLSEnabled,
			TLSCertFile:    cfg.MQTT.TLSCertFile,
			TLSKeyFile:     cfg.MQTT.TLSKeyFile,
			TLSCAFile:      cfg.MQTT.TLSCAFile,
			BufferSize:     cfg.MQTT.BufferSize,
			PublishTimeout: cfg.MQTT.PublishTimeout,
			RetainMessages: cfg.MQTT.Retain,
		}, logger, metricsRegistry)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create MQTT publisher")
		}

		// Snapshots are buffered until the broker is reachable.
		go func() {
			if err := mqttPublisher.ConnectWithRetry(ctx); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("MQTT publisher disabled")
			}
		}()
		defer mqttPublisher.Disconnect()
		publisher = mqttPublisher
	}

	// =============================================================
	// Monitor
	// =============================================================

	monitor := service.NewMonitor(service.MonitorConfig{
		Interval:               cfg.Monitor.Interval,
		ScanInterval:           cfg.Monitor.ScanInterval,
		DormantRetry:           cfg.Monitor.DormantRetry,
		MinAddress:             uint8(cfg.Monitor.MinAddress),
		MaxAddress:             uint8(cfg.Monitor.MaxAddress),
		ProbeTimeout:           cfg.Monitor.ProbeTimeout,
		MaxConsecutiveFailures: uint32(cfg.Monitor.MaxConsecutiveFailures),
		ShutdownTimeout:        cfg.Monitor.ShutdownTimeout,
		Device: modbus.DeviceConfig{
			CommandTimeout: cfg.Monitor.CommandTimeout,
			SettleTime:     cfg.Serial.SettleTime,
			Baudrate:       uint32(cfg.Serial.Baudrate),
		},
	}, bus, regmaps, publisher, logger, metricsRegistry)

	if err := monitor.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start monitor service")
	}

	// =============================================================
	// Health checks and HTTP server
	// =============================================================

	healthChecker := health.NewChecker(health.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
	})
	healthChecker.AddCheck("serial", bus)
	healthChecker.AddCheck("monitor", monitor)
	if mqttPublisher != nil {
		healthChecker.AddOptionalCheck("mqtt", mqttPublisher)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthChecker.HealthHandler)
	mux.HandleFunc("/health/live", healthChecker.LivenessHandler)
	mux.HandleFunc("/health/ready", healthChecker.ReadinessHandler)
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		stats := monitor.Stats()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"service":        serviceName,
			"version":        serviceVersion,
			"serial_breaker": bus.BreakerState(),
			"monitor":        stats,
			"devices":        monitor.DeviceInfos(),
		})
	})

	mux.HandleFunc("/devices", func(w http.ResponseWriter, r *http.Request) {
		type deviceReport struct {
			Info        domain.ModbusDeviceInfo             `json:"info"`
			Stats       modbus.DeviceStats                  `json:"stats"`
			Diagnostics []modbus.RegisterDiagnosticSnapshot `json:"diagnostics"`
			Data        domain.DeviceValueData              `json:"data"`
		}
		devices := monitor.Devices()
		reports := make([]deviceReport, 0, len(devices))
		for _, dev := range devices {
			reports = append(reports, deviceReport{
				Info:        dev.Info(),
				Stats:       dev.Stats(),
				Diagnostics: dev.DiagnosticsSnapshot(),
				Data:        dev.ValueData(),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(reports)
	})

	// Topics published so far
	mux.HandleFunc("/topics", func(w http.ResponseWriter, r *http.Request) {
		topics := []mqtt.TopicStat{}
		if mqttPublisher != nil {
			topics = mqttPublisher.ActiveTopics()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(topics)
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info().Int("port", cfg.HTTP.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	logger.Info().
		Str("serial_device", cfg.Serial.Device).
		Int("register_maps", regmaps.Len()).
		Str("address_range", fmt.Sprintf("0x%02x-0x%02x", cfg.Monitor.MinAddress, cfg.Monitor.MaxAddress)).
		Bool("mqtt", cfg.MQTT.Enabled).
		Int("http_port", cfg.HTTP.Port).
		Msg("Rack monitor started successfully")

	// =============================================================
	// Shutdown Handling
	// =============================================================

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutdown signal received, initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := monitor.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping monitor service")
	}
	cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error shutting down HTTP server")
	}

	// Bus and publisher are closed by defer
	logger.Info().Msg("Rack monitor shutdown complete")
}
