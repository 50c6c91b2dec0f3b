package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"i4.energy/across/loragw/modem"
)

func main() {
	flag.String("config", "", "Path to a YAML configuration file")
	flag.String("serial-port", "/dev/ttyUSB0", "Serial port to connect to the module")
	flag.Int("baud-rate", 9600, "Baud rate for serial communication")
	flag.String("bind-address", "0.0.0.0:8080", "Bind address for the HTTP server")
	flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.String("region", "EU868", "LoRaWAN region (EU868, US915)")
	flag.String("dev-eui", "", "Device EUI (16 hex digits)")
	flag.String("app-eui", "", "Application EUI (16 hex digits)")
	flag.String("app-key", "", "OTAA application key (32 hex digits)")
	flag.Int("max-retries", 2, "Timeout retries per command")
	flag.String("mqtt-broker", "", "MQTT broker URL for the bridge (empty disables it)")
	flag.String("mqtt-topic", "loragw", "MQTT topic prefix for the bridge")
	flag.Parse()

	configFile := os.Getenv("CONFIG_FILE")
	if f := flag.CommandLine.Lookup("config"); f != nil && f.Value.String() != "" {
		configFile = f.Value.String()
	}

	config, err := LoadConfig(WithDefaults(), WithFile(configFile), WithEnv(), WithFlags(flag.CommandLine))
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch config.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	modemConfig, err := modem.NewConfigBuilder().
		WithATTimeout(5 * time.Second).
		WithJoinTimeout(20 * time.Second).
		WithSendTimeout(15 * time.Second).
		WithInitTimeout(30 * time.Second).
		WithMaxRetries(config.MaxRetries).
		WithLogger(logger.With("component", "modem")).
		WithDialer(modem.SerialDialer{
			PortName: config.SerialPort,
			BaudRate: config.BaudRate,
		}).
		Build()
	if err != nil {
		logger.Error("Failed to create modem config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m, err := modem.New(ctx, modemConfig)
	if err != nil {
		logger.Error("Failed to create modem", "error", err)
		os.Exit(1)
	}

	loopDone := make(chan error, 1)
	go func() {
		loopDone <- m.Loop(ctx)
	}()

	version, err := m.GetVersion(ctx)
	if err != nil {
		logger.Error("Failed to read module version", "error", err)
		os.Exit(1)
	}
	logger.Info("Starting LoRa gateway", "firmware", version)

	if config.DevEui != "" {
		creds, err := parseCredentials(config)
		if err != nil {
			logger.Error("Invalid credentials", "error", err)
			os.Exit(1)
		}
		if err := m.Configure(ctx, modem.Region(config.Region), creds); err != nil {
			logger.Error("Failed to provision module", "error", err)
			os.Exit(1)
		}

		outcome, err := m.Join(ctx, false)
		if err != nil {
			logger.Error("Join attempt failed", "error", err)
			os.Exit(1)
		}
		// A failed join is not fatal: uplinks will fail until the module
		// joins, but the gateway stays up for diagnostics.
		logger.Info("Join attempt finished", "outcome", outcome.String())
	}

	if config.MQTTBroker != "" {
		gateway := &Gateway{
			Logger:   logger.With("component", "bridge"),
			Modem:    m,
			Broker:   config.MQTTBroker,
			ClientID: config.MQTTClientID,
			Topic:    config.MQTTTopic,
			Username: config.MQTTUsername,
			Password: config.MQTTPassword,
		}
		go func() {
			if err := gateway.Start(ctx); err != nil {
				logger.Error("Bridge failed", "error", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr: config.BindAddress,
		Handler: &Server{
			Logger: logger.With("component", "server"),
			Modem:  m,
		},
	}

	// Channel to listen for interrupt signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start HTTP server in a goroutine
	go func() {
		logger.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	sig := <-sigChan
	logger.Info("Received shutdown signal", "signal", sig)

	logger.Info("Closing modem connection")
	if err := m.Close(); err != nil {
		logger.Error("Failed to close modem", "error", err)
	}
	cancel()
	<-loopDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Info("Closing HTTP server")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to gracefully shutdown server", "error", err)
		os.Exit(1)
	}
}

// parseCredentials decodes the hex identity fields of the configuration.
func parseCredentials(config *Config) (modem.Credentials, error) {
	var creds modem.Credentials

	if err := creds.DevEui.UnmarshalText([]byte(config.DevEui)); err != nil {
		return creds, err
	}
	if err := creds.AppEui.UnmarshalText([]byte(config.AppEui)); err != nil {
		return creds, err
	}
	if err := creds.AppKey.UnmarshalText([]byte(config.AppKey)); err != nil {
		return creds, err
	}
	return creds, nil
}
