package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"torch-service/internal/config"
	"torch-service/internal/core"
	"torch-service/internal/hardware"
	"torch-service/internal/logger"
	"torch-service/internal/messaging"
)

func main() {
	// Service log level
	var serviceLogLevel int
	flag.IntVar(&serviceLogLevel, "log", 3, "Service log level (0=NONE, 1=ERROR, 2=WARN, 3=INFO, 4=DEBUG)")
	configPath := flag.String("config", "", "Path to YAML config file")
	redisHost := flag.String("redis-host", "", "Redis host (overrides config)")
	redisPort := flag.Int("redis-port", 0, "Redis port (overrides config)")
	button := flag.String("button", "", "Button source: evdev, gpio or none (overrides config)")

	flag.Parse()

	// Create standard logger with appropriate format
	var stdLogger *log.Logger
	if os.Getenv("INVOCATION_ID") != "" {
		// Running under systemd, use minimal format
		stdLogger = log.New(os.Stdout, "", 0)
	} else {
		// Running interactively, use timestamps
		stdLogger = log.New(os.Stdout, "", log.LstdFlags|log.Lmicroseconds|log.Lmsgprefix)
	}

	// Create leveled logger
	l := logger.NewLogger(stdLogger, logger.LogLevel(serviceLogLevel))

	l.Infof("Starting torch service...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		l.Fatalf("Failed to load config: %v", err)
	}
	if *redisHost != "" {
		cfg.Redis.Host = *redisHost
	}
	if *redisPort != 0 {
		cfg.Redis.Port = *redisPort
	}
	if *button != "" {
		cfg.Hardware.Button = *button
	}
	if err := cfg.Validate(); err != nil {
		l.Fatalf("Invalid config: %v", err)
	}

	hw := l.WithTag("hw")
	deps := core.Deps{
		Store:   messaging.NewRedisClient(cfg.Redis.Host, cfg.Redis.Port, l.WithTag("redis"), messaging.Callbacks{}),
		Led:     hardware.NewPwmLed(cfg.LedConfig(), hw),
		Sensors: hardware.NewAdcSensors(cfg.AdcConfig()),
	}

	// Fatalf exits without running defers, so the device is closed by hand
	closeButton := func() {}
	switch cfg.Hardware.Button {
	case "evdev":
		b := hardware.NewEvdevButton(cfg.Hardware.InputDevice, uint16(cfg.Hardware.KeyCode), hw)
		if err := b.Open(); err != nil {
			l.Fatalf("Failed to open button: %v", err)
		}
		closeButton = func() {
			if err := b.Close(); err != nil {
				l.Warnf("Failed to close button: %v", err)
			}
		}
		deps.Button = b
	case "gpio":
		deps.Button = hardware.NewGpioButton(cfg.ButtonLine(), cfg.Hardware.ActiveLow, cfg.Debounce(), hw)
	default:
		l.Infof("Button source disabled")
	}

	system, err := core.NewSystem(cfg, deps, l)
	if err != nil {
		closeButton()
		l.Fatalf("Failed to create system: %v", err)
	}
	if err := system.Start(context.Background()); err != nil {
		closeButton()
		l.Fatalf("Failed to start system: %v", err)
	}

	l.Infof("System started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- system.Wait() }()

	select {
	case sig := <-sigChan:
		l.Infof("Received signal %v, shutting down...", sig)
	case err := <-done:
		l.Errorf("Worker stopped: %v", err)
	}
	system.Shutdown()
	closeButton()
	l.Infof("Shutdown complete")
}
