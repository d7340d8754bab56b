// Z-Way bridge
//
// zwaybridge mirrors the devices of a Z-Way home automation controller onto
// MQTT. It keeps a logged-in session with the controller, loads the device
// list, follows the controller's push stream, and publishes each device's
// state as a retained JSON document. Update requests received on
// {prefix}/{id}/set are translated into controller commands.
//
// Usage:
//
//	zwaybridge [--config path] [--version]
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/nerrad567/zway-bridge/internal/api"
	"github.com/nerrad567/zway-bridge/internal/bridges/zwave"
	"github.com/nerrad567/zway-bridge/internal/infrastructure/config"
	"github.com/nerrad567/zway-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/zway-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/zway-bridge/internal/infrastructure/metrics"
	"github.com/nerrad567/zway-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/zway-bridge/internal/zway"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

const (
	// defaultConfigPath is used when it exists and no other path is given.
	defaultConfigPath = "configs/config.yaml"

	// configEnvVar names the environment variable holding the config path.
	configEnvVar = "ZWAY_BRIDGE_CONFIG"
)

// options holds the parsed command line.
type options struct {
	configPath  string
	showVersion bool
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	if opts.showVersion {
		fmt.Printf("zwaybridge %s (commit %s, built %s)\n", version, commit, date)
		return
	}

	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags parses the command line. Usage goes to out.
func parseFlags(args []string, out io.Writer) (options, error) {
	var opts options

	fs := pflag.NewFlagSet("zwaybridge", pflag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVarP(&opts.configPath, "config", "c", "", "path to the YAML configuration file (env "+configEnvVar+")")
	fs.BoolVar(&opts.showVersion, "version", false, "print the version and exit")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if extra := fs.Args(); len(extra) > 0 {
		return options{}, fmt.Errorf("unexpected argument: %s", extra[0])
	}
	return opts, nil
}

// getConfigPath resolves the configuration file path: the --config flag,
// then ZWAY_BRIDGE_CONFIG, then configs/config.yaml if it exists. An empty
// result means configuration comes from defaults and environment only.
func getConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if path := os.Getenv(configEnvVar); path != "" {
		return path
	}
	if _, err := os.Stat(defaultConfigPath); err == nil {
		return defaultConfigPath
	}
	return ""
}

// run is the application logic, separated from main for testability.
// It returns nil on clean shutdown.
func run(ctx context.Context, opts options) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting zway bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath(opts.configPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath, "config", cfg.Redacted())

	// Connect to MQTT broker
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.With("component", "mqtt"))
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", mqttClient.ClientID(),
	)

	// Connect to InfluxDB (optional)
	var telemetry zwave.Telemetry
	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(ctx, cfg.InfluxDB)
		if influxErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		telemetry = influxClient
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Controller client
	zwayLog := log.With("component", "zway")
	clientOpts := controllerOptions(cfg.ZWay)
	clientOpts.Logger = zwayLog
	if cfg.ZWay.PushURL != "" {
		clientOpts.PushDialer = &zway.WebSocketDialer{URL: cfg.ZWay.PushURL, Logger: zwayLog}
	}
	client, err := zway.NewClient(clientOpts)
	if err != nil {
		return fmt.Errorf("creating controller client: %w", err)
	}

	collector := metrics.New(client)
	client.AddListener(collector)

	bridge, err := zwave.NewBridge(zwave.Options{
		MQTT:           mqttClient,
		Controller:     client,
		Topics:         mqttClient.Topics(),
		QoS:            byte(cfg.MQTT.QoS),
		Version:        version,
		CommandTimeout: cfg.Bridge.CommandTimeout,
		HealthInterval: cfg.Bridge.HealthInterval,
		Telemetry:      telemetry,
		Metrics:        collector,
		Logger:         log.With("component", "bridge"),
	})
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	defer bridge.Stop()

	// The LWT may have replaced the retained status while the broker
	// connection was down.
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
		bridge.Resync()
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}

	// Status API (optional)
	if cfg.API.Enabled {
		server, apiErr := api.New(api.Deps{
			Config:     cfg.API,
			Logger:     log.With("component", "api"),
			Controller: client,
			Bridge:     bridge,
			MQTT:       mqttClient,
			Metrics:    collector.Handler(),
			Version:    version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		client.AddListener(server.Hub())
		if startErr := server.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API disabled")
	}

	log.Info("zway bridge started", "controller", cfg.ZWayBaseURL())

	// Run blocks until ctx is cancelled; connection failures are retried
	// internally and never end the process.
	if err := client.Run(ctx); err != nil {
		return fmt.Errorf("running controller client: %w", err)
	}

	log.Info("shutdown signal received, stopping...")
	return nil
}

// controllerOptions maps configuration onto client options. A zero refresh
// or reconnect interval in the configuration disables that timer.
func controllerOptions(cfg config.ZWayConfig) zway.Options {
	return zway.Options{
		Host:              cfg.Host,
		Port:              cfg.Port,
		Username:          cfg.Username,
		Password:          cfg.Password,
		RequestTimeout:    cfg.RequestTimeout,
		RetryDelay:        cfg.RetryDelay,
		RefreshInterval:   disabledIfZero(cfg.RefreshInterval),
		ReconnectInterval: disabledIfZero(cfg.ReconnectInterval),
		FloatTypes:        cfg.FloatTypes,
	}
}

// disabledIfZero converts the configuration's "0 = off" to the client's
// "negative = off".
func disabledIfZero(d time.Duration) time.Duration {
	if d == 0 {
		return -1
	}
	return d
}
