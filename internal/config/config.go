package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix         = "GEOALIGN"
	defaultConfigDir  = "~/.config/geoalign"
	defaultConfigName = "config"
)

// Config holds the settings of the geoalign service and CLI.
type Config struct {
	Paths        Paths        `mapstructure:"paths"`
	Registration Registration `mapstructure:"registration"`
	Logging      Logging      `mapstructure:"logging"`
	Server       Server       `mapstructure:"server"`
	Storage      Storage      `mapstructure:"storage"`
	Notify       Notify       `mapstructure:"notify"`
	Watch        Watch        `mapstructure:"watch"`
}

// Paths configures the batch layout. Relative port directories and the ports
// file resolve against InputRoot.
type Paths struct {
	InputRoot    string `mapstructure:"input_root"`
	SourceImages string `mapstructure:"source_images"`
	TargetImages string `mapstructure:"target_images"`
	PortsFile    string `mapstructure:"ports_file"`
	OutputDir    string `mapstructure:"output_dir"`
	OutputFile   string `mapstructure:"output_file"`
	DatabasePath string `mapstructure:"database_path"`
}

// Registration selects the registration engine and pixel decoder.
type Registration struct {
	Engine          string  `mapstructure:"engine"`  // ecc, opencv
	Decoder         string  `mapstructure:"decoder"` // tiff, imagick
	GaussFilterSize int     `mapstructure:"gauss_filter_size"`
	PixelTolerance  float64 `mapstructure:"pixel_tolerance"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // text, json
	FileOutput bool   `mapstructure:"file_output"` // Enable file logging
	LogDir     string `mapstructure:"log_dir"`
}

// Server configures the HTTP and gRPC listeners of `geoalign serve`.
type Server struct {
	HTTPAddr string `mapstructure:"http_addr"`
	GRPCAddr string `mapstructure:"grpc_addr"`
	Workers  int    `mapstructure:"workers"`
}

// Storage configures the run ledger.
type Storage struct {
	Enabled bool   `mapstructure:"enabled"`
	Driver  string `mapstructure:"driver"` // sqlite (modernc), sqlite3 (mattn)
}

// Notify configures run notifications.
type Notify struct {
	MQTT MQTT `mapstructure:"mqtt"`
}

// MQTT is disabled while Broker is empty.
type MQTT struct {
	Broker   string `mapstructure:"broker"`
	Topic    string `mapstructure:"topic"`
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	QoS      int    `mapstructure:"qos"`
}

// Watch configures `geoalign watch`.
type Watch struct {
	Debounce time.Duration `mapstructure:"debounce"`
}

// SourceDir returns the source_images port directory.
func (p Paths) SourceDir() string { return p.resolve(p.SourceImages) }

// TargetDir returns the target_images port directory.
func (p Paths) TargetDir() string { return p.resolve(p.TargetImages) }

// Ports returns the path of the ports document.
func (p Paths) Ports() string { return p.resolve(p.PortsFile) }

// OutputPath returns the full path of the result table.
func (p Paths) OutputPath() string { return filepath.Join(p.OutputDir, p.OutputFile) }

func (p Paths) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(p.InputRoot, path)
}

// Load reads configuration from disk and GEOALIGN_* environment variables,
// falling back to defaults. An empty path searches GEOALIGN_CONFIG and then
// ~/.config/geoalign/config.{yaml,json}.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, defaultConfig())

	if path == "" {
		path = os.Getenv(envPrefix + "_CONFIG")
	}
	if path != "" {
		expanded, err := expandUser(path)
		if err != nil {
			return nil, err
		}
		v.SetConfigFile(expanded)
	} else {
		dir, err := expandUser(defaultConfigDir)
		if err != nil {
			return nil, err
		}
		v.SetConfigName(defaultConfigName)
		v.AddConfigPath(dir)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	for _, p := range []*string{&cfg.Paths.InputRoot, &cfg.Paths.OutputDir, &cfg.Paths.DatabasePath, &cfg.Logging.LogDir} {
		expanded, err := expandUser(*p)
		if err != nil {
			return nil, err
		}
		*p = expanded
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config { return defaultConfig() }

// Validate checks the enumerated and numeric settings.
func (c *Config) Validate() error {
	var errs []error
	switch c.Registration.Engine {
	case "ecc", "opencv":
	default:
		errs = append(errs, fmt.Errorf("registration.engine: unknown engine %q", c.Registration.Engine))
	}
	switch c.Registration.Decoder {
	case "tiff", "imagick":
	default:
		errs = append(errs, fmt.Errorf("registration.decoder: unknown decoder %q", c.Registration.Decoder))
	}
	if c.Registration.PixelTolerance <= 0 {
		errs = append(errs, fmt.Errorf("registration.pixel_tolerance must be positive"))
	}
	switch c.Storage.Driver {
	case "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if c.Notify.MQTT.QoS < 0 || c.Notify.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("notify.mqtt.qos must be 0, 1 or 2"))
	}
	if c.Server.Workers < 1 {
		errs = append(errs, fmt.Errorf("server.workers must be at least 1"))
	}
	if c.Paths.OutputFile == "" {
		errs = append(errs, fmt.Errorf("paths.output_file must not be empty"))
	}
	return errors.Join(errs...)
}

func defaultConfig() *Config {
	return &Config{
		Paths: Paths{
			InputRoot:    "/mnt/work/input",
			SourceImages: "source_images",
			TargetImages: "target_images",
			PortsFile:    "ports.json",
			OutputDir:    "/mnt/work/output/data",
			OutputFile:   "image_translations.csv",
			DatabasePath: filepath.Join(os.TempDir(), "geoalign.db"),
		},
		Registration: Registration{
			Engine:          "ecc",
			Decoder:         "tiff",
			GaussFilterSize: 5,
			PixelTolerance:  1e-4,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Server: Server{
			HTTPAddr: ":8080",
			GRPCAddr: ":9090",
			Workers:  1,
		},
		Storage: Storage{
			Enabled: true,
			Driver:  "sqlite",
		},
		Notify: Notify{
			MQTT: MQTT{
				Topic:    "geoalign/runs",
				ClientID: "geoalign",
				QoS:      1,
			},
		},
		Watch: Watch{
			Debounce: 2 * time.Second,
		},
	}
}

// setDefaults registers every key so environment overrides apply even when no
// config file sets them.
func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("paths.input_root", c.Paths.InputRoot)
	v.SetDefault("paths.source_images", c.Paths.SourceImages)
	v.SetDefault("paths.target_images", c.Paths.TargetImages)
	v.SetDefault("paths.ports_file", c.Paths.PortsFile)
	v.SetDefault("paths.output_dir", c.Paths.OutputDir)
	v.SetDefault("paths.output_file", c.Paths.OutputFile)
	v.SetDefault("paths.database_path", c.Paths.DatabasePath)

	v.SetDefault("registration.engine", c.Registration.Engine)
	v.SetDefault("registration.decoder", c.Registration.Decoder)
	v.SetDefault("registration.gauss_filter_size", c.Registration.GaussFilterSize)
	v.SetDefault("registration.pixel_tolerance", c.Registration.PixelTolerance)

	v.SetDefault("logging.level", c.Logging.Level)
	v.SetDefault("logging.format", c.Logging.Format)
	v.SetDefault("logging.file_output", c.Logging.FileOutput)
	v.SetDefault("logging.log_dir", c.Logging.LogDir)

	v.SetDefault("server.http_addr", c.Server.HTTPAddr)
	v.SetDefault("server.grpc_addr", c.Server.GRPCAddr)
	v.SetDefault("server.workers", c.Server.Workers)

	v.SetDefault("storage.enabled", c.Storage.Enabled)
	v.SetDefault("storage.driver", c.Storage.Driver)

	v.SetDefault("notify.mqtt.broker", c.Notify.MQTT.Broker)
	v.SetDefault("notify.mqtt.topic", c.Notify.MQTT.Topic)
	v.SetDefault("notify.mqtt.client_id", c.Notify.MQTT.ClientID)
	v.SetDefault("notify.mqtt.username", c.Notify.MQTT.Username)
	v.SetDefault("notify.mqtt.password", c.Notify.MQTT.Password)
	v.SetDefault("notify.mqtt.qos", c.Notify.MQTT.QoS)

	v.SetDefault("watch.debounce", c.Watch.Debounce)
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
