package cli

import (
	"os"
	"runtime"
	"sort"

	"geoalign/internal/config"
	"geoalign/internal/raster"
	"geoalign/internal/registration"

	"github.com/spf13/cobra"
)

// Version is overridden at build time with -ldflags "-X geoalign/internal/cli.Version=...".
var Version = "v0.1.0-dev"

func (r *Root) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if r.cfg != nil {
		return r.cfg, nil
	}
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	r.cfg = cfg
	return cfg, nil
}

func (r *Root) configShow(cmd *cobra.Command) error {
	cfg, err := r.loadConfig(cmd)
	if err != nil {
		return err
	}
	cfgPath, _ := cmd.Flags().GetString("config")
	if cfgPath == "" {
		cfgPath = os.Getenv("GEOALIGN_CONFIG")
	}
	if cfgPath == "" {
		cfgPath = "(default) ~/.config/geoalign/config.yaml"
	}

	r.printf("Current configuration:\n")
	r.printf("Config file: %s\n", cfgPath)
	r.printf("\nPaths:\n")
	r.printf("  Source images: %s\n", cfg.Paths.SourceDir())
	r.printf("  Target images: %s\n", cfg.Paths.TargetDir())
	r.printf("  Ports file: %s\n", cfg.Paths.Ports())
	r.printf("  Output: %s\n", cfg.Paths.OutputPath())
	r.printf("  Database: %s\n", cfg.Paths.DatabasePath)
	r.printf("\nRegistration:\n")
	r.printf("  Engine: %s\n", cfg.Registration.Engine)
	r.printf("  Decoder: %s\n", cfg.Registration.Decoder)
	r.printf("  Gauss filter size: %d\n", cfg.Registration.GaussFilterSize)
	r.printf("  Pixel tolerance: %g\n", cfg.Registration.PixelTolerance)
	r.printf("\nServer:\n")
	r.printf("  HTTP: %s\n", cfg.Server.HTTPAddr)
	r.printf("  gRPC: %s\n", cfg.Server.GRPCAddr)
	r.printf("  Workers: %d\n", cfg.Server.Workers)
	r.printf("\nStorage: %s (enabled: %t)\n", cfg.Storage.Driver, cfg.Storage.Enabled)
	if cfg.Notify.MQTT.Broker != "" {
		r.printf("MQTT: %s topic %s\n", cfg.Notify.MQTT.Broker, cfg.Notify.MQTT.Topic)
	} else {
		r.printf("MQTT: disabled\n")
	}
	r.printf("Logging: %s (%s)\n", cfg.Logging.Level, cfg.Logging.Format)
	return nil
}

func (r *Root) cmdVersion() {
	r.printf("geoalign %s\n", Version)
	r.printf("Built with Go %s\n", runtime.Version())
	r.printf("Registration engines:\n")
	printAvailability(r, registration.Engines())
	r.printf("Pixel decoders:\n")
	printAvailability(r, raster.Decoders())
}

func printAvailability(r *Root, components map[string]bool) {
	names := make([]string, 0, len(components))
	for name := range components {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		status := "unavailable"
		if components[name] {
			status = "available"
		}
		r.printf("  %s: %s\n", name, status)
	}
}
