package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/elm327-ble/internal/ble"
	"github.com/chaz8081/elm327-ble/internal/config"
	"github.com/chaz8081/elm327-ble/internal/elm327"
	"github.com/chaz8081/elm327-ble/internal/metrics"
	"github.com/chaz8081/elm327-ble/internal/point"
	"github.com/chaz8081/elm327-ble/internal/server"
)

const (
	flagAddress = "address"
	flagQuiet   = "quiet"
	flagListen  = "listen"
)

func init() {
	rootCmd.AddCommand(runCmd)
	f := runCmd.Flags()
	f.StringP(flagAddress, "a", "", "adapter address, overrides ble.device_address")
	f.String(flagListen, "", "HTTP listen address, overrides http.listen")
	f.BoolP(flagQuiet, "q", false, "do not print point updates to stdout")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "connect to the adapter and poll the configured sensors",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString(flagAddress); addr != "" {
			cfg.BLE.DeviceAddress = addr
		}
		if cmd.Flags().Changed(flagListen) {
			cfg.HTTP.Listen, _ = cmd.Flags().GetString(flagListen)
		}
		quiet, _ := cmd.Flags().GetBool(flagQuiet)

		printBanner(cfg)
		return run(cmd.Context(), cfg, !quiet)
	},
}

// linkOptions converts the ble config section.
func linkOptions(c config.BLEConfig) ble.LinkOptions {
	opts := ble.DefaultLinkOptions()
	opts.Address = c.DeviceAddress
	opts.ServiceUUID = c.ServiceUUID
	opts.TXUUID = c.TXUUID
	opts.RXUUID = c.RXUUID
	if c.WriteChunk > 0 {
		opts.WriteChunk = c.WriteChunk
	}
	if c.ReconnectMax > 0 {
		opts.ReconnectMax = c.ReconnectMax
	}
	return opts
}

func run(ctx context.Context, cfg *config.Config, console bool) error {
	if cfg.BLE.DeviceAddress == "" {
		return errors.New("ble.device_address is not set; run 'elm327-ble scan' to find the adapter")
	}

	store := point.NewStore()
	m := metrics.New()

	link := ble.NewLink(ble.NewTinyGoAdapter(), nil, linkOptions(cfg.BLE))
	engine := elm327.New(link, store, elm327.OptionsFromConfig(cfg.ELM327), m)
	if err := elm327.Configure(engine, store, cfg); err != nil {
		return fmt.Errorf("configure: %w", err)
	}
	runner := elm327.NewRunner(engine)
	link.SetHandler(runner)
	slog.Info("Polling cycle ready", "registrations", len(engine.Registrations()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(ctx) })
	g.Go(func() error { return link.Run(ctx) })
	if cfg.HTTP.Listen != "" {
		srv := server.New(store, runner, m)
		g.Go(func() error { return srv.Run(ctx, cfg.HTTP.Listen) })
	}
	if console {
		g.Go(func() error { return point.RunConsole(ctx, store, os.Stdout) })
	}

	sdNotify(daemon.SdNotifyReady)
	err := g.Wait()
	sdNotify(daemon.SdNotifyStopping)
	if err != nil {
		return err
	}
	slog.Info("Goodbye!")
	return nil
}

// sdNotify reports state to systemd when running as a notify service.
func sdNotify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		slog.Warn("sd_notify failed", "state", state, "error", err)
		return
	}
	if sent {
		slog.Debug("sd_notify", "state", state)
	}
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	interval := time.Duration(cfg.ELM327.RequestIntervalMs) * time.Millisecond
	fmt.Println("=== elm327-ble ===")
	fmt.Printf("  Adapter:  %s\n", cfg.BLE.DeviceAddress)
	fmt.Printf("  Service:  %s\n", cfg.BLE.ServiceUUID)
	fmt.Printf("  Interval: %s\n", interval)
	fmt.Printf("  Sensors:  %d numeric, %d binary, %d text\n", len(cfg.Sensors), len(cfg.BinarySensors), len(cfg.TextSensors))
	if cfg.HTTP.Listen != "" {
		fmt.Printf("  HTTP:     %s\n", cfg.HTTP.Listen)
	}
	fmt.Printf("  Log:      %s\n", cfg.LogLevel)
	fmt.Println("==================")
}
