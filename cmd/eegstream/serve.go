package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/eegstream/internal/groutine"
	"github.com/srg/eegstream/internal/peripheral"
	"github.com/srg/eegstream/internal/peripheral/goble"
	"github.com/srg/eegstream/internal/peripheral/sim"
	"github.com/srg/eegstream/internal/peripheral/tinyble"
	"github.com/srg/eegstream/internal/session"
	"github.com/srg/eegstream/pkg/config"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the EEG peripheral",
	Long: `Advertises the UART service and streams packets to the connected central.

The central writes single-byte commands to the RX characteristic:
  b  start streaming, fast connection interval
  s  stop streaming, idle connection interval
  d  stop streaming, sleep connection interval (link stays up)

Backends:
  goble   go-ble HCI (Linux) or CoreBluetooth (macOS); cannot request intervals
  tinygo  tinygo.org/x/bluetooth; on hosted stacks (BlueZ, macOS, Windows) tinygo
          cannot request intervals, so none are sent
  sim     no radio; a scripted central connects, sends commands and decodes packets

Examples:
  # Serve on the default adapter
  eegstream serve

  # Serve under another name with the tinygo backend
  eegstream serve --backend tinygo --name EEG_Bench

  # Exercise the whole pipeline without hardware
  eegstream serve --backend sim --script connect,b,wait=2s,s,wait=500ms,disconnect`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveBackend        string
	serveName           string
	servePeriod         time.Duration
	serveScript         string
	serveRepeat         bool
	serveStatusInterval time.Duration
)

func init() {
	serveCmd.Flags().StringVar(&serveBackend, "backend", "goble", "Peripheral backend: goble, tinygo, or sim")
	serveCmd.Flags().StringVar(&serveName, "name", peripheral.DefaultName, "Advertised device name")
	serveCmd.Flags().DurationVar(&servePeriod, "period", 8*time.Millisecond, "Packet period")
	serveCmd.Flags().StringVar(&serveScript, "script", "", "Central script for the sim backend (default: connect, stream 2s, disconnect)")
	serveCmd.Flags().BoolVar(&serveRepeat, "repeat", false, "Loop the sim script until interrupted")
	serveCmd.Flags().DurationVar(&serveStatusInterval, "status-interval", 5*time.Second, "How often to log device status; 0 disables")
}

// applyServeFlags lets explicitly set flags override the configuration file.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("backend") {
		cfg.Device.Backend = serveBackend
	}
	if flags.Changed("name") {
		cfg.Device.Name = serveName
	}
	if flags.Changed("period") {
		cfg.Stream.Period = servePeriod
	}
	if flags.Changed("script") {
		cfg.Stream.Script = serveScript
	}
	return cfg.Validate()
}

// newBackend builds the backend named in cfg. The sim backend is also returned on its
// own so its central-side statistics can be reported.
func newBackend(cfg *config.Config, logger *logrus.Logger) (peripheral.Backend, *sim.Backend, error) {
	switch cfg.Device.Backend {
	case "goble":
		return goble.NewBackend(logger), nil, nil
	case "tinygo":
		return tinyble.NewBackend(logger), nil, nil
	case "sim":
		script := sim.DefaultScript()
		if cfg.Stream.Script != "" {
			var err error
			if script, err = sim.ParseScript(cfg.Stream.Script); err != nil {
				return nil, nil, err
			}
		}
		b := sim.NewBackend(script, logger).Repeat(serveRepeat)
		return b, b, nil
	}
	return nil, nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Device.Backend)
}

// newDevice assembles the peripheral described by cfg on backend.
func newDevice(cfg *config.Config, backend peripheral.Backend, logger *logrus.Logger) *peripheral.Device {
	return peripheral.New(backend, peripheral.Options{
		Advertisement: peripheral.Advertisement{
			Name:        cfg.Device.Name,
			MinInterval: cfg.Device.AdvMinInterval,
			MaxInterval: cfg.Device.AdvMaxInterval,
		},
		Period:      cfg.Stream.Period,
		SampleStart: cfg.Stream.SampleStart,
	}, logger)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := applyServeFlags(cmd, cfg); err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	backend, simulated, err := newBackend(cfg, logger)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dev := newDevice(cfg, backend, logger)
	dev.Machine().SetTransitionHandler(func(from, to session.State) {
		logger.WithFields(logrus.Fields{"from": from, "to": to}).Info("Session state changed")
	})

	if serveStatusInterval > 0 {
		groutine.Go(ctx, "status-log", func(ctx context.Context) {
			logStatus(ctx, dev, serveStatusInterval, logger)
		})
	}

	fmt.Fprintf(os.Stderr, "Serving %q on the %s backend. Press Ctrl+C to stop...\n", cfg.Device.Name, backend.Name())
	err = dev.Run(ctx)

	if simulated != nil {
		st := simulated.Stats()
		fmt.Fprintf(os.Stderr, "Simulated central: %d packets, %d lost, %d corrupt, %d commands, %d connects\n",
			st.Packets, st.Lost, st.Corrupt, st.Commands, st.Connects)
	}
	return err
}

// logStatus logs a device snapshot every interval until ctx is done.
func logStatus(ctx context.Context, dev *peripheral.Device, interval time.Duration, logger *logrus.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := dev.Status()
			logger.WithFields(logrus.Fields{
				"state":         st.State,
				"central":       st.Address,
				"seq":           st.Sequence,
				"packets_sent":  st.Emitter.PacketsSent,
				"write_errors":  st.Emitter.WriteErrors,
				"commands":      st.Session.Commands,
				"interval_reqs": st.Controller.Requested,
			}).Info("Status")
		}
	}
}
