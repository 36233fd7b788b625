package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/eegstream/internal/groutine"
	"github.com/srg/eegstream/internal/monitor"
	"github.com/srg/eegstream/internal/session"
	"github.com/srg/eegstream/internal/sink"
	"github.com/srg/eegstream/pkg/config"
	"golang.org/x/term"
)

// monitorCmd represents the monitor command
var monitorCmd = &cobra.Command{
	Use:   "monitor <device-address>",
	Short: "Connect to a peripheral and report the stream",
	Long: fmt.Sprintf(`Connects as a central, subscribes to the TX characteristic and sends the mode
command. While packets arrive a status line shows the last sequence number, frame rate
and packet loss. Decoded frames can be published to MQTT and recorded to SQLite.

Modes:
  begin  send 'b': stream on the fast interval (default)
  idle   send 's': stay connected on the idle interval
  sleep  send 'd': stay connected on the sleep interval

Examples:
  # Stream and watch loss
  eegstream monitor %s

  # Stream for one minute, publishing to a local broker and recording
  eegstream monitor %s --duration 1m --mqtt tcp://localhost:1883 --record eeg.db

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(1),
	RunE: runMonitor,
}

var (
	monitorMode           string
	monitorTimeout        time.Duration
	monitorDuration       time.Duration
	monitorMQTT           string
	monitorTopic          string
	monitorRecord         string
	monitorStatusInterval time.Duration
)

func init() {
	monitorCmd.Flags().StringVar(&monitorMode, "mode", "begin", "Command sent after connecting: begin, idle, or sleep")
	monitorCmd.Flags().DurationVar(&monitorTimeout, "timeout", monitor.DefaultConnectTimeout, "Connection timeout")
	monitorCmd.Flags().DurationVar(&monitorDuration, "duration", 0, "Stop after this long; 0 runs until interrupted")
	monitorCmd.Flags().StringVar(&monitorMQTT, "mqtt", "", "MQTT broker URL to publish frames to, e.g. tcp://localhost:1883")
	monitorCmd.Flags().StringVar(&monitorTopic, "topic", "", "MQTT base topic (frames go to <topic>/frames)")
	monitorCmd.Flags().StringVar(&monitorRecord, "record", "", "SQLite file to record frames to")
	monitorCmd.Flags().DurationVar(&monitorStatusInterval, "status-interval", time.Second, "Status line refresh interval")
}

func applyMonitorFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("mode") {
		cfg.Monitor.Mode = monitorMode
	}
	if flags.Changed("timeout") {
		cfg.Monitor.ConnectTimeout = monitorTimeout
	}
	if flags.Changed("mqtt") {
		cfg.MQTT.Broker = monitorMQTT
	}
	if flags.Changed("topic") {
		cfg.MQTT.Topic = monitorTopic
	}
	if flags.Changed("record") {
		cfg.Record.Path = monitorRecord
	}
	if flags.Changed("status-interval") {
		cfg.Monitor.StatusInterval = monitorStatusInterval
	}
	return cfg.Validate()
}

// openSinks opens every configured sink. It returns nil when none is configured.
func openSinks(ctx context.Context, cfg *config.Config, source string, logger *logrus.Logger) (sink.Sink, error) {
	var sinks sink.Multi
	if cfg.MQTT.Broker != "" {
		m, err := sink.NewMQTT(ctx, sink.MQTTOptions{
			Broker:         cfg.MQTT.Broker,
			ClientID:       cfg.MQTT.ClientID,
			Topic:          cfg.MQTT.Topic,
			QoS:            cfg.MQTT.QoS,
			PublishTimeout: cfg.MQTT.PublishTimeout,
			Source:         source,
		}, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, m)
	}
	if cfg.Record.Path != "" {
		db, err := sink.OpenSQLite(cfg.Record.Path, source, logger)
		if err != nil {
			_ = sinks.Close()
			return nil, err
		}
		sinks = append(sinks, db)
	}

	switch len(sinks) {
	case 0:
		return nil, nil
	case 1:
		return sinks[0], nil
	}
	return sinks, nil
}

// commandSender is the part of monitor.Connection sendMode needs.
type commandSender interface {
	Send(cmd session.Command) error
}

// sendMode writes the command for mode and reports whether it starts streaming.
func sendMode(conn commandSender, mode string) (bool, error) {
	cmd, err := session.ParseCommand(mode)
	if err != nil {
		return false, err
	}
	if err := conn.Send(cmd); err != nil {
		return false, err
	}
	return cmd == session.Begin, nil
}

func runMonitor(cmd *cobra.Command, args []string) error {
	address := args[0]

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := applyMonitorFlags(cmd, cfg); err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if monitorDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, monitorDuration)
		defer cancel()
	}

	out := os.Stderr
	interactive := term.IsTerminal(int(out.Fd()))

	progress := NewProgressPrinter(out, fmt.Sprintf("Connecting to %s", address), "Dialing", "Connected")
	if interactive {
		progress.Start()
	}
	conn, err := monitor.Connect(ctx, address, cfg.Monitor.ConnectTimeout, logger)
	progress.Callback()("Connected")
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	frames, err := openSinks(ctx, cfg, address, logger)
	if err != nil {
		return err
	}
	if frames != nil {
		defer func() {
			if err := frames.Close(); err != nil {
				logger.WithError(err).Warn("Failed to close sink")
			}
		}()
	}

	receiver := monitor.NewReceiver(frames, cfg.Monitor.QueueSize, logger)
	drainCtx, stopDrain := context.WithCancel(context.Background())
	var workers groutine.Group
	workers.Go(drainCtx, "frame-drain", func(ctx context.Context) {
		receiver.Run(ctx, cfg.Monitor.FlushInterval)
	})
	defer func() {
		stopDrain()
		workers.Wait()
	}()

	if err := conn.Subscribe(receiver.HandleNotification); err != nil {
		return err
	}
	streaming, err := sendMode(conn, cfg.Monitor.Mode)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Connected to %s (MTU %d), mode %s. Press Ctrl+C to stop...\n", address, conn.MTU(), cfg.Monitor.Mode)

	err = watch(ctx, conn, receiver, streaming, cfg.Monitor.StatusInterval, out, interactive)

	if err == nil && streaming {
		// Leave the peripheral idle rather than streaming into a dropped link.
		if stopErr := conn.Stop(); stopErr != nil {
			logger.WithError(stopErr).Debug("Failed to stop stream before disconnecting")
		}
	}
	fmt.Fprintln(out, receiver.Stats().StatusLine(false, false))
	return err
}

// watch refreshes the status line until ctx is done or the peripheral disconnects.
func watch(ctx context.Context, conn *monitor.Connection, r *monitor.Receiver, streaming bool,
	interval time.Duration, out io.Writer, interactive bool) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if interactive {
				fmt.Fprint(out, clearLineSequence)
			}
			return nil
		case <-conn.Disconnected():
			if interactive {
				fmt.Fprintln(out)
			}
			return ErrConnectionLost
		case <-ticker.C:
			line := r.Stats().StatusLine(streaming, interactive)
			if interactive {
				fmt.Fprint(out, clearLineSequence+line)
			} else {
				fmt.Fprintln(out, line)
			}
		}
	}
}
