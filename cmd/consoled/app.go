package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/consoled"
	"pkt.systems/consoled/internal/svcfields"
)

const shutdownGrace = 5 * time.Second

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("CONSOLED_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "consoled")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(logger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "consoled",
		Short:         "Multiplex a shared serial console to Unix socket clients",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), logger)
		},
	}

	flags := cmd.Flags()
	flags.String("console-id", "", "console identifier, names the listening socket")
	flags.String("device", "", "serial device backing the console (for example /dev/ttyS4)")
	flags.String("socket-dir", consoled.DefaultSocketDir, "directory for derived socket paths")
	flags.String("socket-path", "", "explicit socket path, overrides console-id derivation")
	flags.String("buffer-size", humanBytes(consoled.DefaultBufferSize), "shared ring buffer capacity (accepts 64KiB, 1MB, ...)")
	flags.String("metrics-listen", consoled.DefaultMetricsListen, "Prometheus metrics bind address, empty disables")

	for _, name := range []string{"console-id", "device", "socket-dir", "socket-path", "buffer-size", "metrics-listen"} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
	viper.SetEnvPrefix("CONSOLED")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	cmd.AddCommand(newVersionCommand())
	return cmd
}

func runServer(ctx context.Context, logger pslog.Logger) error {
	bufferSize, err := humanize.ParseBytes(viper.GetString("buffer-size"))
	if err != nil {
		return fmt.Errorf("parse buffer-size: %w", err)
	}

	cfg := consoled.Config{
		ConsoleID:     viper.GetString("console-id"),
		SocketDir:     viper.GetString("socket-dir"),
		SocketPath:    viper.GetString("socket-path"),
		Device:        viper.GetString("device"),
		BufferSize:    int64(bufferSize),
		MetricsListen: viper.GetString("metrics-listen"),
	}
	if cfg.Device == "" {
		return errors.New("a serial device is required (--device)")
	}

	srv, err := consoled.NewServer(cfg, consoled.WithLogger(logger))
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	}
}

func humanBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
