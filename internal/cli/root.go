package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	serial "github.com/luhtfiimanal/serialbridge"
	"github.com/luhtfiimanal/serialbridge/internal/buildinfo"
	"github.com/luhtfiimanal/serialbridge/internal/config"
	"github.com/luhtfiimanal/serialbridge/internal/logger"
)

// errListed ends the listing mode with a failure status. The listing itself
// succeeded, so nothing is reported.
var errListed = errors.New("no port given")

type app struct {
	in   *os.File
	out  io.Writer
	errw io.Writer

	listPorts func(io.Writer) error
	openPort  func(serial.Config) (*serial.Port, error)
}

// Execute runs the command line and returns the process exit status.
// SIGINT and SIGTERM end an active bridge session cleanly.
func Execute() int {
	ctx, stop := interruptContext(context.Background())
	defer stop()

	a := &app{
		in:        os.Stdin,
		out:       os.Stdout,
		errw:      os.Stderr,
		listPorts: serial.ListPorts,
		openPort:  serial.Open,
	}
	return a.execute(ctx, os.Args[1:])
}

func (a *app) execute(ctx context.Context, args []string) int {
	cmd := a.newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(a.out)
	cmd.SetErr(a.errw)

	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errListed) {
			fmt.Fprintln(a.errw, err)
		}
		return 1
	}
	return 0
}

func (a *app) newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serialbridge [PORT]",
		Short: "Bridge the terminal to a serial port at 115200 baud",
		Long: "With one PORT argument, relay bytes between this terminal and PORT until interrupted.\n" +
			"Otherwise print the available serial ports, one per line, and exit with a failure status.",
		// Every argument is a port name, including ones that look like flags.
		DisableFlagParsing: true,
		Args:               cobra.ArbitraryArgs,
		SilenceUsage:       true,
		SilenceErrors:      true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}

			cleanup, err := logger.Setup(logger.Config{Path: cfg.LogFile, Level: cfg.LogLevel})
			if err != nil {
				return fmt.Errorf("log file: %w", err)
			}
			defer func() { _ = cleanup() }()
			logger.L().Info("serialbridge.started", "build", buildinfo.String(), "args", len(args))

			if len(args) != 1 {
				if err := a.listPorts(a.out); err != nil {
					logger.L().Error("ports.list_failed", "error", err)
					return err
				}
				return errListed
			}
			return a.bridge(cmd.Context(), args[0], cfg)
		},
	}
	return cmd
}

func (a *app) bridge(ctx context.Context, name string, cfg *config.Config) error {
	log := logger.L().With("port", name)

	port, err := a.openPort(serial.Config{Device: name, BaudRate: serial.DefaultBaudRate})
	if err != nil {
		log.Error("port.open_failed", "error", err)
		return err
	}
	defer func() {
		if cerr := port.Close(); cerr != nil {
			log.Warn("port.close_failed", "error", cerr)
		}
	}()
	log.Info("port.opened", "baud", serial.DefaultBaudRate)

	opts := []serial.RelayOption{serial.WithLogger(log)}
	if cfg.Trace {
		opts = append(opts, serial.WithTrace(a.out))
	}
	return serial.NewRelay(port, a.in, a.out, opts...).Run(ctx)
}
