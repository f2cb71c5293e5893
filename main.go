// ABOUTME: Entry point for the TTP playout player
// ABOUTME: Loads configuration, sets up logging and runs player, telemetry and TUI
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Resonate-Protocol/resonate-ttp/internal/app"
	"github.com/Resonate-Protocol/resonate-ttp/internal/config"
	"github.com/Resonate-Protocol/resonate-ttp/internal/discovery"
	"github.com/Resonate-Protocol/resonate-ttp/internal/ui"
	"github.com/Resonate-Protocol/resonate-ttp/internal/version"
)

// defaultTUILogFile receives logs while the TUI owns the terminal
const defaultTUILogFile = "ttp-player.log"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ttp-player",
		Short: "Time-to-play synchronised audio playout",
		Long: `Plays a tagged test stream through the TTP playout engine.

Each block carries the time it must reach the listener. The engine drops,
pads or rate-warps audio so that it does, and publishes its corrections
over websocket telemetry.

Example:
  ttp-player --source.drift_ppm=80
  ttp-player --headless --tui=false --engine.target=hardware --dac_ppm=-40`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			return runPlayer(cmd.Context(), cfg)
		},
	}

	config.AddFlags(cmd.Flags())
	cmd.AddCommand(newVersionCommand(), newDiscoverCommand())
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}

func newDiscoverCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List TTP telemetry endpoints on the local network",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr := discovery.NewManager(discovery.Config{})
			mgr.Browse()

			deadline := time.After(timeout)
			seen := make(map[string]bool)
			for {
				select {
				case ep, ok := <-mgr.Endpoints():
					if !ok {
						return nil
					}
					if seen[ep.URL()] {
						continue
					}
					seen[ep.URL()] = true
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", ep.Name, ep.URL(), ep.EngineID)
				case <-deadline:
					mgr.Stop()
					return nil
				}
			}
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "how long to browse")
	return cmd
}

// setupLogging sends logs to the file only while the TUI owns the terminal,
// otherwise to stdout and, when set, the file
func setupLogging(cfg *config.Config) (io.Closer, error) {
	cfg.ApplyLogging()

	logFile := cfg.LogFile
	if cfg.TUI && logFile == "" {
		logFile = defaultTUILogFile
	}
	if logFile == "" {
		log.SetOutput(os.Stdout)
		return io.NopCloser(nil), nil
	}

	f, err := os.OpenFile(logFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return nil, fmt.Errorf("error opening log file: %w", err)
	}

	if cfg.TUI {
		log.SetOutput(f)
	} else {
		log.SetOutput(io.MultiWriter(os.Stdout, f))
	}
	return f, nil
}

func runPlayer(parent context.Context, cfg *config.Config) error {
	closer, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	log.Infof("Starting %s", version.String())

	player, err := app.New(*cfg)
	if err != nil {
		return err
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !cfg.TUI {
		return player.Run(ctx)
	}

	ctrl := ui.NewControl()
	tuiProg, err := ui.Run(ctrl)
	if err != nil {
		return fmt.Errorf("failed to start TUI: %w", err)
	}
	player.SetControl(ctrl)
	player.SetStatusFunc(func(msg ui.StatusMsg) { tuiProg.Send(msg) })

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer tuiProg.Quit()
		return player.Run(ctx)
	})
	g.Go(func() error {
		_, err := tuiProg.Run()
		if err != nil && err != tea.ErrProgramKilled {
			return fmt.Errorf("tui: %w", err)
		}
		return nil
	})
	return g.Wait()
}
