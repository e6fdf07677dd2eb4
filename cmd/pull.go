package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"fuzzbox/internal/config"
	"fuzzbox/internal/launcher"
	"fuzzbox/internal/runtime/docker"
)

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Fetch the test server image",
	Long: `Pull the conformance test server image so that a following run can
start without the engine fetching anything. Run never pulls on its own.`,
	Run: runPull,
}

func init() {
	rootCmd.AddCommand(pullCmd)
}

func runPull(cmd *cobra.Command, args []string) {
	cfg, err := config.Load()
	if err != nil {
		log.Error("invalid configuration", "err", err)
		os.Exit(launcher.ExitRuntimeFailure)
	}

	rt, err := docker.NewRuntime()
	if err != nil {
		log.Error("failed to connect to container engine", "err", err)
		os.Exit(launcher.ExitRuntimeFailure)
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rt.Pull(ctx, cfg.Image); err != nil {
		log.Error("pull failed", "image", cfg.Image, "err", err)
		os.Exit(launcher.ExitImageUnavailable)
	}
}
