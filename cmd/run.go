package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"fuzzbox/internal/config"
	"fuzzbox/internal/launcher"
	"fuzzbox/internal/runtime"
	"fuzzbox/internal/runtime/docker"
)

var (
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(9)
	passStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
)

func runLaunch(cmd *cobra.Command, args []string) {
	cfg, err := config.Load()
	if err != nil {
		log.Error("invalid configuration", "err", err)
		os.Exit(launcher.ExitRuntimeFailure)
	}

	warnUnpinnedImage(cfg.Image)

	rt, err := docker.NewRuntime()
	if err != nil {
		log.Error("failed to connect to container engine", "err", err)
		os.Exit(launcher.ExitRuntimeFailure)
	}
	defer rt.Close()

	// The interrupt signal is delivered to the launcher as context
	// cancellation; the launcher turns it into an orderly teardown.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := runSession(ctx, rt, cfg)
	stop()
	if err != nil {
		log.Error("launch failed", "err", err)
		os.Exit(launcher.ExitCode(err))
	}

	printSummary(cfg, res)

	// Mirror the test suite's own exit status so CI can tell suite
	// failures from launcher failures.
	if res.ExitCode != 0 {
		os.Exit(res.ExitCode)
	}
}

func runSession(ctx context.Context, rt *docker.Runtime, cfg *config.Config) (launcher.RunResult, error) {
	interactive := isatty.IsTerminal(os.Stdin.Fd())

	streams := runtime.AttachStreams{Stdout: os.Stdout, Stderr: os.Stderr}
	if interactive {
		streams.Stdin = os.Stdin
		// Raw mode while attached so keystrokes reach the session as
		// typed; restored before the summary renders.
		if state, err := term.MakeRaw(int(os.Stdin.Fd())); err == nil {
			defer term.Restore(int(os.Stdin.Fd()), state) //nolint:errcheck
		}
	}

	l := launcher.New(rt, streams)
	return l.Run(ctx, launcher.LaunchSpec{
		HostConfigDir:      cfg.ConfigDir,
		HostReportDir:      cfg.ReportDir,
		ContainerConfigDir: cfg.ConfigMount,
		ContainerReportDir: cfg.ReportMount,
		PublishedPort:      cfg.Port,
		ContainerPort:      cfg.ContainerPort,
		ImageReference:     cfg.Image,
		InstanceName:       cfg.InstanceName,
		StopTimeout:        cfg.StopTimeout,
		Interactive:        interactive,
		TTY:                interactive,
	})
}

// warnUnpinnedImage flags references that float, since a re-run could
// silently pick up a newer test suite.
func warnUnpinnedImage(ref string) {
	if imageUnpinned(ref) {
		log.Warn("image reference is not pinned to a version, repeated runs may pick up a newer image", "image", ref)
	}
}

func imageUnpinned(ref string) bool {
	tag := ""
	if idx := strings.LastIndex(ref, ":"); idx > strings.LastIndex(ref, "/") {
		tag = ref[idx+1:]
	}
	return tag == "" || tag == "latest"
}

func printSummary(cfg *config.Config, res launcher.RunResult) {
	status := passStyle.Render("clean exit")
	switch {
	case res.Signaled:
		status = failStyle.Render(fmt.Sprintf("interrupted (exit %d)", res.ExitCode))
	case res.ExitCode != 0:
		status = failStyle.Render(fmt.Sprintf("exit %d", res.ExitCode))
	}

	fmt.Println()
	fmt.Println(labelStyle.Render("status") + " " + status)
	fmt.Println(labelStyle.Render("duration") + " " + res.Duration.Round(time.Millisecond).String())
	fmt.Println(labelStyle.Render("reports") + " " + cfg.ReportDir)
}
