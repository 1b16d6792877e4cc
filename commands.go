package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/pkg/browser"
	"github.com/urfave/cli/v3"

	"github.com/razvandimescu/livemd/internal/config"
	"github.com/razvandimescu/livemd/internal/host"
	"github.com/razvandimescu/livemd/internal/preview"
	"github.com/razvandimescu/livemd/internal/render"
	"github.com/razvandimescu/livemd/internal/watch"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	urlStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#0366d6"))
	dimStyle    = lipgloss.NewStyle().Faint(true)
)

// openURL is swapped out by tests.
var openURL = func(url string) error {
	browser.Stdout = io.Discard
	browser.Stderr = io.Discard
	return browser.OpenURL(url)
}

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:      "serve",
		Usage:     "Run the preview manager and open previews for the given files",
		ArgsUsage: "[files or globs...]",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "no-browser",
				Usage: "Do not open previews in the browser",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Bool("no-browser") {
				cfg.UI.OpenBrowser = false
			}

			files, err := expandFiles(cmd.Args().Slice())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, files, log.Default())
		},
	}
}

// expandFiles replaces glob arguments (docs/**/*.md) with the markdown files
// they match. Plain paths pass through untouched so open reports their errors.
func expandFiles(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		if !strings.ContainsAny(arg, "*?[{") {
			files = append(files, arg)
			continue
		}
		matches, err := doublestar.FilepathGlob(arg, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", arg, err)
		}
		for _, m := range matches {
			if preview.IsMarkdown(m) {
				files = append(files, m)
			}
		}
	}
	return files, nil
}

// serve runs until ctx is cancelled, then shuts every preview down once.
func serve(ctx context.Context, cfg *config.Config, files []string, logger *log.Logger) error {
	renderer, err := render.New(render.Options{
		Style:        cfg.Render.Style,
		HardWraps:    cfg.Render.HardWraps,
		PollInterval: cfg.Previews.PollInterval,
	})
	if err != nil {
		return err
	}

	indicator := host.NewIndicator(cfg.UI.ShowCount, logger)
	manager, err := preview.NewManager(preview.Options{
		Renderer:       renderer,
		Detector:       watch.New(logger, cfg.Watch.Debounce),
		Logger:         logger,
		Host:           cfg.Previews.Host,
		BasePort:       cfg.Previews.BasePort,
		PortQuarantine: cfg.Previews.PortQuarantine,
		ShutdownGrace:  cfg.Previews.ShutdownGrace,
		OnCountChange:  indicator.Update,
	})
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.ControlAddr())
	if err != nil {
		if _, shutdownErr := manager.Shutdown(context.Background()); shutdownErr != nil {
			logger.Error("preview shutdown", "err", shutdownErr)
		}
		return fmt.Errorf("control API on %s (is livemd already running?): %w", cfg.ControlAddr(), err)
	}
	api := host.NewServer(manager, indicator, logger)
	apiErr := make(chan error, 1)
	go func() { apiErr <- api.Serve(ln) }()

	for _, file := range files {
		url, err := manager.Open(ctx, file)
		if err != nil {
			logger.Error("cannot preview", "path", file, "err", err)
			continue
		}
		logger.Info("preview ready", "path", file, "url", url)
		if cfg.UI.OpenBrowser {
			if err := openURL(url); err != nil {
				logger.Warn("failed to open browser", "url", url, "err", err)
			}
		}
	}
	logger.Info("Press Ctrl+C to quit")

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-apiErr:
	}

	logger.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Previews.ShutdownGrace+5*time.Second)
	defer cancel()

	closed, err := manager.Shutdown(shutdownCtx)
	if err != nil {
		logger.Error("preview shutdown", "err", err)
	}
	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Error("control API shutdown", "err", err)
	}
	logger.Info("stopped", "closed", closed)
	return serveErr
}

func openCmd() *cli.Command {
	return &cli.Command{
		Name:      "open",
		Usage:     "Open or refresh the preview of a markdown file",
		ArgsUsage: "<file>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "no-browser",
				Usage: "Print the URL without opening the browser",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path, err := fileArg(cmd)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			info, err := host.NewClient(cfg.ControlAddr()).Open(ctx, path)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.Root().Writer, urlStyle.Render(info.URL))

			if cfg.UI.OpenBrowser && !cmd.Bool("no-browser") {
				if err := openURL(info.URL); err != nil {
					log.Warn("failed to open browser", "url", info.URL, "err", err)
				}
			}
			return nil
		},
	}
}

func listCmd() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List open previews",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			infos, err := host.NewClient(cfg.ControlAddr()).List(ctx)
			if err != nil {
				return err
			}
			printPreviews(cmd.Root().Writer, infos)
			return nil
		},
	}
}

func printPreviews(w io.Writer, infos []preview.Info) {
	if len(infos) == 0 {
		fmt.Fprintln(w, dimStyle.Render("No open previews"))
		return
	}
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%-6s %-24s %s", "PORT", "URL", "FILE")))
	for _, info := range infos {
		fmt.Fprintf(w, "%-6d %s %s\n",
			info.Port,
			urlStyle.Render(fmt.Sprintf("%-24s", info.URL)),
			info.Key)
	}
}

func closeCmd() *cli.Command {
	return &cli.Command{
		Name:      "close",
		Usage:     "Close the preview of a file, or all previews",
		ArgsUsage: "<file>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "all",
				Usage: "Close every open preview",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			client := host.NewClient(cfg.ControlAddr())
			out := cmd.Root().Writer

			if cmd.Bool("all") {
				if cmd.NArg() > 0 {
					return errors.New("--all takes no file argument")
				}
				n, err := client.CloseAll(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Closed %d preview(s)\n", n)
				return nil
			}

			path, err := fileArg(cmd)
			if err != nil {
				return err
			}
			closed, err := client.Close(ctx, path)
			if err != nil {
				return err
			}
			if !closed {
				fmt.Fprintln(out, dimStyle.Render("No preview open for "+path))
				return nil
			}
			fmt.Fprintf(out, "Closed preview of %s\n", path)
			return nil
		},
	}
}

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			fmt.Fprintf(cmd.Root().Writer, "livemd %s (commit: %s, built: %s)\n", version, commit, date)
			return nil
		},
	}
}

// fileArg returns the single file argument as an absolute path, since the
// serve process may run in another directory.
func fileArg(cmd *cli.Command) (string, error) {
	if cmd.NArg() != 1 {
		return "", fmt.Errorf("expected exactly one file, got %d", cmd.NArg())
	}
	return filepath.Abs(cmd.Args().First())
}
