package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"

	"github.com/razvandimescu/livemd/internal/config"
	"github.com/razvandimescu/livemd/internal/host"
)

// freePort asks the kernel for an unused port.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// testConfig returns a config on free ports with the browser disabled.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Control.Port = freePort(t)
	cfg.Previews.BasePort = freePort(t)
	cfg.Previews.ShutdownGrace = time.Second
	cfg.Watch.Debounce = 20 * time.Millisecond
	cfg.UI.OpenBrowser = false
	return cfg
}

// writeConfigFile persists the parts of cfg the commands read.
func writeConfigFile(t *testing.T, cfg *config.Config) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := fmt.Sprintf("control:\n  host: %s\n  port: %d\nui:\n  open_browser: false\n",
		cfg.Control.Host, cfg.Control.Port)
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))
	return path
}

// createTestMarkdownFile writes a file and returns its resolved path.
func createTestMarkdownFile(t *testing.T, name, content string) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// startServe runs serve in the background and waits for the control API.
// The returned stop cancels it and returns serve's error.
func startServe(t *testing.T, cfg *config.Config, files ...string) (client *host.Client, stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- serve(ctx, cfg, files, log.New(io.Discard)) }()

	client = host.NewClient(cfg.ControlAddr())
	require.Eventually(t, func() bool {
		_, err := client.Status(context.Background())
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	var stopped bool
	var stopErr error
	stop = func() error {
		if !stopped {
			stopped = true
			cancel()
			stopErr = <-errc
		}
		return stopErr
	}
	t.Cleanup(func() { stop() })
	return client, stop
}

// runCLI executes the root command and returns what it printed.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := newRootCmd(&out).Run(context.Background(), append([]string{"livemd"}, args...))
	return out.String(), err
}

func isListening(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 200*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func nilLogger() *log.Logger {
	return log.New(io.Discard)
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0644)
}
