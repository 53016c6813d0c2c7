// Package daemon runs the stale-session reaper as a detached background
// process. The design is decentralized — any live process may reap — but a
// resident daemon guarantees reclamation happens even when no worker is
// running. A pidfile keeps it to one daemon per state dir.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/chittyapps/chittysync/config"
	"github.com/chittyapps/chittysync/coordinator"
	"github.com/chittyapps/chittysync/log"
)

const pidFileName = "reaper.pid"

// RunDaemon runs the reaper loop in the foreground until interrupted. The
// `chittysync daemon` subcommand calls this; LaunchDaemon spawns it detached.
func RunDaemon(cfg *config.Config) error {
	pidPath, err := pidFilePath()
	if err != nil {
		return err
	}
	if pid, ok := readPidFile(pidPath); ok && processAlive(pid) {
		return fmt.Errorf("reaper daemon already running with pid %d", pid)
	}
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("failed to write pidfile: %w", err)
	}
	defer os.Remove(pidPath)

	coord, err := coordinator.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", coord.Metrics().Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.ErrorLog.Printf("metrics server failed: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		log.InfoLog.Printf("serving metrics on %s", cfg.MetricsAddr)
	}

	log.InfoLog.Printf("reaper daemon started pid=%d, sweep interval %s", os.Getpid(), cfg.ReapInterval())
	coord.RunReaper(ctx)
	log.InfoLog.Printf("reaper daemon stopped")
	return nil
}

// LaunchDaemon spawns a detached reaper daemon if one isn't already running.
func LaunchDaemon() error {
	if IsRunning() {
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate executable: %w", err)
	}

	cmd := exec.Command(exe, "daemon")
	cmd.SysProcAttr = getSysProcAttr()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	log.InfoLog.Printf("launched reaper daemon pid=%d", cmd.Process.Pid)
	return cmd.Process.Release()
}

// StopDaemon asks a running daemon to exit. Not running is not an error.
func StopDaemon() error {
	pidPath, err := pidFilePath()
	if err != nil {
		return err
	}
	pid, ok := readPidFile(pidPath)
	if !ok || !processAlive(pid) {
		return nil
	}
	return terminateProcess(pid)
}

// IsRunning reports whether a reaper daemon currently holds the pidfile.
func IsRunning() bool {
	pidPath, err := pidFilePath()
	if err != nil {
		return false
	}
	pid, ok := readPidFile(pidPath)
	return ok && processAlive(pid)
}

func pidFilePath() (string, error) {
	configDir, err := config.GetConfigDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	return filepath.Join(configDir, pidFileName), nil
}

func readPidFile(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}
