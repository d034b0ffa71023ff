package browser

import (
	"fmt"
	"os/exec"
	"time"
)

// startXvfb runs a virtual display for headful Chrome. Callers hold m.mu.
func (m *Manager) startXvfb() error {
	if m.xvfb != nil {
		return nil
	}
	cmd := exec.Command("Xvfb", m.cfg.XvfbDisplay, "-screen", "0", "1920x1080x24", "-ac", "-nolisten", "tcp")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start xvfb on %s: %w", m.cfg.XvfbDisplay, err)
	}
	m.xvfb = cmd

	// Xvfb has no readiness signal.
	time.Sleep(500 * time.Millisecond)

	m.cfg.Logger.Info("browser: xvfb started", "display", m.cfg.XvfbDisplay, "pid", cmd.Process.Pid)
	return nil
}

func (m *Manager) stopXvfb() {
	if m.xvfb == nil {
		return
	}
	if m.xvfb.Process != nil {
		_ = m.xvfb.Process.Kill()
		_ = m.xvfb.Wait()
	}
	m.cfg.Logger.Info("browser: xvfb stopped", "display", m.cfg.XvfbDisplay)
	m.xvfb = nil
}
