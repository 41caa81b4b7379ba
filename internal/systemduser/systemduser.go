package systemduser

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// Systemd provides operations for interacting with systemd user units
type Systemd interface {
	// IsAvailable checks if systemctl --user is accessible
	IsAvailable(ctx context.Context) (bool, error)
	// DaemonReload reloads the systemd user unit index
	DaemonReload(ctx context.Context) error
	// IsActive reports whether the unit is active, along with the raw
	// status string systemctl printed (active, inactive, failed, ...).
	IsActive(ctx context.Context, unit string) (bool, string, error)
	// Start starts the unit.
	Start(ctx context.Context, unit string) error
	// Stop stops the unit, classifying the outcome so callers can tell
	// an already-gone unit from a real failure.
	Stop(ctx context.Context, unit string) StopResult
	// ValidateQuadlets runs the podman quadlet generator in dry-run mode
	// to validate that the quadlet files convert into systemd units.
	ValidateQuadlets(ctx context.Context) error
}

// StopOutcome classifies the result of a stop command.
type StopOutcome int

const (
	// StopStopped means the unit was stopped (or was already inactive).
	StopStopped StopOutcome = iota
	// StopNotLoaded means systemd does not know the unit; nothing to stop.
	StopNotLoaded
	// StopFailed means the stop command failed for some other reason.
	StopFailed
)

// String returns the outcome as a short status word.
func (o StopOutcome) String() string {
	switch o {
	case StopStopped:
		return "stopped"
	case StopNotLoaded:
		return "not-loaded"
	default:
		return "failed"
	}
}

// StopResult carries the classified outcome of a stop command.
type StopResult struct {
	Outcome StopOutcome
	Err     error
}

// Client implements Systemd by shelling out to systemctl --user
type Client struct{}

// NewClient creates a new systemd client
func NewClient() *Client {
	return &Client{}
}

// IsAvailable checks if systemctl --user is accessible
func (c *Client) IsAvailable(ctx context.Context) (bool, error) {
	cmd := exec.CommandContext(ctx, "systemctl", "--user", "status")
	err := cmd.Run()

	// systemctl status returns non-zero for degraded systems, but it's still available
	// We only care if the command can run at all
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			// Exit codes 1-3 are normal for systemctl status
			if exitErr.ExitCode() <= 3 {
				return true, nil
			}
		}
		return false, fmt.Errorf("systemctl --user not available: %w", err)
	}

	return true, nil
}

// DaemonReload reloads systemd user daemon configuration
func (c *Client) DaemonReload(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "systemctl", "--user", "daemon-reload")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("systemctl daemon-reload failed: %w: %s", err, string(output))
	}
	return nil
}

// IsActive queries the unit's activation state via systemctl is-active.
func (c *Client) IsActive(ctx context.Context, unit string) (bool, string, error) {
	cmd := exec.CommandContext(ctx, "systemctl", "--user", "is-active", unit)
	output, err := cmd.Output()
	status := strings.TrimSpace(string(output))

	// is-active returns non-zero for inactive units; that's a status,
	// not an error
	if err != nil && status == "" {
		if _, ok := err.(*exec.ExitError); !ok {
			return false, "", fmt.Errorf("systemctl is-active %s: %w", unit, err)
		}
		status = "unknown"
	}

	return status == "active", status, nil
}

// Start starts the specified unit
func (c *Client) Start(ctx context.Context, unit string) error {
	cmd := exec.CommandContext(ctx, "systemctl", "--user", "start", unit)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("systemctl start %s failed: %w: %s", unit, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// Stop stops the specified unit and classifies the outcome
func (c *Client) Stop(ctx context.Context, unit string) StopResult {
	cmd := exec.CommandContext(ctx, "systemctl", "--user", "stop", unit)
	output, err := cmd.CombinedOutput()
	return classifyStop(unit, string(output), err)
}

// classifyStop maps a stop command result onto a StopOutcome. systemctl
// reports an unknown unit as "not loaded" (LSB exit code 5).
func classifyStop(unit, output string, err error) StopResult {
	if err == nil {
		return StopResult{Outcome: StopStopped}
	}

	lower := strings.ToLower(output)
	if strings.Contains(lower, "not loaded") || strings.Contains(lower, "not found") {
		return StopResult{Outcome: StopNotLoaded}
	}
	if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 5 {
		return StopResult{Outcome: StopNotLoaded}
	}

	return StopResult{
		Outcome: StopFailed,
		Err:     fmt.Errorf("systemctl stop %s failed: %w: %s", unit, err, strings.TrimSpace(output)),
	}
}

// podmanSystemGenerator is the path to the Podman quadlet system generator binary.
const podmanSystemGenerator = "/usr/lib/systemd/system-generators/podman-system-generator"

// ValidateQuadlets runs the podman quadlet generator in dry-run mode to
// validate that the quadlet files can be converted into systemd units.
// If the generator binary is not present, validation is skipped with a warning.
func (c *Client) ValidateQuadlets(ctx context.Context) error {
	if _, err := os.Stat(podmanSystemGenerator); err != nil {
		slog.Warn("podman-system-generator not found, skipping quadlet validation", "path", podmanSystemGenerator)
		return nil
	}
	cmd := exec.CommandContext(ctx, podmanSystemGenerator, "--user", "--dryrun")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("podman-system-generator --dryrun: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}
