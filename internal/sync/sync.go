package sync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"quadlinkd/internal/config"
	"quadlinkd/internal/quadlet"
	"quadlinkd/internal/systemduser"
)

// Engine runs reconciliation passes: it scans the desired descriptor tree
// and the managed links in the quadlet directory, plans the difference, and
// applies it against the filesystem and the systemd user session. One pass
// runs at a time; the engine holds no state between passes beyond the
// on-disk links themselves.
type Engine struct {
	cfg     *config.Config
	systemd systemduser.Systemd
	logger  *slog.Logger
	phase   Phase
}

// NewEngine creates a new reconciliation engine
func NewEngine(cfg *config.Config, systemd systemduser.Systemd, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		systemd: systemd,
		logger:  logger,
		phase:   PhaseIdle,
	}
}

func (e *Engine) setPhase(p Phase) {
	e.phase = p
	e.logger.Debug("phase transition", "phase", p)
}

// Phase returns the engine's current position in the reconciliation cycle.
func (e *Engine) Phase() Phase {
	return e.phase
}

// Run executes one complete reconciliation pass. Per-unit failures are
// recorded in the result and do not abort the pass; a returned error means
// the pass itself failed (scan error, reload failure).
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	defer e.setPhase(PhaseIdle)

	e.setPhase(PhaseScanning)
	desired, err := quadlet.DiscoverTiers(e.cfg.TierDirs())
	if err != nil {
		return nil, fmt.Errorf("failed to scan desired state: %w", err)
	}

	actual, err := ScanManaged(e.cfg.Paths.QuadletDir, e.cfg.Paths.SourceDir, e.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to scan quadlet directory: %w", err)
	}

	e.setPhase(PhasePlanning)
	plan := BuildPlan(desired, actual)
	e.logger.Info("reconciliation plan",
		"desired", len(desired),
		"managed", len(actual),
		"create", len(plan.Create),
		"update", len(plan.Update),
		"remove", len(plan.Remove))

	e.setPhase(PhaseApplying)
	result := e.applyPlan(ctx, plan)

	if !result.Changed() {
		e.logger.Info("pass complete, no changes", "summary", result.Summary())
		return result, nil
	}

	if err := e.systemd.ValidateQuadlets(ctx); err != nil {
		return result, fmt.Errorf("quadlet validation failed: %w", err)
	}

	e.setPhase(PhaseReloading)
	e.logger.Info("reloading systemd user daemon")
	if err := e.systemd.DaemonReload(ctx); err != nil {
		return result, fmt.Errorf("failed to reload systemd: %w", err)
	}

	e.activateDesired(ctx, desired, result)

	e.logger.Info("pass complete", "summary", result.Summary())
	return result, nil
}

// ScanManaged enumerates the managed links in the quadlet directory:
// symlinks whose target lies under the source root. Regular files and
// symlinks pointing elsewhere are foreign and excluded. Dangling links
// count as managed as long as their unresolved target began under the
// source root, so a deleted descriptor's link can still be cleaned up.
func ScanManaged(dir, sourceDir string, logger *slog.Logger) (map[string]ManagedLink, error) {
	actual := make(map[string]ManagedLink)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return actual, nil
		}
		return nil, err
	}

	root := filepath.Clean(sourceDir)
	for _, entry := range entries {
		if entry.Type()&os.ModeSymlink == 0 {
			continue
		}

		linkPath := filepath.Join(dir, entry.Name())
		target, err := os.Readlink(linkPath)
		if err != nil {
			logger.Warn("failed to read link, skipping", "path", linkPath, "error", err)
			continue
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(dir, target)
		}
		target = filepath.Clean(target)

		if !underRoot(root, target) {
			continue
		}

		actual[entry.Name()] = ManagedLink{
			Name:     entry.Name(),
			LinkPath: linkPath,
			Target:   target,
		}
	}

	return actual, nil
}

// underRoot reports whether path lies at or below root.
func underRoot(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// BuildPlan computes the link operations that converge the quadlet directory
// onto the desired descriptor set. Matching is by exact name; diffing is by
// path and presence only. An edit to a descriptor's content at an unchanged
// path produces no operation; content changes are expected to arrive under
// a new path. A managed link is removed only when its target file is gone
// and no surviving descriptor claims the name: a descriptor moved to a new
// path under the same name is an update, never an update plus a removal,
// so the three sets stay disjoint.
func BuildPlan(desired map[string]quadlet.Descriptor, actual map[string]ManagedLink) *Plan {
	plan := &Plan{}

	for _, name := range sortedKeys(desired) {
		d := desired[name]
		link, ok := actual[name]
		if !ok {
			plan.Create = append(plan.Create, LinkOp{Name: name, SourcePath: d.SourcePath})
			continue
		}
		if link.Target != d.SourcePath {
			plan.Update = append(plan.Update, LinkOp{Name: name, SourcePath: d.SourcePath, LinkPath: link.LinkPath})
		}
	}

	for _, name := range sortedKeys(actual) {
		if d, ok := desired[name]; ok {
			if _, err := os.Lstat(d.SourcePath); err == nil {
				// Claimed by Create/Update (or already converged).
				continue
			}
		}
		link := actual[name]
		if _, err := os.Lstat(link.Target); os.IsNotExist(err) {
			plan.Remove = append(plan.Remove, LinkOp{Name: name, LinkPath: link.LinkPath})
		}
	}

	return plan
}

// applyPlan executes the plan. Failures are isolated per unit: a failed
// operation is recorded and the remaining operations still run.
func (e *Engine) applyPlan(ctx context.Context, plan *Plan) *Result {
	result := &Result{}

	if plan.Empty() {
		return result
	}

	if err := os.MkdirAll(e.cfg.Paths.QuadletDir, 0755); err != nil {
		result.Failures = append(result.Failures, fmt.Sprintf("create quadlet dir: %v", err))
		return result
	}

	for _, op := range plan.Create {
		if e.ensureLink(op, result) {
			result.Created = append(result.Created, op.Name)
		}
	}

	for _, op := range plan.Update {
		if e.ensureLink(op, result) {
			result.Updated = append(result.Updated, op.Name)
		}
	}

	for _, op := range plan.Remove {
		e.removeLink(ctx, op, result)
	}

	return result
}

// ensureLink points the quadlet-dir entry for op.Name at op.SourcePath,
// replacing a stale symlink if present. A non-symlink at the destination is
// a conflict: it is never overwritten, only reported.
func (e *Engine) ensureLink(op LinkOp, result *Result) bool {
	linkPath := filepath.Join(e.cfg.Paths.QuadletDir, op.Name)

	if info, err := os.Lstat(linkPath); err == nil {
		if info.Mode()&os.ModeSymlink == 0 {
			e.logger.Warn("conflict: destination exists and is not a symlink, leaving untouched",
				"path", linkPath)
			result.Conflicts = append(result.Conflicts, op.Name)
			return false
		}
		if err := os.Remove(linkPath); err != nil {
			e.logger.Warn("failed to remove stale link", "path", linkPath, "error", err)
			result.Failures = append(result.Failures, fmt.Sprintf("%s: remove stale link: %v", op.Name, err))
			return false
		}
	}

	if err := os.Symlink(op.SourcePath, linkPath); err != nil {
		e.logger.Warn("failed to create link", "path", linkPath, "error", err)
		result.Failures = append(result.Failures, fmt.Sprintf("%s: create link: %v", op.Name, err))
		return false
	}

	e.logger.Info("linked unit", "name", op.Name, "target", op.SourcePath)
	return true
}

// removeLink stops the unit's service best-effort, then unlinks it. A stop
// failure never blocks the unlink; the unit may already be inactive or
// unknown to systemd.
func (e *Engine) removeLink(ctx context.Context, op LinkOp, result *Result) {
	if quadlet.IsStartable(op.Name) {
		unit := quadlet.UnitName(op.Name)
		stop := e.systemd.Stop(ctx, unit)
		switch stop.Outcome {
		case systemduser.StopStopped:
			e.logger.Info("stopped unit", "unit", unit)
		case systemduser.StopNotLoaded:
			e.logger.Debug("unit not loaded, nothing to stop", "unit", unit)
		case systemduser.StopFailed:
			e.logger.Warn("failed to stop unit, removing link anyway", "unit", unit, "error", stop.Err)
		}
	}

	if err := os.Remove(op.LinkPath); err != nil && !os.IsNotExist(err) {
		e.logger.Warn("failed to remove link", "path", op.LinkPath, "error", err)
		result.Failures = append(result.Failures, fmt.Sprintf("%s: remove link: %v", op.Name, err))
		return
	}

	e.logger.Info("removed unit link", "name", op.Name)
	result.Removed = append(result.Removed, op.Name)
}

// activateDesired issues a start for every desired startable unit that is
// not already active. Activation is idempotent: an already-running service
// is never restarted by a reconciliation pass.
func (e *Engine) activateDesired(ctx context.Context, desired map[string]quadlet.Descriptor, result *Result) {
	for _, name := range sortedKeys(desired) {
		if !quadlet.IsStartable(name) {
			continue
		}
		unit := quadlet.UnitName(name)

		active, status, err := e.systemd.IsActive(ctx, unit)
		if err != nil {
			e.logger.Warn("failed to query unit status", "unit", unit, "error", err)
			result.Failures = append(result.Failures, fmt.Sprintf("%s: query status: %v", unit, err))
			continue
		}
		if active {
			e.logger.Debug("unit already active", "unit", unit)
			continue
		}

		e.logger.Info("starting unit", "unit", unit, "was", status)
		if err := e.systemd.Start(ctx, unit); err != nil {
			e.logger.Warn("failed to start unit", "unit", unit, "error", err)
			result.Failures = append(result.Failures, fmt.Sprintf("%s: start: %v", unit, err))
			continue
		}
		result.Started = append(result.Started, unit)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
