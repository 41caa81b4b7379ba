// Package status renders a read-only view of the controller's state: the
// desired descriptor set joined with the managed links and live unit
// activation. It never mutates anything.
package status

import (
	"context"
	"log/slog"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"quadlinkd/internal/config"
	"quadlinkd/internal/quadlet"
	"quadlinkd/internal/sync"
	"quadlinkd/internal/systemduser"
)

// Row is one unit's joined state.
type Row struct {
	Name   string
	State  string
	Active string
	Target string
}

// Link states as shown in the listing.
const (
	StateLinked   = "linked"   // link present and pointing at the descriptor
	StateStale    = "stale"    // link present but pointing at the wrong path
	StateMissing  = "missing"  // descriptor present, no managed link yet
	StateOrphaned = "orphaned" // managed link whose descriptor is gone
)

// Reporter computes and renders the status listing
type Reporter struct {
	cfg     *config.Config
	systemd systemduser.Systemd
	logger  *slog.Logger
}

// NewReporter creates a new status reporter
func NewReporter(cfg *config.Config, systemd systemduser.Systemd, logger *slog.Logger) *Reporter {
	return &Reporter{cfg: cfg, systemd: systemd, logger: logger}
}

// Collect recomputes both state sets and joins them with live unit status.
func (r *Reporter) Collect(ctx context.Context) ([]Row, error) {
	desired, err := quadlet.DiscoverTiers(r.cfg.TierDirs())
	if err != nil {
		return nil, err
	}
	actual, err := sync.ScanManaged(r.cfg.Paths.QuadletDir, r.cfg.Paths.SourceDir, r.logger)
	if err != nil {
		return nil, err
	}

	names := make(map[string]bool, len(desired)+len(actual))
	for name := range desired {
		names[name] = true
	}
	for name := range actual {
		names[name] = true
	}

	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	rows := make([]Row, 0, len(sorted))
	for _, name := range sorted {
		d, isDesired := desired[name]
		link, isManaged := actual[name]

		row := Row{Name: name, Active: "-"}
		switch {
		case isDesired && isManaged && link.Target == d.SourcePath:
			row.State = StateLinked
			row.Target = link.Target
		case isDesired && isManaged:
			row.State = StateStale
			row.Target = link.Target
		case isDesired:
			row.State = StateMissing
			row.Target = d.SourcePath
		default:
			row.State = StateOrphaned
			row.Target = link.Target
		}

		if quadlet.IsStartable(name) {
			_, status, err := r.systemd.IsActive(ctx, quadlet.UnitName(name))
			if err != nil {
				r.logger.Warn("failed to query unit status", "unit", quadlet.UnitName(name), "error", err)
				status = "unknown"
			}
			row.Active = status
		}

		rows = append(rows, row)
	}

	return rows, nil
}

// Render returns the status listing as a table.
func (r *Reporter) Render(ctx context.Context) (string, error) {
	rows, err := r.Collect(ctx)
	if err != nil {
		return "", err
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"UNIT", "STATE", "ACTIVE", "TARGET"})
	for _, row := range rows {
		tw.AppendRow(table.Row{row.Name, row.State, row.Active, row.Target})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft, AlignHeader: text.AlignLeft},
		{Number: 2, Align: text.AlignLeft, AlignHeader: text.AlignLeft},
		{Number: 3, Align: text.AlignLeft, AlignHeader: text.AlignLeft},
		{Number: 4, Align: text.AlignLeft, AlignHeader: text.AlignLeft},
	})

	return tw.Render(), nil
}
