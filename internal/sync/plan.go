package sync

import "fmt"

// Phase is the engine's position in the reconciliation cycle. The engine
// moves Idle -> Scanning -> Planning -> Applying -> Reloading -> Idle on
// every pass; there is no terminal phase short of process shutdown.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseScanning  Phase = "scanning"
	PhasePlanning  Phase = "planning"
	PhaseApplying  Phase = "applying"
	PhaseReloading Phase = "reloading"
)

// ManagedLink is a symlink in the quadlet directory owned by the controller.
// Ownership is structural: the link's target lies under the source root.
// Target is the raw readlink result (resolved against the quadlet dir when
// relative); it may be dangling.
type ManagedLink struct {
	Name     string
	LinkPath string
	Target   string
}

// LinkOp is a single planned operation on a managed link.
type LinkOp struct {
	Name       string
	SourcePath string // empty for removals
	LinkPath   string
}

// Plan holds the link operations for one pass. The three sets are disjoint
// by construction and are discarded after application.
type Plan struct {
	Create []LinkOp
	Update []LinkOp
	Remove []LinkOp
}

// Empty returns true when the plan contains no operations.
func (p *Plan) Empty() bool {
	return len(p.Create) == 0 && len(p.Update) == 0 && len(p.Remove) == 0
}

// Result summarizes one reconciliation pass.
type Result struct {
	Created   []string
	Updated   []string
	Removed   []string
	Conflicts []string
	Started   []string
	Failures  []string
}

// Changed reports whether the pass mutated the quadlet directory.
func (r *Result) Changed() bool {
	return len(r.Created) > 0 || len(r.Updated) > 0 || len(r.Removed) > 0
}

// Summary renders a one-line pass summary.
func (r *Result) Summary() string {
	return fmt.Sprintf("created=%d updated=%d removed=%d conflicts=%d started=%d failures=%d",
		len(r.Created), len(r.Updated), len(r.Removed), len(r.Conflicts), len(r.Started), len(r.Failures))
}
