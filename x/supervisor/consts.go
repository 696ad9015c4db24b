package supervisor

import "time"

const (
	// DefaultTimeout is the inactivity budget before any milestone is seen.
	DefaultTimeout = 24 * time.Hour
	// DefaultMilestoneTimeout replaces DefaultTimeout once a milestone line is seen.
	DefaultMilestoneTimeout = 30 * time.Second
)

// ProgressPrefix marks an output line whose remainder is a task description.
const ProgressPrefix = "sfkit: "

// MarkerOutputDecrypted is printed by the protocol executables once results
// exist. Milestones are matched verbatim; if an executable changes its wording,
// the short timeout stops being applied and only DefaultTimeout guards the run.
const MarkerOutputDecrypted = "Output collectively decrypted and saved to"

// Closed allowlist of stderr content that does not fail a stage.
var (
	BenignStderrPrefixes = []string{"W :"}
	BenignStderrContains = []string{"[watchdog] gc finished", "warning:"}
)
