package pipeline

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sfkit/orchestrator/x/supervisor"
)

// Protocol describes one MPC protocol: the executables it runs, where they
// run, and which roles run them.
type Protocol struct {
	// Name is also the value handed to the relay and the supervisor.
	Name string

	// Parties is the total number of MPC parties, including the trusted
	// dealer at role 0. Port assignments are resolved up to this count.
	Parties int

	// Dir is the working directory for both executables, relative to the
	// executables prefix.
	Dir string

	// ParDir holds the per-role parameter files, relative to the prefix.
	// Files are named "<mode>.par.<role>.txt" where mode is demo or test.
	ParDir string

	DataSharing     string
	DataSharingTask string
	DataSharingFail string

	Compute     string
	ComputeTask string
	ComputeFail string

	// ComputeBelowRole restricts Compute to roles strictly below it.
	ComputeBelowRole int

	// DataHolderRole receives the data directory as an extra data sharing
	// argument.
	DataHolderRole int

	// AggregatorRole runs the evaluation step after Compute.
	AggregatorRole int

	// EvaluateDir is relative to the prefix. EvaluateArgv is followed by the
	// data path.
	EvaluateDir  string
	EvaluateArgv []string

	// ResultFiles are read from the data path and uploaded when the
	// aggregator opted in.
	ResultFiles []string

	// DataFiles maps parameter keys to paths under the data directory.
	DataFiles map[string]string

	// Env is set on both executables, e.g. a PROTOCOL variable selecting the
	// computation mode of a binary that implements several.
	Env map[string]string

	// Milestones are output phrases meaning results exist. Seeing one
	// shortens the inactivity timeout of the running executable.
	Milestones []string
}

// DTI is the Secure-DTI drug-target interaction protocol.
var DTI = Protocol{
	Name:    "dti",
	Parties: 4,
	Dir:     "secure-dti/mpc/code",
	ParDir:  "secure-dti/mpc/par",

	DataSharing:     "bin/ShareData",
	DataSharingTask: "Performing data sharing protocol",
	DataSharingFail: "Failed Secure-DTI data sharing protocol",

	Compute:     "bin/TrainSecureDTI",
	ComputeTask: "Performing DTI protocol",
	ComputeFail: "Failed Secure-DTI protocol",

	ComputeBelowRole: 3,
	DataHolderRole:   3,
	AggregatorRole:   1,

	EvaluateDir:  "secure-dti",
	EvaluateArgv: []string{"python3", "bin/evaluate.py"},
	ResultFiles:  []string{"roc_test.png", "pr_test.png"},

	DataFiles: map[string]string{
		"FEATURES_FILE":  "X",
		"LABELS_FILE":    "y",
		"TRAIN_SUFFIXES": "train_suffixes.txt",
		"TEST_SUFFIXES":  "test_suffixes.txt",
	},

	Milestones: []string{supervisor.MarkerOutputDecrypted},
}

var protocols = map[string]Protocol{
	DTI.Name: DTI,
}

// Lookup returns the built-in protocol registered under name.
func Lookup(name string) (Protocol, error) {
	p, ok := protocols[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Protocol{}, fmt.Errorf("unknown protocol %q", name)
	}
	return p, nil
}

// Validate checks the descriptor is usable.
func (p Protocol) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("protocol name is required")
	}
	if p.Parties < 2 {
		return fmt.Errorf("protocol %s: need at least 2 parties, got %d", p.Name, p.Parties)
	}
	if p.DataSharing == "" || p.Compute == "" {
		return fmt.Errorf("protocol %s: data sharing and compute executables are required", p.Name)
	}
	return nil
}

// ParFile returns the parameter file path for role.
func (p Protocol) ParFile(prefix string, role int, demo bool) string {
	mode := "test"
	if demo {
		mode = "demo"
	}
	return filepath.Join(prefix, p.ParDir, fmt.Sprintf("%s.par.%d.txt", mode, role))
}

// WorkDir returns the absolute working directory of the executables.
func (p Protocol) WorkDir(prefix string) string {
	return filepath.Join(prefix, p.Dir)
}

// RunsCompute reports whether role launches the compute executable.
func (p Protocol) RunsCompute(role int) bool {
	return role < p.ComputeBelowRole
}
