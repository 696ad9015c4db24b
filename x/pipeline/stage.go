package pipeline

// Stage is a step of the protocol pipeline.
type Stage string

const (
	StagePending           Stage = "pending"
	StageResolveParameters Stage = "resolve_parameters"
	StageSync              Stage = "sync"
	StageDataSharing       Stage = "data_sharing"
	StageCompute           Stage = "compute"
	StagePostProcess       Stage = "post_process"

	// StageDone means the finished status was published.
	StageDone Stage = "done"

	// StageFailed means a stage aborted the run.
	StageFailed Stage = "failed"
)

func (s Stage) String() string {
	return string(s)
}

// IsTerminal returns true once the run cannot advance any further.
func (s Stage) IsTerminal() bool {
	return s == StageDone || s == StageFailed
}
