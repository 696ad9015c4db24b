package supervisor

import "strings"

// Stream identifies which output stream a line came from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// EventKind is the classification of a single output line.
type EventKind int

const (
	EventBenign EventKind = iota
	EventProgress
	EventMilestone
	EventFatal
)

func (k EventKind) String() string {
	switch k {
	case EventBenign:
		return "benign"
	case EventProgress:
		return "progress"
	case EventMilestone:
		return "milestone"
	case EventFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// LogEvent is a classified output line. It is consumed immediately.
type LogEvent struct {
	Kind   EventKind
	Stream Stream
	Line   string
	// Task is set for EventProgress.
	Task string
}

// Classifier maps output lines to events for one command.
type Classifier struct {
	milestones []string
}

// NewClassifier returns a classifier that reports lines containing any of
// milestones as EventMilestone. Empty markers are ignored.
func NewClassifier(milestones ...string) Classifier {
	c := Classifier{}
	for _, m := range milestones {
		if m != "" {
			c.milestones = append(c.milestones, m)
		}
	}
	return c
}

// Classify returns the event for a trimmed line. Non-benign stderr content is
// fatal even if it also carries a progress prefix or a milestone marker.
func (c Classifier) Classify(stream Stream, line string) LogEvent {
	ev := LogEvent{Kind: EventBenign, Stream: stream, Line: line}
	if line == "" {
		return ev
	}
	if stream == Stderr && !IsBenignStderr(line) {
		ev.Kind = EventFatal
		return ev
	}
	if _, task, ok := strings.Cut(line, ProgressPrefix); ok {
		ev.Kind = EventProgress
		ev.Task = task
		return ev
	}
	for _, m := range c.milestones {
		if strings.Contains(line, m) {
			ev.Kind = EventMilestone
			return ev
		}
	}
	return ev
}

// IsBenignStderr reports whether a stderr line is on the diagnostic allowlist.
func IsBenignStderr(line string) bool {
	for _, p := range BenignStderrPrefixes {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	for _, s := range BenignStderrContains {
		if strings.Contains(line, s) {
			return true
		}
	}
	return false
}
