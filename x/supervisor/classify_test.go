package supervisor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	c := NewClassifier(MarkerOutputDecrypted)

	tests := []struct {
		name   string
		stream Stream
		line   string
		kind   EventKind
		task   string
	}{
		{"plain stdout", Stdout, "epoch 3 done", EventBenign, ""},
		{"empty stderr", Stderr, "", EventBenign, ""},
		{"gc warning", Stderr, "warning: gc pause", EventBenign, ""},
		{"W prefix", Stderr, "W : connection slow", EventBenign, ""},
		{"watchdog", Stderr, "2024/01/01 [watchdog] gc finished", EventBenign, ""},
		{"panic", Stderr, "panic: nil pointer", EventFatal, ""},
		{"progress on stderr is fatal", Stderr, "sfkit: step 2", EventFatal, ""},
		{"progress", Stdout, "sfkit: Running logistic regression", EventProgress, "Running logistic regression"},
		{"milestone", Stdout, "Output collectively decrypted and saved to out/party1/assoc.txt", EventMilestone, ""},
		{"unlisted marker", Stdout, "Saved data to cache/party1/Qpc.txt", EventBenign, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := c.Classify(tt.stream, tt.line)
			require.Equal(t, tt.kind, ev.Kind)
			require.Equal(t, tt.task, ev.Task)
			require.Equal(t, tt.line, ev.Line)
		})
	}
}

func TestClassifyUsesGivenMilestones(t *testing.T) {
	t.Parallel()

	c := NewClassifier("Saved data to cache/party2/Qpc.txt", "")
	require.Equal(t, EventMilestone, c.Classify(Stdout, "Saved data to cache/party2/Qpc.txt").Kind)
	require.Equal(t, EventBenign, c.Classify(Stdout, "Saved data to cache/party1/Qpc.txt").Kind)
	require.Equal(t, EventBenign, c.Classify(Stdout, MarkerOutputDecrypted+" out").Kind)

	none := NewClassifier()
	require.Equal(t, EventBenign, none.Classify(Stdout, MarkerOutputDecrypted+" out").Kind)
	require.Equal(t, EventBenign, none.Classify(Stdout, "any line").Kind)
}

func TestBuildEnv(t *testing.T) {
	t.Parallel()

	base := []string{"PATH=/bin", "PROTOCOL=old", "HOME=/root"}

	require.Equal(t, base, BuildEnv(base, nil))

	env := BuildEnv(base, map[string]string{"PROTOCOL": "gwas", "HOME": "/tmp"})
	require.Equal(t, []string{"PATH=/bin", "HOME=/tmp", "PROTOCOL=gwas"}, env)
}

func TestProtocolFailureMatchesSentinel(t *testing.T) {
	t.Parallel()

	err := error(&ProtocolFailure{Kind: FailureStalled, Protocol: "dti", Timeout: DefaultTimeout})
	require.ErrorIs(t, err, ErrStalled)
	require.NotErrorIs(t, err, ErrFatalOutput)
	require.Contains(t, err.Error(), "stalling for 24 hours")

	err = &ProtocolFailure{Kind: FailureFatalOutput, Protocol: "dti", Command: []string{"bin/x"}, Line: "boom"}
	require.ErrorIs(t, err, ErrFatalOutput)
	require.Contains(t, err.Error(), "boom")
}
