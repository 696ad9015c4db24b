package coordination

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrUpstreamUnavailable marks failures to reach the coordination store or
// server-side errors from it. It is propagated, never retried here.
var ErrUpstreamUnavailable = errors.New("coordination: upstream unavailable")

// Client reads and updates the shared coordination record on behalf of one party.
type Client interface {
	// Fetch returns a fresh snapshot of the whole record.
	Fetch(ctx context.Context) (*Record, error)
	// Update sets a single field for the calling party. A subsequent Fetch is
	// not guaranteed to observe it.
	Update(ctx context.Context, field, value string) error
}

// Uploader delivers result artifacts to the results service.
type Uploader interface {
	SendFile(ctx context.Context, name string, r io.Reader) error
}

// ReadAuthKey returns the first line of the auth key file, or "" when path is
// empty.
func ReadAuthKey(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("read auth key: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if sc.Scan() {
		return strings.TrimSpace(sc.Text()), nil
	}
	return "", sc.Err()
}
