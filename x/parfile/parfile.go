// Package parfile rewrites line-oriented `KEY value...` parameter files in place.
package parfile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LineFunc returns the replacement for a line (without its terminator) and
// whether the line should be replaced.
type LineFunc func(line string) (string, bool)

// Keys replaces every line whose leading token is a key of values with
// "KEY value". All other lines are kept verbatim.
func Keys(values map[string]string) LineFunc {
	return func(line string) (string, bool) {
		key := LeadingToken(line)
		v, ok := values[key]
		if !ok || key == "" {
			return "", false
		}
		return key + " " + v, true
	}
}

// LeadingToken returns the text before the first space or tab.
func LeadingToken(line string) string {
	if i := strings.IndexAny(line, " \t"); i >= 0 {
		return line[:i]
	}
	return line
}

// Transform copies r to w, applying fn to each line. Line count, order and
// terminators are preserved. It returns the number of replaced lines.
func Transform(r io.Reader, w io.Writer, fn LineFunc) (int, error) {
	br := bufio.NewReader(r)
	bw := bufio.NewWriter(w)
	changed := 0

	for {
		raw, readErr := br.ReadString('\n')
		if raw != "" {
			body, term := splitTerminator(raw)
			if repl, ok := fn(body); ok {
				body = repl
				changed++
			}
			if _, err := bw.WriteString(body + term); err != nil {
				return changed, err
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return changed, readErr
		}
	}
	return changed, bw.Flush()
}

// Rewrite applies fn to the file at path, replacing it atomically.
func Rewrite(path string, fn LineFunc) (int, error) {
	in, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return 0, fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	changed, err := Transform(in, tmp, fn)
	if err != nil {
		tmp.Close()
		return 0, fmt.Errorf("rewrite %s: %w", path, err)
	}
	if err := tmp.Chmod(info.Mode().Perm()); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return 0, fmt.Errorf("replace %s: %w", path, err)
	}
	return changed, nil
}

// RewriteKeys is Rewrite with Keys(values).
func RewriteKeys(path string, values map[string]string) (int, error) {
	return Rewrite(path, Keys(values))
}

func splitTerminator(raw string) (string, string) {
	switch {
	case strings.HasSuffix(raw, "\r\n"):
		return raw[:len(raw)-2], "\r\n"
	case strings.HasSuffix(raw, "\n"):
		return raw[:len(raw)-1], "\n"
	default:
		return raw, ""
	}
}
