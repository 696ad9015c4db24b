package coordination

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Memory is an in-process coordination store shared by any number of party
// views. It backs demo runs and tests.
type Memory struct {
	mu      sync.Mutex
	rec     *Record
	fetches int
	uploads map[string][]byte

	// BeforeFetch, when set, runs under the store lock before the n-th fetch
	// (1-based) is served and may mutate the record.
	BeforeFetch func(n int, rec *Record)
}

// NewMemory returns a store seeded with a copy of rec.
func NewMemory(rec *Record) *Memory {
	seed := rec.Clone()
	if seed == nil {
		seed = &Record{}
	}
	if seed.Status == nil {
		seed.Status = make(map[string]string)
	}
	if seed.Tasks == nil {
		seed.Tasks = make(map[string]string)
	}
	if seed.PersonalParameters == nil {
		seed.PersonalParameters = make(map[string]map[string]Parameter)
	}
	return &Memory{rec: seed, uploads: make(map[string][]byte)}
}

// LoadFile seeds a Memory store from a YAML document on disk.
func LoadFile(path string) (*Memory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read record file %s: %w", path, err)
	}
	var rec Record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse record yaml: %w", err)
	}
	return NewMemory(&rec), nil
}

// Party returns a view that performs updates as userID.
func (m *Memory) Party(userID string) *MemoryParty {
	return &MemoryParty{store: m, userID: userID}
}

// Snapshot returns a copy of the current record without counting as a fetch.
func (m *Memory) Snapshot() *Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec.Clone()
}

// Mutate applies fn to the live record.
func (m *Memory) Mutate(fn func(rec *Record)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.rec)
}

// Fetches returns how many fetches have been served.
func (m *Memory) Fetches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches
}

// Uploads returns a copy of the files received through SendFile.
func (m *Memory) Uploads() map[string][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte, len(m.uploads))
	for k, v := range m.uploads {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

func (m *Memory) fetch() *Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++
	if m.BeforeFetch != nil {
		m.BeforeFetch(m.fetches, m.rec)
	}
	return m.rec.Clone()
}

func (m *Memory) update(userID, field, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch field {
	case FieldStatus:
		m.rec.Status[userID] = value
	case FieldTask:
		m.rec.Tasks[userID] = value
	default:
		params := m.rec.PersonalParameters[userID]
		if params == nil {
			params = make(map[string]Parameter)
			m.rec.PersonalParameters[userID] = params
		}
		params[field] = Parameter{Value: value}
	}
}

// MemoryParty is a per-party view of a Memory store.
type MemoryParty struct {
	store  *Memory
	userID string
}

func (p *MemoryParty) Fetch(ctx context.Context) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.store.fetch(), nil
}

func (p *MemoryParty) Update(ctx context.Context, field, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if field == "" {
		return fmt.Errorf("field is required")
	}
	p.store.update(p.userID, field, value)
	return nil
}

func (p *MemoryParty) SendFile(ctx context.Context, name string, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	p.store.mu.Lock()
	p.store.uploads[name] = buf.Bytes()
	p.store.mu.Unlock()
	return nil
}

var (
	_ Client   = (*MemoryParty)(nil)
	_ Uploader = (*MemoryParty)(nil)
)
