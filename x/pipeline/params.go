package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"dario.cat/mergo"

	"github.com/sfkit/orchestrator/x/coordination"
	"github.com/sfkit/orchestrator/x/parfile"
)

// resolveParameters assembles the protocol parameters from the coordination
// record and writes them into this party's parameter file.
func (p *Pipeline) resolveParameters(ctx context.Context) error {
	rec, err := p.cfg.Client.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetch record: %w", err)
	}

	values, err := mergeParameters(rec)
	if err != nil {
		return err
	}

	threads := strconv.Itoa(p.cfg.NumCPU())
	values[coordination.FieldNumThreads] = threads
	for _, field := range []string{coordination.FieldNumThreads, coordination.FieldNumCPUs} {
		if err := p.cfg.Client.Update(ctx, field, threads); err != nil {
			return fmt.Errorf("publish %s: %w", field, err)
		}
	}

	for i := range rec.Participants {
		ip, latest, err := p.awaitIPAddress(ctx, rec, i)
		if err != nil {
			return err
		}
		rec = latest
		values[fmt.Sprintf("IP_ADDR_P%d", i)] = ip

		ports, err := rec.Ports(i)
		if err != nil {
			return err
		}
		for j := i + 1; j < p.cfg.Protocol.Parties; j++ {
			if j >= len(ports) || ports[j] == "" {
				return fmt.Errorf("participant %d publishes %d ports, need index %d", i, len(ports), j)
			}
			values[fmt.Sprintf("PORT_P%d_P%d", i, j)] = ports[j]
		}
	}

	dataPath, err := p.dataPath()
	if err != nil {
		return err
	}
	for key, name := range p.cfg.Protocol.DataFiles {
		values[key] = filepath.Join(dataPath, name)
	}

	path := p.cfg.Protocol.ParFile(p.cfg.ExecutablesPrefix, p.cfg.Party.Role, false)
	changed, err := parfile.RewriteKeys(path, values)
	if err != nil {
		return fmt.Errorf("rewrite %s: %w", path, err)
	}
	p.log.Info().
		Str("file", path).
		Int("keys", len(values)).
		Int("changed_lines", changed).
		Msg("Parameter file updated")
	return nil
}

// awaitIPAddress re-fetches the record until the participant at role has
// published an IP address. It returns the record the address was read from.
func (p *Pipeline) awaitIPAddress(ctx context.Context, rec *coordination.Record, role int) (string, *coordination.Record, error) {
	for {
		ip, err := ipAddress(rec, role)
		if err == nil {
			return ip, rec, nil
		}
		if !errors.Is(err, ErrPrerequisiteNotReady) {
			return "", nil, err
		}

		p.log.Info().Int("participant", role).Msg("Waiting for participant IP address")
		if err := p.cfg.Sleep(ctx, p.cfg.IPPollInterval); err != nil {
			return "", nil, err
		}
		rec, err = p.cfg.Client.Fetch(ctx)
		if err != nil {
			return "", nil, fmt.Errorf("fetch record: %w", err)
		}
	}
}

func ipAddress(rec *coordination.Record, role int) (string, error) {
	ip, err := rec.IPAddress(role)
	if err != nil {
		return "", err
	}
	if ip == "" {
		return "", fmt.Errorf("participant %d IP address: %w", role, ErrPrerequisiteNotReady)
	}
	return ip, nil
}

// mergeParameters flattens the shared parameters with the advanced ones taking
// precedence.
func mergeParameters(rec *coordination.Record) (map[string]string, error) {
	out := flatten(rec.Parameters)
	if err := mergo.Merge(&out, flatten(rec.AdvancedParameters), mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merge parameters: %w", err)
	}
	return out, nil
}

func flatten(params map[string]coordination.Parameter) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = v.String()
	}
	return out
}

// dataPath returns the first line of <sfkit dir>/data_path.txt.
func (p *Pipeline) dataPath() (string, error) {
	path := filepath.Join(p.cfg.SfkitDir, DataPathFile)
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("read data path: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return "", fmt.Errorf("read data path: %w", err)
		}
		return "", fmt.Errorf("data path file %s is empty", path)
	}
	dataPath := strings.TrimSpace(sc.Text())
	if dataPath == "" {
		return "", fmt.Errorf("data path file %s is empty", path)
	}
	return dataPath, nil
}
