package coordination

import (
	"fmt"
	"strconv"
	"strings"
)

// Well-known record fields and values.
const (
	FieldStatus      = "status"
	FieldTask        = "task"
	FieldNumThreads  = "NUM_THREADS"
	FieldNumCPUs     = "NUM_CPUS"
	KeyIPAddress     = "IP_ADDRESS"
	KeyPorts         = "PORTS"
	KeySendResults   = "SEND_RESULTS"
	KeyNumInds       = "NUM_INDS"
	StatusSyncingUp  = "syncing up"
	StatusFinished   = "Finished protocol!"
	StatusFailed     = "FAILED - "
	SendResultsOptIn = "Yes"
)

// Parameter is a single `{"value": ...}` entry of the record.
type Parameter struct {
	Value any `json:"value" yaml:"value"`
}

// String renders the value the way it is written into parameter files.
func (p Parameter) String() string {
	switch v := p.Value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}

// Record is a point-in-time snapshot of the shared study document. It may be
// stale as soon as it is returned; callers re-fetch to observe newer writes.
type Record struct {
	StudyID            string                          `json:"study_id"            yaml:"study_id"`
	Description        string                          `json:"description"         yaml:"description"`
	Participants       []string                        `json:"participants"        yaml:"participants"`
	Status             map[string]string               `json:"status"              yaml:"status"`
	Tasks              map[string]string               `json:"tasks,omitempty"     yaml:"tasks,omitempty"`
	Parameters         map[string]Parameter            `json:"parameters"          yaml:"parameters"`
	AdvancedParameters map[string]Parameter            `json:"advanced_parameters" yaml:"advanced_parameters"`
	PersonalParameters map[string]map[string]Parameter `json:"personal_parameters" yaml:"personal_parameters"`
}

// ParticipantID returns the user id registered for a role.
func (r *Record) ParticipantID(role int) (string, error) {
	if role < 0 || role >= len(r.Participants) {
		return "", fmt.Errorf("role %d out of range: %d participants", role, len(r.Participants))
	}
	return r.Participants[role], nil
}

// Personal returns the string value of a personal parameter, or "" if unset.
func (r *Record) Personal(userID, key string) string {
	params, ok := r.PersonalParameters[userID]
	if !ok {
		return ""
	}
	return params[key].String()
}

// IPAddress returns the IP address advertised by the participant at role.
func (r *Record) IPAddress(role int) (string, error) {
	id, err := r.ParticipantID(role)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(r.Personal(id, KeyIPAddress)), nil
}

// Ports returns the comma-separated PORTS parameter of the participant at role.
func (r *Record) Ports(role int) ([]string, error) {
	id, err := r.ParticipantID(role)
	if err != nil {
		return nil, err
	}
	raw := r.Personal(id, KeyPorts)
	if raw == "" {
		return nil, nil
	}
	ports := strings.Split(raw, ",")
	for i := range ports {
		ports[i] = strings.TrimSpace(ports[i])
	}
	return ports, nil
}

// WantsResults reports whether the participant at role opted into result delivery.
func (r *Record) WantsResults(role int) bool {
	id, err := r.ParticipantID(role)
	if err != nil {
		return false
	}
	return r.Personal(id, KeySendResults) == SendResultsOptIn
}

// AllStatusesEqual reports whether every listed participant has a status
// equal to want. A participant with no status entry holds the check, and a
// snapshot with no participants never satisfies it.
func (r *Record) AllStatusesEqual(want string) bool {
	if len(r.Participants) == 0 {
		return false
	}
	for _, id := range r.Participants {
		s, ok := r.Status[id]
		if !ok || s != want {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := &Record{
		StudyID:            r.StudyID,
		Description:        r.Description,
		Participants:       append([]string(nil), r.Participants...),
		Status:             cloneStrings(r.Status),
		Tasks:              cloneStrings(r.Tasks),
		Parameters:         cloneParams(r.Parameters),
		AdvancedParameters: cloneParams(r.AdvancedParameters),
	}
	if r.PersonalParameters != nil {
		out.PersonalParameters = make(map[string]map[string]Parameter, len(r.PersonalParameters))
		for k, v := range r.PersonalParameters {
			out.PersonalParameters[k] = cloneParams(v)
		}
	}
	return out
}

func cloneStrings(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneParams(in map[string]Parameter) map[string]Parameter {
	if in == nil {
		return nil
	}
	out := make(map[string]Parameter, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
