package party

import "strconv"

// Party identifies the local participant of a run. It does not change for the
// lifetime of the run.
type Party struct {
	Role int
	Demo bool
}

// RoleString returns the role as it appears on executable command lines.
func (p Party) RoleString() string {
	return strconv.Itoa(p.Role)
}

func (p Party) String() string {
	if p.Demo {
		return "party" + p.RoleString() + "(demo)"
	}
	return "party" + p.RoleString()
}
