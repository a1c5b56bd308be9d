package agent

const (
	RoleTeamLeader = "team_leader"
	RoleSenior     = "senior"
	RoleJunior     = "junior"
	RoleIntern     = "intern"
)

const (
	StatusIdle    = "idle"
	StatusWorking = "working"
	StatusBreak   = "break"
	StatusOffline = "offline"
)

// Agent is a simulated worker. Exactly one team leader per department is
// addressable for delegation.
type Agent struct {
	ID            string
	Name          string
	Role          string
	DepartmentID  string
	Status        string
	Provider      string
	CurrentTaskID string
}

func ValidRole(role string) bool {
	switch role {
	case RoleTeamLeader, RoleSenior, RoleJunior, RoleIntern:
		return true
	}
	return false
}

// roleRank orders roles by seniority for subordinate selection.
func roleRank(role string) int {
	switch role {
	case RoleTeamLeader:
		return 0
	case RoleSenior:
		return 1
	case RoleJunior:
		return 2
	case RoleIntern:
		return 3
	default:
		return 4
	}
}

// statusRank orders statuses by dispatch preference: idle agents first, then
// agents on break, then already-working agents. Offline agents are never
// selected.
func statusRank(status string) int {
	switch status {
	case StatusIdle:
		return 0
	case StatusBreak:
		return 1
	case StatusWorking:
		return 2
	default:
		return 3
	}
}

// PickSubordinate selects the preferred non-leader agent for delegation, or
// nil when the leader must self-execute.
func PickSubordinate(agents []*Agent) *Agent {
	var best *Agent
	for _, a := range agents {
		if a.Role == RoleTeamLeader || a.Status == StatusOffline {
			continue
		}
		if best == nil || less(a, best) {
			best = a
		}
	}
	return best
}

// PickAvailable selects any dispatchable agent, leaders included.
func PickAvailable(agents []*Agent) *Agent {
	var best *Agent
	for _, a := range agents {
		if a.Status == StatusOffline {
			continue
		}
		if best == nil || less(a, best) {
			best = a
		}
	}
	return best
}

func less(a, b *Agent) bool {
	if statusRank(a.Status) != statusRank(b.Status) {
		return statusRank(a.Status) < statusRank(b.Status)
	}
	if roleRank(a.Role) != roleRank(b.Role) {
		return roleRank(a.Role) < roleRank(b.Role)
	}
	return a.Name < b.Name
}
