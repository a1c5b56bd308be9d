// Package topology loads the fixed company structure (departments, their
// dispatch priority, and the agents staffing them) from a YAML file and seeds
// it into the store. Department topology is business policy, not runtime
// state: the file is the source, the store rows are a projection.
package topology

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"

	"github.com/kazz187/agentcorp/internal/agent"
	"github.com/kazz187/agentcorp/internal/department"
)

type AgentDefinition struct {
	Name     string `yaml:"name"`
	Role     string `yaml:"role"`
	Provider string `yaml:"provider,omitempty"`
}

type DepartmentDefinition struct {
	Name        string            `yaml:"name"`
	DisplayName string            `yaml:"display_name,omitempty"`
	Priority    int               `yaml:"priority"`
	Agents      []AgentDefinition `yaml:"agents"`
}

type Definition struct {
	Departments []DepartmentDefinition `yaml:"departments"`
}

// Load reads the topology definition from path, creating a default file when
// none exists.
func Load(path string) (*Definition, error) {
	if path == "" {
		path = ".agentcorp/departments.yaml"
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		def := Default()
		if err := def.Save(path); err != nil {
			return nil, fmt.Errorf("failed to save default topology: %w", err)
		}
		return def, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology: %w", err)
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse topology: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid topology: %w", err)
	}
	return &def, nil
}

// Default returns the stock company: planning first, then development,
// design, and qa in dispatch-priority order.
func Default() *Definition {
	return &Definition{
		Departments: []DepartmentDefinition{
			{
				Name:     department.Planning,
				Priority: 100,
				Agents: []AgentDefinition{
					{Name: "sato", Role: agent.RoleTeamLeader},
					{Name: "suzuki", Role: agent.RoleSenior},
				},
			},
			{
				Name:     "development",
				Priority: 80,
				Agents: []AgentDefinition{
					{Name: "tanaka", Role: agent.RoleTeamLeader},
					{Name: "watanabe", Role: agent.RoleSenior},
					{Name: "ito", Role: agent.RoleJunior},
				},
			},
			{
				Name:     "design",
				Priority: 60,
				Agents: []AgentDefinition{
					{Name: "yamamoto", Role: agent.RoleTeamLeader},
					{Name: "nakamura", Role: agent.RoleJunior},
				},
			},
			{
				Name:     "qa",
				Priority: 40,
				Agents: []AgentDefinition{
					{Name: "kobayashi", Role: agent.RoleTeamLeader},
					{Name: "kato", Role: agent.RoleIntern},
				},
			},
		},
	}
}

func (d *Definition) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create topology directory: %w", err)
	}
	data, err := yaml.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal topology: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write topology: %w", err)
	}
	return nil
}

func (d *Definition) Validate() error {
	if len(d.Departments) == 0 {
		return fmt.Errorf("no departments defined")
	}
	names := make(map[string]bool)
	for _, dept := range d.Departments {
		if dept.Name == "" {
			return fmt.Errorf("department name cannot be empty")
		}
		if names[dept.Name] {
			return fmt.Errorf("duplicate department name: %s", dept.Name)
		}
		names[dept.Name] = true

		leaders := 0
		for _, a := range dept.Agents {
			if !agent.ValidRole(a.Role) {
				return fmt.Errorf("department %s: unknown role %q for agent %s", dept.Name, a.Role, a.Name)
			}
			if a.Role == agent.RoleTeamLeader {
				leaders++
			}
		}
		if leaders != 1 {
			return fmt.Errorf("department %s must have exactly one team leader, has %d", dept.Name, leaders)
		}
	}
	if !names[department.Planning] {
		return fmt.Errorf("topology must include the %s department", department.Planning)
	}
	return nil
}

// Seed upserts departments and creates any missing agents. Existing agents
// keep their runtime status; seeding is idempotent across restarts.
func Seed(ctx context.Context, def *Definition, deptRepo department.Repository, agentRepo agent.Repository) error {
	for i, dd := range def.Departments {
		displayName := dd.DisplayName
		if displayName == "" {
			displayName = dd.Name
		}

		existing, err := deptRepo.GetByName(ctx, dd.Name)
		id := ""
		if err == nil {
			id = existing.ID
		} else {
			id = ulid.Make().String()
		}
		dept := &department.Department{
			ID:          id,
			Name:        dd.Name,
			DisplayName: displayName,
			Priority:    dd.Priority,
			SortOrder:   i,
		}
		if err := deptRepo.Create(ctx, dept); err != nil {
			return fmt.Errorf("failed to seed department %s: %w", dd.Name, err)
		}
		// Re-read to pick up the ID kept by the upsert.
		dept, err = deptRepo.GetByName(ctx, dd.Name)
		if err != nil {
			return fmt.Errorf("failed to reload department %s: %w", dd.Name, err)
		}

		current, err := agentRepo.ListByDepartment(ctx, dept.ID)
		if err != nil {
			return fmt.Errorf("failed to list agents for %s: %w", dd.Name, err)
		}
		byName := make(map[string]bool, len(current))
		for _, a := range current {
			byName[a.Name] = true
		}
		for _, ad := range dd.Agents {
			if byName[ad.Name] {
				continue
			}
			provider := ad.Provider
			if provider == "" {
				provider = "claude"
			}
			a := &agent.Agent{
				ID:           ulid.Make().String(),
				Name:         ad.Name,
				Role:         ad.Role,
				DepartmentID: dept.ID,
				Status:       agent.StatusIdle,
				Provider:     provider,
			}
			if err := agentRepo.Create(ctx, a); err != nil {
				return fmt.Errorf("failed to seed agent %s: %w", ad.Name, err)
			}
		}
	}
	return nil
}
