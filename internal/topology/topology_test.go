package topology_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/agentcorp/internal/agent"
	agentimpl "github.com/kazz187/agentcorp/internal/agent/repositoryimpl"
	"github.com/kazz187/agentcorp/internal/department"
	deptimpl "github.com/kazz187/agentcorp/internal/department/repositoryimpl"
	"github.com/kazz187/agentcorp/internal/store"
	"github.com/kazz187/agentcorp/internal/topology"
)

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "departments.yaml")

	def, err := topology.Load(path)
	require.NoError(t, err)
	require.NoError(t, def.Validate())
	assert.FileExists(t, path)

	// The written file parses back to the same definition.
	again, err := topology.Load(path)
	require.NoError(t, err)
	assert.Equal(t, def, again)
}

func TestLoadRejectsInvalidTopology(t *testing.T) {
	cases := map[string]string{
		"no leader": `
departments:
  - name: planning
    priority: 100
    agents:
      - name: sato
        role: senior
`,
		"two leaders": `
departments:
  - name: planning
    priority: 100
    agents:
      - name: sato
        role: team_leader
      - name: suzuki
        role: team_leader
`,
		"missing planning": `
departments:
  - name: development
    priority: 80
    agents:
      - name: tanaka
        role: team_leader
`,
		"duplicate department": `
departments:
  - name: planning
    priority: 100
    agents:
      - name: sato
        role: team_leader
  - name: planning
    priority: 90
    agents:
      - name: suzuki
        role: team_leader
`,
		"unknown role": `
departments:
  - name: planning
    priority: 100
    agents:
      - name: sato
        role: boss
`,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "departments.yaml")
			require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
			_, err := topology.Load(path)
			assert.Error(t, err)
		})
	}
}

func TestSeedIsIdempotentAndKeepsAgentStatus(t *testing.T) {
	ctx := context.Background()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	deptRepo := deptimpl.NewSQLiteRepository(s)
	agentRepo := agentimpl.NewSQLiteRepository(s)

	def := topology.Default()
	require.NoError(t, topology.Seed(ctx, def, deptRepo, agentRepo))

	planning, err := deptRepo.GetByName(ctx, department.Planning)
	require.NoError(t, err)
	assert.Equal(t, 100, planning.Priority)
	assert.Equal(t, 0, planning.SortOrder)

	staff, err := agentRepo.ListByDepartment(ctx, planning.ID)
	require.NoError(t, err)
	require.Len(t, staff, 2)
	for _, a := range staff {
		assert.Equal(t, agent.StatusIdle, a.Status)
		assert.Equal(t, "claude", a.Provider)
	}

	// Mark an agent working, reseed with a grown department.
	require.NoError(t, agentRepo.SetWorking(ctx, staff[0].ID, "some-task"))
	def.Departments[0].Agents = append(def.Departments[0].Agents,
		topology.AgentDefinition{Name: "takahashi", Role: agent.RoleJunior})
	require.NoError(t, topology.Seed(ctx, def, deptRepo, agentRepo))

	after, err := deptRepo.GetByName(ctx, department.Planning)
	require.NoError(t, err)
	assert.Equal(t, planning.ID, after.ID)

	staff, err = agentRepo.ListByDepartment(ctx, after.ID)
	require.NoError(t, err)
	require.Len(t, staff, 3)
	byName := make(map[string]*agent.Agent, len(staff))
	for _, a := range staff {
		byName[a.Name] = a
	}
	assert.Equal(t, agent.StatusWorking, byName["sato"].Status)
	assert.Equal(t, agent.RoleJunior, byName["takahashi"].Role)
}
