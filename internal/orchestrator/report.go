package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/kazz187/agentcorp/internal/agent"
	"github.com/kazz187/agentcorp/internal/eventbus"
	"github.com/kazz187/agentcorp/internal/scheduler"
	"github.com/kazz187/agentcorp/internal/task"
	"github.com/kazz187/agentcorp/internal/tasklog"
)

// preferredReportProvider is checked before any other capability when
// picking a report assignee.
const preferredReportProvider = "claude"

// handleReportRequest bypasses normal delegation: no planning gate, no
// cooperation queue. The assignee comes from a fixed priority order
// across all departments, and the task carries an explicit output
// artifact path the agent must write to.
func (o *Orchestrator) handleReportRequest(ctx context.Context, in *Inbound) error {
	m := in.Message

	assignee, err := o.pickReporter(ctx)
	if err != nil {
		return err
	}

	t, err := o.state.CreateTask(ctx, task.CreateTaskRequest{
		Title:        titleFrom(m.Content),
		Description:  m.Content,
		DepartmentID: assignee.DepartmentID,
		Status:       task.StatusPlanned,
		TaskType:     "report",
		ProjectPath:  o.ResolveProject(in.ProjectPath, m.Content),
	})
	if err != nil {
		return err
	}
	o.rememberProject(t.ProjectPath)

	outputPath := filepath.Join("reports", t.ID+".md")
	o.appendLog(ctx, t.ID, tasklog.KindSystem,
		fmt.Sprintf("report task created from message %s, artifact %s", m.ID, outputPath))
	o.bc.Broadcast(ctx, eventbus.EventTaskCreated, t.ID, map[string]string{
		"title": t.Title,
		"type":  "report",
	})

	delay := scheduler.Jitter(o.schedEnv.DispatchDelayMin, o.schedEnv.DispatchDelayMax)
	o.sched.After("task:"+t.ID+":dispatch", delay, func(ctx context.Context) {
		cur, err := o.tasks.Get(ctx, t.ID)
		if err != nil || cur.Status.IsTerminal() {
			return
		}
		if err := o.startExecution(ctx, cur, assignee, buildReportPrompt(cur, outputPath)); err != nil {
			slog.Error("orchestrator: report execution failed to start", "task_id", t.ID, "error", err)
		}
	})
	return nil
}

// pickReporter selects the report assignee: an available agent on the
// preferred provider in department-priority order, else any available
// agent in department-priority order, else any available agent at all.
func (o *Orchestrator) pickReporter(ctx context.Context) (*agent.Agent, error) {
	depts, err := o.depts.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(depts, func(i, j int) bool {
		if depts[i].Priority != depts[j].Priority {
			return depts[i].Priority > depts[j].Priority
		}
		return depts[i].SortOrder < depts[j].SortOrder
	})

	var fallback *agent.Agent
	for _, d := range depts {
		members, err := o.agents.ListByDepartment(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		var preferred []*agent.Agent
		for _, a := range members {
			if a.Provider == preferredReportProvider {
				preferred = append(preferred, a)
			}
		}
		if a := agent.PickAvailable(preferred); a != nil {
			return a, nil
		}
		if fallback == nil {
			fallback = agent.PickAvailable(members)
		}
	}
	if fallback != nil {
		return fallback, nil
	}

	all, err := o.agents.List(ctx)
	if err != nil {
		return nil, err
	}
	if a := agent.PickAvailable(all); a != nil {
		return a, nil
	}
	return nil, fmt.Errorf("no available agent for report request")
}
