// Package reconcile computes the set of backend operations needed to
// converge live state to the declared configuration. Plans are value
// objects rebuilt from a fresh snapshot on every invocation and never
// persisted.
//
// Matching is by instance name within the project scope only: a live
// instance with a declared name satisfies its spec even if its image or
// config differ. There is no drift correction; changing an instance's
// declared content requires destroying and recreating it.
package reconcile

import (
	"context"
	"fmt"

	"github.com/incantvm/incant/internal/config"
	"github.com/incantvm/incant/internal/incus"
	"github.com/incantvm/incant/internal/project"
)

type Op string

const (
	OpEnsureProject Op = "ensure-project"
	OpCreate        Op = "create"
	OpSkip          Op = "skip"
	OpProvision     Op = "provision"
	OpDestroy       Op = "destroy"
	OpDeleteProject Op = "delete-project"
)

// Action is one planned backend operation, bound to an instance except
// for the project lifecycle ops.
type Action struct {
	Op       Op
	Instance string
	Reason   string
}

type Plan struct {
	Actions []Action
}

func (p *Plan) add(op Op, instance, reason string) {
	p.Actions = append(p.Actions, Action{Op: op, Instance: instance, Reason: reason})
}

// Instances returns the instance names bound to actions with the given op.
func (p *Plan) Instances(op Op) []string {
	var names []string
	for _, a := range p.Actions {
		if a.Op == op && a.Instance != "" {
			names = append(names, a.Instance)
		}
	}
	return names
}

func (p *Plan) Has(op Op) bool {
	for _, a := range p.Actions {
		if a.Op == op {
			return true
		}
	}
	return false
}

// LiveState is a read-only snapshot of the backend, scoped to the
// client's project.
type LiveState struct {
	Instances map[string]incus.Instance
	Projects  map[string]bool
}

func (s *LiveState) HasInstance(name string) bool {
	_, ok := s.Instances[name]
	return ok
}

// Snapshot queries the backend. Any query failure aborts the run: an
// unreadable backend must never be treated as an empty one, since that
// would plan duplicate creates or destructive cleanup.
//
// Projects are listed first. When the scope is isolated and its project
// does not exist, the instance query is skipped entirely: listing
// through an absent project fails on the backend, and an absent project
// holds no instances.
func Snapshot(ctx context.Context, c incus.Client, scope project.Scope) (*LiveState, error) {
	projects, err := c.ListProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("backend unavailable: %w", err)
	}
	state := &LiveState{
		Instances: make(map[string]incus.Instance),
		Projects:  make(map[string]bool, len(projects)),
	}
	for _, p := range projects {
		state.Projects[p] = true
	}
	if scope.Isolated && !state.Projects[scope.Name] {
		return state, nil
	}

	instances, err := c.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("backend unavailable: %w", err)
	}
	for _, inst := range instances {
		state.Instances[inst.Name] = inst
	}
	return state, nil
}

// PlanUp produces the convergence plan for an up run: project creation
// first, then one create per missing selected instance, then the
// provisioning phase. Existing instances yield skip actions and are left
// untouched.
func PlanUp(cfg *config.Config, scope project.Scope, live *LiveState, selection []string) (*Plan, error) {
	selected, err := cfg.Select(selection)
	if err != nil {
		return nil, err
	}

	plan := &Plan{}
	if scope.Isolated && !live.Projects[scope.Name] {
		plan.add(OpEnsureProject, "", fmt.Sprintf("project %s does not exist", scope.Name))
	}

	for _, name := range selected {
		if live.HasInstance(name) {
			plan.add(OpSkip, name, "instance already exists")
		} else {
			plan.add(OpCreate, name, "instance missing")
		}
	}
	for _, name := range selected {
		if len(cfg.Instances[name].Provision) > 0 {
			plan.add(OpProvision, name, "")
		}
	}
	return plan, nil
}

// PlanDestroy produces the teardown plan: one destroy per selected live
// instance (absent instances are no-ops), and a trailing project delete
// when the scope is isolated and no instances would remain.
func PlanDestroy(cfg *config.Config, scope project.Scope, live *LiveState, selection []string) (*Plan, error) {
	selected, err := cfg.Select(selection)
	if err != nil {
		return nil, err
	}

	plan := &Plan{}
	destroying := make(map[string]bool, len(selected))
	for _, name := range selected {
		if live.HasInstance(name) {
			plan.add(OpDestroy, name, "")
			destroying[name] = true
		} else {
			plan.add(OpSkip, name, "instance does not exist")
		}
	}

	if scope.Isolated && live.Projects[scope.Name] {
		remaining := 0
		for name := range live.Instances {
			if !destroying[name] {
				remaining++
			}
		}
		if remaining == 0 {
			plan.add(OpDeleteProject, "", fmt.Sprintf("project %s would be empty", scope.Name))
		}
	}
	return plan, nil
}
