// Package orchestrator drives the end-to-end up, provision and destroy
// runs: establish the project scope, snapshot live state, plan, then
// apply the plan instance by instance with partial-failure isolation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/incantvm/incant/internal/config"
	"github.com/incantvm/incant/internal/incus"
	"github.com/incantvm/incant/internal/project"
	"github.com/incantvm/incant/internal/provision"
	"github.com/incantvm/incant/internal/reconcile"
)

type Options struct {
	// AgentTimeout bounds the wait for exec to become available after
	// an instance is created; BootTimeout bounds the wait for the guest
	// to finish booting. Exceeding either fails that instance.
	AgentTimeout time.Duration
	BootTimeout  time.Duration
	PollInterval time.Duration
}

func DefaultOptions() Options {
	return Options{
		AgentTimeout: 5 * time.Minute,
		BootTimeout:  10 * time.Minute,
		PollInterval: time.Second,
	}
}

type Orchestrator struct {
	client incus.Client
	cfg    *config.Config
	scope  project.Scope
	prov   *provision.Provisioner
	opts   Options
	log    zerolog.Logger
}

func New(client incus.Client, cfg *config.Config, scope project.Scope, opts Options, log zerolog.Logger) *Orchestrator {
	if opts.PollInterval <= 0 {
		opts = DefaultOptions()
	}
	return &Orchestrator{
		client: client,
		cfg:    cfg,
		scope:  scope,
		prov:   provision.New(client, cfg.Dir, log),
		opts:   opts,
		log:    log,
	}
}

// Up converges live state towards the configuration: creates missing
// selected instances, then waits, mounts and provisions each one.
// Per-instance failures are collected in the report; only a failure to
// reach the backend or establish the project aborts the whole run.
func (o *Orchestrator) Up(ctx context.Context, selection []string) (*Report, error) {
	// The project must exist before the snapshot: instance queries run
	// through the project scope and fail while it is absent.
	if err := project.Ensure(ctx, o.client, o.scope, o.log); err != nil {
		return nil, err
	}
	live, err := reconcile.Snapshot(ctx, o.client, o.scope)
	if err != nil {
		return nil, err
	}
	plan, err := reconcile.PlanUp(o.cfg, o.scope, live, selection)
	if err != nil {
		return nil, err
	}

	report := &Report{}
	failed := make(map[string]bool)

	// Create all missing instances first so they boot in parallel
	// while we wait on each in turn.
	for _, a := range plan.Actions {
		switch a.Op {
		case reconcile.OpSkip:
			o.log.Debug().Str("instance", a.Instance).Msg(a.Reason)
		case reconcile.OpCreate:
			inst := o.cfg.Instances[a.Instance]
			o.log.Info().Str("instance", a.Instance).Str("image", inst.Image).Msg("creating instance")
			err := o.client.Launch(ctx, incus.LaunchOptions{
				Name:         a.Instance,
				Image:        inst.Image,
				VM:           inst.VM,
				Profiles:     inst.Profiles,
				Config:       inst.Config,
				Devices:      deviceMap(inst.Devices),
				Network:      inst.Network,
				InstanceType: inst.Type,
			})
			if err != nil {
				o.log.Error().Str("instance", a.Instance).Err(err).Msg("creation failed")
				report.result(a.Instance, reconcile.OpCreate, err, "")
				failed[a.Instance] = true
			}
		}
	}

	selected, err := o.cfg.Select(selection)
	if err != nil {
		return nil, err
	}
	for _, name := range selected {
		if failed[name] {
			continue
		}
		if err := ctx.Err(); err != nil {
			report.result(name, reconcile.OpProvision, err,
				"interrupted; instance may be partially provisioned")
			continue
		}
		op, err := o.bringUp(ctx, name, live.HasInstance(name))
		note := ""
		if err != nil && errors.Is(err, context.Canceled) {
			note = "interrupted; instance may be partially provisioned"
		}
		report.result(name, op, err, note)
	}
	return report, nil
}

// bringUp takes one existing-or-created instance through readiness,
// shared folder and provisioning. Returns the op the instance ended on.
func (o *Orchestrator) bringUp(ctx context.Context, name string, existed bool) (reconcile.Op, error) {
	inst := o.cfg.Instances[name]
	op := reconcile.OpCreate
	if existed {
		op = reconcile.OpSkip
	}

	if err := o.waitAgent(ctx, name); err != nil {
		return op, err
	}
	// VMs need to be fully up before the shared folder can attach.
	if inst.Wait || inst.VM || len(inst.Provision) > 0 {
		if err := o.waitBooted(ctx, name); err != nil {
			return op, err
		}
	}

	o.log.Info().Str("instance", name).Str("path", provision.GuestPath).Msg("sharing config directory")
	if err := o.prov.Mount(ctx, name); err != nil {
		return op, err
	}

	if len(inst.Provision) > 0 {
		if err := o.prov.Apply(ctx, name, inst.Provision); err != nil {
			return reconcile.OpProvision, err
		}
		op = reconcile.OpProvision
	}
	return op, nil
}

// Provision re-runs provisioning steps on already-created instances.
func (o *Orchestrator) Provision(ctx context.Context, selection []string) (*Report, error) {
	live, err := reconcile.Snapshot(ctx, o.client, o.scope)
	if err != nil {
		return nil, err
	}
	selected, err := o.cfg.Select(selection)
	if err != nil {
		return nil, err
	}

	report := &Report{}
	for _, name := range selected {
		steps := o.cfg.Instances[name].Provision
		if len(steps) == 0 {
			o.log.Info().Str("instance", name).Msg("no provisioning defined")
			report.result(name, reconcile.OpSkip, nil, "no provisioning defined")
			continue
		}
		if !live.HasInstance(name) {
			report.result(name, reconcile.OpProvision,
				fmt.Errorf("instance %s does not exist, run up first", name), "")
			continue
		}
		err := func() error {
			if err := o.waitAgent(ctx, name); err != nil {
				return err
			}
			if err := o.waitBooted(ctx, name); err != nil {
				return err
			}
			if err := o.prov.Mount(ctx, name); err != nil {
				return err
			}
			return o.prov.Apply(ctx, name, steps)
		}()
		report.result(name, reconcile.OpProvision, err, "")
	}
	return report, nil
}

// Destroy removes selected live instances (absent ones are no-ops) and
// cleans up the project once it is empty. Cleanup failure is reported
// as a warning, not a run failure.
func (o *Orchestrator) Destroy(ctx context.Context, selection []string) (*Report, error) {
	live, err := reconcile.Snapshot(ctx, o.client, o.scope)
	if err != nil {
		return nil, err
	}
	plan, err := reconcile.PlanDestroy(o.cfg, o.scope, live, selection)
	if err != nil {
		return nil, err
	}

	report := &Report{}
	for _, a := range plan.Actions {
		switch a.Op {
		case reconcile.OpSkip:
			o.log.Info().Str("instance", a.Instance).Msg(a.Reason)
			report.result(a.Instance, reconcile.OpSkip, nil, a.Reason)
		case reconcile.OpDestroy:
			o.log.Info().Str("instance", a.Instance).Msg("destroying instance")
			err := o.client.DeleteInstance(ctx, a.Instance)
			report.result(a.Instance, reconcile.OpDestroy, err, "")
		}
	}

	if plan.Has(reconcile.OpDeleteProject) {
		// Re-check emptiness against the backend rather than trusting
		// the plan: a destroy above may have failed.
		deleted, err := project.CleanupIfEmpty(ctx, o.client, o.scope, o.log)
		if err != nil {
			report.warn("could not clean up project %s: %v", o.scope.Name, err)
		} else if deleted {
			o.log.Info().Str("project", o.scope.Name).Msg("deleted empty project")
		}
	}
	return report, nil
}

// Row pairs a declared instance with its live status for `list`.
type Row struct {
	Name   string
	Status incus.InstanceStatus
	Live   bool
}

func (o *Orchestrator) List(ctx context.Context) ([]Row, error) {
	live, err := reconcile.Snapshot(ctx, o.client, o.scope)
	if err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(o.cfg.Instances))
	for _, name := range o.cfg.Names() {
		row := Row{Name: name}
		if inst, ok := live.Instances[name]; ok {
			row.Live = true
			row.Status = inst.Status
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (o *Orchestrator) waitAgent(ctx context.Context, name string) error {
	o.log.Debug().Str("instance", name).Msg("waiting for exec agent")
	return o.poll(ctx, name, o.opts.AgentTimeout, "exec agent", o.client.AgentReady)
}

func (o *Orchestrator) waitBooted(ctx context.Context, name string) error {
	o.log.Info().Str("instance", name).Msg("waiting for instance to become ready")
	return o.poll(ctx, name, o.opts.BootTimeout, "boot", o.client.Booted)
}

// poll retries check until it reports true, the timeout elapses or ctx
// is cancelled. Transient check errors are retried; the timeout bounds
// them too.
func (o *Orchestrator) poll(ctx context.Context, name string, timeout time.Duration, what string,
	check func(context.Context, string) (bool, error)) error {

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(o.opts.PollInterval)
	defer ticker.Stop()

	for {
		ok, err := check(ctx, name)
		if err != nil {
			o.log.Debug().Str("instance", name).Err(err).Msgf("%s probe failed, retrying", what)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("timed out after %s waiting for %s on %s", timeout, what, name)
		case <-ticker.C:
		}
	}
}

func deviceMap(devices map[string]config.KV) map[string]map[string]string {
	if len(devices) == 0 {
		return nil
	}
	out := make(map[string]map[string]string, len(devices))
	for name, attrs := range devices {
		out[name] = map[string]string(attrs)
	}
	return out
}
