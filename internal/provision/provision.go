// Package provision executes ordered provisioning steps inside a
// created instance and manages the shared-folder mount the steps rely
// on. Steps run strictly in declared order and the first failure aborts
// the remainder for that instance.
package provision

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/incantvm/incant/internal/config"
	"github.com/incantvm/incant/internal/incus"
)

// GuestPath is where the configuration directory is mounted inside
// every instance. Inline commands run with this as working directory so
// relative paths in provisioning steps resolve against the host tree.
const GuestPath = "/incant"

const mountVerifyAttempts = 10

// StepError reports which step failed; later steps were not run. The
// instance stays live for inspection.
type StepError struct {
	Instance string
	Index    int
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("provisioning %s: step %d failed: %v", e.Instance, e.Index+1, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

type Provisioner struct {
	client  incus.Client
	hostDir string
	log     zerolog.Logger
}

func New(client incus.Client, hostDir string, log zerolog.Logger) *Provisioner {
	return &Provisioner{client: client, hostDir: hostDir, log: log}
}

// Mount shares the host configuration directory into the instance at
// GuestPath. The first attempt uses shift=true (idmapped mounts); some
// kernels or storage drivers reject it, so a failure retries without.
// The mount is then verified from inside the guest, re-adding the
// device between attempts, because the backend occasionally reports
// success before the mount is visible.
func (p *Provisioner) Mount(ctx context.Context, instance string) error {
	device := instance + "_shared_incant"

	if p.mounted(ctx, instance) {
		p.log.Debug().Str("instance", instance).Msg("shared folder already mounted")
		return nil
	}

	err := p.client.AddDisk(ctx, instance, device, p.hostDir, GuestPath, true)
	if err != nil {
		p.log.Warn().Str("instance", instance).Err(err).
			Msg("shared folder with shift=true failed, retrying without")
		if err := p.client.AddDisk(ctx, instance, device, p.hostDir, GuestPath, false); err != nil {
			return fmt.Errorf("adding shared folder to %s: %w", instance, err)
		}
	}

	for attempt := 0; attempt < mountVerifyAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.mounted(ctx, instance) {
			return nil
		}
		p.log.Warn().Str("instance", instance).Int("attempt", attempt+1).
			Msg("shared folder not mounted yet, re-adding device")
		_ = p.client.RemoveDevice(ctx, instance, device)
		if err := p.client.AddDisk(ctx, instance, device, p.hostDir, GuestPath, false); err != nil {
			return fmt.Errorf("re-adding shared folder to %s: %w", instance, err)
		}
	}
	return fmt.Errorf("shared folder for %s never appeared in /proc/mounts", instance)
}

func (p *Provisioner) mounted(ctx context.Context, instance string) bool {
	_, err := p.client.Exec(ctx, incus.ExecOptions{
		Instance: instance,
		Args:     []string{"grep", "-wq", GuestPath, "/proc/mounts"},
	})
	return err == nil
}

// Apply runs the steps in order, stopping at the first failure.
func (p *Provisioner) Apply(ctx context.Context, instance string, steps []config.Step) error {
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return &StepError{Instance: instance, Index: i, Err: err}
		}
		p.log.Info().Str("instance", instance).
			Int("step", i+1).Int("of", len(steps)).
			Msg("running provisioning step")
		var err error
		switch step.Kind {
		case config.StepCommand:
			err = p.runCommand(ctx, instance, step.Command)
		case config.StepScript:
			err = p.runScript(ctx, instance, step)
		default:
			err = fmt.Errorf("unknown step kind %d", step.Kind)
		}
		if err != nil {
			return &StepError{Instance: instance, Index: i, Err: err}
		}
	}
	return nil
}

// runCommand executes an inline command through the default shell with
// errexit set, so a failing command inside the step fails the step
// instead of being masked by a later one.
func (p *Provisioner) runCommand(ctx context.Context, instance, command string) error {
	_, err := p.client.Exec(ctx, incus.ExecOptions{
		Instance: instance,
		Args:     []string{"sh", "-ec", command},
		Cwd:      GuestPath,
	})
	return err
}

// runScript pushes the script body into the instance and runs it with
// its interpreter. The remote copy is removed on success and kept on
// failure for debugging.
func (p *Provisioner) runScript(ctx context.Context, instance string, step config.Step) error {
	local, err := os.CreateTemp("", "incant-*")
	if err != nil {
		return fmt.Errorf("creating temp script: %w", err)
	}
	defer os.Remove(local.Name())
	if _, err := local.WriteString(step.Script); err != nil {
		local.Close()
		return fmt.Errorf("writing temp script: %w", err)
	}
	if err := local.Close(); err != nil {
		return err
	}

	remote := fmt.Sprintf("/tmp/incant-%s", uuid.NewString())
	if err := p.client.PushFile(ctx, local.Name(), instance, remote); err != nil {
		return fmt.Errorf("pushing script to %s: %w", instance, err)
	}

	_, err = p.client.Exec(ctx, incus.ExecOptions{
		Instance: instance,
		Args: []string{"sh", "-c",
			fmt.Sprintf("%s %s", step.Interpreter, remote)},
		Cwd: GuestPath,
	})
	if err != nil {
		return err
	}
	// Cleanup runs as its own exec so its exit status cannot mask the
	// script's.
	if _, err := p.client.Exec(ctx, incus.ExecOptions{
		Instance: instance,
		Args:     []string{"rm", "-f", remote},
	}); err != nil {
		p.log.Debug().Str("instance", instance).Str("path", remote).Err(err).
			Msg("could not remove pushed script")
	}
	return nil
}
