package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incantvm/incant/internal/config"
	"github.com/incantvm/incant/internal/incus"
)

func steps(raw ...string) []config.Step {
	out := make([]config.Step, 0, len(raw))
	for _, r := range raw {
		out = append(out, config.ParseStep(r))
	}
	return out
}

func TestApply_RunsInOrder(t *testing.T) {
	mock := incus.NewMockClient()
	var ran []string
	mock.ExecFn = func(ctx context.Context, opts incus.ExecOptions) (string, error) {
		require.Equal(t, "web", opts.Instance)
		require.Equal(t, "sh", opts.Args[0])
		ran = append(ran, opts.Args[len(opts.Args)-1])
		return "", nil
	}

	p := New(mock, "/host/dir", zerolog.Nop())
	err := p.Apply(context.Background(), "web", steps("s1", "s2", "s3"))
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2", "s3"}, ran)
}

func TestApply_StopsAtFirstFailure(t *testing.T) {
	mock := incus.NewMockClient()
	var ran []string
	mock.ExecFn = func(ctx context.Context, opts incus.ExecOptions) (string, error) {
		cmd := opts.Args[len(opts.Args)-1]
		ran = append(ran, cmd)
		if cmd == "s2" {
			return "", &incus.CommandError{Args: opts.Args, Err: errors.New("exit status 1")}
		}
		return "", nil
	}

	p := New(mock, "/host/dir", zerolog.Nop())
	err := p.Apply(context.Background(), "web", steps("s1", "s2", "s3"))

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, 1, stepErr.Index, "the second step failed")
	assert.Equal(t, []string{"s1", "s2"}, ran, "s3 must never run")
}

func TestApply_CommandShellFailFast(t *testing.T) {
	mock := incus.NewMockClient()
	var got incus.ExecOptions
	mock.ExecFn = func(ctx context.Context, opts incus.ExecOptions) (string, error) {
		got = opts
		return "", nil
	}

	p := New(mock, "/host/dir", zerolog.Nop())
	require.NoError(t, p.Apply(context.Background(), "web", steps("apt-get update")))

	// errexit so a failing command inside the step fails the step
	assert.Equal(t, []string{"sh", "-ec", "apt-get update"}, got.Args)
	assert.Equal(t, GuestPath, got.Cwd)
}

func TestApply_ScriptPushedAndCleaned(t *testing.T) {
	mock := incus.NewMockClient()
	var execs [][]string
	mock.ExecFn = func(ctx context.Context, opts incus.ExecOptions) (string, error) {
		execs = append(execs, opts.Args)
		return "", nil
	}

	p := New(mock, "/host/dir", zerolog.Nop())
	script := "#!/bin/bash\nset -xe\necho done\n"
	require.NoError(t, p.Apply(context.Background(), "web", steps(script)))

	require.Equal(t, 1, mock.CallCount("push web/tmp/incant-"), "script must be pushed into the instance")
	require.Len(t, execs, 2)
	cmd := execs[0][len(execs[0])-1]
	assert.True(t, strings.HasPrefix(cmd, "/bin/bash /tmp/incant-"), "declared interpreter must be used: %s", cmd)
	remote := strings.TrimPrefix(cmd, "/bin/bash ")
	assert.Equal(t, []string{"rm", "-f", remote}, execs[1], "remote script is removed on success")
}

func TestApply_ScriptCleanupFailureIgnored(t *testing.T) {
	mock := incus.NewMockClient()
	mock.ExecFn = func(ctx context.Context, opts incus.ExecOptions) (string, error) {
		if opts.Args[0] == "rm" {
			return "", &incus.CommandError{Args: opts.Args, Err: errors.New("exit status 1")}
		}
		return "", nil
	}

	p := New(mock, "/host/dir", zerolog.Nop())
	err := p.Apply(context.Background(), "web", steps("line1\nline2\n"))
	require.NoError(t, err, "a failed cleanup must not fail a successful script")
}

func TestApply_ScriptKeptOnFailure(t *testing.T) {
	mock := incus.NewMockClient()
	removed := false
	mock.ExecFn = func(ctx context.Context, opts incus.ExecOptions) (string, error) {
		if opts.Args[0] == "rm" {
			removed = true
			return "", nil
		}
		return "", &incus.CommandError{Args: opts.Args, Err: errors.New("exit status 1")}
	}

	p := New(mock, "/host/dir", zerolog.Nop())
	err := p.Apply(context.Background(), "web", steps("line1\nline2\n"))

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.False(t, removed, "failed script stays in the instance for debugging")
}

func TestApply_ScriptPushFailure(t *testing.T) {
	mock := incus.NewMockClient()
	mock.PushErr = errors.New("file push failed")

	p := New(mock, "/host/dir", zerolog.Nop())
	err := p.Apply(context.Background(), "web", steps("line1\nline2\n"))

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, 0, stepErr.Index)
}

func TestApply_Cancelled(t *testing.T) {
	mock := incus.NewMockClient()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := New(mock, "/host/dir", zerolog.Nop())
	err := p.Apply(ctx, "web", steps("s1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, mock.CallCount("exec"), "no step runs after cancellation")
}

func TestMount_ShiftRetry(t *testing.T) {
	mock := incus.NewMockClient()
	mounted := false
	mock.AddDiskFn = func(instance, device, source, path string, shift bool) error {
		if shift {
			return &incus.CommandError{Err: errors.New("idmapped mounts not supported")}
		}
		mounted = true
		return nil
	}
	mock.ExecFn = func(ctx context.Context, opts incus.ExecOptions) (string, error) {
		// /proc/mounts check succeeds once the device was added
		if mounted {
			return "", nil
		}
		return "", &incus.CommandError{Err: errors.New("exit status 1")}
	}

	p := New(mock, "/host/dir", zerolog.Nop())
	require.NoError(t, p.Mount(context.Background(), "web"))
	assert.Equal(t, 1, mock.CallCount("add-disk web web_shared_incant shift=true"))
	assert.Equal(t, 1, mock.CallCount("add-disk web web_shared_incant shift=false"))
}

func TestMount_AlreadyMounted(t *testing.T) {
	mock := incus.NewMockClient()
	mock.ExecFn = func(ctx context.Context, opts incus.ExecOptions) (string, error) {
		return "", nil // grep finds the mount
	}

	p := New(mock, "/host/dir", zerolog.Nop())
	require.NoError(t, p.Mount(context.Background(), "web"))
	assert.Equal(t, 0, mock.CallCount("add-disk"), "no device added when already mounted")
}

func TestMount_NeverAppears(t *testing.T) {
	mock := incus.NewMockClient()
	mock.ExecFn = func(ctx context.Context, opts incus.ExecOptions) (string, error) {
		return "", &incus.CommandError{Err: errors.New("exit status 1")}
	}

	p := New(mock, "/host/dir", zerolog.Nop())
	err := p.Mount(context.Background(), "web")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/proc/mounts")
	// initial add plus one re-add per verify attempt
	assert.Equal(t, mountVerifyAttempts+1, mock.CallCount("add-disk"))
}

func TestStepError_Message(t *testing.T) {
	err := &StepError{Instance: "web", Index: 1, Err: fmt.Errorf("exit status 1")}
	assert.Contains(t, err.Error(), "step 2")
	assert.Contains(t, err.Error(), "web")
}
