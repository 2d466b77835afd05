// Package incus wraps the incus command line client. The rest of the
// program only depends on the Client interface, so tests run against
// MockClient instead of a live backend.
package incus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
)

type Client interface {
	Launch(ctx context.Context, opts LaunchOptions) error
	DeleteInstance(ctx context.Context, name string) error
	List(ctx context.Context) ([]Instance, error)
	Get(ctx context.Context, name string) (*Instance, error)
	Exec(ctx context.Context, opts ExecOptions) (string, error)
	PushFile(ctx context.Context, localPath, instance, remotePath string) error
	AddDisk(ctx context.Context, instance, device, source, path string, shift bool) error
	RemoveDevice(ctx context.Context, instance, device string) error
	AgentReady(ctx context.Context, name string) (bool, error)
	Booted(ctx context.Context, name string) (bool, error)

	CreateProject(ctx context.Context, name string, config map[string]string) error
	DeleteProject(ctx context.Context, name string) error
	ListProjects(ctx context.Context) ([]string, error)
	CopyProfile(ctx context.Context, project string) error
}

// CommandError is returned when the incus binary exits nonzero.
type CommandError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("incus %s failed: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += "\nstderr: " + e.Stderr
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

type client struct {
	incusPath string
	project   string // "" or "default" means no --project flag
}

// NewClient locates the incus binary. All instance-level operations are
// scoped to project; project-level operations always run unscoped.
func NewClient(project string) (Client, error) {
	path, err := exec.LookPath("incus")
	if err != nil {
		return nil, fmt.Errorf("incus not found in PATH: %w", err)
	}
	return &client{incusPath: path, project: project}, nil
}

func (c *client) scopedArgs(args []string) []string {
	if c.project != "" && c.project != "default" {
		return append([]string{"--project", c.project}, args...)
	}
	return args
}

func (c *client) run(ctx context.Context, args ...string) (string, error) {
	return c.runInput(ctx, "", c.scopedArgs(args)...)
}

// runGlobal runs outside any project scope (project management itself).
func (c *client) runGlobal(ctx context.Context, args ...string) (string, error) {
	return c.runInput(ctx, "", args...)
}

func (c *client) runInput(ctx context.Context, input string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.incusPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if input != "" {
		cmd.Stdin = strings.NewReader(input)
	}
	if err := cmd.Run(); err != nil {
		return "", &CommandError{Args: args, Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}
	return stdout.String(), nil
}

func buildLaunchArgs(opts LaunchOptions) []string {
	args := []string{"launch", opts.Image, opts.Name}
	if opts.VM {
		args = append(args, "--vm")
	}
	for _, p := range opts.Profiles {
		args = append(args, "--profile", p)
	}
	for _, k := range sortedKeys(opts.Config) {
		args = append(args, "--config", fmt.Sprintf("%s=%s", k, opts.Config[k]))
	}
	for _, dev := range sortedKeys(opts.Devices) {
		spec := dev
		attrs := opts.Devices[dev]
		for _, k := range sortedKeys(attrs) {
			spec += fmt.Sprintf(",%s=%s", k, attrs[k])
		}
		args = append(args, "--device", spec)
	}
	if opts.Network != "" {
		args = append(args, "--network", opts.Network)
	}
	if opts.InstanceType != "" {
		args = append(args, "--type", opts.InstanceType)
	}
	return args
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *client) Launch(ctx context.Context, opts LaunchOptions) error {
	_, err := c.run(ctx, buildLaunchArgs(opts)...)
	return err
}

func (c *client) DeleteInstance(ctx context.Context, name string) error {
	// --force stops a running instance before removing it.
	_, err := c.run(ctx, "delete", "--force", name)
	return err
}

func parseInstances(data []byte) ([]Instance, error) {
	var entries []struct {
		Name    string `json:"name"`
		Status  string `json:"status"`
		Type    string `json:"type"`
		Project string `json:"project"`
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing instance list: %w", err)
	}
	instances := make([]Instance, 0, len(entries))
	for _, e := range entries {
		instances = append(instances, Instance{
			Name:    e.Name,
			Status:  InstanceStatus(e.Status),
			Type:    e.Type,
			Project: e.Project,
		})
	}
	return instances, nil
}

func (c *client) List(ctx context.Context) ([]Instance, error) {
	output, err := c.run(ctx, "list", "--format=json")
	if err != nil {
		return nil, err
	}
	return parseInstances([]byte(output))
}

func (c *client) Get(ctx context.Context, name string) (*Instance, error) {
	instances, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, inst := range instances {
		if inst.Name == name {
			return &inst, nil
		}
	}
	return nil, fmt.Errorf("instance %q not found", name)
}

func (c *client) Exec(ctx context.Context, opts ExecOptions) (string, error) {
	args := []string{"exec"}
	if opts.Cwd != "" {
		args = append(args, "--cwd", opts.Cwd)
	}
	args = append(args, opts.Instance, "--")
	args = append(args, opts.Args...)
	return c.run(ctx, args...)
}

func (c *client) PushFile(ctx context.Context, localPath, instance, remotePath string) error {
	_, err := c.run(ctx, "file", "push", localPath, instance+remotePath)
	return err
}

func (c *client) AddDisk(ctx context.Context, instance, device, source, path string, shift bool) error {
	args := []string{
		"config", "device", "add", instance, device, "disk",
		"source=" + source, "path=" + path,
	}
	if shift {
		args = append(args, "shift=true")
	}
	_, err := c.run(ctx, args...)
	return err
}

func (c *client) RemoveDevice(ctx context.Context, instance, device string) error {
	_, err := c.run(ctx, "config", "device", "remove", instance, device)
	return err
}

// AgentReady reports whether commands can be executed in the instance.
// For VMs this requires the guest agent; containers are ready as soon as
// exec works.
func (c *client) AgentReady(ctx context.Context, name string) (bool, error) {
	_, err := c.Exec(ctx, ExecOptions{Instance: name, Args: []string{"true"}})
	if err == nil {
		return true, nil
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && strings.Contains(cmdErr.Stderr, "agent isn't currently running") {
		return false, nil
	}
	return false, err
}

// Booted reports whether the guest reached its final systemd target.
// A nonzero exit means the system is still starting (or degraded), which
// the caller treats as not-yet-booted and retries.
func (c *client) Booted(ctx context.Context, name string) (bool, error) {
	output, err := c.Exec(ctx, ExecOptions{
		Instance: name,
		Args:     []string{"systemctl", "is-system-running"},
	})
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) {
			return false, nil
		}
		return false, err
	}
	return strings.TrimSpace(output) == "running", nil
}

func (c *client) CreateProject(ctx context.Context, name string, config map[string]string) error {
	args := []string{"project", "create", name}
	for _, k := range sortedKeys(config) {
		args = append(args, "--config", fmt.Sprintf("%s=%s", k, config[k]))
	}
	_, err := c.runGlobal(ctx, args...)
	return err
}

func (c *client) DeleteProject(ctx context.Context, name string) error {
	// --force prompts for confirmation on stdin.
	_, err := c.runInput(ctx, "yes\n", "project", "delete", "--force", name)
	return err
}

func (c *client) ListProjects(ctx context.Context) ([]string, error) {
	output, err := c.runGlobal(ctx, "project", "list", "--format=json")
	if err != nil {
		return nil, err
	}
	var entries []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(output), &entries); err != nil {
		return nil, fmt.Errorf("parsing project list: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	return names, nil
}

// CopyProfile copies the default profile from the default project into the
// given project, so freshly created projects get working root disk and
// network devices.
func (c *client) CopyProfile(ctx context.Context, project string) error {
	content, err := c.runGlobal(ctx, "--project", "default", "profile", "show", "default")
	if err != nil {
		return fmt.Errorf("reading default profile: %w", err)
	}
	_, err = c.runInput(ctx, content, "--project", project, "profile", "edit", "default")
	if err != nil {
		return fmt.Errorf("writing default profile to project %s: %w", project, err)
	}
	return nil
}
