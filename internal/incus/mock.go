package incus

import (
	"context"
	"fmt"
	"sync"
)

// MockClient implements the Client interface for testing. Every mutating
// call is appended to Calls so tests can assert which backend operations
// a run performed.
type MockClient struct {
	mu        sync.Mutex
	Instances map[string]*Instance
	Projects  map[string]map[string]string
	Calls     []string

	LaunchErr     map[string]error // per instance name
	DeleteErr     map[string]error
	ListErr       error
	ListProjErr   error
	CreateProjErr error
	DeleteProjErr error
	ProfileErr    error
	PushErr       error
	AddDiskErr    error

	ExecFn       func(ctx context.Context, opts ExecOptions) (string, error)
	AddDiskFn    func(instance, device, source, path string, shift bool) error
	AgentReadyFn func(name string) (bool, error)
	BootedFn     func(name string) (bool, error)
}

func NewMockClient() *MockClient {
	return &MockClient{
		Instances: make(map[string]*Instance),
		Projects:  make(map[string]map[string]string),
	}
}

func (m *MockClient) record(format string, a ...any) {
	m.Calls = append(m.Calls, fmt.Sprintf(format, a...))
}

// CallCount returns how many recorded calls start with prefix.
func (m *MockClient) CallCount(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.Calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (m *MockClient) Launch(ctx context.Context, opts LaunchOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("launch %s", opts.Name)
	if err := m.LaunchErr[opts.Name]; err != nil {
		return err
	}
	typ := TypeContainer
	if opts.VM {
		typ = TypeVirtualMachine
	}
	m.Instances[opts.Name] = &Instance{
		Name:   opts.Name,
		Status: StatusRunning,
		Type:   typ,
	}
	return nil
}

func (m *MockClient) DeleteInstance(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("delete %s", name)
	if err := m.DeleteErr[name]; err != nil {
		return err
	}
	delete(m.Instances, name)
	return nil
}

func (m *MockClient) List(ctx context.Context) ([]Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	result := make([]Instance, 0, len(m.Instances))
	for _, inst := range m.Instances {
		result = append(result, *inst)
	}
	return result, nil
}

func (m *MockClient) Get(ctx context.Context, name string) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.Instances[name]
	if !ok {
		return nil, fmt.Errorf("instance %q not found", name)
	}
	copied := *inst
	return &copied, nil
}

func (m *MockClient) Exec(ctx context.Context, opts ExecOptions) (string, error) {
	m.mu.Lock()
	m.record("exec %s", opts.Instance)
	m.mu.Unlock()
	if m.ExecFn != nil {
		return m.ExecFn(ctx, opts)
	}
	return "", nil
}

func (m *MockClient) PushFile(ctx context.Context, localPath, instance, remotePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("push %s%s", instance, remotePath)
	return m.PushErr
}

func (m *MockClient) AddDisk(ctx context.Context, instance, device, source, path string, shift bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("add-disk %s %s shift=%v", instance, device, shift)
	if m.AddDiskFn != nil {
		return m.AddDiskFn(instance, device, source, path, shift)
	}
	return m.AddDiskErr
}

func (m *MockClient) RemoveDevice(ctx context.Context, instance, device string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("remove-device %s %s", instance, device)
	return nil
}

func (m *MockClient) AgentReady(ctx context.Context, name string) (bool, error) {
	if m.AgentReadyFn != nil {
		return m.AgentReadyFn(name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.Instances[name]
	return ok, nil
}

func (m *MockClient) Booted(ctx context.Context, name string) (bool, error) {
	if m.BootedFn != nil {
		return m.BootedFn(name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.Instances[name]
	return ok, nil
}

func (m *MockClient) CreateProject(ctx context.Context, name string, config map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("project-create %s", name)
	if m.CreateProjErr != nil {
		return m.CreateProjErr
	}
	m.Projects[name] = config
	return nil
}

func (m *MockClient) DeleteProject(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("project-delete %s", name)
	if m.DeleteProjErr != nil {
		return m.DeleteProjErr
	}
	delete(m.Projects, name)
	return nil
}

func (m *MockClient) ListProjects(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListProjErr != nil {
		return nil, m.ListProjErr
	}
	names := []string{"default"}
	for name := range m.Projects {
		names = append(names, name)
	}
	return names, nil
}

func (m *MockClient) CopyProfile(ctx context.Context, project string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("profile-copy %s", project)
	return m.ProfileErr
}
