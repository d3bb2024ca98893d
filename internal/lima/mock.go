package lima

import (
	"context"
	"fmt"
)

// MockClient implements the Client interface for testing. Exec and copy
// calls are recorded so tests can assert which guest commands ran.
type MockClient struct {
	Instances map[string]*Instance
	ExecFn    func(ctx context.Context, opts ExecOptions) (string, error)
	CopyFn    func(ctx context.Context, instance, guestPath, localPath string) error

	ExecCalls  []ExecOptions
	CopyCalls  int
	StartCalls int
	StopCalls  int

	CreateErr error
	StartErr  error
	StopErr   error
	DeleteErr error
	ExecErr   error
	CopyErr   error
}

func NewMockClient() *MockClient {
	return &MockClient{
		Instances: make(map[string]*Instance),
	}
}

func (m *MockClient) Create(ctx context.Context, name, configPath string) error {
	if m.CreateErr != nil {
		return m.CreateErr
	}
	m.Instances[name] = &Instance{
		Name:   name,
		Status: StatusStopped,
		Arch:   "aarch64",
	}
	return nil
}

func (m *MockClient) Start(ctx context.Context, name string) error {
	m.StartCalls++
	if m.StartErr != nil {
		return m.StartErr
	}
	inst, ok := m.Instances[name]
	if !ok {
		return fmt.Errorf("instance %q not found", name)
	}
	inst.Status = StatusRunning
	return nil
}

func (m *MockClient) Stop(ctx context.Context, name string) error {
	m.StopCalls++
	if m.StopErr != nil {
		return m.StopErr
	}
	inst, ok := m.Instances[name]
	if !ok {
		return fmt.Errorf("instance %q not found", name)
	}
	inst.Status = StatusStopped
	return nil
}

func (m *MockClient) Delete(ctx context.Context, name string, force bool) error {
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	delete(m.Instances, name)
	return nil
}

func (m *MockClient) List(ctx context.Context) ([]Instance, error) {
	result := make([]Instance, 0, len(m.Instances))
	for _, inst := range m.Instances {
		result = append(result, *inst)
	}
	return result, nil
}

func (m *MockClient) Get(ctx context.Context, name string) (*Instance, error) {
	inst, ok := m.Instances[name]
	if !ok {
		return nil, fmt.Errorf("instance %q not found", name)
	}
	return inst, nil
}

func (m *MockClient) Exec(ctx context.Context, opts ExecOptions) (string, error) {
	m.ExecCalls = append(m.ExecCalls, opts)
	if m.ExecErr != nil {
		return "", m.ExecErr
	}
	if m.ExecFn != nil {
		return m.ExecFn(ctx, opts)
	}
	return "", nil
}

func (m *MockClient) CopyFromGuest(ctx context.Context, instance, guestPath, localPath string) error {
	m.CopyCalls++
	if m.CopyErr != nil {
		return m.CopyErr
	}
	if m.CopyFn != nil {
		return m.CopyFn(ctx, instance, guestPath, localPath)
	}
	return nil
}

// ResetCalls clears the recorded calls between test phases.
func (m *MockClient) ResetCalls() {
	m.ExecCalls = nil
	m.CopyCalls = 0
	m.StartCalls = 0
	m.StopCalls = 0
}
