package runner

import "context"

// Mock implements Runner for testing. It records every command and answers
// through Fn when set.
type Mock struct {
	Calls []Cmd
	Fn    func(c Cmd) (string, error)
}

func (m *Mock) Run(ctx context.Context, c Cmd) error {
	_, err := m.invoke(c)
	return err
}

func (m *Mock) Output(ctx context.Context, c Cmd) (string, error) {
	return m.invoke(c)
}

func (m *Mock) invoke(c Cmd) (string, error) {
	m.Calls = append(m.Calls, c)
	if m.Fn != nil {
		return m.Fn(c)
	}
	return "", nil
}

// Reset clears the recorded calls between test phases.
func (m *Mock) Reset() {
	m.Calls = nil
}
