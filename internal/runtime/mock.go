package runtime

import (
	"context"
	"fmt"
	"sync"
)

// Mock is an in-process Adapter for development and tests. Hooks can be set
// to inject failures; the zero value behaves as an always-healthy runtime.
type Mock struct {
	mu         sync.Mutex
	nextPort   int
	running    map[string]bool
	Provisions int
	Terminates int

	ProvisionErr error
	TerminateErr error
	UsageErr     error

	// ProvisionHook, when set, runs before the default provision logic and
	// short-circuits it if it returns a non-nil connection or error.
	ProvisionHook func(ctx context.Context, spec ProvisionSpec) (*Connection, error)
}

func NewMock() *Mock {
	return &Mock{
		nextPort: 49000,
		running:  make(map[string]bool),
	}
}

func (m *Mock) Provision(ctx context.Context, spec ProvisionSpec) (Connection, error) {
	if m.ProvisionHook != nil {
		conn, err := m.ProvisionHook(ctx, spec)
		if err != nil {
			return Connection{}, err
		}
		if conn != nil {
			return *conn, nil
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Provisions++
	if m.ProvisionErr != nil {
		return Connection{}, m.ProvisionErr
	}
	if err := ctx.Err(); err != nil {
		return Connection{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	m.nextPort++
	vnc := m.nextPort
	m.nextPort++
	ssh := m.nextPort

	ref := fmt.Sprintf("mock-%s-%d", spec.Name, vnc)
	m.running[ref] = true

	conn := Connection{
		Ref:        ref,
		SSHCommand: fmt.Sprintf("ssh -p %d root@localhost", ssh),
		SSHPort:    ssh,
	}
	if spec.Graphical || spec.Browser {
		conn.VNCPort = vnc
		conn.VNCURL = fmt.Sprintf("https://localhost:8080/vnc.html?host=localhost&port=%d&autoconnect=true", vnc)
	}
	return conn, nil
}

func (m *Mock) Terminate(ctx context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Terminates++
	if m.TerminateErr != nil {
		return m.TerminateErr
	}
	if !m.running[ref] {
		return ErrNotFound
	}
	delete(m.running, ref)
	return nil
}

func (m *Mock) Usage(ctx context.Context, ref string) (Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.UsageErr != nil {
		return Usage{}, m.UsageErr
	}
	if !m.running[ref] {
		return Usage{}, ErrNotFound
	}
	return Usage{CPUPercent: 3.5, MemoryMB: 256}, nil
}
