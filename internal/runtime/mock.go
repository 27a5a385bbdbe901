package runtime

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"sync"
	"time"
)

// MockRuntime is an in-memory implementation of Runtime for testing.
// Each sandbox has a map-backed filesystem; hooks let tests play the part
// of processes running inside the sandbox.
type MockRuntime struct {
	mu sync.RWMutex

	// Sandboxes tracks the state of mock sandboxes
	Sandboxes map[string]*SandboxInfo

	// Files holds sandbox id -> path -> contents
	Files map[string]map[string][]byte

	// ExecResults maps sandbox ids to predefined exec results
	ExecResults map[string]*ExecResult

	// Errors allows injecting errors for specific operations
	Errors map[string]error

	// CallLog records all method calls for verification
	CallLog []MockCall

	// CreateDelay makes Create block, honoring cancellation
	CreateDelay time.Duration

	// OnExec, when set, computes Exec results instead of ExecResults
	OnExec func(id string, command []string, opts ExecOptions) (*ExecResult, error)

	// OnBackground is called after ExecBackground is recorded
	OnBackground func(id string, command []string, opts ExecOptions)

	// OnAppend is called after AppendFile stores its data
	OnAppend func(id, path string, data []byte)

	nextID int
}

// MockCall represents a recorded method call
type MockCall struct {
	Method string
	Args   []interface{}
}

// NewMockRuntime creates a new mock runtime
func NewMockRuntime() *MockRuntime {
	return &MockRuntime{
		Sandboxes:   make(map[string]*SandboxInfo),
		Files:       make(map[string]map[string][]byte),
		ExecResults: make(map[string]*ExecResult),
		Errors:      make(map[string]error),
		CallLog:     make([]MockCall, 0),
	}
}

func (m *MockRuntime) record(method string, args ...interface{}) {
	m.CallLog = append(m.CallLog, MockCall{Method: method, Args: args})
}

// SetError sets an error to be returned for a specific operation
func (m *MockRuntime) SetError(operation string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Errors[operation] = err
}

// ClearError removes an injected error
func (m *MockRuntime) ClearError(operation string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Errors, operation)
}

// SetExecResult sets the result for exec operations on a sandbox
func (m *MockRuntime) SetExecResult(id string, result *ExecResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ExecResults[id] = result
}

// AddSandbox adds a sandbox to the mock
func (m *MockRuntime) AddSandbox(id string, status SandboxStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sandboxes[id] = &SandboxInfo{ID: id, Status: status}
	if m.Files[id] == nil {
		m.Files[id] = make(map[string][]byte)
	}
}

// SetStatus changes the status of an existing mock sandbox
func (m *MockRuntime) SetStatus(id string, status SandboxStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sb, ok := m.Sandboxes[id]; ok {
		sb.Status = status
	}
}

// File returns a copy of a sandbox file's contents
func (m *MockRuntime) File(id, path string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.Files[id][path]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// GetCalls returns all recorded calls
func (m *MockRuntime) GetCalls() []MockCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	calls := make([]MockCall, len(m.CallLog))
	copy(calls, m.CallLog)
	return calls
}

// GetCallsFor returns all calls for a specific method
func (m *MockRuntime) GetCallsFor(method string) []MockCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var calls []MockCall
	for _, call := range m.CallLog {
		if call.Method == method {
			calls = append(calls, call)
		}
	}
	return calls
}

// Reset clears all state
func (m *MockRuntime) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sandboxes = make(map[string]*SandboxInfo)
	m.Files = make(map[string]map[string][]byte)
	m.ExecResults = make(map[string]*ExecResult)
	m.Errors = make(map[string]error)
	m.CallLog = make([]MockCall, 0)
}

// Name returns the runtime identifier
func (m *MockRuntime) Name() string {
	return "mock"
}

// Create creates a new sandbox
func (m *MockRuntime) Create(ctx context.Context, opts CreateOptions) (*SandboxInfo, error) {
	m.mu.Lock()
	m.record("Create", opts)
	if err, ok := m.Errors["Create"]; ok {
		m.mu.Unlock()
		return nil, err
	}
	delay := m.CreateDelay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := opts.ID
	if id == "" {
		m.nextID++
		id = fmt.Sprintf("mock-sbx-%d", m.nextID)
	}
	info := &SandboxInfo{ID: id, Status: StatusRunning, Image: opts.Image}
	m.Sandboxes[id] = info
	m.Files[id] = make(map[string][]byte)

	copied := *info
	return &copied, nil
}

func (m *MockRuntime) requireSandbox(id string) error {
	if _, ok := m.Sandboxes[id]; !ok {
		return fmt.Errorf("sandbox not found: %s", id)
	}
	return nil
}

// Exec executes a command inside a sandbox
func (m *MockRuntime) Exec(ctx context.Context, id string, command []string, opts ExecOptions) (*ExecResult, error) {
	m.mu.Lock()
	m.record("Exec", id, command, opts)
	if err, ok := m.Errors["Exec"]; ok {
		m.mu.Unlock()
		return nil, err
	}
	if err := m.requireSandbox(id); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	hook := m.OnExec
	result, hasResult := m.ExecResults[id]
	m.mu.Unlock()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if opts.Stdin != nil {
		_, _ = io.Copy(io.Discard, opts.Stdin)
	}
	if hook != nil {
		return hook(id, command, opts)
	}
	if hasResult {
		return result, nil
	}
	return &ExecResult{ExitCode: 0}, nil
}

// ExecBackground records a background command
func (m *MockRuntime) ExecBackground(ctx context.Context, id string, command []string, opts ExecOptions) error {
	m.mu.Lock()
	m.record("ExecBackground", id, command, opts)
	if err, ok := m.Errors["ExecBackground"]; ok {
		m.mu.Unlock()
		return err
	}
	if err := m.requireSandbox(id); err != nil {
		m.mu.Unlock()
		return err
	}
	hook := m.OnBackground
	m.mu.Unlock()

	if hook != nil {
		hook(id, command, opts)
	}
	return nil
}

// ExposePort returns a fake URL for a sandbox port
func (m *MockRuntime) ExposePort(ctx context.Context, id string, port int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ExposePort", id, port)

	if err, ok := m.Errors["ExposePort"]; ok {
		return "", err
	}
	if err := m.requireSandbox(id); err != nil {
		return "", err
	}
	return fmt.Sprintf("https://%d-%s.sandbox.test", port, id), nil
}

// WriteFile stores a file in the sandbox's in-memory filesystem
func (m *MockRuntime) WriteFile(ctx context.Context, id, path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("WriteFile", id, path)

	if err, ok := m.Errors["WriteFile"]; ok {
		return err
	}
	if err := m.requireSandbox(id); err != nil {
		return err
	}
	m.Files[id][path] = append([]byte(nil), data...)
	return nil
}

// AppendFile appends to a file in the sandbox's in-memory filesystem
func (m *MockRuntime) AppendFile(ctx context.Context, id, path string, data []byte) error {
	m.mu.Lock()
	m.record("AppendFile", id, path)
	if err, ok := m.Errors["AppendFile"]; ok {
		m.mu.Unlock()
		return err
	}
	if err := m.requireSandbox(id); err != nil {
		m.mu.Unlock()
		return err
	}
	m.Files[id][path] = append(m.Files[id][path], data...)
	hook := m.OnAppend
	m.mu.Unlock()

	if hook != nil {
		hook(id, path, data)
	}
	return nil
}

// ReadFile reads a file from the sandbox's in-memory filesystem
func (m *MockRuntime) ReadFile(ctx context.Context, id, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ReadFile", id, path)

	if err, ok := m.Errors["ReadFile"]; ok {
		return nil, err
	}
	if err := m.requireSandbox(id); err != nil {
		return nil, err
	}
	data, ok := m.Files[id][path]
	if !ok {
		return nil, &fs.PathError{Op: "read", Path: path, Err: fs.ErrNotExist}
	}
	return append([]byte(nil), data...), nil
}

// IsRunning checks if a sandbox is currently running
func (m *MockRuntime) IsRunning(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("IsRunning", id)

	if err, ok := m.Errors["IsRunning"]; ok {
		return false, err
	}
	if sb, ok := m.Sandboxes[id]; ok {
		return sb.Status == StatusRunning, nil
	}
	return false, nil
}

// Destroy removes a sandbox and its files
func (m *MockRuntime) Destroy(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Destroy", id)

	if err, ok := m.Errors["Destroy"]; ok {
		return err
	}
	delete(m.Sandboxes, id)
	delete(m.Files, id)
	return nil
}

// List returns all sandboxes, ordered by id
func (m *MockRuntime) List(ctx context.Context) ([]*SandboxInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("List")

	if err, ok := m.Errors["List"]; ok {
		return nil, err
	}

	sandboxes := make([]*SandboxInfo, 0, len(m.Sandboxes))
	for _, sb := range m.Sandboxes {
		copied := *sb
		sandboxes = append(sandboxes, &copied)
	}
	sort.Slice(sandboxes, func(i, j int) bool { return sandboxes[i].ID < sandboxes[j].ID })
	return sandboxes, nil
}

// Ensure MockRuntime implements Runtime
var _ Runtime = (*MockRuntime)(nil)
