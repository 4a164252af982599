package pipeline

// OnReadComplete is invoked with a message once it has traversed every
// module and surfaced at the top of the stack (index == len(modules)).
type OnReadComplete func(message []byte)

// OnBuildComplete is invoked with a frame once it has traversed every
// module and reached the bottom of the stack (index < 0), ready to hand to
// the transport.
type OnBuildComplete func(frame []byte)

// Manager owns the ordered module list and the two terminal event sinks.
// It performs no buffering, ordering, or threading of its own: dispatch is
// synchronous in the caller's goroutine, and reentrancy from a module's own
// background goroutines is the caller's responsibility (spec.md §4.1, §5).
type Manager struct {
	modules []Module

	onReadComplete  OnReadComplete
	onBuildComplete OnBuildComplete
}

// NewManager builds a Manager with no modules and no event sinks. Use
// SetModules and SetOnReadComplete/SetOnBuildComplete to configure it, or
// the constructor variant below.
func NewManager() *Manager {
	return &Manager{}
}

// NewManagerWithModules builds a Manager and immediately wires modules in
// ascending order (index 0 closest to the transport), as SetModules does.
func NewManagerWithModules(modules []Module, onRead OnReadComplete, onBuild OnBuildComplete) *Manager {
	m := &Manager{onReadComplete: onRead, onBuildComplete: onBuild}
	m.SetModules(modules)
	return m
}

// SetModules (re)assigns the manager's module list. Every module's index
// and manager back-reference is re-stamped; any module list previously
// assigned to this manager is no longer driven by it.
func (m *Manager) SetModules(modules []Module) {
	m.modules = modules
	for i, mod := range modules {
		mod.SetPosition(i, m)
	}
}

// SetOnReadComplete sets (or clears, with nil) the upward terminal sink.
func (m *Manager) SetOnReadComplete(fn OnReadComplete) { m.onReadComplete = fn }

// SetOnBuildComplete sets (or clears, with nil) the downward terminal sink.
func (m *Manager) SetOnBuildComplete(fn OnBuildComplete) { m.onBuildComplete = fn }

// Read is the public upward entry point: it starts dispatch at index 0.
func (m *Manager) Read(frame []byte) {
	m.dispatchRead(frame, 0)
}

// Build is the public downward entry point: it starts dispatch at the
// topmost module index.
func (m *Manager) Build(payload []byte) {
	m.dispatchBuild(payload, len(m.modules)-1)
}

// ContinueRead advances upward dispatch from module i to i+1. Modules call
// this (rather than Read) to hand a payload to their upward neighbor.
func (m *Manager) ContinueRead(data []byte, i int) {
	m.dispatchRead(data, i+1)
}

// ContinueBuild advances downward dispatch from module i to i-1. Modules
// call this (rather than Build) to hand a frame to their downward
// neighbor, and also to emit control frames (acks, resends,
// retransmissions) they generate themselves.
func (m *Manager) ContinueBuild(data []byte, i int) {
	m.dispatchBuild(data, i-1)
}

func (m *Manager) dispatchRead(data []byte, i int) {
	if i == len(m.modules) {
		if m.onReadComplete != nil {
			m.onReadComplete(data)
		}
		return
	}
	m.modules[i].Read(data)
}

func (m *Manager) dispatchBuild(data []byte, i int) {
	if i < 0 {
		if m.onBuildComplete != nil {
			m.onBuildComplete(data)
		}
		return
	}
	m.modules[i].Build(data)
}
