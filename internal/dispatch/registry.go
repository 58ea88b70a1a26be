package dispatch

import (
	"sync"

	"github.com/arkeep-io/agentcp/internal/wire"
)

// Handler processes one dispatched Record. It runs inside a scheduler
// worker goroutine, never on the WebSocket receive goroutine.
type Handler func(rec Record)

// Registry holds the three handler scopes named in spec §4.7 and
// original_source/agentcp_python/agentcp.py's
// `__run_message_listeners`/`__async_run_message_listeners`: a
// session-scoped handler (registered by OnSession, exclusive to
// that session), an instruction-routed handler keyed on
// Instruction.Cmd (exclusive to that command), and a global handler
// list (every registered global handler runs, in registration order).
// Precedence is session-scoped, then instruction-routed, then global —
// the first two are exclusive because the original dispatches to
// exactly one of them when present, falling through to the broadcast
// list only when neither claims the message.
type Registry struct {
	mu           sync.RWMutex
	bySession    map[string]Handler
	byInstruction map[string]Handler
	global       []Handler
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		bySession:     make(map[string]Handler),
		byInstruction: make(map[string]Handler),
	}
}

// OnSession registers the exclusive handler for sessionID, replacing any
// previously registered handler for that session.
func (r *Registry) OnSession(sessionID string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySession[sessionID] = h
}

// ForgetSession removes the session-scoped handler, called when a
// session closes.
func (r *Registry) ForgetSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bySession, sessionID)
}

// OnInstruction registers the exclusive handler for an instruction
// command name, replacing any previous registration for that command.
func (r *Registry) OnInstruction(cmd string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byInstruction[cmd] = h
}

// ForgetInstruction removes the instruction-routed handler for cmd.
func (r *Registry) ForgetInstruction(cmd string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byInstruction, cmd)
}

// OnGlobal appends a handler to the broadcast list; every global handler
// runs for every record that no session-scoped or instruction-routed
// handler claims.
func (r *Registry) OnGlobal(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global = append(r.global, h)
}

// Reset clears the session-scoped and instruction-routed handler maps,
// used by the reset-orchestration sequence when an identity goes offline
// and back online. Global handlers stay registered.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySession = make(map[string]Handler)
	r.byInstruction = make(map[string]Handler)
}

// Resolve applies the precedence rule and returns the handlers that
// should run for this record: exactly one handler if a session-scoped
// or instruction-routed match exists, otherwise every registered global
// handler.
func (r *Registry) Resolve(sessionID string, instr *wire.Instruction) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if h, ok := r.bySession[sessionID]; ok {
		return []Handler{h}
	}
	if instr != nil {
		if h, ok := r.byInstruction[instr.Cmd]; ok {
			return []Handler{h}
		}
	}
	if len(r.global) == 0 {
		return nil
	}
	out := make([]Handler, len(r.global))
	copy(out, r.global)
	return out
}
