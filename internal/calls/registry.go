package calls

import "sync"

// Registry is the process-local index of ring requests and live connections.
// It is never persisted: after a restart, orphan recovery rebuilds what matters
// from the store.
type Registry struct {
	mu          sync.RWMutex
	requests    map[string]string              // ring request id -> session id
	connections map[string]map[string]struct{} // session id -> connection ids
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		requests:    make(map[string]string),
		connections: make(map[string]map[string]struct{}),
	}
}

// BindRequest associates a client-chosen ring request id with a session.
func (r *Registry) BindRequest(requestID, sessionID string) {
	if requestID == "" {
		return
	}
	r.mu.Lock()
	r.requests[requestID] = sessionID
	r.mu.Unlock()
}

// SessionForRequest returns the session created for a ring request, if any.
func (r *Registry) SessionForRequest(requestID string) (string, bool) {
	if requestID == "" {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.requests[requestID]
	return id, ok
}

// BindConnection records that a connection carries the session.
func (r *Registry) BindConnection(sessionID, connectionID string) {
	if connectionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.connections[sessionID]
	if !ok {
		conns = make(map[string]struct{})
		r.connections[sessionID] = conns
	}
	conns[connectionID] = struct{}{}
}

// UnbindConnection removes a connection from every session it carried.
func (r *Registry) UnbindConnection(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for sessionID, conns := range r.connections {
		delete(conns, connectionID)
		if len(conns) == 0 {
			delete(r.connections, sessionID)
		}
	}
}

// Connections returns the connection ids bound to a session.
func (r *Registry) Connections(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.connections[sessionID]))
	for id := range r.connections[sessionID] {
		out = append(out, id)
	}
	return out
}

// Forget drops every entry that refers to the session.
func (r *Registry) Forget(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.connections, sessionID)
	for req, id := range r.requests {
		if id == sessionID {
			delete(r.requests, req)
		}
	}
}
