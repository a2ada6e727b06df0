package relay

import (
	"sync"

	"github.com/ehrlich-b/relaywire/internal/ws"
)

// HostRecord is the one-per-password record for a registered host.
type HostRecord struct {
	Password    string
	Transport   *Transport
	Info        any
	Controllers map[*Transport]*ControllerRecord
}

// ControllerRecord is the one-per-attached-transport record for a
// controller currently attached to a host.
type ControllerRecord struct {
	Transport  *Transport
	Password   string
	SessionID  string
	DeviceInfo ws.DeviceInfo
}

// Registry tracks every live host and attached controller. A single coarse
// mutex guards both maps and every host's controller set, so readers never
// observe a half-formed state. Operations collect whatever the caller needs
// to notify (displaced hosts, orphaned controllers) and return it for the
// caller to send after the lock is released — registry methods never do
// network I/O themselves.
type Registry struct {
	mu          sync.Mutex
	hosts       map[string]*HostRecord    // password -> host
	controllers map[*Transport]*ControllerRecord // transport -> controller
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		hosts:       make(map[string]*HostRecord),
		controllers: make(map[*Transport]*ControllerRecord),
	}
}

// RegisterHost installs t as the host for password. If a host already owns
// the password, it is detached first (its controllers are returned,
// unattached, for the caller to notify with computer_disconnected) and its
// transport is returned so the caller can close it.
func (r *Registry) RegisterHost(password string, info any, t *Transport) (replaced *Transport, orphaned []*Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.hosts[password]; ok {
		replaced = old.Transport
		for ct := range old.Controllers {
			orphaned = append(orphaned, ct)
		}
	}
	r.hosts[password] = &HostRecord{
		Password:    password,
		Transport:   t,
		Info:        info,
		Controllers: make(map[*Transport]*ControllerRecord),
	}
	return replaced, orphaned
}

// HostExists reports whether a host is currently registered for password.
func (r *Registry) HostExists(password string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.hosts[password]
	return ok
}

// HostTransport returns the live transport for password, if any.
func (r *Registry) HostTransport(password string) (*Transport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hosts[password]
	if !ok {
		return nil, false
	}
	return h.Transport, true
}

// AttachController inserts t as a controller of password's host. Fails if
// no host is currently registered for that password.
func (r *Registry) AttachController(password string, t *Transport, sessionID string, info ws.DeviceInfo) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hosts[password]
	if !ok {
		return false
	}
	cr := &ControllerRecord{Transport: t, Password: password, SessionID: sessionID, DeviceInfo: info}
	r.controllers[t] = cr
	h.Controllers[t] = cr
	return true
}

// DetachHost removes the host currently owning t, if any, and returns the
// snapshot of controllers that were attached to it (now unattached — the
// caller should broadcast computer_disconnected to them).
func (r *Registry) DetachHost(t *Transport) (controllers []*Transport, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for pw, h := range r.hosts {
		if h.Transport != t {
			continue
		}
		for ct := range h.Controllers {
			controllers = append(controllers, ct)
		}
		delete(r.hosts, pw)
		return controllers, true
	}
	return nil, false
}

// DetachController removes t from its host's controller set and from the
// controller index, returning the password and session it belonged to.
func (r *Registry) DetachController(t *Transport) (password, sessionID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cr, ok := r.controllers[t]
	if !ok {
		return "", "", false
	}
	delete(r.controllers, t)
	if h, hok := r.hosts[cr.Password]; hok {
		delete(h.Controllers, t)
	}
	return cr.Password, cr.SessionID, true
}

// ControllersOf returns a snapshot of every controller record currently
// attached to password's host (empty if no host or no controllers).
func (r *Registry) ControllersOf(password string) []*ControllerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hosts[password]
	if !ok {
		return nil
	}
	out := make([]*ControllerRecord, 0, len(h.Controllers))
	for _, cr := range h.Controllers {
		out = append(out, cr)
	}
	return out
}

// FindControllerBySession returns the transport of the single controller
// attached to password's host whose session matches sessionID.
func (r *Registry) FindControllerBySession(password, sessionID string) (*Transport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hosts[password]
	if !ok {
		return nil, false
	}
	for t, cr := range h.Controllers {
		if cr.SessionID == sessionID {
			return t, true
		}
	}
	return nil, false
}

// hostCountSnapshot returns the number of currently registered hosts.
func (r *Registry) hostCountSnapshot() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hosts)
}

// controllerCountSnapshot returns the number of currently attached
// controllers across every host.
func (r *Registry) controllerCountSnapshot() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.controllers)
}

// RemoveControllerByTransport removes a controller transport from its
// host's set and from the controller index (used when its session was
// already ended by a kick, logout, eviction, or idle expiry, so the later
// connection cleanup finds nothing left to detach).
func (r *Registry) RemoveControllerByTransport(password string, t *Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.hosts[password]; ok {
		delete(h.Controllers, t)
	}
	delete(r.controllers, t)
}
