package server

import "sync"

// Registry tracks live connections by charge point identity so operator
// pushes can reach an open socket. Entries are inserted on connect and
// removed on disconnect; a second connection for the same identity replaces
// the first.
type Registry struct {
	mux     sync.RWMutex
	entries map[string]*WebSocket
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*WebSocket),
	}
}

func (r *Registry) Insert(id string, ws *WebSocket) {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.entries[id] = ws
}

// Remove drops the entry only if it still points at the given socket, so a
// reconnect that already replaced the entry is not clobbered by the old
// connection's teardown.
func (r *Registry) Remove(id string, ws *WebSocket) {
	r.mux.Lock()
	defer r.mux.Unlock()
	if current, ok := r.entries[id]; ok && current == ws {
		delete(r.entries, id)
	}
}

func (r *Registry) Lookup(id string) (*WebSocket, bool) {
	r.mux.RLock()
	defer r.mux.RUnlock()
	ws, ok := r.entries[id]
	return ws, ok
}

func (r *Registry) Count() int {
	r.mux.RLock()
	defer r.mux.RUnlock()
	return len(r.entries)
}
