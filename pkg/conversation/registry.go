package conversation

import "sync"

// Registry is the process-wide conversation cache, keyed by conversation id.
// A store is created on first reference and lives for the session; nothing
// tears it down automatically. It is an explicit object handed around by
// reference, not module-level mutable state.
type Registry struct {
	mu     sync.Mutex
	stores map[string]*Store
}

func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]*Store)}
}

// GetOrCreate returns the store for the given conversation id, creating an
// empty one on first reference.
func (r *Registry) GetOrCreate(id string) *Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.stores[id]; ok {
		return st
	}
	st := NewStore(NewConversation(id))
	r.stores[st.ID()] = st
	return st
}

// Put registers an existing store (e.g. one hydrated from the persistence
// service), replacing any cached store for the same id.
func (r *Registry) Put(st *Store) {
	if st == nil {
		return
	}
	r.mu.Lock()
	r.stores[st.ID()] = st
	r.mu.Unlock()
}

// Get returns the cached store, or nil.
func (r *Registry) Get(id string) *Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stores[id]
}

// Delete drops a conversation from the cache (explicit user delete).
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	delete(r.stores, id)
	r.mu.Unlock()
}

// IDs lists the cached conversation ids.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.stores))
	for id := range r.stores {
		ids = append(ids, id)
	}
	return ids
}
