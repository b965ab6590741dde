// Package registry holds the joined visitors of one room.
package registry

import "museum-presence/domain"

// Registry maps connection ids to visitor sessions. It has no internal locking: the room that
// owns it is its only writer.
type Registry struct {
	visitors map[string]*domain.Visitor
}

func New() *Registry {
	return &Registry{visitors: make(map[string]*domain.Visitor)}
}

func (r *Registry) Put(v *domain.Visitor) {
	r.visitors[v.ID] = v
}

// Get returns the live session for id. Callers may mutate it in place.
func (r *Registry) Get(id string) (*domain.Visitor, bool) {
	v, ok := r.visitors[id]
	return v, ok
}

// Remove deletes the session for id and reports whether one existed.
func (r *Registry) Remove(id string) bool {
	if _, ok := r.visitors[id]; !ok {
		return false
	}
	delete(r.visitors, id)
	return true
}

// All returns a copy of every session, in no particular order.
func (r *Registry) All() []domain.Visitor {
	out := make([]domain.Visitor, 0, len(r.visitors))
	for _, v := range r.visitors {
		out = append(out, *v)
	}
	return out
}

func (r *Registry) Len() int {
	return len(r.visitors)
}
