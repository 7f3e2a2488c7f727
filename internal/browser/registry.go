package browser

import (
	"strings"
	"sync"
)

// Registry holds the browser profiles a deployment dispatches work to.
type Registry struct {
	mu       sync.RWMutex
	order    []string
	profiles map[string]Profile
}

// NewRegistry builds a registry from configured ids. Ids that do not parse
// are dropped. A profile accepts manual tests when its id is listed in
// manualIDs.
func NewRegistry(ids, manualIDs []string) *Registry {
	manual := make(map[string]struct{}, len(manualIDs))
	for _, id := range manualIDs {
		manual[strings.TrimSpace(id)] = struct{}{}
	}

	r := &Registry{profiles: make(map[string]Profile)}
	for _, id := range SortIDs(ids) {
		profile, ok := ParseID(id)
		if !ok {
			continue
		}
		_, profile.AcceptsManual = manual[profile.ID]
		r.profiles[profile.ID] = profile
		r.order = append(r.order, profile.ID)
	}
	return r
}

func (r *Registry) Get(id string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	profile, ok := r.profiles[strings.TrimSpace(id)]
	return profile, ok
}

func (r *Registry) List() []Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Profile, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.profiles[id])
	}
	return out
}

func (r *Registry) AcceptsManual(id string) bool {
	profile, ok := r.Get(id)
	return ok && profile.AcceptsManual
}

// Parse resolves free-form ids to profiles. Configured profiles keep their
// manual flag; unknown but well-formed ids are parsed on the fly and never
// accept manual tests. Malformed ids are skipped.
func (r *Registry) Parse(ids []string) []Profile {
	out := make([]Profile, 0, len(ids))
	for _, id := range ids {
		if profile, ok := r.Get(id); ok {
			out = append(out, profile)
			continue
		}
		if profile, ok := ParseID(id); ok {
			out = append(out, profile)
		}
	}
	return out
}

// Match returns the configured profiles a worker of family/version attaches to.
func (r *Registry) Match(family string, version int) []Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Profile
	for _, id := range r.order {
		profile := r.profiles[id]
		if profile.Matches(family, version) {
			out = append(out, profile)
		}
	}
	return out
}
