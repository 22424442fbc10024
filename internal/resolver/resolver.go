// Package resolver is the narrow cache sitting between team-facing names
// (a team's display name, typed by a human or an agent) and the opaque ids
// the store uses internally. Keeping it narrow avoids the cyclic
// agent<->session<->sandbox-config<->team object graph the rest of the
// daemon would otherwise have to reason about (spec §8 "cross-references
// are ids, not pointers").
package resolver

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/delegate-dev/delegate/internal/store"
)

const cacheSize = 256

// TeamResolver resolves a team's display name to its id, backed by the
// store and fronted by a small LRU cache.
type TeamResolver struct {
	db    *store.DB
	cache *lru.Cache[string, string]
}

// New builds a resolver over db.
func New(db *store.DB) *TeamResolver {
	cache, _ := lru.New[string, string](cacheSize)
	return &TeamResolver{db: db, cache: cache}
}

// ResolveID returns the team id for a display name, hitting the store only
// on a cache miss.
func (r *TeamResolver) ResolveID(name string) (string, error) {
	if id, ok := r.cache.Get(name); ok {
		return id, nil
	}
	teams, err := r.db.Teams().List()
	if err != nil {
		return "", err
	}
	for _, team := range teams {
		r.cache.Add(team.Name, team.ID)
		if team.Name == name {
			return team.ID, nil
		}
	}
	return "", store.ErrNotFound
}

// Invalidate drops a cached name, forcing the next ResolveID to reload it
// from the store. Callers invoke this after a team rename or destroy.
func (r *TeamResolver) Invalidate(name string) {
	r.cache.Remove(name)
}
