package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/relaycrm/procengine/model"
)

// snapshot is an immutable collection of definitions indexed by key. latest
// holds the highest version per key; versioned holds every key@version so
// running executions can resolve the exact template they were started from.
type snapshot struct {
	latest    map[string]model.ProcessDefinition
	versioned map[string]model.ProcessDefinition
	checksum  string
}

func versionKey(key string, version int) string {
	return fmt.Sprintf("%s@%d", key, version)
}

// Registry is a read-optimized, thread-safe store of loaded process
// definitions. It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given definitions.
func NewRegistry(defs []model.ProcessDefinition) *Registry {
	r := &Registry{}
	r.Replace(defs)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given definitions.
func (r *Registry) Replace(defs []model.ProcessDefinition) {
	s := &snapshot{
		latest:    make(map[string]model.ProcessDefinition, len(defs)),
		versioned: make(map[string]model.ProcessDefinition, len(defs)),
	}

	var checksumParts []string

	for _, def := range defs {
		s.versioned[versionKey(def.Key, def.Version)] = def
		if cur, ok := s.latest[def.Key]; !ok || def.Version > cur.Version {
			s.latest[def.Key] = def
		}
		checksumParts = append(checksumParts, def.Checksum)
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Get returns the latest version of the definition with the given key.
func (r *Registry) Get(key string) (model.ProcessDefinition, bool) {
	d, ok := r.current().latest[key]
	return d, ok
}

// GetVersion returns the definition with the given key and exact version.
func (r *Registry) GetVersion(key string, version int) (model.ProcessDefinition, bool) {
	d, ok := r.current().versioned[versionKey(key, version)]
	return d, ok
}

// All returns the latest version of every loaded definition.
func (r *Registry) All() []model.ProcessDefinition {
	s := r.current()
	defs := make([]model.ProcessDefinition, 0, len(s.latest))
	for _, d := range s.latest {
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Key < defs[j].Key })
	return defs
}

// Len returns the number of distinct definition keys loaded.
func (r *Registry) Len() int {
	return len(r.current().latest)
}

// Checksum returns the combined checksum of all loaded definitions.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
