package manifest

import (
	"sync"

	"github.com/avidal-labs/datarun/pkg/schema"
)

// Manifest is the append-only record of artifacts produced during one run.
// Entries are never mutated or removed; a retried step appends a new artifact
// that supersedes the prior attempt's entry for binding purposes, while the
// old entry remains for audit. Safe for concurrent use: inspection reads may
// overlap executor writes.
type Manifest struct {
	mu      sync.RWMutex
	entries []schema.Artifact
}

// New creates a Manifest seeded with existing entries (e.g. from a resumed
// checkpoint). The slice is copied.
func New(existing []schema.Artifact) *Manifest {
	m := &Manifest{}
	if len(existing) > 0 {
		m.entries = make([]schema.Artifact, len(existing))
		copy(m.entries, existing)
	}
	return m
}

// Append records a new artifact. It never replaces an existing entry.
func (m *Manifest) Append(a schema.Artifact) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, a)
}

// All returns a copy of every entry in append order.
func (m *Manifest) All() []schema.Artifact {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]schema.Artifact, len(m.entries))
	copy(out, m.entries)
	return out
}

// Len returns the number of entries.
func (m *Manifest) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Get returns the artifact with the given ID.
func (m *Manifest) Get(id string) (schema.Artifact, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := range m.entries {
		if m.entries[i].ID == id {
			return m.entries[i], true
		}
	}
	return schema.Artifact{}, false
}

// LatestByProducer returns the most recently appended artifact produced by
// the given step. Later attempts supersede earlier ones here.
func (m *Manifest) LatestByProducer(stepID string) (schema.Artifact, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].ProducingStepID == stepID {
			return m.entries[i], true
		}
	}
	return schema.Artifact{}, false
}

// UniqueByType returns the single artifact of the given type, counting each
// producing step once (latest attempt wins). The count reports how many
// distinct producers hold an artifact of that type; injection is only safe
// when it is exactly one.
func (m *Manifest) UniqueByType(artifactType string) (schema.Artifact, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	latest := make(map[string]int, len(m.entries)) // producer → entry index
	for i := range m.entries {
		if m.entries[i].Type == artifactType {
			latest[m.entries[i].ProducingStepID] = i
		}
	}
	if len(latest) != 1 {
		return schema.Artifact{}, len(latest)
	}
	for _, idx := range latest {
		return m.entries[idx], 1
	}
	return schema.Artifact{}, 0
}
