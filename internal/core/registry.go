package core

// registry.go holds the process-wide table of migration definitions.
// Definitions are registered from internal/schema at init time and addressed
// by key on the upload endpoints.

import (
	"fmt"
	"sort"
	"sync"
)

// MigrationDefinition bundles everything needed to run one kind of
// migration: the compiled field bindings, extra validation rules and the
// master tables the apply phase feeds.
type MigrationDefinition struct {
	// Key is the unique identifier used in upload requests.
	Key string

	// Label is the human-readable name.
	Label string

	Descriptor *Descriptor

	// Rules are migration-specific row rules appended after the standard
	// descriptor-derived checks.
	Rules []RowRule

	// Targets are the master tables in any order; the orchestrator runs
	// them in dependency order.
	Targets []ApplyTarget
}

// PrimaryTarget returns the target marked Primary, or the last target.
func (d MigrationDefinition) PrimaryTarget() ApplyTarget {
	for _, t := range d.Targets {
		if t.Primary {
			return t
		}
	}
	return d.Targets[len(d.Targets)-1]
}

var (
	registry   = make(map[string]MigrationDefinition)
	registryMu sync.RWMutex
)

// Register adds a migration definition to the registry.
// Panics if the key is taken or the definition is incomplete, so bad
// declarations fail at startup.
func Register(def MigrationDefinition) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if def.Key == "" {
		panic("migration definition has no key")
	}
	if _, exists := registry[def.Key]; exists {
		panic(fmt.Sprintf("migration already registered: %s", def.Key))
	}
	if def.Descriptor == nil {
		panic(fmt.Sprintf("migration %s has no descriptor", def.Key))
	}
	if len(def.Targets) == 0 {
		panic(fmt.Sprintf("migration %s has no apply targets", def.Key))
	}
	if _, err := orderTargets(def.Targets); err != nil {
		panic(fmt.Sprintf("migration %s: %v", def.Key, err))
	}

	registry[def.Key] = def
}

// Lookup returns a migration definition by key.
func Lookup(key string) (MigrationDefinition, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	def, ok := registry[key]
	return def, ok
}

// Definitions returns all registered definitions sorted by key.
func Definitions() []MigrationDefinition {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]MigrationDefinition, 0, len(registry))
	for _, def := range registry {
		result = append(result, def)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result
}

// ClearRegistry removes all registered migrations. For tests.
func ClearRegistry() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = make(map[string]MigrationDefinition)
}

// orderTargets sorts apply targets into dependency layers: every target in
// layer n depends only on targets in earlier layers. Targets within one
// layer are independent and may run in parallel.
func orderTargets(targets []ApplyTarget) ([][]ApplyTarget, error) {
	byName := make(map[string]ApplyTarget, len(targets))
	for _, t := range targets {
		if _, dup := byName[t.Name]; dup {
			return nil, fmt.Errorf("duplicate apply target %q", t.Name)
		}
		byName[t.Name] = t
	}

	done := make(map[string]bool, len(targets))
	var layers [][]ApplyTarget

	remaining := len(targets)
	for remaining > 0 {
		var layer []ApplyTarget
		for _, t := range targets {
			if done[t.Name] {
				continue
			}
			ready := true
			for _, dep := range t.DependsOn {
				if _, known := byName[dep]; !known {
					return nil, fmt.Errorf("target %q depends on unknown target %q", t.Name, dep)
				}
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				layer = append(layer, t)
			}
		}
		if len(layer) == 0 {
			return nil, fmt.Errorf("dependency cycle among apply targets")
		}
		for _, t := range layer {
			done[t.Name] = true
		}
		remaining -= len(layer)
		layers = append(layers, layer)
	}

	return layers, nil
}
