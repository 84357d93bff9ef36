package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	errspkg "github.com/drblury/indexflow/internal/runtime/errors"
)

// Snapshot is the declarative plugin and storage layout loaded at start-up
// and on every reload.
type Snapshot struct {
	Version   int                   `yaml:"version"`
	Plugins   []PluginDescriptor    `yaml:"plugins"`
	Relations map[string][]Relation `yaml:"relations"`
	Tables    map[string]string     `yaml:"tables"`
	Slots     []Slot                `yaml:"slots"`
}

// PluginDescriptor describes a plugin and every context it is bound to.
type PluginDescriptor struct {
	ID        string           `yaml:"id"`
	Variables map[string]any   `yaml:"variables"`
	Contexts  []ContextBinding `yaml:"contexts"`
}

// ContextBinding is one instance of a plugin. UUID is unique across the
// whole snapshot.
type ContextBinding struct {
	Path      string         `yaml:"path"`
	Context   string         `yaml:"context"`
	UUID      string         `yaml:"uuid"`
	Variables map[string]any `yaml:"variables"`
}

// Relation declares a foreign reference exposed as a query field.
type Relation struct {
	Column           string `yaml:"column"`
	ReferencedTable  string `yaml:"referencedTable"`
	ReferencedColumn string `yaml:"referencedColumn"`
	ReferenceName    string `yaml:"referenceName"`
}

// Slot is a tenant with its own database. Plugins, relations and tables
// listed on a slot apply only to it.
type Slot struct {
	Name           string                `yaml:"name"`
	DatabaseURL    string                `yaml:"database_url"`
	ReaderPassword string                `yaml:"reader_password"`
	Plugins        []PluginDescriptor    `yaml:"plugins"`
	Relations      map[string][]Relation `yaml:"relations"`
	Tables         map[string]string     `yaml:"tables"`
}

// MergedVariables returns the descriptor variables overridden by the
// binding's own.
func (b ContextBinding) MergedVariables(base map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(b.Variables))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range b.Variables {
		out[k] = v
	}
	return out
}

// LoadSnapshot reads and normalises a snapshot file. An empty path yields an
// empty snapshot.
func LoadSnapshot(path string) (*Snapshot, error) {
	if path == "" {
		return &Snapshot{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", path, err)
	}
	return ParseSnapshot(data)
}

// ParseSnapshot decodes a snapshot, generates missing binding UUIDs and
// validates it.
func ParseSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &snap); err != nil {
		return nil, errspkg.NewConfigValidationError(fmt.Errorf("decode snapshot: %w", err))
	}
	snap.assignMissingUUIDs()
	if err := snap.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}
	return &snap, nil
}

func (s *Snapshot) assignMissingUUIDs() {
	assign := func(plugins []PluginDescriptor) {
		for i := range plugins {
			for j := range plugins[i].Contexts {
				if plugins[i].Contexts[j].UUID == "" {
					plugins[i].Contexts[j].UUID = uuid.NewString()
				}
			}
		}
	}
	assign(s.Plugins)
	for i := range s.Slots {
		assign(s.Slots[i].Plugins)
	}
}

// maxSlotName keeps the derived Postgres schema name within the 63 byte
// identifier limit.
const maxSlotName = 48

// Validate enforces unique binding UUIDs across all slots and unique slot
// names. Slots without a database URL get their own Postgres schema in the
// default database, so their names must fit an identifier.
func (s *Snapshot) Validate() error {
	var errs []error
	seen := make(map[string]string)

	check := func(scope string, plugins []PluginDescriptor) {
		for _, p := range plugins {
			if p.ID == "" {
				errs = append(errs, fmt.Errorf("%s: plugin id is required", scope))
				continue
			}
			for _, b := range p.Contexts {
				if prev, dup := seen[b.UUID]; dup {
					errs = append(errs, fmt.Errorf("%w: %s used by %s and %s/%s", errspkg.ErrDuplicateInstance, b.UUID, prev, scope, p.ID))
					continue
				}
				seen[b.UUID] = scope + "/" + p.ID
			}
		}
	}

	check(DefaultSlot, s.Plugins)
	names := map[string]bool{DefaultSlot: true}
	for _, slot := range s.Slots {
		if slot.Name == "" {
			errs = append(errs, errors.New("slot: name is required"))
			continue
		}
		if slot.DatabaseURL == "" && len(slot.Name) > maxSlotName {
			errs = append(errs, fmt.Errorf("slot %s: name longer than %d bytes needs its own database_url", slot.Name, maxSlotName))
		}
		if names[slot.Name] {
			errs = append(errs, fmt.Errorf("slot: duplicate name %q", slot.Name))
		}
		names[slot.Name] = true
		check(slot.Name, slot.Plugins)
	}
	return errors.Join(errs...)
}

// PluginsFor returns the descriptors active in slot: the top-level list for
// the default slot, the slot's own list otherwise.
func (s *Snapshot) PluginsFor(slot string) []PluginDescriptor {
	if slot == "" || slot == DefaultSlot {
		return s.Plugins
	}
	for _, sl := range s.Slots {
		if sl.Name == slot {
			return sl.Plugins
		}
	}
	return nil
}

// RelationsFor mirrors PluginsFor for relations.
func (s *Snapshot) RelationsFor(slot string) map[string][]Relation {
	if slot == "" || slot == DefaultSlot {
		return s.Relations
	}
	for _, sl := range s.Slots {
		if sl.Name == slot {
			return sl.Relations
		}
	}
	return nil
}

// TablesFor mirrors PluginsFor for seeded table names.
func (s *Snapshot) TablesFor(slot string) map[string]string {
	if slot == "" || slot == DefaultSlot {
		return s.Tables
	}
	for _, sl := range s.Slots {
		if sl.Name == slot {
			return sl.Tables
		}
	}
	return nil
}
