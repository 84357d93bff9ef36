// Package stream defines how indexed content is fetched from the ledger: the
// Source contract, the stream and model shapes, and two Source
// implementations used by the service and its tests.
package stream

import (
	"context"
	"strings"
)

// Stream is the latest state of a content-addressed document.
type Stream struct {
	ID       string         `json:"id"`
	Metadata Metadata       `json:"metadata"`
	Content  map[string]any `json:"content"`
}

// Metadata is the ledger-level header of a stream.
type Metadata struct {
	Model       string   `json:"model"`
	Controller  string   `json:"controller,omitempty"`
	Controllers []string `json:"controllers,omitempty"`
}

// Controller returns the owning account. Multi-controller streams report the
// first one.
func (s Stream) Controller() string {
	if s.Metadata.Controller != "" {
		return s.Metadata.Controller
	}
	if len(s.Metadata.Controllers) > 0 {
		return s.Metadata.Controllers[0]
	}
	return ""
}

// Model describes the shape of streams created against it.
type Model struct {
	ID     string      `json:"id"`
	Schema ModelSchema `json:"content"`
}

// ModelSchema is the definition stored in a model stream.
type ModelSchema struct {
	Name   string     `json:"name"`
	Title  string     `json:"title,omitempty"`
	Schema JSONSchema `json:"schema"`
}

// JSONSchema is the subset of JSON schema used to provision tables.
type JSONSchema struct {
	Title      string              `json:"title,omitempty"`
	Properties map[string]Property `json:"properties"`
}

// Property is a single field. Type is either a string or a list of strings
// (for nullable types such as ["string","null"]).
type Property struct {
	Type   any    `json:"type"`
	Format string `json:"format,omitempty"`
}

// Title returns the most descriptive human name of the model.
func (m Model) Title() string {
	for _, candidate := range []string{m.Schema.Schema.Title, m.Schema.Title, m.Schema.Name} {
		if strings.TrimSpace(candidate) != "" {
			return candidate
		}
	}
	return m.ID
}

// PrimaryType returns the first non-null type name of the property.
func (p Property) PrimaryType() string {
	switch t := p.Type.(type) {
	case string:
		return t
	case []any:
		for _, v := range t {
			if s, ok := v.(string); ok && s != "null" {
				return s
			}
		}
	case []string:
		for _, s := range t {
			if s != "null" {
				return s
			}
		}
	}
	return ""
}

// Source loads streams and models from the ledger.
type Source interface {
	LoadStream(ctx context.Context, streamID string) (Stream, error)
	GetModel(ctx context.Context, modelID string) (Model, error)
}
