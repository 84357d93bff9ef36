package hooks

// Stage names understood by the pipeline.
const (
	Generate    = "generate"
	Validate    = "validate"
	AddMetadata = "add_metadata"
	Update      = "update"
	PostProcess = "post_process"
)

// GlobalContext is the reserved context whose handlers apply to every
// context of the same slot.
const GlobalContext = "global"

// DefaultSlot is used when no tenant slot is configured.
const DefaultSlot = "default"

// Scope addresses a tenant slot and a context within it.
type Scope struct {
	Slot    string
	Context string
}

func (s Scope) normalize() Scope {
	if s.Slot == "" {
		s.Slot = DefaultSlot
	}
	if s.Context == "" {
		s.Context = GlobalContext
	}
	return s
}

// IsGlobal reports whether the scope targets the global context.
func (s Scope) IsGlobal() bool {
	return s.Context == "" || s.Context == GlobalContext
}

// Event is the payload handed to every handler. Each handler receives its
// own deep copy so mutations never leak between plugins.
type Event struct {
	StreamID    string         `json:"stream_id"`
	ModelID     string         `json:"model_id"`
	Controller  string         `json:"controller"`
	Slot        string         `json:"slot"`
	Context     string         `json:"context"`
	Content     map[string]any `json:"content"`
	PluginsData map[string]any `json:"plugins_data,omitempty"`
}

// Clone returns a deep copy of the event.
func (e Event) Clone() Event {
	out := e
	out.Content = cloneMap(e.Content)
	out.PluginsData = cloneMap(e.PluginsData)
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case []byte:
		return append([]byte(nil), t...)
	default:
		return v
	}
}
