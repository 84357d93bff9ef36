package hooks

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventCloneIsDeep(t *testing.T) {
	ev := Event{
		StreamID: "s1",
		Content: map[string]any{
			"tags":   []any{"a", map[string]any{"k": "v"}},
			"raw":    []byte("xy"),
			"labels": []string{"l1"},
		},
		PluginsData: map[string]any{"p": map[string]any{"score": 1}},
	}
	cp := ev.Clone()

	cp.Content["tags"].([]any)[1].(map[string]any)["k"] = "changed"
	cp.Content["raw"].([]byte)[0] = 'z'
	cp.Content["labels"].([]string)[0] = "changed"
	cp.PluginsData["p"].(map[string]any)["score"] = 2

	assert.Equal(t, "v", ev.Content["tags"].([]any)[1].(map[string]any)["k"])
	assert.Equal(t, byte('x'), ev.Content["raw"].([]byte)[0])
	assert.Equal(t, "l1", ev.Content["labels"].([]string)[0])
	assert.Equal(t, 1, ev.PluginsData["p"].(map[string]any)["score"])
	assert.Equal(t, "s1", cp.StreamID)
}

func TestScopeNormalize(t *testing.T) {
	assert.Equal(t, Scope{Slot: DefaultSlot, Context: GlobalContext}, Scope{}.normalize())
	assert.True(t, Scope{}.IsGlobal())
	assert.False(t, Scope{Context: "ctx"}.IsGlobal())
}
