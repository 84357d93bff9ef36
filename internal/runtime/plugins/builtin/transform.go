package builtin

import (
	"context"

	"github.com/drblury/indexflow/internal/runtime/hooks"
	"github.com/drblury/indexflow/internal/runtime/plugins"
)

// Transform answers update with the event content overlaid by its named
// expressions. With "replace" set the content is made of the expressions
// only.
type Transform struct {
	programs []namedProgram
	replace  bool
}

func NewTransform(inst plugins.Instance) (plugins.Plugin, error) {
	programs, err := compileFields(inst)
	if err != nil {
		return nil, err
	}
	replace, _ := inst.Variables["replace"].(bool)
	return &Transform{programs: programs, replace: replace}, nil
}

func (t *Transform) Init(context.Context) (plugins.Declaration, error) {
	return plugins.Declaration{Hooks: map[string]hooks.Handler{hooks.Update: t.update}}, nil
}

func (t *Transform) update(_ context.Context, ev hooks.Event) (any, error) {
	computed, err := evalFields(t.programs, ev)
	if err != nil {
		return nil, err
	}
	if t.replace {
		return computed, nil
	}
	out := make(map[string]any, len(ev.Content)+len(computed))
	for k, v := range ev.Content {
		out[k] = v
	}
	for k, v := range computed {
		out[k] = v
	}
	return out, nil
}
