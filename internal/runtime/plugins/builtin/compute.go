package builtin

import (
	"context"

	"github.com/drblury/indexflow/internal/runtime/hooks"
	"github.com/drblury/indexflow/internal/runtime/plugins"
)

// Compute answers add_metadata with the values of its named expressions.
type Compute struct {
	programs []namedProgram
}

func NewCompute(inst plugins.Instance) (plugins.Plugin, error) {
	programs, err := compileFields(inst)
	if err != nil {
		return nil, err
	}
	return &Compute{programs: programs}, nil
}

func (c *Compute) Init(context.Context) (plugins.Declaration, error) {
	return plugins.Declaration{Hooks: map[string]hooks.Handler{
		hooks.AddMetadata: func(_ context.Context, ev hooks.Event) (any, error) {
			return evalFields(c.programs, ev)
		},
	}}, nil
}
