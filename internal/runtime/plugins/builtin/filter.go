package builtin

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/drblury/indexflow/internal/runtime/hooks"
	"github.com/drblury/indexflow/internal/runtime/plugins"
)

// Filter votes on validate with a boolean expression held in the
// "expression" variable.
type Filter struct {
	inst    plugins.Instance
	program *vm.Program
}

func NewFilter(inst plugins.Instance) (plugins.Plugin, error) {
	src := inst.StringVar("expression")
	if src == "" {
		return nil, fmt.Errorf("%s: variable \"expression\" is required", FilterID)
	}
	program, err := expr.Compile(src, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", FilterID, err)
	}
	return &Filter{inst: inst, program: program}, nil
}

func (f *Filter) Init(context.Context) (plugins.Declaration, error) {
	return plugins.Declaration{Hooks: map[string]hooks.Handler{hooks.Validate: f.validate}}, nil
}

func (f *Filter) validate(_ context.Context, ev hooks.Event) (any, error) {
	out, err := expr.Run(f.program, env(ev))
	if err != nil {
		return nil, err
	}
	return out, nil
}
