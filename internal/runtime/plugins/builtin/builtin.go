// Package builtin provides plugins configured entirely through snapshot
// variables: expression filters, computed metadata, content transforms and a
// periodic re-publisher.
package builtin

import (
	"fmt"
	"sort"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/drblury/indexflow/internal/runtime/hooks"
	"github.com/drblury/indexflow/internal/runtime/plugins"
)

const (
	FilterID    = "expr-filter"
	ComputeID   = "expr-compute"
	TransformID = "expr-transform"
	TickerID    = "ticker"
)

// Register adds every builtin plugin to r.
func Register(r *plugins.Registry) {
	r.Register(FilterID, NewFilter)
	r.Register(ComputeID, NewCompute)
	r.Register(TransformID, NewTransform)
	r.Register(TickerID, NewTicker)
}

// env exposes the event to expressions. Content fields are available at top
// level and under "content"; event identity under its own names.
func env(ev hooks.Event) map[string]any {
	out := make(map[string]any, len(ev.Content)+6)
	for k, v := range ev.Content {
		out[k] = v
	}
	out["content"] = ev.Content
	out["stream_id"] = ev.StreamID
	out["model_id"] = ev.ModelID
	out["controller"] = ev.Controller
	out["context"] = ev.Context
	out["slot"] = ev.Slot
	return out
}

type namedProgram struct {
	name    string
	program *vm.Program
}

// compileFields compiles the "fields" variable: a map of output names to
// expressions.
func compileFields(inst plugins.Instance) ([]namedProgram, error) {
	raw, ok := inst.Variables["fields"].(map[string]any)
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("%s: variable \"fields\" must be a non-empty map", inst.ID)
	}
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]namedProgram, 0, len(names))
	for _, name := range names {
		src, ok := raw[name].(string)
		if !ok {
			return nil, fmt.Errorf("%s: field %q must be an expression string", inst.ID, name)
		}
		program, err := expr.Compile(src, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("%s: field %q: %w", inst.ID, name, err)
		}
		out = append(out, namedProgram{name: name, program: program})
	}
	return out, nil
}

func evalFields(programs []namedProgram, ev hooks.Event) (map[string]any, error) {
	e := env(ev)
	out := make(map[string]any, len(programs))
	for _, p := range programs {
		v, err := expr.Run(p.program, e)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", p.name, err)
		}
		out[p.name] = v
	}
	return out, nil
}
