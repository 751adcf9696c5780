package emulated

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/gezibash/arc-nosql/internal/table"
)

// filterEvaluator runs table.Filter expressions as CEL programs. Attribute
// names and operands are bound through the names and vals lists, so the
// program source depends only on the shape of the filter and is cached.
type filterEvaluator struct {
	env   *cel.Env
	cache sync.Map // map[string]cel.Program
}

func newFilterEvaluator() (*filterEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("item", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("names", cel.ListType(cel.StringType)),
		cel.Variable("vals", cel.ListType(cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL env: %w", err)
	}
	return &filterEvaluator{env: env}, nil
}

// compiledFilter is a filter bound to its program.
type compiledFilter struct {
	prg   cel.Program
	names []string
	vals  []any
}

func (e *filterEvaluator) compile(f table.Filter) (*compiledFilter, error) {
	if len(f) == 0 {
		return nil, nil
	}

	var (
		clauses []string
		names   []string
		vals    []any
	)
	for _, clause := range f {
		if len(clause) == 0 {
			clauses = append(clauses, "true")
			continue
		}
		conds := make([]string, 0, len(clause))
		for _, c := range clause {
			op, err := celOp(c.Op)
			if err != nil {
				return nil, err
			}
			i := strconv.Itoa(len(names))
			conds = append(conds, "names["+i+"] in item && item[names["+i+"]] "+op+" vals["+i+"]")
			names = append(names, c.Attr)
			vals = append(vals, c.Value)
		}
		clauses = append(clauses, "("+strings.Join(conds, " && ")+")")
	}

	source := strings.Join(clauses, " || ")
	prg, err := e.program(source)
	if err != nil {
		return nil, err
	}
	return &compiledFilter{prg: prg, names: names, vals: vals}, nil
}

func (e *filterEvaluator) program(source string) (cel.Program, error) {
	if cached, ok := e.cache.Load(source); ok {
		if prg, ok := cached.(cel.Program); ok {
			return prg, nil
		}
	}

	ast, issues := e.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile filter: %w", issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("compile filter: %w", err)
	}

	e.cache.Store(source, prg)
	return prg, nil
}

// match evaluates the filter. Evaluation errors (type mismatches between the
// stored attribute and the operand) count as no match.
func (f *compiledFilter) match(ctx context.Context, item table.Item) bool {
	if f == nil {
		return true
	}
	out, _, err := f.prg.Eval(map[string]any{
		"item":  map[string]any(item),
		"names": f.names,
		"vals":  f.vals,
	})
	if err != nil {
		slog.DebugContext(ctx, "filter evaluation failed", "error", err)
		return false
	}
	matched, ok := out.Value().(bool)
	return ok && matched
}

func celOp(op table.Op) (string, error) {
	switch op {
	case table.OpEq:
		return "==", nil
	case table.OpLT:
		return "<", nil
	case table.OpLTE:
		return "<=", nil
	case table.OpGT:
		return ">", nil
	case table.OpGTE:
		return ">=", nil
	}
	return "", fmt.Errorf("filter: unsupported operator %v", op)
}
