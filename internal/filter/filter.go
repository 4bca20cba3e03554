// Package filter selects places with CEL expressions such as
// `place.rating >= 4.5 && "restaurant" in place.types`.
package filter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"

	"github.com/tacoaboutit/placeclient/internal/places"
)

var env *cel.Env

func init() {
	var err error
	env, err = cel.NewEnv(
		cel.Variable("place", cel.MapType(cel.StringType, cel.DynType)),
		cel.Function("lookup",
			cel.Overload("lookup_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.DynType,
				cel.BinaryBinding(lookupMapValue),
			),
		),
		cel.CrossTypeNumericComparisons(true),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		panic(fmt.Sprintf("filter: build environment: %v", err))
	}
}

// Filter is a compiled boolean expression over a single place. Safe for
// concurrent use.
type Filter struct {
	source  string
	program cel.Program
}

// Compile parses expression. The place is bound to `place` using its JSON
// field names; lookup(place, "rating") yields null for absent fields.
func Compile(expression string) (*Filter, error) {
	src := strings.TrimSpace(expression)
	if src == "" {
		return nil, fmt.Errorf("filter: expression required")
	}
	ast, issues := env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("filter: compile %q: %w", src, issues.Err())
	}
	if t := ast.OutputType(); t != cel.BoolType && t != cel.DynType {
		return nil, fmt.Errorf("filter: %q must return bool, got %s", src, cel.FormatCELType(t))
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("filter: program %q: %w", src, err)
	}
	return &Filter{source: src, program: program}, nil
}

// Source returns the trimmed expression.
func (f *Filter) Source() string { return f.source }

// Match evaluates the filter against p.
func (f *Filter) Match(p places.Place) (bool, error) {
	activation, err := placeActivation(p)
	if err != nil {
		return false, err
	}
	val, _, err := f.program.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("filter: eval %q: %w", f.source, err)
	}
	if b, ok := val.(types.Bool); ok {
		return bool(b), nil
	}
	return false, fmt.Errorf("filter: %q yielded non-bool result %v", f.source, val.Type())
}

// Apply keeps the places that match. Places the expression cannot be
// evaluated against, for instance because a referenced field is absent, are
// dropped.
func (f *Filter) Apply(in []places.Place) []places.Place {
	out := make([]places.Place, 0, len(in))
	for _, p := range in {
		if ok, err := f.Match(p); err == nil && ok {
			out = append(out, p)
		}
	}
	return out
}

func placeActivation(p places.Place) (map[string]any, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("filter: encode place: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("filter: decode place: %w", err)
	}
	return map[string]any{"place": fields}, nil
}

func lookupMapValue(mapVal ref.Val, key ref.Val) ref.Val {
	mapper, ok := mapVal.(traits.Mapper)
	if !ok {
		return types.NewErr("filter: lookup only supports string-key maps")
	}
	value, found := mapper.Find(key)
	if !found || value == nil {
		return types.NullValue
	}
	return value
}
