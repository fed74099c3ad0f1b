package workload

import (
	"fmt"
	"strings"

	"github.com/Sumatoshi-tech/vmspace/pkg/units"
	"github.com/Sumatoshi-tech/vmspace/pkg/vmspace"
)

// Scope resolves the names an expression may use.
type Scope struct {
	Window vmspace.Window
	Labels map[string]vmspace.Range
}

// Eval evaluates an address expression: terms joined by "+" or "-", where a
// term is "base" or "end" of the window, "$label" for the start of a labelled
// range, "$label.len" or "$label.end", or a size such as "0x1000" or "4KiB".
// Arithmetic wraps like the machine would.
func Eval(expr string, scope Scope) (vmspace.Addr, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return 0, fmt.Errorf("%w: empty", ErrBadExpression)
	}

	total := vmspace.Addr(0)
	sign := byte('+')
	rest := expr

	for {
		cut := strings.IndexAny(rest, "+-")
		term := rest

		if cut >= 0 {
			term = rest[:cut]
		}

		value, err := evalTerm(strings.TrimSpace(term), scope)
		if err != nil {
			return 0, fmt.Errorf("%q: %w", expr, err)
		}

		if sign == '+' {
			total += value
		} else {
			total -= value
		}

		if cut < 0 {
			return total, nil
		}

		sign = rest[cut]
		rest = rest[cut+1:]
	}
}

func evalTerm(term string, scope Scope) (vmspace.Addr, error) {
	switch {
	case term == "":
		return 0, fmt.Errorf("%w: missing term", ErrBadExpression)
	case term == "base":
		return scope.Window.Base, nil
	case term == "end":
		return scope.Window.End(), nil
	case strings.HasPrefix(term, "$"):
		name, field, _ := strings.Cut(term[1:], ".")

		record, ok := scope.Labels[name]
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrUnknownLabel, name)
		}

		switch field {
		case "":
			return record.Start, nil
		case "len":
			return record.Len, nil
		case "end":
			return record.End(), nil
		default:
			return 0, fmt.Errorf("%w: unknown field %q", ErrBadExpression, field)
		}
	default:
		value, err := units.ParseSize(term)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrBadExpression, err)
		}

		return vmspace.Addr(value), nil
	}
}
