package expressions

import (
	"reflect"
	"strings"

	"github.com/rendis/nodeflow/internal/xjson"
)

// Eval evaluates e against an immutable scope. Missing variables yield
// Undefined, which propagates through comparisons and boolean operators.
func Eval(e Expr, scope map[string]any) any {
	if e == nil {
		return Undefined
	}
	return e.eval(scope)
}

func (l *Literal) eval(map[string]any) any { return l.Value }

func (v *Var) eval(scope map[string]any) any {
	var cur any = scope
	for _, seg := range v.Path {
		switch c := cur.(type) {
		case map[string]any:
			if seg.IsIdx {
				return Undefined
			}
			next, ok := c[seg.Key]
			if !ok {
				return Undefined
			}
			cur = next
		case []any:
			if !seg.IsIdx || seg.Index < 0 || seg.Index >= len(c) {
				return Undefined
			}
			cur = c[seg.Index]
		default:
			return Undefined
		}
	}
	return cur
}

func (c *Compare) eval(scope map[string]any) any {
	l, r := c.Left.eval(scope), c.Right.eval(scope)
	if IsUndefined(l) || IsUndefined(r) {
		return Undefined
	}

	switch c.Op {
	case OpEq:
		return equal(l, r)
	case OpNe:
		return !equal(l, r)
	case OpLt, OpLe, OpGt, OpGe:
		cmp, ok := order(l, r)
		if !ok {
			return Undefined
		}
		switch c.Op {
		case OpLt:
			return cmp < 0
		case OpLe:
			return cmp <= 0
		case OpGt:
			return cmp > 0
		default:
			return cmp >= 0
		}
	case OpIn:
		return contains(r, l)
	case OpContains:
		return contains(l, r)
	case OpStartsWith, OpEndsWith:
		ls, lok := l.(string)
		rs, rok := r.(string)
		if !lok || !rok {
			return Undefined
		}
		if c.Op == OpStartsWith {
			return strings.HasPrefix(ls, rs)
		}
		return strings.HasSuffix(ls, rs)
	}
	return Undefined
}

func (l *Logic) eval(scope map[string]any) any {
	lb, lok := l.Left.eval(scope).(bool)
	if lok {
		if l.Op == OpAnd && !lb {
			return false
		}
		if l.Op == OpOr && lb {
			return true
		}
	}
	rb, rok := l.Right.eval(scope).(bool)
	if rok {
		if l.Op == OpAnd && !rb {
			return false
		}
		if l.Op == OpOr && rb {
			return true
		}
	}
	if !lok || !rok {
		return Undefined
	}
	// Both known and neither short-circuited.
	return l.Op == OpAnd
}

func (n *Not) eval(scope map[string]any) any {
	b, ok := n.X.eval(scope).(bool)
	if !ok {
		return Undefined
	}
	return !b
}

func (c *Coalesce) eval(scope map[string]any) any {
	l := c.Left.eval(scope)
	if l == nil || IsUndefined(l) {
		return c.Right.eval(scope)
	}
	return l
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case xjson.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func equal(l, r any) bool {
	lf, lok := toFloat(l)
	rf, rok := toFloat(r)
	if lok && rok {
		return lf == rf
	}
	if lok != rok {
		return false
	}
	return reflect.DeepEqual(l, r)
}

func order(l, r any) (int, bool) {
	if lf, ok := toFloat(l); ok {
		rf, ok := toFloat(r)
		if !ok {
			return 0, false
		}
		switch {
		case lf < rf:
			return -1, true
		case lf > rf:
			return 1, true
		}
		return 0, true
	}
	ls, lok := l.(string)
	rs, rok := r.(string)
	if lok && rok {
		return strings.Compare(ls, rs), true
	}
	return 0, false
}

// contains reports whether container holds item: list membership, map key
// presence or substring. Other shapes are undefined.
func contains(container, item any) any {
	switch c := container.(type) {
	case []any:
		for _, el := range c {
			if equal(el, item) {
				return true
			}
		}
		return false
	case map[string]any:
		k, ok := item.(string)
		if !ok {
			return Undefined
		}
		_, present := c[k]
		return present
	case string:
		s, ok := item.(string)
		if !ok {
			return Undefined
		}
		return strings.Contains(c, s)
	}
	return Undefined
}

// Truthy is the condition gate: only a boolean true passes. Undefined,
// nil and non-boolean values all fail closed.
func Truthy(v any) bool {
	b, ok := v.(bool)
	return ok && b
}
