package expressions

import (
	"fmt"
	"strings"
)

// Expr is a node of the condition/template expression tree. The set of
// variants is closed: Literal, Var, Compare, Logic, Not, Coalesce, Call.
// Evaluation is pure: calls reach only the fixed function table, with no
// assignment and no host access.
type Expr interface {
	fmt.Stringer
	eval(scope map[string]any) any
}

// undefinedValue marks a lookup that found nothing. It is distinct from nil,
// which is an explicit JSON null.
type undefinedValue struct{}

func (undefinedValue) String() string { return "undefined" }

// Undefined is the result of looking up a missing variable.
var Undefined any = undefinedValue{}

// IsUndefined reports whether v is the Undefined sentinel.
func IsUndefined(v any) bool {
	_, ok := v.(undefinedValue)
	return ok
}

// Literal is a constant: string, float64, bool or nil.
type Literal struct {
	Value any
}

func (l *Literal) String() string {
	if s, ok := l.Value.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	if l.Value == nil {
		return "nil"
	}
	return fmt.Sprint(l.Value)
}

// Segment is one step of a variable path: a map key or a list index.
type Segment struct {
	Key   string
	Index int
	IsIdx bool
}

// Var looks up a dotted path in the scope, e.g. A.body.items[0].id.
type Var struct {
	Path []Segment
}

func (v *Var) String() string {
	var b strings.Builder
	for i, s := range v.Path {
		switch {
		case s.IsIdx:
			fmt.Fprintf(&b, "[%d]", s.Index)
		case i == 0:
			b.WriteString(s.Key)
		default:
			b.WriteString(".")
			b.WriteString(s.Key)
		}
	}
	return b.String()
}

// Root returns the first path segment, the top-level variable name.
func (v *Var) Root() string {
	if len(v.Path) == 0 {
		return ""
	}
	return v.Path[0].Key
}

// CompareOp enumerates binary predicates.
type CompareOp string

const (
	OpEq         CompareOp = "=="
	OpNe         CompareOp = "!="
	OpLt         CompareOp = "<"
	OpLe         CompareOp = "<="
	OpGt         CompareOp = ">"
	OpGe         CompareOp = ">="
	OpIn         CompareOp = "in"
	OpContains   CompareOp = "contains"
	OpStartsWith CompareOp = "startsWith"
	OpEndsWith   CompareOp = "endsWith"
)

// Compare applies a binary predicate to two operands.
type Compare struct {
	Op          CompareOp
	Left, Right Expr
}

func (c *Compare) String() string {
	return fmt.Sprintf("(%s %s %s)", c.Left, c.Op, c.Right)
}

// LogicOp is a boolean combinator.
type LogicOp string

const (
	OpAnd LogicOp = "and"
	OpOr  LogicOp = "or"
)

// Logic combines two operands with three-valued and/or.
type Logic struct {
	Op          LogicOp
	Left, Right Expr
}

func (l *Logic) String() string {
	return fmt.Sprintf("(%s %s %s)", l.Left, l.Op, l.Right)
}

// Not negates its operand. The negation of undefined stays undefined.
type Not struct {
	X Expr
}

func (n *Not) String() string { return fmt.Sprintf("not %s", n.X) }

// Coalesce yields Left unless it is nil or undefined, else Right.
type Coalesce struct {
	Left, Right Expr
}

func (c *Coalesce) String() string { return fmt.Sprintf("(%s ?? %s)", c.Left, c.Right) }

// Vars returns every variable referenced by e, in left-to-right order.
func Vars(e Expr) []*Var {
	var out []*Var
	var walk func(Expr)
	walk = func(e Expr) {
		switch n := e.(type) {
		case *Var:
			out = append(out, n)
		case *Compare:
			walk(n.Left)
			walk(n.Right)
		case *Logic:
			walk(n.Left)
			walk(n.Right)
		case *Not:
			walk(n.X)
		case *Coalesce:
			walk(n.Left)
			walk(n.Right)
		case *Call:
			for _, a := range n.Args {
				walk(a)
			}
		}
	}
	walk(e)
	return out
}
