package expressions

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/rendis/nodeflow/pkg/schema"
)

var compareOps = map[string]CompareOp{
	"==":         OpEq,
	"!=":         OpNe,
	"<":          OpLt,
	"<=":         OpLe,
	">":          OpGt,
	">=":         OpGe,
	"in":         OpIn,
	"contains":   OpContains,
	"startsWith": OpStartsWith,
	"endsWith":   OpEndsWith,
}

var logicOps = map[string]LogicOp{
	"and": OpAnd,
	"&&":  OpAnd,
	"or":  OpOr,
	"||":  OpOr,
}

// Parse parses src with the expr-lang grammar and lowers the result into
// the closed Expr tree. Anything outside the supported subset (arithmetic,
// closures, dynamic indexing, calls to unknown functions) is rejected here,
// at definition time, rather than at run time.
func Parse(src string) (Expr, error) {
	if strings.TrimSpace(src) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expression")
	}
	tree, err := parser.Parse(src)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse %q: %s", src, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": src})
	}
	e, err := lower(tree.Node)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "expression %q: %s", src, err.Error()).
			WithDetails(map[string]any{"expression": src})
	}
	return e, nil
}

func lower(n ast.Node) (Expr, error) {
	switch n := n.(type) {
	case *ast.NilNode:
		return &Literal{Value: nil}, nil
	case *ast.BoolNode:
		return &Literal{Value: n.Value}, nil
	case *ast.IntegerNode:
		return &Literal{Value: float64(n.Value)}, nil
	case *ast.FloatNode:
		return &Literal{Value: n.Value}, nil
	case *ast.StringNode:
		return &Literal{Value: n.Value}, nil
	case *ast.ConstantNode:
		switch v := n.Value.(type) {
		case nil, bool, string, float64:
			return &Literal{Value: v}, nil
		case int:
			return &Literal{Value: float64(v)}, nil
		}
		return nil, fmt.Errorf("unsupported constant %v", n.Value)

	case *ast.IdentifierNode:
		if n.Value == "null" {
			return &Literal{Value: nil}, nil
		}
		return &Var{Path: []Segment{{Key: n.Value}}}, nil

	case *ast.MemberNode:
		base, err := lower(n.Node)
		if err != nil {
			return nil, err
		}
		v, ok := base.(*Var)
		if !ok || n.Method {
			return nil, fmt.Errorf("member access is only allowed on variables")
		}
		path := append([]Segment(nil), v.Path...)
		switch p := n.Property.(type) {
		case *ast.StringNode:
			path = append(path, Segment{Key: p.Value})
		case *ast.IntegerNode:
			if p.Value < 0 {
				return nil, fmt.Errorf("negative index %d", p.Value)
			}
			path = append(path, Segment{Index: p.Value, IsIdx: true})
		default:
			return nil, fmt.Errorf("dynamic member access is not supported")
		}
		return &Var{Path: path}, nil

	case *ast.CallNode:
		name, ok := calleeName(n.Callee)
		if !ok {
			return nil, fmt.Errorf("only named functions can be called")
		}
		return lowerCall(name, n.Arguments)

	case *ast.BuiltinNode:
		return lowerCall(n.Name, n.Arguments)

	case *ast.ChainNode:
		// Lookups already yield undefined instead of failing, so ?. is a plain path.
		return lower(n.Node)

	case *ast.UnaryNode:
		x, err := lower(n.Node)
		if err != nil {
			return nil, err
		}
		switch n.Operator {
		case "not", "!":
			return &Not{X: x}, nil
		case "-", "+":
			lit, ok := x.(*Literal)
			if !ok {
				return nil, fmt.Errorf("unary %s is only allowed on numeric literals", n.Operator)
			}
			f, isNum := toFloat(lit.Value)
			if !isNum {
				return nil, fmt.Errorf("unary %s is only allowed on numeric literals", n.Operator)
			}
			if n.Operator == "-" {
				f = -f
			}
			return &Literal{Value: f}, nil
		}
		return nil, fmt.Errorf("unsupported operator %q", n.Operator)

	case *ast.BinaryNode:
		l, err := lower(n.Left)
		if err != nil {
			return nil, err
		}
		r, err := lower(n.Right)
		if err != nil {
			return nil, err
		}
		if op, ok := compareOps[n.Operator]; ok {
			return &Compare{Op: op, Left: l, Right: r}, nil
		}
		if op, ok := logicOps[n.Operator]; ok {
			return &Logic{Op: op, Left: l, Right: r}, nil
		}
		if n.Operator == "??" {
			return &Coalesce{Left: l, Right: r}, nil
		}
		return nil, fmt.Errorf("unsupported operator %q", n.Operator)
	}
	return nil, fmt.Errorf("unsupported syntax %T", n)
}

func lowerCall(name string, args []ast.Node) (Expr, error) {
	fn, err := lookupFunction(name, len(args))
	if err != nil {
		return nil, err
	}
	call := &Call{Name: name, Args: make([]Expr, len(args)), fn: fn}
	for i, a := range args {
		if call.Args[i], err = lower(a); err != nil {
			return nil, err
		}
	}
	return call, nil
}

// calleeName flattens a callee such as math.min into its dotted name.
func calleeName(n ast.Node) (string, bool) {
	switch n := n.(type) {
	case *ast.IdentifierNode:
		return n.Value, true
	case *ast.MemberNode:
		base, ok := calleeName(n.Node)
		prop, isStr := n.Property.(*ast.StringNode)
		if !ok || !isStr {
			return "", false
		}
		return base + "." + prop.Value, true
	}
	return "", false
}

// Compiler caches parsed expressions. Safe for concurrent use.
type Compiler struct {
	mu        sync.RWMutex
	cache     map[string]Expr
	templates map[string]*Template
}

func NewCompiler() *Compiler {
	return &Compiler{
		cache:     make(map[string]Expr),
		templates: make(map[string]*Template),
	}
}

// Compile returns the cached tree for src, parsing it on first use.
func (c *Compiler) Compile(src string) (Expr, error) {
	c.mu.RLock()
	if e, ok := c.cache[src]; ok {
		c.mu.RUnlock()
		return e, nil
	}
	c.mu.RUnlock()

	e, err := Parse(src)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.cache[src]; ok {
		return cached, nil
	}
	c.cache[src] = e
	return e, nil
}

// EvalCondition compiles and evaluates a node condition. An empty condition
// passes. Only a boolean true passes; undefined variables fail closed.
func (c *Compiler) EvalCondition(src string, scope map[string]any) (bool, error) {
	if strings.TrimSpace(src) == "" {
		return true, nil
	}
	e, err := c.Compile(src)
	if err != nil {
		return false, err
	}
	return Truthy(Eval(e, scope)), nil
}
