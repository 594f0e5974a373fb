package expressions

import (
	"encoding/base64"
	"fmt"
	"math"
	"strings"
)

// Call applies a whitelisted function to its arguments. An undefined
// argument or one of the wrong type makes the result undefined.
type Call struct {
	Name string
	Args []Expr
	fn   *function
}

func (c *Call) String() string {
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		args[i] = a.String()
	}
	return fmt.Sprintf("%s(%s)", c.Name, strings.Join(args, ", "))
}

func (c *Call) eval(scope map[string]any) any {
	args := make([]any, len(c.Args))
	for i, a := range c.Args {
		v := a.eval(scope)
		if IsUndefined(v) {
			return Undefined
		}
		args[i] = v
	}
	return c.fn.apply(args)
}

type function struct {
	minArgs int
	maxArgs int // -1 for variadic
	apply   func(args []any) any
}

// functions is the complete set of callable names. Dotted names belong to
// the math, stringUtils and base64 namespaces.
var functions = map[string]*function{
	"toUpper":   {1, 1, strFn(strings.ToUpper)},
	"toLower":   {1, 1, strFn(strings.ToLower)},
	"trim":      {1, 1, strFn(strings.TrimSpace)},
	"concat":    {1, -1, concat},
	"padString": {3, 3, padString},

	"add":      {2, 2, numFn2(func(a, b float64) float64 { return a + b })},
	"subtract": {2, 2, numFn2(func(a, b float64) float64 { return a - b })},
	"min":      {2, 2, numFn2(math.Min)},
	"max":      {2, 2, numFn2(math.Max)},
	"square":   {1, 1, numFn(func(x float64) float64 { return x * x })},
	"doubleIt": {1, 1, numFn(func(x float64) float64 { return x * 2 })},
	"isEven":   {1, 1, isEven},
	"between":  {3, 3, between},
	"sum":      {1, 1, aggregate(false)},
	"avg":      {1, -1, aggregate(true)},

	"math.min":   {2, 2, numFn2(math.Min)},
	"math.max":   {2, 2, numFn2(math.Max)},
	"math.round": {1, 1, numFn(func(x float64) float64 { return math.Floor(x + 0.5) })},
	"math.ceil":  {1, 1, numFn(math.Ceil)},
	"math.floor": {1, 1, numFn(math.Floor)},

	"stringUtils.capitalize": {1, 1, strFn(capitalize)},
	"stringUtils.toLower":    {1, 1, strFn(strings.ToLower)},
	"stringUtils.toUpper":    {1, 1, strFn(strings.ToUpper)},
	"stringUtils.trim":       {1, 1, strFn(strings.TrimSpace)},
	"stringUtils.contains":   {2, 2, strContains},
	"stringUtils.isEmpty":    {1, 1, isEmpty},
	"stringUtils.replace":    {3, 3, replace},
	"stringUtils.substring":  {2, 3, substring},

	"base64.encode": {1, 1, strFn(func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) })},
	"base64.decode": {1, 1, base64Decode},
}

func lookupFunction(name string, argc int) (*function, error) {
	fn, ok := functions[name]
	if !ok {
		return nil, fmt.Errorf("unknown function %q", name)
	}
	if argc < fn.minArgs || (fn.maxArgs >= 0 && argc > fn.maxArgs) {
		switch {
		case fn.maxArgs < 0:
			return nil, fmt.Errorf("%s takes at least %d argument(s), got %d", name, fn.minArgs, argc)
		case fn.minArgs == fn.maxArgs:
			return nil, fmt.Errorf("%s takes %d argument(s), got %d", name, fn.minArgs, argc)
		default:
			return nil, fmt.Errorf("%s takes %d to %d arguments, got %d", name, fn.minArgs, fn.maxArgs, argc)
		}
	}
	return fn, nil
}

func strFn(f func(string) string) func([]any) any {
	return func(args []any) any {
		s, ok := args[0].(string)
		if !ok {
			return Undefined
		}
		return f(s)
	}
}

func numFn(f func(float64) float64) func([]any) any {
	return func(args []any) any {
		x, ok := toFloat(args[0])
		if !ok {
			return Undefined
		}
		return f(x)
	}
}

func numFn2(f func(a, b float64) float64) func([]any) any {
	return func(args []any) any {
		a, aok := toFloat(args[0])
		b, bok := toFloat(args[1])
		if !aok || !bok {
			return Undefined
		}
		return f(a, b)
	}
}

// concat joins strings and numbers; any other operand is undefined.
func concat(args []any) any {
	var b strings.Builder
	for _, a := range args {
		switch a.(type) {
		case string, bool:
		default:
			if _, ok := toFloat(a); !ok {
				return Undefined
			}
		}
		b.WriteString(stringify(a))
	}
	return b.String()
}

func padString(args []any) any {
	s, sok := args[0].(string)
	pad, pok := args[1].(string)
	n, nok := toFloat(args[2])
	if !sok || !pok || !nok {
		return Undefined
	}
	if pad == "" {
		return s
	}
	var b strings.Builder
	b.WriteString(s)
	for b.Len() < int(n) {
		b.WriteString(pad)
	}
	return b.String()
}

func isEven(args []any) any {
	x, ok := toFloat(args[0])
	if !ok || x != math.Trunc(x) {
		return Undefined
	}
	return math.Mod(x, 2) == 0
}

func between(args []any) any {
	v, vok := toFloat(args[0])
	lo, lok := toFloat(args[1])
	hi, hok := toFloat(args[2])
	if !vok || !lok || !hok {
		return Undefined
	}
	return v >= lo && v <= hi
}

// aggregate sums or averages its numeric arguments. A single list argument
// is spread. The grammar only admits sum over one list; avg is variadic.
func aggregate(mean bool) func([]any) any {
	return func(args []any) any {
		if len(args) == 1 {
			if list, ok := args[0].([]any); ok {
				args = list
			}
		}
		if len(args) == 0 {
			return float64(0)
		}
		var total float64
		for _, a := range args {
			f, ok := toFloat(a)
			if !ok {
				return Undefined
			}
			total += f
		}
		if mean {
			return total / float64(len(args))
		}
		return total
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func strContains(args []any) any {
	s, sok := args[0].(string)
	sub, subok := args[1].(string)
	if !sok || !subok {
		return Undefined
	}
	return strings.Contains(s, sub)
}

func isEmpty(args []any) any {
	if args[0] == nil {
		return true
	}
	s, ok := args[0].(string)
	if !ok {
		return Undefined
	}
	return s == ""
}

func replace(args []any) any {
	s, sok := args[0].(string)
	old, ook := args[1].(string)
	repl, rok := args[2].(string)
	if !sok || !ook || !rok {
		return Undefined
	}
	return strings.ReplaceAll(s, old, repl)
}

// substring mirrors a lenient slice: out-of-range bounds give "".
func substring(args []any) any {
	s, ok := args[0].(string)
	start, sok := toFloat(args[1])
	if !ok || !sok {
		return Undefined
	}
	end := float64(len(s))
	if len(args) == 3 {
		e, eok := toFloat(args[2])
		if !eok {
			return Undefined
		}
		end = e
		if start >= end {
			return ""
		}
	}
	if start < 0 || end > float64(len(s)) || start > end {
		return ""
	}
	return s[int(start):int(end)]
}

func base64Decode(args []any) any {
	s, ok := args[0].(string)
	if !ok {
		return Undefined
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Undefined
	}
	return string(b)
}
