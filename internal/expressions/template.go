package expressions

import (
	"strconv"
	"strings"

	"github.com/rendis/nodeflow/internal/xjson"
	"github.com/rendis/nodeflow/pkg/schema"
)

// Template is a string with embedded {{ expr }} placeholders.
type Template struct {
	src   string
	parts []templatePart
}

type templatePart struct {
	text string
	expr Expr
}

// ParseTemplate splits src into literal text and expression parts.
func ParseTemplate(src string) (*Template, error) {
	t := &Template{src: src}
	rest := src
	for {
		start := strings.Index(rest, "{{")
		if start == -1 {
			if rest != "" {
				t.parts = append(t.parts, templatePart{text: rest})
			}
			return t, nil
		}
		if start > 0 {
			t.parts = append(t.parts, templatePart{text: rest[:start]})
		}
		end := strings.Index(rest[start+2:], "}}")
		if end == -1 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "template %q: unclosed {{", src)
		}
		body := strings.TrimSpace(rest[start+2 : start+2+end])
		if strings.Contains(body, "{{") {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "template %q: nested {{ is not allowed", src)
		}
		e, err := Parse(body)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "template %q: %s", src, err.Error()).WithCause(err)
		}
		t.parts = append(t.parts, templatePart{expr: e})
		rest = rest[start+2+end+2:]
	}
}

// IsStatic reports whether the template has no placeholders.
func (t *Template) IsStatic() bool {
	for _, p := range t.parts {
		if p.expr != nil {
			return false
		}
	}
	return true
}

// Value resolves the template. A template that is exactly one placeholder
// keeps the value's type; anything else renders to a string.
func (t *Template) Value(scope map[string]any) (any, error) {
	if len(t.parts) == 1 && t.parts[0].expr != nil {
		v := Eval(t.parts[0].expr, scope)
		if IsUndefined(v) {
			return nil, t.undefined(t.parts[0].expr)
		}
		return v, nil
	}
	return t.Render(scope)
}

// Render resolves every placeholder into text. A placeholder that evaluates
// to undefined is an error; JSON null renders as the empty string.
func (t *Template) Render(scope map[string]any) (string, error) {
	var b strings.Builder
	b.Grow(len(t.src))
	for _, p := range t.parts {
		if p.expr == nil {
			b.WriteString(p.text)
			continue
		}
		v := Eval(p.expr, scope)
		if IsUndefined(v) {
			return "", t.undefined(p.expr)
		}
		b.WriteString(stringify(v))
	}
	return b.String(), nil
}

func (t *Template) undefined(e Expr) error {
	names := make([]string, 0, 1)
	for _, v := range Vars(e) {
		names = append(names, v.String())
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "template %q: %s is undefined", t.src, e).
		WithDetails(map[string]any{"template": t.src, "variables": names})
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	if f, ok := toFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	b, err := xjson.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// Template returns the cached parsed template for src.
func (c *Compiler) Template(src string) (*Template, error) {
	c.mu.RLock()
	if t, ok := c.templates[src]; ok {
		c.mu.RUnlock()
		return t, nil
	}
	c.mu.RUnlock()

	t, err := ParseTemplate(src)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.templates[src] = t
	c.mu.Unlock()
	return t, nil
}

// RenderString resolves a template string against scope.
func (c *Compiler) RenderString(src string, scope map[string]any) (string, error) {
	if !strings.Contains(src, "{{") {
		return src, nil
	}
	t, err := c.Template(src)
	if err != nil {
		return "", err
	}
	return t.Render(scope)
}

// RenderMap resolves every value of a string map.
func (c *Compiler) RenderMap(m map[string]string, scope map[string]any) (map[string]string, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		r, err := c.RenderString(v, scope)
		if err != nil {
			return nil, err
		}
		out[k] = r
	}
	return out, nil
}

// ResolveJSON walks a JSON document and resolves templates in string
// leaves. Whole-placeholder strings keep the resolved value's type, so
// {"amount": "{{ quote.total }}"} yields a number.
func (c *Compiler) ResolveJSON(raw xjson.RawMessage, scope map[string]any) (xjson.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	var doc any
	if err := xjson.Unmarshal(raw, &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "request body is not valid JSON: %s", err.Error())
	}
	resolved, err := c.resolveValue(doc, scope)
	if err != nil {
		return nil, err
	}
	return xjson.Marshal(resolved)
}

func (c *Compiler) resolveValue(v any, scope map[string]any) (any, error) {
	switch x := v.(type) {
	case string:
		if !strings.Contains(x, "{{") {
			return x, nil
		}
		t, err := c.Template(x)
		if err != nil {
			return nil, err
		}
		return t.Value(scope)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, el := range x {
			r, err := c.resolveValue(el, scope)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, el := range x {
			r, err := c.resolveValue(el, scope)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	}
	return v, nil
}

// ValidateTemplates checks every template in a JSON document parses.
func ValidateTemplates(raw xjson.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var doc any
	if err := xjson.Unmarshal(raw, &doc); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "not valid JSON: %s", err.Error())
	}
	var walk func(any) error
	walk = func(v any) error {
		switch x := v.(type) {
		case string:
			if strings.Contains(x, "{{") {
				_, err := ParseTemplate(x)
				return err
			}
		case map[string]any:
			for _, el := range x {
				if err := walk(el); err != nil {
					return err
				}
			}
		case []any:
			for _, el := range x {
				if err := walk(el); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return walk(doc)
}
