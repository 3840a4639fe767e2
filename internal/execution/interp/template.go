// Package interp renders interpreter command templates such as
// "/opt/python/bin/python {script_path} --verbose". Placeholders use braces;
// "{{" and "}}" stand for literal braces.
package interp

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/openearth-labs/openearth-go/internal/domain"
)

// KeyScriptPath is the placeholder every interpreter template must use.
const KeyScriptPath = "script_path"

// RequiredKeys is the placeholder set accepted for interpreter templates.
var RequiredKeys = []string{KeyScriptPath}

type part struct {
	literal string
	key     string
}

// Template is a parsed interpreter command.
type Template struct {
	raw   string
	parts []part
}

// Parse splits a template into literal text and placeholders.
func Parse(raw string) (*Template, error) {
	t := &Template{raw: raw}
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			t.parts = append(t.parts, part{literal: lit.String()})
			lit.Reset()
		}
	}
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch c {
		case '{':
			if i+1 < len(raw) && raw[i+1] == '{' {
				lit.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(raw[i+1:], '}')
			if end < 0 {
				return nil, fmt.Errorf("unclosed placeholder at offset %d", i)
			}
			field := raw[i+1 : i+1+end]
			if strings.ContainsRune(field, '{') {
				return nil, fmt.Errorf("nested placeholder at offset %d", i)
			}
			key := field
			if idx := strings.IndexAny(key, ":!"); idx >= 0 {
				key = key[:idx]
			}
			key = strings.TrimSpace(key)
			if key == "" {
				return nil, fmt.Errorf("positional placeholder at offset %d is not supported", i)
			}
			flush()
			t.parts = append(t.parts, part{key: key})
			i += end + 1
		case '}':
			if i+1 < len(raw) && raw[i+1] == '}' {
				lit.WriteByte('}')
				i++
				continue
			}
			return nil, fmt.Errorf("single '}' at offset %d", i)
		default:
			lit.WriteByte(c)
		}
	}
	flush()
	return t, nil
}

// Keys returns the distinct placeholder names in sorted order.
func (t *Template) Keys() []string {
	var keys []string
	for _, p := range t.parts {
		if p.key != "" && !slices.Contains(keys, p.key) {
			keys = append(keys, p.key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Validate checks that the template uses exactly the required keys.
func (t *Template) Validate(required []string) error {
	found := t.Keys()
	var missing, unused []string
	for _, k := range required {
		if !slices.Contains(found, k) {
			missing = append(missing, "{"+k+"}")
		}
	}
	for _, k := range found {
		if !slices.Contains(required, k) {
			unused = append(unused, "{"+k+"}")
		}
	}
	sort.Strings(missing)
	if len(missing) > 0 {
		return domain.NewValidationError("Value is missing keys: " + strings.Join(missing, ", ") + ".")
	}
	if len(unused) > 0 {
		return domain.NewValidationError("Value has unused keys: " + strings.Join(unused, ", ") + ".")
	}
	return nil
}

// Render substitutes values into the template.
func (t *Template) Render(values map[string]string) (string, error) {
	var b strings.Builder
	for _, p := range t.parts {
		if p.key == "" {
			b.WriteString(p.literal)
			continue
		}
		v, ok := values[p.key]
		if !ok {
			return "", fmt.Errorf("no value for placeholder {%s}", p.key)
		}
		b.WriteString(v)
	}
	return b.String(), nil
}

func (t *Template) String() string { return t.raw }

// RenderScript parses an interpreter template, validates it against
// RequiredKeys and renders it for scriptPath.
func RenderScript(raw, scriptPath string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", errors.New("interpreter is required")
	}
	t, err := Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse interpreter %q: %w", raw, err)
	}
	if err := t.Validate(RequiredKeys); err != nil {
		return "", fmt.Errorf("interpreter %q: %w", raw, err)
	}
	return t.Render(map[string]string{KeyScriptPath: scriptPath})
}
