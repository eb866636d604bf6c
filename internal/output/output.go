// Package output renders CLI results (configuration dumps and doctor checks)
// as tables, JSON or YAML.
package output

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

// Format represents an output format.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat validates and normalizes a format string.
func ParseFormat(value string) (Format, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "", string(FormatTable):
		return FormatTable, nil
	case string(FormatJSON):
		return FormatJSON, nil
	case string(FormatYAML), "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", value)
	}
}

// Setting is one dotted configuration key and its printable value.
type Setting struct {
	Key   string
	Value any
}

// Flatten walks a struct and returns its leaves keyed by dotted
// mapstructure tags, sorted by key. Durations are rendered as strings.
func Flatten(v any) []Setting {
	var out []Setting
	flatten("", reflect.ValueOf(v), &out)
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

var durationType = reflect.TypeOf(time.Duration(0))

func flatten(prefix string, v reflect.Value, out *[]Setting) {
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		v = v.Elem()
	}

	if v.Kind() != reflect.Struct {
		*out = append(*out, Setting{Key: prefix, Value: leaf(v)})
		return
	}

	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name := strings.Split(field.Tag.Get("mapstructure"), ",")[0]
		if name == "" || name == "-" {
			name = strings.ToLower(field.Name)
		}
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}
		flatten(key, v.Field(i), out)
	}
}

func leaf(v reflect.Value) any {
	if v.Type() == durationType {
		return time.Duration(v.Int()).String()
	}
	return v.Interface()
}

// Nest turns flattened settings back into nested maps for JSON/YAML output.
func Nest(settings []Setting) map[string]any {
	root := make(map[string]any)
	for _, s := range settings {
		parts := strings.Split(s.Key, ".")
		node := root
		for _, part := range parts[:len(parts)-1] {
			child, ok := node[part].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[part] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = s.Value
	}
	return root
}
