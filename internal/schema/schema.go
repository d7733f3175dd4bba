// Package schema declares the typed option schemas that backends expose
// for their settings blocks, and validates decoded settings against them.
package schema

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// OptionType identifies the value type of a schema option.
type OptionType string

const (
	TypeString  OptionType = "string"
	TypeNumber  OptionType = "number"
	TypeInteger OptionType = "integer"
	TypeBoolean OptionType = "boolean"
	TypeEnum    OptionType = "enum"
)

// Target indicates where a setting lands in the outgoing request.
type Target string

const (
	// TargetParams places the value among the request's sampling parameters.
	TargetParams Target = "params"
	// TargetTopLevel places the value at the top level of the request body.
	TargetTopLevel Target = "top_level"
	// TargetClient keeps the value client-side (never serialized).
	TargetClient Target = "client"
)

// Option describes one settings key a backend understands.
type Option struct {
	Key         string
	Type        OptionType
	Default     any
	Choices     []string
	Order       int
	Description string
	Target      Target

	// DynamicChoices, when set, computes the valid enum values from the
	// adapter context at validation time instead of the static Choices list.
	DynamicChoices func(adapterCtx map[string]any) []string
}

// Schema is the option set a backend declares. It is immutable for the
// lifetime of the adapter that owns it.
type Schema struct {
	options map[string]Option
	ordered []Option
}

// New builds a schema from the given options. Order fields define the
// canonical serialization order; ties break on key.
func New(options ...Option) *Schema {
	s := &Schema{options: make(map[string]Option, len(options))}
	for _, opt := range options {
		s.options[opt.Key] = opt
	}
	s.ordered = append(s.ordered, options...)
	sort.SliceStable(s.ordered, func(i, j int) bool {
		if s.ordered[i].Order != s.ordered[j].Order {
			return s.ordered[i].Order < s.ordered[j].Order
		}
		return s.ordered[i].Key < s.ordered[j].Key
	})
	return s
}

// Lookup returns the option declared for key.
func (s *Schema) Lookup(key string) (Option, bool) {
	opt, ok := s.options[key]
	return opt, ok
}

// Options returns the options in canonical order.
func (s *Schema) Options() []Option {
	out := make([]Option, len(s.ordered))
	copy(out, s.ordered)
	return out
}

// Len returns the number of declared options.
func (s *Schema) Len() int {
	return len(s.options)
}

// Settings is a decoded settings block keyed by schema key. Values are the
// raw decoded representations (string, float64, int, bool) as produced by
// the document codec.
type Settings map[string]any

// Defaults returns a copy of settings with every undeclared-but-defaulted
// key filled from the schema.
func Defaults(s *Schema, settings Settings) Settings {
	out := make(Settings, s.Len())
	for _, opt := range s.ordered {
		if opt.Default != nil {
			out[opt.Key] = opt.Default
		}
	}
	for k, v := range settings {
		out[k] = v
	}
	return out
}

// Validate checks every key of settings against the schema. The returned map
// is keyed by offending setting; an empty map means valid. Validation is pure:
// it sees only decoded values, never the document they came from.
func Validate(s *Schema, settings Settings, adapterCtx map[string]any) map[string]string {
	errs := make(map[string]string)
	for key, value := range settings {
		opt, ok := s.Lookup(key)
		if !ok {
			errs[key] = "unknown setting"
			continue
		}
		if msg := checkType(opt, value, adapterCtx); msg != "" {
			errs[key] = msg
		}
	}
	return errs
}

func checkType(opt Option, value any, adapterCtx map[string]any) string {
	switch opt.Type {
	case TypeString:
		if _, ok := asString(value); !ok {
			return "expected string"
		}
	case TypeNumber:
		if _, ok := asNumber(value); !ok {
			return "expected number"
		}
	case TypeInteger:
		n, ok := asNumber(value)
		if !ok {
			return "expected integer"
		}
		if n != float64(int64(n)) {
			return "expected integer, got fractional value"
		}
	case TypeBoolean:
		if _, ok := asBool(value); !ok {
			return "expected boolean"
		}
	case TypeEnum:
		v, ok := asString(value)
		if !ok {
			return "expected one of " + strings.Join(opt.choices(adapterCtx), ", ")
		}
		choices := opt.choices(adapterCtx)
		for _, c := range choices {
			if c == v {
				return ""
			}
		}
		return fmt.Sprintf("%q is not one of %s", v, strings.Join(choices, ", "))
	default:
		return fmt.Sprintf("unsupported option type %q", opt.Type)
	}
	return ""
}

func (opt Option) choices(adapterCtx map[string]any) []string {
	if opt.DynamicChoices != nil {
		return opt.DynamicChoices(adapterCtx)
	}
	return opt.Choices
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// asNumber accepts the numeric shapes a YAML decode can produce, plus
// numeric strings the document may carry verbatim.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func asBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "yes", "on":
			return true, true
		case "false", "no", "off":
			return false, true
		}
	}
	return false, false
}
