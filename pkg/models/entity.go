package models

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Properties is the open property map of a node or edge. Unknown keys are
// preserved but not interpreted.
type Properties map[string]any

// Clone returns a shallow copy of the map. Slice values are copied so that
// label lists do not alias between copies.
func (p Properties) Clone() Properties {
	if p == nil {
		return Properties{}
	}
	out := make(Properties, len(p))
	for k, v := range p {
		switch vv := v.(type) {
		case []string:
			out[k] = append([]string(nil), vv...)
		case []any:
			out[k] = append([]any(nil), vv...)
		default:
			out[k] = v
		}
	}
	return out
}

// Merge performs a shallow merge of update into p, new keys winning, and
// returns the result as a new map.
func (p Properties) Merge(update Properties) Properties {
	out := p.Clone()
	for k, v := range update {
		out[k] = v
	}
	return out
}

// Get retrieves a raw property value
func (p Properties) Get(key string) (any, bool) {
	if p == nil {
		return nil, false
	}
	val, ok := p[key]
	return val, ok
}

// String retrieves a string property with default
func (p Properties) String(key string, defaultVal string) string {
	if p == nil {
		return defaultVal
	}
	if val, ok := p[key]; ok {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return defaultVal
}

// Int retrieves an integral property with default. Values decoded from JSON
// arrive as float64 or json.Number; both are accepted when integral.
func (p Properties) Int(key string, defaultVal int) int {
	if i, ok := p.intValue(key); ok {
		return i
	}
	return defaultVal
}

func (p Properties) intValue(key string) (int, bool) {
	if p == nil {
		return 0, false
	}
	val, ok := p[key]
	if !ok {
		return 0, false
	}
	switch v := val.(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		if v == math.Trunc(v) {
			return int(v), true
		}
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return int(i), true
		}
	case string:
		if i, err := strconv.Atoi(v); err == nil {
			return i, true
		}
	}
	return 0, false
}

// Float retrieves a float property with default
func (p Properties) Float(key string, defaultVal float64) float64 {
	if p == nil {
		return defaultVal
	}
	if val, ok := p[key]; ok {
		switch v := val.(type) {
		case float64:
			return v
		case float32:
			return float64(v)
		case int:
			return float64(v)
		case int64:
			return float64(v)
		case json.Number:
			if f, err := v.Float64(); err == nil {
				return f
			}
		}
	}
	return defaultVal
}

// Bool retrieves a bool property with default
func (p Properties) Bool(key string, defaultVal bool) bool {
	if p == nil {
		return defaultVal
	}
	if val, ok := p[key]; ok {
		if b, ok := val.(bool); ok {
			return b
		}
	}
	return defaultVal
}

// Strings retrieves a string list property. JSON-decoded []any values are
// converted element-wise; non-string elements are skipped.
func (p Properties) Strings(key string) []string {
	if p == nil {
		return nil
	}
	switch v := p[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Keys returns the property keys in sorted order
func (p Properties) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ValidateNode checks that t is a known type and that props carries the
// mandatory property set for it.
func ValidateNode(t NodeType, props Properties) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidType, t)
	}
	var missing []string
	requireString := func(key string) {
		if strings.TrimSpace(props.String(key, "")) == "" {
			missing = append(missing, key)
		}
	}
	switch t {
	case NodeTypeDocument:
		requireString(PropPath)
	case NodeTypeConcept:
		requireString(PropName)
	case NodeTypeIssue, NodeTypePullRequest:
		if _, ok := props.intValue(PropNumber); !ok {
			missing = append(missing, PropNumber)
		}
		requireString(PropStatus)
	case NodeTypeSkill:
		requireString(PropPlatform)
		requireString(PropPath)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s requires %s", ErrInvalidType, t, strings.Join(missing, ", "))
	}
	return nil
}

// PlaceholderProperties infers the minimal property set for a node that is
// referenced by an edge before it has been ingested.
func PlaceholderProperties(id string) (NodeType, Properties, error) {
	t, key, err := ParseNodeID(id)
	if err != nil {
		return "", nil, err
	}
	props := Properties{PropPlaceholder: true}
	switch t {
	case NodeTypeDocument:
		props[PropPath] = key
	case NodeTypeConcept:
		props[PropName] = key
	case NodeTypeIssue, NodeTypePullRequest:
		n, err := strconv.Atoi(key)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %s key %q is not a number", ErrInvalidType, t, key)
		}
		props[PropNumber] = n
		props[PropStatus] = StatusUnknown
	case NodeTypeSkill:
		platform, path, ok := strings.Cut(key, "/")
		if !ok || path == "" {
			platform, path = "unknown", key
		}
		props[PropPlatform] = platform
		props[PropPath] = path
	}
	return t, props, nil
}
