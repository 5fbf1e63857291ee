package redfish

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Entity is a generic JSON resource. Its shape varies with firmware version, so
// the accessors tolerate missing or mistyped fields and report absence as the
// zero value plus ok=false rather than guessing.
type Entity map[string]any

// ODataID returns the @odata.id of the entity.
func (e Entity) ODataID() string {
	return e.String("@odata.id")
}

// String returns a string field, or "" when absent or not a string.
func (e Entity) String(key string) string {
	s, _ := e.LookupString(key)
	return s
}

// LookupString returns a string field and whether it was present.
func (e Entity) LookupString(key string) (string, bool) {
	if e == nil {
		return "", false
	}
	switch v := e[key].(type) {
	case string:
		return strings.TrimSpace(v), true
	case json.Number:
		return v.String(), true
	default:
		return "", false
	}
}

// Int returns an integer field. Numeric strings are accepted.
func (e Entity) Int(key string) (int, bool) {
	if e == nil {
		return 0, false
	}
	switch v := e[key].(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// Object returns a nested object field, or nil.
func (e Entity) Object(key string) Entity {
	if e == nil {
		return nil
	}
	if v, ok := e[key].(map[string]any); ok {
		return Entity(v)
	}
	return nil
}

// Objects returns the object elements of an array field.
func (e Entity) Objects(key string) []Entity {
	if e == nil {
		return nil
	}
	items, ok := e[key].([]any)
	if !ok {
		return nil
	}
	out := make([]Entity, 0, len(items))
	for _, item := range items {
		if obj, ok := item.(map[string]any); ok {
			out = append(out, Entity(obj))
		}
	}
	return out
}

// Members returns the Members array of a collection resource.
func (e Entity) Members() []Entity {
	return e.Objects("Members")
}

// MemberPaths returns the @odata.id of every collection member.
func (e Entity) MemberPaths() []string {
	members := e.Members()
	out := make([]string, 0, len(members))
	for _, member := range members {
		if id := member.ODataID(); id != "" {
			out = append(out, id)
		}
	}
	return out
}

// Path walks nested objects, returning nil when any step is missing.
func (e Entity) Path(keys ...string) Entity {
	current := e
	for _, key := range keys {
		current = current.Object(key)
		if current == nil {
			return nil
		}
	}
	return current
}

// ActionTarget returns Actions.<name>.target.
func (e Entity) ActionTarget(name string) string {
	return e.Path("Actions", name).String("target")
}
