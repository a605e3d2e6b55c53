package model

import (
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strconv"
	"time"
)

// Value type tags persisted alongside the encoded value.
const (
	TypeString  = "string"
	TypeBoolean = "boolean"
	TypeInteger = "integer"
	TypeLong    = "long"
	TypeDouble  = "double"
	TypeList    = "list"
	TypeMap     = "map"
	TypeNull    = "null"
)

// Variable is a named value bound to a scope element of a process.
type Variable struct {
	ID                    string    `json:"id"`
	ProcessID             string    `json:"processId"`
	ExecutionID           string    `json:"executionId"`
	ExecutionDefinitionID string    `json:"executionDefinitionId"`
	Key                   string    `json:"key"`
	Value                 string    `json:"value"`
	Type                  string    `json:"type"`
	CreatedAt             time.Time `json:"createdAt"`
	UpdatedAt             time.Time `json:"updatedAt"`
}

// EncodeValue converts v to its persisted form.
func EncodeValue(v any) (string, string, error) {
	switch val := v.(type) {
	case nil:
		return "", TypeNull, nil
	case string:
		return val, TypeString, nil
	case bool:
		return strconv.FormatBool(val), TypeBoolean, nil
	case int:
		return strconv.Itoa(val), TypeInteger, nil
	case int8, int16, int32:
		return fmt.Sprint(val), TypeInteger, nil
	case int64:
		return strconv.FormatInt(val, 10), TypeLong, nil
	case uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(val), TypeLong, nil
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32), TypeDouble, nil
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64), TypeDouble, nil
	case json.Number:
		if _, err := val.Int64(); err == nil {
			return val.String(), TypeLong, nil
		}
		return val.String(), TypeDouble, nil
	}

	kind := reflect.TypeOf(v).Kind()
	typ := TypeMap
	if kind == reflect.Slice || kind == reflect.Array {
		typ = TypeList
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", "", fmt.Errorf("encode variable value: %w", err)
	}
	return string(raw), typ, nil
}

// DecodeValue converts a persisted value back to a Go value.
func DecodeValue(value, typ string) (any, error) {
	switch typ {
	case TypeNull:
		return nil, nil
	case TypeString, "":
		return value, nil
	case TypeBoolean:
		return strconv.ParseBool(value)
	case TypeInteger:
		return strconv.Atoi(value)
	case TypeLong:
		return strconv.ParseInt(value, 10, 64)
	case TypeDouble:
		return strconv.ParseFloat(value, 64)
	case TypeList:
		var out []any
		if err := json.Unmarshal([]byte(value), &out); err != nil {
			return nil, fmt.Errorf("decode list variable: %w", err)
		}
		return out, nil
	case TypeMap:
		var out map[string]any
		if err := json.Unmarshal([]byte(value), &out); err != nil {
			return nil, fmt.Errorf("decode map variable: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown variable type %q", typ)
}

// Decode returns the Go value of v.
func (v Variable) Decode() (any, error) {
	return DecodeValue(v.Value, v.Type)
}

// NewVariables encodes values for the scope element executionDefinitionID
// of execution executionID. Keys are emitted in sorted order.
func NewVariables(processID, executionID, executionDefinitionID string, values map[string]any) ([]Variable, error) {
	now := time.Now().UTC()
	out := make([]Variable, 0, len(values))
	for _, key := range slices.Sorted(maps.Keys(values)) {
		value, typ, err := EncodeValue(values[key])
		if err != nil {
			return nil, fmt.Errorf("variable %q: %w", key, err)
		}
		out = append(out, Variable{
			ProcessID:             processID,
			ExecutionID:           executionID,
			ExecutionDefinitionID: executionDefinitionID,
			Key:                   key,
			Value:                 value,
			Type:                  typ,
			CreatedAt:             now,
			UpdatedAt:             now,
		})
	}
	return out, nil
}

// ToMap decodes vars into a map. Later entries overwrite earlier ones;
// values that fail to decode keep their raw string.
func ToMap(vars []Variable) map[string]any {
	out := make(map[string]any, len(vars))
	for _, v := range vars {
		val, err := v.Decode()
		if err != nil {
			out[v.Key] = v.Value
			continue
		}
		out[v.Key] = val
	}
	return out
}

// ScopedMap builds the visible variable map for scope, innermost first. The
// first binding found for a key wins.
func ScopedMap(vars []Variable, scope []string) map[string]any {
	out := map[string]any{}
	for _, element := range scope {
		for _, v := range vars {
			if v.ExecutionDefinitionID != element {
				continue
			}
			if _, seen := out[v.Key]; seen {
				continue
			}
			val, err := v.Decode()
			if err != nil {
				val = v.Value
			}
			out[v.Key] = val
		}
	}
	return out
}
