package sqlclient

import (
	"github.com/tidb-incubator/sqlbridge/pkg/dict"
)

// Param is one caller-supplied parameter value. A statement invocation
// passes an ordered list of these; order follows the parameter
// declarations in the dictionary.
type Param struct {
	Name  string
	Value interface{}
}

// P builds a Param.
func P(name string, value interface{}) Param {
	return Param{Name: name, Value: value}
}

// Setting merges one parameter declaration with the caller-supplied value.
// The settings document drives text substitution, parameter binding, and
// the serialized execution record.
type Setting struct {
	Name      string         `json:"name"`
	ParamType dict.ParamType `json:"param_type"`
	DataType  byte           `json:"data_type"`
	Value     interface{}    `json:"value,omitempty"`
	HasValue  bool           `json:"-"`
}

// Settings keeps parameter declaration order.
type Settings []*Setting

func (s Settings) find(name string) *Setting {
	for _, setting := range s {
		if setting.Name == name {
			return setting
		}
	}
	return nil
}

func (s Settings) markerCount() int {
	n := 0
	for _, setting := range s {
		if setting.ParamType == dict.Marker {
			n++
		}
	}
	return n
}

func (s Settings) firstMarkerName() string {
	for _, setting := range s {
		if setting.ParamType == dict.Marker {
			return setting.Name
		}
	}
	return ""
}

func toIntValue(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float64: // json numbers
		return int64(n), true
	default:
		return 0, false
	}
}

func toFloatValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		if i, ok := toIntValue(v); ok {
			return float64(i), true
		}
		return 0, false
	}
}

func toStringValue(v interface{}) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	default:
		return "", false
	}
}
