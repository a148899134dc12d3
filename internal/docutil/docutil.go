// Package docutil contains helpers for walking loosely typed JSON, YAML and
// TOML documents and for encoding policy payloads.
package docutil

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"
)

// Format is the on-disk encoding of an input document.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatFromPath infers the document format from a file extension. Unknown
// extensions are treated as JSON.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".toml":
		return FormatTOML
	default:
		return FormatJSON
	}
}

// Decode parses data into a generic document tree.
func Decode(data []byte, format Format) (map[string]interface{}, error) {
	doc := map[string]interface{}{}
	switch format {
	case FormatYAML:
		j, err := yaml.YAMLToJSON(data)
		if err != nil {
			return nil, errors.Wrap(err, "failed to convert YAML document")
		}
		data = j
	case FormatTOML:
		tree, err := toml.LoadBytes(data)
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse TOML document")
		}
		// round trip through JSON so that numbers and nested tables have the
		// same shape as a JSON document
		j, err := json.Marshal(tree.ToMap())
		if err != nil {
			return nil, err
		}
		data = j
	case FormatJSON, "":
	default:
		return nil, fmt.Errorf("unknown document format %q", format)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, errors.Wrap(err, "failed to parse JSON document")
	}
	return doc, nil
}

// CaseInsensitiveGet looks up key in m, first exactly and then ignoring case.
// The first case-insensitive match in iteration order wins, so documents with
// keys differing only by case are ambiguous.
func CaseInsensitiveGet(m map[string]interface{}, key string) (interface{}, bool) {
	if m == nil {
		return nil, false
	}
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

// GetFirst returns the value of the first key present in m.
func GetFirst(m map[string]interface{}, keys ...string) (interface{}, bool) {
	for _, k := range keys {
		if v, ok := CaseInsensitiveGet(m, k); ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// GetString returns the string stored at key. Numbers and booleans are
// formatted with their JSON spelling.
func GetString(m map[string]interface{}, key string) (string, bool) {
	v, ok := CaseInsensitiveGet(m, key)
	if !ok || v == nil {
		return "", false
	}
	return AsString(v)
}

// AsString converts a scalar document value to a string.
func AsString(v interface{}) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case bool:
		if t {
			return "true", true
		}
		return "false", true
	case float64, int, int64:
		return fmt.Sprint(t), true
	default:
		return "", false
	}
}

// GetMap returns the object stored at key.
func GetMap(m map[string]interface{}, key string) (map[string]interface{}, bool) {
	v, ok := CaseInsensitiveGet(m, key)
	if !ok {
		return nil, false
	}
	out, ok := v.(map[string]interface{})
	return out, ok
}

// GetSlice returns the array stored at key.
func GetSlice(m map[string]interface{}, key string) ([]interface{}, bool) {
	v, ok := CaseInsensitiveGet(m, key)
	if !ok {
		return nil, false
	}
	out, ok := v.([]interface{})
	return out, ok
}

// GetBool returns the boolean stored at key. The strings "true" and "false"
// are accepted as well, since ARM parameters are frequently quoted.
func GetBool(m map[string]interface{}, key string) (bool, bool) {
	v, ok := CaseInsensitiveGet(m, key)
	if !ok {
		return false, false
	}
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		switch strings.ToLower(t) {
		case "true":
			return true, true
		case "false":
			return false, true
		}
	}
	return false, false
}

// GetInt returns the integer stored at key.
func GetInt(m map[string]interface{}, key string) (int64, bool) {
	v, ok := CaseInsensitiveGet(m, key)
	if !ok {
		return 0, false
	}
	return AsInt(v)
}

// AsInt converts a numeric document value to int64.
func AsInt(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case json.Number:
		i, err := t.Int64()
		return i, err == nil
	case float64:
		if t != float64(int64(t)) {
			return 0, false
		}
		return int64(t), true
	case int:
		return int64(t), true
	case int64:
		return t, true
	default:
		return 0, false
	}
}

// StringSlice converts a document array into a string slice, failing on any
// non-scalar element.
func StringSlice(v interface{}) ([]string, error) {
	arr, ok := v.([]interface{})
	if !ok {
		if s, ok := v.([]string); ok {
			return s, nil
		}
		return nil, fmt.Errorf("expected array, got %T", v)
	}
	out := make([]string, 0, len(arr))
	for i, e := range arr {
		s, ok := AsString(e)
		if !ok {
			return nil, fmt.Errorf("element %d: expected string, got %T", i, e)
		}
		out = append(out, s)
	}
	return out, nil
}

// MarshalCompact encodes v as JSON without whitespace or HTML escaping.
func MarshalCompact(v interface{}) (string, error) {
	return marshal(v, "")
}

// MarshalPretty encodes v as JSON indented with two spaces.
func MarshalPretty(v interface{}) (string, error) {
	return marshal(v, "  ")
}

func marshal(v interface{}, indent string) (string, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", indent)
	if err := enc.Encode(v); err != nil {
		return "", errors.Wrapf(err, "failed to marshal %T", v)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// EncodeBase64 returns the standard base64 encoding of s.
func EncodeBase64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

// DecodeBase64 decodes standard base64 input.
func DecodeBase64(s string) (string, error) {
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return "", errors.Wrap(err, "unable to decode from Base64 format")
	}
	return string(b), nil
}
