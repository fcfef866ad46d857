package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Flatten produces a single-level payload. Nested objects become dotted-path
// keys; arrays are kept as compact JSON text in their field so their order is
// preserved and the result stays byte-stable across runs. A literal dotted
// key that collides with a nested path is an error, as is an array that
// cannot be encoded.
func Flatten(image map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(image))
	if err := flattenInto(out, "", image); err != nil {
		return nil, err
	}
	return out, nil
}

func flattenInto(out map[string]any, prefix string, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		switch x := m[k].(type) {
		case map[string]any:
			if len(x) == 0 {
				if err := set(out, path, "{}"); err != nil {
					return err
				}
				continue
			}
			if err := flattenInto(out, path, x); err != nil {
				return err
			}
		case []any:
			s, err := arrayText(x)
			if err != nil {
				return fmt.Errorf("field %q: %w", path, err)
			}
			if err := set(out, path, s); err != nil {
				return err
			}
		default:
			if err := set(out, path, x); err != nil {
				return err
			}
		}
	}
	return nil
}

func set(out map[string]any, path string, v any) error {
	if _, dup := out[path]; dup {
		return fmt.Errorf("flattened key collision on %q", path)
	}
	out[path] = v
	return nil
}

func arrayText(a []any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(a); err != nil {
		return "", err
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}
