// Package starlarklib provides the builtin modules available to scripted
// group providers: http, json, base64, hash and time.
package starlarklib

import (
	"bytes"
	"context"
	"fmt"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

func MakeBuiltins(ctx context.Context) starlark.StringDict {
	return starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"print":  starlark.NewBuiltin("print", starlarkPrint),
		"http":   makeHTTPModule(),
		"json":   makeJSONModule(),
		"base64": makeBase64Module(),
		"hash":   makeHashModule(),
		"time":   makeTimeModule(),
	}
}

func starlarkPrint(
	thread *starlark.Thread,
	fn *starlark.Builtin,
	args starlark.Tuple,
	kwargs []starlark.Tuple,
) (starlark.Value, error) {
	sep := " "
	if err := starlark.UnpackArgs("print", nil, kwargs, "sep?", &sep); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	for i, v := range args {
		if i > 0 {
			buf.WriteString(sep)
		}
		buf.WriteString(v.String())
	}
	fmt.Println(buf.String())
	return starlark.None, nil
}

// ToGoValue converts a starlark value into plain Go types. Unknown value
// kinds degrade to their string form.
func ToGoValue(v starlark.Value) any {
	switch val := v.(type) {
	case starlark.String:
		return string(val)
	case starlark.Int:
		i, _ := val.Int64()
		return i
	case starlark.Float:
		return float64(val)
	case starlark.Bool:
		return bool(val)
	case *starlark.List:
		result := make([]any, val.Len())
		for i := 0; i < val.Len(); i++ {
			result[i] = ToGoValue(val.Index(i))
		}
		return result
	case *starlark.Dict:
		result := make(map[string]any)
		for _, item := range val.Items() {
			if keyStr, ok := item[0].(starlark.String); ok {
				result[string(keyStr)] = ToGoValue(item[1])
			}
		}
		return result
	case starlark.NoneType:
		return nil
	default:
		return val.String()
	}
}

// FromGoValue converts plain Go types into starlark values.
func FromGoValue(v any) starlark.Value {
	if v == nil {
		return starlark.None
	}

	switch val := v.(type) {
	case string:
		return starlark.String(val)
	case int:
		return starlark.MakeInt(val)
	case int64:
		return starlark.MakeInt64(val)
	case float64:
		return starlark.Float(val)
	case bool:
		return starlark.Bool(val)
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list)
	case []any:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = FromGoValue(item)
		}
		return starlark.NewList(list)
	case map[string]string:
		dict := starlark.NewDict(len(val))
		for k, v := range val {
			dict.SetKey(starlark.String(k), starlark.String(v))
		}
		return dict
	case map[string]any:
		return FromGoMap(val)
	default:
		return starlark.String(fmt.Sprintf("%v", v))
	}
}

func FromGoMap(m map[string]any) *starlark.Dict {
	dict := starlark.NewDict(len(m))
	for k, v := range m {
		dict.SetKey(starlark.String(k), FromGoValue(v))
	}
	return dict
}
