package starlarklib

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

func makeJSONModule() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "json",
		Members: starlark.StringDict{
			"encode": starlark.NewBuiltin("json.encode", jsonEncode),
			"decode": starlark.NewBuiltin("json.decode", jsonDecode),
		},
	}
}

func jsonEncode(
	thread *starlark.Thread,
	fn *starlark.Builtin,
	args starlark.Tuple,
	kwargs []starlark.Tuple,
) (starlark.Value, error) {
	var value starlark.Value
	var indent int

	if err := starlark.UnpackArgs(
		"json.encode",
		args,
		kwargs,
		"value", &value,
		"indent?", &indent,
	); err != nil {
		return nil, err
	}

	goValue := ToGoValue(value)

	var data []byte
	var err error
	if indent > 0 {
		data, err = json.MarshalIndent(goValue, "", strings.Repeat(" ", indent))
	} else {
		data, err = json.Marshal(goValue)
	}
	if err != nil {
		return nil, fmt.Errorf("json encode failed: %w", err)
	}

	return starlark.String(data), nil
}

func jsonDecode(
	thread *starlark.Thread,
	fn *starlark.Builtin,
	args starlark.Tuple,
	kwargs []starlark.Tuple,
) (starlark.Value, error) {
	var data string

	if err := starlark.UnpackArgs("json.decode", args, kwargs, "data", &data); err != nil {
		return nil, err
	}

	var result any
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return nil, fmt.Errorf("json decode failed: %w", err)
	}

	return FromGoValue(result), nil
}

func makeBase64Module() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "base64",
		Members: starlark.StringDict{
			"encode": starlark.NewBuiltin("base64.encode", base64Encode),
			"decode": starlark.NewBuiltin("base64.decode", base64Decode),
		},
	}
}

func base64Encode(
	thread *starlark.Thread,
	fn *starlark.Builtin,
	args starlark.Tuple,
	kwargs []starlark.Tuple,
) (starlark.Value, error) {
	var data string

	if err := starlark.UnpackArgs("base64.encode", args, kwargs, "data", &data); err != nil {
		return nil, err
	}

	return starlark.String(base64.StdEncoding.EncodeToString([]byte(data))), nil
}

func base64Decode(
	thread *starlark.Thread,
	fn *starlark.Builtin,
	args starlark.Tuple,
	kwargs []starlark.Tuple,
) (starlark.Value, error) {
	var data string

	if err := starlark.UnpackArgs("base64.decode", args, kwargs, "data", &data); err != nil {
		return nil, err
	}

	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("base64 decode failed: %w", err)
	}

	return starlark.String(decoded), nil
}

func makeHashModule() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "hash",
		Members: starlark.StringDict{
			"md5":    starlark.NewBuiltin("hash.md5", hashMD5),
			"sha1":   starlark.NewBuiltin("hash.sha1", hashSHA1),
			"sha256": starlark.NewBuiltin("hash.sha256", hashSHA256),
			"sha512": starlark.NewBuiltin("hash.sha512", hashSHA512),
		},
	}
}

func hashMD5(
	thread *starlark.Thread,
	fn *starlark.Builtin,
	args starlark.Tuple,
	kwargs []starlark.Tuple,
) (starlark.Value, error) {
	var data string

	if err := starlark.UnpackArgs("hash.md5", args, kwargs, "data", &data); err != nil {
		return nil, err
	}

	sum := md5.Sum([]byte(data))
	return starlark.String(fmt.Sprintf("%x", sum)), nil
}

func hashSHA1(
	thread *starlark.Thread,
	fn *starlark.Builtin,
	args starlark.Tuple,
	kwargs []starlark.Tuple,
) (starlark.Value, error) {
	var data string

	if err := starlark.UnpackArgs("hash.sha1", args, kwargs, "data", &data); err != nil {
		return nil, err
	}

	sum := sha1.Sum([]byte(data))
	return starlark.String(fmt.Sprintf("%x", sum)), nil
}

func hashSHA256(
	thread *starlark.Thread,
	fn *starlark.Builtin,
	args starlark.Tuple,
	kwargs []starlark.Tuple,
) (starlark.Value, error) {
	var data string

	if err := starlark.UnpackArgs("hash.sha256", args, kwargs, "data", &data); err != nil {
		return nil, err
	}

	sum := sha256.Sum256([]byte(data))
	return starlark.String(fmt.Sprintf("%x", sum)), nil
}

func hashSHA512(
	thread *starlark.Thread,
	fn *starlark.Builtin,
	args starlark.Tuple,
	kwargs []starlark.Tuple,
) (starlark.Value, error) {
	var data string

	if err := starlark.UnpackArgs("hash.sha512", args, kwargs, "data", &data); err != nil {
		return nil, err
	}

	sum := sha512.Sum512([]byte(data))
	return starlark.String(fmt.Sprintf("%x", sum)), nil
}
