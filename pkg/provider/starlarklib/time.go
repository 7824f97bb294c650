package starlarklib

import (
	"fmt"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// Scripts talk to providers with wildly different timestamp conventions, so
// the time module works in unix seconds plus named layouts. Any Go layout
// string is also accepted where a layout name is.
var timeLayouts = map[string]string{
	"rfc3339":  time.RFC3339,
	"rfc1123":  time.RFC1123,
	"unixdate": time.UnixDate,
	"date":     "2006-01-02",
	"datetime": "2006-01-02 15:04:05",
}

// A sleeping script stalls the reconciliation worker hosting it.
const maxScriptSleep = 30 * time.Second

func makeTimeModule() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "time",
		Members: starlark.StringDict{
			"now":    starlark.NewBuiltin("time.now", timeNow),
			"unix":   starlark.NewBuiltin("time.unix", timeUnix),
			"sleep":  starlark.NewBuiltin("time.sleep", timeSleep),
			"parse":  starlark.NewBuiltin("time.parse", timeParse),
			"format": starlark.NewBuiltin("time.format", timeFormat),
		},
	}
}

func resolveLayout(name string) string {
	if layout, ok := timeLayouts[name]; ok {
		return layout
	}
	return name
}

func timeNow(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	layout := "rfc3339"
	if err := starlark.UnpackArgs("time.now", args, kwargs, "layout?", &layout); err != nil {
		return nil, err
	}
	return starlark.String(time.Now().UTC().Format(resolveLayout(layout))), nil
}

func timeUnix(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	return starlark.MakeInt64(time.Now().Unix()), nil
}

func timeSleep(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var seconds float64
	if err := starlark.UnpackArgs("time.sleep", args, kwargs, "seconds", &seconds); err != nil {
		return nil, err
	}

	d := time.Duration(seconds * float64(time.Second))
	if d > maxScriptSleep {
		return nil, fmt.Errorf("time.sleep: %v exceeds the %v limit", d, maxScriptSleep)
	}
	if d > 0 {
		time.Sleep(d)
	}
	return starlark.None, nil
}

func timeParse(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var value string
	layout := "rfc3339"
	if err := starlark.UnpackArgs("time.parse", args, kwargs,
		"value", &value, "layout?", &layout); err != nil {
		return nil, err
	}

	ts, err := time.Parse(resolveLayout(layout), value)
	if err != nil {
		return nil, fmt.Errorf("time.parse: %w", err)
	}
	return starlark.MakeInt64(ts.Unix()), nil
}

func timeFormat(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var unix int64
	layout := "rfc3339"
	var zone string
	if err := starlark.UnpackArgs("time.format", args, kwargs,
		"timestamp", &unix, "layout?", &layout, "timezone?", &zone); err != nil {
		return nil, err
	}

	ts := time.Unix(unix, 0).UTC()
	if zone != "" && zone != "UTC" {
		loc, err := time.LoadLocation(zone)
		if err != nil {
			return nil, fmt.Errorf("time.format: %w", err)
		}
		ts = ts.In(loc)
	}
	return starlark.String(ts.Format(resolveLayout(layout))), nil
}
