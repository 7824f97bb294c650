package starlarklib

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// The http module pre-classifies every response into the status taxonomy
// the Go drivers report, so a script can hand the response's status and
// error_code fields straight back as its own result. Transport failures
// come back the same way instead of aborting the script.
func makeHTTPModule() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "http",
		Members: starlark.StringDict{
			"get":     methodBuiltin("get", http.MethodGet),
			"post":    methodBuiltin("post", http.MethodPost),
			"put":     methodBuiltin("put", http.MethodPut),
			"patch":   methodBuiltin("patch", http.MethodPatch),
			"delete":  methodBuiltin("delete", http.MethodDelete),
			"request": starlark.NewBuiltin("http.request", httpRequest),
			"client":  starlark.NewBuiltin("http.client", newClientBuiltin),
		},
	}
}

// scriptClient is a configured *http.Client held by a script and passed
// back through the client= kwarg.
type scriptClient struct {
	client *http.Client
}

func (c *scriptClient) String() string        { return "http.client" }
func (c *scriptClient) Type() string          { return "http.client" }
func (c *scriptClient) Freeze()               {}
func (c *scriptClient) Truth() starlark.Bool  { return starlark.True }
func (c *scriptClient) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: http.client") }

func newClientBuiltin(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var timeout int64 = 30
	var insecure bool
	if err := starlark.UnpackArgs("http.client", args, kwargs,
		"timeout?", &timeout, "insecure_skip_verify?", &insecure); err != nil {
		return nil, err
	}

	return &scriptClient{client: &http.Client{
		Timeout: time.Duration(timeout) * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: insecure},
		},
	}}, nil
}

// methodBuiltin builds the per-verb entry points; they share one signature
// and differ only in the method they pin.
func methodBuiltin(name, method string) *starlark.Builtin {
	return starlark.NewBuiltin("http."+name, func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var url string
		var data, client starlark.Value
		var headers *starlark.Dict
		if err := starlark.UnpackArgs(fn.Name(), args, kwargs,
			"url", &url, "data?", &data, "headers?", &headers, "client?", &client); err != nil {
			return nil, err
		}
		return roundTrip(method, url, data, headers, client)
	})
}

func httpRequest(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var method, url string
	var data, client starlark.Value
	var headers *starlark.Dict
	if err := starlark.UnpackArgs("http.request", args, kwargs,
		"method", &method, "url", &url, "data?", &data, "headers?", &headers, "client?", &client); err != nil {
		return nil, err
	}
	return roundTrip(strings.ToUpper(method), url, data, headers, client)
}

func roundTrip(method, url string, data starlark.Value, headers *starlark.Dict, clientVal starlark.Value) (starlark.Value, error) {
	cli := &http.Client{Timeout: 30 * time.Second}
	if c, ok := clientVal.(*scriptClient); ok {
		cli = c.client
	}

	var body io.Reader
	contentType := ""
	if data != nil && data != starlark.None {
		encoded, ct, err := encodeBody(data)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(encoded)
		contentType = ct
	}

	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return transportFailure(fmt.Sprintf("bad request: %v", err)), nil
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if headers != nil {
		for _, item := range headers.Items() {
			k, kok := item[0].(starlark.String)
			v, vok := item[1].(starlark.String)
			if kok && vok {
				req.Header.Set(string(k), string(v))
			}
		}
	}

	resp, err := cli.Do(req)
	if err != nil {
		return transportFailure(err.Error()), nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportFailure(fmt.Sprintf("read body: %v", err)), nil
	}

	out := starlark.NewDict(5)
	out.SetKey(starlark.String("ok"), starlark.Bool(resp.StatusCode >= 200 && resp.StatusCode < 300))
	out.SetKey(starlark.String("status_code"), starlark.MakeInt(resp.StatusCode))
	out.SetKey(starlark.String("status"), starlark.String(classifyHTTPStatus(resp.StatusCode)))
	out.SetKey(starlark.String("body"), starlark.String(respBody))

	hdrs := starlark.NewDict(len(resp.Header))
	for k := range resp.Header {
		hdrs.SetKey(starlark.String(k), starlark.String(resp.Header.Get(k)))
	}
	out.SetKey(starlark.String("headers"), hdrs)
	return out, nil
}

// classifyHTTPStatus folds an HTTP status code into the operation-result
// status a script reports for that call.
func classifyHTTPStatus(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "SUCCESS"
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return "UNAUTHORIZED"
	case code == http.StatusNotFound || code == http.StatusGone:
		return "NOT_FOUND"
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return "TRANSIENT_ERROR"
	default:
		return "PERMANENT_ERROR"
	}
}

func transportFailure(message string) starlark.Value {
	out := starlark.NewDict(4)
	out.SetKey(starlark.String("ok"), starlark.False)
	out.SetKey(starlark.String("status"), starlark.String("TRANSIENT_ERROR"))
	out.SetKey(starlark.String("error_code"), starlark.String("http_transport"))
	out.SetKey(starlark.String("message"), starlark.String(message))
	return out
}

func encodeBody(v starlark.Value) ([]byte, string, error) {
	switch val := v.(type) {
	case starlark.String:
		return []byte(val), "", nil
	case *starlark.Dict:
		encoded, err := json.Marshal(ToGoValue(val))
		return encoded, "application/json", err
	default:
		return []byte(v.String()), "", nil
	}
}
