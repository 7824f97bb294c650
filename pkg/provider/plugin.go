package provider

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"codeberg.org/groupherd/groupherd/pkg/provider/starlarklib"
)

// ScriptProvider adapts a starlark script into a GroupProvider. Scripts
// implement provider calls as top-level functions returning a result dict;
// missing optional functions degrade to PERMANENT_ERROR results.
type ScriptProvider struct {
	*BaseProvider
	thread  *starlark.Thread
	globals starlark.StringDict
	mu      sync.Mutex
}

var scriptRequiredFuncs = []string{"initialize", "validate", "add_member", "remove_member"}

// LoadScriptProvider parses and executes a starlark script and returns a
// factory for it. The script runs once at load time to build its globals;
// per-call state lives inside the script's own functions.
func LoadScriptProvider(ctx context.Context, scriptPath string) (string, Factory, error) {
	content, err := os.ReadFile(scriptPath)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read starlark script: %w", err)
	}

	name := strings.TrimSuffix(filepath.Base(scriptPath), filepath.Ext(scriptPath))
	thread := &starlark.Thread{Name: name}

	predeclared := starlarklib.MakeBuiltins(ctx)

	opts := &syntax.FileOptions{
		Set:             true,
		GlobalReassign:  true,
		TopLevelControl: true,
		Recursion:       true,
	}

	globals, err := starlark.ExecFileOptions(opts, thread, scriptPath, content, predeclared)
	if err != nil {
		return "", nil, fmt.Errorf("failed to execute starlark script: %w", err)
	}

	for _, funcName := range scriptRequiredFuncs {
		if _, ok := globals[funcName]; !ok {
			return "", nil, fmt.Errorf("starlark script missing required function: %s", funcName)
		}
	}

	if nameVal, ok := globals["name"]; ok {
		if nameStr, ok := nameVal.(starlark.String); ok {
			name = string(nameStr)
		}
	}

	prefix := ""
	if prefixVal, ok := globals["prefix"]; ok {
		if prefixStr, ok := prefixVal.(starlark.String); ok {
			prefix = string(prefixStr)
		}
	}

	caps := Capabilities{MemberAdd: true, MemberRemove: true}
	if capsVal, ok := globals["capabilities"]; ok {
		if capsDict, ok := capsVal.(*starlark.Dict); ok {
			caps = scriptCapabilities(capsDict)
		}
	}

	providerName := name
	factory := func() GroupProvider {
		return &ScriptProvider{
			BaseProvider: NewBaseProvider(providerName, prefix, caps),
			thread:       thread,
			globals:      globals,
		}
	}
	return providerName, factory, nil
}

// RegisterScriptProviders loads every .star file in dir into the registry.
// A missing directory is not an error; a broken script is.
func RegisterScriptProviders(ctx context.Context, registry *Registry, dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read scripts directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".star" {
			continue
		}
		name, factory, err := LoadScriptProvider(ctx, filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("script %s: %w", entry.Name(), err)
		}
		if err := registry.Register(name, factory); err != nil {
			return err
		}
	}
	return nil
}

func (s *ScriptProvider) Initialize(ctx context.Context, config map[string]any) error {
	s.SetConfig(config)

	result, err := s.call("initialize", starlark.Tuple{starlarklib.FromGoMap(config)})
	if err != nil {
		return err
	}
	if errStr := scriptError(result); errStr != "" {
		return fmt.Errorf("%s", errStr)
	}
	return nil
}

func (s *ScriptProvider) Validate(ctx context.Context) error {
	result, err := s.call("validate", starlark.Tuple{starlarklib.FromGoMap(s.Config())})
	if err != nil {
		return err
	}
	if errStr := scriptError(result); errStr != "" {
		return fmt.Errorf("%s", errStr)
	}
	return nil
}

func (s *ScriptProvider) GetUserManagedGroups(ctx context.Context, userKey string) (*OperationResult, error) {
	return s.operation("get_user_managed_groups", starlark.Tuple{starlark.String(userKey)})
}

func (s *ScriptProvider) GetGroupMembers(ctx context.Context, groupKey string, filter MemberFilter) (*OperationResult, error) {
	filterDict := starlark.NewDict(2)
	filterDict.SetKey(starlark.String("role"), starlark.String(filter.Role))
	filterDict.SetKey(starlark.String("page_size"), starlark.MakeInt(filter.PageSize))

	return s.operation("get_group_members", starlark.Tuple{starlark.String(groupKey), filterDict})
}

func (s *ScriptProvider) AddMember(ctx context.Context, groupKey string, member Member, justification string) (*OperationResult, error) {
	return s.operation("add_member", starlark.Tuple{
		starlark.String(groupKey),
		memberToStarlark(member),
		starlark.String(justification),
	})
}

func (s *ScriptProvider) RemoveMember(ctx context.Context, groupKey string, member Member, justification string) (*OperationResult, error) {
	return s.operation("remove_member", starlark.Tuple{
		starlark.String(groupKey),
		memberToStarlark(member),
		starlark.String(justification),
	})
}

func (s *ScriptProvider) ValidatePermissions(ctx context.Context, userKey, groupKey string, action Action) (*OperationResult, error) {
	return s.operation("validate_permissions", starlark.Tuple{
		starlark.String(userKey),
		starlark.String(groupKey),
		starlark.String(string(action)),
	})
}

func (s *ScriptProvider) Close() error {
	if closeFunc, ok := s.globals["close"]; ok {
		if callable, ok := closeFunc.(starlark.Callable); ok {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, err := starlark.Call(s.thread, callable, nil, nil); err != nil {
				return fmt.Errorf("close failed: %w", err)
			}
		}
	}
	return nil
}

// operation invokes an optional script function and converts its return dict
// into an OperationResult.
func (s *ScriptProvider) operation(funcName string, args starlark.Tuple) (*OperationResult, error) {
	if _, ok := s.globals[funcName]; !ok {
		return Permanent(
			fmt.Sprintf("%s does not implement %s", s.Name(), funcName),
			"not_implemented",
		), nil
	}

	result, err := s.call(funcName, args)
	if err != nil {
		return nil, err
	}
	return scriptResult(result)
}

// call serializes script execution: a starlark thread must not run
// concurrently.
func (s *ScriptProvider) call(funcName string, args starlark.Tuple) (starlark.Value, error) {
	fn, ok := s.globals[funcName]
	if !ok {
		return nil, fmt.Errorf("%s function not found", funcName)
	}
	callable, ok := fn.(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("%s is not callable", funcName)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := starlark.Call(s.thread, callable, args, nil)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", funcName, err)
	}
	return result, nil
}

func memberToStarlark(m Member) *starlark.Dict {
	dict := starlark.NewDict(3)
	dict.SetKey(starlark.String("id"), starlark.String(m.ID))
	dict.SetKey(starlark.String("email"), starlark.String(m.Email))
	dict.SetKey(starlark.String("role"), starlark.String(m.Role))
	return dict
}

func scriptCapabilities(dict *starlark.Dict) Capabilities {
	caps := Capabilities{}
	boolField := func(key string, dst *bool) {
		if val, found, _ := dict.Get(starlark.String(key)); found {
			if b, ok := val.(starlark.Bool); ok {
				*dst = bool(b)
			}
		}
	}
	boolField("member_add", &caps.MemberAdd)
	boolField("member_remove", &caps.MemberRemove)
	boolField("batch", &caps.Batch)
	boolField("role_info", &caps.RoleInfo)
	boolField("user_lifecycle", &caps.UserLifecycle)

	if val, found, _ := dict.Get(starlark.String("max_batch_size")); found {
		if intVal, ok := val.(starlark.Int); ok {
			i, _ := intVal.Int64()
			caps.MaxBatchSize = int(i)
		}
	}
	return caps
}

// scriptResult maps a script return dict onto an OperationResult. A bare
// None counts as success; anything else must be a dict with at least a
// status field.
func scriptResult(v starlark.Value) (*OperationResult, error) {
	if v == nil || v == starlark.None {
		return Success("", nil), nil
	}

	dict, ok := v.(*starlark.Dict)
	if !ok {
		return nil, fmt.Errorf("script must return a dict, got %s", v.Type())
	}

	result := &OperationResult{Status: StatusSuccess}

	if val, found, _ := dict.Get(starlark.String("status")); found {
		if str, ok := val.(starlark.String); ok {
			switch Status(str) {
			case StatusSuccess, StatusTransientError, StatusPermanentError,
				StatusUnauthorized, StatusNotFound:
				result.Status = Status(str)
			default:
				return nil, fmt.Errorf("script returned unknown status %q", str)
			}
		}
	}
	if val, found, _ := dict.Get(starlark.String("message")); found {
		if str, ok := val.(starlark.String); ok {
			result.Message = string(str)
		}
	}
	if val, found, _ := dict.Get(starlark.String("error_code")); found {
		if str, ok := val.(starlark.String); ok {
			result.ErrorCode = string(str)
		}
	}
	if val, found, _ := dict.Get(starlark.String("retry_after")); found {
		if intVal, ok := val.(starlark.Int); ok {
			secs, _ := intVal.Int64()
			result.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	if val, found, _ := dict.Get(starlark.String("data")); found {
		result.Data = starlarklib.ToGoValue(val)
	}

	return result, nil
}

func scriptError(v starlark.Value) string {
	if v == nil || v == starlark.None {
		return ""
	}
	if dict, ok := v.(*starlark.Dict); ok {
		if errVal, found, _ := dict.Get(starlark.String("error")); found {
			if errStr, ok := errVal.(starlark.String); ok {
				return string(errStr)
			}
		}
	}
	return ""
}
