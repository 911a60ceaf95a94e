package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/imroc/req/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/quorumlabs/councilproxy/internal/domain"
	"github.com/quorumlabs/councilproxy/internal/pkg/logger"
)

// DefaultToolTimeout bounds a single tool execution unless the definition
// overrides it.
const DefaultToolTimeout = 30 * time.Second

// ToolFunc is an in-process tool implementation.
type ToolFunc func(ctx context.Context, params map[string]any) (any, error)

// ToolUsageRepository appends execution records to the tool_usage log.
type ToolUsageRepository interface {
	AppendUsage(ctx context.Context, call domain.ToolCall, result domain.ToolResult) error
}

// ToolEngine holds the tool registry, validates parameters against the typed
// schema, executes via the function or HTTP adapter under a cancellable
// timeout, and persists usage.
type ToolEngine struct {
	mu        sync.RWMutex
	tools     map[string]domain.ToolDefinition
	functions map[string]ToolFunc

	httpClient *req.Client
	usageRepo  ToolUsageRepository
	timeout    time.Duration
}

func NewToolEngine(httpClient *req.Client, usageRepo ToolUsageRepository, timeout time.Duration) *ToolEngine {
	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}
	return &ToolEngine{
		tools:      make(map[string]domain.ToolDefinition),
		functions:  make(map[string]ToolFunc),
		httpClient: httpClient,
		usageRepo:  usageRepo,
		timeout:    timeout,
	}
}

// RegisterTool installs a definition, replacing any prior one with the same
// name. Function-adapter tools also supply their implementation.
func (e *ToolEngine) RegisterTool(def domain.ToolDefinition, fn ToolFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tools[def.Name] = def
	if def.Adapter == domain.ToolAdapterFunction && fn != nil {
		e.functions[def.Name] = fn
	}
}

// AvailableTools lists every registered definition.
func (e *ToolEngine) AvailableTools() []domain.ToolDefinition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]domain.ToolDefinition, 0, len(e.tools))
	for _, def := range e.tools {
		out = append(out, def)
	}
	return out
}

// ExecuteTool runs the lookup, validate, execute, persist pipeline for one
// call. Validation failures and adapter errors come back as unsuccessful
// results, never as Go errors.
func (e *ToolEngine) ExecuteTool(ctx context.Context, call domain.ToolCall) domain.ToolResult {
	start := time.Now()

	e.mu.RLock()
	def, ok := e.tools[call.Name]
	fn := e.functions[call.Name]
	e.mu.RUnlock()
	if !ok {
		return e.finish(ctx, call, failedResult(call.Name, start, fmt.Sprintf("tool %q is not registered", call.Name)))
	}

	params, err := validateParams(def, call.Params)
	if err != nil {
		return e.finish(ctx, call, failedResult(call.Name, start, err.Error()))
	}

	timeout := e.timeout
	if def.TimeoutMs > 0 {
		timeout = time.Duration(def.TimeoutMs) * time.Millisecond
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var value any
	switch def.Adapter {
	case domain.ToolAdapterHTTP:
		value, err = e.executeHTTP(execCtx, def, params)
	default:
		value, err = e.executeFunction(execCtx, fn, params)
	}
	if err != nil {
		msg := err.Error()
		if execCtx.Err() == context.DeadlineExceeded {
			msg = fmt.Sprintf("tool %q timeout after %s", call.Name, timeout)
		}
		return e.finish(ctx, call, failedResult(call.Name, start, msg))
	}

	return e.finish(ctx, call, domain.ToolResult{
		ToolName:  call.Name,
		Success:   true,
		Result:    value,
		Latency:   time.Since(start),
		Timestamp: time.Now(),
	})
}

// ExecuteParallel runs all calls concurrently. Result order matches input
// order; one call's failure never cancels the others.
func (e *ToolEngine) ExecuteParallel(ctx context.Context, calls []domain.ToolCall) []domain.ToolResult {
	if len(calls) == 0 {
		return []domain.ToolResult{}
	}
	results := make([]domain.ToolResult, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i := range calls {
		i := i
		g.Go(func() error {
			results[i] = e.ExecuteTool(gctx, calls[i])
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *ToolEngine) executeFunction(ctx context.Context, fn ToolFunc, params map[string]any) (any, error) {
	if fn == nil {
		return nil, fmt.Errorf("no function registered")
	}

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(ctx, params)
		done <- outcome{v, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case o := <-done:
		return o.value, o.err
	}
}

func (e *ToolEngine) executeHTTP(ctx context.Context, def domain.ToolDefinition, params map[string]any) (any, error) {
	resp, err := e.httpClient.R().
		SetContext(ctx).
		SetBodyJsonMarshal(params).
		Post(def.Endpoint)
	if err != nil {
		return nil, err
	}
	if resp.IsErrorState() {
		return nil, fmt.Errorf("tool endpoint returned status %d", resp.StatusCode)
	}

	var value any
	if err := json.Unmarshal(resp.Bytes(), &value); err != nil {
		// Non-JSON bodies are passed through as text.
		return resp.String(), nil
	}
	return value, nil
}

// finish persists the result to the usage log. Persistence failures are
// logged and never alter the result.
func (e *ToolEngine) finish(ctx context.Context, call domain.ToolCall, result domain.ToolResult) domain.ToolResult {
	if e.usageRepo != nil {
		if err := e.usageRepo.AppendUsage(ctx, call, result); err != nil {
			logger.L().Warn("tool engine: failed to persist usage",
				zap.String("tool", call.Name),
				zap.String("request_id", call.RequestID),
				zap.Error(err))
		}
	}
	return result
}

func failedResult(name string, start time.Time, msg string) domain.ToolResult {
	return domain.ToolResult{
		ToolName:  name,
		Success:   false,
		Error:     msg,
		Latency:   time.Since(start),
		Timestamp: time.Now(),
	}
}

// validateParams checks required presence and runtime types against the
// schema, then applies declared defaults for absent optional parameters. No
// adapter runs when validation fails.
func validateParams(def domain.ToolDefinition, params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	for name, schema := range def.Parameters {
		value, present := out[name]
		if !present {
			if schema.Required {
				return nil, fmt.Errorf("missing required parameter %q", name)
			}
			if schema.Default != nil {
				out[name] = schema.Default
			}
			continue
		}
		if !typeMatches(schema.Type, value) {
			return nil, fmt.Errorf("parameter %q: expected %s, got %T", name, schema.Type, value)
		}
	}
	return out, nil
}

func typeMatches(declared string, value any) bool {
	switch declared {
	case domain.ParamTypeString:
		_, ok := value.(string)
		return ok
	case domain.ParamTypeNumber:
		switch value.(type) {
		case float64, float32, int, int32, int64, json.Number:
			return true
		}
		return false
	case domain.ParamTypeBoolean:
		_, ok := value.(bool)
		return ok
	case domain.ParamTypeObject:
		_, ok := value.(map[string]any)
		return ok
	case domain.ParamTypeArray:
		_, ok := value.([]any)
		return ok
	default:
		return false
	}
}
