package tool

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"coursechat/internal/domain"
)

const defaultMaxParallelTools = 5

// Executor runs selected tool calls with bounded parallelism.
type Executor struct {
	reg         *Registry
	maxParallel int
	logger      *slog.Logger
	onDone      func(domain.ToolInvocation)
}

type ExecutorConfig struct {
	Registry    *Registry
	MaxParallel int
	Logger      *slog.Logger
	OnDone      func(domain.ToolInvocation) // called as each call finishes
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = defaultMaxParallelTools
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Executor{reg: cfg.Registry, maxParallel: cfg.MaxParallel, logger: cfg.Logger, onDone: cfg.OnDone}
}

// Run executes calls and returns one invocation per call, in call order. A
// failing tool is recorded in its invocation and never fails the batch.
func (e *Executor) Run(ctx context.Context, calls []domain.ToolCall) []domain.ToolInvocation {
	results := make([]domain.ToolInvocation, len(calls))
	sem := make(chan struct{}, e.maxParallel)
	var wg sync.WaitGroup

	for i, tc := range calls {
		wg.Add(1)
		go func(idx int, tc domain.ToolCall) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			inv := domain.ToolInvocation{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}
			if e.logger.Enabled(ctx, slog.LevelDebug) {
				if argsJSON, err := json.Marshal(tc.Arguments); err == nil {
					e.logger.Debug("tool arguments", "tool", tc.Name, "args", string(argsJSON))
				}
			}

			out, err := e.reg.Execute(ctx, tc.Name, tc.Arguments)
			if err != nil {
				e.logger.Warn("tool failed", "tool", tc.Name, "err", err)
				inv.Error = err.Error()
			} else {
				inv.Output = out
				e.logger.Debug("tool completed", "tool", tc.Name, "result_len", len(out))
			}
			results[idx] = inv
			if e.onDone != nil {
				e.onDone(inv)
			}
		}(i, tc)
	}
	wg.Wait()
	return results
}
