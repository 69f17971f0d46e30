package billing

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// postCommit collects side effects while a transaction runs. They execute
// only after WithTx returned nil, and a failing hook never affects the
// committed result or the other hooks.
type postCommit struct {
	hooks []namedHook
}

type namedHook struct {
	name string
	fn   func(ctx context.Context) error
}

func (pc *postCommit) add(name string, fn func(ctx context.Context) error) {
	pc.hooks = append(pc.hooks, namedHook{name: name, fn: fn})
}

func (pc *postCommit) reset() {
	pc.hooks = nil
}

// run executes the queued hooks. With async set they run on a goroutine
// tracked by wg, detached from the request's cancellation.
func (e *Engine) runHooks(ctx context.Context, pc *postCommit) {
	if len(pc.hooks) == 0 {
		return
	}
	hooks := pc.hooks
	if !e.AsyncHooks {
		e.execHooks(ctx, hooks)
		return
	}
	detached := context.WithoutCancel(ctx)
	e.hookWG.Add(1)
	go func() {
		defer e.hookWG.Done()
		e.execHooks(detached, hooks)
	}()
}

func (e *Engine) execHooks(ctx context.Context, hooks []namedHook) {
	for _, h := range hooks {
		if err := safeCall(ctx, h.fn); err != nil {
			e.logger().Warn("post-commit hook failed", zap.String("hook", h.name), zap.Error(err))
		}
	}
}

func safeCall(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// WaitHooks blocks until asynchronous hooks finish. Call before shutdown.
func (e *Engine) WaitHooks() {
	e.hookWG.Wait()
}
