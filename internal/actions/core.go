package actions

import (
	"context"
	"errors"
	"time"
)

// CoreActions returns the actions of the "core" plugin: echo, sleep, fail.
// These exist mainly for trying out workflow definitions without any real
// collaborator behind them.
func CoreActions() []Action {
	return []Action{
		echoAction{},
		sleepAction{},
		failAction{},
	}
}

type echoAction struct{}

func (echoAction) Name() string        { return "echo" }
func (echoAction) Description() string { return "returns its params unchanged" }

func (echoAction) Execute(_ context.Context, params map[string]any) (any, error) {
	return params, nil
}

type sleepAction struct{}

func (sleepAction) Name() string        { return "sleep" }
func (sleepAction) Description() string { return "sleeps for duration_ms milliseconds" }

func (sleepAction) Execute(ctx context.Context, params map[string]any) (any, error) {
	ms := intParam(params, "duration_ms", 0)
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return map[string]any{"slept_ms": ms}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type failAction struct{}

func (failAction) Name() string        { return "fail" }
func (failAction) Description() string { return "fails with the given message" }

func (failAction) Execute(_ context.Context, params map[string]any) (any, error) {
	msg := stringParam(params, "message", "deliberate failure")
	return nil, errors.New(msg)
}
