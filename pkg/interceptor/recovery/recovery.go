// Package recovery turns panics raised by handlers and publishers into
// errors.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/quarks-tech/courier-go/pkg/envelope"
	"github.com/quarks-tech/courier-go/pkg/eventbus"
)

type HandlerFunc func(p any) (err error)

type HandlerFuncContext func(ctx context.Context, p any) (err error)

func PublisherInterceptor(opts ...Option) eventbus.PublisherInterceptor {
	o := evaluateOptions(opts)
	return func(ctx context.Context, msg any, pf eventbus.PublishFn, publishOpts ...envelope.Option) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = recoverFrom(ctx, r, o.handlerFunc)
			}
		}()

		return pf(ctx, msg, publishOpts...)
	}
}

func SubscriberInterceptor(opts ...Option) eventbus.SubscriberInterceptor {
	o := evaluateOptions(opts)
	return func(ctx context.Context, env *envelope.Envelope, handler eventbus.Handler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = recoverFrom(ctx, r, o.handlerFunc)
			}
		}()

		return handler(ctx, env)
	}
}

// Recover runs fn and converts a panic into a *PanicError.
func Recover(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recoverFrom(context.Background(), r, nil)
		}
	}()

	return fn()
}

func recoverFrom(ctx context.Context, p any, r HandlerFuncContext) error {
	if r != nil {
		return r(ctx, p)
	}
	stack := make([]byte, 64<<10)
	stack = stack[:runtime.Stack(stack, false)]
	return &PanicError{Panic: p, Stack: stack}
}

type PanicError struct {
	Panic any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic caught: %v\n\n%s", e.Panic, e.Stack)
}

func IsPanic(err error) bool {
	var panicError *PanicError

	return errors.As(err, &panicError)
}
