package formula

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Future is the handle of an in-flight async function call. it resolves
// exactly once; the result is published by closing the done channel, so
// readers never touch it before resolution.
type Future struct {
	done  chan struct{}
	once  sync.Once
	value NodeValue
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// resolve publishes v. only the first call has any effect; it reports
// whether this call resolved the future.
func (f *Future) resolve(v NodeValue) bool {
	resolved := false
	f.once.Do(func() {
		f.value = v
		close(f.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the future has resolved
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Value returns the result without blocking. ok is false while pending.
func (f *Future) Value() (NodeValue, bool) {
	select {
	case <-f.done:
		return f.value, true
	default:
		return nil, false
	}
}

// Wait blocks until the future resolves or ctx is done
func (f *Future) Wait(ctx context.Context) (NodeValue, error) {
	select {
	case <-f.done:
		return f.value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// launchAsync runs fn on its own goroutine and returns its future. errors
// from fn become #N/A unless fn already returned a spreadsheet error.
func launchAsync(ctx context.Context, name string, fn AsyncFunc, args []any) *Future {
	f := newFuture()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				f.resolve(NewSpreadsheetError(ErrorCodeNA, fmt.Sprintf("%s panicked: %v", name, r)))
			}
		}()
		result, err := fn(ctx, args...)
		if err != nil {
			var se *SpreadsheetError
			if errors.As(err, &se) {
				f.resolve(se)
				return
			}
			f.resolve(NewSpreadsheetError(ErrorCodeNA, fmt.Sprintf("%s: %v", name, err)))
			return
		}
		f.resolve(functionResult(result, nil))
	}()
	return f
}

// Frame holds per-cell evaluation state across re-executions: the value
// each node produced and the futures of async calls. re-executing a tree
// with the same frame after a future resolves recomputes only the nodes on
// the path from that call to the root.
type Frame struct {
	ctx     context.Context
	values  map[AstNode]NodeValue
	futures map[AstNode]*Future
}

// NewFrame creates an empty frame. ctx bounds every async call launched
// while evaluating with this frame.
func NewFrame(ctx context.Context) *Frame {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Frame{
		ctx:     ctx,
		values:  make(map[AstNode]NodeValue),
		futures: make(map[AstNode]*Future),
	}
}

// Pending returns the futures still unresolved
func (f *Frame) Pending() []*Future {
	var pending []*Future
	for _, future := range f.futures {
		if _, ok := future.Value(); !ok {
			pending = append(pending, future)
		}
	}
	return pending
}
