package bridge

import (
	"context"
	"sync"

	"github.com/alitto/pond/v2"
)

// pushPool is a fixed-size worker pool dedicated to concurrent push
// operations, following the shape of pond.Pool usage in
// controlplane/telemetry/internal/data/{device,internet}/provider.go
// (pond.NewResultPool[T] sized off a Config field, defaulting when
// unset). Sequential adb operations (shell, pull, install) never touch
// this pool; they run synchronously on the caller's goroutine.
type pushPool struct {
	pool pond.Pool
}

func newPushPool(size int) *pushPool {
	return &pushPool{pool: pond.NewPool(size)}
}

// PushHandle is returned by Push/PushString; it resolves to the
// classified *Error (or nil) once the underlying adb invocation
// completes.
type PushHandle struct {
	task pond.Task
}

// Wait blocks until the push completes and returns its classified
// error, if any.
func (h *PushHandle) Wait() error {
	if h == nil {
		return nil
	}
	return h.task.Wait()
}

func (p *pushPool) submit(fn func() error) *PushHandle {
	return &PushHandle{task: p.pool.SubmitErr(fn)}
}

// PushAll dispatches every (local, remote) pair to the pool
// concurrently and implements the "first-exception-wins, cancel the
// rest" contract required of the dex sync batch push: as soon as one
// push fails, every push that hasn't started yet is short-circuited,
// the in-flight ones are allowed to run to completion, and the first
// observed error is returned. A nil slice or empty slice is a no-op.
func (p *pushPool) PushAll(ctx context.Context, pairs []PushPair, push func(ctx context.Context, local, remote string) error) error {
	if len(pairs) == 0 {
		return nil
	}

	// cancelCtx is only checked before a push starts; in-flight pushes
	// run with the caller's ctx so a sibling's failure does not kill them.
	cancelCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		once     sync.Once
		firstErr error
	)

	tasks := make([]pond.Task, 0, len(pairs))
	for _, pair := range pairs {
		pair := pair
		tasks = append(tasks, p.pool.SubmitErr(func() error {
			if err := cancelCtx.Err(); err != nil {
				once.Do(func() { firstErr = err })
				return err
			}
			err := push(ctx, pair.Local, pair.Remote)
			if err != nil {
				once.Do(func() {
					firstErr = err
					cancel()
				})
			}
			return err
		}))
	}

	// Drain every task so that in-flight pushes are allowed to
	// terminate before we return, even though we report firstErr
	// (the classified *Error) rather than whatever a cancelled task's
	// Wait() returns.
	for _, t := range tasks {
		_ = t.Wait()
	}

	return firstErr
}

// PushPair is a (local file, device path) upload job.
type PushPair struct {
	Local  string
	Remote string
}

// StopWait releases the pool's workers. Called once, on adapter
// teardown.
func (p *pushPool) StopWait() {
	p.pool.StopAndWait()
}
