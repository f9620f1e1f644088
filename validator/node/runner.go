package node

import (
	"context"
	"sync"
)

// runner adapts a blocking Run(ctx) loop to the service registry's
// Start/Stop/Status lifecycle.
type runner struct {
	ctx    context.Context
	cancel context.CancelFunc
	run    func(ctx context.Context) error

	mu  sync.Mutex
	err error
}

func newRunner(ctx context.Context, run func(ctx context.Context) error) *runner {
	ctx, cancel := context.WithCancel(ctx)
	return &runner{ctx: ctx, cancel: cancel, run: run}
}

func (r *runner) Start() {
	go func() {
		err := r.run(r.ctx)
		if err != nil && r.ctx.Err() == nil {
			log.WithError(err).Error("Service loop exited")
			r.mu.Lock()
			r.err = err
			r.mu.Unlock()
		}
	}()
}

func (r *runner) Stop() error {
	r.cancel()
	return nil
}

func (r *runner) Status() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// The registry keys services by concrete type, so each wrapped loop gets its
// own named wrapper.

type facilitatorRunner struct{ *runner }

type transferRunner struct{ *runner }
