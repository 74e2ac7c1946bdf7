package replica

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"livesync/internal/coordinator"
	"livesync/internal/logging"
)

// errActorFailed reports that the isolated coordinator is gone.
var errActorFailed = errors.New("isolated coordinator failed")

// op is one coordinator call executed on behalf of a caller.
type op func(ctx context.Context, c *coordinator.Coordinator) (any, error)

type request struct {
	ctx   context.Context
	op    op
	reply chan response
}

type response struct {
	value any
	err   error
}

// actor owns a coordinator that callers reach only through its inbox.
type actor struct {
	inbox  chan request
	stop   chan struct{}
	done   chan struct{} // closed when the actor goroutine has exited
	failed chan struct{} // closed on the first failure

	failOnce sync.Once
	failErr  error

	serving sync.WaitGroup
}

// startActor builds and initializes a coordinator inside a new goroutine.
func startActor(ctx context.Context, build coordinatorFactory) *actor {
	a := &actor{
		inbox:  make(chan request),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		failed: make(chan struct{}),
	}
	go a.run(ctx, build)
	return a
}

func (a *actor) run(ctx context.Context, build coordinatorFactory) {
	defer close(a.done)

	actorCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-a.stop:
			cancel()
		case <-actorCtx.Done():
		}
	}()

	c, err := a.boot(actorCtx, build)
	if err != nil {
		a.fail(err)
		return
	}

	defer func() {
		a.serving.Wait()
		if err := c.Close(); err != nil {
			logging.Get(logging.CategoryReplica).Warn("isolated coordinator close: %v", err)
		}
	}()

	for {
		select {
		case <-a.stop:
			return
		case <-a.failed:
			return
		case req := <-a.inbox:
			a.serving.Add(1)
			go a.serve(c, req)
		}
	}
}

// boot converts start-up panics into errors.
func (a *actor) boot(ctx context.Context, build coordinatorFactory) (c *coordinator.Coordinator, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during start-up: %v", r)
		}
	}()

	c, err = build()
	if err != nil {
		return nil, fmt.Errorf("failed to build coordinator: %w", err)
	}
	if err := c.Init(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (a *actor) serve(c *coordinator.Coordinator, req request) {
	defer a.serving.Done()
	defer func() {
		if r := recover(); r != nil {
			a.fail(fmt.Errorf("panic while serving request: %v", r))
			req.reply <- response{err: errActorFailed}
		}
	}()

	value, err := req.op(req.ctx, c)
	req.reply <- response{value: value, err: err}
}

// fail records the first failure and stops the actor.
func (a *actor) fail(err error) {
	a.failOnce.Do(func() {
		a.failErr = err
		logging.Get(logging.CategoryReplica).Error("isolated coordinator failed: %v", err)
		close(a.failed)
	})
}

// do sends op to the actor and waits for the reply.
func (a *actor) do(ctx context.Context, fn op) (any, error) {
	req := request{ctx: ctx, op: fn, reply: make(chan response, 1)}

	select {
	case a.inbox <- req:
	case <-a.failed:
		return nil, errActorFailed
	case <-a.stop:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case resp := <-req.reply:
		return resp.value, resp.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// shutdown stops the actor and waits for its coordinator to close.
func (a *actor) shutdown() {
	select {
	case <-a.stop:
	default:
		close(a.stop)
	}
	<-a.done
}
