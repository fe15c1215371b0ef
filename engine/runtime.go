// Package engine implements the runtime, the parent system that tracks the
// lifecycle of every child system through exit notifications.
package engine

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/najoast/hive/core"
)

var _ core.System[Msg, Event] = (*Runtime)(nil)

// child is the bookkeeping record of one registered system.
type child struct {
	name string
	stop func() error
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runtime) {
		r.logger = logger
	}
}

// Runtime is the root system. Children register with it on spawn and must
// send it a SystemExit carrying their SystemUID once they stop.
type Runtime struct {
	state core.Lifecycle

	uid   core.SystemUID
	addr  *core.Address[Msg]
	queue *core.Queue[Msg]

	// Owned by the run goroutine. A slice per uid tolerates collisions.
	children     map[core.SystemUID][]child
	shuttingDown bool

	// Number of live children, readable from any goroutine
	live atomic.Int64

	subscribers core.Subscribers[Event]
	logger      *zap.Logger
	done        chan struct{}
}

// New creates a Runtime in the created state.
func New(opts ...Option) *Runtime {
	addr, queue := core.Init[Msg]()

	r := &Runtime{
		uid:      core.NewSystemUID(),
		addr:     addr,
		queue:    queue,
		children: make(map[core.SystemUID][]child),
		logger:   zap.NewNop(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("runtime").With(zap.Stringer("uid", r.uid))

	return r
}

// UID returns the runtime's identifier.
func (r *Runtime) UID() core.SystemUID {
	return r.uid
}

// State returns the runtime's lifecycle state.
func (r *Runtime) State() core.State {
	return r.state.State()
}

// Addr returns a new reference to the runtime's Address.
func (r *Runtime) Addr() *core.Address[Msg] {
	return r.addr.Clone()
}

// SendSelf sends msg to the runtime's own Address.
func (r *Runtime) SendSelf(msg Msg) error {
	return r.addr.Send(msg)
}

// Subscribe registers sub for runtime events. Call it before Startup.
func (r *Runtime) Subscribe(sub core.Subscriber[Event]) {
	r.subscribers.Subscribe(sub)
}

// Publish delivers event to every subscriber.
func (r *Runtime) Publish(event Event) {
	r.subscribers.Publish(event)
}

// Startup runs the runtime on its own goroutine.
func (r *Runtime) Startup() {
	if !r.state.Transition(core.StateCreated, core.StateRunning) {
		r.logger.Warn("runtime already started", zap.Stringer("state", r.State()))
		return
	}
	go r.run()
}

// Spawn registers c with the runtime and starts it.
func (r *Runtime) Spawn(c Child) error {
	err := r.addr.Send(SystemSpawned{UID: c.UID(), Name: c.Name(), Stop: c.Stop})
	if err != nil {
		return fmt.Errorf("failed to register system %s: %w", c.Name(), err)
	}

	c.Startup()
	return nil
}

// Shutdown asks the runtime to stop every child and then itself.
func (r *Runtime) Shutdown() error {
	return r.addr.Send(Shutdown{})
}

// Children returns the number of children that have not exited yet.
func (r *Runtime) Children() int {
	return int(r.live.Load())
}

// Done is closed once the runtime stopped.
func (r *Runtime) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the runtime stopped or ctx is done.
func (r *Runtime) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("runtime still has %d children: %w", r.Children(), ctx.Err())
	}
}

// run is the main processing loop for the runtime.
func (r *Runtime) run() {
	r.logger.Debug("runtime running")

	for {
		msg, ok := r.queue.Recv()
		if !ok {
			r.stop()
			return
		}

		switch m := msg.(type) {
		case SystemSpawned:
			r.register(m)

		case SystemExit:
			r.unregister(m.UID)

		case Shutdown:
			r.beginShutdown()
		}

		if r.shuttingDown && len(r.children) == 0 {
			r.stop()
			return
		}
	}
}

func (r *Runtime) register(m SystemSpawned) {
	if records, exists := r.children[m.UID]; exists {
		r.logger.Error("duplicate system uid",
			zap.Stringer("child", m.UID),
			zap.String("name", m.Name),
			zap.String("existing", records[0].name),
		)
	}

	r.children[m.UID] = append(r.children[m.UID], child{name: m.Name, stop: m.Stop})
	r.live.Add(1)

	r.logger.Info("system started", zap.Stringer("child", m.UID), zap.String("name", m.Name))
	r.Publish(SystemStarted{UID: m.UID, Name: m.Name})

	// A child spawned during shutdown is stopped right away
	if r.shuttingDown {
		r.stopChild(m.UID, child{name: m.Name, stop: m.Stop})
	}
}

func (r *Runtime) unregister(uid core.SystemUID) {
	records, exists := r.children[uid]
	if !exists {
		r.logger.Warn("exit notification from unknown system", zap.Stringer("child", uid))
		return
	}

	exited := records[0]
	if len(records) == 1 {
		delete(r.children, uid)
	} else {
		r.children[uid] = records[1:]
	}
	r.live.Add(-1)

	r.logger.Info("system exited", zap.Stringer("child", uid), zap.String("name", exited.name))
	r.Publish(SystemExited{UID: uid, Name: exited.name})
}

func (r *Runtime) beginShutdown() {
	if r.shuttingDown {
		return
	}
	r.shuttingDown = true
	r.logger.Info("shutting down", zap.Int("children", len(r.children)))

	for uid, records := range r.children {
		for _, c := range records {
			r.stopChild(uid, c)
		}
	}
}

func (r *Runtime) stopChild(uid core.SystemUID, c child) {
	if c.stop == nil {
		return
	}
	if err := c.stop(); err != nil {
		// The child is already terminating and will report its exit
		r.logger.Debug("stop request not delivered",
			zap.Stringer("child", uid),
			zap.String("name", c.name),
			zap.Error(err),
		)
	}
}

func (r *Runtime) stop() {
	r.state.Transition(core.StateRunning, core.StateTerminating)

	if r.shuttingDown {
		r.Publish(AllStopped{})
	}

	r.queue.Close()

	r.state.Transition(core.StateTerminating, core.StateStopped)
	r.logger.Info("runtime stopped")
	close(r.done)
}
