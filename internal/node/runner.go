// Package node runs the controller against the host: config events, poll
// ticks, commands and restarts are executed one at a time on a single loop.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"phinbridge/internal/controller"
	"phinbridge/internal/host"
)

// ErrNotRunning is returned by Command when the loop has stopped.
var ErrNotRunning = errors.New("node is not running")

// Options configures a Runner.
type Options struct {
	Host *host.Host

	// NewController builds a fresh controller on start and after every restart.
	NewController func() *controller.Controller

	ShortPoll string // cron spec
	LongPoll  string // cron spec
	Logger    *zap.Logger
}

type tick int

const (
	tickShort tick = iota
	tickLong
)

type command struct {
	name string
	args map[string]string
	done chan error
}

// Runner is the single-consumer event loop of the node.
type Runner struct {
	host          *host.Host
	newController func() *controller.Controller
	shortSpec     string
	longSpec      string
	logger        *zap.Logger

	ticks    chan tick
	commands chan command
	running  atomic.Bool
	current  atomic.Pointer[controller.Controller]
	restarts atomic.Int64
}

// New creates a Runner.
func New(opts Options) (*Runner, error) {
	if opts.Host == nil || opts.NewController == nil {
		return nil, errors.New("node: host and controller factory are required")
	}
	for _, spec := range []string{opts.ShortPoll, opts.LongPoll} {
		if _, err := cron.ParseStandard(spec); err != nil {
			return nil, fmt.Errorf("node: invalid poll schedule %q: %w", spec, err)
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Runner{
		host:          opts.Host,
		newController: opts.NewController,
		shortSpec:     opts.ShortPoll,
		longSpec:      opts.LongPoll,
		logger:        logger.Named("node"),
		ticks:         make(chan tick, 2),
		commands:      make(chan command),
	}, nil
}

// Run executes the loop until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(r.shortSpec, func() { r.queueTick(tickShort) }); err != nil {
		return err
	}
	if _, err := c.AddFunc(r.longSpec, func() { r.queueTick(tickLong) }); err != nil {
		return err
	}
	c.Start()
	defer func() {
		<-c.Stop().Done()
	}()

	ctrl := r.start(ctx)
	r.running.Store(true)
	defer r.running.Store(false)
	r.logger.Info("node running", zap.String("short_poll", r.shortSpec), zap.String("long_poll", r.longSpec))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("node stopped")
			return nil

		case <-r.host.Changed():
			snap := r.host.Snapshot()
			ctrl.ProcessConfig(ctx, controller.ConfigEvent{Seq: snap.Seq, CustomParams: snap.Params})

		case t := <-r.ticks:
			var err error
			if t == tickShort {
				err = ctrl.ShortPoll(ctx)
			} else {
				err = ctrl.LongPoll(ctx)
			}
			if err != nil {
				r.logger.Warn("poll failed", zap.Error(err))
			}

		case cmd := <-r.commands:
			cmd.done <- ctrl.Command(ctx, cmd.name, cmd.args)

		case reason := <-r.host.Restarts():
			r.logger.Info("restarting controller", zap.String("reason", reason))
			r.restarts.Add(1)
			ctrl = r.start(ctx)
		}
	}
}

// start builds a controller, runs its start sequence and processes the
// persisted configuration.
func (r *Runner) start(ctx context.Context) *controller.Controller {
	ctrl := r.newController()
	r.current.Store(ctrl)

	snap := r.host.Snapshot()
	ctrl.ProcessConfig(ctx, controller.ConfigEvent{Seq: snap.Seq, CustomParams: snap.Params})

	if err := ctrl.Start(ctx); err != nil {
		r.logger.Warn("controller start failed", zap.Error(err))
	}
	return ctrl
}

func (r *Runner) queueTick(t tick) {
	select {
	case r.ticks <- t:
	default:
		r.logger.Debug("poll tick dropped, loop busy")
	}
}

// Command runs a controller command on the loop and waits for its result.
func (r *Runner) Command(ctx context.Context, name string, args map[string]string) error {
	if !r.running.Load() {
		return ErrNotRunning
	}
	cmd := command{name: name, args: args, done: make(chan error, 1)}
	select {
	case r.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the status of the current controller.
func (r *Runner) Status() (controller.Status, bool) {
	ctrl := r.current.Load()
	if ctrl == nil {
		return controller.Status{}, false
	}
	return ctrl.Status(), true
}

// Restarts returns the number of controller restarts since Run started.
func (r *Runner) Restarts() int64 {
	return r.restarts.Load()
}
