package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"

	"github.com/tsawler/go-dip/training"
	"github.com/tsawler/go-dip/vision/preprocessing"
)

// Encoder turns a decoded prediction into the bytes stored in a Snapshot
type Encoder func(pixels []byte, width, height int) ([]byte, error)

// Options configures a Controller
type Options struct {
	Factory       SessionFactory             // default: TrainingFactory
	Encoder       Encoder                    // default: lossless PNG
	TrainerConfig training.TrainerConfig     // zero value: training.DefaultTrainerConfig()
	Settings      *training.AlgorithmSettings // initial settings, default: training.DefaultSettings()
	Logger        *slog.Logger               // default: slog.Default()
	EventBuffer   int                        // default: 64

	// MaxIterations ends a run after that many iterations as if it had been
	// paused at the iteration boundary. 0 runs until paused.
	MaxIterations int
}

// Status is a point-in-time view of the controller
type Status struct {
	State     State
	Iteration int
	Snapshots int
	Settings  training.AlgorithmSettings
	HasSource bool
	HasMask   bool
	InFlight  bool
}

type request struct {
	fn    func() error
	reply chan error
}

type result struct {
	generation uint64
	session    Session
	pred       *training.Prediction
	err        error
}

// Controller is the run lifecycle state machine. All state is owned by the
// goroutine executing Run; Dispatch, Status and History hand work to it over
// a channel. At most one iteration per session is in flight at any time.
type Controller struct {
	factory SessionFactory
	encoder Encoder
	config  training.TrainerConfig
	logger  *slog.Logger
	limit   int

	requests chan request
	results  chan result
	events   chan Event
	done     chan struct{}
	started  atomic.Bool

	// loop-owned
	state      State
	settings   training.AlgorithmSettings
	source     []byte
	mask       []byte
	session    Session
	generation uint64
	inFlight   bool // an iteration of the current session is running
	pending    int  // iterations running across all sessions
	iteration  int
	history    []Snapshot
}

// New creates a controller in the Idle state
func New(opts Options) *Controller {
	if opts.Factory == nil {
		opts.Factory = TrainingFactory
	}
	if opts.Encoder == nil {
		opts.Encoder = preprocessing.EncodePNG
	}
	if opts.TrainerConfig == (training.TrainerConfig{}) {
		opts.TrainerConfig = training.DefaultTrainerConfig()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	settings := training.DefaultSettings()
	if opts.Settings != nil {
		settings = *opts.Settings
	}

	return &Controller{
		factory:  opts.Factory,
		encoder:  opts.Encoder,
		config:   opts.TrainerConfig,
		logger:   opts.Logger,
		limit:    max(opts.MaxIterations, 0),
		requests: make(chan request),
		results:  make(chan result, 1),
		events:   make(chan Event, opts.EventBuffer),
		done:     make(chan struct{}),
		state:    Idle,
		settings: settings,
	}
}

// Events returns the channel events are published on. Events are dropped
// with a warning when the buffer is full; History and Status stay
// authoritative.
func (c *Controller) Events() <-chan Event {
	return c.events
}

// Run executes the event loop until ctx is done. On return the in-flight
// iteration has finished, every session is closed and the state is Idle.
func (c *Controller) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("controller already running")
	}
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case req := <-c.requests:
			req.reply <- req.fn()
		case r := <-c.results:
			c.handleResult(r)
		}
	}
}

// Dispatch applies cmd and waits for it to be handled. Invalid transitions
// return a *TransitionError and leave the state unchanged; contract
// violations from session construction are returned as-is.
func (c *Controller) Dispatch(ctx context.Context, cmd Command) error {
	return c.call(ctx, func() error { return c.handle(cmd) })
}

// Status returns the current state and counters
func (c *Controller) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.call(ctx, func() error {
		st = Status{
			State:     c.state,
			Iteration: c.iteration,
			Snapshots: len(c.history),
			Settings:  c.settings,
			HasSource: c.source != nil,
			HasMask:   c.mask != nil,
			InFlight:  c.inFlight,
		}
		return nil
	})
	return st, err
}

// History returns a copy of the snapshot history in iteration order
func (c *Controller) History(ctx context.Context) ([]Snapshot, error) {
	var out []Snapshot
	err := c.call(ctx, func() error {
		out = make([]Snapshot, len(c.history))
		copy(out, c.history)
		return nil
	})
	return out, err
}

func (c *Controller) call(ctx context.Context, fn func() error) error {
	req := request{fn: fn, reply: make(chan error, 1)}
	select {
	case c.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) handle(cmd Command) error {
	switch cmd := cmd.(type) {
	case Start:
		return c.start(cmd)
	case RequestMask:
		return c.requestMask(cmd)
	case MaskReady:
		return c.maskReady(cmd)
	case Pause:
		if c.state != Running {
			return c.invalid(cmd)
		}
		c.setState(Stopping)
		return nil
	case Reset:
		c.reset()
		return nil
	case SetSettings:
		c.settings = cmd.Settings
		c.invalidate(cmd)
		return nil
	case SetSourceImage:
		c.source = append([]byte(nil), cmd.Pixels...)
		c.invalidate(cmd)
		return nil
	default:
		return fmt.Errorf("unknown command %T", cmd)
	}
}

func (c *Controller) start(cmd Start) error {
	if c.state != Idle {
		return c.invalid(cmd)
	}
	if c.settings.Inpaint {
		c.awaitMask()
		return nil
	}
	if err := c.buildSession(nil); err != nil {
		return err
	}
	c.setState(Running)
	c.launch()
	return nil
}

func (c *Controller) requestMask(cmd RequestMask) error {
	if c.state != Idle {
		return c.invalid(cmd)
	}
	if !c.settings.Inpaint {
		return ErrInpaintDisabled
	}
	c.awaitMask()
	return nil
}

func (c *Controller) awaitMask() {
	c.mask = nil
	c.setState(AwaitingMask)
	c.emit(MaskRequested{})
}

func (c *Controller) maskReady(cmd MaskReady) error {
	if c.state != AwaitingMask {
		return c.invalid(cmd)
	}
	if cmd.Surface == nil {
		c.setState(Idle)
		return fmt.Errorf("mask ready without a drawing surface")
	}

	pixels, err := cmd.Surface.ReadPixels()
	if err != nil {
		c.setState(Idle)
		return fmt.Errorf("failed to read mask: %w", err)
	}
	c.mask = append([]byte(nil), pixels...)

	if err := c.buildSession(c.mask); err != nil {
		c.setState(Idle)
		return err
	}
	c.setState(Running)
	c.launch()
	return nil
}

// buildSession constructs the session for the current settings. Contract
// violations surface here, before any training starts.
func (c *Controller) buildSession(mask []byte) error {
	if c.source == nil {
		return training.ErrNoSourceImage
	}
	s, err := c.factory.NewSession(c.settings, c.config, c.source, mask)
	if err != nil {
		c.logger.Error("failed to build session", "error", err)
		return fmt.Errorf("failed to start: %w", err)
	}
	c.session = s
	c.logger.Info("session started", "session", s.ID(),
		"width", c.settings.Width, "height", c.settings.Height,
		"layers", c.settings.Layers, "filters", c.settings.Filters, "inpaint", c.settings.Inpaint)
	return nil
}

// launch runs one iteration of the current session in the background
func (c *Controller) launch() {
	s, gen := c.session, c.generation
	c.inFlight = true
	c.pending++
	go func() {
		// iterations are compute bound and relaunch back to back; yield so
		// event consumers and callers get scheduled even with GOMAXPROCS=1
		runtime.Gosched()
		pred, err := runIteration(s)
		c.results <- result{generation: gen, session: s, pred: pred, err: err}
	}()
}

func runIteration(s Session) (pred *training.Prediction, err error) {
	defer func() {
		if r := recover(); r != nil {
			pred, err = nil, fmt.Errorf("%w: panic: %v", training.ErrStepFailed, r)
		}
	}()
	return s.RunIteration()
}

func (c *Controller) handleResult(r result) {
	c.pending--

	if r.generation != c.generation {
		// the session was invalidated while this iteration ran
		c.closeSession(r.session)
		if c.inFlight {
			return
		}
		switch c.state {
		case Running:
			if err := c.buildSession(c.mask); err != nil {
				c.emit(SessionFailed{Err: err})
				c.setState(Idle)
				return
			}
			c.launch()
		case Stopping:
			c.setState(Idle)
		}
		return
	}

	c.inFlight = false
	switch c.state {
	case Running:
		c.iteration++
		c.publish(c.iteration, r)
		if c.limit > 0 && c.iteration >= c.limit {
			c.logger.Info("iteration limit reached", "iterations", c.iteration)
			c.setState(Stopping)
			c.stop()
			return
		}
		c.launch()
	case Stopping:
		c.publish(c.iteration+1, r)
		c.stop()
	}
}

// stop disposes the session once no iteration is in flight
func (c *Controller) stop() {
	c.closeSession(c.session)
	c.session = nil
	c.iteration = 0
	c.setState(Idle)
}

// publish appends a snapshot for a successful iteration. Failed iterations
// are logged and produce nothing.
func (c *Controller) publish(iteration int, r result) {
	if r.err != nil {
		c.logger.Warn("iteration produced no snapshot", "iteration", iteration, "error", r.err)
		return
	}
	image, err := c.encoder(r.pred.Pixels, c.settings.Width, c.settings.Height)
	if err != nil {
		c.logger.Warn("failed to encode snapshot", "iteration", iteration, "error", err)
		return
	}
	snap := Snapshot{Iteration: iteration, Image: image, Loss: r.pred.Loss}
	c.history = append(c.history, snap)
	c.logger.Debug("snapshot appended", "iteration", iteration, "loss", r.pred.Loss, "duration", r.pred.Duration)
	c.emit(SnapshotAppended{Snapshot: snap})
}

// invalidate handles a settings or source change: the history and counter
// are cleared and the session is rebuilt before the next iteration
func (c *Controller) invalidate(cmd Command) {
	c.dropSession()
	c.clearHistory()
	c.logger.Debug("session invalidated", "command", cmd.String(), "state", c.state)
}

func (c *Controller) reset() {
	c.dropSession()
	c.clearHistory()
	c.mask = nil
	c.settings = training.DefaultSettings()
	c.setState(Idle)
}

// dropSession detaches the current session. A session with an iteration in
// flight is closed when that iteration returns.
func (c *Controller) dropSession() {
	c.generation++
	if c.session != nil && !c.inFlight {
		c.closeSession(c.session)
	}
	c.session = nil
	c.inFlight = false
}

func (c *Controller) clearHistory() {
	c.history = nil
	c.iteration = 0
	c.emit(HistoryCleared{})
}

func (c *Controller) closeSession(s Session) {
	if s == nil {
		return
	}
	if err := s.Close(); err != nil {
		c.logger.Warn("failed to close session", "session", s.ID(), "error", err)
		return
	}
	c.logger.Debug("session closed", "session", s.ID())
}

func (c *Controller) shutdown() {
	for c.pending > 0 {
		r := <-c.results
		c.pending--
		if r.session != c.session {
			c.closeSession(r.session)
		}
	}
	c.closeSession(c.session)
	c.session = nil
	c.inFlight = false
	c.iteration = 0
	c.setState(Idle)
}

func (c *Controller) setState(to State) {
	if c.state == to {
		return
	}
	from := c.state
	c.state = to
	c.logger.Debug("state changed", "from", from, "to", to)
	c.emit(StateChanged{From: from, To: to})
}

func (c *Controller) invalid(cmd Command) error {
	err := &TransitionError{State: c.state, Command: cmd}
	c.logger.Error("invalid transition", "state", c.state, "command", cmd.String())
	return err
}

func (c *Controller) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("event dropped, buffer full", "event", fmt.Sprintf("%T", ev))
	}
}

// IsTransitionError reports whether err is an invalid transition
func IsTransitionError(err error) bool {
	var te *TransitionError
	return errors.As(err, &te)
}
