package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/despo33/hyperbot-sub000/params"
	"github.com/despo33/hyperbot-sub000/pkg/util"
)

// Probe proves the REST channel end to end; any error counts as a failure.
type Probe func(ctx context.Context) error

// StreamHooks are supplied by the streaming-channel owner. Heartbeat sends a
// ping and returns once the acknowledgment arrives (or errors); Reconnect
// tears down and re-establishes the stream.
type StreamHooks struct {
	Heartbeat func(ctx context.Context) error
	Reconnect func(ctx context.Context) error
}

// Snapshot is the externally visible supervisor state.
type Snapshot struct {
	API    ChannelState
	Stream ChannelState
	Config params.Health
}

type channelState struct {
	ChannelState
	reconnecting bool
	exhausted    bool
}

// Supervisor independently monitors the REST channel (periodic probe raced
// against a timeout) and the streaming channel (heartbeat with an ack
// deadline), drives exponential-backoff reconnection with per-channel
// counters, and emits connectivity events to subscribers.
//
// Supervisor state is advisory: order mutations do not consult it and its
// failures never block them.
type Supervisor struct {
	cfg    params.Health
	clock  util.Clock
	log    *zap.SugaredLogger
	probe  Probe
	stream StreamHooks

	mu   sync.Mutex
	api  channelState
	strm channelState
	subs []chan Event

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	started  bool
}

func NewSupervisor(cfg params.Health, probe Probe, stream StreamHooks, logger *zap.SugaredLogger) *Supervisor {
	s := &Supervisor{
		cfg:    cfg,
		clock:  util.RealClock{},
		log:    logger,
		probe:  probe,
		stream: stream,
	}
	s.api.Channel = ChannelAPI
	s.api.Connected = true
	s.strm.Channel = ChannelStream
	s.strm.Connected = true
	return s
}

func (s *Supervisor) backoff() Backoff {
	return Backoff{Initial: s.cfg.InitialDelay, Multiplier: s.cfg.Multiplier, Max: s.cfg.MaxDelay}
}

// Subscribe registers an event channel. Events are dropped, not blocked on,
// when a subscriber falls behind.
func (s *Supervisor) Subscribe() <-chan Event {
	ch := make(chan Event, 16)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

func (s *Supervisor) emit(ev Event) {
	ev.At = s.clock.Now()
	s.mu.Lock()
	subs := make([]chan Event, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			// Subscriber buffer full, drop
		}
	}
}

// Start launches the check timers. Stop cancels them; both are idempotent
// per Supervisor.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.apiLoop()

	if s.stream.Heartbeat != nil {
		s.wg.Add(1)
		go s.streamLoop()
	}
}

// Stop cancels all pending timers and waits for the loops to exit.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		s.wg.Wait()
	})
}

// Snapshot returns the point-in-time state of both channels plus the active
// configuration.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{API: s.api.ChannelState, Stream: s.strm.ChannelState, Config: s.cfg}
}

func (s *Supervisor) apiLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.clock.After(s.cfg.CheckInterval):
		}
		err := s.race(s.probe, s.cfg.CheckTimeout)
		s.observe(&s.api, err)
	}
}

func (s *Supervisor) streamLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.clock.After(s.cfg.HeartbeatInterval):
		}
		err := s.race(s.stream.Heartbeat, s.cfg.HeartbeatTimeout)
		s.observe(&s.strm, err)
	}
}

// race runs fn against a deadline; whichever finishes first wins. fn may
// ignore its context, so the select is the real timeout.
func (s *Supervisor) race(fn func(ctx context.Context) error, timeout time.Duration) error {
	return raceTimeout(s.ctx, fn, timeout)
}

func raceTimeout(parent context.Context, fn func(ctx context.Context) error, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// observe applies one check result to a channel's state machine. A success
// resets the failure counter (and the reconnect-attempt counter); the
// disconnected event fires only when consecutive failures reach the
// threshold while still connected.
func (s *Supervisor) observe(ch *channelState, err error) {
	s.mu.Lock()
	ch.LastCheck = s.clock.Now()

	if err == nil {
		wasDown := !ch.Connected
		ch.Connected = true
		ch.ConsecutiveFailures = 0
		ch.ReconnectAttempts = 0
		ch.exhausted = false
		ch.LastSuccess = ch.LastCheck
		name := ch.Channel
		s.mu.Unlock()

		if wasDown {
			s.log.Infow("channel_recovered", "channel", name)
			s.emit(Event{Channel: name, Type: EventReconnected})
		}
		return
	}

	ch.ConsecutiveFailures++
	failures := ch.ConsecutiveFailures
	threshold := s.cfg.FailureThreshold
	flip := ch.Connected && failures >= threshold
	if flip {
		ch.Connected = false
	}
	startReconnect := flip && s.started && !ch.reconnecting && !ch.exhausted
	if startReconnect {
		ch.reconnecting = true
	}
	name := ch.Channel
	s.mu.Unlock()

	s.log.Warnw("health_check_failed", "channel", name, "consecutive", failures, "err", err)
	if flip {
		s.emit(Event{Channel: name, Type: EventDisconnected, Err: err})
	}
	if startReconnect {
		s.wg.Add(1)
		go s.reconnectLoop(ch)
	}
}

// reconnectLoop retries one channel with exponential backoff until success
// or the attempt cap. Only one loop runs per channel at a time.
func (s *Supervisor) reconnectLoop(ch *channelState) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		ch.reconnecting = false
		s.mu.Unlock()
	}()

	reconnect := s.probe
	timeout := s.cfg.CheckTimeout
	if ch.Channel == ChannelStream {
		reconnect = s.stream.Reconnect
		timeout = s.cfg.HeartbeatTimeout
	}
	if reconnect == nil {
		return
	}

	bo := s.backoff()
	for attempt := 0; attempt < s.cfg.MaxAttempts; attempt++ {
		select {
		case <-s.ctx.Done():
			return
		case <-s.clock.After(bo.Delay(attempt)):
		}

		err := raceTimeout(s.ctx, reconnect, timeout)

		s.mu.Lock()
		ch.ReconnectAttempts = attempt + 1
		s.mu.Unlock()

		if err == nil {
			s.observe(ch, nil)
			return
		}

		s.log.Warnw("reconnect_failed", "channel", ch.Channel, "attempt", attempt+1, "err", err)
		s.emit(Event{Channel: ch.Channel, Type: EventReconnectFailed, Attempt: attempt + 1, Err: err})
	}

	s.mu.Lock()
	ch.exhausted = true
	s.mu.Unlock()
	s.log.Errorw("reconnect_exhausted", "channel", ch.Channel, "attempts", s.cfg.MaxAttempts)
	s.emit(Event{Channel: ch.Channel, Type: EventReconnectExhausted, Attempt: s.cfg.MaxAttempts})
}
