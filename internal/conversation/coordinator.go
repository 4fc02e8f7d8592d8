package conversation

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bperin/intrepreter-gateway/internal/observability"
	"github.com/bperin/intrepreter-gateway/internal/resilience"
	"github.com/bperin/intrepreter-gateway/internal/stt"
	"github.com/bperin/intrepreter-gateway/internal/transcoder"
)

// Options configures a Coordinator
type Options struct {
	ClinicianLanguage string
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	StepTimeout       time.Duration
	CommandTimeout    time.Duration

	// Clock overrides time.Now for the reconnect policy
	Clock func() time.Time
}

// Coordinator owns every active conversation session. It binds subscribed
// clients, the transcoder, the upstream recognition session and the
// post-transcription pipeline together.
type Coordinator struct {
	ctx    context.Context
	cancel context.CancelFunc

	registry      *Registry
	pipeline      *Pipeline
	newUpstream   stt.Factory
	newTranscoder TranscoderFactory
	opts          Options
	logger        zerolog.Logger

	// mu guards sessions together with registry membership changes.
	// Lock order: c.mu, then session.mu.
	mu       sync.Mutex
	sessions map[string]*session
}

// NewCoordinator creates a coordinator
func NewCoordinator(deps Dependencies, newUpstream stt.Factory, newTranscoder TranscoderFactory, opts Options, logger zerolog.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	logger = logger.With().Str("component", "coordinator").Logger()

	c := &Coordinator{
		ctx:           ctx,
		cancel:        cancel,
		registry:      NewRegistry(logger),
		newUpstream:   newUpstream,
		newTranscoder: newTranscoder,
		opts:          opts,
		logger:        logger,
		sessions:      make(map[string]*session),
	}
	c.pipeline = NewPipeline(deps, PipelineOptions{
		ClinicianLanguage: opts.ClinicianLanguage,
		StepTimeout:       opts.StepTimeout,
		CommandTimeout:    opts.CommandTimeout,
	}, c.Broadcast, logger)
	return c
}

// Subscribe attaches a client to a conversation, creating the session on
// first attach and starting its upstream connection if it is not already
// connecting or connected
func (c *Coordinator) Subscribe(conversationID string, client Client) {
	if err := client.Send(Event{Type: EventBackendConnected, Status: "connected"}); err != nil {
		c.logger.Warn().Err(err).Str("conversation_id", conversationID).Str("client_id", client.ID()).Msg("Failed to greet client")
	}

	c.mu.Lock()
	s, created := c.sessions[conversationID], false
	if s == nil {
		policy := resilience.NewReconnectPolicy(c.opts.ReconnectBase, c.opts.ReconnectMax)
		if c.opts.Clock != nil {
			policy.WithClock(c.opts.Clock)
		}
		queue := c.pipeline.NewQueue(c.ctx, conversationID)
		s = newSession(conversationID, policy, queue, observability.ForConversation(c.logger, conversationID))
		c.sessions[conversationID] = s
		created = true
	}
	// Joining and reading the state under s.mu pairs with the connected
	// broadcast in upstreamOpened, so a client hears openai_connected once.
	s.mu.Lock()
	count := c.registry.Add(conversationID, client)
	connected := s.state == StateConnected
	s.mu.Unlock()
	c.mu.Unlock()

	observability.ClientConnected()
	if created {
		observability.ConversationStarted()
		s.logger.Info().Msg("Conversation session created")
	}
	s.logger.Info().Str("client_id", client.ID()).Int("clients", count).Msg("Client subscribed")

	if connected {
		_ = client.Send(Event{Type: EventUpstreamConnected})
	}

	c.connect(s)
}

// Unsubscribe detaches a client; the last client out tears the session down
func (c *Coordinator) Unsubscribe(conversationID string, client Client) {
	c.mu.Lock()
	remaining, removed := c.registry.Remove(conversationID, client)
	var s *session
	if removed && remaining == 0 {
		s = c.sessions[conversationID]
		delete(c.sessions, conversationID)
	}
	c.mu.Unlock()

	if !removed {
		return
	}
	observability.ClientDisconnected()
	c.logger.Info().
		Str("conversation_id", conversationID).
		Str("client_id", client.ID()).
		Int("clients", remaining).
		Msg("Client unsubscribed")

	if s != nil {
		c.teardown(s)
	}
}

// Broadcast sends an event to every open client of a conversation
func (c *Coordinator) Broadcast(conversationID string, ev Event) {
	c.registry.Broadcast(conversationID, ev)
}

// ActiveConversations returns the number of live sessions
func (c *Coordinator) ActiveConversations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// HandleFrame routes one inbound control frame from client
func (c *Coordinator) HandleFrame(conversationID string, client Client, frame ClientFrame) {
	c.mu.Lock()
	s := c.sessions[conversationID]
	c.mu.Unlock()
	if s == nil {
		_ = client.Send(errorEvent("Conversation is not active"))
		return
	}

	switch frame.Type {
	case FrameAppend:
		chunk, err := base64.StdEncoding.DecodeString(frame.Audio)
		if err != nil {
			_ = client.Send(errorEvent("Invalid base64 audio"))
			return
		}
		if len(chunk) == 0 {
			return
		}
		tc := s.currentTranscoder()
		if tc == nil {
			s.logger.Warn().Int("bytes", len(chunk)).Msg("Transcoder not ready; dropping audio")
			return
		}
		if err := tc.Write(chunk); err != nil {
			s.logger.Warn().Err(err).Int("bytes", len(chunk)).Msg("Transcoder not accepting input; dropping audio")
			return
		}
		observability.RecordAudioBytes("inbound", len(chunk))

	case FrameFinalize:
		tc := s.currentTranscoder()
		if tc == nil {
			s.logger.Warn().Msg("Finalize with no active transcoder")
			return
		}
		if err := tc.Finalize(); err != nil {
			if errors.Is(err, transcoder.ErrDraining) {
				s.logger.Debug().Msg("Finalize ignored; transcoder already draining")
				return
			}
			s.logger.Warn().Err(err).Msg("Finalize rejected")
		}

	case FramePause:
		s.setPaused(true)
		s.logger.Info().Msg("Audio forwarding paused")

	case FrameResume:
		s.setPaused(false)
		s.logger.Info().Msg("Audio forwarding resumed")

	default:
		_ = client.Send(errorEvent("Unknown message type: " + frame.Type))
	}
}

// Shutdown tears down every session and waits for in-flight utterances
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	sessions := make([]*session, 0, len(c.sessions))
	for id, s := range c.sessions {
		sessions = append(sessions, s)
		delete(c.sessions, id)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		c.teardown(s)
	}

	err := c.pipeline.Wait(ctx)
	c.cancel()
	return err
}

func (c *Coordinator) teardown(s *session) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	tc, up := s.detachLocked()
	s.mu.Unlock()

	s.queue.Close()
	release(s.logger, tc, up)
	s.policy.Reset()
	observability.ConversationEnded()
	s.logger.Info().Msg("Conversation session torn down")
}

// connect starts an upstream connection unless one is in progress, the
// session is gone or the reconnect cooldown has not elapsed
func (c *Coordinator) connect(s *session) {
	s.mu.Lock()
	if s.closed || s.state != StateDisconnected {
		s.mu.Unlock()
		return
	}
	if !s.policy.CanAttempt() {
		s.mu.Unlock()
		s.logger.Debug().Time("cooldown_until", s.policy.CooldownUntil()).Msg("Reconnect cooling down")
		return
	}
	s.state = StateConnecting
	s.upstreamGen++
	gen := s.upstreamGen
	up := c.newUpstream(&upstreamListener{c: c, s: s, gen: gen})
	s.upstream = up
	s.mu.Unlock()

	s.logger.Info().Uint("attempt", s.policy.Attempts()).Msg("Connecting to recognition service")

	go func() {
		if err := up.Connect(c.ctx); err != nil {
			c.upstreamLost(s, gen, false, err.Error())
		}
	}()
}

func (c *Coordinator) upstreamOpened(s *session, gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.upstreamGen {
		s.mu.Unlock()
		return
	}
	old := s.transcoder
	s.transcoderGen++
	tgen := s.transcoderGen
	tc := c.newTranscoder(&transcoderListener{c: c, s: s, gen: tgen})
	s.transcoder = tc
	s.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	observability.RecordUpstream("opened")
	s.logger.Info().Msg("Recognition session connected")

	if err := tc.Start(c.ctx); err != nil {
		c.transcoderFailed(s, tgen, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || gen != s.upstreamGen || tgen != s.transcoderGen {
		return
	}
	s.state = StateConnected
	s.policy.Opened()
	c.Broadcast(s.id, Event{Type: EventUpstreamConnected})
}

// upstreamLost handles a closed or failed upstream. A normal closure is an
// intentional shutdown; anything else schedules exactly one retry.
func (c *Coordinator) upstreamLost(s *session, gen uint64, normal bool, detail string) {
	s.mu.Lock()
	if s.closed || gen != s.upstreamGen {
		s.mu.Unlock()
		return
	}
	tc, up := s.detachLocked()
	var delay time.Duration
	if !normal {
		delay = s.policy.Failure()
		s.retry = time.AfterFunc(delay, func() { c.retry(s) })
	}
	s.mu.Unlock()

	release(s.logger, tc, up)

	if normal {
		observability.RecordUpstream("closed")
		s.logger.Info().Str("reason", detail).Msg("Recognition session closed normally")
	} else {
		observability.RecordUpstream("failed")
		observability.RecordReconnectDelay(delay)
		s.logger.Warn().
			Str("reason", detail).
			Uint("attempts", s.policy.Attempts()).
			Dur("retry_in", delay).
			Msg("Recognition session lost; reconnect scheduled")
	}
	c.Broadcast(s.id, Event{Type: EventUpstreamDisconnected})
}

func (c *Coordinator) retry(s *session) {
	s.mu.Lock()
	s.retry = nil
	closed := s.closed
	s.mu.Unlock()

	if closed || c.registry.Count(s.id) == 0 {
		return
	}
	c.connect(s)
}

func (c *Coordinator) transcriptionCompleted(s *session, gen uint64, t stt.Transcription) {
	s.mu.Lock()
	stale := s.closed || gen != s.upstreamGen
	s.mu.Unlock()
	if stale {
		return
	}

	observability.RecordUtterance()
	s.logger.Debug().Str("item_id", t.ItemID).Int("chars", len(t.Text)).Msg("Transcription completed")
	if !s.queue.Push(t.Text) {
		s.logger.Debug().Str("item_id", t.ItemID).Msg("Session closed; transcription dropped")
	}
}

// forwardAudio sends decoded PCM upstream unless the session is paused
func (c *Coordinator) forwardAudio(s *session, gen uint64, pcm []byte) {
	s.mu.Lock()
	if s.closed || gen != s.transcoderGen {
		s.mu.Unlock()
		return
	}
	paused := s.paused
	up := s.upstream
	connected := s.state == StateConnected
	s.mu.Unlock()

	if paused {
		return
	}
	if !connected || up == nil || !up.Connected() {
		s.logger.Warn().Int("bytes", len(pcm)).Msg("Recognition session not connected; dropping decoded audio")
		return
	}
	if err := up.Send(pcm); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to forward audio")
	}
}

// transcoderFinished commits the drained input upstream and installs a
// fresh transcoder for the next stretch of audio
func (c *Coordinator) transcoderFinished(s *session, gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.transcoderGen {
		s.mu.Unlock()
		return
	}
	finished := s.transcoder
	up := s.upstream
	connected := s.state == StateConnected
	var next Transcoder
	var nextGen uint64
	if connected {
		s.transcoderGen++
		nextGen = s.transcoderGen
		next = c.newTranscoder(&transcoderListener{c: c, s: s, gen: nextGen})
	}
	s.transcoder = next
	s.mu.Unlock()

	if finished != nil {
		finished.Stop()
	}
	if connected && up != nil && up.Connected() {
		if err := up.Commit(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to commit audio buffer")
		} else {
			s.logger.Debug().Msg("Audio buffer committed")
		}
	}

	if next != nil {
		if err := next.Start(c.ctx); err != nil {
			c.transcoderFailed(s, nextGen, err)
		}
	}
}

// transcoderFailed tears down the session's resources. While clients remain,
// a reconnect is scheduled on the same backoff as a lost upstream.
func (c *Coordinator) transcoderFailed(s *session, gen uint64, err error) {
	s.mu.Lock()
	if s.closed || gen != s.transcoderGen {
		s.mu.Unlock()
		return
	}
	tc, up := s.detachLocked()
	delay := s.policy.Failure()
	s.retry = time.AfterFunc(delay, func() { c.retry(s) })
	s.mu.Unlock()

	release(s.logger, tc, up)
	observability.RecordTranscoderFailure()
	observability.RecordReconnectDelay(delay)
	s.logger.Error().Err(err).Dur("retry_in", delay).Msg("Transcoder failed; session resources torn down")

	c.Broadcast(s.id, errorEvent("Audio transcoder failed"))
	c.Broadcast(s.id, Event{Type: EventUpstreamDisconnected})
}
