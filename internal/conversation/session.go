package conversation

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bperin/intrepreter-gateway/internal/resilience"
	"github.com/bperin/intrepreter-gateway/internal/stt"
	"github.com/bperin/intrepreter-gateway/internal/transcoder"
)

// State is the upstream recognition state of a session
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// session is the per-conversation resource container. The upstream and the
// transcoder are exclusively owned; each carries a generation so callbacks
// from a replaced instance are ignored.
type session struct {
	id     string
	logger zerolog.Logger
	policy *resilience.ReconnectPolicy
	queue  *Queue

	mu            sync.Mutex
	state         State
	upstream      stt.Session
	upstreamGen   uint64
	transcoder    Transcoder
	transcoderGen uint64
	paused        bool
	retry         *time.Timer
	closed        bool
}

func newSession(id string, policy *resilience.ReconnectPolicy, queue *Queue, logger zerolog.Logger) *session {
	return &session{
		id:     id,
		logger: logger,
		policy: policy,
		queue:  queue,
	}
}

// detachLocked clears the owned resources and returns them for release
// outside the lock. Must hold s.mu.
func (s *session) detachLocked() (Transcoder, stt.Session) {
	tc, up := s.transcoder, s.upstream
	s.transcoder = nil
	s.upstream = nil
	s.transcoderGen++
	s.upstreamGen++
	s.state = StateDisconnected
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	return tc, up
}

func (s *session) currentTranscoder() Transcoder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcoder
}

func (s *session) setPaused(paused bool) {
	s.mu.Lock()
	s.paused = paused
	s.mu.Unlock()
}

func (s *session) snapshot() (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.paused
}

func release(logger zerolog.Logger, tc Transcoder, up stt.Session) {
	if tc != nil {
		tc.Stop()
	}
	if up != nil {
		if err := up.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close recognition session")
		}
	}
}

// upstreamListener binds recognition events to one upstream generation
type upstreamListener struct {
	c   *Coordinator
	s   *session
	gen uint64
}

func (l *upstreamListener) OnOpen() {
	l.c.upstreamOpened(l.s, l.gen)
}

func (l *upstreamListener) OnTranscription(t stt.Transcription) {
	l.c.transcriptionCompleted(l.s, l.gen, t)
}

func (l *upstreamListener) OnTransportError(err error) {
	l.c.upstreamLost(l.s, l.gen, false, err.Error())
}

func (l *upstreamListener) OnClose(code int, reason string) {
	l.c.upstreamLost(l.s, l.gen, code == stt.NormalClosure, reason)
}

// transcoderListener binds decoder events to one transcoder generation
type transcoderListener struct {
	c   *Coordinator
	s   *session
	gen uint64
}

var _ transcoder.Listener = (*transcoderListener)(nil)

func (l *transcoderListener) OnData(pcm []byte) {
	l.c.forwardAudio(l.s, l.gen, pcm)
}

func (l *transcoderListener) OnFinished() {
	l.c.transcoderFinished(l.s, l.gen)
}

func (l *transcoderListener) OnError(err error) {
	l.c.transcoderFailed(l.s, l.gen, err)
}
