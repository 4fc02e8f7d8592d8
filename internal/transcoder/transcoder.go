package transcoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/bperin/intrepreter-gateway/internal/audio"
	"github.com/rs/zerolog"
)

var (
	// ErrNotAccepting is returned by Write when the input side is closed or not open yet
	ErrNotAccepting = errors.New("transcoder is not accepting input")
	// ErrDraining is returned by Finalize while a previous finalize is still draining
	ErrDraining = errors.New("transcoder is already draining")
	// ErrNotStarted is returned by Finalize before Start
	ErrNotStarted = errors.New("transcoder has not been started")
	// ErrStopped is returned by Start after Stop
	ErrStopped = errors.New("transcoder has been stopped")
)

const (
	readBufferSize     = 32 * 1024
	maxStderrBytes     = 4 * 1024
	defaultGracePeriod = 2 * time.Second
)

// Listener receives decoded output. OnData is never called after the single
// terminal event (OnFinished or OnError). No event is delivered after Stop.
type Listener interface {
	OnData(pcm []byte)
	OnFinished()
	OnError(err error)
}

// Config describes the subprocess to run
type Config struct {
	Binary      string
	Args        []string
	GracePeriod time.Duration // SIGTERM to SIGKILL delay on Stop
}

// FFmpegArgs returns arguments decoding <inputFormat> on stdin to mono
// little-endian PCM16 at sampleRate on stdout.
func FFmpegArgs(inputFormat string, sampleRate int) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", inputFormat,
		"-i", "pipe:0",
		"-ac", "1",
		"-ar", strconv.Itoa(sampleRate),
		"-f", "s16le",
		"pipe:1",
	}
}

type state int

const (
	stateIdle state = iota
	stateRunning
	stateDraining
	stateClosed
)

// Transcoder owns one transcoding subprocess. Input is written to stdin,
// decoded PCM read from stdout is re-framed on sample boundaries.
type Transcoder struct {
	cfg      Config
	listener Listener
	logger   zerolog.Logger
	framer   *audio.Framer

	mu     sync.Mutex
	state  state
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	cancel context.CancelFunc

	// serializes stdin writes against Finalize closing the pipe
	writeMu sync.Mutex

	stopped  atomic.Bool
	terminal sync.Once
	done     chan struct{}
}

// New creates a transcoder; Start spawns the process
func New(cfg Config, listener Listener, logger zerolog.Logger) *Transcoder {
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	return &Transcoder{
		cfg:      cfg,
		listener: listener,
		logger:   logger.With().Str("component", "transcoder").Logger(),
		framer:   audio.NewFramer(),
		done:     make(chan struct{}),
	}
}

// Start spawns the subprocess. A spawn failure is returned and no event is emitted.
func (t *Transcoder) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped.Load() {
		return ErrStopped
	}

	switch t.state {
	case stateClosed:
		return ErrStopped
	case stateRunning, stateDraining:
		return nil
	}

	if t.cfg.Binary == "" {
		return fmt.Errorf("transcoder: binary is required")
	}

	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := exec.CommandContext(procCtx, t.cfg.Binary, t.cfg.Args...) //nolint:gosec // binary comes from configuration

	// Own process group so the whole tree is signalled
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = t.cfg.GracePeriod

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("transcoder: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("transcoder: stdout pipe: %w", err)
	}
	stderr := &boundedBuffer{limit: maxStderrBytes}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("transcoder: failed to start %s: %w", t.cfg.Binary, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.cancel = cancel
	t.state = stateRunning

	t.logger.Debug().Int("pid", cmd.Process.Pid).Msg("Transcoder started")

	go t.run(stdout, stderr)
	return nil
}

// run pumps stdout until EOF, reaps the process and emits the terminal event
func (t *Transcoder) run(stdout io.Reader, stderr *boundedBuffer) {
	defer close(t.done)

	buf := make([]byte, readBufferSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 && !t.stopped.Load() {
			if pcm := t.framer.Push(buf[:n]); len(pcm) > 0 {
				t.listener.OnData(pcm)
			}
		}
		if err != nil {
			break
		}
	}

	waitErr := t.cmd.Wait()

	t.mu.Lock()
	t.state = stateClosed
	t.mu.Unlock()

	if t.stopped.Load() {
		return
	}

	if waitErr != nil {
		msg := strings.TrimSpace(stderr.String())
		t.logger.Error().Err(waitErr).Str("stderr", msg).Msg("Transcoder exited abnormally")
		if msg != "" {
			waitErr = fmt.Errorf("%w: %s", waitErr, msg)
		}
		t.emitTerminal(func() { t.listener.OnError(fmt.Errorf("transcoder exited: %w", waitErr)) })
		return
	}

	t.logger.Debug().Int("dropped_bytes", t.framer.Pending()).Msg("Transcoder finished")
	t.emitTerminal(t.listener.OnFinished)
}

func (t *Transcoder) emitTerminal(fn func()) {
	t.terminal.Do(fn)
}

// Write feeds compressed input to the subprocess
func (t *Transcoder) Write(chunk []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	if t.state != stateRunning || t.stopped.Load() {
		t.mu.Unlock()
		return ErrNotAccepting
	}
	stdin := t.stdin
	t.mu.Unlock()

	if _, err := stdin.Write(chunk); err != nil {
		return fmt.Errorf("transcoder: write: %w", err)
	}
	return nil
}

// Finalize closes the input side; OnFinished follows once output is drained
func (t *Transcoder) Finalize() error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped.Load() {
		return ErrNotAccepting
	}

	switch t.state {
	case stateIdle:
		return ErrNotStarted
	case stateDraining:
		return ErrDraining
	case stateClosed:
		return ErrNotAccepting
	}

	t.state = stateDraining
	if err := t.stdin.Close(); err != nil {
		return fmt.Errorf("transcoder: close stdin: %w", err)
	}
	return nil
}

// Stop terminates the subprocess. Safe to call more than once and before Start.
func (t *Transcoder) Stop() {
	if !t.stopped.CompareAndSwap(false, true) {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == stateIdle {
		t.state = stateClosed
		close(t.done)
		return
	}

	if t.stdin != nil {
		_ = t.stdin.Close()
	}
	if t.cancel != nil {
		t.cancel()
	}
	t.logger.Debug().Msg("Transcoder stopped")
}

// Done is closed once the subprocess has been reaped
func (t *Transcoder) Done() <-chan struct{} {
	return t.done
}

// boundedBuffer keeps the first limit bytes of stderr
type boundedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
