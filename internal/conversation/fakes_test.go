package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/bperin/intrepreter-gateway/internal/orchestrator"
	"github.com/bperin/intrepreter-gateway/internal/store"
	"github.com/bperin/intrepreter-gateway/internal/stt"
	"github.com/bperin/intrepreter-gateway/internal/transcoder"
	"github.com/bperin/intrepreter-gateway/internal/tts"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

// fakeClient records delivered events
type fakeClient struct {
	id string

	mu       sync.Mutex
	events   []Event
	closed   bool
	failSend bool
}

func newFakeClient(id string) *fakeClient {
	return &fakeClient{id: id}
}

func (c *fakeClient) ID() string { return c.id }

func (c *fakeClient) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *fakeClient) Send(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSend {
		return errors.New("broken pipe")
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *fakeClient) setClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeClient) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func (c *fakeClient) count(eventType string) int {
	n := 0
	for _, ev := range c.Events() {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

// fakeUpstream is a scripted recognition session
type fakeUpstream struct {
	listener   stt.Listener
	connectErr error

	mu        sync.Mutex
	connected bool
	sent      [][]byte
	commits   int
	closes    int
}

func (u *fakeUpstream) Connect(context.Context) error {
	if u.connectErr != nil {
		return u.connectErr
	}
	u.mu.Lock()
	u.connected = true
	u.mu.Unlock()
	u.listener.OnOpen()
	return nil
}

func (u *fakeUpstream) Send(pcm []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.connected {
		return stt.ErrNotConnected
	}
	u.sent = append(u.sent, pcm)
	return nil
}

func (u *fakeUpstream) Commit() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.connected {
		return stt.ErrNotConnected
	}
	u.commits++
	return nil
}

func (u *fakeUpstream) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.connected = false
	u.closes++
	return nil
}

func (u *fakeUpstream) Connected() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.connected
}

func (u *fakeUpstream) stats() (sent, commits, closes int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.sent), u.commits, u.closes
}

type upstreamFactory struct {
	mu         sync.Mutex
	sessions   []*fakeUpstream
	connectErr error
}

func (f *upstreamFactory) New(l stt.Listener) stt.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := &fakeUpstream{listener: l, connectErr: f.connectErr}
	f.sessions = append(f.sessions, u)
	return u
}

func (f *upstreamFactory) setConnectErr(err error) {
	f.mu.Lock()
	f.connectErr = err
	f.mu.Unlock()
}

func (f *upstreamFactory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *upstreamFactory) Last() *fakeUpstream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return nil
	}
	return f.sessions[len(f.sessions)-1]
}

// fakeTranscoder mirrors the accepting rules of the real wrapper
type fakeTranscoder struct {
	listener  transcoder.Listener
	startErr  error
	startGate chan struct{}

	mu        sync.Mutex
	started   bool
	finalized bool
	writes    [][]byte
	stops     int
}

func (f *fakeTranscoder) Start(context.Context) error {
	if f.startGate != nil {
		<-f.startGate
	}
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTranscoder) Write(chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.started || f.finalized || f.stops > 0 {
		return transcoder.ErrNotAccepting
	}
	f.writes = append(f.writes, chunk)
	return nil
}

func (f *fakeTranscoder) Finalize() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.started {
		return transcoder.ErrNotStarted
	}
	if f.finalized {
		return transcoder.ErrDraining
	}
	f.finalized = true
	return nil
}

func (f *fakeTranscoder) Stop() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
}

func (f *fakeTranscoder) stats() (writes, stops int, started bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes), f.stops, f.started
}

type transcoderFactory struct {
	mu        sync.Mutex
	created   []*fakeTranscoder
	startErr  error
	startGate chan struct{}
}

func (f *transcoderFactory) New(l transcoder.Listener) Transcoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	tc := &fakeTranscoder{listener: l, startErr: f.startErr, startGate: f.startGate}
	f.created = append(f.created, tc)
	return tc
}

func (f *transcoderFactory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *transcoderFactory) Last() *fakeTranscoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

// fakeMessages stores messages in memory
type fakeMessages struct {
	mu     sync.Mutex
	saved  []*store.Message
	failOn func(in store.MessageInput) error
}

func (m *fakeMessages) CreateMessage(_ context.Context, in store.MessageInput) (*store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn != nil {
		if err := m.failOn(in); err != nil {
			return nil, err
		}
	}
	msg := &store.Message{
		ID:                fmt.Sprintf("msg-%d", len(m.saved)+1),
		ConversationID:    in.ConversationID,
		Text:              in.Text,
		SenderType:        in.SenderType,
		Language:          in.Language,
		OriginalMessageID: in.OriginalMessageID,
		CreatedAt:         time.Now(),
	}
	m.saved = append(m.saved, msg)
	return msg, nil
}

func (m *fakeMessages) Saved() []*store.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*store.Message(nil), m.saved...)
}

func (m *fakeMessages) byID(id string) *store.Message {
	for _, msg := range m.Saved() {
		if msg.ID == id {
			return msg
		}
	}
	return nil
}

// fakeConversations holds patient languages by conversation id
type fakeConversations struct {
	mu        sync.Mutex
	languages map[string]string
	updates   []string
	findErr   error
	updateErr error
}

func newFakeConversations() *fakeConversations {
	return &fakeConversations{languages: make(map[string]string)}
}

func (c *fakeConversations) FindByID(_ context.Context, id string) (*store.Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.findErr != nil {
		return nil, c.findErr
	}
	return &store.Conversation{ID: id, PatientLanguage: c.languages[id]}, nil
}

func (c *fakeConversations) UpdatePatientLanguage(_ context.Context, id, language string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.updateErr != nil {
		return c.updateErr
	}
	c.languages[id] = language
	c.updates = append(c.updates, language)
	return nil
}

func (c *fakeConversations) Updates() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.updates...)
}

// fakeDetector maps utterance text to a language
type fakeDetector struct {
	languages map[string]string
	err       error
}

func (d *fakeDetector) DetectLanguage(_ context.Context, text string) (string, error) {
	if d.err != nil {
		return UnknownLanguage, d.err
	}
	if lang, ok := d.languages[text]; ok {
		return lang, nil
	}
	return UnknownLanguage, nil
}

type translateCall struct {
	text, source, target string
}

type fakeTranslator struct {
	mu     sync.Mutex
	calls  []translateCall
	result func(text, source, target string) (string, error)
}

func (f *fakeTranslator) Translate(_ context.Context, text, source, target string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, translateCall{text, source, target})
	f.mu.Unlock()
	if f.result == nil {
		return "[" + target + "] " + text, nil
	}
	return f.result(text, source, target)
}

func (f *fakeTranslator) Calls() []translateCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]translateCall(nil), f.calls...)
}

type synthCall struct {
	text, language string
}

type fakeSynthesizer struct {
	mu    sync.Mutex
	calls []synthCall
	err   error
}

func (f *fakeSynthesizer) Synthesize(_ context.Context, text, language string) (*tts.Audio, error) {
	f.mu.Lock()
	f.calls = append(f.calls, synthCall{text, language})
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &tts.Audio{Data: []byte("RIFF" + text), Format: "wav", SampleRate: 24000}, nil
}

func (f *fakeSynthesizer) Calls() []synthCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]synthCall(nil), f.calls...)
}

type fakeCommands struct {
	mu        sync.Mutex
	detected  []string
	command   *orchestrator.Command
	detectErr error
	execErr   error
}

func (f *fakeCommands) DetectCommand(_ context.Context, _ string, text string) (*orchestrator.Command, error) {
	f.mu.Lock()
	f.detected = append(f.detected, text)
	f.mu.Unlock()
	if f.detectErr != nil {
		return nil, f.detectErr
	}
	return f.command, nil
}

func (f *fakeCommands) ExecuteCommand(_ context.Context, _ string, cmd *orchestrator.Command) (*orchestrator.ExecutionResult, error) {
	if f.execErr != nil {
		return nil, f.execErr
	}
	return &orchestrator.ExecutionResult{CommandType: cmd.Type, Success: true, Message: "done"}, nil
}

func (f *fakeCommands) Detected() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.detected...)
}

type testDeps struct {
	messages      *fakeMessages
	conversations *fakeConversations
	detector      *fakeDetector
	translator    *fakeTranslator
	synthesizer   *fakeSynthesizer
	commands      *fakeCommands
}

func newTestDeps() *testDeps {
	return &testDeps{
		messages:      &fakeMessages{},
		conversations: newFakeConversations(),
		detector:      &fakeDetector{languages: map[string]string{}},
		translator:    &fakeTranslator{},
		synthesizer:   &fakeSynthesizer{},
	}
}

func (d *testDeps) Dependencies() Dependencies {
	deps := Dependencies{
		Messages:      d.messages,
		Conversations: d.conversations,
		Detector:      d.detector,
		Translator:    d.translator,
		Synthesizer:   d.synthesizer,
	}
	if d.commands != nil {
		deps.Commands = d.commands
	}
	return deps
}

// recorder collects broadcast events in order
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) broadcast(_ string, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) Types() []string {
	var types []string
	for _, ev := range r.Events() {
		types = append(types, ev.Type)
	}
	return types
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
