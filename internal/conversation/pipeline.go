package conversation

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bperin/intrepreter-gateway/internal/observability"
	"github.com/bperin/intrepreter-gateway/internal/store"
)

// UnknownLanguage is the detector result for undetectable text
const UnknownLanguage = "unknown"

const (
	defaultStepTimeout    = 30 * time.Second
	defaultCommandTimeout = 30 * time.Second
)

// BroadcastFunc delivers an event to every client of a conversation
type BroadcastFunc func(conversationID string, ev Event)

// PipelineOptions tunes the post-transcription pipeline
type PipelineOptions struct {
	ClinicianLanguage string
	StepTimeout       time.Duration
	CommandTimeout    time.Duration
}

// Pipeline processes completed utterances: detection, persistence,
// translation and synthesis, with command handling on the side
type Pipeline struct {
	deps      Dependencies
	opts      PipelineOptions
	broadcast BroadcastFunc
	logger    zerolog.Logger
	tracer    trace.Tracer

	// utterance runs and command branches still in flight
	inflight sync.WaitGroup
}

// NewPipeline creates a pipeline
func NewPipeline(deps Dependencies, opts PipelineOptions, broadcast BroadcastFunc, logger zerolog.Logger) *Pipeline {
	if opts.ClinicianLanguage == "" {
		opts.ClinicianLanguage = "en"
	}
	if opts.StepTimeout == 0 {
		opts.StepTimeout = defaultStepTimeout
	}
	if opts.CommandTimeout == 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}
	return &Pipeline{
		deps:      deps,
		opts:      opts,
		broadcast: broadcast,
		logger:    logger,
		tracer:    observability.Tracer(),
	}
}

// Queue feeds one conversation's utterances through the pipeline one at a
// time, in the order they were pushed
type Queue struct {
	p              *Pipeline
	ctx            context.Context
	conversationID string

	mu      sync.Mutex
	pending []string
	closed  bool
	wake    chan struct{}
}

// NewQueue starts the worker for a conversation. The worker counts as
// in-flight work until the queue is closed and drained.
func (p *Pipeline) NewQueue(ctx context.Context, conversationID string) *Queue {
	q := &Queue{
		p:              p,
		ctx:            ctx,
		conversationID: conversationID,
		wake:           make(chan struct{}, 1),
	}
	p.inflight.Add(1)
	go q.run()
	return q
}

// Push enqueues an utterance; false once the queue is closed
func (q *Queue) Push(text string) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, text)
	q.mu.Unlock()
	q.signal()
	return true
}

// Close stops accepting utterances. Already queued ones still run.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run() {
	defer q.p.inflight.Done()
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.wake
			continue
		}
		text := q.pending[0]
		q.pending[0] = ""
		q.pending = q.pending[1:]
		q.mu.Unlock()

		q.p.Process(q.ctx, q.conversationID, text)
	}
}

// Wait blocks until in-flight work finishes or ctx is done
func (p *Pipeline) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SenderRole classifies the speaker from the detected language
func SenderRole(detectedLanguage, clinicianLanguage string) string {
	if detectedLanguage == clinicianLanguage || detectedLanguage == UnknownLanguage {
		return store.SenderClinician
	}
	return store.SenderPatient
}

// TranslationDirection decides whether and which way to translate
func TranslationDirection(role, detectedLanguage, patientLanguage, clinicianLanguage string) (bool, string, string) {
	switch role {
	case store.SenderPatient:
		if detectedLanguage != clinicianLanguage && detectedLanguage != UnknownLanguage && detectedLanguage != "" {
			return true, detectedLanguage, clinicianLanguage
		}
	case store.SenderClinician:
		if detectedLanguage == clinicianLanguage &&
			patientLanguage != "" && patientLanguage != clinicianLanguage && patientLanguage != UnknownLanguage {
			return true, clinicianLanguage, patientLanguage
		}
	}
	return false, "", ""
}

// Process runs the pipeline for one utterance. Whitespace-only text is
// ignored entirely; otherwise processing_completed is always the last event.
func (p *Pipeline) Process(ctx context.Context, conversationID, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	logger := observability.ForConversation(p.logger, conversationID)
	ctx, span := p.tracer.Start(ctx, "pipeline.process", trace.WithAttributes(
		attribute.String("conversation.id", conversationID),
	))
	defer span.End()
	defer p.broadcast(conversationID, Event{Type: EventProcessingCompleted})

	language := p.detectLanguage(ctx, conversationID, text, logger)
	role := SenderRole(language, p.opts.ClinicianLanguage)
	span.SetAttributes(attribute.String("language", language), attribute.String("sender", role))

	patientLanguage := p.syncPatientLanguage(ctx, conversationID, role, language, logger)

	if role == store.SenderClinician && p.deps.Commands != nil {
		p.inflight.Add(1)
		go func() {
			defer p.inflight.Done()
			p.runCommand(ctx, conversationID, text, logger)
		}()
	}

	original, err := p.saveMessage(ctx, "save_message", store.MessageInput{
		ConversationID: conversationID,
		Text:           text,
		SenderType:     role,
		Language:       language,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to save message; skipping translation and synthesis")
		span.SetStatus(codes.Error, "save failed")
		p.broadcast(conversationID, errorEvent("Failed to save message"))
		return
	}
	p.broadcast(conversationID, Event{Type: EventNewMessage, Payload: original})

	speakText, speakLanguage := text, language
	if ok, source, target := TranslationDirection(role, language, patientLanguage, p.opts.ClinicianLanguage); ok {
		if translated := p.translate(ctx, conversationID, original, source, target, logger); translated != "" {
			speakText, speakLanguage = translated, target
		}
	}

	p.synthesize(ctx, conversationID, original.ID, speakText, speakLanguage, logger)
}

func (p *Pipeline) detectLanguage(ctx context.Context, conversationID, text string, logger zerolog.Logger) string {
	ctx, span := p.tracer.Start(ctx, "pipeline.detect_language")
	defer span.End()
	timer := observability.StartStep("detect_language")

	stepCtx, cancel := context.WithTimeout(ctx, p.opts.StepTimeout)
	defer cancel()

	language, err := p.deps.Detector.DetectLanguage(stepCtx, text)
	timer.End(err == nil)
	if err != nil {
		logger.Warn().Err(err).Msg("Language detection failed")
		span.RecordError(err)
		p.broadcast(conversationID, errorEvent("Language detection failed"))
		return UnknownLanguage
	}

	language = strings.ToLower(strings.TrimSpace(language))
	if language == "" {
		return UnknownLanguage
	}
	return language
}

// syncPatientLanguage returns the stored patient language, updating it first
// when a patient utterance is in a different language
func (p *Pipeline) syncPatientLanguage(ctx context.Context, conversationID, role, language string, logger zerolog.Logger) string {
	ctx, span := p.tracer.Start(ctx, "pipeline.patient_language")
	defer span.End()

	stepCtx, cancel := context.WithTimeout(ctx, p.opts.StepTimeout)
	defer cancel()

	conv, err := p.deps.Conversations.FindByID(stepCtx, conversationID)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to load conversation; treating patient language as unset")
		span.RecordError(err)
		return ""
	}

	stored := conv.PatientLanguage
	if role != store.SenderPatient || language == stored {
		return stored
	}

	timer := observability.StartStep("update_patient_language")
	err = p.deps.Conversations.UpdatePatientLanguage(stepCtx, conversationID, language)
	timer.End(err == nil)
	if err != nil {
		logger.Warn().Err(err).Str("language", language).Msg("Failed to update patient language")
		span.RecordError(err)
		return stored
	}

	logger.Info().Str("from", stored).Str("to", language).Msg("Patient language updated")
	return language
}

func (p *Pipeline) saveMessage(ctx context.Context, step string, in store.MessageInput) (*store.Message, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline."+step)
	defer span.End()
	timer := observability.StartStep(step)

	stepCtx, cancel := context.WithTimeout(ctx, p.opts.StepTimeout)
	defer cancel()

	msg, err := p.deps.Messages.CreateMessage(stepCtx, in)
	if err == nil && (msg == nil || msg.ID == "") {
		err = fmt.Errorf("message service returned no id")
	}
	timer.End(err == nil)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return msg, nil
}

// translate returns the translated text, or "" when the original should be used
func (p *Pipeline) translate(ctx context.Context, conversationID string, original *store.Message, source, target string, logger zerolog.Logger) string {
	ctx, span := p.tracer.Start(ctx, "pipeline.translate", trace.WithAttributes(
		attribute.String("source", source),
		attribute.String("target", target),
	))
	defer span.End()
	timer := observability.StartStep("translate")

	stepCtx, cancel := context.WithTimeout(ctx, p.opts.StepTimeout)
	translated, err := p.deps.Translator.Translate(stepCtx, original.Text, source, target)
	cancel()

	translated = strings.TrimSpace(translated)
	timer.End(err == nil && translated != "")
	if err != nil || translated == "" {
		if err != nil {
			span.RecordError(err)
		}
		logger.Warn().Err(err).Str("source", source).Str("target", target).Msg("Translation unavailable; using original text")
		p.broadcast(conversationID, errorEvent(fmt.Sprintf("Translation from %s to %s failed", source, target)))
		return ""
	}

	saved, err := p.saveMessage(ctx, "save_translation", store.MessageInput{
		ConversationID:    conversationID,
		Text:              translated,
		SenderType:        store.SenderTranslation,
		Language:          target,
		OriginalMessageID: original.ID,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to save translation")
		p.broadcast(conversationID, errorEvent("Failed to save translation"))
		return translated
	}

	p.broadcast(conversationID, Event{Type: EventNewMessage, Payload: saved})
	return translated
}

func (p *Pipeline) synthesize(ctx context.Context, conversationID, anchorID, text, language string, logger zerolog.Logger) {
	if strings.TrimSpace(text) == "" {
		return
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.synthesize")
	defer span.End()
	timer := observability.StartStep("synthesize")

	stepCtx, cancel := context.WithTimeout(ctx, p.opts.StepTimeout)
	defer cancel()

	clip, err := p.deps.Synthesizer.Synthesize(stepCtx, text, language)
	timer.End(err == nil)
	if err != nil {
		span.RecordError(err)
		logger.Error().Err(err).Str("language", language).Msg("Speech synthesis failed")
		p.broadcast(conversationID, errorEvent("Speech synthesis failed"))
		return
	}

	p.broadcast(conversationID, Event{
		Type: EventTTSAudio,
		Payload: TTSAudioPayload{
			AudioBase64:       base64.StdEncoding.EncodeToString(clip.Data),
			Format:            clip.Format,
			OriginalMessageID: anchorID,
		},
	})
}

// runCommand is not on the utterance's critical path and may outlive it
func (p *Pipeline) runCommand(ctx context.Context, conversationID, text string, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.CommandTimeout)
	defer cancel()
	ctx, span := p.tracer.Start(ctx, "pipeline.command")
	defer span.End()

	timer := observability.StartStep("detect_command")
	cmd, err := p.deps.Commands.DetectCommand(ctx, conversationID, text)
	timer.End(err == nil)
	if err != nil {
		span.RecordError(err)
		logger.Warn().Err(err).Msg("Command detection failed")
		p.broadcast(conversationID, errorEvent("Command detection failed"))
		return
	}
	if cmd == nil {
		return
	}

	timer = observability.StartStep("execute_command")
	result, err := p.deps.Commands.ExecuteCommand(ctx, conversationID, cmd)
	timer.End(err == nil)
	if err != nil {
		span.RecordError(err)
		logger.Error().Err(err).Str("command", cmd.Type).Msg("Command execution failed")
		p.broadcast(conversationID, errorEvent(fmt.Sprintf("Command %s failed", cmd.Type)))
		return
	}

	logger.Info().Str("command", cmd.Type).Msg("Command executed")
	p.broadcast(conversationID, Event{Type: EventCommandExecuted, Payload: result})
}
