// Package orchestrator drives streaming conversations: it persists the
// message tree while relaying provider output, executes tool calls, and
// keeps session state (tokens, todos, queue, title) current over the event
// broker.
package orchestrator

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quillhq/quill/internal/agents"
	"github.com/quillhq/quill/internal/ai"
	"github.com/quillhq/quill/internal/common/logger"
	"github.com/quillhq/quill/internal/events"
	"github.com/quillhq/quill/internal/files"
	"github.com/quillhq/quill/internal/orchestrator/tools"
	"github.com/quillhq/quill/internal/session/models"
	"github.com/quillhq/quill/internal/session/repository"
)

// Publisher is the event-broker slice the orchestrator needs.
type Publisher interface {
	Publish(ctx context.Context, channel, eventType string, payload map[string]any) (*events.Event, error)
}

// ClientFactory builds a streaming client for a provider/model pair with the
// provider's resolved configuration, and resolves model capability tags. The
// config manager implements it.
type ClientFactory interface {
	CreateClient(ctx context.Context, providerID, modelID string) (ai.Client, error)
	ModelCapabilities(ctx context.Context, providerID, modelID string) (ai.CapabilitySet, error)
}

// TokenCounter estimates token counts for live counters and context
// budgeting.
type TokenCounter interface {
	Count(text string) int
}

// EstimatorFactory builds a counter for a model. Injected so the runtime can
// use tiktoken while tests substitute a fixed-rate counter.
type EstimatorFactory func(model string) (TokenCounter, error)

// Config tunes the streaming loop.
type Config struct {
	DefaultProviderID string
	DefaultModelID    string
	DefaultAgentID    string

	// MaxIterations caps provider round-trips within one Stream call.
	MaxIterations int
	// FirstEventTimeout bounds the wait for the first chunk of each step.
	FirstEventTimeout time.Duration
	// PartPublishEvery debounces part-updated events to one per N deltas.
	PartPublishEvery int
	// MaxOutputTokens is passed through to the provider when set.
	MaxOutputTokens int
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 100
	}
	if c.FirstEventTimeout <= 0 {
		c.FirstEventTimeout = 45 * time.Second
	}
	if c.PartPublishEvery <= 0 {
		c.PartPublishEvery = 10
	}
	if c.DefaultAgentID == "" {
		c.DefaultAgentID = "coder"
	}
	return c
}

// InputPart is one element of an incoming user message.
type InputPart struct {
	Type      string `json:"type"` // text | file
	Text      string `json:"text,omitempty"`
	Path      string `json:"path,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	DataB64   string `json:"dataB64,omitempty"`
}

// StreamInput starts or continues a conversation.
type StreamInput struct {
	SessionID  string      `json:"sessionId,omitempty"`
	ProviderID string      `json:"providerId,omitempty"`
	ModelID    string      `json:"modelId,omitempty"`
	AgentID    string      `json:"agentId,omitempty"`
	Parts      []InputPart `json:"parts"`
}

// StreamResult is the synchronous outcome of a Stream call. The stream
// itself is delivered over the broker.
type StreamResult struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId"`
	Queued    bool   `json:"queued,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Orchestrator owns the per-session streaming lifecycle. At most one stream
// runs per session; messages arriving mid-stream are queued and drained when
// the current response finishes.
type Orchestrator struct {
	store     repository.Store
	files     *files.Service
	publisher Publisher
	clients   ClientFactory
	agents    *agents.Manager
	tools     *tools.Registry
	asks      *AskQueue
	estimator EstimatorFactory
	log       *logger.Logger
	cfg       Config

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the orchestrator.
func New(
	store repository.Store,
	fileSvc *files.Service,
	pub Publisher,
	clients ClientFactory,
	agentMgr *agents.Manager,
	toolReg *tools.Registry,
	asks *AskQueue,
	estimator EstimatorFactory,
	log *logger.Logger,
	cfg Config,
) *Orchestrator {
	return &Orchestrator{
		store:     store,
		files:     fileSvc,
		publisher: pub,
		clients:   clients,
		agents:    agentMgr,
		tools:     toolReg,
		asks:      asks,
		estimator: estimator,
		log:       log.WithFields(zap.String("component", "orchestrator")),
		cfg:       cfg.withDefaults(),
		active:    make(map[string]context.CancelFunc),
	}
}

// Asks exposes the ask queue for RPC answer routing.
func (o *Orchestrator) Asks() *AskQueue { return o.asks }

// IsStreaming reports whether a stream is active for the session.
func (o *Orchestrator) IsStreaming(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[sessionID]
	return ok
}

// Abort cancels the session's active stream. Returns false when idle.
func (o *Orchestrator) Abort(sessionID string) bool {
	o.mu.Lock()
	cancel, ok := o.active[sessionID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Shutdown aborts all active streams and waits for their goroutines.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	for _, cancel := range o.active {
		cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stream accepts a user message and starts (or queues onto) the session's
// response stream. It returns as soon as the stream is running; output
// arrives over the session's event channels.
func (o *Orchestrator) Stream(ctx context.Context, input StreamInput) (*StreamResult, error) {
	if len(input.Parts) == 0 {
		return nil, fmt.Errorf("message has no parts")
	}

	session, created, err := o.ensureSession(ctx, input)
	if err != nil {
		return nil, err
	}

	// A busy session queues the message instead of interleaving streams.
	o.mu.Lock()
	if _, busy := o.active[session.ID]; busy {
		o.mu.Unlock()
		if err := o.enqueue(ctx, session, input.Parts); err != nil {
			return nil, err
		}
		return &StreamResult{Success: true, SessionID: session.ID, Queued: true}, nil
	}
	// Reserve the slot before releasing the lock so a concurrent Stream
	// call queues instead of double-starting.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.active[session.ID] = cancel
	o.mu.Unlock()

	release := func() {
		o.mu.Lock()
		delete(o.active, session.ID)
		o.mu.Unlock()
		cancel()
	}

	userMsg, err := o.persistUserMessage(ctx, session, input.Parts)
	if err != nil {
		release()
		return nil, err
	}
	if created {
		o.publish(ctx, events.ChannelSessions, events.TypeSessionCreated, map[string]any{
			"session": session.Summary(),
		})
	}
	o.publish(ctx, events.ChannelSessionStream(session.ID), events.TypeUserMessageCreated, map[string]any{
		"sessionId": session.ID,
		"messageId": userMsg.ID,
	})

	client, err := o.clients.CreateClient(ctx, session.ProviderID, session.ModelID)
	if err != nil {
		release()
		msg := fmt.Sprintf("provider %s is not configured: %v", session.ProviderID, err)
		if persistErr := o.persistFailedAssistantMessage(ctx, session, msg); persistErr != nil {
			o.log.WithError(persistErr).Error("Failed to persist provider-error message")
		}
		return &StreamResult{Success: false, SessionID: session.ID, Error: msg}, nil
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer release()
		o.run(runCtx, session, client)
	}()

	return &StreamResult{Success: true, SessionID: session.ID}, nil
}

// ensureSession loads the target session or creates one from the input's
// provider/model/agent selection and configured defaults.
func (o *Orchestrator) ensureSession(ctx context.Context, input StreamInput) (*models.Session, bool, error) {
	if input.SessionID != "" {
		session, err := o.store.GetSession(ctx, input.SessionID)
		if err != nil {
			return nil, false, err
		}
		if session != nil {
			return session, false, nil
		}
	}

	providerID := input.ProviderID
	if providerID == "" {
		providerID = o.cfg.DefaultProviderID
	}
	modelID := input.ModelID
	if modelID == "" {
		modelID = o.cfg.DefaultModelID
	}
	agentID := input.AgentID
	if agentID == "" {
		agentID = o.cfg.DefaultAgentID
	}
	if providerID == "" || modelID == "" {
		return nil, false, fmt.Errorf("no provider/model selected and no defaults configured")
	}

	now := time.Now().UTC()
	session := &models.Session{
		ID:         uuid.New().String(),
		ProviderID: providerID,
		ModelID:    modelID,
		AgentID:    agentID,
		NextTodoID: 1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if input.SessionID != "" {
		session.ID = input.SessionID
	}
	if err := o.store.CreateSession(ctx, session); err != nil {
		return nil, false, err
	}
	return session, true, nil
}

// enqueue appends the message's text to the session queue. Attachments are
// not queueable; their text rendering is.
func (o *Orchestrator) enqueue(ctx context.Context, session *models.Session, parts []InputPart) error {
	var texts []string
	for _, part := range parts {
		if part.Type == "" || part.Type == "text" {
			if part.Text != "" {
				texts = append(texts, part.Text)
			}
		}
	}
	content := strings.Join(texts, "\n")
	if content == "" {
		return fmt.Errorf("only text messages can be queued while a stream is active")
	}
	queued := models.QueuedMessage{
		ID:        uuid.New().String(),
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.store.AppendQueuedMessage(ctx, session.ID, queued); err != nil {
		return err
	}
	o.publish(ctx, events.ChannelSession(session.ID), events.TypeSessionUpdated, map[string]any{
		"sessionId":     session.ID,
		"queuedMessage": queued,
	})
	return nil
}

// persistUserMessage writes the incoming message as a single-step user tree.
func (o *Orchestrator) persistUserMessage(ctx context.Context, session *models.Session, parts []InputPart) (*models.Message, error) {
	now := time.Now().UTC()
	msg := &models.Message{
		ID:        uuid.New().String(),
		SessionID: session.ID,
		Role:      models.RoleUser,
		Ordering:  now.UnixNano(),
		Status:    models.StatusCompleted,
		CreatedAt: now,
	}
	if err := o.store.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}
	step := &models.Step{
		ID:        uuid.New().String(),
		MessageID: msg.ID,
		StepIndex: 0,
		Status:    models.StatusCompleted,
		StartedAt: now,
		EndedAt:   &now,
	}
	if err := o.store.CreateStep(ctx, step); err != nil {
		return nil, err
	}

	for i, in := range parts {
		part, err := o.buildUserPart(ctx, step.ID, i, in)
		if err != nil {
			return nil, err
		}
		if err := o.store.UpsertPart(ctx, part); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

// buildUserPart converts one input part, routing file payloads through the
// object store. A failed attachment degrades to an error part so the message
// itself still lands.
func (o *Orchestrator) buildUserPart(ctx context.Context, stepID string, ordering int, in InputPart) (*models.Part, error) {
	now := time.Now().UTC()
	part := &models.Part{
		ID:        uuid.New().String(),
		StepID:    stepID,
		Ordering:  ordering,
		Status:    models.StatusCompleted,
		CreatedAt: now,
	}
	switch in.Type {
	case "", "text":
		part.Type = models.PartTypeText
		part.Content = in.Text
	case "file":
		data, err := base64.StdEncoding.DecodeString(in.DataB64)
		if err != nil {
			return nil, fmt.Errorf("attachment %s: invalid base64: %w", in.Path, err)
		}
		part.Type = models.PartTypeFile
		part.FilePath = in.Path
		part.MediaType = in.MediaType
		part.FileSize = int64(len(data))
		if o.files != nil {
			stored, err := o.files.Store(ctx, in.Path, in.MediaType, data)
			if err != nil {
				part.Type = models.PartTypeError
				part.Status = models.StatusError
				part.Error = fmt.Sprintf("failed to store attachment %s: %v", in.Path, err)
				return part, nil
			}
			part.FileID = stored.ID
			if err := o.files.AttachToStep(ctx, stored.ID, stepID); err != nil {
				o.log.WithError(err).Warn("Failed to attach file to step")
			}
		} else {
			part.FileB64 = in.DataB64
		}
	default:
		return nil, fmt.Errorf("unknown part type %q", in.Type)
	}
	return part, nil
}

// persistFailedAssistantMessage records a terminal error response without
// starting a stream.
func (o *Orchestrator) persistFailedAssistantMessage(ctx context.Context, session *models.Session, errText string) error {
	now := time.Now().UTC()
	msg := &models.Message{
		ID:        uuid.New().String(),
		SessionID: session.ID,
		Role:      models.RoleAssistant,
		Ordering:  now.UnixNano(),
		Status:    models.StatusError,
		CreatedAt: now,
	}
	if err := o.store.CreateMessage(ctx, msg); err != nil {
		return err
	}
	step := &models.Step{
		ID:         uuid.New().String(),
		MessageID:  msg.ID,
		StepIndex:  0,
		ProviderID: session.ProviderID,
		ModelID:    session.ModelID,
		Status:     models.StatusError,
		StartedAt:  now,
		EndedAt:    &now,
	}
	if err := o.store.CreateStep(ctx, step); err != nil {
		return err
	}
	part := &models.Part{
		ID:        uuid.New().String(),
		StepID:    step.ID,
		Ordering:  0,
		Type:      models.PartTypeError,
		Status:    models.StatusError,
		Error:     errText,
		CreatedAt: now,
	}
	if err := o.store.UpsertPart(ctx, part); err != nil {
		return err
	}
	reason := ai.FinishError
	if err := o.store.UpdateMessageStatus(ctx, msg.ID, models.StatusError, &reason); err != nil {
		return err
	}
	o.publish(ctx, events.ChannelSessionStream(session.ID), events.TypeMessageUpdated, map[string]any{
		"sessionId": session.ID,
		"messageId": msg.ID,
		"status":    models.StatusError,
		"error":     errText,
	})
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, channel, eventType string, payload map[string]any) {
	if o.publisher == nil {
		return
	}
	if _, err := o.publisher.Publish(ctx, channel, eventType, payload); err != nil {
		o.log.WithError(err).Warn("Failed to publish event",
			zap.String("channel", channel), zap.String("type", eventType))
	}
}

// setTitle stores a generated title once. Existing titles are never
// overwritten.
func (o *Orchestrator) setTitle(ctx context.Context, sessionID, title string) {
	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil || session == nil || session.Title != nil {
		return
	}
	session.Title = &title
	session.UpdatedAt = time.Now().UTC()
	if err := o.store.UpdateSession(ctx, session); err != nil {
		o.log.WithError(err).Warn("Failed to store session title")
		return
	}
	payload := map[string]any{
		"sessionId": sessionID,
		"title":     title,
	}
	o.publish(ctx, events.ChannelSession(sessionID), events.TypeSessionUpdated, payload)
	o.publish(ctx, events.ChannelSessions, events.TypeSessionUpdated, payload)
}
