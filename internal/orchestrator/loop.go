package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quillhq/quill/internal/ai"
	"github.com/quillhq/quill/internal/events"
	"github.com/quillhq/quill/internal/session/models"
)

// run drives one response stream to a terminal state. It owns the session's
// active slot for its whole lifetime.
func (o *Orchestrator) run(ctx context.Context, session *models.Session, client ai.Client) {
	status := newStatusManager(ctx, o.publisher, session.ID)
	defer status.Close(context.WithoutCancel(ctx))

	var counter TokenCounter
	if o.estimator != nil {
		c, err := o.estimator(session.ModelID)
		if err != nil {
			o.log.WithError(err).Warn("Token estimator unavailable", zap.String("model", session.ModelID))
		} else {
			counter = c
		}
	}

	caps := o.loadCapabilities(ctx, session)

	msg, err := o.beginAssistantMessage(ctx, session)
	if err != nil {
		o.log.WithError(err).Error("Failed to create assistant message")
		return
	}

	stepIndex := 0
	for iteration := 0; ; iteration++ {
		if iteration >= o.cfg.MaxIterations {
			o.finalizeMessage(ctx, session, msg, models.StatusError,
				fmt.Sprintf("stopped after %d model round-trips", o.cfg.MaxIterations))
			return
		}

		trees, err := o.store.ListMessageTrees(ctx, session.ID)
		if err != nil {
			o.finalizeMessage(ctx, session, msg, models.StatusError, err.Error())
			return
		}
		history := buildHistory(trees, caps)

		system := o.agents.BuildSystemPrompt(session.AgentID, session.EnabledRuleIDs)
		untitled := session.Title == nil

		tracker := o.ensureBaseTokens(ctx, session, counter, system, history)

		var entries []toolEntry
		if len(caps) == 0 || caps.Has(ai.CapabilityTools) {
			toolList := o.tools.List(session.EnabledToolIDs)
			entries = make([]toolEntry, 0, len(toolList))
			for _, t := range toolList {
				entries = append(entries, toolEntry{name: t.Name(), description: t.Description(), schema: t.InputSchema()})
			}
		}

		now := time.Now().UTC()
		step := &models.Step{
			ID:           uuid.New().String(),
			MessageID:    msg.ID,
			StepIndex:    stepIndex,
			ProviderID:   session.ProviderID,
			ModelID:      session.ModelID,
			SystemPrompt: system,
			Status:       models.StatusActive,
			StartedAt:    now,
		}
		if err := o.store.CreateStep(ctx, step); err != nil {
			o.finalizeMessage(ctx, session, msg, models.StatusError, err.Error())
			return
		}

		req := ai.Request{
			Model:     session.ModelID,
			System:    system,
			Messages:  history,
			Tools:     toolDefinitions(entries),
			MaxTokens: o.cfg.MaxOutputTokens,
		}
		ch, err := client.Stream(ctx, req)
		if err != nil {
			o.failStep(ctx, step, err.Error())
			o.finalizeMessage(ctx, session, msg, models.StatusError, err.Error())
			return
		}

		// First message of an untitled session: ask for a title beside the
		// main stream. The side request never blocks this loop.
		if untitled && iteration == 0 && len(trees) == 2 {
			o.wg.Add(1)
			go o.generateTitle(context.WithoutCancel(ctx), session, client, history)
		}

		runner := &stepRunner{
			o:       o,
			session: session,
			msg:     msg,
			step:    step,
			tracker: tracker,
		}
		if untitled {
			titleCtx := context.WithoutCancel(ctx)
			runner.inline = NewInlineParser(func(title string) {
				o.setTitle(titleCtx, session.ID, title)
			})
		}
		outcome := runner.consume(ctx, ch)

		o.finalizeStep(ctx, step, outcome)
		if outcome.usage != nil {
			o.applyUsage(ctx, session, step.ID, outcome.usage, tracker)
		}

		switch {
		case outcome.aborted:
			o.recordAbortPart(ctx, runner)
			o.finalizeMessage(ctx, session, msg, models.StatusAbort, "")
			return

		case outcome.err != nil:
			o.finalizeMessage(ctx, session, msg, models.StatusError, outcome.err.Error())
			return

		case outcome.finishReason == ai.FinishToolCalls:
			if !o.executeTools(ctx, session, runner, status) {
				o.recordAbortPart(ctx, runner)
				o.finalizeMessage(ctx, session, msg, models.StatusAbort, "")
				return
			}
			stepIndex++

		default:
			// finish=stop (or length). A message only lands completed when
			// the finish event carried the provider's usage receipt.
			final := models.StatusCompleted
			detail := outcome.finishReason
			if outcome.usage == nil {
				final = models.StatusError
				detail = "provider finished without usage accounting"
			}
			// Queued messages extend the turn.
			drained, err := o.drainQueue(ctx, session)
			if err != nil {
				o.log.WithError(err).Warn("Failed to drain message queue")
			}
			if drained {
				o.finalizeMessage(ctx, session, msg, final, detail)
				next, err := o.beginAssistantMessage(ctx, session)
				if err != nil {
					o.log.WithError(err).Error("Failed to create follow-up assistant message")
					return
				}
				msg = next
				stepIndex = 0
				continue
			}
			o.finalizeMessage(ctx, session, msg, final, detail)
			return
		}
	}
}

func (o *Orchestrator) beginAssistantMessage(ctx context.Context, session *models.Session) (*models.Message, error) {
	now := time.Now().UTC()
	msg := &models.Message{
		ID:        uuid.New().String(),
		SessionID: session.ID,
		Role:      models.RoleAssistant,
		Ordering:  now.UnixNano(),
		Status:    models.StatusActive,
		CreatedAt: now,
	}
	if err := o.store.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}
	o.publish(ctx, events.ChannelSessionStream(session.ID), events.TypeAssistantMessageCreated, map[string]any{
		"sessionId": session.ID,
		"messageId": msg.ID,
	})
	return msg, nil
}

// loadCapabilities resolves the model's capability tags, which gate the tool
// catalog and file-vs-text encoding. An empty set means the lookup failed or
// knows nothing; the loop then assumes a fully capable model.
func (o *Orchestrator) loadCapabilities(ctx context.Context, session *models.Session) ai.CapabilitySet {
	caps, err := o.clients.ModelCapabilities(ctx, session.ProviderID, session.ModelID)
	if err != nil {
		o.log.WithError(err).Warn("Model capability lookup failed",
			zap.String("provider", session.ProviderID), zap.String("model", session.ModelID))
		return nil
	}
	return caps
}

// ensureBaseTokens computes and caches the base-context estimate on first
// use, then returns a tracker seeded with it.
func (o *Orchestrator) ensureBaseTokens(ctx context.Context, session *models.Session, counter TokenCounter, system string, history []ai.Message) *deltaTracker {
	if counter == nil {
		return nil
	}
	if session.BaseContextTokens == nil {
		base := int64(counter.Count(system))
		for _, msg := range history {
			for _, part := range msg.Parts {
				base += int64(counter.Count(part.Text + part.Result))
			}
		}
		session.BaseContextTokens = &base
		if err := o.store.SetSessionTokens(ctx, session.ID, session.TotalTokens, &base); err != nil {
			o.log.WithError(err).Warn("Failed to cache base context tokens")
		}
	}
	return &deltaTracker{counter: counter, base: *session.BaseContextTokens}
}

// applyUsage replaces the streamed estimate with the provider's accounting.
func (o *Orchestrator) applyUsage(ctx context.Context, session *models.Session, stepID string, usage *ai.Usage, tracker *deltaTracker) {
	ctx = context.WithoutCancel(ctx)
	if err := o.store.UpsertStepUsage(ctx, &models.StepUsage{
		StepID:           stepID,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
	}); err != nil {
		o.log.WithError(err).Warn("Failed to record step usage")
	}

	session.TotalTokens = usage.TotalTokens
	if tracker != nil {
		tracker.settle(usage.TotalTokens)
	}
	if err := o.store.SetSessionTokens(ctx, session.ID, session.TotalTokens, session.BaseContextTokens); err != nil {
		o.log.WithError(err).Warn("Failed to store session tokens")
	}
	o.publish(ctx, events.ChannelSessionStream(session.ID), events.TypeSessionTokensUpdated, map[string]any{
		"sessionId":     session.ID,
		"totalTokens":   session.TotalTokens,
		"authoritative": true,
	})
}

// executeTools runs every pending tool call of the finished step in order.
// Returns false when the run context was cancelled mid-execution.
func (o *Orchestrator) executeTools(ctx context.Context, session *models.Session, runner *stepRunner, status *StatusManager) bool {
	for _, part := range runner.toolParts {
		if part.Status.Terminal() {
			continue
		}
		select {
		case <-ctx.Done():
			return false
		default:
		}

		tool, ok := o.tools.Get(part.ToolName)
		if !ok {
			part.Status = models.StatusError
			part.Error = fmt.Sprintf("unknown tool %q", part.ToolName)
		} else {
			status.SetTool(ctx, tool.Label(part.Input))
			result, err := tool.Execute(ctx, session.ID, part.Input)
			status.SetTool(ctx, "")
			if err != nil {
				if errors.Is(err, context.Canceled) {
					part.Status = models.StatusAbort
					_ = o.store.UpsertPart(context.WithoutCancel(ctx), part)
					return false
				}
				part.Status = models.StatusError
				part.Error = err.Error()
			} else {
				part.Status = models.StatusCompleted
				part.Result = result
			}
		}

		if err := o.store.UpsertPart(ctx, part); err != nil {
			o.log.WithError(err).Error("Failed to persist tool result")
		}
		runner.publishPart(ctx, part)
		o.publish(ctx, events.ChannelSessionStream(session.ID), events.TypeToolResult, map[string]any{
			"sessionId":  session.ID,
			"messageId":  runner.msg.ID,
			"toolCallId": part.ToolCallID,
			"toolName":   part.ToolName,
			"isError":    part.Status == models.StatusError,
		})

		if part.ToolName == "todo" {
			o.refreshTodoStatus(ctx, session.ID, status)
		}
	}
	return true
}

func (o *Orchestrator) refreshTodoStatus(ctx context.Context, sessionID string, status *StatusManager) {
	todos, err := o.store.ListTodos(ctx, sessionID)
	if err != nil {
		return
	}
	var activeForm string
	for _, todo := range todos {
		if todo.Status == models.TodoInProgress {
			activeForm = todo.ActiveForm
			break
		}
	}
	status.SetTodo(ctx, activeForm)
}

// drainQueue folds queued user messages into one new user message. Returns
// true when the turn should continue with another assistant message.
func (o *Orchestrator) drainQueue(ctx context.Context, session *models.Session) (bool, error) {
	queued, err := o.store.DrainMessageQueue(ctx, session.ID)
	if err != nil || len(queued) == 0 {
		return false, err
	}

	texts := make([]string, 0, len(queued))
	for _, q := range queued {
		texts = append(texts, q.Content)
	}
	parts := []InputPart{{Type: "text", Text: strings.Join(texts, "\n\n")}}
	userMsg, err := o.persistUserMessage(ctx, session, parts)
	if err != nil {
		return false, err
	}

	o.publish(ctx, events.ChannelSessionStream(session.ID), events.TypeQueueCleared, map[string]any{
		"sessionId": session.ID,
		"count":     len(queued),
	})
	o.publish(ctx, events.ChannelSessionStream(session.ID), events.TypeUserMessageCreated, map[string]any{
		"sessionId": session.ID,
		"messageId": userMsg.ID,
	})
	return true, nil
}

func (o *Orchestrator) finalizeStep(ctx context.Context, step *models.Step, outcome stepOutcome) {
	ctx = context.WithoutCancel(ctx)
	now := time.Now().UTC()
	step.EndedAt = &now
	step.DurationMS = now.Sub(step.StartedAt).Milliseconds()
	step.FinishReason = outcome.finishReason
	switch {
	case outcome.aborted:
		step.Status = models.StatusAbort
	case outcome.err != nil:
		step.Status = models.StatusError
	default:
		step.Status = models.StatusCompleted
	}
	if err := o.store.FinalizeStep(ctx, step); err != nil {
		o.log.WithError(err).Error("Failed to finalize step")
	}
}

func (o *Orchestrator) failStep(ctx context.Context, step *models.Step, reason string) {
	o.finalizeStep(ctx, step, stepOutcome{err: errors.New(reason), finishReason: ai.FinishError})
}

// finalizeMessage lands the assistant message in a terminal status and
// notifies the session channel. An error detail becomes a trailing error
// part so the failure is visible in the transcript.
func (o *Orchestrator) finalizeMessage(ctx context.Context, session *models.Session, msg *models.Message, status models.Status, detail string) {
	ctx = context.WithoutCancel(ctx)

	var reason *string
	switch status {
	case models.StatusCompleted:
		if detail != "" {
			reason = &detail
		} else {
			r := ai.FinishStop
			reason = &r
		}
	case models.StatusError:
		r := ai.FinishError
		reason = &r
	case models.StatusAbort:
		r := "abort"
		reason = &r
	}
	if err := o.store.UpdateMessageStatus(ctx, msg.ID, status, reason); err != nil {
		o.log.WithError(err).Error("Failed to finalize message")
	}

	payload := map[string]any{
		"sessionId": session.ID,
		"messageId": msg.ID,
		"status":    status,
	}
	if status == models.StatusError && detail != "" {
		payload["error"] = detail
	}
	o.publish(ctx, events.ChannelSessionStream(session.ID), events.TypeMessageUpdated, payload)
	o.publish(ctx, events.ChannelSessions, events.TypeSessionUpdated, map[string]any{
		"sessionId": session.ID,
	})
}

// recordAbortPart appends the visible abort marker to the interrupted step.
func (o *Orchestrator) recordAbortPart(ctx context.Context, runner *stepRunner) {
	ctx = context.WithoutCancel(ctx)
	part := &models.Part{
		ID:        uuid.New().String(),
		StepID:    runner.step.ID,
		Ordering:  runner.nextOrdering(),
		Type:      models.PartTypeAborted,
		Status:    models.StatusAbort,
		Content:   "aborted",
		CreatedAt: time.Now().UTC(),
	}
	if err := o.store.UpsertPart(ctx, part); err != nil {
		o.log.WithError(err).Warn("Failed to record abort marker")
	}
	runner.publishPart(ctx, part)
}

// deltaTracker keeps a live token estimate while deltas stream.
type deltaTracker struct {
	counter  TokenCounter
	base     int64
	streamed int64
	settled  bool
}

func (t *deltaTracker) add(delta string) int64 {
	if t.settled {
		return t.base
	}
	t.streamed += int64(t.counter.Count(delta))
	return t.base + t.streamed
}

func (t *deltaTracker) settle(total int64) {
	t.base = total
	t.streamed = 0
	t.settled = true
}

// stepOutcome summarizes one consumed provider stream.
type stepOutcome struct {
	finishReason string
	usage        *ai.Usage
	err          error
	aborted      bool
}

// stepRunner folds one provider stream into persisted parts and broker
// events.
type stepRunner struct {
	o       *Orchestrator
	session *models.Session
	msg     *models.Message
	step    *models.Step
	tracker *deltaTracker
	inline  *InlineParser

	ordering   int
	deltaCount int

	current        *models.Part // open text or reasoning part
	reasoningStart time.Time
	toolParts      []*models.Part
	toolByCallID   map[string]*models.Part
	inputBuffers   map[string]*strings.Builder
	announced      map[string]bool
}

func (r *stepRunner) nextOrdering() int {
	n := r.ordering
	r.ordering++
	return n
}

// consume drains the chunk channel, honoring the first-event timeout and the
// run context. The channel closing without a finish chunk is a provider
// stream error.
func (r *stepRunner) consume(ctx context.Context, ch <-chan ai.Chunk) stepOutcome {
	r.toolByCallID = make(map[string]*models.Part)
	r.inputBuffers = make(map[string]*strings.Builder)
	r.announced = make(map[string]bool)

	timeout := time.NewTimer(r.o.cfg.FirstEventTimeout)
	defer timeout.Stop()
	first := true

	var outcome stepOutcome
	for {
		var timeoutCh <-chan time.Time
		if first {
			timeoutCh = timeout.C
		}
		select {
		case <-ctx.Done():
			outcome.aborted = true
			r.closeCurrent(context.WithoutCancel(ctx), models.StatusAbort)
			return outcome

		case <-timeoutCh:
			outcome.err = fmt.Errorf("provider produced no output within %s", r.o.cfg.FirstEventTimeout)
			r.appendErrorPart(ctx, outcome.err.Error())
			return outcome

		case chunk, ok := <-ch:
			if !ok {
				if outcome.finishReason == "" {
					outcome.err = fmt.Errorf("provider stream ended without a finish event")
					r.closeCurrent(ctx, models.StatusError)
					r.appendErrorPart(ctx, outcome.err.Error())
				}
				return outcome
			}
			first = false
			if done := r.handle(ctx, chunk, &outcome); done {
				return outcome
			}
		}
	}
}

// handle dispatches one chunk. Returns true when the stream is logically
// finished.
func (r *stepRunner) handle(ctx context.Context, chunk ai.Chunk, outcome *stepOutcome) bool {
	switch chunk.Kind {
	case ai.ChunkTextStart:
		r.closeCurrent(ctx, models.StatusCompleted)
		r.current = r.newPart(models.PartTypeText)
		r.persistAndPublish(ctx, r.current, true)

	case ai.ChunkTextDelta:
		if r.current == nil || r.current.Type != models.PartTypeText {
			r.closeCurrent(ctx, models.StatusCompleted)
			r.current = r.newPart(models.PartTypeText)
		}
		visible := chunk.Text
		if r.inline != nil {
			visible = r.inline.Feed(chunk.Text)
		}
		r.current.Content += visible
		r.countDelta(ctx, chunk.Text)
		r.persistAndPublish(ctx, r.current, false)

	case ai.ChunkTextEnd:
		if r.current != nil && r.inline != nil {
			r.current.Content += r.inline.Flush()
		}
		r.closeCurrent(ctx, models.StatusCompleted)

	case ai.ChunkReasoningStart:
		r.closeCurrent(ctx, models.StatusCompleted)
		r.current = r.newPart(models.PartTypeReasoning)
		r.reasoningStart = time.Now()
		r.persistAndPublish(ctx, r.current, true)

	case ai.ChunkReasoningDelta:
		if r.current == nil || r.current.Type != models.PartTypeReasoning {
			r.closeCurrent(ctx, models.StatusCompleted)
			r.current = r.newPart(models.PartTypeReasoning)
			r.reasoningStart = time.Now()
		}
		r.current.Content += chunk.Text
		r.countDelta(ctx, chunk.Text)
		r.persistAndPublish(ctx, r.current, false)

	case ai.ChunkReasoningEnd:
		if r.current != nil && r.current.Type == models.PartTypeReasoning {
			r.current.DurationMS = time.Since(r.reasoningStart).Milliseconds()
		}
		r.closeCurrent(ctx, models.StatusCompleted)

	case ai.ChunkToolCall:
		// Providers that streamed the input first reuse the open tool part.
		part, ok := r.toolByCallID[chunk.ToolCallID]
		if !ok {
			r.closeCurrent(ctx, models.StatusCompleted)
			part = r.newPart(models.PartTypeTool)
			part.ToolCallID = chunk.ToolCallID
			part.ToolName = chunk.ToolName
			r.toolByCallID[chunk.ToolCallID] = part
		}
		if chunk.Input != nil {
			part.Input = chunk.Input
		}
		r.announceToolCall(ctx, part)

	case ai.ChunkToolInputStart:
		r.closeCurrent(ctx, models.StatusCompleted)
		part := r.newPart(models.PartTypeTool)
		part.ToolCallID = chunk.ToolCallID
		part.ToolName = chunk.ToolName
		r.toolByCallID[chunk.ToolCallID] = part
		r.inputBuffers[chunk.ToolCallID] = &strings.Builder{}
		r.persistAndPublish(ctx, part, true)

	case ai.ChunkToolInputDelta:
		if buf, ok := r.inputBuffers[chunk.ToolCallID]; ok {
			buf.WriteString(chunk.InputDelta)
		}

	case ai.ChunkToolInputEnd:
		part, ok := r.toolByCallID[chunk.ToolCallID]
		if !ok {
			break
		}
		if buf := r.inputBuffers[chunk.ToolCallID]; buf != nil && buf.Len() > 0 {
			// Unparseable accumulated input degrades to an empty arguments
			// object; the tool reports the missing fields.
			var input map[string]any
			if err := json.Unmarshal([]byte(buf.String()), &input); err == nil {
				part.Input = input
			} else {
				part.Input = map[string]any{}
			}
			delete(r.inputBuffers, chunk.ToolCallID)
		}
		r.announceToolCall(ctx, part)

	case ai.ChunkToolResult, ai.ChunkToolError:
		// Provider-executed tools arrive pre-resolved.
		part, ok := r.toolByCallID[chunk.ToolCallID]
		if !ok {
			break
		}
		if chunk.Kind == ai.ChunkToolError {
			part.Status = models.StatusError
			part.Error = chunk.Result
		} else {
			part.Status = models.StatusCompleted
			part.Result = chunk.Result
		}
		r.persistAndPublish(ctx, part, true)

	case ai.ChunkFile:
		r.closeCurrent(ctx, models.StatusCompleted)
		r.handleFile(ctx, chunk)

	case ai.ChunkError:
		r.closeCurrent(ctx, models.StatusError)
		outcome.err = errors.New(chunk.ErrorMessage)
		r.appendErrorPart(ctx, chunk.ErrorMessage)
		return true

	case ai.ChunkAbort:
		r.closeCurrent(context.WithoutCancel(ctx), models.StatusAbort)
		outcome.aborted = true
		return true

	case ai.ChunkFinish:
		r.closeCurrent(ctx, models.StatusCompleted)
		outcome.finishReason = chunk.FinishReason
		outcome.usage = chunk.Usage
		return true
	}
	return false
}

func (r *stepRunner) newPart(kind models.PartType) *models.Part {
	return &models.Part{
		ID:        uuid.New().String(),
		StepID:    r.step.ID,
		Ordering:  r.nextOrdering(),
		Type:      kind,
		Status:    models.StatusActive,
		CreatedAt: time.Now().UTC(),
	}
}

// announceToolCall persists the call part and emits the tool-call event once
// per call id.
func (r *stepRunner) announceToolCall(ctx context.Context, part *models.Part) {
	r.persistAndPublish(ctx, part, true)
	if r.announced[part.ToolCallID] {
		return
	}
	r.announced[part.ToolCallID] = true
	r.toolParts = append(r.toolParts, part)
	r.o.publish(ctx, events.ChannelSessionStream(r.session.ID), events.TypeToolCall, map[string]any{
		"sessionId":  r.session.ID,
		"messageId":  r.msg.ID,
		"toolCallId": part.ToolCallID,
		"toolName":   part.ToolName,
		"input":      part.Input,
	})
}

func (r *stepRunner) handleFile(ctx context.Context, chunk ai.Chunk) {
	part := r.newPart(models.PartTypeFile)
	part.MediaType = chunk.MediaType
	data, err := base64.StdEncoding.DecodeString(chunk.DataB64)
	if err != nil {
		part.Type = models.PartTypeError
		part.Status = models.StatusError
		part.Error = fmt.Sprintf("invalid file chunk: %v", err)
		r.persistAndPublish(ctx, part, true)
		return
	}
	part.FileSize = int64(len(data))
	if r.o.files != nil {
		name := fmt.Sprintf("generated/%s", part.ID)
		stored, err := r.o.files.Store(ctx, name, chunk.MediaType, data)
		if err == nil {
			part.FileID = stored.ID
			part.FilePath = name
			if err := r.o.files.AttachToStep(ctx, stored.ID, r.step.ID); err != nil {
				r.o.log.WithError(err).Warn("Failed to attach generated file")
			}
		} else {
			part.FileB64 = chunk.DataB64
		}
	} else {
		part.FileB64 = chunk.DataB64
	}
	part.Status = models.StatusCompleted
	r.persistAndPublish(ctx, part, true)
}

// closeCurrent lands the open text/reasoning part, if any.
func (r *stepRunner) closeCurrent(ctx context.Context, status models.Status) {
	if r.current == nil {
		return
	}
	r.current.Status = status
	r.persistAndPublish(ctx, r.current, true)
	r.current = nil
	r.deltaCount = 0
}

func (r *stepRunner) appendErrorPart(ctx context.Context, text string) {
	part := r.newPart(models.PartTypeError)
	part.Status = models.StatusError
	part.Error = text
	r.persistAndPublish(ctx, part, true)
}

// countDelta folds a delta into the live estimate and periodically publishes
// the running total.
func (r *stepRunner) countDelta(ctx context.Context, delta string) {
	if r.tracker == nil {
		return
	}
	total := r.tracker.add(delta)
	if r.deltaCount%r.o.cfg.PartPublishEvery == 0 {
		r.o.publish(ctx, events.ChannelSessionStream(r.session.ID), events.TypeSessionTokensUpdated, map[string]any{
			"sessionId":     r.session.ID,
			"totalTokens":   total,
			"authoritative": false,
		})
	}
}

// persistAndPublish upserts a part and emits part-updated. Every delta is
// persisted; only the event is debounced. Forced updates (boundaries, tool
// events) always go out.
func (r *stepRunner) persistAndPublish(ctx context.Context, part *models.Part, force bool) {
	if err := r.o.store.UpsertPart(ctx, part); err != nil {
		r.o.log.WithError(err).Error("Failed to upsert part")
	}
	if !force {
		r.deltaCount++
		if r.deltaCount%r.o.cfg.PartPublishEvery != 0 {
			return
		}
	}
	r.publishPart(ctx, part)
}

func (r *stepRunner) publishPart(ctx context.Context, part *models.Part) {
	payload := map[string]any{
		"sessionId": r.session.ID,
		"messageId": r.msg.ID,
		"part":      part,
	}
	r.o.publish(ctx, events.ChannelSessionStream(r.session.ID), events.TypePartUpdated, payload)
	r.o.publish(ctx, events.ChannelMessage(r.msg.ID), events.TypePartUpdated, payload)
}
