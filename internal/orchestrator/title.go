package orchestrator

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/quillhq/quill/internal/ai"
	"github.com/quillhq/quill/internal/session/models"
)

const titleSystemPrompt = "Generate a short descriptive title for the conversation: " +
	"at most 8 words, no quotes, no trailing punctuation. Reply with the title only."

const titleTimeout = 30 * time.Second

// generateTitle asks the provider for a session title in a side request
// running beside the main loop. Failures leave the session untitled; an
// existing title is never overwritten.
func (o *Orchestrator) generateTitle(ctx context.Context, session *models.Session, client ai.Client, history []ai.Message) {
	defer o.wg.Done()
	ctx, cancel := context.WithTimeout(ctx, titleTimeout)
	defer cancel()

	req := ai.Request{
		Model:     session.ModelID,
		System:    titleSystemPrompt,
		Messages:  history,
		MaxTokens: 64,
	}
	ch, err := client.Stream(ctx, req)
	if err != nil {
		o.log.WithError(err).Debug("Title generation unavailable", zap.String("session_id", session.ID))
		return
	}

	var b strings.Builder
	for chunk := range ch {
		switch chunk.Kind {
		case ai.ChunkTextDelta:
			b.WriteString(chunk.Text)
		case ai.ChunkError, ai.ChunkAbort:
			return
		}
	}

	title := strings.TrimSpace(strings.Trim(strings.TrimSpace(b.String()), `"`))
	if title == "" {
		return
	}
	o.setTitle(ctx, session.ID, title)
}
