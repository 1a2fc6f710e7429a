// Package orchestrator coordinates one chat turn end to end: thread
// resolution, memory retrieval, model invocation, tool execution, and
// persistence of the finished exchange.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/recallhq/recalld/internal/logging"
	"github.com/recallhq/recalld/internal/memory"
	"github.com/recallhq/recalld/internal/model"
	"github.com/recallhq/recalld/internal/threads"
)

var tracer = otel.Tracer("github.com/recallhq/recalld/internal/orchestrator")

// ErrInvalidRequest reports a turn with a missing owner, thread, or prompt.
var ErrInvalidRequest = errors.New("invalid request")

// Reply is the outcome of one orchestrated turn. ThreadDeleted tells the
// caller the thread no longer exists, so the exchange was not persisted.
type Reply struct {
	Text          string
	ThreadDeleted bool
}

// Generator is the two-state model client consumed per turn.
type Generator interface {
	Generate(ctx context.Context, history []model.Message, prompt string) (*model.Turn, error)
	Resume(ctx context.Context, turn *model.Turn, toolResult string, toolErr bool) (string, error)
}

// PromptBuilder augments the user message with relevant memory.
type PromptBuilder interface {
	Build(ctx context.Context, owner, message string) string
}

// Embedder vectorizes the finished exchange for persistence.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// Orchestrator runs chat turns.
type Orchestrator struct {
	threads   *threads.Manager
	store     *memory.Store
	builder   PromptBuilder
	embedder  Embedder
	generator Generator
	recency   int
	logger    *logging.Logger
}

// New wires an Orchestrator. recencyWindow is how many prior exchanges of
// the thread accompany each model call; values below 1 are clamped to 1.
func New(manager *threads.Manager, store *memory.Store, builder PromptBuilder, embedder Embedder, generator Generator, recencyWindow int, logger *logging.Logger) *Orchestrator {
	if recencyWindow < 1 {
		recencyWindow = 1
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Orchestrator{
		threads:   manager,
		store:     store,
		builder:   builder,
		embedder:  embedder,
		generator: generator,
		recency:   recencyWindow,
		logger:    logger,
	}
}

// Respond executes one turn for (owner, thread, prompt) and returns the
// final reply. The exchange is persisted unless the thread was deleted
// mid-turn, in which case Reply.ThreadDeleted is set and nothing is saved.
func (o *Orchestrator) Respond(ctx context.Context, owner, thread, prompt string) (*Reply, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.Respond", trace.WithAttributes(
		attribute.String("owner.id", owner),
		attribute.String("thread.id", thread),
	))
	defer span.End()

	if owner == "" || thread == "" || strings.TrimSpace(prompt) == "" {
		span.SetStatus(codes.Error, "invalid request")
		return nil, fmt.Errorf("%w: owner, thread, and prompt are required", ErrInvalidRequest)
	}

	ctx = logging.WithOwner(ctx, owner)
	ctx = logging.WithThread(ctx, thread)

	if err := o.threads.Ensure(ctx, owner, thread); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ensure thread failed")
		return nil, fmt.Errorf("ensuring thread: %w", err)
	}

	history, err := o.store.History(ctx, owner, thread, o.recency)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "history failed")
		return nil, fmt.Errorf("loading history: %w", err)
	}

	augmented := o.builder.Build(ctx, owner, prompt)

	turn, err := o.generator.Generate(ctx, toMessages(history), augmented)
	replyText := ""
	switch {
	case err == nil:
		replyText = turn.Text
	case errors.Is(err, model.ErrUnknownTool) && turn != nil && turn.Text != "":
		// Unrecognized tool request: fall back to the model's raw text.
		o.logger.Warn(ctx, "model requested unknown tool; returning raw text", zap.Error(err))
		turn.ToolCall = nil
		replyText = turn.Text
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "generate failed")
		return nil, err
	}

	if turn.ToolCall != nil {
		replyText, err = o.runTool(ctx, owner, thread, turn)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "tool round trip failed")
			return nil, err
		}
	}

	// The tool may have deleted the thread the turn is running in. In
	// that case the reply is still returned but nothing is persisted.
	exists, err := o.threads.Exists(ctx, owner, thread)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "existence check failed")
		return nil, fmt.Errorf("checking thread: %w", err)
	}
	if !exists {
		span.SetAttributes(attribute.Bool("turn.thread_deleted", true))
		span.SetStatus(codes.Ok, "")
		return &Reply{Text: replyText, ThreadDeleted: true}, nil
	}

	if err := o.persist(ctx, owner, thread, prompt, replyText); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		return nil, err
	}

	span.SetStatus(codes.Ok, "")
	return &Reply{Text: replyText}, nil
}

// runTool executes the pending delete_thread call and resumes the model
// with its result. Tool failures are reported back to the model rather
// than aborting the turn; the model explains them to the user.
func (o *Orchestrator) runTool(ctx context.Context, owner, thread string, turn *model.Turn) (string, error) {
	args, err := model.ParseDeleteThreadArgs(turn.ToolCall.Input)
	if err != nil {
		o.logger.Warn(ctx, "unparseable tool arguments", zap.Error(err))
		return o.generator.Resume(ctx, turn, "invalid tool arguments: "+err.Error(), true)
	}

	target := args.ThreadID
	if target == "" {
		target = thread
	}

	result, derr := o.threads.Delete(ctx, owner, target)
	if derr != nil {
		o.logger.Warn(ctx, "tool-initiated thread deletion failed",
			zap.String("target_thread", target), zap.Error(derr))
		return o.generator.Resume(ctx, turn, "failed to delete thread: "+derr.Error(), true)
	}

	o.logger.Info(ctx, "thread deleted by tool call",
		zap.String("target_thread", target),
		zap.Int64("messages_cleared", result.MessagesCleared))
	return o.generator.Resume(ctx, turn,
		fmt.Sprintf("Deleted thread %s and cleared %d messages.", target, result.MessagesCleared), false)
}

// persist embeds and stores the finished exchange, bumps the thread's
// activity, and titles it when this was the first turn. An embedding
// outage degrades to storing the exchange without vectors; the backfill
// job completes them later.
func (o *Orchestrator) persist(ctx context.Context, owner, thread, prompt, reply string) error {
	exchange := &memory.Exchange{
		ID:     uuid.NewString(),
		Owner:  owner,
		Thread: thread,
		Prompt: prompt,
		Reply:  reply,
	}

	vectors, err := o.embedder.EmbedDocuments(ctx, []string{prompt, reply})
	if err != nil {
		o.logger.Warn(ctx, "persisting exchange without embeddings", zap.Error(err))
	} else if len(vectors) == 2 {
		exchange.PromptEmbedding = vectors[0]
		exchange.ReplyEmbedding = vectors[1]
	}

	if err := o.store.Put(ctx, exchange); err != nil {
		return fmt.Errorf("saving exchange: %w", err)
	}
	if err := o.threads.Touch(ctx, owner, thread); err != nil {
		return fmt.Errorf("touching thread: %w", err)
	}
	if err := o.threads.TitleIfFirstTurn(ctx, owner, thread, prompt, reply); err != nil {
		// Titling is cosmetic; the exchange is already saved.
		o.logger.Warn(ctx, "thread titling failed", zap.Error(err))
	}
	return nil
}

func toMessages(history []memory.Exchange) []model.Message {
	messages := make([]model.Message, 0, len(history)*2)
	for _, ex := range history {
		messages = append(messages,
			model.Message{Role: model.RoleUser, Content: ex.Prompt},
			model.Message{Role: model.RoleAssistant, Content: ex.Reply},
		)
	}
	return messages
}
