// Package augment composes the prompt sent to the model: cross-thread
// relevant memory (when any exists) followed by the literal user message.
// Augmentation is best-effort; any retrieval failure degrades to the raw
// message so a memory outage never blocks a chat turn.
package augment

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/recallhq/recalld/internal/logging"
	"github.com/recallhq/recalld/internal/memory"
)

var tracer = otel.Tracer("github.com/recallhq/recalld/internal/augment")

// memoryInstruction prefixes the memory block. Memory is advisory: the
// model must not treat it as ground truth or invent details beyond it.
const memoryInstruction = "You may use the following memories from the user's past conversations as background context. " +
	"They are advisory only: do not treat them as ground truth, and do not invent details beyond what they contain. " +
	"If they are not relevant to the user's message, ignore them."

// Embedder turns a query into a vector.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Retriever finds the owner's nearest stored exchanges.
type Retriever interface {
	Nearest(ctx context.Context, owner string, vector []float32, k int, thread string) ([]memory.ScoredExchange, error)
}

// Builder assembles augmented prompts from relevant memory.
type Builder struct {
	embedder  Embedder
	retriever Retriever
	relevance int
	logger    *logging.Logger
}

// NewBuilder returns a Builder retrieving up to relevanceK memories per
// turn. A relevanceK below 1 is clamped to 1.
func NewBuilder(embedder Embedder, retriever Retriever, relevanceK int, logger *logging.Logger) *Builder {
	if relevanceK < 1 {
		relevanceK = 1
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Builder{
		embedder:  embedder,
		retriever: retriever,
		relevance: relevanceK,
		logger:    logger,
	}
}

// Build returns the prompt to send to the model for the given user message.
// Relevant memory is searched across all of the owner's threads; when none
// is found (or retrieval fails) the message is returned unchanged.
func (b *Builder) Build(ctx context.Context, owner, message string) string {
	ctx, span := tracer.Start(ctx, "augment.Build", trace.WithAttributes(
		attribute.Int("augment.relevance_k", b.relevance),
	))
	defer span.End()

	vector, err := b.embedder.EmbedQuery(ctx, message)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embed query failed")
		b.logger.Warn(ctx, "memory retrieval skipped: embedding failed", zap.Error(err))
		return message
	}

	// Cross-thread on purpose: memory belongs to the user, not the thread.
	memories, err := b.retriever.Nearest(ctx, owner, vector, b.relevance, "")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "nearest failed")
		b.logger.Warn(ctx, "memory retrieval skipped: search failed", zap.Error(err))
		return message
	}

	span.SetAttributes(attribute.Int("augment.memories", len(memories)))
	span.SetStatus(codes.Ok, "")

	if len(memories) == 0 {
		return message
	}
	return composePrompt(memories, message)
}

// composePrompt renders the instruction block, the labeled memory block,
// and the literal user message.
func composePrompt(memories []memory.ScoredExchange, message string) string {
	var sb strings.Builder
	sb.WriteString(memoryInstruction)
	sb.WriteString("\n\n")
	sb.WriteString(FormatMemories(memories))
	sb.WriteString("\n\nUser message:\n")
	sb.WriteString(message)
	return sb.String()
}

// FormatMemories renders retrieved exchanges as numbered memory blocks.
func FormatMemories(memories []memory.ScoredExchange) string {
	blocks := make([]string, 0, len(memories))
	for i, m := range memories {
		blocks = append(blocks, fmt.Sprintf("Memory %d:\nUser: %s\nAssistant: %s", i+1, m.Prompt, m.Reply))
	}
	return strings.Join(blocks, "\n\n")
}
