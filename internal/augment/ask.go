package augment

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// askK is how many memories a reflection question may draw on.
const askK = 8

// NoMemoriesAnswer is returned verbatim when a reflection question finds
// nothing to reflect on; no model call is made in that case.
const NoMemoriesAnswer = "No relevant past conversations found."

const reflectionTemplate = `You are answering a question about the user's past conversations with you.

Question: %s

%s

Rules:
- Use ONLY the memories above to answer.
- If the memories do not contain enough information, say so plainly.
- Do NOT hallucinate or invent details that are not in the memories.
- If a memory is only loosely related, you may mention it but explain the connection.`

// BuildReflection prepares the prompt for a question asked over the owner's
// entire conversation history. It returns found=false when no memories
// matched, in which case the caller should answer NoMemoriesAnswer without
// invoking the model. Unlike Build, retrieval failures are surfaced: a
// reflection question is meaningless without its memories.
func (b *Builder) BuildReflection(ctx context.Context, owner, question string) (prompt string, found bool, err error) {
	ctx, span := tracer.Start(ctx, "augment.BuildReflection")
	defer span.End()

	vector, err := b.embedder.EmbedQuery(ctx, question)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embed question failed")
		return "", false, fmt.Errorf("embedding question: %w", err)
	}

	memories, err := b.retriever.Nearest(ctx, owner, vector, askK, "")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "nearest failed")
		return "", false, fmt.Errorf("searching memories: %w", err)
	}

	span.SetAttributes(attribute.Int("augment.memories", len(memories)))
	span.SetStatus(codes.Ok, "")

	if len(memories) == 0 {
		return "", false, nil
	}
	return fmt.Sprintf(reflectionTemplate, question, FormatMemories(memories)), true, nil
}
