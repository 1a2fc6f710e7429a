package model

import (
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
)

// ToolDeleteThread is the only tool declared to the model: it lets the
// assistant delete the current conversation when the user asks for it
// in natural language.
const ToolDeleteThread = "delete_thread"

const deleteThreadDescription = "Delete a conversation thread and all of its messages. " +
	"Use this only when the user explicitly asks to delete, clear, or forget the current conversation. " +
	"If thread_id is omitted, the current thread is deleted."

// DeleteThreadArgs are the parsed arguments of a delete_thread request.
// ThreadID may be empty; the caller substitutes the current thread.
type DeleteThreadArgs struct {
	ThreadID string `json:"thread_id"`
}

// ParseDeleteThreadArgs decodes tool input. Absent input yields zero
// arguments; unknown keys are ignored.
func ParseDeleteThreadArgs(input []byte) (DeleteThreadArgs, error) {
	var args DeleteThreadArgs
	if len(input) == 0 {
		return args, nil
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return DeleteThreadArgs{}, fmt.Errorf("parsing %s arguments: %w", ToolDeleteThread, err)
	}
	return args, nil
}

func toolDeclarations() []anthropic.ToolUnionParam {
	return []anthropic.ToolUnionParam{
		{
			OfTool: &anthropic.ToolParam{
				Name:        ToolDeleteThread,
				Description: anthropic.String(deleteThreadDescription),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: map[string]any{
						"thread_id": map[string]any{
							"type":        "string",
							"description": "Thread to delete. Defaults to the current thread.",
						},
					},
				},
			},
		},
	}
}
