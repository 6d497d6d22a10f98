package nodes

import (
	"context"
	"fmt"
	"strings"

	"canvas_worker/pkg"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
)

// defaultUserPrompt is used when neither the task nor the node carries one
const defaultUserPrompt = "Respond using the context above."

// PromptBuilder turns a distilled context into a provider-agnostic message
// list: system prompt, one message per context item, then the user prompt
type PromptBuilder struct {
	chain compose.Runnable[map[string]any, []*schema.Message]
}

// NewPromptBuilder compiles the prompt chain
func NewPromptBuilder(ctx context.Context) (*PromptBuilder, error) {
	template := prompt.FromMessages(schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("context", true),
		schema.UserMessage("{prompt}"),
	)

	chain, err := compose.NewChain[map[string]any, []*schema.Message]().
		AppendChatTemplate(template).
		Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("error creating prompt chain: %w", err)
	}
	return &PromptBuilder{chain: chain}, nil
}

// Build renders the message list
func (b *PromptBuilder) Build(ctx context.Context, system string, rc pkg.ReasoningContext, userPrompt string) ([]*schema.Message, error) {
	if strings.TrimSpace(userPrompt) == "" {
		userPrompt = defaultUserPrompt
	}

	contextMessages := make([]*schema.Message, 0, len(rc.Items))
	for _, item := range rc.Items {
		contextMessages = append(contextMessages, contextMessage(item))
	}

	messages, err := b.chain.Invoke(ctx, map[string]any{
		"system":  system,
		"context": contextMessages,
		"prompt":  userPrompt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build prompt: %w", err)
	}

	// an empty system prompt would be sent as an empty message
	if strings.TrimSpace(system) == "" && len(messages) > 0 && messages[0].Role == schema.System {
		messages = messages[1:]
	}
	return messages, nil
}

// contextMessage maps an item onto a chat role. Earlier model output is
// replayed as assistant turns, instructions go to the system channel.
func contextMessage(item pkg.ContextItem) *schema.Message {
	switch item.Role {
	case pkg.RoleInstruction:
		return schema.SystemMessage(item.Content)
	case pkg.RoleHistory:
		return schema.AssistantMessage(item.Content, nil)
	}

	label := string(item.Role)
	if item.Relation != "" {
		label += ", " + item.Relation
	}
	return schema.UserMessage(fmt.Sprintf("[%s from %s node %s]\n%s", label, item.NodeType, item.SourceNodeID, item.Content))
}
