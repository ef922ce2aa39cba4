package adapter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/haasonsaas/parley/pkg/models"
)

// AnthropicAdapter formats history into Anthropic message params. The
// system prompt travels outside the message list, tool calls become
// tool_use content blocks, and tool results become tool_result blocks
// inside user-role messages.
type AnthropicAdapter struct{}

func (AnthropicAdapter) Name() Dialect { return DialectAnthropic }

func (AnthropicAdapter) Format(history []*models.Message, systemPrompt string) (*Payload, error) {
	normalized, report := normalizeHistory(history)

	// History system messages fold into the system field.
	systemParts := []string{}
	if systemPrompt != "" {
		systemParts = append(systemParts, systemPrompt)
	}

	var messages []anthropic.MessageParam
	for _, msg := range normalized {
		if msg.Role == models.RoleSystem {
			if msg.Content != "" {
				systemParts = append(systemParts, msg.Content)
			}
			continue
		}

		var content []anthropic.ContentBlockParamUnion

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}

		for _, toolResult := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(
				toolResult.ToolCallID,
				toolResult.Content,
				toolResult.IsError,
			))
		}

		for _, toolCall := range msg.ToolCalls {
			var input map[string]interface{}
			if err := json.Unmarshal(toolCall.Input, &input); err != nil {
				return nil, fmt.Errorf("invalid tool call input for %s: %w", toolCall.Name, err)
			}
			content = append(content, anthropic.NewToolUseBlock(
				toolCall.ID,
				input,
				toolCall.Name,
			))
		}

		if len(content) == 0 {
			continue
		}

		// Tool role maps to a user message carrying tool_result blocks.
		var message anthropic.MessageParam
		if msg.Role == models.RoleAssistant {
			message = anthropic.NewAssistantMessage(content...)
		} else {
			message = anthropic.NewUserMessage(content...)
		}
		messages = append(messages, message)
	}

	payload := &AnthropicPayload{Messages: messages}
	if len(systemParts) > 0 {
		payload.System = []anthropic.TextBlockParam{
			{
				Type: "text",
				Text: strings.Join(systemParts, "\n\n"),
			},
		}
	}

	return &Payload{
		Dialect:   DialectAnthropic,
		Anthropic: payload,
		Report:    report,
	}, nil
}
