package adapter

import (
	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/parley/pkg/models"
)

// OpenAIAdapter formats history into OpenAI chat-completion messages.
type OpenAIAdapter struct{}

func (OpenAIAdapter) Name() Dialect { return DialectOpenAI }

// Format injects the system prompt as the first message, renders
// assistant tool calls as ToolCalls entries, and expands each tool
// result into its own role-"tool" message linked by ToolCallID.
func (OpenAIAdapter) Format(history []*models.Message, systemPrompt string) (*Payload, error) {
	normalized, report := normalizeHistory(history)

	result := make([]openai.ChatCompletionMessage, 0, len(normalized)+1)

	if systemPrompt != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}

	for _, msg := range normalized {
		switch msg.Role {
		case models.RoleUser, models.RoleSystem:
			result = append(result, openai.ChatCompletionMessage{
				Role:    string(msg.Role),
				Content: msg.Content,
			})

		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			if len(msg.ToolCalls) > 0 {
				oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					oaiMsg.ToolCalls[i] = openai.ToolCall{
						ID:   tc.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      tc.Name,
							Arguments: string(tc.Input),
						},
					}
				}
			}
			result = append(result, oaiMsg)

		case models.RoleTool:
			// OpenAI requires a separate message per result
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
		}
	}

	return &Payload{
		Dialect: DialectOpenAI,
		OpenAI:  result,
		Report:  report,
	}, nil
}
