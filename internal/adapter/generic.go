package adapter

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/parley/pkg/models"
)

// GenericAdapter flattens history into plain role/content pairs for
// providers with no structured tool protocol. Tool calls and results are
// rendered as tagged text blocks.
type GenericAdapter struct{}

func (GenericAdapter) Name() Dialect { return DialectGeneric }

func (GenericAdapter) Format(history []*models.Message, systemPrompt string) (*Payload, error) {
	normalized, report := normalizeHistory(history)

	result := make([]GenericMessage, 0, len(normalized)+1)
	if systemPrompt != "" {
		result = append(result, GenericMessage{Role: "system", Content: systemPrompt})
	}

	for _, msg := range normalized {
		var parts []string
		if msg.Content != "" {
			parts = append(parts, msg.Content)
		}
		for _, tc := range msg.ToolCalls {
			parts = append(parts, fmt.Sprintf("[tool_call id=%s name=%s input=%s]",
				tc.ID, tc.Name, string(tc.Input)))
		}
		for _, tr := range msg.ToolResults {
			tag := "tool_result"
			if tr.IsError {
				tag = "tool_error"
			}
			parts = append(parts, fmt.Sprintf("[%s id=%s]\n%s", tag, tr.ToolCallID, tr.Content))
		}
		if len(parts) == 0 {
			continue
		}

		role := string(msg.Role)
		if msg.Role == models.RoleTool {
			// Results read back to the model as user input.
			role = string(models.RoleUser)
		}
		result = append(result, GenericMessage{
			Role:    role,
			Content: strings.Join(parts, "\n"),
		})
	}

	return &Payload{
		Dialect: DialectGeneric,
		Generic: result,
		Report:  report,
	}, nil
}
