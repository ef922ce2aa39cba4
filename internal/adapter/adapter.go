// Package adapter converts stored session history into provider request
// payloads. Adapters are pure: no I/O, no clocks, same input gives the
// same output.
package adapter

import (
	"fmt"
	"sort"

	"github.com/anthropics/anthropic-sdk-go"
	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/parley/pkg/models"
)

// Dialect names the wire format an adapter produces.
type Dialect string

const (
	DialectOpenAI    Dialect = "openai"
	DialectAnthropic Dialect = "anthropic"
	DialectGeneric   Dialect = "generic"
)

// Payload is the formatted provider request body. Exactly one of the
// dialect fields is populated, matching the adapter's Dialect.
type Payload struct {
	Dialect   Dialect
	OpenAI    []openai.ChatCompletionMessage
	Anthropic *AnthropicPayload
	Generic   []GenericMessage

	Report FormatReport
}

// AnthropicPayload carries the system prompt separately from messages,
// as the Anthropic API requires.
type AnthropicPayload struct {
	System   []anthropic.TextBlockParam
	Messages []anthropic.MessageParam
}

// GenericMessage is the flattened form for providers without a
// structured tool protocol.
type GenericMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// FormatReport records repairs applied to keep the payload well-formed.
type FormatReport struct {
	// OrphanedResults counts tool results dropped because no tool call in
	// the immediately preceding assistant message matches them.
	OrphanedResults int

	// DanglingCalls counts tool calls that received a synthesized error
	// result because the history carried none.
	DanglingCalls int
}

// Adapter formats history plus a system prompt into a provider payload.
type Adapter interface {
	Name() Dialect
	Format(history []*models.Message, systemPrompt string) (*Payload, error)
}

// ForDialect returns the adapter for the named dialect.
func ForDialect(d Dialect) (Adapter, error) {
	switch d {
	case DialectOpenAI:
		return OpenAIAdapter{}, nil
	case DialectAnthropic:
		return AnthropicAdapter{}, nil
	case DialectGeneric, "":
		return GenericAdapter{}, nil
	default:
		return nil, fmt.Errorf("unknown adapter dialect %q", d)
	}
}

// synthesizedResultContent is the error text given to tool calls with no
// recorded result.
const synthesizedResultContent = "no result recorded for this tool call"

// normalizeHistory enforces the call/result pairing rules before
// conversion:
//   - a tool result must reference a call in the nearest preceding
//     assistant message; otherwise it is dropped
//   - a tool call with no result gets a synthesized error result
//
// The returned history is safe for any provider to consume.
func normalizeHistory(history []*models.Message) ([]*models.Message, FormatReport) {
	var report FormatReport
	var out []*models.Message

	// IDs of calls from the most recent assistant message, not yet matched.
	open := map[string]bool{}

	flushDangling := func() {
		if len(open) == 0 {
			return
		}
		synth := &models.Message{Role: models.RoleTool}
		// Deterministic order is not guaranteed by map iteration; results
		// are keyed by call ID so providers do not care, but tests do.
		for _, id := range sortedKeys(open) {
			synth.ToolResults = append(synth.ToolResults, models.ToolResult{
				ToolCallID: id,
				Content:    synthesizedResultContent,
				IsError:    true,
			})
			report.DanglingCalls++
		}
		out = append(out, synth)
		open = map[string]bool{}
	}

	for _, msg := range history {
		switch msg.Role {
		case models.RoleAssistant:
			flushDangling()
			out = append(out, msg)
			for _, call := range msg.ToolCalls {
				open[call.ID] = true
			}

		case models.RoleTool:
			kept := msg
			var results []models.ToolResult
			for _, res := range msg.ToolResults {
				if open[res.ToolCallID] {
					results = append(results, res)
					delete(open, res.ToolCallID)
				} else {
					report.OrphanedResults++
				}
			}
			if len(results) == 0 && len(msg.ToolResults) > 0 {
				continue // nothing left of this message
			}
			if len(results) != len(msg.ToolResults) {
				clone := *msg
				clone.ToolResults = results
				kept = &clone
			}
			out = append(out, kept)

		default:
			flushDangling()
			out = append(out, msg)
		}
	}
	flushDangling()

	return out, report
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
