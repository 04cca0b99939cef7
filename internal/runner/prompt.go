package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mkarel/storyforge/internal/llm"
	"github.com/mkarel/storyforge/internal/model"
)

// Prompt progress stages. LLM calls give no mid-flight signal, so progress
// moves in coarse steps: instruction built, request in flight, response
// being parsed.
const (
	promptProgressBuilt   = 10
	promptProgressSent    = 30
	promptProgressParsing = 80
)

// promptPayload is the input for the prompt-generation kinds. Instruction,
// when set, is sent to the collaborator verbatim; otherwise it is assembled
// from the descriptive fields.
type promptPayload struct {
	Instruction   string `json:"instruction"`
	Name          string `json:"name"`
	Sex           string `json:"sex"`
	Description   string `json:"description"`
	StylePrompt   string `json:"style_prompt"`
	StyleNegative string `json:"style_negative"`
}

// promptResult is what a prompt task produces: finished engine-ready prompt
// text plus an expanded description for display.
type promptResult struct {
	PositivePrompt string `json:"positive_prompt"`
	NegativePrompt string `json:"negative_prompt"`
	Description    string `json:"description"`
}

// Prompt runs the prompt-generation kinds by asking the text collaborator
// for engine-ready prompt text.
type Prompt struct {
	client llm.Client
}

// NewPrompt creates the LLM-backed runner.
func NewPrompt(client llm.Client) *Prompt {
	return &Prompt{client: client}
}

// Run builds the instruction, calls the collaborator, and parses its reply
// into a prompt result.
func (p *Prompt) Run(ctx context.Context, rc *RunContext) (json.RawMessage, error) {
	var payload promptPayload
	if len(rc.Task.Payload) > 0 {
		if err := json.Unmarshal(rc.Task.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}

	instruction := payload.Instruction
	if instruction == "" {
		instruction = buildInstruction(rc.Task.Kind, &payload)
	}
	rc.ReportProgress(promptProgressBuilt)

	rc.Logger.Info("requesting prompt text", "kind", rc.Task.Kind)
	rc.ReportProgress(promptProgressSent)

	reply, err := p.client.Generate(ctx, instruction)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		return nil, fmt.Errorf("prompt generation: %w", err)
	}
	rc.ReportProgress(promptProgressParsing)

	result, err := parsePromptReply(reply)
	if err != nil {
		return nil, err
	}

	// Style text rides along unchanged; the collaborator only writes the
	// subject-specific part.
	if payload.StylePrompt != "" {
		result.PositivePrompt = joinPrompt(result.PositivePrompt, payload.StylePrompt)
	}
	if payload.StyleNegative != "" {
		result.NegativePrompt = joinPrompt(result.NegativePrompt, payload.StyleNegative)
	}

	return json.Marshal(result)
}

// buildInstruction assembles the default instruction for a kind from the
// payload's descriptive fields.
func buildInstruction(kind string, p *promptPayload) string {
	var b strings.Builder
	if kind == model.KindGenScenePrompt {
		b.WriteString("Write an image-generation prompt for a scene background.\n")
	} else {
		b.WriteString("Write an image-generation prompt for a single character on a plain background, full body visible.\n")
		if p.Name != "" {
			fmt.Fprintf(&b, "Character name: %s\n", p.Name)
		}
		if p.Sex != "" {
			fmt.Fprintf(&b, "Sex: %s\n", p.Sex)
		}
	}
	if p.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", p.Description)
	}
	b.WriteString(`Respond with a JSON object with exactly these keys: "positive_prompt", "negative_prompt", "description". No other text.`)
	return b.String()
}

// parsePromptReply decodes the collaborator's JSON reply, tolerating the
// markdown code fences chat models like to wrap JSON in.
func parsePromptReply(reply string) (*promptResult, error) {
	text := strings.TrimSpace(reply)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
		text = strings.TrimSpace(text)
	}

	var result promptResult
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return nil, fmt.Errorf("collaborator reply is not the expected JSON: %w", err)
	}
	if result.PositivePrompt == "" {
		return nil, fmt.Errorf("collaborator reply missing positive_prompt")
	}
	return &result, nil
}

func joinPrompt(base, extra string) string {
	base = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(base), ","))
	if base == "" {
		return extra
	}
	return base + ", " + extra
}
