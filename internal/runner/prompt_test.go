package runner_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/mkarel/storyforge/internal/model"
	"github.com/mkarel/storyforge/internal/runner"
)

// scriptedLLM returns a canned reply, or blocks until the context is
// cancelled when reply is empty.
type scriptedLLM struct {
	reply  string
	err    error
	prompt string
}

func (s *scriptedLLM) Generate(ctx context.Context, prompt string) (string, error) {
	s.prompt = prompt
	if s.reply == "" && s.err == nil {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return s.reply, s.err
}

func TestPromptSuccess(t *testing.T) {
	llm := &scriptedLLM{reply: `{"positive_prompt":"a stoic knight","negative_prompt":"blurry","description":"A knight."}`}
	p := runner.NewPrompt(llm)

	task := newTask(model.KindGenPrompt, `{"name":"Aldric","sex":"male","description":"a weathered knight"}`)
	c := &capture{}

	result, err := p.Run(context.Background(), runContext(task, c))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var res struct {
		PositivePrompt string `json:"positive_prompt"`
		NegativePrompt string `json:"negative_prompt"`
		Description    string `json:"description"`
	}
	if err := json.Unmarshal(result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.PositivePrompt != "a stoic knight" {
		t.Errorf("positive_prompt = %q", res.PositivePrompt)
	}
	if res.Description != "A knight." {
		t.Errorf("description = %q", res.Description)
	}

	if !strings.Contains(llm.prompt, "Aldric") || !strings.Contains(llm.prompt, "weathered knight") {
		t.Errorf("instruction missing payload fields: %q", llm.prompt)
	}

	progress, _ := c.snapshot()
	if len(progress) != 3 {
		t.Fatalf("progress = %v, want three stages", progress)
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] <= progress[i-1] {
			t.Errorf("progress not increasing: %v", progress)
		}
	}
}

func TestPromptStripsCodeFences(t *testing.T) {
	llm := &scriptedLLM{reply: "```json\n{\"positive_prompt\":\"p\",\"negative_prompt\":\"n\",\"description\":\"d\"}\n```"}
	p := runner.NewPrompt(llm)

	task := newTask(model.KindGenPrompt, `{}`)
	result, err := p.Run(context.Background(), runContext(task, &capture{}))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(string(result), `"positive_prompt":"p"`) {
		t.Errorf("result = %s, fences not stripped", result)
	}
}

func TestPromptAppendsStyle(t *testing.T) {
	llm := &scriptedLLM{reply: `{"positive_prompt":"a knight","negative_prompt":"blurry","description":"d"}`}
	p := runner.NewPrompt(llm)

	task := newTask(model.KindGenPrompt, `{"style_prompt":"oil painting, muted palette","style_negative":"photo"}`)
	result, err := p.Run(context.Background(), runContext(task, &capture{}))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var res struct {
		PositivePrompt string `json:"positive_prompt"`
		NegativePrompt string `json:"negative_prompt"`
	}
	if err := json.Unmarshal(result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.PositivePrompt != "a knight, oil painting, muted palette" {
		t.Errorf("positive_prompt = %q, style not appended", res.PositivePrompt)
	}
	if res.NegativePrompt != "blurry, photo" {
		t.Errorf("negative_prompt = %q, style negative not appended", res.NegativePrompt)
	}
}

func TestPromptMalformedReply(t *testing.T) {
	llm := &scriptedLLM{reply: "sorry, I cannot help with that"}
	p := runner.NewPrompt(llm)

	task := newTask(model.KindGenPrompt, `{}`)
	if _, err := p.Run(context.Background(), runContext(task, &capture{})); err == nil {
		t.Fatal("Run accepted a non-JSON reply")
	}
}

func TestPromptScenePayloadInstruction(t *testing.T) {
	llm := &scriptedLLM{reply: `{"positive_prompt":"a misty harbor","negative_prompt":"","description":"d"}`}
	p := runner.NewPrompt(llm)

	task := newTask(model.KindGenScenePrompt, `{"description":"a harbor at dawn"}`)
	if _, err := p.Run(context.Background(), runContext(task, &capture{})); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(llm.prompt, "scene background") {
		t.Errorf("scene instruction not used: %q", llm.prompt)
	}
	if !strings.Contains(llm.prompt, "a harbor at dawn") {
		t.Errorf("instruction missing description: %q", llm.prompt)
	}
}

func TestPromptCancellation(t *testing.T) {
	llm := &scriptedLLM{}
	p := runner.NewPrompt(llm)

	ctx, cancel := context.WithCancel(context.Background())
	task := newTask(model.KindGenPrompt, `{}`)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Run(ctx, runContext(task, &capture{}))
		errCh <- err
	}()
	cancel()

	if err := <-errCh; !errors.Is(err, runner.ErrCancelled) {
		t.Errorf("Run error = %v, want ErrCancelled", err)
	}
}

func TestPromptInstructionOverride(t *testing.T) {
	llm := &scriptedLLM{reply: `{"positive_prompt":"p","negative_prompt":"","description":""}`}
	p := runner.NewPrompt(llm)

	task := newTask(model.KindGenPrompt, `{"instruction":"use exactly this"}`)
	if _, err := p.Run(context.Background(), runContext(task, &capture{})); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if llm.prompt != "use exactly this" {
		t.Errorf("instruction = %q, want verbatim override", llm.prompt)
	}
}
