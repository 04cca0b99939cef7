// fakeengine starts an in-process fake of the generative engine for local
// development and E2E testing: every submitted job streams progress and
// completes with a placeholder artifact after a short delay.
// Usage: go run ./cmd/fakeengine
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mkarel/storyforge/internal/enginetest"
)

func main() {
	delay := 200 * time.Millisecond
	if v := os.Getenv("FAKEENGINE_STEP_DELAY_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			delay = time.Duration(ms) * time.Millisecond
		}
	}
	steps := 10
	if v := os.Getenv("FAKEENGINE_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			steps = n
		}
	}

	fake := enginetest.New()
	defer fake.Close()

	// A 1x1 PNG stand-in; consumers only care that bytes come back.
	fake.DefaultFile = []byte("\x89PNG\r\n\x1a\nfake")

	fake.OnSubmit = func(f *enginetest.Fake, promptID string, graph json.RawMessage) {
		outputs := outputNodes(graph)
		f.SetHistory(promptID, true, "", historyFor(promptID, outputs))

		for _, node := range outputs {
			n := node
			f.EmitExecuting(promptID, &n)
			for i := 1; i <= steps; i++ {
				time.Sleep(delay)
				f.EmitProgress(promptID, i, steps)
			}
		}
		f.EmitComplete(promptID)
		log.Printf("job %s completed (%d output nodes)", promptID, len(outputs))
	}

	log.Printf("fake engine listening at %s (ws %s)", fake.URL(), fake.WSURL())
	log.Printf("point storyforge at it with STORYFORGE_ENGINE_URL=%s STORYFORGE_ENGINE_WS_URL=%s", fake.URL(), fake.WSURL())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Print("fake engine stopped")
}

// outputNodes finds the artifact-producing nodes in a submitted graph by
// class, matching how real jobs are stamped with filename prefixes.
func outputNodes(graph json.RawMessage) []string {
	var nodes map[string]struct {
		ClassType string         `json:"class_type"`
		Inputs    map[string]any `json:"inputs"`
	}
	if err := json.Unmarshal(graph, &nodes); err != nil {
		return nil
	}
	var out []string
	for id, n := range nodes {
		if _, ok := n.Inputs["filename_prefix"]; ok {
			out = append(out, id)
		}
	}
	return out
}

func historyFor(promptID string, outputs []string) []enginetest.HistoryOutput {
	hist := make([]enginetest.HistoryOutput, len(outputs))
	for i, node := range outputs {
		hist[i] = enginetest.HistoryOutput{
			Node:  node,
			Files: []string{fmt.Sprintf("%s_node%s_00001_.png", promptID, node)},
		}
	}
	return hist
}
