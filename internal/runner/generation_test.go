package runner_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mkarel/storyforge/internal/engine"
	"github.com/mkarel/storyforge/internal/enginetest"
	"github.com/mkarel/storyforge/internal/model"
	"github.com/mkarel/storyforge/internal/runner"
	"github.com/mkarel/storyforge/internal/workflow"
)

const genBaseTemplate = `{
	"name": "gen_base",
	"graph": {
		"91": {"class_type": "PrimitiveString", "inputs": {"value": ""}},
		"7": {"class_type": "CLIPTextEncode", "inputs": {"text": ""}},
		"58": {"class_type": "EmptyLatentImage", "inputs": {"width": 512, "height": 512}},
		"3": {"class_type": "KSampler", "inputs": {"seed": 0, "steps": 20}},
		"90": {"class_type": "SaveImage", "inputs": {"filename_prefix": "out"}}
	},
	"params": {
		"positivePrompt": {"required": true, "targets": [{"node": "91", "field": "value"}]},
		"negativePrompt": {"targets": [{"node": "7", "field": "text"}]},
		"width": {"targets": [{"node": "58", "field": "width"}]},
		"height": {"targets": [{"node": "58", "field": "height"}]},
		"seed": {"targets": [{"node": "3", "field": "seed"}]}
	},
	"outputs": {"90": "base"}
}`

const genViewsTemplate = `{
	"name": "gen_views",
	"graph": {
		"1": {"class_type": "LoadImage", "inputs": {"image": ""}},
		"2": {"class_type": "KSampler", "inputs": {"seed": 0}},
		"30": {"class_type": "SaveImage", "inputs": {"filename_prefix": ""}},
		"31": {"class_type": "SaveImage", "inputs": {"filename_prefix": ""}}
	},
	"params": {
		"sourceImage": {"required": true, "targets": [{"node": "1", "field": "image"}]},
		"seed": {"targets": [{"node": "2", "field": "seed"}]}
	},
	"outputs": {"30": "front", "31": "side"}
}`

// capture collects what a runner reports so tests can assert on ordering.
type capture struct {
	mu       sync.Mutex
	progress []int
	results  []json.RawMessage
}

func (c *capture) reportProgress(p int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progress = append(c.progress, p)
}

func (c *capture) reportResult(r json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, append(json.RawMessage(nil), r...))
}

func (c *capture) snapshot() ([]int, []json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.progress...), append([]json.RawMessage(nil), c.results...)
}

type genHarness struct {
	fake      *enginetest.Fake
	gen       *runner.Generation
	artifacts *runner.ArtifactStore
}

func newGenHarness(t *testing.T) *genHarness {
	t.Helper()

	dir := t.TempDir()
	for name, content := range map[string]string{
		"gen_base.json":  genBaseTemplate,
		"gen_views.json": genViewsTemplate,
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write template: %v", err)
		}
	}
	templates, err := workflow.Load(dir)
	if err != nil {
		t.Fatalf("Load templates: %v", err)
	}

	fake := enginetest.New()
	t.Cleanup(fake.Close)

	artifacts := runner.NewArtifactStore(t.TempDir())
	client := engine.NewClient(fake.URL(), fake.WSURL())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return &genHarness{
		fake:      fake,
		gen:       runner.NewGeneration(client, templates, artifacts, logger),
		artifacts: artifacts,
	}
}

func newTask(kind string, payload string) *model.Task {
	return &model.Task{
		ID:        model.NewID(),
		Kind:      kind,
		Status:    model.StatusRunning,
		Payload:   json.RawMessage(payload),
		OwnerType: model.OwnerCharacter,
		OwnerID:   "char-1",
	}
}

func runContext(task *model.Task, c *capture) *runner.RunContext {
	return &runner.RunContext{
		Task:           task,
		ReportProgress: c.reportProgress,
		ReportResult:   c.reportResult,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestGenerationSuccess(t *testing.T) {
	h := newGenHarness(t)
	h.fake.DefaultFile = []byte("png-bytes")
	h.fake.OnSubmit = func(f *enginetest.Fake, promptID string, _ json.RawMessage) {
		f.SetHistory(promptID, true, "", []enginetest.HistoryOutput{
			{Node: "90", Files: []string{"final_00001_.png"}},
		})
		node := "3"
		f.EmitExecuting(promptID, &node)
		f.EmitProgress(promptID, 10, 20)
		f.EmitProgress(promptID, 20, 20)
		out := "90"
		f.EmitExecuting(promptID, &out)
		f.EmitComplete(promptID)
	}

	task := newTask(model.KindGenBase, `{"positive_prompt":"a knight","seed":42}`)
	c := &capture{}

	result, err := h.gen.Run(context.Background(), runContext(task, c))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var res struct {
		ImagePath string `json:"image_path"`
		Seed      int64  `json:"seed"`
	}
	if err := json.Unmarshal(result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !strings.HasPrefix(res.ImagePath, "characters/char-1/base/") {
		t.Errorf("image_path = %q, want under characters/char-1/base/", res.ImagePath)
	}
	if res.Seed != 42 {
		t.Errorf("seed = %d, want 42", res.Seed)
	}

	abs, err := h.artifacts.Open(res.ImagePath)
	if err != nil {
		t.Fatalf("artifact not on disk: %v", err)
	}
	data, _ := os.ReadFile(abs)
	if string(data) != "png-bytes" {
		t.Errorf("artifact bytes = %q, want png-bytes", data)
	}

	progress, _ := c.snapshot()
	if len(progress) == 0 {
		t.Fatal("no progress reported")
	}
	for _, p := range progress {
		if p < 0 || p > 99 {
			t.Errorf("streamed progress %d outside [0,99]", p)
		}
	}
}

func TestGenerationSubstitutesPayload(t *testing.T) {
	h := newGenHarness(t)
	h.fake.DefaultFile = []byte("x")
	h.fake.OnSubmit = func(f *enginetest.Fake, promptID string, _ json.RawMessage) {
		f.SetHistory(promptID, true, "", []enginetest.HistoryOutput{
			{Node: "90", Files: []string{"a_00001_.png"}},
		})
		f.EmitComplete(promptID)
	}

	task := newTask(model.KindGenBase, `{"positive_prompt":"castle","negative_prompt":"blurry","width":768,"height":1024,"seed":7}`)
	if _, err := h.gen.Run(context.Background(), runContext(task, &capture{})); err != nil {
		t.Fatalf("Run: %v", err)
	}

	subs := h.fake.Submissions()
	if len(subs) != 1 {
		t.Fatalf("len(submissions) = %d, want 1", len(subs))
	}
	var graph map[string]struct {
		Inputs map[string]any `json:"inputs"`
	}
	if err := json.Unmarshal(subs[0].Graph, &graph); err != nil {
		t.Fatalf("decode submitted graph: %v", err)
	}
	if got := graph["91"].Inputs["value"]; got != "castle" {
		t.Errorf("positive prompt = %v, want castle", got)
	}
	if got := graph["7"].Inputs["text"]; got != "blurry" {
		t.Errorf("negative prompt = %v, want blurry", got)
	}
	if got := graph["58"].Inputs["width"]; got != float64(768) {
		t.Errorf("width = %v, want 768", got)
	}
	if got := graph["3"].Inputs["seed"]; got != float64(7) {
		t.Errorf("seed = %v, want 7", got)
	}
	prefix, _ := graph["90"].Inputs["filename_prefix"].(string)
	if !strings.HasPrefix(prefix, task.ID+"_") || !strings.HasSuffix(prefix, "_base") {
		t.Errorf("filename_prefix = %q, want <task-id>_<suffix>_base", prefix)
	}
}

func TestGenerationZeroSeedReportedBack(t *testing.T) {
	h := newGenHarness(t)
	h.fake.DefaultFile = []byte("x")
	h.fake.OnSubmit = func(f *enginetest.Fake, promptID string, _ json.RawMessage) {
		f.SetHistory(promptID, true, "", []enginetest.HistoryOutput{
			{Node: "90", Files: []string{"a_00001_.png"}},
		})
		f.EmitComplete(promptID)
	}

	task := newTask(model.KindGenBase, `{"positive_prompt":"p","seed":0}`)
	result, err := h.gen.Run(context.Background(), runContext(task, &capture{}))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var res struct {
		Seed int64 `json:"seed"`
	}
	if err := json.Unmarshal(result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Seed == 0 {
		t.Error("zero seed was not replaced with the effective random seed")
	}
}

func TestGenerationRejected(t *testing.T) {
	h := newGenHarness(t)
	h.fake.RejectMessage = "unknown node class"

	task := newTask(model.KindGenBase, `{"positive_prompt":"p","seed":1}`)
	_, err := h.gen.Run(context.Background(), runContext(task, &capture{}))

	var rejected *engine.RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("Run error = %v, want *RejectedError", err)
	}
}

func TestGenerationExecutionError(t *testing.T) {
	h := newGenHarness(t)
	h.fake.OnSubmit = func(f *enginetest.Fake, promptID string, _ json.RawMessage) {
		f.EmitError(promptID, "CUDA out of memory")
	}

	task := newTask(model.KindGenBase, `{"positive_prompt":"p","seed":1}`)
	_, err := h.gen.Run(context.Background(), runContext(task, &capture{}))
	if err == nil || !strings.Contains(err.Error(), "CUDA out of memory") {
		t.Errorf("Run error = %v, want engine failure message", err)
	}
}

func TestGenerationDisconnectReconciles(t *testing.T) {
	h := newGenHarness(t)
	h.fake.SetFile("recovered_00001_.png", []byte("recovered"))
	h.fake.OnSubmit = func(f *enginetest.Fake, promptID string, _ json.RawMessage) {
		// The job finishes on the engine, but the stream dies first.
		f.SetHistory(promptID, true, "", []enginetest.HistoryOutput{
			{Node: "90", Files: []string{"recovered_00001_.png"}},
		})
		f.EmitProgress(promptID, 1, 20)
		f.CloseStreams()
	}

	task := newTask(model.KindGenBase, `{"positive_prompt":"p","seed":1}`)
	result, err := h.gen.Run(context.Background(), runContext(task, &capture{}))
	if err != nil {
		t.Fatalf("Run after disconnect: %v", err)
	}

	var res struct {
		ImagePath string `json:"image_path"`
	}
	if err := json.Unmarshal(result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !strings.Contains(res.ImagePath, "recovered_00001_.png") {
		t.Errorf("image_path = %q, want the history-recovered artifact", res.ImagePath)
	}
}

func TestGenerationDisconnectAwaitsStillRunningJob(t *testing.T) {
	h := newGenHarness(t)
	h.gen.PollInterval = 10 * time.Millisecond
	h.fake.SetFile("late_00001_.png", []byte("late"))
	h.fake.OnSubmit = func(f *enginetest.Fake, promptID string, _ json.RawMessage) {
		f.EmitProgress(promptID, 1, 20)
		// The stream dies while the engine keeps executing; the job only
		// shows up in history once it finishes, well after the first
		// reconciliation polls come back empty.
		f.CloseStreams()
		time.Sleep(300 * time.Millisecond)
		f.SetHistory(promptID, true, "", []enginetest.HistoryOutput{
			{Node: "90", Files: []string{"late_00001_.png"}},
		})
	}

	task := newTask(model.KindGenBase, `{"positive_prompt":"p","seed":1}`)
	result, err := h.gen.Run(context.Background(), runContext(task, &capture{}))
	if err != nil {
		t.Fatalf("Run failed a job that was still running on the engine: %v", err)
	}

	var res struct {
		ImagePath string `json:"image_path"`
	}
	if err := json.Unmarshal(result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !strings.Contains(res.ImagePath, "late_00001_.png") {
		t.Errorf("image_path = %q, want the late-history artifact", res.ImagePath)
	}
}

func TestGenerationMissingOutput(t *testing.T) {
	h := newGenHarness(t)
	h.fake.OnSubmit = func(f *enginetest.Fake, promptID string, _ json.RawMessage) {
		f.SetHistory(promptID, true, "", nil)
		f.EmitComplete(promptID)
	}

	task := newTask(model.KindGenBase, `{"positive_prompt":"p","seed":1}`)
	_, err := h.gen.Run(context.Background(), runContext(task, &capture{}))
	if err == nil || !strings.Contains(err.Error(), "no output") {
		t.Errorf("Run error = %v, want missing-output failure", err)
	}
}

func TestGenerationCancellation(t *testing.T) {
	h := newGenHarness(t)
	h.fake.OnSubmit = func(f *enginetest.Fake, promptID string, _ json.RawMessage) {
		f.EmitProgress(promptID, 1, 20)
		// Then silence: the job hangs until interrupted.
	}

	task := newTask(model.KindGenBase, `{"positive_prompt":"p","seed":1}`)
	c := &capture{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		_, err := h.gen.Run(ctx, runContext(task, c))
		errCh <- err
	}()

	// Wait until the runner is streaming before cancelling.
	deadline := time.Now().Add(5 * time.Second)
	for {
		progress, _ := c.snapshot()
		if len(progress) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("runner never reported progress")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, runner.ErrCancelled) {
			t.Fatalf("Run error = %v, want ErrCancelled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop after cancellation")
	}

	if h.fake.Interrupts() != 1 {
		t.Errorf("interrupts = %d, want 1", h.fake.Interrupts())
	}
}

func TestGenerationViewsIncrementalResults(t *testing.T) {
	h := newGenHarness(t)
	h.fake.DefaultFile = []byte("view-bytes")

	// Seed a source image the task can reference.
	rel, err := h.artifacts.Save(model.OwnerCharacter, "char-1", "base", "base.png", []byte("source"))
	if err != nil {
		t.Fatalf("seed source artifact: %v", err)
	}

	h.fake.OnSubmit = func(f *enginetest.Fake, promptID string, _ json.RawMessage) {
		f.SetHistory(promptID, true, "", []enginetest.HistoryOutput{
			{Node: "30", Files: []string{"front_00001_.png"}},
			{Node: "31", Files: []string{"side_00001_.png"}},
		})
		front := "30"
		f.EmitExecuting(promptID, &front)
		f.EmitProgress(promptID, 20, 20)
		side := "31"
		f.EmitExecuting(promptID, &side)
		f.EmitProgress(promptID, 20, 20)
		f.EmitComplete(promptID)
	}

	task := newTask(model.KindGenViews, `{"source_image_path":"`+rel+`","seed":5}`)
	c := &capture{}

	result, err := h.gen.Run(context.Background(), runContext(task, c))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, ok := h.fake.Uploads()["base.png"]; !ok {
		t.Error("source image was not uploaded to the engine")
	}

	var res struct {
		ViewPaths map[string]string `json:"view_paths"`
	}
	if err := json.Unmarshal(result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(res.ViewPaths) != 2 {
		t.Fatalf("view_paths = %v, want front and side", res.ViewPaths)
	}
	for _, label := range []string{"front", "side"} {
		if !strings.HasPrefix(res.ViewPaths[label], "characters/char-1/"+label+"/") {
			t.Errorf("view %s path = %q, want under characters/char-1/%s/", label, res.ViewPaths[label], label)
		}
	}

	// The first view must have been reported before the job finished.
	_, results := c.snapshot()
	if len(results) == 0 {
		t.Fatal("no incremental results reported")
	}
	var first struct {
		ViewPaths map[string]string `json:"view_paths"`
	}
	if err := json.Unmarshal(results[0], &first); err != nil {
		t.Fatalf("decode first partial result: %v", err)
	}
	if len(first.ViewPaths) != 1 {
		t.Errorf("first partial result has %d views, want 1", len(first.ViewPaths))
	}
}

func TestGenerationMissingSourceImage(t *testing.T) {
	h := newGenHarness(t)

	task := newTask(model.KindGenViews, `{"seed":1}`)
	_, err := h.gen.Run(context.Background(), runContext(task, &capture{}))
	if err == nil || !strings.Contains(err.Error(), "source") {
		t.Errorf("Run error = %v, want missing source image failure", err)
	}
}
