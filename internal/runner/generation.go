package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"github.com/mkarel/storyforge/internal/engine"
	"github.com/mkarel/storyforge/internal/model"
	"github.com/mkarel/storyforge/internal/workflow"
)

const (
	historyPollInterval = 2 * time.Second
	historyPollLimit    = 150
	historyNotFoundMax  = 5
)

// generationPayload is the input for every engine-backed task kind. Fields
// irrelevant to a kind are simply left zero and never bound.
type generationPayload struct {
	PositivePrompt     string `json:"positive_prompt"`
	NegativePrompt     string `json:"negative_prompt"`
	SourceImagePath    string `json:"source_image_path"`
	SceneImagePath     string `json:"scene_image_path"`
	CharacterImagePath string `json:"character_image_path"`
	Width              int    `json:"width"`
	Height             int    `json:"height"`
	Seed               int64  `json:"seed"`
	DurationFrames     int    `json:"duration_frames"`
	FPS                int    `json:"fps"`
}

// kindSpec describes how one task kind maps onto a workflow template and how
// its result is shaped. incrementalExt enables mid-run artifact fetches by
// predicted filename; it stays empty for kinds whose output naming the engine
// does not make predictable.
type kindSpec struct {
	template       string
	resultKey      string
	multi          bool
	incrementalExt string
}

var kindSpecs = map[string]kindSpec{
	model.KindGenBase:       {template: "gen_base", resultKey: "image_path", incrementalExt: ".png"},
	model.KindGenSceneBase:  {template: "gen_scene_base", resultKey: "image_path", incrementalExt: ".png"},
	model.KindGenViews:      {template: "gen_views", resultKey: "view_paths", multi: true, incrementalExt: ".png"},
	model.KindGenSceneMerge: {template: "gen_scene_merge", resultKey: "merged_image_path", incrementalExt: ".png"},
	model.KindGenVideo:      {template: "gen_video", resultKey: "video_path"},
}

// Generation runs every engine-backed task kind: it binds the kind's
// workflow template, submits the graph, follows the progress stream, pulls
// artifacts down as their nodes finish, and reconciles against history
// before declaring the task done.
type Generation struct {
	engine    *engine.Client
	templates map[string]*workflow.Template
	artifacts *ArtifactStore
	logger    *slog.Logger

	// PollInterval is the history poll cadence. Zero means the default.
	PollInterval time.Duration
}

// NewGeneration creates the engine-backed runner. templates must contain an
// entry for every kind the runner is registered under.
func NewGeneration(client *engine.Client, templates map[string]*workflow.Template, artifacts *ArtifactStore, logger *slog.Logger) *Generation {
	return &Generation{
		engine:    client,
		templates: templates,
		artifacts: artifacts,
		logger:    logger,
	}
}

// Run executes one engine job for the claimed task.
func (g *Generation) Run(ctx context.Context, rc *RunContext) (json.RawMessage, error) {
	spec, ok := kindSpecs[rc.Task.Kind]
	if !ok {
		return nil, fmt.Errorf("kind %q is not engine-backed", rc.Task.Kind)
	}
	tpl, ok := g.templates[spec.template]
	if !ok {
		return nil, fmt.Errorf("workflow template %q is not loaded", spec.template)
	}

	var payload generationPayload
	if len(rc.Task.Payload) > 0 {
		if err := json.Unmarshal(rc.Task.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}

	params, err := g.buildParams(ctx, rc.Task.Kind, &payload)
	if err != nil {
		return nil, err
	}

	binding, err := tpl.Bind(params)
	if err != nil {
		return nil, err
	}

	// Stamp a unique filename prefix on every output node so artifacts from
	// different runs can never collide in the engine's output directory.
	prefixes := make(map[string]string, len(tpl.Outputs))
	for nodeID, label := range tpl.Outputs {
		prefix := fmt.Sprintf("%s_%06x_%s", rc.Task.ID, rand.Intn(1<<24), label)
		if err := binding.Graph.SetInput(nodeID, "filename_prefix", prefix); err != nil {
			return nil, fmt.Errorf("stamp output prefix: %w", err)
		}
		prefixes[nodeID] = prefix
	}

	graph, err := binding.MarshalGraph()
	if err != nil {
		return nil, err
	}

	log := rc.Logger.With("kind", rc.Task.Kind, "template", tpl.Name)
	log.Info("submitting engine job", "seed", binding.Seed)

	promptID, err := g.engine.Submit(ctx, graph)
	if err != nil {
		var rejected *engine.RejectedError
		if errors.As(err, &rejected) {
			// A rejected graph will never pass on retry.
			return nil, fmt.Errorf("engine rejected job: %w", err)
		}
		return nil, err
	}
	log = log.With("prompt_id", promptID)
	log.Info("engine job submitted")

	paths := make(map[string]string)

	stream, err := g.engine.OpenProgressStream(ctx, promptID)
	completed := false
	if err != nil {
		log.Warn("progress stream unavailable, falling back to history polling", "error", err)
	} else {
		var execErr string
		completed, execErr, err = g.consumeStream(ctx, rc, log, stream, spec, tpl, prefixes, paths, promptID)
		stream.Close()
		if err != nil {
			return nil, err
		}
		if execErr != "" {
			return nil, fmt.Errorf("engine execution failed: %s", execErr)
		}
	}

	return g.finalize(ctx, rc, log, spec, tpl, promptID, paths, binding.Seed, completed)
}

// buildParams turns the payload into template parameters, uploading any
// local source images into the engine first. Only set fields are bound, so
// templates declare exactly the parameters their kind can receive.
func (g *Generation) buildParams(ctx context.Context, kind string, p *generationPayload) (workflow.Params, error) {
	params := workflow.Params{workflow.SeedParam: p.Seed}
	if p.PositivePrompt != "" {
		params["positivePrompt"] = p.PositivePrompt
	}
	if p.NegativePrompt != "" {
		params["negativePrompt"] = p.NegativePrompt
	}
	if p.Width > 0 {
		params["width"] = p.Width
	}
	if p.Height > 0 {
		params["height"] = p.Height
	}

	upload := func(path, param string) error {
		if path == "" {
			return fmt.Errorf("kind %s requires %s in the payload", kind, param)
		}
		abs, err := g.artifacts.Open(path)
		if err != nil {
			return err
		}
		name, err := g.engine.UploadImage(ctx, abs)
		if err != nil {
			return fmt.Errorf("upload %s: %w", param, err)
		}
		params[param] = name
		return nil
	}

	switch kind {
	case model.KindGenViews, model.KindGenVideo:
		if err := upload(p.SourceImagePath, "sourceImage"); err != nil {
			return nil, err
		}
	case model.KindGenSceneMerge:
		if err := upload(p.SceneImagePath, "sceneImage"); err != nil {
			return nil, err
		}
		if err := upload(p.CharacterImagePath, "characterImage"); err != nil {
			return nil, err
		}
	}

	if kind == model.KindGenVideo {
		if p.DurationFrames > 0 {
			params["durationFrames"] = p.DurationFrames
		}
		if p.FPS > 0 {
			params["fps"] = p.FPS
		}
	}
	return params, nil
}

// consumeStream follows the progress stream until a terminal event, a
// disconnect, or cancellation. It reports progress, fetches finished output
// nodes incrementally, and returns (completed, executionError, err); err is
// non-nil only for cancellation.
func (g *Generation) consumeStream(
	ctx context.Context,
	rc *RunContext,
	log *slog.Logger,
	stream *engine.ProgressStream,
	spec kindSpec,
	tpl *workflow.Template,
	prefixes map[string]string,
	paths map[string]string,
	promptID string,
) (bool, string, error) {
	current := ""
	for {
		select {
		case <-ctx.Done():
			// Best effort: the engine's interrupt aborts whatever it is
			// currently executing, which on a busy engine may be a
			// neighboring job rather than this one.
			if err := g.engine.Interrupt(context.Background()); err != nil {
				log.Warn("interrupt request failed", "error", err)
			}
			return false, "", fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())

		case ev, ok := <-stream.Events():
			if !ok {
				if stream.Err() != nil {
					log.Warn("progress stream dropped, reconciling via history", "error", stream.Err())
				}
				return false, "", nil
			}

			switch e := ev.(type) {
			case engine.ProgressEvent:
				rc.ReportProgress(streamProgress(len(paths), len(tpl.Outputs), e.Value, e.Max))

			case engine.ExecutingEvent:
				if current != "" {
					g.fetchIncremental(ctx, rc, log, spec, tpl, prefixes, paths, current)
				}
				current = *e.NodeID
				log.Debug("executing node", "node", current)

			case engine.ErrorEvent:
				return false, e.Message, nil

			case engine.CompleteEvent:
				if current != "" {
					g.fetchIncremental(ctx, rc, log, spec, tpl, prefixes, paths, current)
				}
				return true, "", nil
			}
		}
	}
}

// streamProgress folds finished outputs and current-node sampler progress
// into one 0-99 value. 100 is reserved for the terminal commit.
func streamProgress(done, total, value, max int) int {
	if total <= 0 {
		total = 1
	}
	p := done * 100 / total
	if max > 0 {
		p += value * 100 / max / total
	}
	if p > 99 {
		p = 99
	}
	if p < 0 {
		p = 0
	}
	return p
}

// fetchIncremental tries to pull a just-finished output node's artifact by
// its predicted filename, so watchers see partial results while later nodes
// still run. Strictly best effort: the file may not be visible yet, and the
// final history sweep remains authoritative.
func (g *Generation) fetchIncremental(
	ctx context.Context,
	rc *RunContext,
	log *slog.Logger,
	spec kindSpec,
	tpl *workflow.Template,
	prefixes map[string]string,
	paths map[string]string,
	nodeID string,
) {
	if spec.incrementalExt == "" {
		return
	}
	label, ok := tpl.Outputs[nodeID]
	if !ok {
		return
	}
	if _, done := paths[label]; done {
		return
	}

	filename := prefixes[nodeID] + "_00001_" + spec.incrementalExt
	data, err := g.engine.DownloadArtifact(ctx, engine.ArtifactRef{Filename: filename, Type: "output"})
	if err != nil {
		var notFound *engine.ArtifactNotFoundError
		if errors.As(err, &notFound) {
			log.Debug("artifact not visible yet, deferring to final sweep", "node", nodeID, "filename", filename)
		} else {
			log.Warn("incremental artifact fetch failed", "node", nodeID, "error", err)
		}
		return
	}

	rel, err := g.artifacts.Save(rc.Task.OwnerType, rc.Task.OwnerID, label, filename, data)
	if err != nil {
		log.Warn("incremental artifact save failed", "node", nodeID, "error", err)
		return
	}
	paths[label] = rel
	log.Info("artifact downloaded", "label", label, "path", rel)

	if partial, err := marshalResult(spec, paths, 0, false); err == nil {
		rc.ReportResult(partial)
	}
	rc.ReportProgress(streamProgress(len(paths), len(tpl.Outputs), 0, 0))
}

// finalize polls history until the engine records a terminal state, then
// downloads every output the stream did not already deliver and assembles
// the final result.
func (g *Generation) finalize(
	ctx context.Context,
	rc *RunContext,
	log *slog.Logger,
	spec kindSpec,
	tpl *workflow.Template,
	promptID string,
	paths map[string]string,
	seed int64,
	completed bool,
) (json.RawMessage, error) {
	h, err := g.awaitHistory(ctx, log, promptID, completed)
	if err != nil {
		return nil, err
	}
	if h.Error != "" {
		return nil, fmt.Errorf("engine execution failed: %s", h.Error)
	}

	// Stable node order keeps multi-output error reporting deterministic.
	nodes := make([]string, 0, len(tpl.Outputs))
	for nodeID := range tpl.Outputs {
		nodes = append(nodes, nodeID)
	}
	sort.Strings(nodes)

	for _, nodeID := range nodes {
		label := tpl.Outputs[nodeID]
		if _, done := paths[label]; done {
			continue
		}
		refs := h.Outputs[nodeID]
		if len(refs) == 0 {
			return nil, fmt.Errorf("engine recorded no output for node %s (%s)", nodeID, label)
		}
		data, err := g.engine.DownloadArtifact(ctx, refs[0])
		if err != nil {
			return nil, fmt.Errorf("download %s: %w", label, err)
		}
		rel, err := g.artifacts.Save(rc.Task.OwnerType, rc.Task.OwnerID, label, refs[0].Filename, data)
		if err != nil {
			return nil, err
		}
		paths[label] = rel
		log.Info("artifact downloaded", "label", label, "path", rel)
	}

	return marshalResult(spec, paths, seed, true)
}

// awaitHistory polls the engine's history until the job shows a terminal
// state. When the stream already saw completion the first poll usually
// resolves; after a disconnect this is the recovery path.
func (g *Generation) awaitHistory(ctx context.Context, log *slog.Logger, promptID string, completed bool) (*engine.History, error) {
	interval := g.PollInterval
	if interval <= 0 {
		interval = historyPollInterval
	}

	notFound := 0
	for attempt := 0; ; attempt++ {
		h, err := g.engine.History(ctx, promptID)
		switch {
		case errors.Is(err, engine.ErrJobNotFound):
			// History only lists finished jobs. After a disconnect an
			// absent job is most likely still executing, so keep waiting
			// for it; only a job the stream already saw complete must be
			// there.
			if completed {
				notFound++
				if notFound >= historyNotFoundMax {
					return nil, fmt.Errorf("job %s missing from engine history", promptID)
				}
			}
		case err != nil:
			return nil, err
		case h.Error != "" || h.Completed:
			return h, nil
		default:
			if completed {
				// Stream saw the terminal event; history just hasn't flushed.
				log.Debug("history not terminal yet after stream completion")
			}
		}

		if attempt >= historyPollLimit {
			return nil, fmt.Errorf("job %s never reached a terminal state in history", promptID)
		}
		select {
		case <-ctx.Done():
			if err := g.engine.Interrupt(context.Background()); err != nil {
				log.Warn("interrupt request failed", "error", err)
			}
			return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		case <-time.After(interval):
		}
	}
}

// marshalResult shapes the artifact paths into the kind's result payload.
// final controls whether the effective seed is included; partial results
// omit it so the terminal result stays the single source of truth for it.
func marshalResult(spec kindSpec, paths map[string]string, seed int64, final bool) (json.RawMessage, error) {
	out := make(map[string]any, 2)
	if spec.multi {
		out[spec.resultKey] = paths
	} else {
		labels := make([]string, 0, len(paths))
		for label := range paths {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		if len(labels) > 0 {
			out[spec.resultKey] = paths[labels[0]]
		}
	}
	if final {
		out["seed"] = seed
	}
	return json.Marshal(out)
}
