package runner_test

import (
	"context"
	"encoding/json"
	"os"
	"reflect"
	"testing"

	"github.com/mkarel/storyforge/internal/model"
	"github.com/mkarel/storyforge/internal/runner"
)

type nopRunner struct{}

func (nopRunner) Run(context.Context, *runner.RunContext) (json.RawMessage, error) {
	return nil, nil
}

func TestRegistryResolve(t *testing.T) {
	r := runner.NewRegistry()
	r.Register(model.KindGenBase, nopRunner{})

	if _, err := r.Resolve(model.KindGenBase); err != nil {
		t.Errorf("Resolve registered kind: %v", err)
	}
	if _, err := r.Resolve(model.KindGenVideo); err == nil {
		t.Error("Resolve returned a runner for an unregistered kind")
	}
}

func TestRegistryKindsSorted(t *testing.T) {
	r := runner.NewRegistry()
	r.Register(model.KindGenViews, nopRunner{})
	r.Register(model.KindGenBase, nopRunner{})
	r.Register(model.KindGenPrompt, nopRunner{})

	want := []string{model.KindGenBase, model.KindGenPrompt, model.KindGenViews}
	if got := r.Kinds(); !reflect.DeepEqual(got, want) {
		t.Errorf("Kinds() = %v, want %v", got, want)
	}
}

func TestArtifactStoreRoundTrip(t *testing.T) {
	s := runner.NewArtifactStore(t.TempDir())

	rel, err := s.Save(model.OwnerScene, "scene-7", "base", "img_00001_.png", []byte("data"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if rel != "scenes/scene-7/base/img_00001_.png" {
		t.Errorf("rel = %q, want scenes/scene-7/base/img_00001_.png", rel)
	}

	abs, err := s.Open(rel)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if string(data) != "data" {
		t.Errorf("artifact bytes = %q, want data", data)
	}
}

func TestArtifactStoreRejectsMissingOwner(t *testing.T) {
	s := runner.NewArtifactStore(t.TempDir())
	if _, err := s.Save("", "", "base", "a.png", nil); err == nil {
		t.Error("Save accepted an artifact with no owner")
	}
}

func TestArtifactStoreStripsPathComponents(t *testing.T) {
	s := runner.NewArtifactStore(t.TempDir())

	rel, err := s.Save(model.OwnerCharacter, "c", "base", "../../../etc/passwd", []byte("x"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if rel != "characters/c/base/passwd" {
		t.Errorf("rel = %q, directory components not stripped", rel)
	}
}
