package runner

import (
	"fmt"
	"os"
	"path/filepath"
)

// ArtifactStore persists downloaded engine outputs on local disk, laid out
// by owning entity so everything a character or scene produced lives under
// one directory:
//
//	<root>/<ownerType>s/<ownerID>/<label>/<filename>
type ArtifactStore struct {
	root string
}

// NewArtifactStore creates a store rooted at dir. The directory is created
// on first save, not here, so a misconfigured path fails loudly at run time
// with the task that hit it.
func NewArtifactStore(dir string) *ArtifactStore {
	return &ArtifactStore{root: dir}
}

// Root returns the base output directory.
func (s *ArtifactStore) Root() string {
	return s.root
}

// Save writes one artifact and returns its path relative to the store root,
// in slash form. The relative path is what goes into task results, so moving
// the root does not invalidate recorded results.
func (s *ArtifactStore) Save(ownerType, ownerID, label, filename string, data []byte) (string, error) {
	if ownerType == "" || ownerID == "" {
		return "", fmt.Errorf("artifact save: missing owner")
	}

	rel := filepath.Join(ownerType+"s", ownerID, label, filepath.Base(filename))
	abs := filepath.Join(s.root, rel)

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return filepath.ToSlash(rel), nil
}

// Open returns the absolute path for a previously saved relative path, after
// confirming the file exists.
func (s *ArtifactStore) Open(rel string) (string, error) {
	abs := filepath.Join(s.root, filepath.FromSlash(rel))
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("artifact %s: %w", rel, err)
	}
	return abs, nil
}
