// Package checkpoint persists serialized model heads, either on the local
// filesystem or in S3.
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"

	"legalner.dev/lnt/types"
)

// Store saves and loads checkpoint blobs keyed by run id and file name.
// Save returns the full key the blob ended up under; List returns the keys
// written for a run.
type Store interface {
	Save(runID, name string, data []byte) (string, error)
	Load(key string) ([]byte, error)
	List(runID string) ([]string, error)
}

// ForConfig picks the store the run config asks for.
func ForConfig(cfg types.RunConfig) (Store, error) {
	switch cfg.CheckpointStore {
	case types.StoreLocal:
		return NewLocal(cfg.CheckpointDir)
	case types.StoreS3:
		return NewS3()
	default:
		return nil, fmt.Errorf("unknown checkpoint store %q", cfg.CheckpointStore)
	}
}

// Local writes checkpoints under a base directory, one subdirectory per run.
type Local struct {
	baseDir string
}

func NewLocal(baseDir string) (*Local, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("checkpoint directory is empty")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, err
	}
	return &Local{baseDir: baseDir}, nil
}

func (s *Local) Save(runID, name string, data []byte) (string, error) {
	dir := filepath.Join(s.baseDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	key := filepath.Join(dir, name)

	// Write through a temp file so a crash mid-write never leaves a truncated
	// checkpoint under the final key.
	tmp, err := os.CreateTemp(dir, name+".tmp-*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), key); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return key, nil
}

func (s *Local) Load(key string) ([]byte, error) {
	return os.ReadFile(key)
}

func (s *Local) List(runID string) ([]string, error) {
	dir := filepath.Join(s.baseDir, runID)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		keys = append(keys, filepath.Join(dir, entry.Name()))
	}
	return keys, nil
}
