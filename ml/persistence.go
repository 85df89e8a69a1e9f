package ml

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// ModelFileName is the snapshot file inside the model directory.
const ModelFileName = "outlier_model.msgpack.gz"

const snapshotFormat = 1

type modelSnapshot struct {
	Format int    `msgpack:"format"`
	Model  *Model `msgpack:"model"`
}

// ModelPersistence stores the active model as a gzip-compressed msgpack
// snapshot. Saves write a temporary file and rename it over the previous
// snapshot.
type ModelPersistence struct {
	modelDir string
	logger   *zap.SugaredLogger
	mu       sync.Mutex
}

// NewModelPersistence creates the model directory if needed.
func NewModelPersistence(modelDir string, logger *zap.SugaredLogger) (*ModelPersistence, error) {
	if modelDir == "" {
		return nil, fmt.Errorf("model directory cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if err := os.MkdirAll(modelDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create model directory: %w", err)
	}
	return &ModelPersistence{modelDir: modelDir, logger: logger}, nil
}

// Path returns the snapshot location.
func (mp *ModelPersistence) Path() string {
	return filepath.Join(mp.modelDir, ModelFileName)
}

// Save writes m as the current snapshot.
func (mp *ModelPersistence) Save(m *Model) error {
	if m == nil || m.Forest == nil {
		return fmt.Errorf("model cannot be nil")
	}

	mp.mu.Lock()
	defer mp.mu.Unlock()

	tmp, err := os.CreateTemp(mp.modelDir, ModelFileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	gz := gzip.NewWriter(tmp)
	if err := msgpack.NewEncoder(gz).Encode(modelSnapshot{Format: snapshotFormat, Model: m}); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode model: %w", err)
	}
	if err := gz.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to flush compressed model: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, mp.Path()); err != nil {
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}

	mp.logger.Infow("Saved outlier model", "path", mp.Path(), "samples", m.Samples)
	return nil
}

// Load reads the current snapshot. It returns ErrNoSnapshot when none
// has been saved.
func (mp *ModelPersistence) Load() (*Model, error) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	file, err := os.Open(mp.Path())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gz.Close()

	var snap modelSnapshot
	if err := msgpack.NewDecoder(gz).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode model: %w", err)
	}
	if snap.Format != snapshotFormat {
		return nil, fmt.Errorf("unsupported snapshot format %d", snap.Format)
	}
	if err := validateModel(snap.Model); err != nil {
		return nil, fmt.Errorf("invalid snapshot: %w", err)
	}

	mp.logger.Infow("Loaded outlier model", "path", mp.Path(), "trained_at", snap.Model.TrainedAt)
	return snap.Model, nil
}

func validateModel(m *Model) error {
	switch {
	case m == nil:
		return errors.New("missing model")
	case m.Forest == nil || len(m.Forest.Trees) == 0:
		return errors.New("missing forest")
	case len(m.Scaler.Mean) != m.Forest.Width || len(m.Scaler.StdDev) != m.Forest.Width:
		return errors.New("scaler width does not match forest")
	case len(m.Features) != m.Forest.Width:
		return errors.New("feature names do not match forest")
	}
	return nil
}
