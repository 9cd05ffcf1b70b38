package checkpoints

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tsawler/go-mnist/layers"
	"github.com/tsawler/go-mnist/model"
	"github.com/tsawler/go-mnist/tensor"
)

var (
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrCheckpointCorrupt  = errors.New("checkpoint corrupt")
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatProto
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatProto:
		return "Proto"
	default:
		return "Unknown"
	}
}

// Extension is the file extension used for the format, without the dot.
func (cf CheckpointFormat) Extension() string {
	switch cf {
	case FormatProto:
		return "pb"
	default:
		return "json"
	}
}

// ParseFormat maps a config value ("json" or "proto") to a format.
func ParseFormat(s string) (CheckpointFormat, error) {
	switch strings.ToLower(s) {
	case "json", "":
		return FormatJSON, nil
	case "proto", "pb", "protobuf":
		return FormatProto, nil
	default:
		return 0, fmt.Errorf("unsupported checkpoint format %q", s)
	}
}

// Checkpoint represents a complete model state including weights, optimizer state, and training metadata
type Checkpoint struct {
	// Model architecture and weights
	ModelSpec *layers.ModelSpec `json:"model_spec"`
	Weights   []WeightTensor    `json:"weights"`

	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight" or "bias"
}

// TrainingState captures the training progress. Epoch is the next epoch to run, so a
// resumed run starts there.
type TrainingState struct {
	Epoch         int     `json:"epoch"`
	Step          int     `json:"step"`
	LearningRate  float32 `json:"learning_rate"`
	BestPrecision float64 `json:"best_precision"`
	LastLoss      float64 `json:"last_loss"`
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.)
type OptimizerState struct {
	Type       string                 `json:"type"` // "SGD", "Adam"
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "variance"
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{format: format}
}

// Format returns the saver's format.
func (cs *CheckpointSaver) Format() CheckpointFormat { return cs.format }

// Encode serializes a checkpoint.
func (cs *CheckpointSaver) Encode(checkpoint *Checkpoint) ([]byte, error) {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-mnist"
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.CreatedAt = time.Now().UTC()
	}

	switch cs.format {
	case FormatJSON:
		var buf bytes.Buffer
		encoder := json.NewEncoder(&buf)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(checkpoint); err != nil {
			return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
		}
		return buf.Bytes(), nil
	case FormatProto:
		return marshalProto(checkpoint)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// Decode parses a serialized checkpoint. Any failure wraps ErrCheckpointCorrupt.
func (cs *CheckpointSaver) Decode(b []byte) (*Checkpoint, error) {
	var (
		checkpoint *Checkpoint
		err        error
	)
	switch cs.format {
	case FormatJSON:
		checkpoint = &Checkpoint{}
		decoder := json.NewDecoder(bytes.NewReader(b))
		err = decoder.Decode(checkpoint)
	case FormatProto:
		checkpoint, err = unmarshalProto(b)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckpointCorrupt, err)
	}
	if err := checkpoint.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckpointCorrupt, err)
	}
	return checkpoint, nil
}

func (c *Checkpoint) validate() error {
	if c.ModelSpec == nil {
		return fmt.Errorf("missing model spec")
	}
	if len(c.Weights) == 0 {
		return fmt.Errorf("no weights")
	}
	for _, w := range c.Weights {
		if tensor.NumElements(w.Shape) != len(w.Data) {
			return fmt.Errorf("weight %s: %d values for shape %v", w.Name, len(w.Data), w.Shape)
		}
	}
	if c.OptimizerState != nil {
		for _, s := range c.OptimizerState.StateData {
			if tensor.NumElements(s.Shape) != len(s.Data) {
				return fmt.Errorf("optimizer tensor %s: %d values for shape %v", s.Name, len(s.Data), s.Shape)
			}
		}
	}
	return nil
}

// SaveCheckpoint saves a complete model checkpoint. The file is written to a temporary
// name in the same directory and renamed, so readers never see a partial checkpoint.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	b, err := cs.Encode(checkpoint)
	if err != nil {
		return err
	}
	return writeAtomic(path, b)
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, path)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrCheckpointCorrupt, path, err)
	}
	return cs.Decode(b)
}

func writeAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move checkpoint into place: %w", err)
	}
	return nil
}

// WeightsFromStateDict converts a model snapshot into checkpoint weights.
func WeightsFromStateDict(sd model.StateDict) []WeightTensor {
	weights := make([]WeightTensor, len(sd))
	for i, e := range sd {
		layer, kind := e.Name, ""
		if dot := strings.LastIndex(e.Name, "."); dot >= 0 {
			layer, kind = e.Name[:dot], e.Name[dot+1:]
		}
		weights[i] = WeightTensor{
			Name:  e.Name,
			Shape: append([]int(nil), e.Tensor.Shape...),
			Data:  append([]float32(nil), e.Tensor.Data...),
			Layer: layer,
			Type:  kind,
		}
	}
	return weights
}

// StateDict rebuilds the model snapshot stored in the checkpoint.
func (c *Checkpoint) StateDict() (model.StateDict, error) {
	sd := make(model.StateDict, len(c.Weights))
	for i, w := range c.Weights {
		t, err := tensor.New(w.Shape, append([]float32(nil), w.Data...))
		if err != nil {
			return nil, fmt.Errorf("weight %s: %w", w.Name, err)
		}
		sd[i] = model.NamedTensor{Name: w.Name, Tensor: t}
	}
	return sd, nil
}
