package checkpoints

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/go-mnist/config"
	"github.com/tsawler/go-mnist/model"
)

func testCheckpoint(t *testing.T) *Checkpoint {
	t.Helper()
	m, err := model.NewCNN(config.ModelConfig{Channels: []int{2}, KernelSize: 3, Classes: 10}, rand.New(rand.NewSource(3)))
	require.NoError(t, err)

	return &Checkpoint{
		ModelSpec: m.Spec(),
		Weights:   WeightsFromStateDict(m.StateDict()),
		TrainingState: TrainingState{
			Epoch:         4,
			Step:          1200,
			LearningRate:  0.001,
			BestPrecision: 97.25,
			LastLoss:      0.0831,
		},
		OptimizerState: &OptimizerState{
			Type: "Adam",
			Parameters: map[string]interface{}{
				"learning_rate": 0.001,
				"step_count":    float64(1200),
				"amsgrad":       false,
				"note":          "resume",
			},
			StateData: []OptimizerTensor{
				{Name: "m_0", Shape: []int{2, 3}, Data: []float32{1e-7, -2.5, 3, 0, 1.5, -1e-30}, StateType: "momentum"},
				{Name: "v_0", Shape: []int{2, 3}, Data: []float32{1, 2, 3, 4, 5, 6}, StateType: "variance"},
			},
		},
		Metadata: CheckpointMetadata{
			Version:     "1.0.0",
			Framework:   "go-mnist",
			CreatedAt:   time.Date(2024, 5, 1, 12, 30, 0, 123456789, time.UTC),
			Description: "test checkpoint",
			Tags:        []string{"test", "mnist"},
		},
	}
}

func assertSameCheckpoint(t *testing.T, want, got *Checkpoint) {
	t.Helper()
	require.NoError(t, want.ModelSpec.Compatible(got.ModelSpec))
	assert.Equal(t, want.Weights, got.Weights)
	assert.Equal(t, want.TrainingState, got.TrainingState)
	assert.Equal(t, want.OptimizerState, got.OptimizerState)
	assert.Equal(t, want.Metadata.Version, got.Metadata.Version)
	assert.True(t, want.Metadata.CreatedAt.Equal(got.Metadata.CreatedAt))
	assert.Equal(t, want.Metadata.Tags, got.Metadata.Tags)

	wantSD, err := want.StateDict()
	require.NoError(t, err)
	gotSD, err := got.StateDict()
	require.NoError(t, err)
	assert.True(t, wantSD.Equal(gotSD), "weights must round trip bit for bit")
}

func TestCheckpointRoundTrip(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatJSON, FormatProto} {
		t.Run(format.String(), func(t *testing.T) {
			ckpt := testCheckpoint(t)
			saver := NewCheckpointSaver(format)
			path := filepath.Join(t.TempDir(), "ckpt."+format.Extension())

			require.NoError(t, saver.SaveCheckpoint(ckpt, path))
			loaded, err := saver.LoadCheckpoint(path)
			require.NoError(t, err)
			assertSameCheckpoint(t, ckpt, loaded)
		})
	}
}

func TestEncodeFillsMetadata(t *testing.T) {
	ckpt := testCheckpoint(t)
	ckpt.Metadata = CheckpointMetadata{}
	_, err := NewCheckpointSaver(FormatProto).Encode(ckpt)
	require.NoError(t, err)
	assert.Equal(t, "go-mnist", ckpt.Metadata.Framework)
	assert.False(t, ckpt.Metadata.CreatedAt.IsZero())
}

func TestLoadMissingCheckpoint(t *testing.T) {
	_, err := NewCheckpointSaver(FormatJSON).LoadCheckpoint(filepath.Join(t.TempDir(), "nope.json"))
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestLoadCorruptCheckpoint(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name   string
		format CheckpointFormat
		data   []byte
	}{
		{"truncated json", FormatJSON, []byte(`{"model_spec": {"layers": [`)},
		{"json without weights", FormatJSON, []byte(`{"model_spec": {"layers": []}, "weights": []}`)},
		{"json short tensor", FormatJSON, []byte(`{"model_spec": {"layers": []}, "weights": [{"name": "w", "shape": [2, 2], "data": [1]}]}`)},
		{"garbage proto", FormatProto, []byte{0xff, 0xff, 0xff}},
		{"proto without version", FormatProto, []byte{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name)
			require.NoError(t, os.WriteFile(path, tt.data, 0644))
			_, err := NewCheckpointSaver(tt.format).LoadCheckpoint(path)
			assert.ErrorIs(t, err, ErrCheckpointCorrupt)
		})
	}
}

func TestProtoRejectsTruncatedFile(t *testing.T) {
	saver := NewCheckpointSaver(FormatProto)
	b, err := saver.Encode(testCheckpoint(t))
	require.NoError(t, err)

	// the cut lands inside the trailing metadata message
	_, err = saver.Decode(b[:len(b)-3])
	assert.ErrorIs(t, err, ErrCheckpointCorrupt)
}

// fieldsOf splits a protobuf message into raw field values, keeping the first
// occurrence of each field number.
func fieldsOf(t *testing.T, b []byte) map[protowire.Number][]byte {
	t.Helper()
	out := map[protowire.Number][]byte{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		require.GreaterOrEqual(t, n, 0)
		b = b[n:]
		m := protowire.ConsumeFieldValue(num, typ, b)
		require.GreaterOrEqual(t, m, 0)
		if _, ok := out[num]; !ok {
			out[num] = b[:m]
		}
		b = b[m:]
	}
	return out
}

func TestProtoFieldEncodings(t *testing.T) {
	c := testCheckpoint(t)
	b, err := NewCheckpointSaver(FormatProto).Encode(c)
	require.NoError(t, err)

	bytesOf := func(raw []byte) []byte {
		v, n := protowire.ConsumeBytes(raw)
		require.GreaterOrEqual(t, n, 0)
		return v
	}
	sint64 := func(raw []byte) int64 {
		v, n := protowire.ConsumeVarint(raw)
		require.GreaterOrEqual(t, n, 0)
		return protowire.DecodeZigZag(v)
	}
	float := func(raw []byte) float32 {
		v, n := protowire.ConsumeFixed32(raw)
		require.GreaterOrEqual(t, n, 0)
		return math.Float32frombits(v)
	}

	top := fieldsOf(t, b)

	state := fieldsOf(t, bytesOf(top[4]))
	assert.Equal(t, int64(4), sint64(state[1]))
	assert.Equal(t, int64(1200), sint64(state[2]))
	assert.Equal(t, float32(0.001), float(state[3]))

	// shape is packed sint64, data packed float
	weight := fieldsOf(t, bytesOf(top[3]))
	var shape []int
	for packed := bytesOf(weight[2]); len(packed) > 0; {
		v, n := protowire.ConsumeVarint(packed)
		require.GreaterOrEqual(t, n, 0)
		shape = append(shape, int(protowire.DecodeZigZag(v)))
		packed = packed[n:]
	}
	assert.Equal(t, c.Weights[0].Shape, shape)
	data := bytesOf(weight[3])
	require.Len(t, data, 4*len(c.Weights[0].Data))
	assert.Equal(t, c.Weights[0].Data[1], float(data[4:8]))

	meta := fieldsOf(t, bytesOf(top[6]))
	assert.Equal(t, c.Metadata.CreatedAt.UnixNano(), sint64(meta[3]))
}

func TestSaveLeavesNoTemporaryFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkpoint.json")
	saver := NewCheckpointSaver(FormatJSON)

	require.NoError(t, saver.SaveCheckpoint(testCheckpoint(t), path))
	// overwrite in place
	require.NoError(t, saver.SaveCheckpoint(testCheckpoint(t), path))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "checkpoint.json", entries[0].Name())
}

func TestManagerSavesBestCopy(t *testing.T) {
	dir := t.TempDir()
	cm := NewCheckpointManager(CheckpointConfig{SaveDirectory: dir, Format: FormatProto})
	assert.Equal(t, filepath.Join(dir, "checkpoint.pb"), cm.LatestPath())
	assert.Equal(t, filepath.Join(dir, "model_best.pb"), cm.BestPath())

	ckpt := testCheckpoint(t)
	require.NoError(t, cm.Save(ckpt, false, ""))
	assert.FileExists(t, cm.LatestPath())
	assert.NoFileExists(t, cm.BestPath())

	ckpt.TrainingState.Epoch = 5
	require.NoError(t, cm.Save(ckpt, true, ""))
	latest, err := os.ReadFile(cm.LatestPath())
	require.NoError(t, err)
	best, err := os.ReadFile(cm.BestPath())
	require.NoError(t, err)
	assert.Equal(t, latest, best)

	loaded, err := cm.Load(cm.BestPath())
	require.NoError(t, err)
	assert.Equal(t, 5, loaded.TrainingState.Epoch)

	custom := filepath.Join(dir, "nested", "run.pb")
	require.NoError(t, cm.Save(ckpt, false, custom))
	assert.FileExists(t, custom)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("proto")
	require.NoError(t, err)
	assert.Equal(t, FormatProto, f)
	assert.Equal(t, "pb", f.Extension())

	f, err = ParseFormat("JSON")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	_, err = ParseFormat("onnx")
	assert.Error(t, err)
}
