package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-mnist/config"
	"github.com/tsawler/go-mnist/experiment"
)

func TestInvalidBoolAbortsBeforeWork(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--train=perhaps", "--config", filepath.Join(t.TempDir(), "missing.yaml")})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), experiment.ErrInvalidBool.Error())
}

func TestBoolFlagsTakeTheNextArgument(t *testing.T) {
	tests := []struct {
		args        []string
		train, test string
	}{
		{[]string{"--train", "no", "--test", "1"}, "false", "true"},
		{[]string{"--train", "0"}, "false", "false"},
		{[]string{"--test", "yes"}, "true", "true"},
		{[]string{"--train=N", "--test=T"}, "false", "true"},
		{nil, "true", "false"},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			cmd := newRootCmd()
			cmd.SetArgs(append(tt.args, "--config", filepath.Join(t.TempDir(), "missing.yaml")))
			// parsing succeeded when the run gets as far as loading the config
			assert.ErrorIs(t, cmd.Execute(), config.ErrNotFound)
			assert.Equal(t, tt.train, cmd.Flags().Lookup("train").Value.String())
			assert.Equal(t, tt.test, cmd.Flags().Lookup("test").Value.String())
		})
	}
}

func TestBoolFlagRequiresValue(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "--train"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.NotErrorIs(t, err, config.ErrNotFound)
}

func TestMissingConfig(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})
	assert.ErrorIs(t, cmd.Execute(), config.ErrNotFound)
}

func TestNoDeviceRunReturnsCleanly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
distributed: false
gpu: false
data:
  batch_size: 8
  shuffle: true
  workers: 0
  pin_memory: false
train:
  resume: false
  checkpoint_dir: `+filepath.Join(dir, "ckpt")+`
  hyperparameters:
    lr: 0.01
    total_epochs: 1
evaluate:
  hyperparameters:
    lr: 0.01
    weight_decay: 0
`), 0o644))

	cmd := newRootCmd()
	cmd.SetArgs([]string{"--config", path, "--test", "yes"})
	require.NoError(t, cmd.Execute())
	assert.NoDirExists(t, filepath.Join(dir, "ckpt"))
}
