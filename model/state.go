package model

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-mnist/tensor"
)

// NamedTensor is one StateDict entry.
type NamedTensor struct {
	Name   string
	Tensor *tensor.Tensor
}

// StateDict is an ordered snapshot of parameter values keyed by name, such as
// "conv1.weight". Snapshots are deep copies.
type StateDict []NamedTensor

// Get returns the tensor stored under name.
func (sd StateDict) Get(name string) (*tensor.Tensor, bool) {
	for _, e := range sd {
		if e.Name == name {
			return e.Tensor, true
		}
	}
	return nil, false
}

// Names lists the entry names in order.
func (sd StateDict) Names() []string {
	names := make([]string, len(sd))
	for i, e := range sd {
		names[i] = e.Name
	}
	return names
}

// Equal reports whether both snapshots hold the same names and bit-identical values.
func (sd StateDict) Equal(other StateDict) bool {
	if len(sd) != len(other) {
		return false
	}
	for i := range sd {
		if sd[i].Name != other[i].Name || !sd[i].Tensor.Equal(other[i].Tensor) {
			return false
		}
	}
	return true
}

func stateDictOf(params []*Parameter) StateDict {
	sd := make(StateDict, len(params))
	for i, p := range params {
		sd[i] = NamedTensor{Name: p.Name, Tensor: p.Value.Clone()}
	}
	return sd
}

// loadInto copies every entry of sd into the matching parameter. Missing, unexpected
// or mis-shaped entries are all reported.
func loadInto(params []*Parameter, sd StateDict) error {
	var problems []string
	seen := make(map[string]bool, len(sd))
	for _, p := range params {
		t, ok := sd.Get(p.Name)
		if !ok {
			problems = append(problems, "missing "+p.Name)
			continue
		}
		seen[p.Name] = true
		if !tensor.SameShape(t.Shape, p.Value.Shape) {
			problems = append(problems, fmt.Sprintf("%s has shape %v, want %v", p.Name, t.Shape, p.Value.Shape))
		}
	}
	for _, e := range sd {
		if !seen[e.Name] {
			problems = append(problems, "unexpected "+e.Name)
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("loading state dict: %s", strings.Join(problems, "; "))
	}

	for _, p := range params {
		t, _ := sd.Get(p.Name)
		copy(p.Value.Data, t.Data)
	}
	return nil
}
