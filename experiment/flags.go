package experiment

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidBool is returned for a flag value that is not a recognised boolean word.
var ErrInvalidBool = errors.New("boolean value expected")

// ParseBool accepts yes/true/t/y/1 and no/false/f/n/0 in any case.
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "yes", "true", "t", "y", "1":
		return true, nil
	case "no", "false", "f", "n", "0":
		return false, nil
	default:
		return false, fmt.Errorf("%w, got %q", ErrInvalidBool, s)
	}
}

// BoolFlag is a pflag.Value using ParseBool. A value is always required, given either
// as --train=no or as --train no.
type BoolFlag bool

func (b *BoolFlag) String() string {
	if *b {
		return "true"
	}
	return "false"
}

func (b *BoolFlag) Set(s string) error {
	v, err := ParseBool(s)
	if err != nil {
		return err
	}
	*b = BoolFlag(v)
	return nil
}

func (b *BoolFlag) Type() string { return "bool" }

// Flags are the command line switches of a run.
type Flags struct {
	Train BoolFlag
	Test  BoolFlag
}

// DefaultFlags trains and skips the final test pass.
func DefaultFlags() Flags {
	return Flags{Train: true}
}
