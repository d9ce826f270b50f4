package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalid marks a model directory that lacks the files the engine needs.
var ErrInvalid = errors.New("model directory invalid")

// Required entries must exist for a model to load. Advisory entries are only
// reported; layouts differ between model families.
var (
	Required = []string{
		filepath.Join("am", "final.mdl"),
		filepath.Join("conf", "model.conf"),
	}
	Advisory = []string{
		"graph",
		"ivector",
	}
)

// Validity is the outcome of a pre-flight model check.
type Validity struct {
	Dir      string
	Valid    bool
	Missing  []string
	Advisory []string
}

// Validate checks dir against the required and advisory layout.
func Validate(dir string) Validity {
	v := Validity{Dir: dir}
	if strings.TrimSpace(dir) == "" {
		v.Missing = append(v.Missing, "model directory")
		return v
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		v.Missing = append(v.Missing, "model directory")
		return v
	}
	for _, rel := range Required {
		if _, err := os.Stat(filepath.Join(dir, rel)); err != nil {
			v.Missing = append(v.Missing, rel)
		}
	}
	for _, rel := range Advisory {
		if _, err := os.Stat(filepath.Join(dir, rel)); err != nil {
			v.Advisory = append(v.Advisory, rel)
		}
	}
	v.Valid = len(v.Missing) == 0
	return v
}

// Err returns nil for a valid model and an ErrInvalid wrapper otherwise.
func (v Validity) Err() error {
	if v.Valid {
		return nil
	}
	return fmt.Errorf("%w: %s missing %s", ErrInvalid, v.Dir, strings.Join(v.Missing, ", "))
}
