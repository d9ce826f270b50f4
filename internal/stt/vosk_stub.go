//go:build !vosk

package stt

import "fmt"

// NewVoskEngine reports that this binary was built without libvosk. Build
// with -tags vosk (cgo enabled) to include it.
func NewVoskEngine() (Engine, error) {
	return nil, fmt.Errorf("vosk support is disabled in this build")
}
