package audio

import (
	"fmt"
	"strings"
)

// BackendTypeAuto picks the platform default backend
const BackendTypeAuto = "auto"

// NewBackend creates the backend named in configuration
func NewBackend(name string) (Backend, error) {
	switch strings.ToLower(name) {
	case "", BackendTypeAuto, BackendTypeMalgo:
		return NewMalgoBackend(), nil
	case BackendTypePipeWire:
		return NewPipeWireBackend(), nil
	case BackendTypeSynthetic:
		return &SyntheticBackend{Realtime: true}, nil
	default:
		return nil, fmt.Errorf("unknown audio backend %q (available: %s)", name, strings.Join(AvailableBackends(), ", "))
	}
}

// AvailableBackends returns the names accepted by NewBackend
func AvailableBackends() []string {
	return []string{BackendTypeAuto, BackendTypeMalgo, BackendTypePipeWire, BackendTypeSynthetic}
}
