package router

import (
	"encoding/json"
	"fmt"

	"github.com/internetarchive/dweb-transports-sub000/internal/transport"
	"github.com/internetarchive/dweb-transports-sub000/internal/transport/gateway"
	"github.com/internetarchive/dweb-transports-sub000/internal/transport/local"
	"github.com/internetarchive/dweb-transports-sub000/internal/transport/pgtable"
	s3transport "github.com/internetarchive/dweb-transports-sub000/internal/transport/s3"
)

// Spec describes one transport to construct.
type Spec struct {
	Name   string          `json:"name"`
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config"`
}

// NewTransportFromConfig creates a transport from a spec. It performs no
// I/O; the transport starts Loaded.
func NewTransportFromConfig(spec Spec) (transport.Transport, error) {
	if spec.Name == "" {
		return nil, transport.Codingf("transport spec of type %q has no name", spec.Type)
	}
	switch spec.Type {
	case "local":
		return local.NewFromJSON(spec.Name, spec.Config)
	case "s3":
		return s3transport.NewFromJSON(spec.Name, spec.Config)
	case "gateway", "http":
		return gateway.NewFromJSON(spec.Name, spec.Config)
	case "pgtable":
		return pgtable.NewFromJSON(spec.Name, spec.Config)
	default:
		return nil, fmt.Errorf("unknown transport type: %s", spec.Type)
	}
}
