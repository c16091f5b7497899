// Package manifest describes the service and its registered steps to callers.
package manifest

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/stepgate/internal/auth"
	"github.com/mattjoyce/stepgate/internal/protocol"
)

// Source lists step definitions in registration order.
type Source interface {
	Definitions() []protocol.HandlerDefinition
}

// Assembler builds manifests from a step source and the service identity.
type Assembler struct {
	name    string
	version string
	source  Source
}

func New(name, version string, source Source) *Assembler {
	return &Assembler{name: name, version: version, source: source}
}

// Build assembles a fresh manifest. Nothing is cached, so the result always
// reflects the current registry contents.
func (a *Assembler) Build() *protocol.Manifest {
	m := &protocol.Manifest{
		Name:    a.name,
		Version: a.version,
		Auth:    auth.Fields(),
		Steps:   []protocol.HandlerDefinition{},
	}
	if a.source != nil {
		if defs := a.source.Definitions(); defs != nil {
			m.Steps = defs
		}
	}

	digest, err := Digest(m)
	if err == nil {
		m.Digest = digest
	}
	return m
}

// Digest returns "blake3:<hex>" over the manifest's JSON form with the
// digest field cleared.
func Digest(m *protocol.Manifest) (string, error) {
	clone := *m
	clone.Digest = ""
	body, err := json.Marshal(&clone)
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}
	sum := blake3.Sum256(body)
	return "blake3:" + hex.EncodeToString(sum[:]), nil
}
