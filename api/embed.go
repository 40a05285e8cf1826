// Package api bundles the OpenAPI document for the node's HTTP surface.
package api

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed openapi.yaml
var specYAML []byte

// Load parses and validates the bundled document, returning it together
// with its JSON rendering for serving at /v1/openapi.json. A document
// that fails validation is a packaging bug and aborts startup.
func Load(ctx context.Context) (*openapi3.T, []byte, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(specYAML)
	if err != nil {
		return nil, nil, fmt.Errorf("parse api document: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, nil, fmt.Errorf("validate api document: %w", err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, nil, fmt.Errorf("render api document: %w", err)
	}
	return doc, raw, nil
}
