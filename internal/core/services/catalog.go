package services

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/emooreatx/CIRISNode/internal/core/domain"
)

//go:embed scenarios.json
var embeddedScenarios []byte

// Catalog holds the known benchmark scenarios. The node ships a bundled
// set; deployments can point CIRISNODE_SCENARIO_FILE at their own.
type Catalog struct {
	byID  map[string]domain.Scenario
	order []string
}

// NewCatalog loads scenarios from path, or the embedded set when path is
// empty.
func NewCatalog(path string) (*Catalog, error) {
	data := embeddedScenarios
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read scenario file: %w", err)
		}
	}

	var scenarios []domain.Scenario
	if err := json.Unmarshal(data, &scenarios); err != nil {
		return nil, fmt.Errorf("parse scenario file: %w", err)
	}
	if len(scenarios) == 0 {
		return nil, fmt.Errorf("scenario catalog is empty")
	}

	c := &Catalog{byID: make(map[string]domain.Scenario, len(scenarios))}
	for _, s := range scenarios {
		if _, dup := c.byID[s.ID]; dup {
			return nil, fmt.Errorf("duplicate scenario id %q", s.ID)
		}
		c.byID[s.ID] = s
		c.order = append(c.order, s.ID)
	}
	return c, nil
}

// Resolve maps ids to scenarios, preserving order. Unknown ids produce a
// single InvalidArgument naming all of them.
func (c *Catalog) Resolve(ids []string) ([]domain.Scenario, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: scenario_ids must not be empty", domain.ErrInvalidArgument)
	}
	var unknown []string
	out := make([]domain.Scenario, 0, len(ids))
	for _, id := range ids {
		s, ok := c.byID[id]
		if !ok {
			unknown = append(unknown, id)
			continue
		}
		out = append(out, s)
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("%w: unknown scenario ids: %s", domain.ErrInvalidArgument, strings.Join(unknown, ", "))
	}
	return out, nil
}

// IDs returns every scenario id in catalog order.
func (c *Catalog) IDs() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Get returns one scenario by id.
func (c *Catalog) Get(id string) (domain.Scenario, bool) {
	s, ok := c.byID[id]
	return s, ok
}
