// Package procedure validates and serves immutable, versioned procedures.
//
// A procedure version is published exactly once and never mutated; the
// storage layer enforces that with triggers, and this package enforces the
// structural invariants at publish time: version ≥ 1, a non-empty ordered
// step set, and step ids unique within the version.
package procedure

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/procguard-labs/procguard/pkg/domain"
)

// definitionSchema is the publish-time contract for procedure documents.
// Structural checks the schema language cannot express (step id uniqueness)
// are enforced in Go below.
const definitionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["procedure_id", "version", "steps"],
  "properties": {
    "procedure_id": {"type": "string", "minLength": 1},
    "version": {"type": "integer", "minimum": 1},
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["step_id", "order", "name"],
        "properties": {
          "step_id": {"type": "string", "minLength": 1},
          "order": {"type": "integer", "minimum": 1},
          "name": {"type": "string", "minLength": 1},
          "requires_approval": {"type": "boolean"},
          "approver_role": {"type": "string", "enum": ["OPERATOR", "SUPERVISOR", "AUDITOR"]}
        }
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("procedure-definition.json", definitionSchema)

// ValidateDefinition checks a raw procedure document against the publish
// schema and the structural invariants. It returns the parsed document on
// success.
func ValidateDefinition(raw []byte) (*domain.Procedure, error) {
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("procedure: definition is not valid JSON: %w", err)
	}
	if err := compiledSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("procedure: definition rejected: %w", err)
	}

	var p domain.Procedure
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("procedure: definition decode failed: %w", err)
	}
	if err := CheckInvariants(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// CheckInvariants enforces the invariants on an already-decoded procedure.
func CheckInvariants(p *domain.Procedure) error {
	if p.Version < 1 {
		return fmt.Errorf("procedure: version must be >= 1, got %d", p.Version)
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("procedure: step set must be non-empty")
	}
	seen := make(map[string]struct{}, len(p.Steps))
	var dup []string
	for _, s := range p.Steps {
		if _, ok := seen[s.StepID]; ok {
			dup = append(dup, s.StepID)
		}
		seen[s.StepID] = struct{}{}
	}
	if len(dup) > 0 {
		sort.Strings(dup)
		return fmt.Errorf("procedure: duplicate step ids: %s", strings.Join(dup, ", "))
	}
	return nil
}

// StepByID returns the step definition for a step id, resolved from the
// pinned version only.
func StepByID(p *domain.Procedure, stepID string) (domain.Step, bool) {
	for _, s := range p.Steps {
		if s.StepID == stepID {
			return s, true
		}
	}
	return domain.Step{}, false
}

// OrderedSteps returns the steps sorted by their declared order.
func OrderedSteps(p *domain.Procedure) []domain.Step {
	steps := make([]domain.Step, len(p.Steps))
	copy(steps, p.Steps)
	sort.Slice(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
	return steps
}

// IsLastStep reports whether stepID is the final step of the procedure.
func IsLastStep(p *domain.Procedure, stepID string) bool {
	steps := OrderedSteps(p)
	if len(steps) == 0 {
		return false
	}
	return steps[len(steps)-1].StepID == stepID
}
