package capture

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tracegate/capture-gateway/internal/domain"
)

// epcisEventTypes is the set of event types the structural validator admits.
type epcisEventTypes map[string]struct{}

// StructuralValidator is the reference Validator: it checks that every event
// is a JSON object carrying a recognized EPCIS event type. Deployments with
// a full semantic validator inject their own implementation instead.
type StructuralValidator struct {
	allowed epcisEventTypes
}

// NewStructuralValidator admits the standard EPCIS 2.0 event types.
func NewStructuralValidator() *StructuralValidator {
	return &StructuralValidator{allowed: epcisEventTypes{
		"ObjectEvent":         {},
		"AggregationEvent":    {},
		"TransactionEvent":    {},
		"TransformationEvent": {},
		"AssociationEvent":    {},
	}}
}

// Validate implements Validator. It never fails transiently; every problem
// is a verdict about the submitted batch.
func (v *StructuralValidator) Validate(_ context.Context, events []domain.Event) ([]string, error) {
	var problems []string
	for i, ev := range events {
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(ev, &head); err != nil {
			problems = append(problems, fmt.Sprintf("event %d: not a JSON object", i))
			continue
		}
		if head.Type == "" {
			problems = append(problems, fmt.Sprintf("event %d: missing type", i))
			continue
		}
		if _, ok := v.allowed[head.Type]; !ok {
			problems = append(problems, fmt.Sprintf("event %d: unknown event type %q", i, head.Type))
		}
	}
	return problems, nil
}

var _ Validator = (*StructuralValidator)(nil)
