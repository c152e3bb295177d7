// internal/agent/schema.go
package agent

import (
	"github.com/xkilldash9x/voyager-cli/api/schemas"
	"github.com/xkilldash9x/voyager-cli/internal/controller"
)

// decisionSchema builds the structured-output contract for one step. The
// action list is a discriminated union over exactly the actions available on
// the current page, so the model cannot pick what it cannot have.
func decisionSchema(actions []controller.ActionDefinition, useThinking bool, maxActions int) *schemas.JSONSchema {
	strict := false

	variants := make([]*schemas.JSONSchema, 0, len(actions))
	for _, def := range actions {
		params := def.Schema
		if params == nil {
			params = &schemas.JSONSchema{Type: "object", AdditionalProperties: &strict}
		}
		variants = append(variants, &schemas.JSONSchema{
			Type:                 "object",
			Description:          def.Description,
			Properties:           map[string]*schemas.JSONSchema{def.Name: params},
			Required:             []string{def.Name},
			AdditionalProperties: &strict,
		})
	}

	minActions := 1
	actionList := &schemas.JSONSchema{
		Type:        "array",
		Description: "The actions to run, in order. Later actions in the list must not depend on seeing the result of earlier ones.",
		MinItems:    &minActions,
		Items:       &schemas.JSONSchema{AnyOf: variants},
	}
	if maxActions > 0 {
		actionList.MaxItems = &maxActions
	}

	props := map[string]*schemas.JSONSchema{
		"evaluationPreviousGoal": {
			Type:        "string",
			Description: "One sentence judging whether the previous goal succeeded, failed, or cannot be judged yet, with the reason.",
		},
		"memory": {
			Type:        "string",
			Description: "A running record of what has been done and learned, with explicit counts of repeated work.",
		},
		"nextGoal": {
			Type:        "string",
			Description: "The single immediate objective the requested actions work toward.",
		},
		"action": actionList,
	}
	required := []string{"evaluationPreviousGoal", "memory", "nextGoal", "action"}

	if useThinking {
		props["thinking"] = &schemas.JSONSchema{
			Type:        "string",
			Description: "Free-form reasoning about the page state and options before the decision.",
		}
		required = append([]string{"thinking"}, required...)
	}

	return &schemas.JSONSchema{
		Type:                 "object",
		Properties:           props,
		Required:             required,
		AdditionalProperties: &strict,
	}
}

// doneVerdict is the validator's answer shape.
type doneVerdict struct {
	IsValid bool   `json:"isValid"`
	Reason  string `json:"reason"`
}

func verdictSchema() *schemas.JSONSchema {
	strict := false
	return &schemas.JSONSchema{
		Type: "object",
		Properties: map[string]*schemas.JSONSchema{
			"isValid": {Type: "boolean", Description: "Whether the declared result truly fulfils the task."},
			"reason":  {Type: "string", Description: "What is missing or wrong when isValid is false, empty otherwise."},
		},
		Required:             []string{"isValid", "reason"},
		AdditionalProperties: &strict,
	}
}
