package services

import (
	"context"
	"fmt"

	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/models"
)

// Planner breaks a goal into an ordered sequence of tool-invocation steps.
type Planner interface {
	PlanSteps(ctx context.Context, goal string) ([]models.PlanStep, error)
}

// StepTemplate is one configured step shape instantiated per plan.
type StepTemplate struct {
	Tool             string   `yaml:"tool"`
	Action           string   `yaml:"action"`
	Capability       string   `yaml:"capability"`
	CapabilityLabel  string   `yaml:"capability_label"`
	Labels           []string `yaml:"labels"`
	TimeoutSeconds   int      `yaml:"timeout_seconds"`
	ApprovalRequired bool     `yaml:"approval_required"`
}

// TemplatePlanner instantiates the configured step templates in order,
// passing the goal as each step's input.
type TemplatePlanner struct {
	templates []StepTemplate
}

// NewTemplatePlanner builds a planner from configured templates. With no
// templates a single generic execute step is used.
func NewTemplatePlanner(templates []StepTemplate) *TemplatePlanner {
	if len(templates) == 0 {
		templates = []StepTemplate{{Tool: "execute", Action: "Execute goal"}}
	}
	return &TemplatePlanner{templates: templates}
}

// PlanSteps implements Planner.
func (p *TemplatePlanner) PlanSteps(_ context.Context, goal string) ([]models.PlanStep, error) {
	steps := make([]models.PlanStep, 0, len(p.templates))
	for i, tpl := range p.templates {
		steps = append(steps, models.PlanStep{
			ID:               fmt.Sprintf("step-%d", i+1),
			Action:           tpl.Action,
			Tool:             tpl.Tool,
			Capability:       tpl.Capability,
			CapabilityLabel:  tpl.CapabilityLabel,
			Labels:           append([]string(nil), tpl.Labels...),
			Input:            map[string]any{"goal": goal},
			TimeoutSeconds:   tpl.TimeoutSeconds,
			ApprovalRequired: tpl.ApprovalRequired,
		})
	}
	return steps, nil
}
