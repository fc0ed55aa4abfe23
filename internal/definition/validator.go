package definition

import (
	"fmt"

	"github.com/relaycrm/procengine/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator validates process definitions structurally.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all definitions.
func (v *Validator) Validate(defs []model.ProcessDefinition) []VError {
	var errs []VError
	seen := make(map[string]bool)
	for i, def := range defs {
		prefix := fmt.Sprintf("definitions[%d]", i)
		errs = append(errs, v.validateDefinition(prefix, def)...)

		vk := versionKey(def.Key, def.Version)
		if seen[vk] {
			errs = append(errs, VError{
				Path:    prefix,
				Code:    "DUPLICATE",
				Message: fmt.Sprintf("definition %s is declared more than once", vk),
			})
		}
		seen[vk] = true
	}
	return errs
}

func (v *Validator) validateDefinition(prefix string, def model.ProcessDefinition) []VError {
	var errs []VError

	if def.Key == "" {
		errs = append(errs, VError{Path: prefix + ".key", Code: "REQUIRED", Message: "key is required"})
	}
	if def.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	}
	if def.Version < 1 {
		errs = append(errs, VError{Path: prefix + ".version", Code: "INVALID", Message: "version must be >= 1"})
	}
	if def.SLA != nil && def.SLA.TotalHours <= 0 {
		errs = append(errs, VError{Path: prefix + ".sla.total_hours", Code: "INVALID", Message: "sla.total_hours must be positive"})
	}
	if len(def.Steps) == 0 {
		errs = append(errs, VError{Path: prefix + ".steps", Code: "REQUIRED", Message: "at least one step is required"})
	}

	stepKeys := make(map[string]bool)
	for i, step := range def.Steps {
		sp := fmt.Sprintf("%s.steps[%d]", prefix, i)
		errs = append(errs, v.validateStep(sp, step)...)

		if step.Key != "" {
			if stepKeys[step.Key] {
				errs = append(errs, VError{
					Path:    sp + ".key",
					Code:    "DUPLICATE",
					Message: fmt.Sprintf("step key %q is declared more than once", step.Key),
				})
			}
			stepKeys[step.Key] = true
		}
	}

	return errs
}

func (v *Validator) validateStep(prefix string, step model.StepConfig) []VError {
	var errs []VError

	if step.Key == "" {
		errs = append(errs, VError{Path: prefix + ".key", Code: "REQUIRED", Message: "step key is required"})
	}
	if step.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "step name is required"})
	}
	if step.SLAHours < 0 {
		errs = append(errs, VError{Path: prefix + ".sla_hours", Code: "INVALID", Message: "sla_hours must not be negative"})
	}
	if step.ApprovalSLAHours < 0 {
		errs = append(errs, VError{Path: prefix + ".approval_sla_hours", Code: "INVALID", Message: "approval_sla_hours must not be negative"})
	}
	if step.ApproverID != nil && *step.ApproverID <= 0 {
		errs = append(errs, VError{Path: prefix + ".approver_id", Code: "INVALID", Message: "approver_id must be a positive identity"})
	}
	if !step.RequiresApproval && step.ApprovalSLAHours > 0 {
		errs = append(errs, VError{
			Path:    prefix + ".approval_sla_hours",
			Code:    "UNUSED",
			Message: "approval_sla_hours has no effect without requires_approval",
		})
	}

	return errs
}
