package domain

import "strings"

const (
	DefaultAccuracyThreshold = 0.95
	DefaultMaxIterations     = 5
)

// TransformationRequest is the ephemeral input that creates a plan.
type TransformationRequest struct {
	SourceType         string             `json:"source_type"`
	SourceID           string             `json:"source_id"`
	TargetAsset        string             `json:"target_asset"`
	TargetColumn       string             `json:"target_column,omitempty"`
	TransformationType TransformationType `json:"transformation_type"`
	Description        string             `json:"description"`
	Parameters         map[string]any     `json:"parameters,omitempty"`
	RequestedBy        string             `json:"requested_by"`
	AccuracyThreshold  float64            `json:"accuracy_threshold,omitempty"`
	MaxIterations      int                `json:"max_iterations,omitempty"`
}

// Normalize fills defaults for optional tuning fields.
func (r *TransformationRequest) Normalize() {
	if r.AccuracyThreshold <= 0 || r.AccuracyThreshold > 1 {
		r.AccuracyThreshold = DefaultAccuracyThreshold
	}
	if r.MaxIterations <= 0 {
		r.MaxIterations = DefaultMaxIterations
	}
}

// Validate checks the required request fields before any persistence.
func (r TransformationRequest) Validate() error {
	if strings.TrimSpace(r.TargetAsset) == "" {
		return &ValidationError{Field: "target_asset"}
	}
	if strings.TrimSpace(string(r.TransformationType)) == "" {
		return &ValidationError{Field: "transformation_type"}
	}
	if strings.TrimSpace(r.Description) == "" {
		return &ValidationError{Field: "description"}
	}
	if strings.TrimSpace(r.RequestedBy) == "" {
		return &ValidationError{Field: "requested_by"}
	}
	return nil
}
