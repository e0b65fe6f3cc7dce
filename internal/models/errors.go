package models

import (
	"fmt"
	"strings"
)

// SchemaError reports a dataset or record that lacks required fields.
type SchemaError struct {
	Context string
	Missing []string
}

func (e *SchemaError) Error() string {
	if e.Context == "" {
		return fmt.Sprintf("schema error: missing required fields: %s", strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("schema error in %s: missing required fields: %s", e.Context, strings.Join(e.Missing, ", "))
}

// InsufficientDataError reports that too few usable rows remained for training.
type InsufficientDataError struct {
	Model    string
	Usable   int
	Required int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data for %s model: %d usable rows, need at least %d", e.Model, e.Usable, e.Required)
}

// ArtifactNotFoundError reports that inference was requested before training.
type ArtifactNotFoundError struct {
	Name     string
	Location string
}

func (e *ArtifactNotFoundError) Error() string {
	return fmt.Sprintf("artifact %s not found in %s (train the models first)", e.Name, e.Location)
}

// FeatureSchemaMismatchError reports an inference feature vector whose shape
// differs from the schema recorded in the trained artifact.
type FeatureSchemaMismatchError struct {
	Model string
	Want  []string
	Got   []string
}

func (e *FeatureSchemaMismatchError) Error() string {
	return fmt.Sprintf("feature schema mismatch for %s model: artifact has [%s], inference built [%s]",
		e.Model, strings.Join(e.Want, ","), strings.Join(e.Got, ","))
}

// InvalidInputError reports a non-numeric or out-of-domain telemetry value.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid input %s: %s", e.Field, e.Reason)
}
