package pipeline

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// SchemaVersion identifies the job document layout.
const SchemaVersion = "2024-01"

// Document is the serialized form of a job. Steps appear in topological
// order so equal graphs always serialize identically.
type Document struct {
	SchemaVersion string         `json:"schemaVersion" yaml:"schemaVersion"`
	Name          string         `json:"name" yaml:"name"`
	Description   string         `json:"description,omitempty" yaml:"description,omitempty"`
	Compute       string         `json:"compute,omitempty" yaml:"compute,omitempty"`
	Steps         []StepDocument `json:"steps" yaml:"steps"`
}

// StepDocument is one serialized step. Exactly one of Command or Sweep is
// set, discriminated by Type.
type StepDocument struct {
	Type    string       `json:"type" yaml:"type"`
	Command *CommandStep `json:"command,omitempty" yaml:"command,omitempty"`
	Sweep   *SweepStep   `json:"sweep,omitempty" yaml:"sweep,omitempty"`
}

// Document renders the job for submission.
func (j *Job) Document() (*Document, error) {
	doc := &Document{
		SchemaVersion: SchemaVersion,
		Name:          j.Name,
		Description:   j.Description,
		Compute:       j.Compute,
	}

	for _, s := range j.steps {
		switch step := s.(type) {
		case CommandStep:
			doc.Steps = append(doc.Steps, StepDocument{Type: "command", Command: &step})
		case SweepStep:
			doc.Steps = append(doc.Steps, StepDocument{Type: "sweep", Sweep: &step})
		default:
			return nil, fmt.Errorf("%w: unsupported step type %T", ErrInvalidStep, s)
		}
	}
	return doc, nil
}

// JSON serializes the job document.
func (j *Job) JSON() ([]byte, error) {
	doc, err := j.Document()
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(doc, "", "  ")
}

// YAML serializes the job document.
func (j *Job) YAML() ([]byte, error) {
	doc, err := j.Document()
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(doc)
}
