package task

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Submission is the wire form of a task. YAML and JSON documents share it.
type Submission struct {
	ID                 string             `yaml:"id" json:"id"`
	Type               string             `yaml:"type" json:"type"`
	Priority           string             `yaml:"priority" json:"priority"`
	Description        string             `yaml:"description" json:"description"`
	Dependencies       []string           `yaml:"dependencies" json:"dependencies"`
	Requirements       []string           `yaml:"requirements" json:"requirements"`
	AcceptanceCriteria []string           `yaml:"acceptance_criteria" json:"acceptance_criteria"`
	MaxIterations      *int               `yaml:"max_iterations" json:"max_iterations"`
	QualityThresholds  map[string]float64 `yaml:"quality_thresholds" json:"quality_thresholds"`
}

// Defaults fills fields a submission leaves out.
type Defaults struct {
	Priority          Priority
	MaxIterations     int
	QualityThresholds map[string]float64
}

// DefaultDefaults returns the defaults used when no configuration overrides them.
func DefaultDefaults() Defaults {
	return Defaults{
		Priority:      PriorityMedium,
		MaxIterations: 5,
		QualityThresholds: map[string]float64{
			"code_review":    85,
			"test_coverage":  90,
			"security_score": 95,
		},
	}
}

// ToTask validates the submission and converts it into a Task.
func (s Submission) ToTask(d Defaults) (*Task, error) {
	t := &Task{
		ID:                 strings.TrimSpace(s.ID),
		Type:               Type(strings.ToLower(strings.TrimSpace(s.Type))),
		Priority:           Priority(strings.ToLower(strings.TrimSpace(s.Priority))),
		Description:        s.Description,
		Dependencies:       dedupe(s.Dependencies),
		Requirements:       append([]string(nil), s.Requirements...),
		AcceptanceCriteria: append([]string(nil), s.AcceptanceCriteria...),
		MaxIterations:      d.MaxIterations,
	}
	if t.Priority == "" {
		t.Priority = d.Priority
	}
	if s.MaxIterations != nil {
		t.MaxIterations = *s.MaxIterations
	}

	thresholds := s.QualityThresholds
	if len(thresholds) == 0 {
		thresholds = d.QualityThresholds
	}
	t.QualityThresholds = make(map[string]float64, len(thresholds))
	for k, v := range thresholds {
		t.QualityThresholds[k] = v
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks the fields a submission must carry.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidTask)
	}
	if !t.Type.Valid() {
		return fmt.Errorf("%w: task %s: unknown type %q", ErrInvalidTask, t.ID, t.Type)
	}
	if !t.Priority.Valid() {
		return fmt.Errorf("%w: task %s: unknown priority %q", ErrInvalidTask, t.ID, t.Priority)
	}
	if t.MaxIterations < 1 {
		return fmt.Errorf("%w: task %s: max_iterations must be >= 1, got %d", ErrInvalidTask, t.ID, t.MaxIterations)
	}
	for dim, floor := range t.QualityThresholds {
		if strings.TrimSpace(dim) == "" {
			return fmt.Errorf("%w: task %s: empty threshold dimension", ErrInvalidTask, t.ID)
		}
		if floor < 0 || floor > 100 {
			return fmt.Errorf("%w: task %s: threshold %s must be within 0-100, got %v", ErrInvalidTask, t.ID, dim, floor)
		}
	}
	for _, dep := range t.Dependencies {
		if dep == t.ID {
			return fmt.Errorf("%w: task %s depends on itself", ErrInvalidTask, t.ID)
		}
	}
	return nil
}

// ParseSubmissions decodes a single task document, a top-level list, or a
// document with a "tasks" list. JSON input is accepted as YAML.
func ParseSubmissions(data []byte, d Defaults) ([]*Task, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("%w: decoding document: %v", ErrInvalidTask, err)
	}
	if len(root.Content) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidTask)
	}

	doc := root.Content[0]
	var subs []Submission
	switch doc.Kind {
	case yaml.SequenceNode:
		if err := doc.Decode(&subs); err != nil {
			return nil, fmt.Errorf("%w: decoding task list: %v", ErrInvalidTask, err)
		}
	case yaml.MappingNode:
		var batch struct {
			Tasks []Submission `yaml:"tasks"`
		}
		if err := doc.Decode(&batch); err != nil {
			return nil, fmt.Errorf("%w: decoding batch: %v", ErrInvalidTask, err)
		}
		if len(batch.Tasks) > 0 {
			subs = batch.Tasks
			break
		}
		var one Submission
		if err := doc.Decode(&one); err != nil {
			return nil, fmt.Errorf("%w: decoding task: %v", ErrInvalidTask, err)
		}
		subs = []Submission{one}
	default:
		return nil, fmt.Errorf("%w: unexpected document kind", ErrInvalidTask)
	}

	return SubmissionsToTasks(subs, d)
}

// SubmissionsToTasks converts a batch and rejects duplicate ids within it.
func SubmissionsToTasks(subs []Submission, d Defaults) ([]*Task, error) {
	if len(subs) == 0 {
		return nil, fmt.Errorf("%w: no tasks in submission", ErrInvalidTask)
	}
	seen := make(map[string]bool, len(subs))
	tasks := make([]*Task, 0, len(subs))
	var errs []error
	for _, s := range subs {
		t, err := s.ToTask(d)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[t.ID] {
			errs = append(errs, fmt.Errorf("%w: duplicate id %s in batch", ErrInvalidTask, t.ID))
			continue
		}
		seen[t.ID] = true
		tasks = append(tasks, t)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return tasks, nil
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
