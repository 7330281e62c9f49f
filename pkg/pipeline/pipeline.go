// Package pipeline builds declarative job graphs of compute steps and
// submits them to a control-plane API. A job is a set of named steps whose
// inputs either name literal data paths or reference upstream step outputs;
// the builder validates references and rejects cycles before serializing.
package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Typed validation failures.
var (
	ErrDuplicateStep    = errors.New("pipeline: duplicate step name")
	ErrUnknownReference = errors.New("pipeline: input references unknown step output")
	ErrCycle            = errors.New("pipeline: step graph contains a cycle")
	ErrInvalidStep      = errors.New("pipeline: invalid step")
)

// Input binds a step input either to a literal data path or to an upstream
// step's output, never both.
type Input struct {
	// Path is a literal data location (URI or mounted path).
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
	// Ref names an upstream output as "step.output".
	Ref string `json:"ref,omitempty" yaml:"ref,omitempty"`
}

// Output declares a named step output.
type Output struct {
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// CommandStep runs a command in a container image.
type CommandStep struct {
	Name        string            `json:"name" yaml:"name"`
	Command     string            `json:"command" yaml:"command"`
	Image       string            `json:"image" yaml:"image"`
	Compute     string            `json:"compute,omitempty" yaml:"compute,omitempty"`
	Environment map[string]string `json:"environment,omitempty" yaml:"environment,omitempty"`
	Inputs      map[string]Input  `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs     map[string]Output `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

func (s CommandStep) StepName() string { return s.Name }

func (s CommandStep) stepInputs() map[string]Input { return s.Inputs }

func (s CommandStep) stepOutputs() map[string]Output { return s.Outputs }

func (s CommandStep) validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: step name is required", ErrInvalidStep)
	}
	if s.Command == "" {
		return fmt.Errorf("%w: step %q has no command", ErrInvalidStep, s.Name)
	}
	if s.Image == "" {
		return fmt.Errorf("%w: step %q has no image", ErrInvalidStep, s.Name)
	}
	return nil
}

// Sampling algorithms for sweep steps.
const (
	SamplingRandom   = "random"
	SamplingGrid     = "grid"
	SamplingBayesian = "bayesian"
)

// Objective goals.
const (
	GoalMinimize = "minimize"
	GoalMaximize = "maximize"
)

// Distribution describes the search space of one swept parameter.
type Distribution struct {
	// Type is one of choice, uniform, loguniform or randint.
	Type   string        `json:"type" yaml:"type"`
	Values []interface{} `json:"values,omitempty" yaml:"values,omitempty"`
	Min    float64       `json:"min,omitempty" yaml:"min,omitempty"`
	Max    float64       `json:"max,omitempty" yaml:"max,omitempty"`
}

// Objective is the metric a sweep optimizes.
type Objective struct {
	Metric string `json:"metric" yaml:"metric"`
	Goal   string `json:"goal" yaml:"goal"`
}

// Limits bounds a sweep's resource usage.
type Limits struct {
	MaxTrials           int           `json:"maxTrials,omitempty" yaml:"maxTrials,omitempty"`
	MaxConcurrentTrials int           `json:"maxConcurrentTrials,omitempty" yaml:"maxConcurrentTrials,omitempty"`
	Timeout             time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Trial is the command template a sweep runs per sampled configuration.
type Trial struct {
	Command     string            `json:"command" yaml:"command"`
	Image       string            `json:"image" yaml:"image"`
	Environment map[string]string `json:"environment,omitempty" yaml:"environment,omitempty"`
}

// SweepStep searches a parameter space over a trial command.
type SweepStep struct {
	Name        string                  `json:"name" yaml:"name"`
	Trial       Trial                   `json:"trial" yaml:"trial"`
	SearchSpace map[string]Distribution `json:"searchSpace" yaml:"searchSpace"`
	Sampling    string                  `json:"sampling" yaml:"sampling"`
	Objective   Objective               `json:"objective" yaml:"objective"`
	Limits      Limits                  `json:"limits,omitempty" yaml:"limits,omitempty"`
	Compute     string                  `json:"compute,omitempty" yaml:"compute,omitempty"`
	Inputs      map[string]Input        `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs     map[string]Output       `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

func (s SweepStep) StepName() string { return s.Name }

func (s SweepStep) stepInputs() map[string]Input { return s.Inputs }

func (s SweepStep) stepOutputs() map[string]Output { return s.Outputs }

func (s SweepStep) validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: step name is required", ErrInvalidStep)
	}
	if s.Trial.Command == "" || s.Trial.Image == "" {
		return fmt.Errorf("%w: sweep %q needs a trial command and image", ErrInvalidStep, s.Name)
	}
	if len(s.SearchSpace) == 0 {
		return fmt.Errorf("%w: sweep %q has an empty search space", ErrInvalidStep, s.Name)
	}
	switch s.Sampling {
	case SamplingRandom, SamplingGrid, SamplingBayesian:
	default:
		return fmt.Errorf("%w: sweep %q has unknown sampling %q", ErrInvalidStep, s.Name, s.Sampling)
	}
	if s.Objective.Metric == "" {
		return fmt.Errorf("%w: sweep %q has no objective metric", ErrInvalidStep, s.Name)
	}
	switch s.Objective.Goal {
	case GoalMinimize, GoalMaximize:
	default:
		return fmt.Errorf("%w: sweep %q has unknown goal %q", ErrInvalidStep, s.Name, s.Objective.Goal)
	}
	for param, dist := range s.SearchSpace {
		switch dist.Type {
		case "choice":
			if len(dist.Values) == 0 {
				return fmt.Errorf("%w: sweep %q parameter %q has no choices", ErrInvalidStep, s.Name, param)
			}
		case "uniform", "loguniform", "randint":
			if dist.Max <= dist.Min {
				return fmt.Errorf("%w: sweep %q parameter %q has an empty range", ErrInvalidStep, s.Name, param)
			}
		default:
			return fmt.Errorf("%w: sweep %q parameter %q has unknown distribution %q", ErrInvalidStep, s.Name, param, dist.Type)
		}
	}
	return nil
}

// Step is either a CommandStep or a SweepStep.
type Step interface {
	StepName() string
	stepInputs() map[string]Input
	stepOutputs() map[string]Output
	validate() error
}

// Job is a validated pipeline ready for serialization and submission.
type Job struct {
	Name        string
	Description string
	Compute     string
	steps       []Step // topological order
}

// Steps returns the steps in topological order.
func (j *Job) Steps() []Step {
	out := make([]Step, len(j.steps))
	copy(out, j.steps)
	return out
}

// Builder accumulates steps and validates the graph on Build.
type Builder struct {
	job   Job
	steps []Step
}

func NewJob(name string) *Builder {
	return &Builder{job: Job{Name: name}}
}

func (b *Builder) Description(d string) *Builder {
	b.job.Description = d
	return b
}

// DefaultCompute sets the compute target steps inherit when they name none.
func (b *Builder) DefaultCompute(compute string) *Builder {
	b.job.Compute = compute
	return b
}

func (b *Builder) AddCommand(step CommandStep) *Builder {
	b.steps = append(b.steps, step)
	return b
}

func (b *Builder) AddSweep(step SweepStep) *Builder {
	b.steps = append(b.steps, step)
	return b
}

// Build validates the graph: step shapes, unique names, resolvable input
// references and acyclicity. Steps come out topologically ordered with ties
// broken by name, so serialization is deterministic.
func (b *Builder) Build() (*Job, error) {
	if b.job.Name == "" {
		return nil, fmt.Errorf("%w: job name is required", ErrInvalidStep)
	}
	if len(b.steps) == 0 {
		return nil, fmt.Errorf("%w: job has no steps", ErrInvalidStep)
	}

	byName := make(map[string]Step, len(b.steps))
	for _, s := range b.steps {
		if err := s.validate(); err != nil {
			return nil, err
		}
		if _, exists := byName[s.StepName()]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateStep, s.StepName())
		}
		byName[s.StepName()] = s
	}

	deps, err := resolveDependencies(byName)
	if err != nil {
		return nil, err
	}

	ordered, err := topoSort(byName, deps)
	if err != nil {
		return nil, err
	}

	job := b.job
	job.steps = ordered
	return &job, nil
}

// resolveDependencies maps each step to the set of upstream steps its
// inputs reference, verifying every reference names a real step output.
func resolveDependencies(byName map[string]Step) (map[string][]string, error) {
	deps := make(map[string][]string, len(byName))
	for name, s := range byName {
		for inputName, input := range s.stepInputs() {
			if input.Ref == "" {
				continue
			}
			refStep, refOutput, err := splitRef(input.Ref)
			if err != nil {
				return nil, fmt.Errorf("%w: step %q input %q: %v", ErrUnknownReference, name, inputName, err)
			}
			upstream, ok := byName[refStep]
			if !ok {
				return nil, fmt.Errorf("%w: step %q input %q references %q", ErrUnknownReference, name, inputName, input.Ref)
			}
			if _, ok := upstream.stepOutputs()[refOutput]; !ok {
				return nil, fmt.Errorf("%w: step %q has no output %q", ErrUnknownReference, refStep, refOutput)
			}
			deps[name] = append(deps[name], refStep)
		}
	}
	return deps, nil
}

func splitRef(ref string) (step, output string, err error) {
	for i := 0; i < len(ref); i++ {
		if ref[i] == '.' {
			if i == 0 || i == len(ref)-1 {
				break
			}
			return ref[:i], ref[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("malformed reference %q, want \"step.output\"", ref)
}

// topoSort is Kahn's algorithm with a name-sorted frontier for stable output.
func topoSort(byName map[string]Step, deps map[string][]string) ([]Step, error) {
	indegree := make(map[string]int, len(byName))
	dependents := make(map[string][]string, len(byName))
	for name := range byName {
		indegree[name] = 0
	}
	for name, upstreams := range deps {
		for _, up := range upstreams {
			indegree[name]++
			dependents[up] = append(dependents[up], name)
		}
	}

	var frontier []string
	for name, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, name)
		}
	}
	sort.Strings(frontier)

	ordered := make([]Step, 0, len(byName))
	for len(frontier) > 0 {
		name := frontier[0]
		frontier = frontier[1:]
		ordered = append(ordered, byName[name])

		released := false
		for _, down := range dependents[name] {
			indegree[down]--
			if indegree[down] == 0 {
				frontier = append(frontier, down)
				released = true
			}
		}
		if released {
			sort.Strings(frontier)
		}
	}

	if len(ordered) != len(byName) {
		var stuck []string
		for name, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("%w: involving %v", ErrCycle, stuck)
	}
	return ordered, nil
}
