package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func prepStep() CommandStep {
	return CommandStep{
		Name:    "prep",
		Command: "python prep.py --out ${outputs.dataset}",
		Image:   "registry.example.com/ml/prep:1.2",
		Outputs: map[string]Output{"dataset": {Path: "azureml://datasets/prepped"}},
	}
}

func trainStep() CommandStep {
	return CommandStep{
		Name:    "train",
		Command: "python train.py --data ${inputs.data}",
		Image:   "registry.example.com/ml/train:1.2",
		Inputs:  map[string]Input{"data": {Ref: "prep.dataset"}},
		Outputs: map[string]Output{"model": {Path: "azureml://models/candidate"}},
	}
}

func sweepStep() SweepStep {
	return SweepStep{
		Name: "tune",
		Trial: Trial{
			Command: "python train.py --lr ${search_space.lr}",
			Image:   "registry.example.com/ml/train:1.2",
		},
		SearchSpace: map[string]Distribution{
			"lr":    {Type: "loguniform", Min: 1e-5, Max: 1e-1},
			"depth": {Type: "choice", Values: []interface{}{4, 8, 16}},
		},
		Sampling:  SamplingRandom,
		Objective: Objective{Metric: "val_loss", Goal: GoalMinimize},
		Limits:    Limits{MaxTrials: 20, MaxConcurrentTrials: 4},
		Inputs:    map[string]Input{"data": {Ref: "prep.dataset"}},
	}
}

func TestBuildOrdersStepsTopologically(t *testing.T) {
	job, err := NewJob("training").
		DefaultCompute("gpu-cluster").
		AddCommand(trainStep()). // added before its dependency
		AddCommand(prepStep()).
		AddSweep(sweepStep()).
		Build()
	require.NoError(t, err)

	steps := job.Steps()
	require.Len(t, steps, 3)
	assert.Equal(t, "prep", steps[0].StepName())
	// Ties are broken by name, so train and tune come out sorted.
	assert.Equal(t, "train", steps[1].StepName())
	assert.Equal(t, "tune", steps[2].StepName())
}

func TestBuildRejectsUnknownReference(t *testing.T) {
	train := trainStep()
	train.Inputs = map[string]Input{"data": {Ref: "missing.dataset"}}

	_, err := NewJob("training").AddCommand(train).Build()
	assert.ErrorIs(t, err, ErrUnknownReference)
}

func TestBuildRejectsUnknownOutput(t *testing.T) {
	train := trainStep()
	train.Inputs = map[string]Input{"data": {Ref: "prep.weights"}}

	_, err := NewJob("training").
		AddCommand(prepStep()).
		AddCommand(train).
		Build()
	assert.ErrorIs(t, err, ErrUnknownReference)
}

func TestBuildRejectsMalformedReference(t *testing.T) {
	train := trainStep()
	train.Inputs = map[string]Input{"data": {Ref: "prepdataset"}}

	_, err := NewJob("training").
		AddCommand(prepStep()).
		AddCommand(train).
		Build()
	assert.ErrorIs(t, err, ErrUnknownReference)
}

func TestBuildRejectsCycle(t *testing.T) {
	a := CommandStep{
		Name:    "a",
		Command: "run a",
		Image:   "img",
		Inputs:  map[string]Input{"in": {Ref: "b.out"}},
		Outputs: map[string]Output{"out": {}},
	}
	b := CommandStep{
		Name:    "b",
		Command: "run b",
		Image:   "img",
		Inputs:  map[string]Input{"in": {Ref: "a.out"}},
		Outputs: map[string]Output{"out": {}},
	}

	_, err := NewJob("cyclic").AddCommand(a).AddCommand(b).Build()
	assert.ErrorIs(t, err, ErrCycle)
}

func TestBuildRejectsDuplicateNames(t *testing.T) {
	_, err := NewJob("training").
		AddCommand(prepStep()).
		AddCommand(prepStep()).
		Build()
	assert.ErrorIs(t, err, ErrDuplicateStep)
}

func TestBuildValidatesSteps(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*SweepStep)
	}{
		{"unknown sampling", func(s *SweepStep) { s.Sampling = "quantum" }},
		{"unknown goal", func(s *SweepStep) { s.Objective.Goal = "optimize" }},
		{"empty search space", func(s *SweepStep) { s.SearchSpace = nil }},
		{"no objective metric", func(s *SweepStep) { s.Objective.Metric = "" }},
		{
			"choice without values",
			func(s *SweepStep) { s.SearchSpace = map[string]Distribution{"lr": {Type: "choice"}} },
		},
		{
			"empty numeric range",
			func(s *SweepStep) { s.SearchSpace = map[string]Distribution{"lr": {Type: "uniform", Min: 1, Max: 1}} },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sweep := sweepStep()
			sweep.Inputs = nil
			tt.mutate(&sweep)
			_, err := NewJob("training").AddSweep(sweep).Build()
			assert.ErrorIs(t, err, ErrInvalidStep)
		})
	}
}

func TestBuildRejectsEmptyJob(t *testing.T) {
	_, err := NewJob("empty").Build()
	assert.ErrorIs(t, err, ErrInvalidStep)

	_, err = NewJob("").AddCommand(prepStep()).Build()
	assert.ErrorIs(t, err, ErrInvalidStep)
}

func TestSerializationIsStable(t *testing.T) {
	build := func() *Job {
		job, err := NewJob("training").
			DefaultCompute("gpu-cluster").
			AddSweep(sweepStep()).
			AddCommand(trainStep()).
			AddCommand(prepStep()).
			Build()
		require.NoError(t, err)
		return job
	}

	first, err := build().JSON()
	require.NoError(t, err)
	second, err := build().JSON()
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestDocumentShape(t *testing.T) {
	job, err := NewJob("training").
		Description("nightly training run").
		DefaultCompute("gpu-cluster").
		AddCommand(prepStep()).
		AddCommand(trainStep()).
		Build()
	require.NoError(t, err)

	raw, err := job.JSON()
	require.NoError(t, err)

	var doc Document
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, SchemaVersion, doc.SchemaVersion)
	assert.Equal(t, "training", doc.Name)
	assert.Equal(t, "gpu-cluster", doc.Compute)
	require.Len(t, doc.Steps, 2)
	assert.Equal(t, "command", doc.Steps[0].Type)
	assert.Equal(t, "prep", doc.Steps[0].Command.Name)
	assert.Equal(t, "prep.dataset", doc.Steps[1].Command.Inputs["data"].Ref)

	yamlBytes, err := job.YAML()
	require.NoError(t, err)
	assert.Contains(t, string(yamlBytes), "name: training")
	assert.Contains(t, string(yamlBytes), "schemaVersion:")
}
