// Package taskrouter classifies free-text tasks and drives them through
// in-process workers as persisted, resumable workflows.
package taskrouter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/deepnoodle-ai/taskrouter/agent"
	"github.com/deepnoodle-ai/taskrouter/bus"
	"github.com/deepnoodle-ai/taskrouter/classifier"
	"github.com/deepnoodle-ai/taskrouter/retry"
	"github.com/deepnoodle-ai/taskrouter/script"
	"github.com/deepnoodle-ai/taskrouter/state"
	"golang.org/x/sync/errgroup"
)

// DefaultSenderName is the bus name used for messages sent by the orchestrator.
const DefaultSenderName = "orchestrator"

// Metadata keys stored on workflows created by Run.
const (
	MetadataCategory   = "category"
	MetadataConfidence = "confidence"
)

// Options configures an Orchestrator.
type Options struct {
	Bus        *bus.Bus
	State      *state.Manager
	Classifier *classifier.Classifier
	Compiler   script.Compiler
	Reporters  []ProgressReporter
	Logger     *slog.Logger

	// Name is the sender name on the bus.
	Name string

	// StepTimeout bounds each attempt at a step. Zero uses the bus default.
	StepTimeout time.Duration

	// RetryPolicy is stored on new workflows. Nil uses the default policy.
	RetryPolicy *state.RetryPolicy

	// FallbackWorker handles tasks that match no category.
	FallbackWorker string
}

// Orchestrator turns a task into a workflow and executes its plan.
type Orchestrator struct {
	bus         *bus.Bus
	states      *state.Manager
	classifier  *classifier.Classifier
	compiler    script.Compiler
	reporter    *ReporterChain
	logger      *slog.Logger
	name        string
	stepTimeout time.Duration
	retryPolicy state.RetryPolicy
	fallback    string
}

// Result summarizes one execution of a workflow.
type Result struct {
	WorkflowID     string                    `json:"workflow_id"`
	Classification classifier.Classification `json:"classification"`
	Strategy       classifier.Strategy       `json:"strategy"`
	Status         state.WorkflowStatus      `json:"status"`
	Output         any                       `json:"output,omitempty"`
	Results        map[string]any            `json:"results,omitempty"`
	Skipped        []string                  `json:"skipped,omitempty"`
	Failures       map[string]string         `json:"failures,omitempty"`
	Resumed        bool                      `json:"resumed,omitempty"`
}

// New returns an orchestrator configured with the given options.
func New(opts Options) (*Orchestrator, error) {
	if opts.Bus == nil {
		return nil, fmt.Errorf("bus required")
	}
	if opts.State == nil {
		return nil, fmt.Errorf("state manager required")
	}
	if opts.Classifier == nil {
		c, err := classifier.New(nil)
		if err != nil {
			return nil, err
		}
		opts.Classifier = c
	}
	if opts.Compiler == nil {
		opts.Compiler = script.NewRisorEngine(script.DefaultGlobals())
	}
	if opts.Logger == nil {
		opts.Logger = NewDiscardLogger()
	}
	if opts.Name == "" {
		opts.Name = DefaultSenderName
	}
	policy := state.DefaultRetryPolicy()
	if opts.RetryPolicy != nil {
		policy = *opts.RetryPolicy
		if policy.Backoff == nil {
			policy.Backoff = []time.Duration{}
		}
	}
	return &Orchestrator{
		bus:         opts.Bus,
		states:      opts.State,
		classifier:  opts.Classifier,
		compiler:    opts.Compiler,
		reporter:    NewReporterChain(opts.Logger, opts.Reporters...),
		logger:      opts.Logger,
		name:        opts.Name,
		stepTimeout: opts.StepTimeout,
		retryPolicy: policy,
		fallback:    opts.FallbackWorker,
	}, nil
}

// Classifier returns the classifier in use.
func (o *Orchestrator) Classifier() *classifier.Classifier {
	return o.classifier
}

// Plan classifies text and resolves the strategy without running anything.
// Unknown tasks are routed to the fallback worker when one is configured.
func (o *Orchestrator) Plan(text string) (classifier.Classification, classifier.Strategy, error) {
	cl := o.classifier.Classify(text)
	strategy, err := o.classifier.DetermineStrategy(cl)
	if err != nil {
		return cl, classifier.Strategy{}, err
	}
	if strategy.Type != classifier.StrategyWorkflow && len(strategy.Workers) == 0 {
		if o.fallback == "" {
			return cl, strategy, ErrNoWorker
		}
		strategy = classifier.Strategy{Type: classifier.StrategySingle, Workers: []string{o.fallback}}
	}
	return cl, strategy, nil
}

// Run classifies text, creates a workflow for it and executes the plan.
// The returned Result is non-nil whenever a workflow was created, including
// when it failed.
func (o *Orchestrator) Run(ctx context.Context, text string) (*Result, error) {
	cl, strategy, err := o.Plan(text)
	if err != nil {
		if errors.Is(err, ErrNoWorker) {
			o.logger.Warn("no worker for task", "category", cl.Category, "task", text)
		}
		return nil, err
	}
	wf, err := o.states.CreateWorkflow(ctx, "", &state.WorkflowState{
		Task:        text,
		Template:    strategy.Template,
		Strategy:    string(strategy.Type),
		Plan:        BuildPlan(strategy),
		RetryPolicy: o.retryPolicy,
		Metadata: map[string]any{
			MetadataCategory:   cl.Category,
			MetadataConfidence: cl.Confidence,
		},
	})
	if err != nil {
		return nil, err
	}
	result, err := o.execute(ctx, wf, false)
	if result != nil {
		result.Classification = cl
		result.Strategy = strategy
	}
	return result, err
}

// Resume continues a non-terminal workflow from its recorded current step.
// Steps that already have a result are not run again.
func (o *Orchestrator) Resume(ctx context.Context, id string) (*Result, error) {
	wf, err := o.states.GetWorkflow(id)
	if err != nil {
		return nil, err
	}
	if wf.Status.Terminal() {
		return nil, fmt.Errorf("workflow %s is already %s", id, wf.Status)
	}
	return o.execute(ctx, wf, true)
}

// ResumeAll resumes every initialized or in-progress workflow in creation
// order. Failures do not stop the remaining workflows; their errors are
// joined.
func (o *Orchestrator) ResumeAll(ctx context.Context) ([]*Result, error) {
	var results []*Result
	var errs []error
	for _, wf := range o.states.Resumable() {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		result, err := o.execute(ctx, wf, true)
		if result != nil {
			results = append(results, result)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return results, errors.Join(errs...)
}

// BuildPlan converts a strategy into the ordered steps stored on a workflow.
// A single strategy has one step, a parallel strategy has one parallel step
// per worker, and a workflow strategy copies the template steps.
func BuildPlan(strategy classifier.Strategy) []state.PlannedStep {
	switch strategy.Type {
	case classifier.StrategyWorkflow:
		plan := make([]state.PlannedStep, 0, len(strategy.Steps))
		for _, step := range strategy.Steps {
			plan = append(plan, state.PlannedStep{
				ID:       step.ID,
				Worker:   step.Worker,
				Action:   step.Action,
				Parallel: step.Parallel,
				Params:   step.Params,
				When:     step.When,
			})
		}
		return plan
	case classifier.StrategyParallel:
		plan := make([]state.PlannedStep, 0, len(strategy.Workers))
		for _, worker := range strategy.Workers {
			plan = append(plan, state.PlannedStep{
				ID:       worker,
				Worker:   worker,
				Action:   strategy.Action,
				Parallel: true,
				Params:   strategy.Params,
			})
		}
		return plan
	}
	if len(strategy.Workers) == 0 {
		return nil
	}
	worker := strategy.Workers[0]
	return []state.PlannedStep{{
		ID:     worker,
		Worker: worker,
		Action: strategy.Action,
		Params: strategy.Params,
	}}
}

// batch is a run of plan steps executed together: either one sequential
// step or consecutive parallel steps.
type batch struct {
	start, end int
}

func batches(plan []state.PlannedStep) []batch {
	var out []batch
	for i := 0; i < len(plan); {
		end := i + 1
		if plan[i].Parallel {
			for end < len(plan) && plan[end].Parallel {
				end++
			}
		}
		out = append(out, batch{start: i, end: end})
		i = end
	}
	return out
}

// run holds the state of one execution pass over a workflow.
type run struct {
	wf       *state.WorkflowState
	logger   *slog.Logger
	results  map[string]any
	previous any
	skipped  []string
	failures map[string]string
}

func (o *Orchestrator) execute(ctx context.Context, wf *state.WorkflowState, resumed bool) (*Result, error) {
	start := time.Now()
	logger := o.logger.With("workflow_id", wf.WorkflowID)
	ctx = WithWorkflowID(ctx, wf.WorkflowID)
	ctx = WithLogger(ctx, logger)

	r := &run{wf: wf, logger: logger, results: copyMap(wf.Results)}
	result := &Result{WorkflowID: wf.WorkflowID, Status: wf.Status, Resumed: resumed}

	o.reporter.WorkflowStarted(ctx, &WorkflowEvent{
		WorkflowID: wf.WorkflowID,
		Task:       wf.Task,
		Strategy:   wf.Strategy,
		Template:   wf.Template,
		Status:     string(wf.Status),
		StepCount:  len(wf.Plan),
		StartTime:  start,
		Resumed:    resumed,
	})
	finish := func(status state.WorkflowStatus, err error) {
		result.Status = status
		result.Results = copyMap(r.results)
		result.Skipped = r.skipped
		result.Failures = r.failures
		o.reporter.WorkflowFinished(ctx, &WorkflowEvent{
			WorkflowID: wf.WorkflowID,
			Task:       wf.Task,
			Strategy:   wf.Strategy,
			Template:   wf.Template,
			Status:     string(status),
			StepCount:  len(wf.Plan),
			StartTime:  start,
			Duration:   time.Since(start),
			Resumed:    resumed,
			Error:      err,
		})
	}

	if resumed {
		if err := o.closeInterrupted(ctx, wf); err != nil {
			finish(wf.Status, err)
			return result, err
		}
	}

	for _, b := range batches(wf.Plan) {
		if b.end <= wf.CurrentStep {
			r.previous = r.batchOutput(wf.Plan[b.start:b.end])
			continue
		}
		if err := ctx.Err(); err != nil {
			finish(state.WorkflowStatusInProgress, err)
			return result, err
		}
		failed, err := o.runBatch(ctx, r, wf.Plan[b.start:b.end])
		if err != nil {
			if ctx.Err() != nil {
				// Interrupted: the workflow stays resumable.
				finish(state.WorkflowStatusInProgress, ctx.Err())
				return result, ctx.Err()
			}
			err = o.fail(ctx, wf.WorkflowID, failed, err)
			finish(state.WorkflowStatusFailed, err)
			return result, err
		}
		r.previous = r.batchOutput(wf.Plan[b.start:b.end])
		current := b.end
		if _, err := o.states.UpdateWorkflow(ctx, wf.WorkflowID, state.WorkflowUpdate{CurrentStep: &current}); err != nil {
			finish(wf.Status, err)
			return result, err
		}
	}

	result.Output = o.output(wf, r)
	if _, err := o.states.CompleteWorkflow(ctx, wf.WorkflowID, result.Output); err != nil {
		finish(wf.Status, err)
		return result, err
	}
	finish(state.WorkflowStatusCompleted, nil)
	return result, nil
}

// closeInterrupted records attempts left in progress by a previous process
// as failed so that the steps can be started again.
func (o *Orchestrator) closeInterrupted(ctx context.Context, wf *state.WorkflowState) error {
	ids := make([]string, 0, len(wf.ActiveSteps))
	for id := range wf.ActiveSteps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		step := wf.ActiveSteps[id]
		if _, err := o.states.AddWorkflowError(ctx, wf.WorkflowID, state.WorkflowError{
			StepID:  id,
			Worker:  step.AssignedWorker,
			Message: "interrupted before completion",
			Attempt: step.RetryCount + 1,
		}); err != nil {
			return err
		}
	}
	return nil
}

// fail marks the workflow failed and builds the error describing why.
func (o *Orchestrator) fail(ctx context.Context, id string, step state.PlannedStep, cause error) error {
	failure := &WorkflowFailedError{
		WorkflowID: id,
		StepID:     step.ID,
		Worker:     step.Worker,
		LastError:  cause,
	}
	wf, err := o.states.FailWorkflow(ctx, id)
	if err != nil {
		return errors.Join(failure, err)
	}
	if cp, ok := wf.LastRestorableCheckpoint(); ok {
		failure.Restorable = true
		failure.CheckpointID = cp.ID
	}
	return failure
}

// output is the final result of a completed workflow: the single step's
// result verbatim, or the results keyed by step id.
func (o *Orchestrator) output(wf *state.WorkflowState, r *run) any {
	if wf.Strategy == string(classifier.StrategySingle) && len(wf.Plan) == 1 {
		return r.results[wf.Plan[0].ID]
	}
	return copyMap(r.results)
}

// batchOutput is what the next step sees as its previous result.
func (r *run) batchOutput(steps []state.PlannedStep) any {
	if len(steps) == 1 {
		return r.results[steps[0].ID]
	}
	out := map[string]any{}
	for _, step := range steps {
		if value, ok := r.results[step.ID]; ok {
			out[step.ID] = value
		}
	}
	return out
}

// stepContext is threaded into every task. It is built fresh for each step.
func (o *Orchestrator) stepContext(r *run) map[string]any {
	return map[string]any{
		"task":        r.wf.Task,
		"workflow_id": r.wf.WorkflowID,
		"previous":    r.previous,
		"results":     copyMap(r.results),
	}
}

func (o *Orchestrator) globals(r *run, threaded map[string]any, params map[string]any) map[string]any {
	return map[string]any{
		script.GlobalTask:       r.wf.Task,
		script.GlobalWorkflowID: r.wf.WorkflowID,
		script.GlobalContext:    threaded,
		script.GlobalResults:    copyMap(r.results),
		script.GlobalParams:     copyMap(params),
	}
}

// runBatch executes the steps of one batch that have no result yet. Steps
// of a parallel batch run concurrently and all of them settle before the
// batch returns. On failure the first failed step in plan order is returned.
func (o *Orchestrator) runBatch(ctx context.Context, r *run, steps []state.PlannedStep) (state.PlannedStep, error) {
	threaded := o.stepContext(r)

	var pending []state.PlannedStep
	for _, step := range steps {
		if _, done := r.results[step.ID]; done {
			continue
		}
		ok, err := script.EvalCondition(ctx, o.compiler, step.When, o.globals(r, threaded, step.Params))
		if err != nil {
			err = o.recordFailure(ctx, r, step, 1, retry.NewNonRecoverableError(err))
			r.addFailure(step.ID, err)
			return step, err
		}
		if !ok {
			r.skipped = append(r.skipped, step.ID)
			o.reporter.AgentProgress(ctx, &AgentEvent{
				WorkflowID: r.wf.WorkflowID,
				StepID:     step.ID,
				Agent:      step.Worker,
				Action:     step.Action,
				Message:    fmt.Sprintf("skipped: condition %q is false", step.When),
			})
			continue
		}
		pending = append(pending, step)
	}

	outputs := make([]any, len(pending))
	errs := make([]error, len(pending))
	if len(pending) == 1 {
		outputs[0], errs[0] = o.runStep(ctx, r, pending[0], threaded)
	} else {
		var g errgroup.Group
		for i, step := range pending {
			g.Go(func() error {
				outputs[i], errs[i] = o.runStep(ctx, r, step, threaded)
				return nil
			})
		}
		_ = g.Wait()
	}

	var firstErr error
	var failed state.PlannedStep
	for i, step := range pending {
		if errs[i] != nil {
			r.addFailure(step.ID, errs[i])
			if firstErr == nil {
				firstErr, failed = errs[i], step
			}
			continue
		}
		r.results[step.ID] = outputs[i]
	}
	return failed, firstErr
}

// addFailure records a step that failed in the current run. Steps of the
// same batch that succeeded keep their results alongside it.
func (r *run) addFailure(stepID string, err error) {
	if r.failures == nil {
		r.failures = map[string]string{}
	}
	r.failures[stepID] = err.Error()
}

// runStep resolves the step parameters and dispatches the step, retrying
// recoverable failures according to the workflow's retry policy.
func (o *Orchestrator) runStep(ctx context.Context, r *run, step state.PlannedStep, threaded map[string]any) (any, error) {
	params, err := script.EvalParams(ctx, o.compiler, step.Params, o.globals(r, threaded, step.Params))
	if err != nil {
		return nil, o.recordFailure(ctx, r, step, 1, retry.NewNonRecoverableError(fmt.Errorf("invalid params: %w", err)))
	}

	policy := r.wf.RetryPolicy
	attempt := 0
	var output any
	err = retry.Do(ctx, func() error {
		attempt++
		out, err := o.attempt(ctx, r, step, params, threaded, attempt)
		if err != nil {
			return err
		}
		output = out
		return nil
	},
		retry.WithMaxRetries(policy.MaxRetries),
		retry.WithSchedule(policy.Backoff...),
		retry.WithNotify(func(n int, err error, wait time.Duration) {
			o.reporter.AgentRetry(ctx, &AgentEvent{
				WorkflowID: r.wf.WorkflowID,
				StepID:     step.ID,
				Agent:      step.Worker,
				Action:     step.Action,
				Attempt:    n,
				Wait:       wait,
				ErrorType:  ClassifyError(err).Type,
				Error:      err,
			})
		}),
	)
	if err != nil {
		return nil, err
	}
	return output, nil
}

// attempt dispatches one attempt at a step and records its outcome.
func (o *Orchestrator) attempt(ctx context.Context, r *run, step state.PlannedStep, params, threaded map[string]any, attempt int) (any, error) {
	wfID := r.wf.WorkflowID
	stepErr := func(err error) error {
		return &StepError{WorkflowID: wfID, StepID: step.ID, Worker: step.Worker, Attempt: attempt, Err: err}
	}

	if _, err := o.states.StartStep(ctx, wfID, state.Step{
		ID:             step.ID,
		AssignedWorker: step.Worker,
		Action:         step.Action,
		Context:        threaded,
		RetryCount:     attempt - 1,
	}); err != nil {
		return nil, stepErr(err)
	}

	event := &AgentEvent{
		WorkflowID: wfID,
		StepID:     step.ID,
		Agent:      step.Worker,
		Action:     step.Action,
		Attempt:    attempt,
		Params:     params,
		StartTime:  time.Now(),
	}
	o.reporter.AgentStarted(ctx, event)

	task := agent.Task{
		Action:      step.Action,
		Description: r.wf.Task,
		Params:      params,
		Context:     threaded,
		WorkflowID:  wfID,
		StepID:      step.ID,
	}
	msg := bus.NewMessage(o.name, step.Worker, bus.MessageTypeInvoke, task)
	raw, err := o.bus.SendAndWait(ctx, msg, o.stepTimeout)
	var out any
	if err == nil {
		out, err = bus.Unwrap(msg, raw)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, retry.NewNonRecoverableError(ctx.Err())
		}
		return nil, o.recordFailure(ctx, r, step, attempt, err)
	}

	wf, err := o.states.AddStepResult(ctx, wfID, step.ID, out)
	if err != nil {
		return nil, stepErr(err)
	}
	stored := wf.Results[step.ID]
	if _, err := o.states.AddCheckpoint(ctx, wfID, state.Checkpoint{
		StepID:            step.ID,
		Type:              state.CheckpointStepComplete,
		ModifiedArtifacts: artifacts(stored),
		Restorable:        true,
	}); err != nil {
		return nil, stepErr(err)
	}

	event.Result = stored
	event.Duration = time.Since(event.StartTime)
	o.reporter.AgentCompleted(ctx, event)
	return stored, nil
}

// recordFailure appends the failure to the workflow's error list and
// reports it. The returned error is what the retry policy sees.
func (o *Orchestrator) recordFailure(ctx context.Context, r *run, step state.PlannedStep, attempt int, cause error) error {
	wfID := r.wf.WorkflowID
	if _, err := o.states.AddWorkflowError(ctx, wfID, state.WorkflowError{
		StepID:  step.ID,
		Worker:  step.Worker,
		Message: cause.Error(),
		Attempt: attempt,
	}); err != nil {
		return &StepError{WorkflowID: wfID, StepID: step.ID, Worker: step.Worker, Attempt: attempt, Err: err}
	}
	classified := ClassifyError(cause)
	o.reporter.AgentError(ctx, &AgentEvent{
		WorkflowID: wfID,
		StepID:     step.ID,
		Agent:      step.Worker,
		Action:     step.Action,
		Attempt:    attempt,
		ErrorType:  classified.Type,
		Error:      cause,
	})
	return &StepError{WorkflowID: wfID, StepID: step.ID, Worker: step.Worker, Attempt: attempt, Err: cause}
}

// artifacts extracts the files a step reports as modified.
func artifacts(result any) []string {
	m, ok := result.(map[string]any)
	if !ok {
		return []string{}
	}
	out := []string{}
	for _, key := range []string{"modified_files", "artifacts"} {
		switch list := m[key].(type) {
		case []string:
			out = append(out, list...)
		case []any:
			for _, item := range list {
				if s, ok := item.(string); ok {
					out = append(out, s)
				}
			}
		}
	}
	return out
}

// copyMap creates a shallow copy of a map
func copyMap(m map[string]any) map[string]any {
	copy := make(map[string]any, len(m))
	for k, v := range m {
		copy[k] = v
	}
	return copy
}
