// Package agent implements the scout executor: a bounded tool-calling loop
// against an LLM with two tools (web search, web scrape), followed by
// summary/embedding generation, similarity deduplication against recent
// findings, persistence of the execution trace and success notification.
//
// The loop is deliberately explicit about its bounds: at most MaxLoops model
// turns, at most MaxConsecutiveErrors failed tool calls in a row, one running
// execution per scout enforced by the store.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"goa.design/clue/log"

	"goa.design/scout/features/search/firecrawl"
	"goa.design/scout/runtime/agent/model"
	"goa.design/scout/runtime/analytics"
	"goa.design/scout/runtime/credentials"
	"goa.design/scout/runtime/dedup"
	"goa.design/scout/scout"
	"goa.design/scout/telemetry"
)

// Default loop bounds.
const (
	DefaultMaxLoops             = 7
	DefaultMaxConsecutiveErrors = 3
	DefaultRunTimeout           = 10 * time.Minute
)

// ErrScoutInactive is returned when the executor is invoked for a scout that
// is not active. No execution row is created.
var ErrScoutInactive = errors.New("scout is not active")

// ErrIncompleteScout aborts a run whose scout configuration is not runnable.
// The message is shown to the user as-is.
var ErrIncompleteScout = errors.New(
	"scout configuration is incomplete: a title, goal, 1-5 queries and a frequency are required")

type (
	// Store is the subset of the store surface the executor needs.
	Store interface {
		Scout(ctx context.Context, id string) (scout.Scout, error)
		ClaimRunning(ctx context.Context, scoutID string) (scout.Execution, error)
		FinishExecution(ctx context.Context, executionID string, final scout.ExecutionFinal) error
		AppendStep(ctx context.Context, step scout.Step) error
		UpdateStep(ctx context.Context, executionID string, number int, update scout.StepUpdate) error
		ListRecentFindings(ctx context.Context, scoutID string, limit int) ([]scout.RecentFinding, error)
		UpdateScoutPostRun(ctx context.Context, scoutID string, outcome scout.RunOutcome) error
	}

	// Searcher is the search/scrape surface used inside the loop.
	Searcher interface {
		Search(ctx context.Context, req firecrawl.SearchRequest) (firecrawl.SearchResponse, error)
		Scrape(ctx context.Context, req firecrawl.ScrapeRequest) (firecrawl.ScrapeResult, error)
		Blacklisted(url string) bool
	}

	// SearchFactory builds a Searcher bound to one user's API key.
	SearchFactory func(key string) (Searcher, error)

	// Notifier delivers the success notification for a completed run.
	Notifier interface {
		NotifySuccess(ctx context.Context, sc scout.Scout, exec scout.Execution, report scout.Report) error
	}

	// Options configures the executor.
	Options struct {
		Store       Store
		Model       model.Client
		Search      SearchFactory
		Credentials *credentials.Resolver
		// Detector defaults to dedup.New(dedup.DefaultThreshold).
		Detector *dedup.Detector
		// Notifier may be nil; runs then complete without email.
		Notifier Notifier
		// Analytics defaults to analytics.Nop.
		Analytics analytics.Sink
		// MaxLoops and MaxConsecutiveErrors default to the package constants.
		MaxLoops             int
		MaxConsecutiveErrors int
		// RunTimeout is the wall-clock limit for one run, DefaultRunTimeout
		// when unset.
		RunTimeout time.Duration
		// Metrics is optional.
		Metrics *telemetry.Metrics
		// Now overrides the clock, primarily for tests.
		Now func() time.Time
	}

	// Agent executes scouts.
	Agent struct {
		store      Store
		model      model.Client
		search     SearchFactory
		creds      *credentials.Resolver
		detector   *dedup.Detector
		notifier   Notifier
		analytics  analytics.Sink
		metrics    *telemetry.Metrics
		maxLoops   int
		maxErrors  int
		runTimeout time.Duration
		now        func() time.Time
	}

	// Result is the executor outcome returned to the HTTP entry.
	Result struct {
		ScoutID     string
		Title       string
		ExecutionID string
		Report      scout.Report
	}

	// runState carries per-run loop state.
	runState struct {
		sc         scout.Scout
		exec       scout.Execution
		search     Searcher
		recent     []scout.RecentFinding
		history    []model.Message
		stepNumber int
		conErrors  int
	}
)

// New builds an Agent from the provided options.
func New(opts Options) (*Agent, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Model == nil {
		return nil, errors.New("model client is required")
	}
	if opts.Search == nil {
		return nil, errors.New("search factory is required")
	}
	if opts.Credentials == nil {
		return nil, errors.New("credential resolver is required")
	}
	detector := opts.Detector
	if detector == nil {
		detector = dedup.New(dedup.DefaultThreshold)
	}
	sink := opts.Analytics
	if sink == nil {
		sink = analytics.Nop{}
	}
	maxLoops := opts.MaxLoops
	if maxLoops <= 0 {
		maxLoops = DefaultMaxLoops
	}
	maxErrors := opts.MaxConsecutiveErrors
	if maxErrors <= 0 {
		maxErrors = DefaultMaxConsecutiveErrors
	}
	runTimeout := opts.RunTimeout
	if runTimeout <= 0 {
		runTimeout = DefaultRunTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Agent{
		store:      opts.Store,
		model:      opts.Model,
		search:     opts.Search,
		creds:      opts.Credentials,
		detector:   detector,
		notifier:   opts.Notifier,
		analytics:  sink,
		metrics:    opts.Metrics,
		maxLoops:   maxLoops,
		maxErrors:  maxErrors,
		runTimeout: runTimeout,
		now:        now,
	}, nil
}

// Execute runs one scout end-to-end. It claims the scout's running slot,
// drives the agent loop, persists the terminal execution row and updates the
// scout's counters. A second invocation while a run is in flight returns
// *store.ErrAlreadyRunning without touching any state.
func (a *Agent) Execute(ctx context.Context, scoutID string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, a.runTimeout)
	defer cancel()

	sc, err := a.store.Scout(ctx, scoutID)
	if err != nil {
		return nil, err
	}
	if !sc.IsActive {
		return nil, ErrScoutInactive
	}
	exec, err := a.store.ClaimRunning(ctx, scoutID)
	if err != nil {
		return nil, err
	}
	ctx = log.With(ctx, log.KV{K: "scout_id", V: sc.ID}, log.KV{K: "execution_id", V: exec.ID})
	a.analytics.Emit(analytics.Event{
		Name: analytics.EventRunStarted, UserID: sc.UserID, ScoutID: sc.ID, ExecutionID: exec.ID,
	})

	state := &runState{sc: sc, exec: exec}
	report, runErr := a.run(ctx, state)
	if runErr != nil {
		return nil, a.fail(ctx, state, runErr)
	}
	return a.complete(ctx, state, report)
}

// run drives the loop until the model produces a final message or a bound is
// hit. It returns an error only for failures that make the run terminal.
func (a *Agent) run(ctx context.Context, state *runState) (scout.Report, error) {
	sc := state.sc
	if !sc.IsComplete() {
		return scout.Report{}, ErrIncompleteScout
	}
	key, err := a.creds.Resolve(ctx, sc.UserID)
	if err != nil {
		return scout.Report{}, err
	}
	searcher, err := a.search(key)
	if err != nil {
		return scout.Report{}, fmt.Errorf("build search client: %w", err)
	}
	state.search = searcher

	recent, err := a.store.ListRecentFindings(ctx, sc.ID, 20)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "list recent findings failed"})
	}
	state.recent = recent

	state.history = []model.Message{
		{Role: "system", Content: systemPrompt(sc, recent, a.maxLoops, a.now())},
		{Role: "user", Content: "Run the monitoring task now and report your findings."},
	}
	tools := toolDefinitions()

	for loopCount := 0; loopCount < a.maxLoops; loopCount++ {
		if loopCount > 0 && loopCount%3 == 0 {
			state.history = append(state.history, model.Message{
				Role:    "user",
				Content: reminderMessage(state.stepNumber, a.maxLoops),
			})
		}
		resp, err := a.model.ChatComplete(ctx, model.Request{
			Messages:   state.history,
			Tools:      tools,
			ToolChoice: model.ToolChoiceAuto,
		})
		if err != nil {
			return scout.Report{}, fmt.Errorf("chat completion: %w", err)
		}
		state.history = append(state.history, resp.Message)

		if !resp.Message.HasToolCalls() {
			return parseReport(resp.Message.Content), nil
		}
		for _, call := range resp.Message.ToolCalls {
			if err := a.handleToolCall(ctx, state, call); err != nil {
				return scout.Report{}, err
			}
		}
	}

	// The model never produced a final message within the step budget. The
	// run still counts as a completion.
	return scout.Report{
		TaskCompleted: false,
		TaskStatus:    scout.TaskPartial,
		Response: fmt.Sprintf(
			"Reached the %d-step iteration limit before finishing. Partial results may be available in the execution trace.",
			a.maxLoops),
	}, nil
}

// handleToolCall executes one tool invocation: it persists the step, runs the
// adapter call, feeds the result back into the conversation and applies the
// error accounting rules. A returned error terminates the run.
func (a *Agent) handleToolCall(ctx context.Context, state *runState, call model.ToolCall) error {
	output, toolErr := a.dispatchTool(ctx, state, call)
	if toolErr == nil {
		state.conErrors = 0
		content, err := json.Marshal(output)
		if err != nil {
			content = []byte(fmt.Sprintf("%v", output))
		}
		state.history = append(state.history, model.Message{
			Role: "tool", ToolCallID: call.ID, Content: string(content),
		})
		return nil
	}

	state.history = append(state.history, model.Message{
		Role: "tool", ToolCallID: call.ID, Content: "Error: " + toolErr.Error(),
	})

	sc := state.sc
	switch {
	case firecrawl.IsPaymentError(toolErr):
		a.analytics.Emit(analytics.Event{
			Name: analytics.EventCredentialInvalid, UserID: sc.UserID, ScoutID: sc.ID,
			ExecutionID: state.exec.ID, Props: map[string]any{"status": 402},
		})
		return a.creds.HandlePaymentRequired(ctx, sc.UserID, toolErr.Error())
	case firecrawl.IsAuthError(toolErr):
		a.creds.MarkInvalid(ctx, sc.UserID, toolErr.Error())
		a.analytics.Emit(analytics.Event{
			Name: analytics.EventCredentialInvalid, UserID: sc.UserID, ScoutID: sc.ID,
			ExecutionID: state.exec.ID, Props: map[string]any{"status": 401},
		})
	}

	// Scrapes of blacklisted URLs fail by design and say nothing about the
	// provider's health, so they do not count against the error cutoff.
	if inv, ok := scrapeTarget(call); ok && state.search.Blacklisted(inv) {
		return nil
	}
	state.conErrors++
	if state.conErrors >= a.maxErrors {
		return fmt.Errorf("aborting after %d consecutive tool errors: %w", state.conErrors, toolErr)
	}
	return nil
}

// dispatchTool records the step, runs the adapter call and finalizes the step
// with its output or error.
func (a *Agent) dispatchTool(ctx context.Context, state *runState, call model.ToolCall) (any, error) {
	state.stepNumber++
	number := state.stepNumber

	inv, decodeErr := decodeInvocation(call)
	stepType := scout.StepToolCall
	description := call.Name
	switch inv.(type) {
	case SearchInvocation:
		stepType = scout.StepSearch
		description = "search the web"
	case ScrapeInvocation:
		stepType = scout.StepScrape
		description = "scrape a page"
	}
	a.appendStep(ctx, scout.Step{
		ExecutionID: state.exec.ID,
		Number:      number,
		Type:        stepType,
		Description: description,
		Input:       json.RawMessage(call.Arguments),
		Status:      scout.StepRunning,
	})
	if decodeErr != nil {
		a.finalizeStep(ctx, state.exec.ID, number, nil, decodeErr)
		return nil, decodeErr
	}

	var (
		output any
		err    error
	)
	switch inv := inv.(type) {
	case SearchInvocation:
		loc := state.sc.Location
		req := firecrawl.SearchRequest{
			Query:  inv.Query,
			Limit:  inv.Limit,
			TBS:    inv.TBS,
			MaxAge: state.sc.Frequency.MaxAge(),
			Scrape: state.sc.Scrape,
		}
		if req.TBS == "" {
			req.TBS = state.sc.Frequency.TBS()
		}
		if !loc.IsAny() {
			req.Location = &loc
		}
		output, err = state.search.Search(ctx, req)
	case ScrapeInvocation:
		output, err = state.search.Scrape(ctx, firecrawl.ScrapeRequest{
			URL:    inv.URL,
			MaxAge: state.sc.Frequency.MaxAge(),
			Scrape: state.sc.Scrape,
		})
	}
	a.finalizeStep(ctx, state.exec.ID, number, output, err)
	if err != nil {
		return nil, err
	}
	return output, nil
}

// complete runs the post-loop bookkeeping for a run that produced a report:
// summary and embedding, deduplication, terminal persistence, notification
// and scout counters.
func (a *Agent) complete(ctx context.Context, state *runState, report scout.Report) (*Result, error) {
	var (
		summaryText *string
		embedding   []float32
	)
	if report.TaskCompleted {
		summaryText, embedding = a.summarize(ctx, state, report)
	}

	if match := a.detector.Evaluate(ctx, embedding, state.recent); match != nil {
		report.Duplicate = true
		report.Response += match.Annotation()
		a.analytics.Emit(analytics.Event{
			Name: analytics.EventRunDuplicate, UserID: state.sc.UserID, ScoutID: state.sc.ID,
			ExecutionID: state.exec.ID,
			Props: map[string]any{
				"similarity": match.Similarity,
				"of":         match.ExecutionID,
			},
		})
	}

	now := a.now()
	final := scout.ExecutionFinal{
		Status:           scout.ExecutionCompleted,
		Results:          &report,
		SummaryText:      summaryText,
		SummaryEmbedding: embedding,
		CompletedAt:      now,
	}
	if err := a.store.FinishExecution(ctx, state.exec.ID, final); err != nil {
		return nil, fmt.Errorf("finish execution: %w", err)
	}
	if err := a.store.UpdateScoutPostRun(ctx, state.sc.ID, scout.RunOutcome{LastRunAt: now}); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "post-run scout update failed"})
	}
	a.analytics.Emit(analytics.Event{
		Name: analytics.EventRunCompleted, UserID: state.sc.UserID, ScoutID: state.sc.ID,
		ExecutionID: state.exec.ID,
		Props: map[string]any{
			"task_status": string(report.TaskStatus),
			"duplicate":   report.Duplicate,
		},
	})
	a.metrics.RunCompleted(ctx, string(report.TaskStatus))
	if report.Duplicate {
		a.metrics.RunDuplicate(ctx)
	}

	if report.TaskCompleted && !report.Duplicate && a.notifier != nil {
		exec := state.exec
		exec.CompletedAt = &now
		if err := a.notifier.NotifySuccess(ctx, state.sc, exec, report); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "success notification failed"})
		}
	}
	return &Result{
		ScoutID:     state.sc.ID,
		Title:       state.sc.Title,
		ExecutionID: state.exec.ID,
		Report:      report,
	}, nil
}

// fail persists the terminal failed row, bumps the scout's failure counter and
// returns the original error.
func (a *Agent) fail(ctx context.Context, state *runState, runErr error) error {
	now := a.now()
	final := scout.ExecutionFinal{
		Status:       scout.ExecutionFailed,
		ErrorMessage: runErr.Error(),
		CompletedAt:  now,
	}
	if err := a.store.FinishExecution(ctx, state.exec.ID, final); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "finish failed execution"})
	}
	if err := a.store.UpdateScoutPostRun(ctx, state.sc.ID, scout.RunOutcome{LastRunAt: now, Failed: true}); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "post-run scout update failed"})
	}
	a.analytics.Emit(analytics.Event{
		Name: analytics.EventRunFailed, UserID: state.sc.UserID, ScoutID: state.sc.ID,
		ExecutionID: state.exec.ID,
		Props:       map[string]any{"error": runErr.Error()},
	})
	a.metrics.RunFailed(ctx)
	return runErr
}

// summarize generates the one-sentence summary and its embedding. Failures
// are non-fatal: the run completes with null summary fields.
func (a *Agent) summarize(ctx context.Context, state *runState, report scout.Report) (*string, []float32) {
	state.stepNumber++
	number := state.stepNumber
	a.appendStep(ctx, scout.Step{
		ExecutionID: state.exec.ID,
		Number:      number,
		Type:        scout.StepSummarize,
		Description: "generate summary and embedding",
		Status:      scout.StepRunning,
	})

	resp, err := a.model.ChatComplete(ctx, model.Request{
		Messages: []model.Message{
			{Role: "system", Content: "Summarize the finding in a single sentence of at most 150 characters. " +
				"Include the concrete specifics (names, numbers, dates), not generalities."},
			{Role: "user", Content: report.Response},
		},
		ToolChoice: model.ToolChoiceNone,
	})
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "summary generation failed"})
		a.finalizeStep(ctx, state.exec.ID, number, nil, err)
		return nil, nil
	}
	text := strings.TrimSpace(resp.Message.Content)
	if runes := []rune(text); len(runes) > scout.SummaryMaxLen {
		text = string(runes[:scout.SummaryMaxLen])
	}

	embedding, err := a.model.Embed(ctx, text)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "embedding generation failed"})
		a.finalizeStep(ctx, state.exec.ID, number, map[string]any{"summary": text}, err)
		return &text, nil
	}
	a.finalizeStep(ctx, state.exec.ID, number, map[string]any{"summary": text}, nil)
	return &text, embedding
}

// appendStep persists a step; trace failures are logged, never fatal.
func (a *Agent) appendStep(ctx context.Context, step scout.Step) {
	if err := a.store.AppendStep(ctx, step); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "append step failed"},
			log.KV{K: "step", V: step.Number})
	}
}

// finalizeStep transitions a step to its terminal state.
func (a *Agent) finalizeStep(ctx context.Context, executionID string, number int, output any, toolErr error) {
	update := scout.StepUpdate{Status: scout.StepCompleted, Output: output}
	if toolErr != nil {
		update.Status = scout.StepFailed
		update.Error = toolErr.Error()
	}
	if err := a.store.UpdateStep(ctx, executionID, number, update); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "update step failed"},
			log.KV{K: "step", V: number})
	}
}

// scrapeTarget extracts the URL of a scrapeWebsite call, if any.
func scrapeTarget(call model.ToolCall) (string, bool) {
	if call.Name != toolScrapeWebsite {
		return "", false
	}
	var inv ScrapeInvocation
	if err := json.Unmarshal(call.Arguments, &inv); err != nil {
		return "", false
	}
	return inv.URL, inv.URL != ""
}
