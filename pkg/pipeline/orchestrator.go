package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cgast/missionctl/pkg/checkpoint"
	"github.com/cgast/missionctl/pkg/mission"
	"github.com/cgast/missionctl/pkg/tool"
)

// EventPublisher is the interface for emitting events during a run.
// This avoids a direct dependency on pkg/events.
type EventPublisher interface {
	PublishPipelineEvent(sessionID, eventType string, data any, stepIndex int, duration time.Duration)
}

// DefaultMaxTransitions bounds the number of stage runs in one call to Run.
const DefaultMaxTransitions = 16

// Orchestrator sequences the stages of a mission run.
type Orchestrator struct {
	stages         map[Step]Stage
	store          checkpoint.Store
	events         EventPublisher
	logger         *slog.Logger
	maxTransitions int
	deadline       time.Duration
	tokenBudget    int
	now            func() time.Time
	tracer         trace.Tracer
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCheckpointStore saves the state after every transition.
func WithCheckpointStore(s checkpoint.Store) Option {
	return func(o *Orchestrator) { o.store = s }
}

// WithEvents sets the event publisher.
func WithEvents(p EventPublisher) Option {
	return func(o *Orchestrator) { o.events = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMaxTransitions overrides DefaultMaxTransitions.
func WithMaxTransitions(n int) Option {
	return func(o *Orchestrator) { o.maxTransitions = n }
}

// WithDeadline bounds the wall time of each call to Run. The deadline is
// checked between stages, never inside one.
func WithDeadline(d time.Duration) Option {
	return func(o *Orchestrator) { o.deadline = d }
}

// WithTokenBudget sets the extraction token budget of new sessions.
func WithTokenBudget(n int) Option {
	return func(o *Orchestrator) { o.tokenBudget = n }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New builds an orchestrator from one stage per pipeline step.
func New(stages []Stage, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		stages:         make(map[Step]Stage, len(stages)),
		logger:         slog.Default(),
		maxTransitions: DefaultMaxTransitions,
		now:            time.Now,
		tracer:         otel.Tracer("github.com/cgast/missionctl/pkg/pipeline"),
	}
	for _, s := range stages {
		if _, dup := o.stages[s.Step()]; dup {
			return nil, fmt.Errorf("pipeline: duplicate stage for %s", s.Step())
		}
		o.stages[s.Step()] = s
	}
	for _, step := range []Step{StepIntent, StepCandidate, StepVerify, StepPlan, StepExecute} {
		if _, ok := o.stages[step]; !ok {
			return nil, fmt.Errorf("pipeline: no stage for %s", step)
		}
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "pipeline")
	return o, nil
}

// Result is the outcome of one call to Run.
type Result struct {
	State    State
	Terminal Step
	// Paused is set when the intent stage asked a clarification question;
	// the run continues on the next user turn.
	Paused bool
	// Aborted is set when the deadline or token budget stopped the run
	// between stages. State.Next holds the step to resume from.
	Aborted     bool
	Recoverable bool
}

// StartRequest begins a new session.
type StartRequest struct {
	SessionID string
	UserID    string
	Text      string
}

// ResumeInput continues a checkpointed session.
type ResumeInput struct {
	// Message answers a clarification question.
	Message string
	// SelectedPlan confirms a plan when the run awaits the user. Empty
	// selects the recommended plan.
	SelectedPlan string
}

// Start runs a new session from the user's request.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (Result, error) {
	if strings.TrimSpace(req.Text) == "" {
		return Result{}, tool.Errorf(tool.CodeInvalidArgument, "request text is empty")
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if req.UserID == "" {
		req.UserID = "anonymous"
	}
	st := NewState(req.SessionID, req.UserID, o.tokenBudget)
	st.TraceID = uuid.NewString()
	st.Messages = []Message{{Role: "user", Content: req.Text}}
	return o.Run(ctx, st)
}

// Resume loads a session's checkpoint and continues it with the user's input.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string, in ResumeInput) (Result, error) {
	if o.store == nil {
		return Result{}, errors.New("pipeline: resume needs a checkpoint store")
	}
	rec, err := o.store.Load(ctx, sessionID)
	if err != nil {
		return Result{}, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	st, err := UnmarshalState(rec.State)
	if err != nil {
		return Result{}, fmt.Errorf("session %s: %w", sessionID, err)
	}
	o.publish(st.SessionID, "checkpoint.restore", map[string]any{"step": st.Next}, 0, 0)

	switch {
	case st.Next == StepIntent && st.Mission == nil:
		if in.Message == "" && len(st.Clarifications) > 0 {
			return Result{State: st, Terminal: StepIntent, Paused: true},
				tool.Errorf(tool.CodeInvalidArgument, "session %s is waiting for an answer: %s", sessionID, strings.Join(st.Clarifications, " "))
		}
		if in.Message != "" {
			st.Messages = append(st.Messages, Message{Role: "user", Content: in.Message})
		}
		st.Clarifications = nil
		st.NeedsUserInput = false
	case st.Next == StepAwaitingUser:
		name := in.SelectedPlan
		if name == "" {
			name = st.RecommendedPlan
		}
		if _, ok := mission.FindPlan(st.Plans, name); !ok {
			return Result{State: st, Terminal: st.Next},
				tool.Errorf(tool.CodeInvalidArgument, "session %s has no plan named %q", sessionID, name)
		}
		st.SelectedPlan = name
		st.NeedsUserInput = false
		st.Next = StepExecute
	case st.Next == StepError && st.Recoverable && st.FailedStep != "":
		o.logger.Info("pipeline.retry", "session_id", sessionID, "step", st.FailedStep, "code", st.Error.Code)
		st.Next = st.FailedStep
		st.FailedStep = ""
		st.Error = nil
		st.Recoverable = false
		st.NeedsUserInput = false
	case !st.Next.Terminal():
		st.Recoverable = false
	default:
		return Result{State: st, Terminal: st.Next},
			tool.Errorf(tool.CodeInvalidArgument, "session %s ended in %s and cannot be resumed", sessionID, st.Next)
	}
	return o.Run(ctx, st)
}

// Run drives the state machine from st.Next until a terminal step, a
// clarification pause or an abort. The returned error is reserved for
// persistence failures; stage failures are reported on the state.
func (o *Orchestrator) Run(ctx context.Context, st State) (Result, error) {
	if st.SessionID == "" {
		return Result{}, tool.Errorf(tool.CodeInvalidArgument, "state has no session id")
	}
	if st.Next == "" {
		st.Next = StepIntent
	}
	// The deadline is a wall-clock mark checked between stages. Stages run
	// on the caller's context so a stage in flight is never cut short by it.
	var deadline time.Time
	if o.deadline > 0 {
		deadline = o.now().Add(o.deadline)
	}
	ctx, span := o.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("session.id", st.SessionID),
		attribute.String("pipeline.from", string(st.Next)),
	))
	defer span.End()

	logger := o.logger.With("session_id", st.SessionID)
	logger.Info("pipeline.start", "from", st.Next)
	o.publish(st.SessionID, "pipeline.start", map[string]any{"from": st.Next}, 0, 0)

	for i := 0; ; i++ {
		step := st.Next
		if step.Terminal() {
			res, err := o.finish(ctx, logger, st)
			span.SetAttributes(attribute.String("pipeline.terminal", string(res.Terminal)))
			if res.Terminal == StepError {
				span.SetStatus(codes.Error, string(res.State.Error.Code))
			}
			return res, err
		}
		if i >= o.maxTransitions {
			st.Fail(tool.CodeInternal, "run exceeded %d transitions", o.maxTransitions)
			st.Next = StepError
			continue
		}

		if target, ok := ready(step, st); !ok {
			if target == StepError {
				st.Fail(tool.CodeInvalidArgument, "%s requires a mission", strings.ToLower(string(step)))
			}
			logger.Warn("pipeline.short_circuit", "step", step, "to", target)
			st.Next = target
			continue
		}

		if reason := o.abortReason(ctx, st, deadline); reason != "" {
			return o.abort(ctx, logger, st, reason)
		}

		next := o.runStage(ctx, logger, i, step, st)
		route := Route(step, next)
		next.Next = route
		next.UpdatedAt = o.now().UTC()
		paused := step == StepIntent && route == StepIntent
		if paused {
			next.NeedsUserInput = true
		}
		o.publish(st.SessionID, "route", map[string]any{"from": step, "to": route}, i, 0)
		logger.Debug("pipeline.route", "from", step, "to", route)
		if err := o.save(ctx, next); err != nil {
			return Result{State: next, Terminal: next.Next, Paused: paused}, err
		}
		st = next

		if paused {
			logger.Info("pipeline.paused", "questions", len(st.Clarifications))
			o.publish(st.SessionID, "pipeline.paused", map[string]any{"questions": st.Clarifications}, i, 0)
			return Result{State: st, Terminal: StepIntent, Paused: true}, nil
		}
	}
}

// runStage runs one stage on a copy of the state and converts any failure
// into a coded error on the returned state.
func (o *Orchestrator) runStage(ctx context.Context, logger *slog.Logger, index int, step Step, st State) State {
	stage := o.stages[step]
	ctx, span := o.tracer.Start(ctx, "stage."+strings.ToLower(string(step)))
	defer span.End()

	o.publish(st.SessionID, "stage.start", map[string]any{"step": step}, index, 0)
	start := o.now()
	next, err := safeRun(ctx, stage, st.Clone())
	duration := o.now().Sub(start)

	if next.SessionID == "" {
		next = st.Clone()
	}
	if err == nil && next.Error == nil {
		logger.Info("stage.end", "step", step, "current_step", next.CurrentStep, "duration", duration)
		o.publish(st.SessionID, "stage.end", map[string]any{"step": step, "current_step": next.CurrentStep}, index, duration)
		return next
	}

	if err != nil {
		code := tool.CodeOf(err)
		msg := err.Error()
		var te *tool.Error
		if errors.As(err, &te) {
			msg = te.Message
		} else if code == tool.CodeInternal {
			msg = fmt.Sprintf("unexpected failure in %s stage", strings.ToLower(string(step)))
		}
		next.Error = &StateError{Code: code, Message: msg}
		logger.Error("stage.error", "step", step, "code", code, "error", err)
	} else {
		logger.Warn("stage.error", "step", step, "code", next.Error.Code, "message", next.Error.Message)
	}
	next.FailedStep = step
	span.SetStatus(codes.Error, string(next.Error.Code))
	o.publish(st.SessionID, "stage.error", map[string]any{"step": step, "code": next.Error.Code, "message": next.Error.Message}, index, duration)
	return next
}

func safeRun(ctx context.Context, s Stage, st State) (out State, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = st
			err = fmt.Errorf("stage %s panicked: %v", s.Step(), r)
		}
	}()
	return s.Run(ctx, st)
}

func (o *Orchestrator) abortReason(ctx context.Context, st State, deadline time.Time) string {
	if !deadline.IsZero() && !o.now().Before(deadline) {
		return "deadline exceeded"
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "deadline exceeded"
		}
		return "cancelled"
	}
	if st.Tokens.Exhausted() {
		return fmt.Sprintf("token budget exhausted (%d/%d)", st.Tokens.Used, st.Tokens.Budget)
	}
	return ""
}

func (o *Orchestrator) abort(ctx context.Context, logger *slog.Logger, st State, reason string) (Result, error) {
	st.Recoverable = true
	st.UpdatedAt = o.now().UTC()
	logger.Warn("pipeline.aborted", "reason", reason, "pending", st.Next)
	o.publish(st.SessionID, "pipeline.aborted", map[string]any{"reason": reason, "pending": st.Next}, 0, 0)
	res := Result{State: st, Terminal: st.Next, Aborted: true, Recoverable: true}
	if err := o.save(ctx, st); err != nil {
		return res, err
	}
	return res, nil
}

func (o *Orchestrator) finish(ctx context.Context, logger *slog.Logger, st State) (Result, error) {
	switch st.Next {
	case StepError:
		if st.Error == nil {
			st.Fail(tool.CodeInternal, "run ended without a recorded error")
		}
		st.Recoverable = st.Error.Code.Transient()
		st.NeedsUserInput = !st.Recoverable
	case StepNoResults, StepNoValidCandidates, StepAwaitingUser:
		st.NeedsUserInput = true
		st.Recoverable = false
	case StepDone:
		st.NeedsUserInput = false
		st.Recoverable = false
	}
	st.UpdatedAt = o.now().UTC()

	attrs := []any{"terminal", st.Next, "tool_calls", len(st.ToolCalls), "tokens_used", st.Tokens.Used}
	if st.Error != nil {
		attrs = append(attrs, "code", st.Error.Code, "recoverable", st.Recoverable)
	}
	logger.Info("pipeline.end", attrs...)
	o.publish(st.SessionID, "pipeline.end", map[string]any{"terminal": st.Next, "recoverable": st.Recoverable}, 0, 0)

	res := Result{State: st, Terminal: st.Next, Recoverable: st.Recoverable}
	if err := o.save(ctx, st); err != nil {
		return res, err
	}
	return res, nil
}

func (o *Orchestrator) save(ctx context.Context, st State) error {
	if o.store == nil {
		return nil
	}
	data, err := st.Marshal()
	if err != nil {
		return err
	}
	rec := checkpoint.Record{SessionID: st.SessionID, Step: string(st.Next), State: data, UpdatedAt: o.now().UTC()}
	if err := o.store.Save(context.WithoutCancel(ctx), rec); err != nil {
		return fmt.Errorf("checkpoint session %s: %w", st.SessionID, err)
	}
	o.publish(st.SessionID, "checkpoint.save", map[string]any{"step": st.Next}, 0, 0)
	return nil
}

func (o *Orchestrator) publish(sessionID, eventType string, data any, index int, d time.Duration) {
	if o.events != nil {
		o.events.PublishPipelineEvent(sessionID, eventType, data, index, d)
	}
}
