// Package pipeline owns the mission state machine: the state threaded
// through the stages, the router that picks the next step and the
// orchestrator that runs, pauses, resumes and checkpoints a session.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cgast/missionctl/pkg/evidence"
	"github.com/cgast/missionctl/pkg/mission"
	"github.com/cgast/missionctl/pkg/tool"
)

// Step is a router state.
type Step string

const (
	StepIntent            Step = "INTENT"
	StepCandidate         Step = "CANDIDATE"
	StepVerify            Step = "VERIFY"
	StepPlan              Step = "PLAN"
	StepExecute           Step = "EXECUTE"
	StepError             Step = "ERROR"
	StepNoResults         Step = "NO_RESULTS"
	StepNoValidCandidates Step = "NO_VALID_CANDIDATES"
	StepAwaitingUser      Step = "AWAITING_USER"
	StepDone              Step = "DONE"
)

// Terminal reports whether the run stops at this step.
func (s Step) Terminal() bool {
	switch s {
	case StepError, StepNoResults, StepNoValidCandidates, StepAwaitingUser, StepDone:
		return true
	}
	return false
}

// Progress labels written to State.CurrentStep by the stages.
const (
	CurrentAwaitingClarification = "AWAITING_CLARIFICATION"
	CurrentIntentParsed          = "intent_parsed"
	CurrentCandidatesFound       = "candidates_found"
	CurrentVerified              = "verified"
	CurrentPlansReady            = "plans_ready"
	CurrentExecuted              = "executed"
)

// Stage is one step of the pipeline. Run receives its own copy of the state
// and returns the next state. On failure it returns the partially built
// state together with the error so tool records are kept.
type Stage interface {
	Step() Step
	Run(ctx context.Context, st State) (State, error)
}

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Tokens tracks the extraction budget of a run. A zero budget is unlimited.
type Tokens struct {
	Budget int `json:"budget"`
	Used   int `json:"used"`
}

// Exhausted reports whether the budget has been spent.
func (t Tokens) Exhausted() bool {
	return t.Budget > 0 && t.Used >= t.Budget
}

// StateError is the user-visible failure of a run.
type StateError struct {
	Code    tool.ErrorCode `json:"code"`
	Message string         `json:"message"`
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// State is the mission state carried between stages.
type State struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	TraceID   string    `json:"trace_id,omitempty"`
	Messages  []Message `json:"messages"`

	Mission              *mission.MissionSpec        `json:"mission"`
	Candidates           []mission.Candidate         `json:"candidates"`
	Verified             []mission.VerifiedCandidate `json:"verified_candidates"`
	Rejected             []mission.VerifiedCandidate `json:"rejected_candidates,omitempty"`
	Plans                []mission.PurchasePlan      `json:"plans"`
	RecommendedPlan      string                      `json:"recommended_plan,omitempty"`
	RecommendationReason string                      `json:"recommendation_reason,omitempty"`
	SelectedPlan         string                      `json:"selected_plan,omitempty"`
	Execution            *mission.ExecutionResult    `json:"execution,omitempty"`
	ToolCalls            []evidence.ToolCallRecord   `json:"tool_calls"`
	Clarifications       []string                    `json:"clarification_questions,omitempty"`

	Tokens         Tokens      `json:"tokens"`
	CurrentStep    string      `json:"current_step"`
	Next           Step        `json:"next"`
	FailedStep     Step        `json:"failed_step,omitempty"`
	Error          *StateError `json:"error"`
	NeedsUserInput bool        `json:"needs_user_input"`
	Recoverable    bool        `json:"recoverable"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// NewState returns the initial state of a run.
func NewState(sessionID, userID string, tokenBudget int) State {
	return State{
		SessionID: sessionID,
		UserID:    userID,
		Tokens:    Tokens{Budget: tokenBudget},
		Next:      StepIntent,
	}
}

// LatestUserMessage returns the content of the last user turn.
func (s State) LatestUserMessage() (string, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == "user" {
			return s.Messages[i].Content, true
		}
	}
	return "", false
}

// Fail records a coded failure on the state.
func (s *State) Fail(code tool.ErrorCode, format string, args ...any) {
	s.Error = &StateError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Clone deep-copies the state so a stage can modify its copy freely.
func (s State) Clone() State {
	c := s
	c.Messages = append([]Message(nil), s.Messages...)
	c.Candidates = cloneCandidates(s.Candidates)
	c.Verified = cloneVerified(s.Verified)
	c.Rejected = cloneVerified(s.Rejected)
	c.Plans = clonePlans(s.Plans)
	c.ToolCalls = append([]evidence.ToolCallRecord(nil), s.ToolCalls...)
	c.Clarifications = append([]string(nil), s.Clarifications...)
	if s.Mission != nil {
		m := *s.Mission
		if s.Mission.BudgetAmount != nil {
			b := *s.Mission.BudgetAmount
			m.BudgetAmount = &b
		}
		m.HardConstraints = append([]mission.HardConstraint(nil), s.Mission.HardConstraints...)
		m.SoftPreferences = append([]mission.SoftPreference(nil), s.Mission.SoftPreferences...)
		c.Mission = &m
	}
	if s.Execution != nil {
		e := *s.Execution
		e.ConfirmationItems = append([]string(nil), s.Execution.ConfirmationItems...)
		e.Warnings = append([]string(nil), s.Execution.Warnings...)
		c.Execution = &e
	}
	if s.Error != nil {
		e := *s.Error
		c.Error = &e
	}
	return c
}

func cloneCandidates(in []mission.Candidate) []mission.Candidate {
	if in == nil {
		return nil
	}
	out := make([]mission.Candidate, len(in))
	for i, c := range in {
		out[i] = cloneCandidate(c)
	}
	return out
}

func cloneCandidate(c mission.Candidate) mission.Candidate {
	c.SKUIDs = append([]string(nil), c.SKUIDs...)
	c.CategoryPath = append([]string(nil), c.CategoryPath...)
	c.RiskTags = append([]string(nil), c.RiskTags...)
	c.ComplianceTags = append([]string(nil), c.ComplianceTags...)
	return c
}

func cloneVerified(in []mission.VerifiedCandidate) []mission.VerifiedCandidate {
	if in == nil {
		return nil
	}
	out := make([]mission.VerifiedCandidate, len(in))
	for i, v := range in {
		v.Candidate = cloneCandidate(v.Candidate)
		v.Warnings = append([]string(nil), v.Warnings...)
		if v.Checks.Pricing != nil {
			p := *v.Checks.Pricing
			v.Checks.Pricing = &p
		}
		if v.Checks.Shipping != nil {
			s := *v.Checks.Shipping
			v.Checks.Shipping = &s
		}
		if v.Checks.Compliance != nil {
			c := *v.Checks.Compliance
			c.Issues = append([]string(nil), c.Issues...)
			c.RequiredDocs = append([]string(nil), c.RequiredDocs...)
			v.Checks.Compliance = &c
		}
		out[i] = v
	}
	return out
}

func clonePlans(in []mission.PurchasePlan) []mission.PurchasePlan {
	if in == nil {
		return nil
	}
	out := make([]mission.PurchasePlan, len(in))
	for i, p := range in {
		p.Items = append([]mission.PlanItem(nil), p.Items...)
		p.Risks = append([]string(nil), p.Risks...)
		p.ConfirmationItems = append([]string(nil), p.ConfirmationItems...)
		out[i] = p
	}
	return out
}

// Marshal encodes the state for checkpointing.
func (s State) Marshal() (json.RawMessage, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return data, nil
}

// UnmarshalState decodes a checkpointed state.
func UnmarshalState(data []byte) (State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("decode state: %w", err)
	}
	return s, nil
}
