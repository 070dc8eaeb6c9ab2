package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
)

// ProposalKind distinguishes the two planning workflows.
type ProposalKind string

const (
	ProposalWorkout ProposalKind = "workout"
	ProposalDiet    ProposalKind = "diet"
)

// Keys inside a planning agent's agent_context entry.
const (
	keyPendingProposal   = "pending_proposal"
	keyCommitted         = "committed"
	keyCommittedPlanID   = "committed_plan_id"
	keyCommittedRevision = "committed_revision"
)

// Proposal is a generated but uncommitted structured plan. PROPOSED lives in
// agent_context JSON; COMMITTED lives in the relational tables. Commit is a
// one-way migration between the two.
type Proposal struct {
	Kind           ProposalKind    `json:"kind"`
	Body           json.RawMessage `json:"body"`
	Revision       int             `json:"revision"`
	Approved       bool            `json:"approved"`
	RejectedReason string          `json:"rejected_reason,omitempty"`
}

// CodedError carries a stable error code alongside the message.
type CodedError struct {
	Code string
	Msg  string
}

func (e *CodedError) Error() string { return e.Code + ": " + e.Msg }

// PlanCommitter persists approved plans into their domain tables. Commits
// are transactional; a failed commit leaves no partial rows.
type PlanCommitter interface {
	CommitWorkoutPlan(ctx context.Context, userID string, plan WorkoutPlan) (string, error)
	CommitMealPlan(ctx context.Context, userID string, plan MealPlan) (string, error)
}

// ProposalEngine drives the generate -> modify -> approve -> persist
// workflow for one planning agent within one user's onboarding.
type ProposalEngine struct {
	Kind      ProposalKind
	UserID    string
	Sink      *Sink
	Committer PlanCommitter
	Provider  LLMProvider
	Logger    *log.Logger

	pending   *Proposal
	committed bool
}

// NewProposalEngine restores engine state from the agent's persisted
// agent_context entry.
func NewProposalEngine(kind ProposalKind, userID string, prior json.RawMessage, sink *Sink, committer PlanCommitter, provider LLMProvider, logger *log.Logger) *ProposalEngine {
	e := &ProposalEngine{Kind: kind, UserID: userID, Sink: sink, Committer: committer, Provider: provider, Logger: logger}
	if len(prior) > 0 {
		var ctx struct {
			Pending   *Proposal `json:"pending_proposal"`
			Committed bool      `json:"committed"`
		}
		if err := json.Unmarshal(prior, &ctx); err == nil {
			e.pending = ctx.Pending
			e.committed = ctx.Committed
		}
	}
	return e
}

// Pending returns the current uncommitted proposal, if any.
func (e *ProposalEngine) Pending() *Proposal { return e.pending }

// Committed reports whether this step's plan has already been committed.
func (e *ProposalEngine) Committed() bool { return e.committed }

// Generate installs a freshly generated plan as revision 1.
func (e *ProposalEngine) Generate(body interface{}) (*Proposal, error) {
	if e.committed {
		return nil, &CodedError{Code: CodeValidationError, Msg: "plan already committed for this step"}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, &CodedError{Code: CodeInternal, Msg: "plan serialization failed: " + err.Error()}
	}
	e.pending = &Proposal{Kind: e.Kind, Body: raw, Revision: 1, Approved: false}
	e.persist()
	return e.pending, nil
}

// Modify applies a natural-language change request to the pending proposal.
// The LLM returns only the changed days; unchanged days are carried over
// verbatim from the current body. Revision increments on success.
func (e *ProposalEngine) Modify(ctx context.Context, changeRequest string) (*Proposal, error) {
	if e.committed {
		return nil, &CodedError{Code: CodeValidationError, Msg: "plan already committed for this step"}
	}
	if e.pending == nil {
		return nil, &CodedError{Code: CodeNoProposal, Msg: "no pending proposal to modify"}
	}

	prompt := fmt.Sprintf(`You are editing a %s plan. Apply the change request to the current plan.
CURRENT PLAN (JSON):
%s

CHANGE REQUEST: %s

Return ONLY strict JSON containing just the days you changed, as complete day objects:
{"days": [ ... ]}
Do not include unchanged days. Do not include any other text.`, e.Kind, string(e.pending.Body), changeRequest)

	comp, err := e.Provider.Complete(ctx, CompletionRequest{
		Messages:    []ChatMessage{{Role: "user", Content: prompt}},
		Temperature: 0.2,
	})
	if err != nil {
		return nil, &CodedError{Code: CodeLLMError, Msg: err.Error()}
	}

	body, err := e.mergeChangedDays(extractFirstJSON(comp.Message.Content))
	if err != nil {
		return nil, err
	}
	e.pending = &Proposal{Kind: e.Kind, Body: body, Revision: e.pending.Revision + 1, Approved: false}
	e.persist()
	return e.pending, nil
}

// mergeChangedDays splices the returned day objects into the pending body,
// keyed by day_of_week, leaving every other section untouched.
func (e *ProposalEngine) mergeChangedDays(changedJSON string) (json.RawMessage, error) {
	switch e.Kind {
	case ProposalWorkout:
		var plan WorkoutPlan
		if err := json.Unmarshal(e.pending.Body, &plan); err != nil {
			return nil, &CodedError{Code: CodeInternal, Msg: "pending workout plan is corrupt: " + err.Error()}
		}
		var delta struct {
			Days []WorkoutDay `json:"days"`
		}
		if err := json.Unmarshal([]byte(changedJSON), &delta); err != nil {
			return nil, &CodedError{Code: CodeLLMError, Msg: "modification result was not valid JSON"}
		}
		for _, changed := range delta.Days {
			replaced := false
			for i := range plan.Days {
				if plan.Days[i].DayOfWeek == changed.DayOfWeek {
					plan.Days[i] = changed
					replaced = true
					break
				}
			}
			if !replaced {
				plan.Days = append(plan.Days, changed)
			}
		}
		return json.Marshal(plan)
	case ProposalDiet:
		var plan MealPlan
		if err := json.Unmarshal(e.pending.Body, &plan); err != nil {
			return nil, &CodedError{Code: CodeInternal, Msg: "pending meal plan is corrupt: " + err.Error()}
		}
		var delta struct {
			Days []MealDay `json:"days"`
		}
		if err := json.Unmarshal([]byte(changedJSON), &delta); err != nil {
			return nil, &CodedError{Code: CodeLLMError, Msg: "modification result was not valid JSON"}
		}
		for _, changed := range delta.Days {
			replaced := false
			for i := range plan.Days {
				if plan.Days[i].DayOfWeek == changed.DayOfWeek {
					plan.Days[i] = changed
					replaced = true
					break
				}
			}
			if !replaced {
				plan.Days = append(plan.Days, changed)
			}
		}
		return json.Marshal(plan)
	}
	return nil, &CodedError{Code: CodeInternal, Msg: "unknown proposal kind"}
}

// Save commits the pending proposal when the user approved it. The
// userApproved flag comes from the LLM; approvalPresent comes from the
// orchestrator's inspection of the last user message and wins on conflict.
func (e *ProposalEngine) Save(ctx context.Context, userApproved, approvalPresent bool) (string, error) {
	if e.pending == nil {
		return "", &CodedError{Code: CodeNoProposal, Msg: "no pending proposal to save"}
	}
	if !approvalPresent {
		userApproved = false
	}
	if !userApproved {
		e.pending.Approved = false
		e.pending.RejectedReason = "user approval not present"
		e.persist()
		return "", &CodedError{Code: CodeNotApproved, Msg: "plan was not approved by the user"}
	}

	e.pending.Approved = true
	var planID string
	var err error
	switch e.Kind {
	case ProposalWorkout:
		var plan WorkoutPlan
		if uerr := json.Unmarshal(e.pending.Body, &plan); uerr != nil {
			return "", &CodedError{Code: CodeInternal, Msg: "pending workout plan is corrupt: " + uerr.Error()}
		}
		planID, err = e.Committer.CommitWorkoutPlan(ctx, e.UserID, plan)
	case ProposalDiet:
		var plan MealPlan
		if uerr := json.Unmarshal(e.pending.Body, &plan); uerr != nil {
			return "", &CodedError{Code: CodeInternal, Msg: "pending meal plan is corrupt: " + uerr.Error()}
		}
		planID, err = e.Committer.CommitMealPlan(ctx, e.UserID, plan)
	default:
		return "", &CodedError{Code: CodeInternal, Msg: "unknown proposal kind"}
	}
	if err != nil {
		// proposal stays PROPOSED; approval flag reverts
		e.pending.Approved = false
		e.persist()
		e.Logger.Printf("commit failed for %s plan of user %s: %v", e.Kind, e.UserID, err)
		return "", &CodedError{Code: CodeSaveFailed, Msg: err.Error()}
	}

	revision := e.pending.Revision
	e.committed = true
	e.pending = nil
	e.Sink.Put(keyPendingProposal, nil)
	e.Sink.Put(keyCommitted, true)
	e.Sink.Put(keyCommittedPlanID, planID)
	e.Sink.Put(keyCommittedRevision, revision)
	return planID, nil
}

func (e *ProposalEngine) persist() {
	e.Sink.Put(keyPendingProposal, e.pending)
	e.Sink.Put(keyCommitted, e.committed)
}

// extractFirstJSON finds the first top-level JSON object in a string. Braces
// inside string literals do not count toward nesting depth.
func extractFirstJSON(s string) string {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i, ch := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
			}
			if depth == 0 && start != -1 {
				return s[start : i+1]
			}
		}
	}
	return s
}
