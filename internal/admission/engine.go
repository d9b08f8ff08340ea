// Package admission decides whether an inbound message gets a reply.
package admission

import (
	"context"
	"fmt"
	"log"
)

// Outcome is the terminal admission verdict.
type Outcome int

const (
	Ignore Outcome = iota
	Reply
)

func (o Outcome) String() string {
	if o == Reply {
		return "reply"
	}
	return "ignore"
}

// Reason names the rule that produced a Decision.
type Reason string

const (
	ReasonInactive        Reason = "inactive"
	ReasonDirect          Reason = "direct"
	ReasonContinuous      Reason = "continuous"
	ReasonEscalation      Reason = "escalation"
	ReasonClassifierYes   Reason = "classifier_yes"
	ReasonClassifierNo    Reason = "classifier_no"
	ReasonClassifierError Reason = "classifier_error"
)

// Decision is the result of Decide.
type Decision struct {
	Outcome Outcome
	Reason  Reason
}

// Input describes one inbound message.
type Input struct {
	ScopeID       string
	IdentityID    string
	Text          string
	DirectAddress bool
}

// Tracker is the engagement state the engine consults and mutates.
type Tracker interface {
	GetActive(ctx context.Context, scopeID string) bool
	GetContinuous(ctx context.Context, identityID string) bool
	GetIgnored(ctx context.Context, scopeID string) int
	IncrementIgnored(ctx context.Context, scopeID string) (int, error)
	ResetIgnored(ctx context.Context, scopeID string) error
}

// Classifier judges whether an ambient message merits joining in.
type Classifier interface {
	Classify(ctx context.Context, text string) (bool, error)
}

// EngineOpts holds parameters for creating an Engine.
type EngineOpts struct {
	Tracker    Tracker
	Classifier Classifier
	MaxIgnore  int
}

// Engine applies the admission rules in order: inactive scopes are ignored,
// direct address always replies, then continuous opt-in, then escalation
// after MaxIgnore consecutive ignores, then the classifier.
type Engine struct {
	tracker    Tracker
	classifier Classifier
	maxIgnore  int
}

// NewEngine creates an Engine.
func NewEngine(opts EngineOpts) (*Engine, error) {
	if opts.Tracker == nil {
		return nil, fmt.Errorf("admission: tracker is required")
	}
	if opts.Classifier == nil {
		return nil, fmt.Errorf("admission: classifier is required")
	}
	if opts.MaxIgnore <= 0 {
		opts.MaxIgnore = 1
	}
	return &Engine{tracker: opts.Tracker, classifier: opts.Classifier, maxIgnore: opts.MaxIgnore}, nil
}

// Decide evaluates in and applies the counter side effects: a Reply resets
// the scope's ignore counter, an ambient Ignore increments it. Inactive
// scopes touch nothing.
func (e *Engine) Decide(ctx context.Context, in Input) Decision {
	if !e.tracker.GetActive(ctx, in.ScopeID) {
		return Decision{Outcome: Ignore, Reason: ReasonInactive}
	}

	d := e.evaluate(ctx, in)
	switch d.Outcome {
	case Reply:
		if err := e.tracker.ResetIgnored(ctx, in.ScopeID); err != nil {
			log.Printf("admission: %v", err)
		}
	case Ignore:
		if _, err := e.tracker.IncrementIgnored(ctx, in.ScopeID); err != nil {
			log.Printf("admission: %v", err)
		}
	}
	return d
}

func (e *Engine) evaluate(ctx context.Context, in Input) Decision {
	if in.DirectAddress {
		return Decision{Outcome: Reply, Reason: ReasonDirect}
	}
	if e.tracker.GetContinuous(ctx, in.IdentityID) {
		return Decision{Outcome: Reply, Reason: ReasonContinuous}
	}
	if e.tracker.GetIgnored(ctx, in.ScopeID) >= e.maxIgnore {
		return Decision{Outcome: Reply, Reason: ReasonEscalation}
	}
	ok, err := e.classifier.Classify(ctx, in.Text)
	if err != nil {
		log.Printf("admission: classify in %s: %v (ignoring)", in.ScopeID, err)
		return Decision{Outcome: Ignore, Reason: ReasonClassifierError}
	}
	if ok {
		return Decision{Outcome: Reply, Reason: ReasonClassifierYes}
	}
	return Decision{Outcome: Ignore, Reason: ReasonClassifierNo}
}
