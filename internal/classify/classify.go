package classify

import (
	"context"
	"log/slog"
)

type Label string

const (
	LabelNewTask  Label = "NEW_TASK"
	LabelFollowUp Label = "FOLLOW_UP"
)

// Decision is the binary continue-vs-start verdict for a turn. LowConfidence
// marks decisions that fell back after a classifier failure.
type Decision struct {
	Label         Label
	Confidence    float64
	LowConfidence bool
}

// Message is one context line handed to the classifier, oldest first.
type Message struct {
	Role string
	Text string
}

// Classifier produces a verdict from a turn and its in-task context.
type Classifier interface {
	Classify(ctx context.Context, text string, history []Message) (Decision, error)
}

// Gateway wraps a Classifier with the routing rules: an empty context can
// never yield a follow-up, and a classifier failure starts a fresh task rather
// than silently misrouting into a stale one.
type Gateway struct {
	classifier Classifier
	logger     *slog.Logger
}

func NewGateway(classifier Classifier, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{classifier: classifier, logger: logger}
}

func (g *Gateway) Decide(ctx context.Context, text string, history []Message) Decision {
	if len(history) == 0 {
		// No active task means no context; there is nothing to follow up on.
		return Decision{Label: LabelNewTask, Confidence: 1}
	}
	if g.classifier == nil {
		return Decision{Label: LabelNewTask, LowConfidence: true}
	}
	decision, err := g.classifier.Classify(ctx, text, history)
	if err != nil {
		g.logger.Warn("classify_error", "error", err.Error())
		return Decision{Label: LabelNewTask, LowConfidence: true}
	}
	switch decision.Label {
	case LabelNewTask, LabelFollowUp:
	default:
		g.logger.Warn("classify_unknown_label", "label", string(decision.Label))
		return Decision{Label: LabelNewTask, LowConfidence: true}
	}
	if decision.Confidence < 0 {
		decision.Confidence = 0
	}
	if decision.Confidence > 1 {
		decision.Confidence = 1
	}
	return decision
}
