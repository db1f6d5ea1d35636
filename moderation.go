package genrouter

import "context"

// Verdict is the moderation outcome for a prompt.
type Verdict string

const (
	VerdictAllow Verdict = "allow"

	// VerdictFlag lets the request proceed but marks the trace for
	// audit review.
	VerdictFlag Verdict = "flag"

	// VerdictBlock rejects the request before quota is touched.
	VerdictBlock Verdict = "block"
)

// Moderation is a moderation decision with its reason.
type Moderation struct {
	Verdict Verdict
	Reason  string
}

// Moderator checks prompts before admission. Implementations are
// collaborators; the engine only consumes the allow/flag/block contract.
type Moderator interface {
	Check(ctx context.Context, prompt string) (Moderation, error)
}

// noopModerator allows everything; the default when none is injected.
type noopModerator struct{}

func (noopModerator) Check(context.Context, string) (Moderation, error) {
	return Moderation{Verdict: VerdictAllow}, nil
}
