package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"uxrmate/internal/logging"
	"uxrmate/internal/pricing"
	"uxrmate/internal/queue"
	"uxrmate/internal/retry"
	"uxrmate/internal/services"
	"uxrmate/internal/services/gemini"
)

// ModelCaller is the slice of the Gemini client the invoker needs.
type ModelCaller interface {
	GenerateJSON(ctx context.Context, systemPrompt, userPrompt string, media gemini.RemoteFile) (string, gemini.Usage, error)
}

// Request describes one analysis invocation.
type Request struct {
	Media        gemini.RemoteFile
	Criterion    *queue.Criterion
	DurationSec  float64
	SystemPrompt string
}

// Outcome is a validated verdict plus its accounting. The duration
// estimate is always recorded; actual cost is added alongside it when
// the provider reports usage, never in its place.
type Outcome struct {
	Verdict       Verdict
	Raw           string
	Usage         gemini.Usage
	CostEstimated float64
	CostActual    float64
	Attempts      int
}

// Invoker runs model calls under the shared retry policy and validates
// the structured response.
type Invoker struct {
	caller ModelCaller
	model  pricing.ModelPricing
	policy retry.Policy
	logger *slog.Logger
}

// NewInvoker builds an invoker. The policy's Gate, when set, is shared
// with every other worker talking to the same provider.
func NewInvoker(caller ModelCaller, model pricing.ModelPricing, policy retry.Policy, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Invoker{caller: caller, model: model, policy: policy, logger: logger}
}

// Analyze invokes the model for one pair and returns the validated
// verdict. Malformed responses are retried under the policy, but a
// response malformed the same way twice in a row is treated as fatal:
// the model is not going to correct a systematic schema error.
func (inv *Invoker) Analyze(ctx context.Context, req Request) (Outcome, error) {
	var outcome Outcome
	if req.Criterion == nil {
		return outcome, services.Wrap(services.ErrValidation, "analysis", "analyze", "criterion is required", nil)
	}

	userPrompt := BuildUserPrompt(req.Criterion)
	lastParseKind := ""

	attempts, err := retry.Execute(ctx, inv.policy, func(err error) retry.Class {
		var parseErr *ParseError
		if errors.As(err, &parseErr) {
			if parseErr.Kind == lastParseKind {
				return retry.Fatal
			}
			lastParseKind = parseErr.Kind
			return retry.Retryable
		}
		return gemini.Classify(err)
	}, func(ctx context.Context) error {
		content, usage, err := inv.caller.GenerateJSON(ctx, req.SystemPrompt, userPrompt, req.Media)
		if err != nil {
			inv.logger.Warn("model call failed",
				logging.String(logging.FieldCriterion, req.Criterion.Name),
				logging.Error(err))
			return err
		}
		verdict, parseErr := ParseVerdict(content)
		if parseErr != nil {
			inv.logger.Warn("model response failed validation",
				logging.String(logging.FieldCriterion, req.Criterion.Name),
				logging.Error(parseErr))
			return parseErr
		}
		outcome.Verdict = verdict
		outcome.Raw = content
		outcome.Usage = usage
		return nil
	})
	outcome.Attempts = attempts
	if err != nil {
		return outcome, inv.wrapFailure(err)
	}

	outcome.CostEstimated = pricing.EstimateCost(req.DurationSec, inv.model).Total
	if outcome.Usage.InputTokens > 0 || outcome.Usage.OutputTokens > 0 {
		outcome.CostActual = pricing.ActualCost(pricing.Usage{
			InputTokens:  outcome.Usage.InputTokens,
			OutputTokens: outcome.Usage.OutputTokens,
		}, inv.model)
	}
	return outcome, nil
}

func (inv *Invoker) wrapFailure(err error) error {
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return services.Wrap(services.ErrCancelled, "analysis", "analyze", "invocation cancelled", err)
	case gemini.IsQuotaExhausted(err):
		return services.Wrap(services.ErrQuota, "analysis", "analyze", "provider quota exhausted", err)
	}

	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		return services.Wrap(services.ErrTransient, "analysis", "analyze",
			fmt.Sprintf("retries exhausted after %d attempts", exhausted.Attempts), err)
	}

	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		return services.Wrap(services.ErrSchema, "analysis", "analyze",
			fmt.Sprintf("model repeats schema error (%s)", parseErr.Kind), err)
	}
	return services.Wrap(services.ErrValidation, "analysis", "analyze", "model call rejected", err)
}

// BuildUserPrompt renders the per-criterion instruction appended to
// the system prompt.
func BuildUserPrompt(criterion *queue.Criterion) string {
	var b strings.Builder
	b.WriteString("Evaluate the recorded user session against this criterion.\n\n")
	b.WriteString("Criterion: ")
	b.WriteString(criterion.Name)
	b.WriteString("\n")
	if desc := strings.TrimSpace(criterion.Description); desc != "" {
		b.WriteString("Details: ")
		b.WriteString(desc)
		b.WriteString("\n")
	}
	b.WriteString("\nRespond with the JSON object only.")
	return b.String()
}
