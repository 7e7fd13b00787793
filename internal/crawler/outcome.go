package crawler

import (
	"errors"
	"net/http"
	"strings"
)

// Outcome classifies a finished fetch attempt. It drives both the retry
// decision and the block-level escalation weight.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTransient
	OutcomeRateLimited
	OutcomeDenied
	OutcomeSoftBlocked
	OutcomePermanent
	OutcomeCaptcha
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeDenied:
		return "denied"
	case OutcomeSoftBlocked:
		return "soft_blocked"
	case OutcomePermanent:
		return "permanent"
	case OutcomeCaptcha:
		return "captcha"
	default:
		return "unknown"
	}
}

// Retryable reports whether another attempt may succeed. Denials count as
// rate-limit pressure and may clear once the block delay has grown; only
// permanent failures and captcha challenges never retry.
func (o Outcome) Retryable() bool {
	switch o {
	case OutcomeTransient, OutcomeRateLimited, OutcomeDenied, OutcomeSoftBlocked:
		return true
	default:
		return false
	}
}

// EscalationWeight is the number of block levels this outcome escalates the
// domain by. Zero for success.
func (o Outcome) EscalationWeight() int {
	switch o {
	case OutcomeRateLimited, OutcomeDenied:
		return 2
	case OutcomeTransient, OutcomeSoftBlocked:
		return 1
	default:
		return 0
	}
}

// Sentinel errors surfaced across package boundaries.
var (
	ErrCaptchaDetected = errors.New("captcha challenge detected")
	ErrPermanent       = errors.New("permanent fetch failure")
)

var captchaPhrases = []string{
	"captcha",
	"recaptcha",
	"cf-challenge",
	"verify you are human",
}

var softBlockPhrases = []string{
	"unusual traffic",
	"access denied",
	"too many requests",
	"rate limit exceeded",
	"temporarily blocked",
}

// Classify maps a fetch result to an outcome. Transport errors are inspected
// first, then the status code, then the body for challenge phrases.
func Classify(response FetchResponse, err error) Outcome {
	if err != nil {
		if errors.Is(err, ErrCaptchaDetected) {
			return OutcomeCaptcha
		}
		if errors.Is(err, ErrPermanent) {
			return OutcomePermanent
		}
		// timeouts, resets and DNS failures all look the same from here
		return OutcomeTransient
	}

	switch {
	case response.StatusCode == http.StatusTooManyRequests:
		return OutcomeRateLimited
	case response.StatusCode == http.StatusForbidden:
		if bodyContains(response.Body, captchaPhrases) {
			return OutcomeCaptcha
		}
		return OutcomeDenied
	case response.StatusCode == http.StatusNotFound,
		response.StatusCode == http.StatusGone:
		return OutcomePermanent
	case response.StatusCode >= 500:
		return OutcomeTransient
	case response.StatusCode >= 400:
		return OutcomePermanent
	}

	if bodyContains(response.Body, captchaPhrases) {
		return OutcomeCaptcha
	}
	if bodyContains(response.Body, softBlockPhrases) {
		return OutcomeSoftBlocked
	}
	return OutcomeSuccess
}

func bodyContains(body []byte, phrases []string) bool {
	if len(body) == 0 {
		return false
	}
	// Only the head of the page carries challenge markers.
	limit := len(body)
	if limit > 8192 {
		limit = 8192
	}
	head := strings.ToLower(string(body[:limit]))
	for _, phrase := range phrases {
		if strings.Contains(head, phrase) {
			return true
		}
	}
	return false
}
