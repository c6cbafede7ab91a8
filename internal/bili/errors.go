package bili

import "errors"

// Upstream failures are classified so the polling cycle can decide what to
// do per uploader: skip-and-retry-next-cycle vs. log-for-diagnosis.
var (
	// ErrRateLimited means the anti-bot layer rejected the request.
	// The uploader is skipped for this cycle; no retry within the cycle.
	ErrRateLimited = errors.New("rate limited by upstream")

	// ErrSignatureInvalid means the request signature was rejected even
	// after a key refresh and one retry.
	ErrSignatureInvalid = errors.New("request signature rejected")

	// ErrTransient wraps network timeouts and 5xx-class failures; the
	// uploader is eligible again next cycle.
	ErrTransient = errors.New("transient upstream failure")

	// ErrPermanent wraps malformed or unexpected payloads, usually an
	// upstream contract change. Logged with enough detail to diagnose.
	ErrPermanent = errors.New("unexpected upstream payload")
)
