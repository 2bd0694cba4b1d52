// Package errs provides the closed error taxonomy shared by every
// core component: a string-typed Kind enum, a retryability predicate,
// a struct wrapping a Cause with Unwrap, and a classifier that maps
// raw backend error text onto a Kind.
package errs

// Kind is the closed taxonomy of driver-level error kinds.
type Kind string

const (
	AuthRequired        Kind = "AuthRequired"
	BackendNotInstalled Kind = "BackendNotInstalled"
	Network             Kind = "Network"
	Timeout             Kind = "Timeout"
	QuotaExhausted      Kind = "QuotaExhausted"
	BackendInternal     Kind = "BackendInternal"
	Transport           Kind = "Transport"
	JournalIO           Kind = "JournalIO"
	JournalClosed       Kind = "JournalClosed"
	Validation          Kind = "Validation"
	PoolOverCapacity    Kind = "PoolOverCapacity"
	ProtocolMismatch    Kind = "ProtocolMismatch"
	AnalyzerInternal    Kind = "AnalyzerInternal"
)

// IsRetryable reports whether a local retry of the operation that
// produced this Kind may succeed.
func (k Kind) IsRetryable() bool {
	switch k {
	case Network, Timeout, BackendInternal, QuotaExhausted:
		return true
	default:
		return false
	}
}

// recoveryHints is the table-driven per-Kind guidance surfaced on a
// non-success Result.
var recoveryHints = map[Kind][]string{
	AuthRequired:        {"authenticate with the backend and retry"},
	BackendNotInstalled: {"install or configure the backend executable"},
	Network:             {"check network connectivity to the backend"},
	Timeout:             {"increase perCallTimeoutMs or retry"},
	QuotaExhausted:      {"wait for quota to reset or raise the backend's rate limit"},
	BackendInternal:     {"the backend reported an internal error; retry or inspect backend logs"},
	JournalIO:           {"check disk space and permissions on the session journal directory"},
	Validation:          {"correct the task input and resubmit"},
	PoolOverCapacity:    {"raise maxConnections or retry the observer admission later"},
	ProtocolMismatch:    {"upgrade the observer client to a compatible protocolVersion"},
	AnalyzerInternal:    {"the analyzer failed unexpectedly; a conservative verdict was substituted"},
}

// RecoveryHints returns the precomputed guidance for k.
func RecoveryHints(k Kind) []string {
	return recoveryHints[k]
}
