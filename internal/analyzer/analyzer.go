// Package analyzer implements the completion analyzer: a pure,
// deterministic classifier that scores a backend Response against five
// weighted pattern families and derives a continuation decision.
package analyzer

import (
	"regexp"
	"strings"

	"github.com/autocode/driver/internal/domain"
)

// Config holds the analyzer's tunable thresholds.
type Config struct {
	CompletionThreshold       float64
	StrongCompletionThreshold float64
	SubstantiveLengthFloor    int
	SlowIterationMs           int64
}

// DefaultConfig returns conservative threshold defaults.
func DefaultConfig() Config {
	return Config{
		CompletionThreshold:       0.7,
		StrongCompletionThreshold: 0.85,
		SubstantiveLengthFloor:    40,
		SlowIterationMs:           60_000,
	}
}

// patternFamily is one semantic family's fixed weight and detectors.
type patternFamily struct {
	name    string
	weight  float64
	regexes []*regexp.Regexp
}

// Families are ordered by descending weight.
var families = []patternFamily{
	{
		name:   "explicit_completion",
		weight: 1.0,
		regexes: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\btask\s+completed\b`),
			regexp.MustCompile(`(?i)\b(?:done|finished|complete[d]?)\b.{0,20}$`),
			regexp.MustCompile(`(?i)\ball\s+(?:tests?|checks?)\s+pass(?:ed|ing)?\b`),
			regexp.MustCompile(`(?i)\bsuccessfully\s+(?:implemented|completed|finished)\b`),
		},
	},
	{
		name:   "task_pending",
		weight: 0.8,
		regexes: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bnext\s+steps?\b`),
			regexp.MustCompile(`(?i)\bstill\s+need(?:s)?\s+to\b`),
			regexp.MustCompile(`(?i)\bremaining\s+(?:work|steps?|todo)\b`),
			regexp.MustCompile(`(?i)\btodo\b`),
			regexp.MustCompile(`(?i)\bI\s+will\s+(?:now|next)\b`),
		},
	},
	{
		name:   "error_needs_fixing",
		weight: 0.7,
		regexes: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\berror\b`),
			regexp.MustCompile(`(?i)\bexception\b`),
			regexp.MustCompile(`(?i)\bfail(?:ed|ure|ing)?\b`),
			regexp.MustCompile(`(?i)\btraceback\b`),
			regexp.MustCompile(`(?i)\bpanic\b`),
		},
	},
	{
		name:   "clarification_needed",
		weight: 0.6,
		regexes: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bcould\s+you\s+(?:clarify|confirm|specify)\b`),
			regexp.MustCompile(`(?i)\bwhich\s+(?:option|approach|file)\b.*\?`),
			regexp.MustCompile(`\?\s*$`),
			regexp.MustCompile(`(?i)\bI'?m\s+not\s+sure\s+(?:what|which|how)\b`),
		},
	},
	{
		name:   "iterative_improvement",
		weight: 0.4,
		regexes: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bimprove\b`),
			regexp.MustCompile(`(?i)\boptimi[sz]e\b`),
			regexp.MustCompile(`(?i)\brefactor\b`),
			regexp.MustCompile(`(?i)\bcould\s+be\s+(?:cleaner|better|faster)\b`),
		},
	},
}

// patternMatch is the (matchCount, evidence) pair per family.
type patternMatch struct {
	name    string
	weight  float64
	count   int
	evidence []string
}

func detectPatterns(text string) []patternMatch {
	out := make([]patternMatch, 0, len(families))
	for _, f := range families {
		m := patternMatch{name: f.name, weight: f.weight}
		for _, re := range f.regexes {
			matches := re.FindAllString(text, -1)
			if len(matches) == 0 {
				continue
			}
			m.count += len(matches)
			for _, match := range matches {
				m.evidence = append(m.evidence, strings.TrimSpace(match))
			}
		}
		out = append(out, m)
	}
	return out
}

func (m patternMatch) present() bool { return m.count > 0 }

func (m patternMatch) strong() bool { return m.count >= 2 }

func byName(matches []patternMatch, name string) patternMatch {
	for _, m := range matches {
		if m.name == name {
			return m
		}
	}
	return patternMatch{name: name}
}

// Analyzer implements CompletionAnalyzer. It is pure and deterministic
// given identical inputs.
type Analyzer struct {
	cfg Config
}

// New constructs an Analyzer. A zero Config is replaced with
// DefaultConfig.
func New(cfg Config) *Analyzer {
	if cfg.CompletionThreshold == 0 {
		cfg = DefaultConfig()
	}
	return &Analyzer{cfg: cfg}
}

// Input is everything the analyzer needs about one Response relative
// to its running Session.
type Input struct {
	Text            string
	ExitStatus      int
	DurationMs      int64
	IterationN      int
	MaxIterations   int
	ContinueOnError bool
}

// Analyze classifies the response described by in, producing a
// CompletionVerdict.
func (a *Analyzer) Analyze(in Input) domain.CompletionVerdict {
	matches := detectPatterns(in.Text)

	hasExitError := in.ExitStatus != 0
	errMatch := byName(matches, "error_needs_fixing")
	errorPresent := errMatch.present() || hasExitError

	explicit := byName(matches, "explicit_completion")
	pending := byName(matches, "task_pending")
	clarify := byName(matches, "clarification_needed")
	iterative := byName(matches, "iterative_improvement")

	confidence := a.confidence(in.Text, explicit, pending, errMatch, clarify, hasExitError)
	quality := a.quality(in, errorPresent, explicit)

	continuation := errorPresent ||
		pending.strong() ||
		clarify.strong() ||
		confidence < a.cfg.CompletionThreshold

	isComplete := explicit.strong() && confidence > a.cfg.StrongCompletionThreshold

	// Tie-break: prefer continuation unless this is the second-to-last
	// iteration, where stopping preserves one final iteration for
	// explicit wrap-up.
	if continuation && !errorPresent && in.MaxIterations > 0 && in.IterationN == in.MaxIterations-1 {
		continuation = false
		if confidence >= a.cfg.CompletionThreshold {
			isComplete = true
		}
	}

	if errorPresent && !in.ContinueOnError {
		continuation = false
	}

	verdict := domain.CompletionVerdict{
		IsComplete:         isComplete,
		Confidence:         confidence,
		ContinuationNeeded: continuation,
		QualityScore:       quality,
		DetectedPatterns:   detectedNames(matches),
	}

	switch {
	case isComplete:
		verdict.Reason = "explicit completion signal with high confidence"
	case errorPresent:
		verdict.Reason = "error pattern detected in response"
		verdict.SuggestedNextAction = "address the reported error and retry"
	case pending.strong():
		verdict.Reason = "task_pending pattern strongly present"
		verdict.SuggestedNextAction = "continue with the stated next steps"
	case clarify.strong():
		verdict.Reason = "response asks for clarification"
		verdict.SuggestedNextAction = "resolve the open question before continuing"
	case iterative.present():
		verdict.Reason = "iterative improvement language detected"
	default:
		verdict.Reason = "confidence below completion threshold"
	}

	return verdict
}

// confidence is a weighted linear combination:
// explicit_completion pulls up, task_pending/error_needs_fixing/
// clarification_needed pull down, each scaled by its family weight so
// the descending-weight ordering from step 1 carries through. With no
// pattern firing at all, it centers at 0.5 for substantive text and
// 0.3 otherwise (an empty or trivial response is not evidence of
// completion).
func (a *Analyzer) confidence(text string, explicit, pending, errMatch, clarify patternMatch, hasExitError bool) float64 {
	if !explicit.present() && !pending.present() && !errMatch.present() && !clarify.present() && !hasExitError {
		if len(strings.TrimSpace(text)) > a.cfg.SubstantiveLengthFloor {
			return 0.5
		}
		return 0.3
	}

	score := 0.5
	score += explicit.weight * 0.2 * float64(min(explicit.count, 3))
	score -= pending.weight * 0.2 * float64(min(pending.count, 3))
	score -= errMatch.weight * 0.2 * float64(min(errMatch.count, 3))
	score -= clarify.weight * 0.2 * float64(min(clarify.count, 3))
	if hasExitError {
		score -= 0.25
	}

	return clip01(score)
}

// quality is base 0.7, penalised by error presence and very short
// output, rewarded by substantive output and explicit_completion
// evidence, with a small penalty for slow iterations.
func (a *Analyzer) quality(in Input, errorPresent bool, explicit patternMatch) float64 {
	score := 0.7

	trimmed := strings.TrimSpace(in.Text)
	veryShort := a.cfg.SubstantiveLengthFloor / 4
	switch {
	case len(trimmed) == 0:
		score -= 0.4
	case len(trimmed) < veryShort:
		score -= 0.15
	case len(trimmed) > a.cfg.SubstantiveLengthFloor*4:
		score += 0.1
	}

	if errorPresent {
		score -= 0.3
	}
	if explicit.present() {
		score += 0.1 * float64(min(explicit.count, 2))
	}
	if a.cfg.SlowIterationMs > 0 && in.DurationMs > a.cfg.SlowIterationMs {
		score -= 0.05
	}

	return clip01(score)
}

func detectedNames(matches []patternMatch) []string {
	var out []string
	for _, m := range matches {
		if m.present() {
			out = append(out, m.name)
		}
	}
	return out
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
