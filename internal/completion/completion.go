// Package completion estimates whether a speaker has finished an utterance.
//
// [Analyzer.Assess] is a pure function of the ordered fragment texts: the
// score is recomputed from the whole utterance on every call and never
// patched incrementally. [Analyzer.Recheck] decides what to do when the
// reassessment timer fires.
package completion

import (
	"strings"
	"time"
	"unicode"
)

// Default thresholds.
const (
	QuickWait   = 800 * time.Millisecond
	DefaultWait = 1500 * time.Millisecond
	LongWait    = 2500 * time.Millisecond
	ExtraWait   = 1000 * time.Millisecond
	MinimalWait = 500 * time.Millisecond

	MaxRechecks = 3

	LowConfidence     = 0.3
	CompleteThreshold = 0.5
)

// Score increments.
const (
	terminalBonus     = 0.4
	closingWordBonus  = 0.3
	continuationMalus = 0.3
	mediumLenBonus    = 0.15
	longLenBonus      = 0.15
	shortMalus        = 0.2
	questionBonus     = 0.2
	openerMalus       = 0.2

	mediumLenWords = 5
	longLenWords   = 10
	shortWords     = 3
	openerMaxWords = 4
	startupWords   = 2
)

var closingWords = map[string]bool{
	"please": true, "thanks": true, "thank you": true, "cheers": true,
}

// continuationWords leave a sentence hanging when they are the last word.
var continuationWords = map[string]bool{
	"and": true, "or": true, "but": true, "so": true, "because": true, "then": true,
	"if": true, "that": true, "the": true, "a": true, "an": true, "to": true,
	"of": true, "with": true, "for": true, "about": true, "like": true, "um": true,
	"uh": true, "should": true, "would": true, "could": true, "can": true,
	"will": true, "is": true, "are": true, "was": true, "were": true, "my": true,
	"our": true, "their": true,
}

var interrogativeOpeners = []string{
	"what", "how", "why", "when", "where", "who", "which",
	"can you", "could you", "would you", "will you", "do you", "is there", "are there",
}

// Thresholds holds the tunable waits and cut-offs. The zero value of a field
// selects its default.
type Thresholds struct {
	QuickWait     time.Duration
	DefaultWait   time.Duration
	LongWait      time.Duration
	ExtraWait     time.Duration
	MinimalWait   time.Duration
	MaxRechecks   int
	LowConfidence float64
	Complete      float64
}

// DefaultThresholds returns the package defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		QuickWait:     QuickWait,
		DefaultWait:   DefaultWait,
		LongWait:      LongWait,
		ExtraWait:     ExtraWait,
		MinimalWait:   MinimalWait,
		MaxRechecks:   MaxRechecks,
		LowConfidence: LowConfidence,
		Complete:      CompleteThreshold,
	}
}

func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.QuickWait <= 0 {
		t.QuickWait = d.QuickWait
	}
	if t.DefaultWait <= 0 {
		t.DefaultWait = d.DefaultWait
	}
	if t.LongWait <= 0 {
		t.LongWait = d.LongWait
	}
	if t.ExtraWait <= 0 {
		t.ExtraWait = d.ExtraWait
	}
	if t.MinimalWait <= 0 {
		t.MinimalWait = d.MinimalWait
	}
	if t.MaxRechecks <= 0 {
		t.MaxRechecks = d.MaxRechecks
	}
	if t.LowConfidence <= 0 {
		t.LowConfidence = d.LowConfidence
	}
	if t.Complete <= 0 {
		t.Complete = d.Complete
	}
	return t
}

// WaitClass names the suggested wait bucket.
type WaitClass int

const (
	WaitDefault WaitClass = iota
	WaitQuick
	WaitLong
)

// String implements fmt.Stringer.
func (w WaitClass) String() string {
	switch w {
	case WaitQuick:
		return "quick"
	case WaitLong:
		return "long"
	default:
		return "default"
	}
}

// Assessment is the structured result of scoring an utterance.
type Assessment struct {
	Confidence float64
	Complete   bool
	Wait       time.Duration
	Class      WaitClass
	Words      int
}

// Analyzer scores utterances. It is immutable and safe for concurrent use.
type Analyzer struct {
	th Thresholds
}

// New returns an Analyzer. Zero fields in th take their defaults.
func New(th Thresholds) *Analyzer {
	return &Analyzer{th: th.withDefaults()}
}

// Thresholds returns the effective thresholds.
func (a *Analyzer) Thresholds() Thresholds { return a.th }

// Assess scores the utterance formed by joining fragments in order.
func (a *Analyzer) Assess(fragments []string) Assessment {
	text := strings.TrimSpace(strings.Join(fragments, " "))
	if text == "" {
		return Assessment{Wait: a.th.LongWait, Class: WaitLong}
	}

	lower := strings.ToLower(text)
	words := strings.Fields(lower)
	n := len(words)
	last := trimWord(words[n-1])

	var (
		score        float64
		quick        bool
		continuation bool
	)

	tail := strings.TrimRightFunc(lower, func(r rune) bool {
		return unicode.IsSpace(r) || r == '"' || r == '\''
	})
	switch {
	case strings.HasSuffix(tail, "...") || strings.HasSuffix(tail, "…"),
		strings.HasSuffix(tail, ","),
		strings.HasSuffix(tail, "-") || strings.HasSuffix(tail, "–") || strings.HasSuffix(tail, "—"):
		continuation = true
	case strings.HasSuffix(tail, "?") || strings.HasSuffix(tail, ".") || strings.HasSuffix(tail, "!"):
		score += terminalBonus
		quick = true
	}

	closing := closingWords[last]
	if n >= 2 && closingWords[trimWord(words[n-2])+" "+last] {
		closing = true
	}
	if closing {
		score += closingWordBonus
		quick = true
	}

	if !continuation && continuationWords[last] && !endsTerminal(tail) {
		continuation = true
	}
	if continuation {
		score -= continuationMalus
	}

	if n >= mediumLenWords {
		score += mediumLenBonus
	}
	if n >= longLenWords {
		score += longLenBonus
	}
	if n < shortWords {
		score -= shortMalus
	}

	if strings.Contains(text, "?") {
		score += questionBonus
		quick = true
	}

	if n < openerMaxWords && startsInterrogative(lower) {
		score -= openerMalus
	}

	score = clamp(score)

	as := Assessment{
		Confidence: score,
		Complete:   score >= a.th.Complete,
		Words:      n,
	}
	switch {
	case continuation || n < shortWords:
		as.Class, as.Wait = WaitLong, a.th.LongWait
	case quick:
		as.Class, as.Wait = WaitQuick, a.th.QuickWait
	case score < a.th.LowConfidence:
		as.Class, as.Wait = WaitLong, a.th.LongWait
	default:
		as.Class, as.Wait = WaitDefault, a.th.DefaultWait
	}
	return as
}

// Verdict is the outcome of a timer-driven recheck.
type Verdict int

const (
	// Conclude means the utterance is finished and should be finalized.
	Conclude Verdict = iota
	// Rearm means the caller should wait again before concluding.
	Rearm
)

// Recheck decides, when the reassessment timer fires, whether to conclude or
// to wait again. silence is the time since the last accepted fragment and
// rechecks the number of re-arms already granted for the current fragment
// sequence. Re-arming stops after MaxRechecks.
func (a *Analyzer) Recheck(as Assessment, silence time.Duration, rechecks int) (Verdict, time.Duration) {
	if rechecks >= a.th.MaxRechecks || silence >= a.th.LongWait {
		return Conclude, 0
	}
	if as.Words < startupWords {
		return Rearm, a.th.ExtraWait
	}
	if as.Confidence < a.th.LowConfidence {
		return Rearm, a.th.MinimalWait
	}
	return Conclude, 0
}

func endsTerminal(tail string) bool {
	return strings.HasSuffix(tail, "?") || strings.HasSuffix(tail, "!") ||
		(strings.HasSuffix(tail, ".") && !strings.HasSuffix(tail, "..."))
}

func startsInterrogative(lower string) bool {
	words := strings.Fields(lower)
	if len(words) == 0 {
		return false
	}
	first := trimWord(words[0])
	two := first
	if len(words) > 1 {
		two = first + " " + trimWord(words[1])
	}
	for _, op := range interrogativeOpeners {
		if op == first || op == two {
			return true
		}
	}
	return false
}

func trimWord(w string) string {
	return strings.TrimFunc(w, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
