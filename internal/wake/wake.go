// Package wake recognises when a caption fragment addresses the bot and
// removes the address cue from a finished utterance.
//
// Matching runs on a normalised token stream: text is lowercased and split
// into words at whitespace and at caption punctuation (commas, periods,
// hyphens and similar segmentation noise), so "board,observer" and
// "board-observer" read as two words. Three strategies are tried in order:
//
//  1. Literal phrase containment against the configured wake phrases.
//  2. A small set of word-boundary regular expressions that absorb common
//     caption spellings of the address word ("obsarver", "boardobserver").
//  3. Phonetic fuzzy matching of the address word using Double Metaphone
//     codes and Jaro-Winkler similarity, when it follows an opener word.
//
// A [Detector] is read-only after construction and safe for concurrent use.
package wake

import (
	"regexp"
	"slices"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	defaultAddressWord    = "observer"
	defaultFuzzyThreshold = 0.85
	phoneticThreshold     = 0.70
)

// DefaultPhrases are the wake phrases used when none are configured.
var DefaultPhrases = []string{
	"board observer",
	"hey observer",
	"hi observer",
	"ok observer",
	"okay observer",
}

// openers may precede the address word to form a cue.
var openers = []string{"hey", "hi", "ok", "okay", "yo", "board", "bored", "bord"}

// callOpeners are the openers allowed in front of a fuzzy address word.
// "board" is excluded: "the board observed" is ordinary meeting speech.
var callOpeners = []string{"hey", "hi", "ok", "okay", "yo"}

// fillers may appear before a leading cue and are stripped together with it.
var fillers = map[string]bool{
	"um": true, "uh": true, "so": true, "and": true, "oh": true, "well": true, "hey": true, "okay": true, "ok": true,
}

var defaultPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(?:hey|hi|ok|okay|yo|board|bored|bord)\s?obs[ae]rv[ae]rs?\b`),
	regexp.MustCompile(`\b(?:hey|hi|ok|okay)\s+(?:the\s+)?board\s+obs[ae]rv[ae]rs?\b`),
}

// Option configures a [Detector].
type Option func(*Detector)

// WithPhrases replaces the literal wake phrases. Empty entries are ignored.
func WithPhrases(phrases []string) Option {
	return func(d *Detector) {
		d.phrases = d.phrases[:0]
		for _, p := range phrases {
			if toks := tokenize(p); len(toks) > 0 {
				d.phrases = append(d.phrases, joinNorm(toks))
			}
		}
	}
}

// WithAddressWord sets the word the fuzzy matcher looks for after an opener.
// Default: "observer".
func WithAddressWord(word string) Option {
	return func(d *Detector) {
		if w := normalize(word); w != "" {
			d.addressWord = w
		}
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for a token to be
// accepted as the address word without a phonetic code overlap. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(d *Detector) {
		d.fuzzyThreshold = threshold
	}
}

// Detector is a stateless wake-phrase classifier.
type Detector struct {
	phrases        []string
	patterns       []*regexp.Regexp
	addressWord    string
	addressCodes   [2]string
	fuzzyThreshold float64
}

// New returns a Detector configured with opts.
func New(opts ...Option) *Detector {
	d := &Detector{
		patterns:       defaultPatterns,
		addressWord:    defaultAddressWord,
		fuzzyThreshold: defaultFuzzyThreshold,
	}
	WithPhrases(DefaultPhrases)(d)
	for _, o := range opts {
		o(d)
	}
	// Longest phrase first so "hey board observer" wins over "board observer".
	slices.SortFunc(d.phrases, func(a, b string) int { return len(b) - len(a) })
	p, s := matchr.DoubleMetaphone(d.addressWord)
	d.addressCodes = [2]string{p, s}
	return d
}

// Match describes where a cue was found, as word indices into the input's
// token stream.
type Match struct {
	Start int
	End   int // exclusive
}

// Detect reports whether text contains an address cue.
func (d *Detector) Detect(text string) bool {
	_, ok := d.Find(text)
	return ok
}

// Find locates the first address cue in text.
func (d *Detector) Find(text string) (Match, bool) {
	return d.find(tokenize(text))
}

func (d *Detector) find(toks []token) (Match, bool) {
	if len(toks) == 0 {
		return Match{}, false
	}
	norm, offsets := joinWithOffsets(toks)

	best := Match{Start: -1}
	consider := func(m Match) {
		if best.Start < 0 || m.Start < best.Start || (m.Start == best.Start && m.End > best.End) {
			best = m
		}
	}

	for _, p := range d.phrases {
		idx := indexWord(norm, p)
		if idx < 0 {
			continue
		}
		consider(spanOf(offsets, idx, idx+len(p)))
	}
	for _, re := range d.patterns {
		loc := re.FindStringIndex(norm)
		if loc == nil {
			continue
		}
		consider(spanOf(offsets, loc[0], loc[1]))
	}
	if best.Start < 0 {
		if m, ok := d.fuzzy(toks); ok {
			consider(m)
		}
	}

	if best.Start < 0 {
		return Match{}, false
	}
	// Absorb a directly preceding opener ("hey" + "board observer").
	if best.Start > 0 && slices.Contains(openers, toks[best.Start-1].norm) && toks[best.Start-1].norm != toks[best.Start].norm {
		best.Start--
	}
	return best, true
}

// fuzzy looks for an opener followed by a token that sounds like the address
// word.
func (d *Detector) fuzzy(toks []token) (Match, bool) {
	for i := 1; i < len(toks); i++ {
		if !slices.Contains(callOpeners, toks[i-1].norm) {
			continue
		}
		if d.soundsLikeAddress(toks[i].norm) {
			return Match{Start: i - 1, End: i + 1}, true
		}
	}
	return Match{}, false
}

func (d *Detector) soundsLikeAddress(word string) bool {
	if len(word) < 5 {
		return false
	}
	score := matchr.JaroWinkler(word, d.addressWord, false)
	if score >= d.fuzzyThreshold {
		return true
	}
	p, s := matchr.DoubleMetaphone(word)
	for _, c := range []string{p, s} {
		if c == "" {
			continue
		}
		if c == d.addressCodes[0] || c == d.addressCodes[1] {
			return score >= phoneticThreshold
		}
	}
	return false
}

// Stripped is the result of removing the address cue from an utterance.
type Stripped struct {
	// Text is the residual question. When Bare is true it holds the original
	// utterance instead, so callers always get a non-empty, displayable value.
	Text string

	// Matched reports whether a cue was found at all.
	Matched bool

	// Bare reports that nothing but the cue (and filler) was spoken.
	Bare bool
}

// Strip removes the leading address cue from text. Filler words in front of
// the cue are removed with it. A cue found mid-sentence is cut out in place.
func (d *Detector) Strip(text string) Stripped {
	original := strings.TrimSpace(text)
	toks := tokenize(original)
	m, ok := d.find(toks)
	if !ok {
		return Stripped{Text: original, Bare: original == ""}
	}

	leading := true
	for _, t := range toks[:m.Start] {
		if !fillers[t.norm] {
			leading = false
			break
		}
	}

	var prefix string
	if !leading {
		prefix = strings.TrimRightFunc(original[:toks[m.Start].start], isSeparator)
	}
	suffix := original[toks[m.End-1].end:]
	if prefix != "" {
		// Carry a sentence terminator from the removed cue onto the text
		// before it: "what do you think, board observer?" -> "what do you think?"
		if term := leadingTerminator(suffix); term != "" {
			prefix = strings.TrimRight(prefix, ",;:-") + term
			suffix = suffix[len(term):]
		}
	}
	suffix = strings.TrimLeftFunc(suffix, isSeparator)

	residual := prefix
	if residual != "" && suffix != "" {
		residual += " "
	}
	residual += suffix
	residual = strings.TrimLeftFunc(residual, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
	if !hasContent(residual) {
		return Stripped{Text: original, Matched: true, Bare: true}
	}
	return Stripped{Text: strings.TrimSpace(residual), Matched: true}
}

func isSeparator(r rune) bool {
	return unicode.IsSpace(r) || r == ',' || r == ';' || r == ':' || r == '-'
}

func leadingTerminator(s string) string {
	return s[:len(s)-len(strings.TrimLeft(s, "?!."))]
}

func hasContent(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool {
		return unicode.IsLetter(r) || unicode.IsDigit(r)
	}) >= 0
}

// ── tokenisation ────────────────────────────────────────────────────────────

// token is one word of the input; start and end are byte offsets of the word
// in the text it was cut from.
type token struct {
	norm       string
	start, end int
}

func normalize(word string) string {
	return strings.TrimFunc(strings.ToLower(word), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' || r == '’'
}

// tokenize splits text into words at every rune that is not a letter, digit
// or apostrophe. Apostrophes are kept inside words ("what's") but trimmed
// from their edges.
func tokenize(text string) []token {
	var toks []token
	start := -1
	flush := func(end int) {
		if start < 0 {
			return
		}
		word := text[start:end]
		trimmed := strings.TrimLeft(word, "'’")
		s := start + len(word) - len(trimmed)
		trimmed = strings.TrimRight(trimmed, "'’")
		if trimmed != "" {
			toks = append(toks, token{norm: strings.ToLower(trimmed), start: s, end: s + len(trimmed)})
		}
		start = -1
	}
	for i, r := range text {
		if isWordRune(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		flush(i)
	}
	flush(len(text))
	return toks
}

func joinNorm(toks []token) string {
	s, _ := joinWithOffsets(toks)
	return s
}

// joinWithOffsets joins tokens with single spaces and records, for every
// token, the byte offset where it starts in the joined string.
func joinWithOffsets(toks []token) (string, []int) {
	var b strings.Builder
	offsets := make([]int, len(toks))
	for i, t := range toks {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		offsets[i] = b.Len()
		b.WriteString(t.norm)
	}
	return b.String(), offsets
}

// spanOf converts a byte range in the joined string back to token indices.
func spanOf(offsets []int, from, to int) Match {
	m := Match{Start: -1}
	for i, off := range offsets {
		if off <= from {
			m.Start = i
		}
		if off < to {
			m.End = i + 1
		}
	}
	if m.Start < 0 {
		m.Start = 0
	}
	return m
}

// indexWord finds phrase in s on word boundaries.
func indexWord(s, phrase string) int {
	padded := " " + s + " "
	idx := strings.Index(padded, " "+phrase+" ")
	if idx < 0 {
		return -1
	}
	return idx
}
