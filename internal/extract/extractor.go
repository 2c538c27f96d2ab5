// Package extract finds candidate place names in document text.
//
// Recognition is rule based: gazetteer matches, capitalized phrases after
// locative cues ("in", "near", "village of"), and capitalized phrases
// followed by an administrative suffix ("district", "taluk", "range").
package extract

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"unicode"
	"unicode/utf8"

	"github.com/hwik-project/hwik/internal/domain/conflict"
)

const (
	DefaultMinLength    = 3
	DefaultContextChars = 80
	DefaultMaxTextBytes = 1 << 20
	maxPhraseTokens     = 4
)

// locativeCues precede a place name.
var locativeCues = map[string]struct{}{
	"in": {}, "at": {}, "near": {}, "from": {}, "around": {}, "outside": {},
	"towards": {}, "into": {}, "across": {}, "inside": {}, "bordering": {},
}

// ofHeads turn a following "of" into a locative cue ("village of X").
var ofHeads = map[string]struct{}{
	"village": {}, "villages": {}, "town": {}, "outskirts": {}, "district": {},
	"hamlet": {}, "region": {}, "parts": {}, "forests": {},
}

// placeSuffixes follow a place name ("Wayanad district").
var placeSuffixes = map[string]struct{}{
	"district": {}, "taluk": {}, "taluka": {}, "tehsil": {}, "mandal": {},
	"block": {}, "panchayat": {}, "village": {}, "range": {}, "division": {},
	"forest": {}, "reserve": {}, "sanctuary": {}, "estate": {},
}

// defaultStopwords are capitalized words that are never places on their own.
var defaultStopwords = []string{
	"the", "a", "an", "he", "she", "it", "they", "we", "this", "that",
	"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday",
	"january", "february", "march", "april", "may", "june", "july",
	"august", "september", "october", "november", "december",
	"india", "forest department", "police", "government", "officials",
	"elephant", "tiger", "leopard", "gaur", "wild boar", "bison",
	"morning", "evening", "night", "today", "yesterday",
}

// Options configures an Extractor.
type Options struct {
	MinLength    int
	ContextChars int
	MaxTextBytes int
	Stopwords    []string
	Gazetteer    *Gazetteer
}

// Extractor produces LocationMentions from RawDocuments. It is safe for
// concurrent use.
type Extractor struct {
	minLength    int
	contextChars int
	maxTextBytes int
	stopwords    map[string]struct{}
	gazetteer    *Gazetteer

	dropped atomic.Int64
}

// New creates an extractor. Zero option values take defaults.
func New(opts Options) *Extractor {
	if opts.MinLength <= 0 {
		opts.MinLength = DefaultMinLength
	}
	if opts.ContextChars <= 0 {
		opts.ContextChars = DefaultContextChars
	}
	if opts.MaxTextBytes <= 0 {
		opts.MaxTextBytes = DefaultMaxTextBytes
	}
	stop := make(map[string]struct{}, len(defaultStopwords)+len(opts.Stopwords))
	for _, w := range append(append([]string(nil), defaultStopwords...), opts.Stopwords...) {
		if n := Normalize(w, 1); n != "" {
			stop[n] = struct{}{}
		}
	}
	return &Extractor{
		minLength:    opts.MinLength,
		contextChars: opts.ContextChars,
		maxTextBytes: opts.MaxTextBytes,
		stopwords:    stop,
		gazetteer:    opts.Gazetteer,
	}
}

// Dropped reports how many candidate mentions were discarded for length
// or stoplist reasons since the extractor was created.
func (e *Extractor) Dropped() int64 {
	return e.dropped.Load()
}

type token struct {
	text  string
	lower string
	start int // byte offset
	end   int
	// brk is set when sentence punctuation separates this token from the previous one.
	brk bool
}

func (t token) capitalized() bool {
	r, _ := utf8.DecodeRuneInString(t.text)
	return unicode.IsUpper(r)
}

type span struct {
	start, end int
	canonical  string // preset by gazetteer matches
}

// Extract returns the deduplicated location mentions of doc in text order.
// Offsets are rune offsets into doc.Text().
func (e *Extractor) Extract(doc conflict.RawDocument) ([]conflict.LocationMention, error) {
	text := doc.Text()
	if !utf8.ValidString(text) {
		return nil, &conflict.ExtractionModelError{DocumentID: doc.ID, Err: errors.New("text is not valid UTF-8")}
	}
	if len(text) > e.maxTextBytes {
		return nil, &conflict.ExtractionModelError{
			DocumentID: doc.ID,
			Err:        fmt.Errorf("text is %d bytes, limit %d", len(text), e.maxTextBytes),
		}
	}

	tokens := tokenize(text)
	spans := e.gazetteerSpans(tokens)
	spans = append(spans, cueSpans(tokens)...)
	spans = append(spans, suffixSpans(tokens)...)
	sort.SliceStable(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	seen := make(map[string]struct{})
	var mentions []conflict.LocationMention
	for _, s := range spans {
		surface := text[s.start:s.end]
		normalized := s.canonical
		if normalized == "" {
			normalized = Normalize(surface, e.minLength)
			if c, ok := e.gazetteer.Lookup(normalized); ok {
				normalized = c
			}
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		if !e.keep(normalized) {
			e.dropped.Add(1)
			continue
		}
		seen[normalized] = struct{}{}
		mentions = append(mentions, conflict.LocationMention{
			DocumentID:     doc.ID,
			SurfaceText:    surface,
			NormalizedText: normalized,
			CharOffset:     utf8.RuneCountInString(text[:s.start]),
			ContextWindow:  e.window(text, s.start, s.end),
		})
	}
	return mentions, nil
}

func (e *Extractor) keep(normalized string) bool {
	if utf8.RuneCountInString(normalized) < e.minLength {
		return false
	}
	if _, stop := e.stopwords[normalized]; stop {
		return false
	}
	// A phrase made only of stopwords ("The Police") is not a place.
	allStop := true
	for _, f := range strings.Fields(normalized) {
		if _, stop := e.stopwords[f]; !stop {
			allStop = false
			break
		}
	}
	return !allStop
}

func (e *Extractor) window(text string, start, end int) string {
	lo := start
	for n := 0; n < e.contextChars && lo > 0; n++ {
		_, size := utf8.DecodeLastRuneInString(text[:lo])
		lo -= size
	}
	hi := end
	for n := 0; n < e.contextChars && hi < len(text); n++ {
		_, size := utf8.DecodeRuneInString(text[hi:])
		hi += size
	}
	return strings.Join(strings.Fields(text[lo:hi]), " ")
}

// gazetteerSpans matches the longest known name starting at each token.
func (e *Extractor) gazetteerSpans(tokens []token) []span {
	if e.gazetteer.Len() == 0 {
		return nil
	}
	var spans []span
	for i := 0; i < len(tokens); i++ {
		if !tokens[i].capitalized() {
			continue
		}
		for n := min(e.gazetteer.maxTokens, len(tokens)-i); n >= 1; n-- {
			if crossesBreak(tokens[i : i+n]) {
				continue
			}
			surface := joinLower(tokens[i : i+n])
			canonical, ok := e.gazetteer.Lookup(Normalize(surface, e.minLength))
			if !ok {
				continue
			}
			spans = append(spans, span{start: tokens[i].start, end: tokens[i+n-1].end, canonical: canonical})
			i += n - 1
			break
		}
	}
	return spans
}

// cueSpans finds capitalized phrases right after a locative cue.
func cueSpans(tokens []token) []span {
	var spans []span
	for i := 0; i+1 < len(tokens); i++ {
		if !isCue(tokens, i) || tokens[i+1].brk {
			continue
		}
		j := i + 1
		if tokens[j].lower == "the" && j+1 < len(tokens) && !tokens[j+1].brk {
			j++
		}
		if end := phraseEnd(tokens, j); end > j {
			last := end - 1
			// Include trailing suffixes ("near Tholpetty range").
			for end < len(tokens) && !tokens[end].brk && isSuffix(tokens[end]) {
				last = end
				end++
			}
			spans = append(spans, span{start: tokens[j].start, end: tokens[last].end})
		}
	}
	return spans
}

// suffixSpans finds capitalized phrases followed by an administrative suffix.
func suffixSpans(tokens []token) []span {
	var spans []span
	for i := 0; i < len(tokens); i++ {
		if !tokens[i].capitalized() || isSuffix(tokens[i]) {
			continue
		}
		if i > 0 && !tokens[i].brk && tokens[i-1].capitalized() && !isSuffix(tokens[i-1]) {
			continue // not the start of a phrase
		}
		end := phraseEnd(tokens, i)
		if end == i || end >= len(tokens) || tokens[end].brk || !isSuffix(tokens[end]) {
			continue
		}
		first := i
		if tokens[i].lower == "the" && end > i+1 {
			first = i + 1
		}
		last := end
		for last+1 < len(tokens) && !tokens[last+1].brk && isSuffix(tokens[last+1]) {
			last++
		}
		spans = append(spans, span{start: tokens[first].start, end: tokens[last].end})
		i = last
	}
	return spans
}

// phraseEnd returns the index after the capitalized run starting at i.
// Suffix words end the run.
func phraseEnd(tokens []token, i int) int {
	j := i
	for j < len(tokens) && j-i < maxPhraseTokens {
		if !tokens[j].capitalized() || isSuffix(tokens[j]) {
			break
		}
		if j > i && tokens[j].brk {
			break
		}
		j++
	}
	return j
}

func isCue(tokens []token, i int) bool {
	w := tokens[i].lower
	if _, ok := locativeCues[w]; ok {
		return true
	}
	if w == "of" && i > 0 && !tokens[i].brk {
		_, ok := ofHeads[tokens[i-1].lower]
		return ok
	}
	return false
}

func isSuffix(t token) bool {
	_, ok := placeSuffixes[t.lower]
	return ok
}

func crossesBreak(ts []token) bool {
	for _, t := range ts[1:] {
		if t.brk {
			return true
		}
	}
	return false
}

func joinLower(ts []token) string {
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = t.lower
	}
	return strings.Join(parts, " ")
}

// tokenize splits text into word tokens, recording byte offsets and
// whether sentence punctuation precedes each token. A period after an
// honorific abbreviation ("St.", "Mt.") is not a break.
func tokenize(text string) []token {
	var (
		tokens  []token
		start   = -1
		pending bool
	)
	isWord := func(r rune) bool {
		return unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.Mn, r) || r == '\'' || r == '’' || r == '-'
	}
	flush := func(end int) {
		if start < 0 {
			return
		}
		w := strings.Trim(text[start:end], "'’-")
		if w != "" {
			off := start + strings.Index(text[start:end], w)
			tokens = append(tokens, token{
				text:  w,
				lower: strings.ToLower(w),
				start: off,
				end:   off + len(w),
				brk:   pending,
			})
			pending = false
		}
		start = -1
	}

	for i, r := range text {
		if isWord(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		flush(i)
		switch r {
		case '.', '!', '?', ';', ':', '(', ')', '"', '“', '”', '\n', '|', '[', ']', '–', '—':
			if r == '.' && len(tokens) > 0 {
				if _, abbr := honorifics[tokens[len(tokens)-1].lower]; abbr {
					continue
				}
			}
			pending = true
		case ',':
			pending = true
		}
	}
	flush(len(text))
	return tokens
}
