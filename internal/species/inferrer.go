// Package species attributes conflict documents to species using a
// weighted term lexicon and proximity to conflict cues.
package species

import (
	_ "embed"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/hwik-project/hwik/internal/domain/conflict"
)

//go:embed lexicon.yaml
var defaultLexicon []byte

// Term is one lexicon entry.
type Term struct {
	Term        string  `yaml:"term" validate:"required"`
	Specificity float64 `yaml:"specificity" validate:"gt=0,lte=1"`
}

// Lexicon is the species inference configuration.
type Lexicon struct {
	Base           float64                     `yaml:"base" validate:"gt=0,lte=1"`
	CueBonus       float64                     `yaml:"cue_bonus" validate:"gte=0,lte=1"`
	CueWindow      int                         `yaml:"cue_window" validate:"gt=0"`
	NeutralPenalty float64                     `yaml:"neutral_penalty" validate:"gte=0,lte=1"`
	Species        map[conflict.Species][]Term `yaml:"species" validate:"required,min=1,dive,min=1,dive"`
	ConflictCues   []string                    `yaml:"conflict_cues"`
	NeutralCues    []string                    `yaml:"neutral_cues"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadLexicon reads the lexicon at path, or the embedded default when path
// is empty.
func LoadLexicon(path string) (*Lexicon, error) {
	data := defaultLexicon
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, &conflict.ConfigurationError{Field: "species_lexicon_path", Reason: err.Error()}
		}
		data = b
	}
	return ParseLexicon(data)
}

// ParseLexicon decodes and validates a YAML lexicon.
func ParseLexicon(data []byte) (*Lexicon, error) {
	var lex Lexicon
	if err := yaml.Unmarshal(data, &lex); err != nil {
		return nil, &conflict.ConfigurationError{Field: "species_lexicon_path", Reason: fmt.Sprintf("parse lexicon: %v", err)}
	}
	if err := validate.Struct(lex); err != nil {
		return nil, &conflict.ConfigurationError{Field: "species_lexicon_path", Reason: fmt.Sprintf("invalid lexicon: %v", err)}
	}
	for sp := range lex.Species {
		if !sp.Valid() || sp == conflict.SpeciesUnknown {
			return nil, &conflict.ConfigurationError{Field: "species_lexicon_path", Reason: fmt.Sprintf("unknown species %q", sp)}
		}
	}
	return &lex, nil
}

type compiledTerm struct {
	species     conflict.Species
	term        string
	specificity float64
}

// Inferrer scores species mentions in documents. It is immutable after
// construction and safe for concurrent use.
type Inferrer struct {
	lex      *Lexicon
	terms    []compiledTerm
	conflict []string
	neutral  []string
}

// NewInferrer compiles lex.
func NewInferrer(lex *Lexicon) *Inferrer {
	inf := &Inferrer{lex: lex}
	for sp, terms := range lex.Species {
		for _, t := range terms {
			inf.terms = append(inf.terms, compiledTerm{species: sp, term: strings.ToLower(t.Term), specificity: t.Specificity})
		}
	}
	// Stable order keeps results independent of map iteration.
	sort.Slice(inf.terms, func(i, j int) bool {
		if inf.terms[i].species != inf.terms[j].species {
			return inf.terms[i].species < inf.terms[j].species
		}
		return inf.terms[i].term < inf.terms[j].term
	})
	for _, c := range lex.ConflictCues {
		inf.conflict = append(inf.conflict, strings.ToLower(c))
	}
	for _, c := range lex.NeutralCues {
		inf.neutral = append(inf.neutral, strings.ToLower(c))
	}
	return inf
}

type occurrence struct {
	start, end int
	text       string
}

// Infer returns at most one call per species, highest confidence first.
// A document with no lexicon match yields no calls.
func (inf *Inferrer) Infer(doc conflict.RawDocument) []conflict.SpeciesCall {
	text := strings.ToLower(doc.Text())

	conflictHits := findAll(text, inf.conflict, true)
	neutralHits := findAll(text, inf.neutral, true)

	best := make(map[conflict.Species]conflict.SpeciesCall)
	for _, t := range inf.terms {
		for _, occ := range findAll(text, []string{t.term}, false) {
			conf, cue := inf.score(t, occ, text, conflictHits, neutralHits)
			cur, ok := best[t.species]
			if !ok || conf > cur.Confidence {
				best[t.species] = conflict.SpeciesCall{
					DocumentID: doc.ID,
					Species:    t.species,
					Confidence: conf,
					Term:       t.term,
					Cue:        cue,
				}
			}
		}
	}

	calls := make([]conflict.SpeciesCall, 0, len(best))
	for _, c := range best {
		calls = append(calls, c)
	}
	sort.Slice(calls, func(i, j int) bool {
		if calls[i].Confidence != calls[j].Confidence {
			return calls[i].Confidence > calls[j].Confidence
		}
		return calls[i].Species < calls[j].Species
	})
	return calls
}

func (inf *Inferrer) score(t compiledTerm, occ occurrence, text string, conflictHits, neutralHits []occurrence) (float64, string) {
	window := inf.lex.CueWindow

	cue, d := nearest(occ, conflictHits, text)
	bonus := 0.0
	if cue != "" && d <= window {
		bonus = inf.lex.CueBonus * (1 - float64(d)/float64(window))
	} else {
		cue = ""
	}

	factor := 1.0
	if cue == "" {
		if n, nd := nearest(occ, neutralHits, text); n != "" && nd <= window {
			factor = 1 - inf.lex.NeutralPenalty
		}
	}

	conf := t.specificity * (inf.lex.Base + bonus) * factor
	conf = math.Max(0, math.Min(1, conf))
	// Round to keep reports and equality checks stable.
	return math.Round(conf*1e4) / 1e4, cue
}

// nearest returns the closest hit to occ and its distance in characters
// between the two spans (0 when they touch or overlap).
func nearest(occ occurrence, hits []occurrence, text string) (string, int) {
	bestDist := math.MaxInt
	bestText := ""
	for _, h := range hits {
		var d int
		switch {
		case h.end <= occ.start:
			d = utf8.RuneCountInString(text[h.end:occ.start])
		case h.start >= occ.end:
			d = utf8.RuneCountInString(text[occ.end:h.start])
		default:
			d = 0
		}
		if d < bestDist {
			bestDist = d
			bestText = h.text
		}
	}
	return bestText, bestDist
}

// findAll locates needles at word starts. Prefix needles (cue stems) may
// continue into the rest of the word; whole-word needles allow only a plural
// "s" or "es".
func findAll(text string, needles []string, prefix bool) []occurrence {
	var out []occurrence
	for _, n := range needles {
		if n == "" {
			continue
		}
		from := 0
		for {
			i := strings.Index(text[from:], n)
			if i < 0 {
				break
			}
			start := from + i
			end := start + len(n)
			from = start + 1

			if start > 0 {
				r, _ := utf8.DecodeLastRuneInString(text[:start])
				if isWordRune(r) {
					continue
				}
			}
			if prefix {
				for end < len(text) {
					r, size := utf8.DecodeRuneInString(text[end:])
					if !isWordRune(r) {
						break
					}
					end += size
				}
			} else {
				rest := text[end:]
				switch {
				case strings.HasPrefix(rest, "es") && !startsWord(rest[2:]):
					end += 2
				case strings.HasPrefix(rest, "s") && !startsWord(rest[1:]):
					end++
				case startsWord(rest):
					continue
				}
			}
			out = append(out, occurrence{start: start, end: end, text: text[start:end]})
		}
	}
	return out
}

func startsWord(s string) bool {
	if s == "" {
		return false
	}
	r, _ := utf8.DecodeRuneInString(s)
	return isWordRune(r)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
