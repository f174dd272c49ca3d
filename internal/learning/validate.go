package learning

import (
	"errors"
	"strings"
	"unicode/utf8"

	"manabi-backend/internal/models"
)

// ErrMalformedPayload marks generated JSON that parsed but lacks required arrays.
var ErrMalformedPayload = errors.New("malformed generation payload")

// genericSurfaces are words too vague to be worth a glossary entry.
var genericSurfaces = map[string]bool{
	"これ": true, "それ": true, "あれ": true, "もの": true, "こと": true,
	"方法": true, "問題": true, "場合": true, "情報": true, "データ": true,
	"thing": true, "things": true, "stuff": true, "example": true,
	"data": true, "information": true, "method": true, "way": true,
}

// shortAcronyms are exempt from the minimum surface length.
var shortAcronyms = map[string]bool{
	"C": true, "R": true, "Go": true, "AI": true, "UI": true, "UX": true,
	"OS": true, "DB": true, "IP": true, "JS": true, "ML": true, "CI": true,
	"CD": true, "QA": true, "VR": true, "AR": true, "5G": true,
}

// FilterTerms drops low-confidence terms, generic words, and single-rune
// surfaces that are not known acronyms.
func FilterTerms(terms []models.Term) []models.Term {
	out := make([]models.Term, 0, len(terms))
	for _, t := range terms {
		if t.Confidence < MinConfidence {
			continue
		}
		surface := strings.TrimSpace(t.Surface)
		if genericSurfaces[strings.ToLower(surface)] {
			continue
		}
		if utf8.RuneCountInString(surface) < 2 && !shortAcronyms[surface] {
			continue
		}
		out = append(out, t)
	}
	return out
}

// FilterMentions keeps mentions that reference a surviving term and meet the
// confidence threshold.
func FilterMentions(mentions []models.Mention, terms []models.Term) []models.Mention {
	known := make(map[string]bool, len(terms))
	for _, t := range terms {
		known[t.TermID] = true
	}

	out := make([]models.Mention, 0, len(mentions))
	for _, m := range mentions {
		if !known[m.TermID] || m.Confidence < MinConfidence {
			continue
		}
		out = append(out, m)
	}
	return out
}

// MaterialPayload is the raw shape the model returns for material generation.
// Pointers distinguish a missing array from an empty one.
type MaterialPayload struct {
	Summary  *[]string         `json:"summary"`
	Terms    *[]models.Term    `json:"terms"`
	Mentions *[]models.Mention `json:"mentions"`
}

func (p MaterialPayload) Validate() error {
	switch {
	case p.Summary == nil:
		return errors.Join(ErrMalformedPayload, errors.New("summary array missing"))
	case p.Terms == nil:
		return errors.Join(ErrMalformedPayload, errors.New("terms array missing"))
	case p.Mentions == nil:
		return errors.Join(ErrMalformedPayload, errors.New("mentions array missing"))
	}
	return nil
}

// BuildMaterial runs a validated payload through filtering, offset
// reconciliation against source, and deduplication, in that order.
func BuildMaterial(source string, p MaterialPayload) models.Material {
	var summary []string
	if p.Summary != nil {
		for _, line := range *p.Summary {
			if line = strings.TrimSpace(line); line != "" {
				summary = append(summary, line)
			}
		}
	}

	var terms []models.Term
	if p.Terms != nil {
		terms = FilterTerms(*p.Terms)
	}

	var mentions []models.Mention
	if p.Mentions != nil {
		mentions = FilterMentions(*p.Mentions, terms)
	}
	mentions = ReconcileOffsets(source, mentions)
	mentions = DedupeMentions(mentions)

	if summary == nil {
		summary = []string{}
	}
	if terms == nil {
		terms = []models.Term{}
	}

	return models.Material{
		Summary:  summary,
		Terms:    terms,
		Mentions: mentions,
	}
}
