// Package classifier maps resolved inbound text to a funnel decision.
package classifier

import (
	"context"
	"strings"
	"unicode"

	"github.com/ashureev/funnel-relay/internal/domain"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Intent is the decision category for one inbound event.
type Intent string

const (
	IntentHandoff  Intent = "handoff"
	IntentFAQ      Intent = "faq"
	IntentGreeting Intent = "greeting"
	IntentContinue Intent = "continue"
)

// Classifier decides the intent of resolved text for a contact.
type Classifier interface {
	Classify(ctx context.Context, text string, contact *domain.Contact) Intent
}

// Rules are the keyword vocabularies. Matching is done on normalized text.
type Rules struct {
	Handoff   []string
	FAQ       []string
	Greetings []string
}

// DefaultRules returns the built-in Portuguese vocabularies.
func DefaultRules() Rules {
	return Rules{
		Handoff: []string{
			"atendente", "humano", "pessoa real", "falar com alguem",
			"erro", "pix", "reclamacao", "cancelar", "golpe",
		},
		FAQ: []string{
			"pagamento na entrega", "paga na entrega", "pagar na entrega",
			"pago na entrega", "como pago",
		},
		Greetings: []string{
			"oi", "ola", "bom dia", "boa tarde", "boa noite", "quero saber mais",
		},
	}
}

// Merge fills empty vocabularies from fallback.
func (r Rules) Merge(fallback Rules) Rules {
	if len(r.Handoff) == 0 {
		r.Handoff = fallback.Handoff
	}
	if len(r.FAQ) == 0 {
		r.FAQ = fallback.FAQ
	}
	if len(r.Greetings) == 0 {
		r.Greetings = fallback.Greetings
	}
	return r
}

// KeywordClassifier evaluates an ordered rule list; the first match wins:
// handoff, faq, greeting, then continue.
type KeywordClassifier struct {
	handoff   []string
	faq       []string
	greetings []string
}

// NewKeywordClassifier creates a classifier from rules. Keywords are
// normalized the same way as inbound text.
func NewKeywordClassifier(rules Rules) *KeywordClassifier {
	return &KeywordClassifier{
		handoff:   normalizeAll(rules.Handoff),
		faq:       normalizeAll(rules.FAQ),
		greetings: normalizeAll(rules.Greetings),
	}
}

// Classify implements Classifier. It never consults contact.Stage: handoff is
// reported even for contacts already escalated, and the caller decides.
func (k *KeywordClassifier) Classify(_ context.Context, text string, contact *domain.Contact) Intent {
	normalized := Normalize(text)

	if k.MatchesHandoff(normalized) {
		return IntentHandoff
	}
	if containsAny(normalized, k.faq) {
		return IntentFAQ
	}
	if k.isGreeting(normalized) || contact == nil || !contact.Started() {
		return IntentGreeting
	}
	return IntentContinue
}

// MatchesHandoff reports whether normalized text contains a handoff keyword.
func (k *KeywordClassifier) MatchesHandoff(normalized string) bool {
	return containsAny(normalized, k.handoff)
}

func (k *KeywordClassifier) isGreeting(text string) bool {
	for _, g := range k.greetings {
		if text == g || strings.HasPrefix(text, g+" ") {
			return true
		}
	}
	return false
}

func containsAny(text string, keywords []string) bool {
	if text == "" {
		return false
	}
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// Normalize lowercases text, folds accents, replaces punctuation with spaces
// and collapses whitespace.
func Normalize(s string) string {
	folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(folded)
	folded = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, folded)
	return strings.Join(strings.Fields(folded), " ")
}

func normalizeAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if n := Normalize(s); n != "" {
			out = append(out, n)
		}
	}
	return out
}
