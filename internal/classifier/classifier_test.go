package classifier

import (
	"context"
	"errors"
	"testing"

	"github.com/ashureev/funnel-relay/internal/domain"
	"github.com/stretchr/testify/require"
)

func contactAt(step string, stage domain.Stage) *domain.Contact {
	c := &domain.Contact{Phone: "5511", Stage: stage}
	if step != "" {
		c.CurrentStepKey = &step
	}
	return c
}

func TestNormalize(t *testing.T) {
	require.Equal(t, "ola tudo bem", Normalize("  Olá,   TUDO bem?! "))
	require.Equal(t, "reclamacao", Normalize("Reclamação"))
	require.Equal(t, "", Normalize(" ...  "))
}

func TestKeywordClassifier(t *testing.T) {
	k := NewKeywordClassifier(DefaultRules())
	ctx := context.Background()

	tests := []struct {
		name    string
		text    string
		contact *domain.Contact
		want    Intent
	}{
		{"greeting new contact", "Oi", contactAt("", domain.StageLead), IntentGreeting},
		{"any text from new contact", "quanto custa", contactAt("", domain.StageLead), IntentGreeting},
		{"greeting prefix mid funnel", "Bom dia, tudo bem?", contactAt("problem", domain.StageLead), IntentGreeting},
		{"greeting word inside sentence is not a greeting", "acho que oi", contactAt("problem", domain.StageLead), IntentContinue},
		{"handoff keyword", "o pix deu erro", contactAt("problem", domain.StageLead), IntentHandoff},
		{"handoff beats greeting", "Olá, quero falar com um atendente", contactAt("", domain.StageLead), IntentHandoff},
		{"handoff with accents", "Quero fazer uma RECLAMAÇÃO", contactAt("decision", domain.StageLead), IntentHandoff},
		{"handoff reported while escalated", "atendente!", contactAt("problem", domain.StageHandoff), IntentHandoff},
		{"faq", "É pagamento na entrega?", contactAt("treatment", domain.StageLead), IntentFAQ},
		{"continue", "sim", contactAt("explanation", domain.StageLead), IntentContinue},
		{"nil contact", "tudo certo", nil, IntentGreeting},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, k.Classify(ctx, tt.text, tt.contact))
		})
	}
}

func TestRulesMerge(t *testing.T) {
	r := Rules{Handoff: []string{"socorro"}}.Merge(DefaultRules())
	require.Equal(t, []string{"socorro"}, r.Handoff)
	require.NotEmpty(t, r.FAQ)
	require.NotEmpty(t, r.Greetings)

	k := NewKeywordClassifier(r)
	require.Equal(t, IntentHandoff, k.Classify(context.Background(), "SOCORRO", contactAt("problem", domain.StageLead)))
	require.Equal(t, IntentContinue, k.Classify(context.Background(), "o pix deu erro", contactAt("problem", domain.StageLead)))
}

type stubModel struct {
	intent string
	err    error
	calls  int
}

func (s *stubModel) CompleteJSON(_ context.Context, _, _ string, out any) error {
	s.calls++
	if s.err != nil {
		return s.err
	}
	out.(*modelVerdict).Intent = s.intent
	return nil
}

func TestModelClassifier(t *testing.T) {
	ctx := context.Background()
	keywords := NewKeywordClassifier(DefaultRules())
	mid := contactAt("problem", domain.StageLead)

	t.Run("keyword handoff skips the model", func(t *testing.T) {
		model := &stubModel{intent: "continue"}
		c := NewModelClassifier(model, keywords, 0, nil)
		require.Equal(t, IntentHandoff, c.Classify(ctx, "o pix deu erro", mid))
		require.Zero(t, model.calls)
	})

	t.Run("payment difficulty escalates", func(t *testing.T) {
		model := &stubModel{intent: "payment_difficulty"}
		c := NewModelClassifier(model, keywords, 0, nil)
		require.Equal(t, IntentHandoff, c.Classify(ctx, "não consigo pagar agora", mid))
		require.Equal(t, 1, model.calls)
	})

	t.Run("other verdicts defer to keywords", func(t *testing.T) {
		model := &stubModel{intent: "question"}
		c := NewModelClassifier(model, keywords, 0, nil)
		require.Equal(t, IntentFAQ, c.Classify(ctx, "é pagamento na entrega?", mid))
		require.Equal(t, IntentContinue, c.Classify(ctx, "sim", mid))
	})

	t.Run("model failure falls back", func(t *testing.T) {
		model := &stubModel{err: errors.New("unavailable")}
		c := NewModelClassifier(model, keywords, 0, nil)
		require.Equal(t, IntentContinue, c.Classify(ctx, "sim", mid))
	})

	t.Run("empty text never reaches the model", func(t *testing.T) {
		model := &stubModel{intent: "handoff"}
		c := NewModelClassifier(model, keywords, 0, nil)
		require.Equal(t, IntentContinue, c.Classify(ctx, "", mid))
		require.Zero(t, model.calls)
	})
}
