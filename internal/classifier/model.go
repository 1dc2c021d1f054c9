package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/funnel-relay/internal/domain"
)

// ChatCompleter asks a chat model for a JSON object and decodes it into out.
type ChatCompleter interface {
	CompleteJSON(ctx context.Context, systemPrompt, userPrompt string, out any) error
}

const modelSystemPrompt = `Você classifica mensagens de clientes num funil de vendas pelo WhatsApp.
Responda apenas com JSON no formato {"intent": "<valor>"}.
Valores possíveis: continue, question, objection, handoff, payment_difficulty.
Se o cliente pedir para falar com atendente ou demonstrar irritação, use "handoff".
Se o cliente relatar problema para pagar, use "payment_difficulty".`

type modelVerdict struct {
	Intent string `json:"intent"`
}

// ModelClassifier asks a chat model whether a message needs a human. Keyword
// handoff is always evaluated first, and every non-escalation verdict or model
// failure defers to the keyword rules.
type ModelClassifier struct {
	model    ChatCompleter
	keywords *KeywordClassifier
	timeout  time.Duration
	logger   *slog.Logger
}

// NewModelClassifier creates a model-backed classifier.
func NewModelClassifier(model ChatCompleter, keywords *KeywordClassifier, timeout time.Duration, logger *slog.Logger) *ModelClassifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ModelClassifier{
		model:    model,
		keywords: keywords,
		timeout:  timeout,
		logger:   logger.With("component", "classifier"),
	}
}

// Classify implements Classifier.
func (m *ModelClassifier) Classify(ctx context.Context, text string, contact *domain.Contact) Intent {
	if m.keywords.MatchesHandoff(Normalize(text)) {
		return IntentHandoff
	}
	if strings.TrimSpace(text) == "" {
		return m.keywords.Classify(ctx, text, contact)
	}

	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var verdict modelVerdict
	prompt := fmt.Sprintf("Etapa atual: %s\nMensagem: %s", stepLabel(contact), text)
	if err := m.model.CompleteJSON(callCtx, modelSystemPrompt, prompt, &verdict); err != nil {
		m.logger.Warn("model classification failed, using keyword rules", "error", err)
		return m.keywords.Classify(ctx, text, contact)
	}

	switch strings.ToLower(strings.TrimSpace(verdict.Intent)) {
	case "handoff", "payment_difficulty":
		return IntentHandoff
	default:
		return m.keywords.Classify(ctx, text, contact)
	}
}

func stepLabel(contact *domain.Contact) string {
	if contact == nil || !contact.Started() {
		return "nenhuma"
	}
	return contact.StepKey()
}
