// Package orchestrator drives one inbound event through dedup, content
// resolution, classification and funnel progression.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/funnel-relay/internal/classifier"
	"github.com/ashureev/funnel-relay/internal/dispatch"
	"github.com/ashureev/funnel-relay/internal/domain"
	"github.com/ashureev/funnel-relay/internal/lock"
	"github.com/ashureev/funnel-relay/internal/metrics"
	"github.com/ashureev/funnel-relay/internal/store"
	"github.com/google/uuid"
)

// Action names what an event did.
type Action string

const (
	ActionDuplicate     Action = "duplicate"
	ActionHandoff       Action = "handoff"
	ActionHandoffActive Action = "handoff_active"
	ActionFAQ           Action = "faq"
	ActionReset         Action = "reset"
	ActionAdvance       Action = "advance"
	ActionEndOfFunnel   Action = "end_of_funnel"
	ActionNoop          Action = "noop"
)

// forgetTimeout bounds the rollback of a failed event's inbound entry.
const forgetTimeout = 5 * time.Second

// Outcome summarizes one handled event.
type Outcome struct {
	Action    Action            `json:"action"`
	ContactID string            `json:"contact_id,omitempty"`
	Intent    classifier.Intent `json:"intent,omitempty"`
	Steps     []string          `json:"steps,omitempty"`
	Sends     []dispatch.Result `json:"sends,omitempty"`
}

// ContentResolver turns an inbound message into classifiable text.
type ContentResolver interface {
	Resolve(ctx context.Context, msg domain.InboundMessage) string
}

// Graph is the funnel navigation surface.
type Graph interface {
	ResolveStart(ctx context.Context) (*domain.FunnelStep, error)
	ResolveNext(ctx context.Context, currentKey string) (*domain.FunnelStep, error)
	Follow(ctx context.Context, step *domain.FunnelStep) (*domain.FunnelStep, error)
	IsBurstEligible(step *domain.FunnelStep) bool
	MaxBurst() int
	HandoffContent() domain.Content
	FAQContent() domain.Content
}

// Dispatcher sends outbound content.
type Dispatcher interface {
	SendContent(ctx context.Context, to string, content domain.Content) []dispatch.Result
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Store      store.Repository
	Locker     lock.Locker
	Resolver   ContentResolver
	Classifier classifier.Classifier
	Graph      Graph
	Dispatcher Dispatcher
	Metrics    *metrics.Collector
	Logger     *slog.Logger
}

// Orchestrator handles inbound events. Events for the same phone are
// serialized; events for different phones run concurrently.
type Orchestrator struct {
	store      store.Repository
	locker     lock.Locker
	resolver   ContentResolver
	classifier classifier.Classifier
	graph      Graph
	dispatcher Dispatcher
	metrics    *metrics.Collector
	logger     *slog.Logger
	now        func() time.Time
}

// New creates an Orchestrator.
func New(deps Deps) *Orchestrator {
	if deps.Locker == nil {
		deps.Locker = lock.NewKeyedMutex()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Orchestrator{
		store:      deps.Store,
		locker:     deps.Locker,
		resolver:   deps.Resolver,
		classifier: deps.Classifier,
		graph:      deps.Graph,
		dispatcher: deps.Dispatcher,
		metrics:    deps.Metrics,
		logger:     deps.Logger.With("component", "orchestrator"),
		now:        time.Now,
	}
}

// Handle processes one inbound event. Only validation and storage failures
// are returned as errors; delivery and content failures degrade in place.
func (o *Orchestrator) Handle(ctx context.Context, msg domain.InboundMessage) (Outcome, error) {
	start := o.now()
	out, err := o.handle(ctx, msg)

	label := string(out.Action)
	if err != nil {
		label = "error"
	}
	o.metrics.ObserveEvent(string(msg.Kind), label, time.Since(start))
	return out, err
}

func (o *Orchestrator) handle(ctx context.Context, msg domain.InboundMessage) (Outcome, error) {
	if msg.ExternalID == "" || msg.From == "" {
		return Outcome{}, fmt.Errorf("%w: message id and sender are required", domain.ErrValidation)
	}

	release, err := o.locker.Acquire(ctx, msg.From)
	if err != nil {
		return Outcome{}, fmt.Errorf("lock contact %s: %w", msg.From, err)
	}
	defer release()

	logger := o.logger.With("phone", msg.From, "message_id", msg.ExternalID)

	seen, err := o.store.ExistsByExternalMessageID(ctx, msg.ExternalID)
	if err != nil {
		return Outcome{}, err
	}
	if seen {
		logger.Info("Duplicate delivery ignored")
		return Outcome{Action: ActionDuplicate}, nil
	}

	contact, err := o.findOrCreateContact(ctx, msg)
	if err != nil {
		return Outcome{}, err
	}
	logger = logger.With("contact_id", contact.ID)

	text := o.resolver.Resolve(ctx, msg)

	externalID := msg.ExternalID
	entryID := uuid.NewString()
	err = o.store.AppendConversationEntry(ctx, &domain.ConversationEntry{
		ID:                entryID,
		ContactID:         contact.ID,
		Sender:            domain.SenderUser,
		Text:              text,
		ExternalMessageID: &externalID,
		CreatedAt:         o.now(),
	})
	if errors.Is(err, domain.ErrDuplicateEvent) {
		logger.Info("Duplicate delivery ignored at insert")
		return Outcome{Action: ActionDuplicate, ContactID: contact.ID}, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	out, err := o.process(ctx, logger, msg, contact, text)
	if err != nil {
		o.forget(ctx, logger, entryID)
		return out, err
	}
	logger.Info("Event handled", "action", out.Action, "steps", out.Steps)
	return out, nil
}

// process runs the automation for an event whose inbound entry is recorded.
func (o *Orchestrator) process(ctx context.Context, logger *slog.Logger, msg domain.InboundMessage, contact *domain.Contact, text string) (Outcome, error) {
	if contact.InHandoff() {
		if err := o.touch(ctx, contact.ID); err != nil {
			return Outcome{}, err
		}
		logger.Info("Contact in handoff, automation skipped")
		return Outcome{Action: ActionHandoffActive, ContactID: contact.ID}, nil
	}

	intent := o.classifier.Classify(ctx, text, contact)
	o.metrics.ObserveIntent(string(intent))
	logger = logger.With("intent", intent)
	logger.Info("Inbound classified", "kind", msg.Kind, "raw_type", msg.RawType, "sent_at", msg.Timestamp, "step_key", contact.StepKey())

	out := Outcome{ContactID: contact.ID, Intent: intent}

	var err error
	switch {
	case intent == classifier.IntentHandoff:
		err = o.handoff(ctx, contact, &out)
	case intent == classifier.IntentFAQ:
		err = o.faq(ctx, contact, &out)
	case intent == classifier.IntentGreeting || !contact.Started():
		err = o.reset(ctx, logger, contact, &out)
	default:
		err = o.advance(ctx, logger, contact, &out)
	}
	return out, err
}

// forget removes the inbound entry of a failed event so that the provider's
// redelivery is processed instead of being dropped as a duplicate.
func (o *Orchestrator) forget(ctx context.Context, logger *slog.Logger, entryID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), forgetTimeout)
	defer cancel()
	if err := o.store.DeleteConversationEntry(ctx, entryID); err != nil {
		logger.Error("Failed to roll back inbound entry, redelivery will be dropped", "entry_id", entryID, "error", err)
	}
}

func (o *Orchestrator) findOrCreateContact(ctx context.Context, msg domain.InboundMessage) (*domain.Contact, error) {
	contact, err := o.store.FindContactByPhone(ctx, msg.From)
	if err != nil {
		return nil, err
	}
	if contact != nil {
		return contact, nil
	}
	now := o.now()
	return o.store.CreateContact(ctx, &domain.Contact{
		ID:                uuid.NewString(),
		Phone:             msg.From,
		Name:              msg.ProfileName,
		Stage:             domain.StageLead,
		LastInteractionAt: now,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
}

func (o *Orchestrator) handoff(ctx context.Context, contact *domain.Contact, out *Outcome) error {
	out.Action = ActionHandoff
	out.Sends = o.dispatcher.SendContent(ctx, contact.Phone, o.graph.HandoffContent())

	stage := domain.StageHandoff
	now := o.now()
	if err := o.store.UpdateContact(ctx, contact.ID, domain.ContactUpdate{Stage: &stage, LastInteractionAt: &now}); err != nil {
		return err
	}
	return o.appendSystem(ctx, contact.ID, "[handoff] "+describe(o.graph.HandoffContent()))
}

func (o *Orchestrator) faq(ctx context.Context, contact *domain.Contact, out *Outcome) error {
	out.Action = ActionFAQ
	out.Sends = o.dispatcher.SendContent(ctx, contact.Phone, o.graph.FAQContent())
	if err := o.touch(ctx, contact.ID); err != nil {
		return err
	}
	return o.appendSystem(ctx, contact.ID, "[faq] "+describe(o.graph.FAQContent()))
}

func (o *Orchestrator) reset(ctx context.Context, logger *slog.Logger, contact *domain.Contact, out *Outcome) error {
	out.Action = ActionReset
	step, err := o.graph.ResolveStart(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Error("No start step, nothing sent", "error", err)
		out.Action = ActionNoop
		return o.touch(ctx, contact.ID)
	}
	if err != nil {
		return err
	}
	return o.runSteps(ctx, logger, contact, step, true, out)
}

func (o *Orchestrator) advance(ctx context.Context, logger *slog.Logger, contact *domain.Contact, out *Outcome) error {
	out.Action = ActionAdvance
	step, err := o.graph.ResolveNext(ctx, contact.StepKey())
	if errors.Is(err, domain.ErrNotFound) {
		logger.Error("Next step missing, contact left in place", "step_key", contact.StepKey(), "error", err)
		out.Action = ActionNoop
		return o.touch(ctx, contact.ID)
	}
	if err != nil {
		return err
	}
	if step == nil {
		out.Action = ActionEndOfFunnel
		return o.touch(ctx, contact.ID)
	}
	return o.runSteps(ctx, logger, contact, step, false, out)
}

// runSteps executes step and then each burst-eligible successor, up to
// MaxBurst steps in total.
func (o *Orchestrator) runSteps(ctx context.Context, logger *slog.Logger, contact *domain.Contact, step *domain.FunnelStep, reset bool, out *Outcome) error {
	limit := o.graph.MaxBurst()
	defer func() { o.metrics.ObserveSteps(len(out.Steps)) }()

	for step != nil {
		out.Sends = append(out.Sends, o.dispatcher.SendContent(ctx, contact.Phone, step.Content)...)

		key := step.Key
		now := o.now()
		update := domain.ContactUpdate{CurrentStepKey: &key, LastInteractionAt: &now}
		if reset && len(out.Steps) == 0 {
			stage := domain.StageLead
			update.Stage = &stage
		}
		if err := o.store.UpdateContact(ctx, contact.ID, update); err != nil {
			return err
		}
		update.Apply(contact)
		out.Steps = append(out.Steps, key)

		if err := o.appendSystem(ctx, contact.ID, fmt.Sprintf("[%s] %s", key, describe(step.Content))); err != nil {
			return err
		}

		if len(out.Steps) >= limit {
			if step.Next() != "" {
				logger.Warn("Burst limit reached", "max_burst", limit, "step_key", key)
			}
			return nil
		}

		next, err := o.graph.Follow(ctx, step)
		if errors.Is(err, domain.ErrNotFound) {
			logger.Error("Dangling next pointer", "step_key", key, "error", err)
			return nil
		}
		if err != nil {
			return err
		}
		if !o.graph.IsBurstEligible(next) {
			return nil
		}
		step = next
	}
	return nil
}

func (o *Orchestrator) touch(ctx context.Context, contactID string) error {
	now := o.now()
	return o.store.UpdateContact(ctx, contactID, domain.ContactUpdate{LastInteractionAt: &now})
}

func (o *Orchestrator) appendSystem(ctx context.Context, contactID, text string) error {
	return o.store.AppendConversationEntry(ctx, &domain.ConversationEntry{
		ID:        uuid.NewString(),
		ContactID: contactID,
		Sender:    domain.SenderSystem,
		Text:      text,
		CreatedAt: o.now(),
	})
}

func describe(c domain.Content) string {
	switch {
	case c.HasText() && c.HasMedia():
		return c.TextResponse + " +" + string(c.Kind()) + ":" + c.MediaPath
	case c.HasMedia():
		return string(c.Kind()) + ":" + c.MediaPath
	default:
		return c.TextResponse
	}
}
