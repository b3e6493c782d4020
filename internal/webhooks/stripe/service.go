package stripewebhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v84"
	"go.uber.org/multierr"

	"github.com/angelmondragon/estimator-billing/internal/ledger"
	"github.com/angelmondragon/estimator-billing/internal/reconciliation"
	"github.com/angelmondragon/estimator-billing/pkg/enums"
	pkgerrors "github.com/angelmondragon/estimator-billing/pkg/errors"
	"github.com/angelmondragon/estimator-billing/pkg/logger"
)

// EventRouter reconciles a verified event.
type EventRouter interface {
	HandleEvent(ctx context.Context, flow enums.ReconcileFlow, event stripe.Event) (reconciliation.Result, error)
}

type ServiceParams struct {
	Verifier *Verifier
	Ledger   ledger.Service
	Router   EventRouter
	Logger   *logger.Logger
}

// IngestResult describes how one delivery was handled.
type IngestResult struct {
	Outcome   enums.WebhookOutcome
	EventID   string
	EventType string
	AuditID   string
}

// Service accepts provider deliveries: verify, ledger, reconcile.
type Service struct {
	verifier *Verifier
	ledger   ledger.Service
	router   EventRouter
	logg     *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Ledger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "event ledger required")
	}
	if params.Router == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "reconciliation router required")
	}
	return &Service{
		verifier: params.Verifier,
		ledger:   params.Ledger,
		router:   params.Router,
		logg:     params.Logger,
	}, nil
}

// Ingest handles one raw delivery. Only signature failures, malformed bodies,
// missing configuration and ledger write failures return an error; anything
// that goes wrong after the event is ledgered is recorded on its row instead.
func (s *Service) Ingest(ctx context.Context, payload []byte, signatureHeader string) (IngestResult, error) {
	ctx = s.withFlow(ctx, enums.ReconcileFlowWebhook)

	event, err := s.verifier.Verify(payload, signatureHeader)
	if err != nil {
		return s.rejected(ctx, payload, err)
	}

	result := IngestResult{EventID: event.ID, EventType: string(event.Type)}
	if s.logg != nil {
		ctx = s.logg.WithEvent(ctx, result.EventID, result.EventType)
	}

	recorded, err := s.ledger.RecordIfNew(ctx, ledger.RecordInput{
		EventID:        event.ID,
		EventType:      string(event.Type),
		SignatureValid: true,
		OrgRef:         orgRefFromPayload(event),
		Payload:        payload,
	})
	if err != nil {
		s.logError(ctx, "ledger write failed", err)
		return result, err
	}
	if !recorded.IsNew {
		result.Outcome = enums.WebhookOutcomeDuplicate
		s.info(ctx, "duplicate stripe event")
		return result, nil
	}

	result.Outcome = s.dispatch(ctx, enums.ReconcileFlowWebhook, event)
	return result, nil
}

// Replay re-dispatches a ledgered event without the dedupe check and bumps its
// retry counter.
func (s *Service) Replay(ctx context.Context, eventID string) (IngestResult, error) {
	ctx = s.withFlow(ctx, enums.ReconcileFlowReplay)

	entry, err := s.ledger.Find(ctx, eventID)
	if err != nil {
		return IngestResult{EventID: eventID}, err
	}
	result := IngestResult{EventID: entry.ExternalEventID, EventType: entry.EventType}
	if s.logg != nil {
		ctx = s.logg.WithEvent(ctx, result.EventID, result.EventType)
	}

	var event stripe.Event
	if err := json.Unmarshal([]byte(entry.RawPayload), &event); err != nil || event.Data == nil {
		return result, pkgerrors.New(pkgerrors.CodeMalformedEvent, "ledgered payload cannot be decoded")
	}
	if err := s.ledger.IncrementRetries(ctx, eventID); err != nil {
		return result, err
	}

	result.Outcome = s.dispatch(ctx, enums.ReconcileFlowReplay, event)
	return result, nil
}

// ReplayPending replays up to limit ledgered events that never settled, oldest
// first. A replay that cannot start is collected and the rest still run.
func (s *Service) ReplayPending(ctx context.Context, limit int) ([]IngestResult, error) {
	entries, err := s.ledger.ListPending(ctx, limit)
	if err != nil {
		return nil, err
	}
	results := make([]IngestResult, 0, len(entries))
	var errs error
	for _, entry := range entries {
		res, err := s.Replay(ctx, entry.ExternalEventID)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("replay %s: %w", entry.ExternalEventID, err))
			continue
		}
		results = append(results, res)
	}
	return results, errs
}

// dispatch runs the router and settles the ledger row.
func (s *Service) dispatch(ctx context.Context, flow enums.ReconcileFlow, event stripe.Event) enums.WebhookOutcome {
	res, err := s.router.HandleEvent(ctx, flow, event)
	if err != nil {
		s.logError(ctx, "stripe event handler failed", err)
		if noteErr := s.ledger.AnnotateFailure(ctx, event.ID, err); noteErr != nil {
			s.logError(ctx, "annotate ledger row failed", noteErr)
		}
		return enums.WebhookOutcomeHandlerError
	}

	if err := s.ledger.MarkProcessed(ctx, event.ID); err != nil {
		s.logError(ctx, "mark ledger row processed failed", err)
	}
	if res.Ignored {
		return enums.WebhookOutcomeIgnored
	}
	s.info(ctx, "stripe event processed")
	return enums.WebhookOutcomeProcessed
}

func (s *Service) rejected(ctx context.Context, payload []byte, err error) (IngestResult, error) {
	var sigErr *SignatureError
	var malformed *MalformedEventError
	switch {
	case errors.As(err, &sigErr):
		if s.logg != nil {
			s.logg.Warn(s.logg.WithField(ctx, "audit_id", sigErr.AuditID), "stripe signature rejected")
		}
		return IngestResult{Outcome: enums.WebhookOutcomeInvalidSignature, AuditID: sigErr.AuditID},
			pkgerrors.Wrap(pkgerrors.CodeInvalidSignature, err, "stripe signature rejected")
	case errors.As(err, &malformed):
		if s.logg != nil {
			s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
				"audit_id": AuditID(payload),
				"reason":   malformed.Reason,
			}), "stripe event malformed")
		}
		return IngestResult{Outcome: enums.WebhookOutcomeMalformed, AuditID: AuditID(payload)},
			pkgerrors.Wrap(pkgerrors.CodeMalformedEvent, err, "stripe event malformed")
	default:
		s.logError(ctx, "stripe webhook misconfigured", err)
		return IngestResult{Outcome: enums.WebhookOutcomeMisconfigured}, err
	}
}

// orgRefFromPayload reads the unverified org id the object carries, if any.
func orgRefFromPayload(event stripe.Event) string {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return ""
	}
	var object struct {
		Metadata          map[string]string `json:"metadata"`
		ClientReferenceID string            `json:"client_reference_id"`
	}
	if err := json.Unmarshal(event.Data.Raw, &object); err != nil {
		return ""
	}
	if ref := strings.TrimSpace(object.Metadata["org_id"]); ref != "" {
		return ref
	}
	return strings.TrimSpace(object.ClientReferenceID)
}

func (s *Service) withFlow(ctx context.Context, flow enums.ReconcileFlow) context.Context {
	if s.logg == nil {
		return ctx
	}
	return s.logg.WithFlow(ctx, flow.String())
}

func (s *Service) info(ctx context.Context, msg string) {
	if s.logg != nil {
		s.logg.Info(ctx, msg)
	}
}

func (s *Service) logError(ctx context.Context, msg string, err error) {
	if s.logg != nil {
		s.logg.Error(ctx, msg, err)
	}
}
