package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"gorm.io/datatypes"

	"github.com/angelmondragon/estimator-billing/pkg/db/models"
	pkgerrors "github.com/angelmondragon/estimator-billing/pkg/errors"
)

// MaxNoteLength bounds the notes column.
const MaxNoteLength = 255

// noteSeparator joins successive failure notes on one row.
const noteSeparator = " | "

// RecordInput captures an inbound event as received.
type RecordInput struct {
	EventID        string
	EventType      string
	SignatureValid bool
	OrgRef         string
	Payload        []byte
}

// RecordResult reports whether the event was seen for the first time.
type RecordResult struct {
	IsNew bool
	Entry *models.BillingEventLog
}

// Service is the idempotency ledger for provider events.
type Service interface {
	RecordIfNew(ctx context.Context, input RecordInput) (RecordResult, error)
	MarkProcessed(ctx context.Context, eventID string) error
	AnnotateFailure(ctx context.Context, eventID string, cause error) error
	Find(ctx context.Context, eventID string) (*models.BillingEventLog, error)
	ListPending(ctx context.Context, limit int) ([]models.BillingEventLog, error)
	IncrementRetries(ctx context.Context, eventID string) error
}

type service struct {
	repo Repository
	now  func() time.Time
}

// NewService wires a ledger service with the provided repository.
func NewService(repo Repository) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	return &service{repo: repo, now: time.Now}, nil
}

// RecordIfNew inserts the event row in one statement guarded by the unique
// external_event_id constraint. A concurrent or repeated delivery gets IsNew=false.
func (s *service) RecordIfNew(ctx context.Context, input RecordInput) (RecordResult, error) {
	eventID := strings.TrimSpace(input.EventID)
	if eventID == "" {
		return RecordResult{}, pkgerrors.New(pkgerrors.CodeValidation, "event id is required")
	}
	if strings.TrimSpace(input.EventType) == "" {
		return RecordResult{}, pkgerrors.New(pkgerrors.CodeValidation, "event type is required")
	}

	payload := input.Payload
	if len(payload) == 0 || !json.Valid(payload) {
		payload = []byte("{}")
	}

	entry := &models.BillingEventLog{
		ExternalEventID: eventID,
		EventType:       input.EventType,
		SignatureValid:  input.SignatureValid,
		OrgRef:          optional(input.OrgRef),
		RawPayload:      datatypes.JSON(payload),
	}

	inserted, err := s.repo.InsertIfAbsent(ctx, entry)
	if err != nil {
		return RecordResult{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record billing event")
	}
	if !inserted {
		return RecordResult{IsNew: false}, nil
	}
	return RecordResult{IsNew: true, Entry: entry}, nil
}

func (s *service) MarkProcessed(ctx context.Context, eventID string) error {
	if err := s.repo.MarkProcessed(ctx, eventID, s.now().UTC()); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark billing event processed")
	}
	return nil
}

// AnnotateFailure appends the handler failure marker to the event row's notes.
// The first failure recorded on the row is never dropped.
func (s *service) AnnotateFailure(ctx context.Context, eventID string, cause error) error {
	entry, err := s.repo.FindByExternalID(ctx, eventID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load billing event")
	}
	if entry == nil {
		return pkgerrors.New(pkgerrors.CodeNotFound, "billing event not found")
	}
	if err := s.repo.SetNote(ctx, eventID, AppendNote(entry.Notes, HandlerNote(cause))); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "annotate billing event")
	}
	return nil
}

func (s *service) Find(ctx context.Context, eventID string) (*models.BillingEventLog, error) {
	entry, err := s.repo.FindByExternalID(ctx, eventID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load billing event")
	}
	if entry == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "billing event not found")
	}
	return entry, nil
}

func (s *service) ListPending(ctx context.Context, limit int) ([]models.BillingEventLog, error) {
	entries, err := s.repo.ListPending(ctx, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list pending billing events")
	}
	return entries, nil
}

func (s *service) IncrementRetries(ctx context.Context, eventID string) error {
	if err := s.repo.IncrementRetries(ctx, eventID); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "increment billing event retries")
	}
	return nil
}

// HandlerNote renders err as "handler_error:<code>:<message>", cut to MaxNoteLength.
func HandlerNote(err error) string {
	code := pkgerrors.CodeOf(err)
	msg := "unknown"
	if typed := pkgerrors.As(err); typed != nil {
		msg = typed.Message()
		if cause := typed.Unwrap(); cause != nil {
			msg += ": " + cause.Error()
		}
	} else if err != nil {
		msg = err.Error()
	}
	return truncate(fmt.Sprintf("handler_error:%s:%s", code, msg), MaxNoteLength)
}

// AppendNote joins note onto existing within MaxNoteLength. When the row is
// full, the middle notes go first, then the tail of the first note. A note
// equal to the latest one is not repeated.
func AppendNote(existing *string, note string) string {
	if existing == nil || strings.TrimSpace(*existing) == "" {
		return truncate(note, MaxNoteLength)
	}
	prev := *existing
	if prev == note || strings.HasSuffix(prev, noteSeparator+note) {
		return prev
	}
	if combined := prev + noteSeparator + note; len(combined) <= MaxNoteLength {
		return combined
	}

	first := strings.SplitN(prev, noteSeparator, 2)[0]
	room := MaxNoteLength - len(noteSeparator)
	firstRoom := room - len(note)
	if firstRoom < room/2 {
		firstRoom = min(len(first), room/2)
	}
	first = truncate(first, firstRoom)
	return first + noteSeparator + truncate(note, room-len(first))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	s = s[:max]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

func optional(value string) *string {
	if v := strings.TrimSpace(value); v != "" {
		return &v
	}
	return nil
}
