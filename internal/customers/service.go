package customers

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/estimator-billing/pkg/db"
	"github.com/angelmondragon/estimator-billing/pkg/db/models"
	pkgerrors "github.com/angelmondragon/estimator-billing/pkg/errors"
	"github.com/angelmondragon/estimator-billing/pkg/logger"
)

// UpsertInput identifies the external customer seen on a provider object.
// OrgID may be uuid.Nil when the tenant is not yet known.
type UpsertInput struct {
	OrgID                uuid.UUID
	ExternalCustomerID   string
	BillingEmail         *string
	DefaultPaymentMethod *string
	// Rebind lets the org drop its current customer for ExternalCustomerID.
	// Without it the org keeps its current mapping and Upsert returns
	// ErrOrgHasOtherCustomer.
	Rebind bool
}

// ErrOrgHasOtherCustomer reports that the org already owns a different
// billing customer and the write was skipped.
var ErrOrgHasOtherCustomer = pkgerrors.New(pkgerrors.CodeConflict, "org already mapped to another billing customer")

// Directory maps orgs to their external billing customer.
type Directory struct {
	repo Repository
	logg *logger.Logger
}

// NewDirectory builds a customer directory.
func NewDirectory(repo Repository, logg *logger.Logger) (*Directory, error) {
	if repo == nil {
		return nil, fmt.Errorf("customer repository required")
	}
	return &Directory{repo: repo, logg: logg}, nil
}

// WithTx returns a directory whose writes join tx.
func (d *Directory) WithTx(tx *gorm.DB) *Directory {
	return &Directory{repo: d.repo.WithTx(tx), logg: d.logg}
}

// FindByExternalID returns the customer row for the external id, or nil.
func (d *Directory) FindByExternalID(ctx context.Context, externalCustomerID string) (*models.BillingCustomer, error) {
	customer, err := d.repo.FindByExternalID(ctx, strings.TrimSpace(externalCustomerID))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load billing customer")
	}
	return customer, nil
}

// FindByOrgID returns the customer row the org owns, or nil.
func (d *Directory) FindByOrgID(ctx context.Context, orgID uuid.UUID) (*models.BillingCustomer, error) {
	customer, err := d.repo.FindByOrgID(ctx, orgID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load org billing customer")
	}
	return customer, nil
}

// Upsert looks the customer up by external id, attaching orgID when the row is
// still unattached. An attached row is never moved to a different org. An org
// that already owns another customer is released from it only when
// input.Rebind is set.
func (d *Directory) Upsert(ctx context.Context, input UpsertInput) (*models.BillingCustomer, error) {
	externalID := strings.TrimSpace(input.ExternalCustomerID)
	if externalID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "external customer id is required")
	}

	existing, err := d.repo.FindByExternalID(ctx, externalID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load billing customer")
	}

	if existing == nil {
		if err := d.releaseOrg(ctx, input, externalID); err != nil {
			return nil, err
		}
		fresh := &models.BillingCustomer{
			ExternalCustomerID:   externalID,
			OrgID:                orgPtr(input.OrgID),
			BillingEmail:         trimmed(input.BillingEmail),
			DefaultPaymentMethod: trimmed(input.DefaultPaymentMethod),
		}
		inserted, err := d.repo.InsertIfAbsent(ctx, fresh)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert billing customer")
		}
		if inserted {
			return fresh, nil
		}

		// Lost the insert race to another writer.
		existing, err = d.repo.FindByExternalID(ctx, externalID)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload billing customer")
		}
		if existing == nil {
			d.conflict(ctx, input.OrgID, externalID, "org already mapped to another billing customer")
			return nil, pkgerrors.New(pkgerrors.CodeConflict, "org already mapped to another billing customer")
		}
	}

	changed := false
	switch {
	case input.OrgID == uuid.Nil:
	case existing.OrgID == nil:
		if err := d.releaseOrg(ctx, input, externalID); err != nil {
			return nil, err
		}
		existing.OrgID = orgPtr(input.OrgID)
		changed = true
	case *existing.OrgID != input.OrgID:
		d.conflict(ctx, input.OrgID, externalID, "billing customer attached to a different org")
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "billing customer attached to a different org").
			WithDetails(map[string]any{"external_customer_id": externalID})
	}

	if email := trimmed(input.BillingEmail); email != nil && !equalPtr(existing.BillingEmail, email) {
		existing.BillingEmail = email
		changed = true
	}
	if pm := trimmed(input.DefaultPaymentMethod); pm != nil && !equalPtr(existing.DefaultPaymentMethod, pm) {
		existing.DefaultPaymentMethod = pm
		changed = true
	}

	if !changed {
		return existing, nil
	}
	if err := d.repo.Update(ctx, existing); err != nil {
		if db.IsUniqueViolation(err, "") {
			d.conflict(ctx, input.OrgID, externalID, "org already mapped to another billing customer")
			return nil, pkgerrors.Wrap(pkgerrors.CodeConflict, err, "org already mapped to another billing customer")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update billing customer")
	}
	return existing, nil
}

// releaseOrg detaches the org from a different customer it already owns so
// externalID can take its place. The detached row is kept unowned.
func (d *Directory) releaseOrg(ctx context.Context, input UpsertInput, externalID string) error {
	if input.OrgID == uuid.Nil {
		return nil
	}
	owner, err := d.repo.FindByOrgID(ctx, input.OrgID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load org billing customer")
	}
	if owner == nil || owner.ExternalCustomerID == externalID {
		return nil
	}
	if !input.Rebind {
		d.conflict(ctx, input.OrgID, externalID, "org already mapped to another billing customer")
		return ErrOrgHasOtherCustomer
	}

	previous := owner.ExternalCustomerID
	owner.OrgID = nil
	if err := d.repo.Update(ctx, owner); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "release org billing customer")
	}
	if d.logg != nil {
		ctx = d.logg.WithFields(ctx, map[string]any{
			"org_id":                        input.OrgID.String(),
			"external_customer_id":          externalID,
			"previous_external_customer_id": previous,
		})
		d.logg.Info(ctx, "billing customer rebound")
	}
	return nil
}

func (d *Directory) conflict(ctx context.Context, orgID uuid.UUID, externalID, reason string) {
	if d.logg == nil {
		return
	}
	ctx = d.logg.WithFields(ctx, map[string]any{
		"org_id":               orgID.String(),
		"external_customer_id": externalID,
	})
	d.logg.Warn(ctx, "billing customer conflict: "+reason)
}

func orgPtr(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

func trimmed(value *string) *string {
	if value == nil {
		return nil
	}
	if v := strings.TrimSpace(*value); v != "" {
		return &v
	}
	return nil
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
