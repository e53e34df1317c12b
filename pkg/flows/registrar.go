package flows

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/gatehouse-id/gatehouse/pkg/bff"
	"github.com/gatehouse-id/gatehouse/pkg/directory"
	"github.com/gatehouse-id/gatehouse/pkg/observability"
)

// ErrTenantConflict means the user is already active in a different
// tenant and the invitation did not ask to switch tenants.
var ErrTenantConflict = errors.New("user already active in another tenant")

// Registrar performs the directory mutations behind flow finalization.
// Both entry points are written to be idempotent so a retried
// finalization after a transient failure does not double-create.
type Registrar struct {
	dir    directory.Directory
	logger *observability.Logger
}

// NewRegistrar creates a registrar over the directory.
func NewRegistrar(dir directory.Directory, logger *observability.Logger) *Registrar {
	return &Registrar{dir: dir, logger: logger}
}

// passwordPlaceholder fills the password column for SSO-provisioned
// users. It is random and never told to anyone.
func passwordPlaceholder() string {
	b := make([]byte, 32)
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// RegisterTenant creates the tenant and its owner user. A retry after
// a partial failure converges: an existing tenant whose owner email
// matches the identity is treated as already registered.
func (r *Registrar) RegisterTenant(ctx context.Context, name, domain string, identity *bff.Identity) (*directory.Tenant, error) {
	given, family := resolveNames(identity)

	tenant, err := r.dir.CreateTenant(ctx, name, domain)
	if directory.IsConflict(err) {
		existing, lookupErr := r.dir.GetTenantByName(ctx, name)
		if lookupErr != nil {
			return nil, err
		}
		if _, userErr := r.dir.GetUserByEmail(ctx, existing.ID, identity.Email); userErr == nil {
			// Retried finalization of the same registration.
			return existing, nil
		}
		populated, popErr := r.dir.HasUsers(ctx, existing.ID)
		if popErr != nil || populated {
			return nil, err
		}
		// The earlier attempt created the tenant but failed before the
		// owner user; adopt it and finish provisioning.
		tenant = existing
	} else if err != nil {
		return nil, fmt.Errorf("failed to create tenant: %w", err)
	}

	owner := &directory.User{
		TenantID:      tenant.ID,
		Email:         identity.Email,
		GivenName:     given,
		FamilyName:    family,
		Subject:       identity.Subject,
		PasswordHash:  passwordPlaceholder(),
		Active:        true,
		EmailVerified: identity.EmailVerified,
	}
	if err := r.dir.CreateUser(ctx, owner); err != nil && !directory.IsConflict(err) {
		return nil, fmt.Errorf("failed to create owner user: %w", err)
	}

	r.logger.WithFields(map[string]interface{}{
		"tenant": tenant.ID,
		"domain": domain,
	}).Info("tenant registered via SSO")

	return tenant, nil
}

// AcceptInvitation registers the user under the invitation's tenant.
// An active user in another tenant blocks acceptance unless
// switchTenant is set, in which case the old record is deactivated.
func (r *Registrar) AcceptInvitation(ctx context.Context, inv *directory.Invitation, identity *bff.Identity, switchTenant bool) error {
	other, err := r.dir.GetActiveUserByEmail(ctx, identity.Email)
	if err != nil && !errors.Is(err, directory.ErrUserNotFound) {
		return fmt.Errorf("failed to check existing membership: %w", err)
	}
	if other != nil && other.TenantID != inv.TenantID {
		if !switchTenant {
			return ErrTenantConflict
		}
		if err := r.dir.DeactivateUser(ctx, other.ID); err != nil {
			return fmt.Errorf("failed to deactivate user in previous tenant: %w", err)
		}
	}

	existing, err := r.dir.GetUserByEmail(ctx, inv.TenantID, identity.Email)
	switch {
	case err == nil:
		if !existing.Active {
			if err := r.dir.ReactivateUser(ctx, existing.ID); err != nil {
				return fmt.Errorf("failed to reactivate user: %w", err)
			}
		}
	case errors.Is(err, directory.ErrUserNotFound):
		given, family := resolveNames(identity)
		user := &directory.User{
			TenantID:      inv.TenantID,
			Email:         identity.Email,
			GivenName:     given,
			FamilyName:    family,
			Subject:       identity.Subject,
			PasswordHash:  passwordPlaceholder(),
			Active:        true,
			EmailVerified: identity.EmailVerified,
		}
		if err := r.dir.CreateUser(ctx, user); err != nil && !directory.IsConflict(err) {
			return fmt.Errorf("failed to create invited user: %w", err)
		}
	default:
		return fmt.Errorf("failed to look up invited user: %w", err)
	}

	if err := r.dir.MarkInvitationAccepted(ctx, inv.ID); err != nil {
		return fmt.Errorf("failed to mark invitation accepted: %w", err)
	}

	r.logger.WithFields(map[string]interface{}{
		"tenant":     inv.TenantID,
		"invitation": inv.ID,
	}).Info("invitation accepted via SSO")

	return nil
}
