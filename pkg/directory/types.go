// Package directory holds the tenant, user, invitation, and identity
// provider records that login flows read and write.
package directory

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by directory lookups.
var (
	ErrTenantNotFound     = errors.New("tenant not found")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvitationNotFound = errors.New("invitation not found")
	ErrProviderNotFound   = errors.New("provider registration not found")
)

// ConflictError reports a uniqueness violation on create.
type ConflictError struct {
	Resource string
	Field    string
	Value    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s with %s %q already exists", e.Resource, e.Field, e.Value)
}

// IsConflict reports whether err wraps a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// Tenant is an isolated customer organization.
type Tenant struct {
	ID        string
	Name      string
	Domain    string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// User is a person within exactly one tenant. The same email may exist
// in multiple tenants as distinct users.
type User struct {
	ID         string
	TenantID   string
	Email      string
	GivenName  string
	FamilyName string
	Subject    string

	// PasswordHash is a placeholder for SSO-provisioned users; they
	// never authenticate with it.
	PasswordHash  string
	Active        bool
	EmailVerified bool
	LastLoginAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Invitation invites an email address into a tenant.
type Invitation struct {
	ID        string
	TenantID  string
	Email     string
	Status    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Invitation statuses.
const (
	InvitationPending  = "pending"
	InvitationAccepted = "accepted"
	InvitationExpired  = "expired"
)

// ProviderConfig is a per-tenant identity provider registration.
type ProviderConfig struct {
	ID            string
	TenantID      string
	Provider      string
	IssuerURL     string
	ClientID      string
	ClientSecret  string
	Scopes        []string
	Enabled       bool
	AutoProvision bool
	// EmailDomains lists the email domains that map to this tenant for
	// auto-provisioning.
	EmailDomains []string
}

// Tenants provides tenant lookups and creation.
type Tenants interface {
	GetTenant(ctx context.Context, id string) (*Tenant, error)
	GetTenantByName(ctx context.Context, name string) (*Tenant, error)
	CreateTenant(ctx context.Context, name, domain string) (*Tenant, error)
}

// Users provides user lookups and lifecycle operations.
type Users interface {
	GetUserByEmail(ctx context.Context, tenantID, email string) (*User, error)
	GetActiveUserByEmail(ctx context.Context, email string) (*User, error)
	HasUsers(ctx context.Context, tenantID string) (bool, error)
	CreateUser(ctx context.Context, user *User) error
	ReactivateUser(ctx context.Context, id string) error
	DeactivateUser(ctx context.Context, id string) error
	TouchLastLogin(ctx context.Context, id string) error
	MarkEmailVerified(ctx context.Context, id string) error
}

// Invitations provides invitation lookups and acceptance.
type Invitations interface {
	GetInvitation(ctx context.Context, id string) (*Invitation, error)
	GetAcceptableInvitation(ctx context.Context, id, email string) (*Invitation, error)
	MarkInvitationAccepted(ctx context.Context, id string) error
}

// Providers provides identity provider registration lookups.
type Providers interface {
	GetProviderConfig(ctx context.Context, tenantID, provider string) (*ProviderConfig, error)
	ListEnabledProviders(ctx context.Context, tenantID string) ([]*ProviderConfig, error)
	FindTenantByEmailDomain(ctx context.Context, emailDomain string) (*Tenant, error)
}

// Directory aggregates all directory operations.
type Directory interface {
	Tenants
	Users
	Invitations
	Providers
}
