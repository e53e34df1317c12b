package flows

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gatehouse-id/gatehouse/pkg/directory"
)

// fakeDirectory is an in-memory directory for exercising flows.
type fakeDirectory struct {
	tenants     map[string]*directory.Tenant // by id
	users       map[string]*directory.User   // by id
	invitations map[string]*directory.Invitation
	providers   map[string]*directory.ProviderConfig // tenantID/provider

	createUserErr error // consumed by the next CreateUser call
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		tenants:     map[string]*directory.Tenant{},
		users:       map[string]*directory.User{},
		invitations: map[string]*directory.Invitation{},
		providers:   map[string]*directory.ProviderConfig{},
	}
}

func (f *fakeDirectory) addTenant(id, name, domain string) *directory.Tenant {
	t := &directory.Tenant{ID: id, Name: name, Domain: domain, Active: true}
	f.tenants[id] = t
	return t
}

func (f *fakeDirectory) addUser(id, tenantID, email string, active bool) *directory.User {
	u := &directory.User{ID: id, TenantID: tenantID, Email: email, Active: active}
	f.users[id] = u
	return u
}

func (f *fakeDirectory) GetTenant(ctx context.Context, id string) (*directory.Tenant, error) {
	if t, ok := f.tenants[id]; ok {
		return t, nil
	}
	return nil, directory.ErrTenantNotFound
}

func (f *fakeDirectory) GetTenantByName(ctx context.Context, name string) (*directory.Tenant, error) {
	for _, t := range f.tenants {
		if t.Name == name {
			return t, nil
		}
	}
	return nil, directory.ErrTenantNotFound
}

func (f *fakeDirectory) CreateTenant(ctx context.Context, name, domain string) (*directory.Tenant, error) {
	for _, t := range f.tenants {
		if t.Name == name || t.Domain == domain {
			return nil, &directory.ConflictError{Resource: "tenant", Field: "name or domain", Value: name}
		}
	}
	t := &directory.Tenant{ID: uuid.New().String(), Name: name, Domain: domain, Active: true}
	f.tenants[t.ID] = t
	return t, nil
}

func (f *fakeDirectory) GetUserByEmail(ctx context.Context, tenantID, email string) (*directory.User, error) {
	for _, u := range f.users {
		if u.TenantID == tenantID && strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return nil, directory.ErrUserNotFound
}

func (f *fakeDirectory) GetActiveUserByEmail(ctx context.Context, email string) (*directory.User, error) {
	for _, u := range f.users {
		if u.Active && strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return nil, directory.ErrUserNotFound
}

func (f *fakeDirectory) CreateUser(ctx context.Context, user *directory.User) error {
	if f.createUserErr != nil {
		err := f.createUserErr
		f.createUserErr = nil
		return err
	}
	for _, u := range f.users {
		if u.TenantID == user.TenantID && strings.EqualFold(u.Email, user.Email) {
			return &directory.ConflictError{Resource: "user", Field: "email", Value: user.Email}
		}
	}
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	f.users[user.ID] = user
	return nil
}

func (f *fakeDirectory) HasUsers(ctx context.Context, tenantID string) (bool, error) {
	for _, u := range f.users {
		if u.TenantID == tenantID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeDirectory) setActive(id string, active bool) error {
	u, ok := f.users[id]
	if !ok {
		return directory.ErrUserNotFound
	}
	u.Active = active
	return nil
}

func (f *fakeDirectory) ReactivateUser(ctx context.Context, id string) error {
	return f.setActive(id, true)
}

func (f *fakeDirectory) DeactivateUser(ctx context.Context, id string) error {
	return f.setActive(id, false)
}

func (f *fakeDirectory) TouchLastLogin(ctx context.Context, id string) error {
	u, ok := f.users[id]
	if !ok {
		return directory.ErrUserNotFound
	}
	now := time.Now()
	u.LastLoginAt = &now
	return nil
}

func (f *fakeDirectory) MarkEmailVerified(ctx context.Context, id string) error {
	u, ok := f.users[id]
	if !ok {
		return directory.ErrUserNotFound
	}
	u.EmailVerified = true
	return nil
}

func (f *fakeDirectory) GetInvitation(ctx context.Context, id string) (*directory.Invitation, error) {
	if inv, ok := f.invitations[id]; ok {
		return inv, nil
	}
	return nil, directory.ErrInvitationNotFound
}

func (f *fakeDirectory) GetAcceptableInvitation(ctx context.Context, id, email string) (*directory.Invitation, error) {
	inv, ok := f.invitations[id]
	if !ok || !strings.EqualFold(inv.Email, email) ||
		inv.Status != directory.InvitationPending || time.Now().After(inv.ExpiresAt) {
		return nil, directory.ErrInvitationNotFound
	}
	return inv, nil
}

func (f *fakeDirectory) MarkInvitationAccepted(ctx context.Context, id string) error {
	if inv, ok := f.invitations[id]; ok && inv.Status == directory.InvitationPending {
		inv.Status = directory.InvitationAccepted
	}
	return nil
}

func (f *fakeDirectory) GetProviderConfig(ctx context.Context, tenantID, provider string) (*directory.ProviderConfig, error) {
	if cfg, ok := f.providers[tenantID+"/"+provider]; ok {
		return cfg, nil
	}
	return nil, directory.ErrProviderNotFound
}

func (f *fakeDirectory) ListEnabledProviders(ctx context.Context, tenantID string) ([]*directory.ProviderConfig, error) {
	var out []*directory.ProviderConfig
	for _, cfg := range f.providers {
		if cfg.TenantID == tenantID && cfg.Enabled {
			out = append(out, cfg)
		}
	}
	return out, nil
}

func (f *fakeDirectory) FindTenantByEmailDomain(ctx context.Context, emailDomain string) (*directory.Tenant, error) {
	for _, cfg := range f.providers {
		if !cfg.Enabled || !cfg.AutoProvision {
			continue
		}
		for _, d := range cfg.EmailDomains {
			if strings.EqualFold(d, emailDomain) {
				return f.GetTenant(ctx, cfg.TenantID)
			}
		}
	}
	return nil, directory.ErrTenantNotFound
}
