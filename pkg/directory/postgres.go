package directory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresDirectory implements Directory on PostgreSQL.
type PostgresDirectory struct {
	db *sql.DB
}

// NewPostgresDirectory creates a directory backed by an open database handle.
func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, url string, maxOpen, maxIdle int, timeout time.Duration) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return db, nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique
// constraint violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}

func (d *PostgresDirectory) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	query := `
		SELECT id, name, domain, active, created_at, updated_at
		FROM tenants
		WHERE id = $1
	`

	tenant := &Tenant{}
	err := d.db.QueryRowContext(ctx, query, id).Scan(
		&tenant.ID,
		&tenant.Name,
		&tenant.Domain,
		&tenant.Active,
		&tenant.CreatedAt,
		&tenant.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrTenantNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}

	return tenant, nil
}

func (d *PostgresDirectory) GetTenantByName(ctx context.Context, name string) (*Tenant, error) {
	query := `
		SELECT id, name, domain, active, created_at, updated_at
		FROM tenants
		WHERE name = $1
	`

	tenant := &Tenant{}
	err := d.db.QueryRowContext(ctx, query, name).Scan(
		&tenant.ID,
		&tenant.Name,
		&tenant.Domain,
		&tenant.Active,
		&tenant.CreatedAt,
		&tenant.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrTenantNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get tenant by name: %w", err)
	}

	return tenant, nil
}

func (d *PostgresDirectory) CreateTenant(ctx context.Context, name, domain string) (*Tenant, error) {
	query := `
		INSERT INTO tenants (id, name, domain, active)
		VALUES ($1, $2, $3, true)
		RETURNING created_at, updated_at
	`

	tenant := &Tenant{
		ID:     uuid.New().String(),
		Name:   name,
		Domain: domain,
		Active: true,
	}
	err := d.db.QueryRowContext(ctx, query, tenant.ID, name, domain).Scan(
		&tenant.CreatedAt,
		&tenant.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return nil, &ConflictError{Resource: "tenant", Field: "name or domain", Value: name}
	} else if err != nil {
		return nil, fmt.Errorf("failed to create tenant: %w", err)
	}

	return tenant, nil
}

func (d *PostgresDirectory) GetUserByEmail(ctx context.Context, tenantID, email string) (*User, error) {
	query := `
		SELECT id, tenant_id, email, given_name, family_name, subject,
		       active, email_verified, last_login_at, created_at, updated_at
		FROM users
		WHERE tenant_id = $1 AND lower(email) = lower($2)
	`

	user := &User{}
	err := d.db.QueryRowContext(ctx, query, tenantID, email).Scan(
		&user.ID,
		&user.TenantID,
		&user.Email,
		&user.GivenName,
		&user.FamilyName,
		&user.Subject,
		&user.Active,
		&user.EmailVerified,
		&user.LastLoginAt,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get user by email: %w", err)
	}

	return user, nil
}

// GetActiveUserByEmail finds an active user with the email in any
// tenant. Used to detect cross-tenant membership before an invitation
// is accepted.
func (d *PostgresDirectory) GetActiveUserByEmail(ctx context.Context, email string) (*User, error) {
	query := `
		SELECT id, tenant_id, email, given_name, family_name, subject,
		       active, email_verified, last_login_at, created_at, updated_at
		FROM users
		WHERE lower(email) = lower($1) AND active = true
		ORDER BY created_at
		LIMIT 1
	`

	user := &User{}
	err := d.db.QueryRowContext(ctx, query, email).Scan(
		&user.ID,
		&user.TenantID,
		&user.Email,
		&user.GivenName,
		&user.FamilyName,
		&user.Subject,
		&user.Active,
		&user.EmailVerified,
		&user.LastLoginAt,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get active user by email: %w", err)
	}

	return user, nil
}

// HasUsers reports whether any user record exists under the tenant. A
// tenant without users is a registration that failed before its owner
// was created and may be re-claimed.
func (d *PostgresDirectory) HasUsers(ctx context.Context, tenantID string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM users WHERE tenant_id = $1)`

	var exists bool
	if err := d.db.QueryRowContext(ctx, query, tenantID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check tenant users: %w", err)
	}

	return exists, nil
}

func (d *PostgresDirectory) CreateUser(ctx context.Context, user *User) error {
	query := `
		INSERT INTO users (id, tenant_id, email, given_name, family_name,
		                   subject, password_hash, active, email_verified)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`

	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	err := d.db.QueryRowContext(ctx, query,
		user.ID,
		user.TenantID,
		user.Email,
		user.GivenName,
		user.FamilyName,
		user.Subject,
		user.PasswordHash,
		user.Active,
		user.EmailVerified,
	).Scan(&user.CreatedAt, &user.UpdatedAt)
	if isUniqueViolation(err) {
		return &ConflictError{Resource: "user", Field: "email", Value: user.Email}
	} else if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}

func (d *PostgresDirectory) ReactivateUser(ctx context.Context, id string) error {
	return d.setUserActive(ctx, id, true)
}

func (d *PostgresDirectory) DeactivateUser(ctx context.Context, id string) error {
	return d.setUserActive(ctx, id, false)
}

func (d *PostgresDirectory) setUserActive(ctx context.Context, id string, active bool) error {
	query := `
		UPDATE users SET active = $2, updated_at = now()
		WHERE id = $1
	`

	result, err := d.db.ExecContext(ctx, query, id, active)
	if err != nil {
		return fmt.Errorf("failed to update user active state: %w", err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return ErrUserNotFound
	}

	return nil
}

func (d *PostgresDirectory) TouchLastLogin(ctx context.Context, id string) error {
	query := `
		UPDATE users SET last_login_at = now(), updated_at = now()
		WHERE id = $1
	`

	result, err := d.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to touch last login: %w", err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return ErrUserNotFound
	}

	return nil
}

func (d *PostgresDirectory) MarkEmailVerified(ctx context.Context, id string) error {
	query := `
		UPDATE users SET email_verified = true, updated_at = now()
		WHERE id = $1
	`

	result, err := d.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to mark email verified: %w", err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return ErrUserNotFound
	}

	return nil
}

func (d *PostgresDirectory) GetInvitation(ctx context.Context, id string) (*Invitation, error) {
	query := `
		SELECT id, tenant_id, email, status, expires_at, created_at
		FROM invitations
		WHERE id = $1
	`

	inv := &Invitation{}
	err := d.db.QueryRowContext(ctx, query, id).Scan(
		&inv.ID,
		&inv.TenantID,
		&inv.Email,
		&inv.Status,
		&inv.ExpiresAt,
		&inv.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrInvitationNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get invitation: %w", err)
	}

	return inv, nil
}

// GetAcceptableInvitation returns the invitation only when it is
// pending, unexpired, and addressed to email.
func (d *PostgresDirectory) GetAcceptableInvitation(ctx context.Context, id, email string) (*Invitation, error) {
	query := `
		SELECT id, tenant_id, email, status, expires_at, created_at
		FROM invitations
		WHERE id = $1 AND lower(email) = lower($2)
		      AND status = $3 AND expires_at > now()
	`

	inv := &Invitation{}
	err := d.db.QueryRowContext(ctx, query, id, email, InvitationPending).Scan(
		&inv.ID,
		&inv.TenantID,
		&inv.Email,
		&inv.Status,
		&inv.ExpiresAt,
		&inv.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrInvitationNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get invitation: %w", err)
	}

	return inv, nil
}

// MarkInvitationAccepted flips a pending invitation to accepted. The
// status guard makes repeated finalization of the same flow a no-op.
func (d *PostgresDirectory) MarkInvitationAccepted(ctx context.Context, id string) error {
	query := `
		UPDATE invitations SET status = $2, accepted_at = now()
		WHERE id = $1 AND status = $3
	`

	if _, err := d.db.ExecContext(ctx, query, id, InvitationAccepted, InvitationPending); err != nil {
		return fmt.Errorf("failed to mark invitation accepted: %w", err)
	}

	return nil
}

func (d *PostgresDirectory) GetProviderConfig(ctx context.Context, tenantID, provider string) (*ProviderConfig, error) {
	query := `
		SELECT id, tenant_id, provider, issuer_url, client_id, client_secret,
		       scopes, enabled, auto_provision, email_domains
		FROM provider_configs
		WHERE tenant_id = $1 AND provider = $2 AND enabled = true
	`

	cfg := &ProviderConfig{}
	err := d.db.QueryRowContext(ctx, query, tenantID, provider).Scan(
		&cfg.ID,
		&cfg.TenantID,
		&cfg.Provider,
		&cfg.IssuerURL,
		&cfg.ClientID,
		&cfg.ClientSecret,
		pq.Array(&cfg.Scopes),
		&cfg.Enabled,
		&cfg.AutoProvision,
		pq.Array(&cfg.EmailDomains),
	)
	if err == sql.ErrNoRows {
		return nil, ErrProviderNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get provider config: %w", err)
	}

	return cfg, nil
}

func (d *PostgresDirectory) ListEnabledProviders(ctx context.Context, tenantID string) ([]*ProviderConfig, error) {
	query := `
		SELECT id, tenant_id, provider, issuer_url, client_id, client_secret,
		       scopes, enabled, auto_provision, email_domains
		FROM provider_configs
		WHERE tenant_id = $1 AND enabled = true
		ORDER BY provider
	`

	rows, err := d.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	defer rows.Close()

	var configs []*ProviderConfig
	for rows.Next() {
		cfg := &ProviderConfig{}
		if err := rows.Scan(
			&cfg.ID,
			&cfg.TenantID,
			&cfg.Provider,
			&cfg.IssuerURL,
			&cfg.ClientID,
			&cfg.ClientSecret,
			pq.Array(&cfg.Scopes),
			&cfg.Enabled,
			&cfg.AutoProvision,
			pq.Array(&cfg.EmailDomains),
		); err != nil {
			return nil, fmt.Errorf("failed to scan provider config: %w", err)
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate providers: %w", err)
	}

	return configs, nil
}

// FindTenantByEmailDomain locates the tenant whose auto-provisioning
// provider claims emailDomain.
func (d *PostgresDirectory) FindTenantByEmailDomain(ctx context.Context, emailDomain string) (*Tenant, error) {
	query := `
		SELECT t.id, t.name, t.domain, t.active, t.created_at, t.updated_at
		FROM tenants t
		JOIN provider_configs p ON p.tenant_id = t.id
		WHERE p.enabled = true AND p.auto_provision = true
		      AND $1 = ANY(p.email_domains)
		      AND t.active = true
		LIMIT 1
	`

	tenant := &Tenant{}
	err := d.db.QueryRowContext(ctx, query, emailDomain).Scan(
		&tenant.ID,
		&tenant.Name,
		&tenant.Domain,
		&tenant.Active,
		&tenant.CreatedAt,
		&tenant.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrTenantNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to find tenant by email domain: %w", err)
	}

	return tenant, nil
}
