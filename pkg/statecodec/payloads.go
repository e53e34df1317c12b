package statecodec

// TenantRegistrationState is the flow cookie payload minted when SSO-based
// tenant self-registration starts. State is the anti-forgery token embedded
// in the cookie and injected into the provider authorization request.
type TenantRegistrationState struct {
	State        string `json:"s"`
	TenantName   string `json:"tenantName"`
	TenantDomain string `json:"tenantDomain"`
	Provider     string `json:"provider"`
	RedirectTo   string `json:"redirectTo,omitempty"`
	IssuedAt     int64  `json:"iat"`
	ExpiresAt    int64  `json:"exp"`
}

// ExpiresAtUnix implements Expiring.
func (p *TenantRegistrationState) ExpiresAtUnix() int64 { return p.ExpiresAt }

// InvitationState is the flow cookie payload minted when SSO-based
// invitation acceptance starts.
type InvitationState struct {
	State        string `json:"s"`
	InvitationID string `json:"invitationId"`
	SwitchTenant bool   `json:"switchTenant"`
	Provider     string `json:"provider"`
	RedirectTo   string `json:"redirectTo,omitempty"`
	IssuedAt     int64  `json:"iat"`
	ExpiresAt    int64  `json:"exp"`
}

// ExpiresAtUnix implements Expiring.
func (p *InvitationState) ExpiresAtUnix() int64 { return p.ExpiresAt }
