package auth

import "time"

type Role string

const (
	RoleOwner Role = "Owner"
	RoleInfra Role = "Infra"
	RoleUser  Role = "User"
)

func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleInfra, RoleUser:
		return true
	default:
		return false
	}
}

// Principal is a user scoped to a tenant, as returned by the directory.
type Principal struct {
	ID           string
	Tenant       string
	Username     string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Identity is the result of a successful Authorize. Tenant is empty when
// multi-tenancy is off.
type Identity struct {
	Subject string `json:"subject"`
	Tenant  string `json:"tenant,omitempty"`
	Role    Role   `json:"role"`
	TokenID string `json:"-"`
}

type Tokens struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	ExpiresIn        int64     `json:"expires_in"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// Owner keys the live refresh index by principal.
type Owner struct {
	Tenant  string
	Subject string
}

func (o Owner) String() string {
	if o.Tenant == "" {
		return o.Subject
	}
	return o.Tenant + "/" + o.Subject
}

type SweepResult struct {
	RevokedTokens   int `json:"revoked_tokens"`
	LiveRefresh     int `json:"live_refresh_tokens"`
	FailureCounters int `json:"failure_counters"`
	AuditEvents     int `json:"audit_events,omitempty"`
}
