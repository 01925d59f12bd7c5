package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"session-auth/internal/audit"
	"session-auth/internal/token"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
)

// Service is the session orchestrator. All shared state lives in the injected
// Ledger and Guard, so independent Services never observe each other.
type Service struct {
	directory Directory
	codec     *token.Codec
	ledger    Ledger
	guard     Guard
	hasher    PasswordHasher
	events    audit.Emitter
	now       func() time.Time

	accessTTL            time.Duration
	refreshTTL           time.Duration
	multiTenant          bool
	revokeFamilyOnReplay bool
}

func NewService(directory Directory, codec *token.Codec, ledger Ledger, guard Guard) *Service {
	return &Service{
		directory:  directory,
		codec:      codec,
		ledger:     ledger,
		guard:      guard,
		hasher:     NewBcryptHasher(),
		events:     audit.Discard{},
		now:        func() time.Time { return time.Now().UTC() },
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
	}
}

// WithSecurityConfig sets the access and refresh token lifetimes. Non-positive
// values keep the defaults.
func (s *Service) WithSecurityConfig(accessTTL time.Duration, refreshTTL time.Duration) {
	if accessTTL > 0 {
		s.accessTTL = accessTTL
	}
	if refreshTTL > 0 {
		s.refreshTTL = refreshTTL
	}
}

// WithHasher replaces the bcrypt hasher used to verify passwords.
func (s *Service) WithHasher(hasher PasswordHasher) {
	if hasher != nil {
		s.hasher = hasher
	}
}

// WithEvents sets where audit events go. Events are dropped by default.
func (s *Service) WithEvents(events audit.Emitter) {
	if events != nil {
		s.events = events
	}
}

// WithClock overrides the time source used for issuance, expiry and lockout.
func (s *Service) WithClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithMultiTenant makes a tenant mandatory on login and in every token.
func (s *Service) WithMultiTenant(enabled bool) {
	s.multiTenant = enabled
}

// WithRevokeFamilyOnReplay makes a detected refresh replay also revoke every
// live refresh token of the owner.
func (s *Service) WithRevokeFamilyOnReplay(enabled bool) {
	s.revokeFamilyOnReplay = enabled
}

// MultiTenant reports whether tenant scoping is active.
func (s *Service) MultiTenant() bool {
	return s.multiTenant
}

// Login verifies credentials for source and issues a token pair. A locked
// source is rejected before the directory is consulted.
func (s *Service) Login(ctx context.Context, tenant, username, password, source string) (Tokens, error) {
	now := s.now()
	tenant = s.scopeTenant(tenant)
	username = normalizeUsername(username)
	source = normalizeSource(source)

	lockedUntil, err := s.guard.LockedUntil(ctx, source, now)
	if err != nil {
		return Tokens{}, fmt.Errorf("check login lock: %w", err)
	}
	if lockedUntil != nil {
		s.emit(ctx, audit.Event{
			Type:       audit.EventLoginFailure,
			Subject:    username,
			Tenant:     tenant,
			Source:     source,
			Reason:     "locked",
			OccurredAt: now,
		})
		return Tokens{}, LockedError{Until: *lockedUntil}
	}

	principal, ok, err := s.verifyCredentials(ctx, tenant, username, password)
	if err != nil {
		return Tokens{}, err
	}
	if !ok {
		lockedUntil, err := s.guard.RecordFailure(ctx, source, now)
		if err != nil {
			return Tokens{}, fmt.Errorf("record login failure: %w", err)
		}
		event := audit.Event{
			Type:       audit.EventLoginFailure,
			Subject:    username,
			Tenant:     tenant,
			Source:     source,
			Reason:     "invalid_credentials",
			OccurredAt: now,
		}
		if lockedUntil != nil {
			event.Metadata = map[string]any{"locked_until": lockedUntil.UTC().Format(time.RFC3339)}
		}
		s.emit(ctx, event)
		return Tokens{}, ErrInvalidCredentials
	}

	if err := s.guard.Reset(ctx, source); err != nil {
		return Tokens{}, fmt.Errorf("reset login failures: %w", err)
	}

	tokens, refreshID, err := s.issuePair(ctx, principal, now)
	if err != nil {
		return Tokens{}, err
	}

	s.emit(ctx, audit.Event{
		Type:       audit.EventLoginSuccess,
		Subject:    principal.Username,
		Tenant:     principal.Tenant,
		Source:     source,
		TokenID:    refreshID,
		OccurredAt: now,
	})

	return tokens, nil
}

// Refresh exchanges a live refresh token for a new pair. The old token id is
// consumed in the same ledger operation that registers its replacement, so of
// two concurrent calls with the same token at most one succeeds.
func (s *Service) Refresh(ctx context.Context, refreshToken, source string) (Tokens, error) {
	now := s.now()
	source = normalizeSource(source)

	claims, err := s.codec.Decode(refreshToken, token.KindRefresh, now)
	if err != nil {
		return Tokens{}, ErrUnauthenticated
	}
	if !s.tenantClaimAllowed(claims.Tenant) {
		return Tokens{}, ErrUnauthenticated
	}
	owner := Owner{Tenant: claims.Tenant, Subject: claims.Subject}

	principal, err := s.resolve(ctx, claims.Tenant, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			if revokeErr := s.ledger.Revoke(ctx, claims.ID, claims.ExpiresAt.Time, now); revokeErr != nil {
				return Tokens{}, fmt.Errorf("revoke orphaned refresh token: %w", revokeErr)
			}
		}
		return Tokens{}, err
	}

	access, err := s.codec.Issue(token.KindAccess, principal.Username, principal.Tenant, s.accessTTL, now)
	if err != nil {
		return Tokens{}, fmt.Errorf("issue access token: %w", err)
	}
	refresh, err := s.codec.Issue(token.KindRefresh, principal.Username, principal.Tenant, s.refreshTTL, now)
	if err != nil {
		return Tokens{}, fmt.Errorf("issue refresh token: %w", err)
	}

	rotated, err := s.ledger.Rotate(ctx, claims.ID, claims.ExpiresAt.Time, refresh.ID, owner, refresh.ExpiresAt, now)
	if err != nil {
		return Tokens{}, fmt.Errorf("rotate refresh token: %w", err)
	}
	if !rotated {
		s.handleReplay(ctx, claims, owner, source, now)
		return Tokens{}, ErrUnauthenticated
	}

	return s.pair(access, refresh), nil
}

// Logout revokes the presented access token and, when given, the refresh
// token of the same owner. With revokeAll every live refresh token of the
// owner is revoked too.
func (s *Service) Logout(ctx context.Context, accessToken, refreshToken string, revokeAll bool, source string) error {
	now := s.now()
	source = normalizeSource(source)

	access, err := s.codec.Decode(accessToken, token.KindAccess, now)
	if err != nil {
		return ErrUnauthenticated
	}
	if !s.tenantClaimAllowed(access.Tenant) {
		return ErrUnauthenticated
	}
	revoked, err := s.ledger.IsRevoked(ctx, access.ID, now)
	if err != nil {
		return fmt.Errorf("check access token: %w", err)
	}
	if revoked {
		return ErrUnauthenticated
	}
	owner := Owner{Tenant: access.Tenant, Subject: access.Subject}

	var refresh *token.Claims
	if strings.TrimSpace(refreshToken) != "" {
		refresh, err = s.codec.Decode(refreshToken, token.KindRefresh, now)
		if err != nil {
			return ErrUnauthenticated
		}
		if refresh.Subject != owner.Subject || refresh.Tenant != owner.Tenant {
			return ErrUnauthenticated
		}
	}

	if err := s.ledger.Revoke(ctx, access.ID, access.ExpiresAt.Time, now); err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	if refresh != nil {
		if err := s.ledger.Revoke(ctx, refresh.ID, refresh.ExpiresAt.Time, now); err != nil {
			return fmt.Errorf("revoke refresh token: %w", err)
		}
	}

	revokedFamily := 0
	if revokeAll {
		revokedFamily, err = s.ledger.RevokeOwner(ctx, owner, now)
		if err != nil {
			return fmt.Errorf("revoke owner refresh tokens: %w", err)
		}
	}

	s.emit(ctx, audit.Event{
		Type:       audit.EventLogout,
		Subject:    owner.Subject,
		Tenant:     owner.Tenant,
		Source:     source,
		TokenID:    access.ID,
		OccurredAt: now,
		Metadata: map[string]any{
			"revoke_all":             revokeAll,
			"revoked_refresh_tokens": revokedFamily,
		},
	})

	return nil
}

// Authorize resolves an access token to the identity it currently grants.
// The principal is looked up again on every call so deleted or moved
// accounts lose access before their tokens expire.
func (s *Service) Authorize(ctx context.Context, accessToken string) (Identity, error) {
	now := s.now()

	claims, err := s.codec.Decode(accessToken, token.KindAccess, now)
	if err != nil {
		return Identity{}, ErrUnauthenticated
	}
	if !s.tenantClaimAllowed(claims.Tenant) {
		return Identity{}, ErrUnauthenticated
	}

	revoked, err := s.ledger.IsRevoked(ctx, claims.ID, now)
	if err != nil {
		return Identity{}, fmt.Errorf("check access token: %w", err)
	}
	if revoked {
		return Identity{}, ErrUnauthenticated
	}

	principal, err := s.resolve(ctx, claims.Tenant, claims.Subject)
	if err != nil {
		return Identity{}, err
	}

	return Identity{
		Subject: principal.Username,
		Tenant:  principal.Tenant,
		Role:    principal.Role,
		TokenID: claims.ID,
	}, nil
}

// AuthorizeTenant is Authorize for a request scoped to tenant. A token of any
// other tenant is unauthenticated, not forbidden.
func (s *Service) AuthorizeTenant(ctx context.Context, accessToken, tenant string) (Identity, error) {
	identity, err := s.Authorize(ctx, accessToken)
	if err != nil {
		return Identity{}, err
	}
	if identity.Tenant != s.scopeTenant(tenant) {
		return Identity{}, ErrUnauthenticated
	}
	return identity, nil
}

// Sweep drops expired revocation entries, expired live refresh entries and
// idle failure counters.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	now := s.now()

	revoked, live, err := s.ledger.Sweep(ctx, now)
	if err != nil {
		return SweepResult{}, fmt.Errorf("sweep ledger: %w", err)
	}
	counters, err := s.guard.Sweep(ctx, now)
	if err != nil {
		return SweepResult{}, fmt.Errorf("sweep login failures: %w", err)
	}

	return SweepResult{
		RevokedTokens:   revoked,
		LiveRefresh:     live,
		FailureCounters: counters,
	}, nil
}

func (s *Service) verifyCredentials(ctx context.Context, tenant, username, password string) (Principal, bool, error) {
	if username == "" || password == "" || (s.multiTenant && tenant == "") {
		s.burnVerify(password)
		return Principal{}, false, nil
	}

	principal, err := s.directory.LookupPrincipal(ctx, tenant, username)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			s.burnVerify(password)
			return Principal{}, false, nil
		}
		return Principal{}, false, fmt.Errorf("lookup principal: %w", err)
	}
	if principal.Tenant != tenant {
		s.burnVerify(password)
		return Principal{}, false, nil
	}

	ok, err := s.hasher.Verify(password, principal.PasswordHash)
	if err != nil {
		return Principal{}, false, fmt.Errorf("verify password: %w", err)
	}
	return principal, ok, nil
}

// burnVerify spends one hash comparison so unknown accounts answer as slowly
// as wrong passwords.
func (s *Service) burnVerify(password string) {
	if hash := dummyPasswordHash(); hash != "" {
		_, _ = s.hasher.Verify(password, hash)
	}
}

func (s *Service) resolve(ctx context.Context, tenant, subject string) (Principal, error) {
	principal, err := s.directory.LookupPrincipal(ctx, tenant, subject)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			return Principal{}, ErrUnauthenticated
		}
		return Principal{}, fmt.Errorf("lookup principal: %w", err)
	}
	if principal.Tenant != tenant {
		return Principal{}, ErrUnauthenticated
	}
	return principal, nil
}

func (s *Service) issuePair(ctx context.Context, principal Principal, now time.Time) (Tokens, string, error) {
	access, err := s.codec.Issue(token.KindAccess, principal.Username, principal.Tenant, s.accessTTL, now)
	if err != nil {
		return Tokens{}, "", fmt.Errorf("issue access token: %w", err)
	}
	refresh, err := s.codec.Issue(token.KindRefresh, principal.Username, principal.Tenant, s.refreshTTL, now)
	if err != nil {
		return Tokens{}, "", fmt.Errorf("issue refresh token: %w", err)
	}

	owner := Owner{Tenant: principal.Tenant, Subject: principal.Username}
	if err := s.ledger.RegisterRefresh(ctx, refresh.ID, owner, refresh.ExpiresAt, now); err != nil {
		return Tokens{}, "", fmt.Errorf("register refresh token: %w", err)
	}

	return s.pair(access, refresh), refresh.ID, nil
}

func (s *Service) pair(access, refresh token.Issued) Tokens {
	return Tokens{
		AccessToken:      access.Token,
		RefreshToken:     refresh.Token,
		TokenType:        "Bearer",
		ExpiresIn:        int64(access.ExpiresAt.Sub(access.IssuedAt).Seconds()),
		RefreshExpiresAt: refresh.ExpiresAt,
	}
}

func (s *Service) handleReplay(ctx context.Context, claims *token.Claims, owner Owner, source string, now time.Time) {
	event := audit.Event{
		Type:       audit.EventRefreshReplayDetected,
		Subject:    owner.Subject,
		Tenant:     owner.Tenant,
		Source:     source,
		TokenID:    claims.ID,
		OccurredAt: now,
	}

	if s.revokeFamilyOnReplay {
		count, err := s.ledger.RevokeOwner(ctx, owner, now)
		if err != nil {
			event.Metadata = map[string]any{"revoke_family_error": err.Error()}
		} else {
			event.Metadata = map[string]any{"revoked_refresh_tokens": count}
		}
	}

	s.emit(ctx, event)
}

func (s *Service) emit(ctx context.Context, event audit.Event) {
	s.events.Emit(ctx, event)
}

func (s *Service) scopeTenant(tenant string) string {
	if !s.multiTenant {
		return ""
	}
	return strings.TrimSpace(tenant)
}

// tenantClaimAllowed rejects tenant-less tokens in multi-tenant mode and
// tenant-scoped tokens otherwise.
func (s *Service) tenantClaimAllowed(tenant string) bool {
	if s.multiTenant {
		return tenant != ""
	}
	return tenant == ""
}

func normalizeSource(source string) string {
	source = strings.TrimSpace(source)
	if source == "" {
		return "unknown"
	}
	return source
}
