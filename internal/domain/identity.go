package domain

import (
	"errors"
	"time"
)

var (
	// ErrClientNotFound signals a client_id absent from the registry. The
	// development fallback client keys off this error exactly; lookup
	// failures of any other shape must not trigger it.
	ErrClientNotFound = errors.New("identity: oauth client not found")
	// ErrMemberNotFound signals an unknown member identity.
	ErrMemberNotFound = errors.New("identity: member not found")
)

// OAuthClient is a registered relying party.
type OAuthClient struct {
	ClientID      string    `json:"clientId"`
	ClientSecret  string    `json:"-"`
	Name          string    `json:"name"`
	RedirectURIs  []string  `json:"redirectUris"`
	AllowedScopes []string  `json:"allowedScopes"`
	Public        bool      `json:"public"`
	CreatedAt     time.Time `json:"createdAt"`
}

// IsPublic reports whether the client authenticates without a secret.
// Public clients must use PKCE.
func (c OAuthClient) IsPublic() bool {
	return c.Public || c.ClientSecret == ""
}

// Member is an authenticated shopper identity.
type Member struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name,omitempty"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// AuthorizationCode is a single-use grant persisted between the authorize
// and token endpoints.
type AuthorizationCode struct {
	Code                string    `json:"code"`
	ClientID            string    `json:"clientId"`
	MemberID            string    `json:"memberId"`
	RedirectURI         string    `json:"redirectUri"`
	Scope               []string  `json:"scope"`
	CodeChallenge       string    `json:"codeChallenge,omitempty"`
	CodeChallengeMethod string    `json:"codeChallengeMethod,omitempty"`
	ExpiresAt           time.Time `json:"expiresAt"`
	CreatedAt           time.Time `json:"createdAt"`
}

// RefreshTokenRecord backs an issued refresh token. The record is deleted
// on first lookup regardless of outcome, making replay structurally
// impossible.
type RefreshTokenRecord struct {
	Token      string    `json:"token"`
	MemberID   string    `json:"memberId"`
	ClientID   string    `json:"clientId"`
	PlatformID string    `json:"platformId"`
	Scope      []string  `json:"scope"`
	ExpiresAt  time.Time `json:"expiresAt"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ConsentRecord remembers scopes a member granted to a client.
type ConsentRecord struct {
	MemberID   string    `json:"memberId"`
	ClientID   string    `json:"clientId"`
	PlatformID string    `json:"platformId"`
	Scope      []string  `json:"scope"`
	GrantedAt  time.Time `json:"grantedAt"`
}

// Covers reports whether the recorded scopes are a superset of requested.
func (c ConsentRecord) Covers(requested []string) bool {
	granted := make(map[string]struct{}, len(c.Scope))
	for _, s := range c.Scope {
		granted[s] = struct{}{}
	}
	for _, s := range requested {
		if _, ok := granted[s]; !ok {
			return false
		}
	}
	return true
}

// TokenValidity is the per-jti revocation entry. A token validates only
// while its entry exists and Valid is true.
type TokenValidity struct {
	Valid bool `json:"valid"`
}
