// Package session provides the identity of the current user.
package session

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kimhsiao/csmsync/internal/errors"
)

// Roles.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// User is the authenticated caller.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// Privileged reports whether the user may see and mutate every record.
func (u User) Privileged() bool {
	return u.Role == RoleAdmin
}

// Provider yields the current user. It is consulted per call, never cached.
type Provider interface {
	CurrentUser() (User, bool)
	IsAuthenticated() bool
}

// Static is a Provider with a fixed, replaceable user.
type Static struct {
	mu   sync.RWMutex
	user *User
}

// NewStatic returns a Provider authenticated as u.
func NewStatic(u User) *Static {
	return &Static{user: &u}
}

// Anonymous returns a Provider with no user.
func Anonymous() *Static {
	return &Static{}
}

// CurrentUser implements Provider.
func (s *Static) CurrentUser() (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return User{}, false
	}
	return *s.user, true
}

// IsAuthenticated implements Provider.
func (s *Static) IsAuthenticated() bool {
	_, ok := s.CurrentUser()
	return ok
}

// Set replaces the user; nil logs out.
func (s *Static) Set(u *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u == nil {
		s.user = nil
		return
	}
	cp := *u
	s.user = &cp
}

// Claims are the JWT claims issued by the legacy API.
type Claims struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// User converts the claims to a User. A missing role is treated as member.
func (c *Claims) User() User {
	role := c.Role
	if role == "" {
		role = RoleMember
	}
	return User{ID: c.UserID, Username: c.Username, Role: role}
}

// IssueToken signs an HS256 token for u valid for ttl.
func IssueToken(secret []byte, u User, ttl time.Duration, now time.Time) (string, error) {
	claims := Claims{
		UserID:   u.ID,
		Username: u.Username,
		Role:     u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", errors.Wrap(errors.ErrInternal, "sign token", err)
	}
	return token, nil
}

// ParseToken verifies an HS256 token and returns its claims.
func ParseToken(secret []byte, token string, now func() time.Time) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if now != nil {
		opts = append(opts, jwt.WithTimeFunc(now))
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, opts...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrUnauthenticated, "invalid token", err)
	}
	if claims.UserID == 0 {
		return nil, errors.New(errors.ErrUnauthenticated, "token carries no userId")
	}
	return claims, nil
}

// TokenSession is a Provider backed by a bearer token. The token is re-verified on
// every call, so an expired token logs the user out.
type TokenSession struct {
	secret []byte
	now    func() time.Time

	mu    sync.RWMutex
	token string
}

// NewTokenSession returns a session for token verified with secret.
func NewTokenSession(secret []byte, token string) *TokenSession {
	return &TokenSession{secret: secret, token: token, now: time.Now}
}

// WithClock overrides the clock used for expiry checks.
func (s *TokenSession) WithClock(now func() time.Time) *TokenSession {
	s.now = now
	return s
}

// Token returns the raw bearer token for outbound requests.
func (s *TokenSession) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// SetToken replaces the bearer token.
func (s *TokenSession) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// CurrentUser implements Provider.
func (s *TokenSession) CurrentUser() (User, bool) {
	token := s.Token()
	if token == "" {
		return User{}, false
	}
	claims, err := ParseToken(s.secret, token, s.now)
	if err != nil {
		return User{}, false
	}
	return claims.User(), true
}

// IsAuthenticated implements Provider.
func (s *TokenSession) IsAuthenticated() bool {
	_, ok := s.CurrentUser()
	return ok
}

// TokenSource yields a bearer token for outbound requests.
type TokenSource interface {
	Token() string
}

// StaticToken is a fixed TokenSource.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token() string { return string(t) }

var (
	_ Provider    = (*Static)(nil)
	_ Provider    = (*TokenSession)(nil)
	_ TokenSource = (*TokenSession)(nil)
	_ TokenSource = StaticToken("")
)
