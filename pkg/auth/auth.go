// Package auth implements bearer-JWT issuance/verification, the
// legacy X-User-Id/X-User-Role header fallback, bcrypt password
// login, and the role-gate predicates spec §6 describes. Grounded in
// original_source/AllCare/backserver/auth.py (create_access_token,
// decode_token, authenticate_user, get_current_user).
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	alerrors "github.com/allcare-health/al-backend/pkg/shared/errors"
)

// Role is a user's capability tier.
type Role string

const (
	RoleGP     Role = "gp"
	RoleDoctor Role = "doctor"
	RoleAdmin  Role = "admin"
)

// Context is the authenticated identity attached to a request,
// however it was established (bearer JWT or legacy headers).
type Context struct {
	UserID    string
	Role      Role
	FirstName string
	LastName  string
}

// String renders the identity for audit-trail logging.
func (c Context) String() string {
	return fmt.Sprintf("%s (role: %s)", c.UserID, c.Role)
}

// CanViewAllCases reports whether the role can read every user's
// cases rather than only its own (spec §6 role gates).
func (c Context) CanViewAllCases() bool {
	return c.Role == RoleDoctor || c.Role == RoleAdmin
}

// CanLabel reports whether the role may submit labels or annotations
// for rejected cases; `gp` cannot.
func (c Context) CanLabel() bool {
	return c.Role != RoleGP
}

// IsAdmin reports whether the role has exclusive /admin/* access.
func (c Context) IsAdmin() bool {
	return c.Role == RoleAdmin
}

// claims is the JWT payload this package issues and expects, mirroring
// auth.py's create_access_token fields (sub, role, first_name, last_name).
type claims struct {
	Role      string `json:"role"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	jwt.RegisteredClaims
}

// Issuer issues and verifies bearer JWTs against a single HMAC secret.
type Issuer struct {
	secret     []byte
	expiration time.Duration
}

// NewIssuer builds an Issuer from the configured secret/expiration.
func NewIssuer(secret string, expiration time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), expiration: expiration}
}

// IssueToken mints a signed access token for the given identity.
func (i *Issuer) IssueToken(ctx Context) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Role:      string(ctx.Role),
		FirstName: ctx.FirstName,
		LastName:  ctx.LastName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ctx.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.expiration)),
		},
	})
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", alerrors.FailedToWithDetails("sign access token", "auth", ctx.UserID, err)
	}
	return signed, nil
}

// ErrTokenExpired and ErrTokenInvalid distinguish the two failure
// modes auth.py's decode_token surfaces as distinct 401 messages.
var (
	ErrTokenExpired = errors.New("token has expired")
	ErrTokenInvalid = errors.New("invalid token")
)

// VerifyToken parses and validates token, returning the identity it
// carries.
func (i *Issuer) VerifyToken(token string) (Context, error) {
	var parsed claims
	_, err := jwt.ParseWithClaims(token, &parsed, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Context{}, ErrTokenExpired
		}
		return Context{}, ErrTokenInvalid
	}
	return Context{
		UserID:    parsed.Subject,
		Role:      Role(parsed.Role),
		FirstName: parsed.FirstName,
		LastName:  parsed.LastName,
	}, nil
}

// HashPassword bcrypt-hashes a plaintext password for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", alerrors.FailedTo("hash password", err)
	}
	return string(hash), nil
}

// VerifyPassword reports whether password matches hash.
func VerifyPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// ExtractContext resolves the caller's identity from an HTTP request,
// preferring a bearer JWT and falling back to the legacy
// X-User-Id/X-User-Role headers (spec §6: "either Authorization:
// Bearer <jwt> (preferred) or legacy headers").
func ExtractContext(header http.Header, issuer *Issuer) (Context, error) {
	if bearer := header.Get("Authorization"); bearer != "" {
		parts := strings.Fields(bearer)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return Context{}, alerrors.AuthenticationError("invalid Authorization header format, expected: Bearer <token>")
		}
		ctx, err := issuer.VerifyToken(parts[1])
		if err != nil {
			return Context{}, alerrors.AuthenticationError(err.Error())
		}
		return ctx, nil
	}

	userID := header.Get("X-User-Id")
	role := header.Get("X-User-Role")
	if userID == "" || role == "" {
		return Context{}, alerrors.AuthenticationError("missing Authorization header or X-User-Id/X-User-Role")
	}
	return Context{UserID: userID, Role: Role(role)}, nil
}

// CheckAPIKey reports whether header carries the configured shared
// API key (spec §6: "every request carries X-API-Key: <shared>").
func CheckAPIKey(header http.Header, expected string) bool {
	if expected == "" {
		return true
	}
	return header.Get("X-API-Key") == expected
}
