// Package auth verifies identity-provider bearer tokens.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

var ErrUnauthorized = errors.New("unauthorized")

// User is the authenticated caller.
type User struct {
	ID    string
	Email string
	Name  *string
}

// Claims are the fields read from the identity provider's access token.
type Claims struct {
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 tokens signed with the provider's shared secret.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()),
	}
}

// Verify parses tokenStr and returns the user it identifies.
func (v *Verifier) Verify(tokenStr string) (*User, error) {
	token, err := v.parser.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}
	if claims.Subject == "" || claims.Email == "" {
		return nil, fmt.Errorf("%w: token has no subject or email", ErrUnauthorized)
	}
	return &User{ID: claims.Subject, Email: claims.Email, Name: displayName(claims.UserMetadata)}, nil
}

func displayName(md map[string]any) *string {
	for _, k := range []string{"full_name", "name"} {
		if s, ok := md[k].(string); ok && strings.TrimSpace(s) != "" {
			s = strings.TrimSpace(s)
			return &s
		}
	}
	return nil
}

// Sign issues a token for u. Used by tests and local tooling.
func (v *Verifier) Sign(u User, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = u.ID
	c := Claims{Email: u.Email, RegisteredClaims: claims}
	if u.Name != nil {
		c.UserMetadata = map[string]any{"full_name": *u.Name}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(v.secret)
}

const userKey = "auth.user"

// RequireUser rejects requests without a valid bearer token.
func RequireUser(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		tok, found := strings.CutPrefix(h, "Bearer ")
		if !found || tok == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		u, err := v.Verify(tok)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(userKey, u)
		c.Next()
	}
}

// CurrentUser returns the user set by RequireUser.
func CurrentUser(c *gin.Context) (*User, bool) {
	v, ok := c.Get(userKey)
	if !ok {
		return nil, false
	}
	u, ok := v.(*User)
	return u, ok
}
