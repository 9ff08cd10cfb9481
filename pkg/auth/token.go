package auth

import (
	"errors"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var ErrMissing = errors.New("missing token")

// HashToken returns the bcrypt hash stored in auth.token_hash.
func HashToken(token string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Authenticator checks the token of a websocket upgrade request. With a JWT
// secret the token must be a valid JWT; otherwise it is compared against a
// bcrypt hash.
type Authenticator struct {
	secret []byte
	hash   []byte
}

// New returns nil when neither secret nor hash is set (open access).
func New(jwtSecret, tokenHash string) *Authenticator {
	if jwtSecret == "" && tokenHash == "" {
		return nil
	}
	return &Authenticator{secret: []byte(jwtSecret), hash: []byte(tokenHash)}
}

func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	tok := TokenFromRequest(r)
	if tok == "" {
		return "", ErrMissing
	}
	if len(a.secret) > 0 {
		c, err := Parse(a.secret, tok)
		if err != nil {
			return "", err
		}
		return c.Client, nil
	}
	if err := bcrypt.CompareHashAndPassword(a.hash, []byte(tok)); err != nil {
		return "", ErrInvalid
	}
	return "", nil
}

// TokenFromRequest reads "Authorization: Bearer" or the token query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if v, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(v)
		}
	}
	return r.URL.Query().Get("token")
}
