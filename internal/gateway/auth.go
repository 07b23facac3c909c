package gateway

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// SessionCookie names the browser session cookie.
const SessionCookie = "poncho_session"

// csrfHeader carries the CSRF token on mutating cookie-session requests.
const csrfHeader = "X-Csrf-Token"

// apiKeyHeader is the non-bearer alternative for machine callers.
const apiKeyHeader = "X-Poncho-Key"

// defaultSessionTTL bounds browser sessions when config leaves it zero.
const defaultSessionTTL = 24 * time.Hour

var errNoSession = errors.New("no session")

// sessionClaims is the JWT payload of a browser session. CSRF is bound into
// the token so the server stays stateless.
type sessionClaims struct {
	jwt.RegisteredClaims
	CSRF string `json:"csrf"`
}

// Session is the authenticated identity attached to a request.
type Session struct {
	ID      string
	OwnerID string
	CSRF    string

	// Cookie is true when the session came from the browser cookie rather
	// than a bearer token or API key.
	Cookie bool
}

// AuthConfig configures the authenticator.
type AuthConfig struct {
	// Token is the API bearer token. Empty disables token auth.
	Token string

	// Passphrase enables browser login. Empty disables /api/auth/login.
	Passphrase string

	// JWTSecret signs session cookies. Generated when empty.
	JWTSecret []byte

	SessionTTL time.Duration

	// Secure marks cookies Secure; set behind TLS.
	Secure bool
}

// Authenticator validates bearer tokens, API keys, and JWT session cookies,
// and rate-limits passphrase login attempts.
type Authenticator struct {
	cfg     AuthConfig
	limiter *rate.Limiter
}

// NewAuthenticator builds an authenticator, generating a signing secret if
// the config carries none.
func NewAuthenticator(cfg AuthConfig) (*Authenticator, error) {
	if len(cfg.JWTSecret) == 0 {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate session secret: %w", err)
		}
		cfg.JWTSecret = secret
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultSessionTTL
	}
	return &Authenticator{
		cfg: cfg,
		// One login attempt per second with a small burst.
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}, nil
}

// Login checks the passphrase and mints a session. Returns false when the
// passphrase does not match or browser login is disabled.
func (a *Authenticator) Login(passphrase string) (Session, string, bool) {
	if a.cfg.Passphrase == "" {
		return Session{}, "", false
	}
	if subtle.ConstantTimeCompare([]byte(passphrase), []byte(a.cfg.Passphrase)) != 1 {
		return Session{}, "", false
	}
	sess := Session{
		ID:      uuid.NewString(),
		OwnerID: "owner",
		CSRF:    randomToken(),
		Cookie:  true,
	}
	now := time.Now()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sess.ID,
			Subject:   sess.OwnerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.cfg.SessionTTL)),
		},
		CSRF: sess.CSRF,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.cfg.JWTSecret)
	if err != nil {
		return Session{}, "", false
	}
	return sess, signed, true
}

// AllowLogin consumes one login-rate token.
func (a *Authenticator) AllowLogin() bool {
	return a.limiter.Allow()
}

// SetSessionCookie attaches the signed session to the response.
func (a *Authenticator) SetSessionCookie(w http.ResponseWriter, signed string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    signed,
		Path:     "/",
		MaxAge:   int(a.cfg.SessionTTL / time.Second),
		HttpOnly: true,
		Secure:   a.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie expires the session cookie.
func (a *Authenticator) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Authenticate resolves the request's identity from, in order, the bearer
// token, the API key header, and the session cookie.
func (a *Authenticator) Authenticate(r *http.Request) (Session, error) {
	if token := bearerToken(r); token != "" && a.cfg.Token != "" {
		if subtle.ConstantTimeCompare([]byte(token), []byte(a.cfg.Token)) == 1 {
			return Session{ID: "token", OwnerID: "owner"}, nil
		}
		return Session{}, errNoSession
	}
	if key := r.Header.Get(apiKeyHeader); key != "" && a.cfg.Token != "" {
		if subtle.ConstantTimeCompare([]byte(key), []byte(a.cfg.Token)) == 1 {
			return Session{ID: "key", OwnerID: "owner"}, nil
		}
		return Session{}, errNoSession
	}
	cookie, err := r.Cookie(SessionCookie)
	if err != nil || cookie.Value == "" {
		return Session{}, errNoSession
	}
	return a.verifySession(cookie.Value)
}

func (a *Authenticator) verifySession(signed string) (Session, error) {
	var claims sessionClaims
	token, err := jwt.ParseWithClaims(signed, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.cfg.JWTSecret, nil
	})
	if err != nil || !token.Valid {
		return Session{}, errNoSession
	}
	return Session{
		ID:      claims.ID,
		OwnerID: claims.Subject,
		CSRF:    claims.CSRF,
		Cookie:  true,
	}, nil
}

// CheckCSRF enforces the CSRF token for mutating requests made with a cookie
// session. Token and key callers are exempt.
func (a *Authenticator) CheckCSRF(r *http.Request, sess Session) bool {
	if !sess.Cookie {
		return true
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	supplied := r.Header.Get(csrfHeader)
	return supplied != "" && subtle.ConstantTimeCompare([]byte(supplied), []byte(sess.CSRF)) == 1
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

func randomToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return uuid.NewString()
	}
	return hex.EncodeToString(buf)
}
