// Package auth issues and verifies the bearer tokens that terminals present
// to the catalog and ledger endpoints.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	issuer      = "bookshop-pos"
	ScopeLedger = "ledger"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

type Authority struct {
	mu       sync.RWMutex
	secret   []byte
	tokenTTL time.Duration
	clients  map[string]string
	now      func() time.Time
}

type Principal struct {
	ClientID string `json:"client_id"`
	Scope    string `json:"scope"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresAt   string `json:"expires_at"`
}

type serviceClaims struct {
	jwtlib.RegisteredClaims
	Scope string `json:"scope"`
}

func NewAuthority(secret string, tokenTTL time.Duration) *Authority {
	if tokenTTL <= 0 {
		tokenTTL = 15 * time.Minute
	}
	return &Authority{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		clients:  make(map[string]string),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RegisterClient stores a bcrypt hash of the client's secret.
func (a *Authority) RegisterClient(clientID, secret string) error {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" || strings.TrimSpace(secret) == "" {
		return fmt.Errorf("client id and secret are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.clients[clientID] = string(hash)
	a.mu.Unlock()
	return nil
}

// Exchange trades client credentials for a signed token.
func (a *Authority) Exchange(clientID, secret string) (TokenResponse, error) {
	a.mu.RLock()
	hash, ok := a.clients[strings.TrimSpace(clientID)]
	a.mu.RUnlock()
	if !ok || strings.TrimSpace(secret) == "" {
		return TokenResponse{}, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) != nil {
		return TokenResponse{}, ErrInvalidCredentials
	}

	expiresAt := a.now().Add(a.tokenTTL)
	token, err := a.Sign(clientID, expiresAt)
	if err != nil {
		return TokenResponse{}, err
	}
	return TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

func (a *Authority) Sign(subject string, expiresAt time.Time) (string, error) {
	claims := serviceClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwtlib.NewNumericDate(a.now()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    issuer,
		},
		Scope: ScopeLedger,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *Authority) Parse(tokenStr string) (Principal, error) {
	claims := &serviceClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}), jwtlib.WithIssuer(issuer), jwtlib.WithTimeFunc(a.now))
	if err != nil || !token.Valid {
		return Principal{}, ErrInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Principal{}, ErrInvalidToken
	}
	return Principal{ClientID: sub, Scope: claims.Scope}, nil
}

// TokenSource supplies bearer tokens to outbound clients.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// SelfSigned mints tokens for subject with the authority's own secret and
// reuses each one until shortly before it expires.
func (a *Authority) SelfSigned(subject string) TokenSource {
	return &selfSigned{authority: a, subject: subject}
}

type selfSigned struct {
	mu        sync.Mutex
	authority *Authority
	subject   string
	token     string
	expiresAt time.Time
}

func (s *selfSigned) Token(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.authority.now()
	if s.token != "" && now.Add(time.Minute).Before(s.expiresAt) {
		return s.token, nil
	}
	expiresAt := now.Add(s.authority.tokenTTL)
	token, err := s.authority.Sign(s.subject, expiresAt)
	if err != nil {
		return "", err
	}
	s.token, s.expiresAt = token, expiresAt
	return token, nil
}
