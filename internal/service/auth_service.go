package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"bhr/internal/models"
	"bhr/internal/storage"
)

// AuthService covers operator password auth and API tokens. Tokens are
// stored as SHA256 digests only; the raw value is shown once at creation.
type AuthService struct {
	store storage.Store
}

func NewAuthService(store storage.Store) *AuthService {
	return &AuthService{store: store}
}

func (s *AuthService) HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), 14)
	return string(bytes), err
}

func (s *AuthService) CheckAuth(ctx context.Context, username, password string) bool {
	op, err := s.store.GetOperator(ctx, username)
	if err != nil {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)) == nil
}

// CreateOperator is idempotent for an existing username.
func (s *AuthService) CreateOperator(ctx context.Context, username, password string) (*models.Operator, error) {
	if existing, err := s.store.GetOperator(ctx, username); err == nil {
		return existing, nil
	}

	hash, err := s.HashPassword(password)
	if err != nil {
		return nil, err
	}

	op := &models.Operator{
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateOperator(ctx, op); err != nil {
		return nil, err
	}
	return op, nil
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// CreateAPIToken mints a token for the operator and returns the raw value
// alongside the stored record. allowedIPs is a comma-separated CIDR list
// restricting where the token may be used from; empty means anywhere.
func (s *AuthService) CreateAPIToken(ctx context.Context, username, name, allowedIPs string, ttl time.Duration) (string, *models.APIToken, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generate token: %w", err)
	}
	raw := "bhr_" + hex.EncodeToString(buf)

	token := &models.APIToken{
		TokenHash:  hashToken(raw),
		Name:       name,
		Username:   username,
		AllowedIPs: strings.TrimSpace(allowedIPs),
		CreatedAt:  time.Now().UTC(),
	}
	if ttl > 0 {
		expires := token.CreatedAt.Add(ttl)
		token.ExpiresAt = &expires
	}

	id, err := s.store.CreateAPIToken(ctx, token)
	if err != nil {
		return "", nil, err
	}
	token.ID = id

	_ = s.store.LogAction(ctx, username, "TOKEN_CREATE", name, "")
	return raw, token, nil
}

// VerifyToken resolves a raw bearer token to its record, enforcing expiry.
func (s *AuthService) VerifyToken(ctx context.Context, raw string) (*models.APIToken, error) {
	token, err := s.store.GetAPITokenByHash(ctx, hashToken(raw))
	if err != nil {
		return nil, err
	}
	if token.ExpiresAt != nil && time.Now().UTC().After(*token.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	_ = s.store.UpdateTokenLastUsed(ctx, token.ID)
	return token, nil
}

func (s *AuthService) ListAPITokens(ctx context.Context, username string) ([]*models.APIToken, error) {
	return s.store.ListAPITokens(ctx, username)
}

func (s *AuthService) DeleteAPIToken(ctx context.Context, id int64, username string) error {
	if err := s.store.DeleteAPIToken(ctx, id, username); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return fmt.Errorf("delete token: %w", err)
	}
	_ = s.store.LogAction(ctx, username, "TOKEN_DELETE", fmt.Sprintf("%d", id), "")
	return nil
}
