package models

import (
	"crypto/rand"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CodeAlphabet is the fixed symbol set enrollment codes are drawn from
const CodeAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// CodeLength is the length of every enrollment code
const CodeLength = 5

// DefaultCodeTTL is how long an enrollment code stays redeemable
const DefaultCodeTTL = 10 * time.Minute

// RegistrationToken is a short-lived, single-use enrollment credential
type RegistrationToken struct {
	ID          string    `json:"id"`
	Code        string    `json:"code"`
	Description string    `json:"description"`
	ExpiresAt   time.Time `json:"expiresAt"`
	CreatedAt   time.Time `json:"createdAt"`
}

// GenerateCodeRequest is the request body for issuing an enrollment code
type GenerateCodeRequest struct {
	Description string `json:"description"`
}

// GenerateCodeResponse is returned after issuing an enrollment code
type GenerateCodeResponse struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// NewRegistrationToken creates a token for code that expires ttl after now
func NewRegistrationToken(code, description string, now time.Time, ttl time.Duration) *RegistrationToken {
	now = now.UTC()
	return &RegistrationToken{
		ID:          uuid.New().String(),
		Code:        code,
		Description: strings.TrimSpace(description),
		ExpiresAt:   now.Add(ttl),
		CreatedAt:   now,
	}
}

// RandomCode draws a CodeLength code uniformly from CodeAlphabet
func RandomCode() (string, error) {
	max := big.NewInt(int64(len(CodeAlphabet)))
	buf := make([]byte, CodeLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = CodeAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// NormalizeCode uppercases and trims user input. The second return value
// reports whether the result is a well-formed code.
func NormalizeCode(code string) (string, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != CodeLength {
		return code, false
	}
	for _, c := range code {
		if !strings.ContainsRune(CodeAlphabet, c) {
			return code, false
		}
	}
	return code, true
}

// IsExpired checks whether the token has expired at the given instant
func (t *RegistrationToken) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// ToResponse converts the token to its API response
func (t *RegistrationToken) ToResponse() GenerateCodeResponse {
	return GenerateCodeResponse{
		Code:      t.Code,
		ExpiresAt: t.ExpiresAt,
	}
}
