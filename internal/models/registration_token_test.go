package models

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomCode(t *testing.T) {
	t.Run("draws codes of fixed length from the alphabet", func(t *testing.T) {
		for i := 0; i < 200; i++ {
			code, err := RandomCode()
			require.NoError(t, err)
			assert.Len(t, code, CodeLength)
			for _, c := range code {
				assert.True(t, strings.ContainsRune(CodeAlphabet, c), "unexpected symbol %q in %s", c, code)
			}
		}
	})

	t.Run("produces varied codes", func(t *testing.T) {
		seen := make(map[string]bool)
		for i := 0; i < 50; i++ {
			code, err := RandomCode()
			require.NoError(t, err)
			seen[code] = true
		}
		assert.Greater(t, len(seen), 1)
	})
}

func TestNormalizeCode(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
		valid bool
	}{
		{"uppercases and trims", "  ab12z ", "AB12Z", true},
		{"already normalized", "X9Y8Z", "X9Y8Z", true},
		{"too short", "AB1", "AB1", false},
		{"too long", "ABCDEF", "ABCDEF", false},
		{"symbol outside alphabet", "AB-12", "AB-12", false},
		{"empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NormalizeCode(tt.input)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.valid, ok)
		})
	}
}

func TestNewRegistrationToken(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	token := NewRegistrationToken("ABCDE", "  Ward 3 tablet ", now, DefaultCodeTTL)

	assert.NotEmpty(t, token.ID)
	assert.Equal(t, "ABCDE", token.Code)
	assert.Equal(t, "Ward 3 tablet", token.Description)
	assert.Equal(t, now, token.CreatedAt)
	assert.Equal(t, now.Add(10*time.Minute), token.ExpiresAt)

	t.Run("expiry is exclusive of the deadline", func(t *testing.T) {
		assert.False(t, token.IsExpired(token.ExpiresAt))
		assert.True(t, token.IsExpired(token.ExpiresAt.Add(time.Millisecond)))
	})

	t.Run("response carries code and expiry", func(t *testing.T) {
		resp := token.ToResponse()
		assert.Equal(t, token.Code, resp.Code)
		assert.Equal(t, token.ExpiresAt, resp.ExpiresAt)
	})
}
