package auth

import (
	"context"
	"net/http"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, sub string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": sub})
	raw, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return raw
}

func TestExtractTokenFromRequest(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer abc.def.ghi")

	token, err := ExtractTokenFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "abc.def.ghi", token)
}

func TestExtractTokenFromRequestRejectsMalformedHeader(t *testing.T) {
	cases := map[string]string{
		"missing":   "",
		"no scheme": "abc.def.ghi",
		"wrong":     "Basic dXNlcjpwYXNz",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			r, _ := http.NewRequest(http.MethodGet, "/", nil)
			if header != "" {
				r.Header.Set("Authorization", header)
			}
			_, err := ExtractTokenFromRequest(r)
			assert.Error(t, err)
		})
	}
}

func TestExtractUserIDFromJWT(t *testing.T) {
	sub, err := ExtractUserIDFromJWT(signedToken(t, "drv-42"))
	require.NoError(t, err)
	assert.Equal(t, "drv-42", sub)
}

func TestExtractUserIDFromJWTRejectsMissingSubject(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"aud": "delivery"})
	raw, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = ExtractUserIDFromJWT(raw)
	assert.Error(t, err)
}

func TestUserIDRoundTripsThroughContext(t *testing.T) {
	ctx := WithUserID(context.Background(), "rest-7")
	assert.Equal(t, "rest-7", UserID(ctx))
	assert.Empty(t, UserID(context.Background()))
}
