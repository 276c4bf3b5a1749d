package auth

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ghaiht95/genmob/config"
	"github.com/ghaiht95/genmob/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentifyTrustedHeader(t *testing.T) {
	a := NewAuthenticator(&config.Config{AuthConfig: config.AuthConfig{TrustIdentityHeader: true}}, nil)
	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set(IdentityHeader, " alice@example.com ")
	identity, err := a.Identify(r)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", identity)
}

func TestIdentifyIgnoresHeaderUnlessTrusted(t *testing.T) {
	a := NewAuthenticator(&config.Config{}, nil)
	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set(IdentityHeader, "alice@example.com")
	_, err := a.Identify(r)
	assert.True(t, errors.Is(err, types.ErrForbidden))
}

func TestIdentifyGuest(t *testing.T) {
	a := NewAuthenticator(&config.Config{AuthConfig: config.AuthConfig{AllowGuests: true}}, nil)
	identity, err := a.Identify(httptest.NewRequest("GET", "/ws", nil))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(identity, " (guest)"))
}

func TestAuthenticateUnknownProvider(t *testing.T) {
	a := NewAuthenticator(&config.Config{AuthConfig: config.AuthConfig{AllowGuests: true}}, nil)
	r := httptest.NewRequest("GET", "/ws?id_token=abc&provider=nowhere", nil)
	_, err := a.Identify(r)
	assert.True(t, errors.Is(err, types.ErrForbidden))
}
