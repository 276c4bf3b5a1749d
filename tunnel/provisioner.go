// Package tunnel provisions the per-room network hubs and the member credentials on them.
package tunnel

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"strings"
)

// Provisioner is the external tunnel system. Implementations may be slow and flaky; wrap them in Verified before use.
type Provisioner interface {
	HubExists(ctx context.Context, hub string) (bool, error)
	CreateHub(ctx context.Context, hub string) error
	DeleteHub(ctx context.Context, hub string) error
	UserExists(ctx context.Context, hub, user string) (bool, error)
	// CreateUser creates the user, or sets a new secret if it already exists.
	CreateUser(ctx context.Context, hub, user, secret string) error
	DeleteUser(ctx context.Context, hub, user string) error
	ListHubs(ctx context.Context) ([]string, error)
}

const (
	secretLength   = 12
	secretAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	maxHandleBase  = 32
)

// NewSecret returns a random alphanumeric secret.
func NewSecret() (string, error) {
	b := make([]byte, secretLength)
	max := big.NewInt(int64(len(secretAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = secretAlphabet[n.Int64()]
	}
	return string(b), nil
}

// Handle derives the tunnel user name for an identity: the local part of an e-mail address reduced to safe
// characters, plus a short hash of the full identity so that "a@x" and "a@y" do not collide.
func Handle(identity string) string {
	local := identity
	if i := strings.Index(local, "@"); i >= 0 {
		local = local[:i]
	}
	b := strings.Builder{}
	for _, r := range local {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		}
		if b.Len() >= maxHandleBase {
			break
		}
	}
	base := b.String()
	if base == "" {
		base = "member"
	}
	sum := sha256.Sum256([]byte(identity))
	return base + "-" + hex.EncodeToString(sum[:3])
}
