package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/folkengine/goname"
	"github.com/ghaiht95/genmob/config"
	"github.com/ghaiht95/genmob/types"
	"github.com/hashicorp/go-hclog"
)

const IdentityHeader = "X-Identity"

// Authenticator turns a request into an identity. An OIDC ID token wins over the trusted header, which wins over a
// guest name.
type Authenticator struct {
	cfg    config.AuthConfig
	oidcs  []config.OIDCConfig
	logger hclog.Logger

	mu        sync.Mutex
	verifiers map[string]*oidc.IDTokenVerifier
}

func NewAuthenticator(cfg *config.Config, logger hclog.Logger) *Authenticator {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Authenticator{
		cfg:       cfg.AuthConfig,
		oidcs:     cfg.OIDCConfigs,
		logger:    logger,
		verifiers: make(map[string]*oidc.IDTokenVerifier),
	}
}

// Identify resolves the identity behind r. The token is read from the id_token query parameter or a bearer
// Authorization header, the provider from the provider query parameter.
func (a *Authenticator) Identify(r *http.Request) (string, error) {
	vals := r.URL.Query()
	idToken := vals.Get("id_token")
	if idToken == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			idToken = strings.TrimPrefix(h, "Bearer ")
		}
	}
	if idToken != "" {
		return a.Authenticate(r.Context(), idToken, vals.Get("provider"))
	}
	if a.cfg.TrustIdentityHeader {
		if identity := strings.TrimSpace(r.Header.Get(IdentityHeader)); identity != "" {
			return identity, nil
		}
	}
	if a.cfg.AllowGuests {
		return goname.New(goname.FantasyMap).FirstLast() + " (guest)", nil
	}
	return "", fmt.Errorf("%w: no identity presented", types.ErrForbidden)
}

// Authenticate verifies an OIDC ID token with the named provider and returns the email claim as identity.
// An empty provider name selects the first configured provider.
func (a *Authenticator) Authenticate(ctx context.Context, idToken, provider string) (string, error) {
	verifier, err := a.verifier(ctx, provider)
	if err != nil {
		return "", err
	}
	verified, err := verifier.Verify(ctx, idToken)
	if err != nil {
		a.logger.Debug("id token rejected", "provider", provider, "error", err)
		return "", fmt.Errorf("%w: %v", types.ErrForbidden, err)
	}
	claims := struct {
		Email string `json:"email"`
	}{}
	if err := verified.Claims(&claims); err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrForbidden, err)
	}
	if claims.Email == "" {
		return "", fmt.Errorf("%w: token has no email claim", types.ErrForbidden)
	}
	return claims.Email, nil
}

// verifier returns a cached verifier, the provider discovery document is only fetched once.
func (a *Authenticator) verifier(ctx context.Context, provider string) (*oidc.IDTokenVerifier, error) {
	var oidcConf *config.OIDCConfig
	for i := range a.oidcs {
		if provider == "" || a.oidcs[i].Name == provider {
			oidcConf = &a.oidcs[i]
			break
		}
	}
	if oidcConf == nil {
		return nil, fmt.Errorf("%w: unknown oidc provider %q", types.ErrForbidden, provider)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if v, ok := a.verifiers[oidcConf.Name]; ok {
		return v, nil
	}
	p, err := oidc.NewProvider(ctx, oidcConf.ProviderUrl)
	if err != nil {
		return nil, fmt.Errorf("%w: oidc discovery for %s: %v", types.ErrInternal, oidcConf.Name, err)
	}
	conf := oidc.Config{}
	if oidcConf.ClientId == "" {
		conf.SkipClientIDCheck = true
	} else {
		conf.ClientID = oidcConf.ClientId
	}
	v := p.Verifier(&conf)
	a.verifiers[oidcConf.Name] = v
	return v, nil
}
