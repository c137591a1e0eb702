// Package auth resolves handshake and API bearer tokens into identities.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-realtime-service/pkg/events"
)

// RoleClaim is the private claim carrying the caller's role.
const RoleClaim = "role"

// Config selects how tokens are verified. Exactly one of Secret or JWKSURL
// must be set.
type Config struct {
	Secret   []byte
	JWKSURL  string
	Issuer   string
	Audience string
	Skew     time.Duration
}

// JWTResolver verifies signed JWTs. The subject becomes the user ID and the
// role claim the role; tokens without a role resolve to staff.
type JWTResolver struct {
	parseOpts []jwt.ParseOption
	logger    zerolog.Logger
}

// NewJWTResolver builds a resolver. With a JWKS URL the key set is fetched
// once and refreshed in the background until ctx is cancelled.
func NewJWTResolver(ctx context.Context, cfg Config, clock clockwork.Clock, logger zerolog.Logger) (*JWTResolver, error) {
	opts := []jwt.ParseOption{
		jwt.WithValidate(true),
		jwt.WithClock(jwt.ClockFunc(clock.Now)),
		jwt.WithAcceptableSkew(cfg.Skew),
	}
	switch {
	case len(cfg.Secret) > 0 && cfg.JWKSURL != "":
		return nil, fmt.Errorf("only one of secret or jwks url may be configured")
	case len(cfg.Secret) > 0:
		opts = append(opts, jwt.WithKey(jwa.HS256, cfg.Secret))
	case cfg.JWKSURL != "":
		cache := jwk.NewCache(ctx)
		if err := cache.Register(cfg.JWKSURL); err != nil {
			return nil, fmt.Errorf("failed to register jwks url: %w", err)
		}
		if _, err := cache.Refresh(ctx, cfg.JWKSURL); err != nil {
			return nil, fmt.Errorf("failed to fetch jwks from %s: %w", cfg.JWKSURL, err)
		}
		opts = append(opts, jwt.WithKeySet(jwk.NewCachedSet(cache, cfg.JWKSURL)))
	default:
		return nil, fmt.Errorf("a jwt secret or jwks url is required")
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return &JWTResolver{
		parseOpts: opts,
		logger:    logger.With().Str("component", "JWTResolver").Logger(),
	}, nil
}

// Resolve implements events.IdentityResolver.
func (r *JWTResolver) Resolve(_ context.Context, token string) (events.Identity, error) {
	parsed, err := jwt.ParseString(token, r.parseOpts...)
	if err != nil {
		return events.Identity{}, fmt.Errorf("%w: %w", events.ErrUnauthorized, err)
	}
	if parsed.Subject() == "" {
		return events.Identity{}, fmt.Errorf("%w: token has no subject", events.ErrUnauthorized)
	}

	role := events.RoleStaff
	if raw, ok := parsed.Get(RoleClaim); ok {
		s, isString := raw.(string)
		if !isString || !events.Role(s).Known() {
			r.logger.Warn().Str("user", parsed.Subject()).Interface("role", raw).Msg("Token carries an unknown role")
			return events.Identity{}, fmt.Errorf("%w: unknown role %v", events.ErrUnauthorized, raw)
		}
		role = events.Role(s)
	}
	return events.Identity{UserID: parsed.Subject(), Role: role}, nil
}
