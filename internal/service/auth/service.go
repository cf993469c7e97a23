package auth

import (
	"context"
	"errors"
	"strings"

	"log/slog"

	"github.com/splax/launchpad/pkg/config"
	jwtpkg "github.com/splax/launchpad/pkg/jwt"
)

// ErrTokenRequired is returned when no token was presented.
var ErrTokenRequired = errors.New("token required")

// Principal is the authenticated caller.
type Principal struct {
	UserID   int64
	Username string
}

// Service validates bearer tokens issued by the identity provider.
type Service struct {
	logger *slog.Logger
	secret string
}

// New constructs a Service.
func New(logger *slog.Logger, cfg config.APIConfig) Service {
	return Service{logger: logger, secret: cfg.JWTSecret}
}

// Authorize validates a bearer token and returns the principal it names.
func (s Service) Authorize(_ context.Context, token string) (Principal, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return Principal{}, ErrTokenRequired
	}
	claims, err := jwtpkg.Parse(trimmed, s.secret)
	if err != nil {
		return Principal{}, err
	}
	return Principal{UserID: claims.UserID, Username: claims.Username}, nil
}
