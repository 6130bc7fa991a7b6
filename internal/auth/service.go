package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"strconv"
	"strings"

	xerrors "PluginHost/internal/errors"
	"PluginHost/pkg/logger"
)

type credential struct {
	digest  [sha256.Size]byte
	subject Subject
}

// Service authenticates admin API requests against static bearer tokens.
type Service struct {
	mode        Mode
	credentials []credential
	audit       *slog.Logger
}

// NewService validates cfg and builds the service. An empty mode disables
// authentication.
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{mode: mode, audit: logger.Audit()}
	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeToken:
	default:
		return nil, xerrors.Newf(xerrors.CodeConfiguration, "unsupported auth mode %q", cfg.Mode)
	}
	if len(cfg.Tokens) == 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration, "token mode requires at least one token")
	}
	for i, tc := range cfg.Tokens {
		if strings.TrimSpace(tc.Token) == "" {
			return nil, xerrors.Newf(xerrors.CodeConfiguration, "auth token #%d is empty", i)
		}
		name := tc.Name
		if name == "" {
			name = "token-" + strconv.Itoa(i)
		}
		svc.credentials = append(svc.credentials, credential{
			digest: sha256.Sum256([]byte(tc.Token)),
			subject: Subject{
				Name:        name,
				Permissions: append([]string(nil), tc.Permissions...),
				Disabled:    tc.Disabled,
			},
		})
	}
	return svc, nil
}

// Mode returns the configured mode.
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest resolves an Authorization header to a subject.
func (s *Service) AuthenticateRequest(authorization string) (*Subject, error) {
	token, ok := strings.CutPrefix(strings.TrimSpace(authorization), "Bearer ")
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(token))
	var found *Subject
	for i := range s.credentials {
		if subtle.ConstantTimeCompare(digest[:], s.credentials[i].digest[:]) == 1 {
			subject := s.credentials[i].subject
			found = &subject
		}
	}
	if found == nil {
		return nil, ErrInvalidToken
	}
	if found.Disabled {
		return nil, ErrSubjectRevoked
	}
	found.normalise()
	return found, nil
}
