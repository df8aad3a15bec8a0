package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zalando/go-keyring"

	apiclient "github.com/splax/sitegate/pkg/api/client"
	"github.com/splax/sitegate/pkg/config"
)

const keyringService = "sitegate"

var errNotLoggedIn = errors.New("please login first using 'sitectl login'")

// session is the persisted CLI state plus the token for the configured API.
// Tokens live in the OS keyring, keyed by API base URL. The config file only
// carries a token when the keyring cannot be used.
type session struct {
	path string
	cfg  config.CLIConfig
}

func loadSession(path string) (*session, error) {
	if path == "" {
		p, err := config.DefaultCLIConfigPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	cfg, err := config.LoadCLIConfig(path)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		cfg.APIBaseURL = apiclient.DefaultBaseURL
	}
	return &session{path: path, cfg: cfg}, nil
}

func (s *session) client() (*apiclient.Client, error) {
	return apiclient.New(s.cfg.APIBaseURL)
}

func (s *session) token() (string, error) {
	if tok := strings.TrimSpace(s.cfg.AccessToken); tok != "" {
		return tok, nil
	}
	tok, err := keyring.Get(keyringService, s.cfg.APIBaseURL)
	switch {
	case errors.Is(err, keyring.ErrNotFound):
		return "", errNotLoggedIn
	case err != nil:
		return "", fmt.Errorf("read keyring: %w", err)
	}
	if !s.cfg.ExpiresAt.IsZero() && time.Now().After(s.cfg.ExpiresAt) {
		return "", errors.New("session expired, run 'sitectl login' again")
	}
	return tok, nil
}

// store persists a fresh login. It reports whether the token went to the
// keyring.
func (s *session) store(email, token string, expiresAt time.Time) (bool, error) {
	s.cfg.Email = email
	s.cfg.ExpiresAt = expiresAt
	inKeyring := true
	if err := keyring.Set(keyringService, s.cfg.APIBaseURL, token); err != nil {
		inKeyring = false
		s.cfg.AccessToken = token
	} else {
		s.cfg.AccessToken = ""
	}
	return inKeyring, config.SaveCLIConfig(s.path, s.cfg)
}

func (s *session) clear() error {
	if err := keyring.Delete(keyringService, s.cfg.APIBaseURL); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("delete keyring entry: %w", err)
	}
	s.cfg.AccessToken = ""
	s.cfg.ExpiresAt = time.Time{}
	return config.SaveCLIConfig(s.path, s.cfg)
}
