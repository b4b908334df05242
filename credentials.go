package libchannel

import (
	"context"
	"sync"
)

type (
	// TokenSource returns the bearer token used when the Manager reconnects on its own.
	TokenSource func(ctx context.Context) (string, error)

	// credentialsRepo remembers the last token handed to Connect and falls back to it when no
	// TokenSource is configured.
	credentialsRepo struct {
		logger logger
		source TokenSource

		mu   sync.RWMutex
		last string
	}
)

func newCredentialsRepo(logger logger, source TokenSource) *credentialsRepo {
	return &credentialsRepo{logger: logger, source: source}
}

// Remember stores the token of an explicit Connect call.
func (r *credentialsRepo) Remember(token string) {
	r.mu.Lock()
	r.last = token
	r.mu.Unlock()
}

// Get resolves the token for a retry or a manual recover.
func (r *credentialsRepo) Get(ctx context.Context) (token string, err error) {
	if r.source != nil {
		token, err = r.source(ctx)
		if err != nil {
			r.logger.Errorf("cannot fetch token: %s", err)
			return "", err
		}
		return token, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last, nil
}

// StaticTokenSource always returns token.
func StaticTokenSource(token string) TokenSource {
	return func(context.Context) (string, error) {
		return token, nil
	}
}
