package server

import (
	"context"
	"crypto/subtle"
	"fmt"
)

// Authenticator decides whether an executor may attach. Policy lives outside this
// package; the server only enforces the answer.
type Authenticator interface {
	Authenticate(ctx context.Context, executorID, apiKey string) error
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, executorID, apiKey string) error

// Authenticate calls f(ctx, executorID, apiKey).
func (f AuthenticatorFunc) Authenticate(ctx context.Context, executorID, apiKey string) error {
	return f(ctx, executorID, apiKey)
}

// StaticKeys accepts any of keys. With no keys every apiKey is accepted.
func StaticKeys(keys ...string) Authenticator {
	return AuthenticatorFunc(func(_ context.Context, _ string, apiKey string) error {
		if len(keys) == 0 {
			return nil
		}
		for _, k := range keys {
			if subtle.ConstantTimeCompare([]byte(k), []byte(apiKey)) == 1 {
				return nil
			}
		}
		return fmt.Errorf("unknown api key")
	})
}
