package remote

import "context"

// CredentialSource is the seam to the authentication provider collaborator.
// The sync core never implements authentication itself; it only asks whether
// a usable session exists and attaches credentials to outgoing calls.
type CredentialSource interface {
	// Token returns the bearer token to attach to a remote call.
	// Returns *AuthError when the session is invalid or expired.
	Token(ctx context.Context) (string, error)

	// Connected reports whether a usable network session exists.
	Connected() bool
}

// StaticCredentials is a CredentialSource backed by a fixed API key,
// suitable for provisioned devices.
type StaticCredentials struct {
	APIKey string
}

func (c StaticCredentials) Token(ctx context.Context) (string, error) {
	if c.APIKey == "" {
		return "", &AuthError{Detail: "no API key configured"}
	}
	return c.APIKey, nil
}

func (c StaticCredentials) Connected() bool {
	return c.APIKey != ""
}
