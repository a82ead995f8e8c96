package devserver

import (
	"context"

	"google.golang.org/api/idtoken"
)

// GoogleTokenValidator verifies a Google ID token against an audience.
// Tests inject a fake; production uses Google's certificate endpoints.
type GoogleTokenValidator interface {
	Validate(ctx context.Context, googleIDToken string, audience string) (*idtoken.Payload, error)
}

type googleAPIValidator struct {
	validator *idtoken.Validator
}

// NewGoogleTokenValidator builds a validator backed by Google's published
// signing certificates.
func NewGoogleTokenValidator(ctx context.Context) (GoogleTokenValidator, error) {
	validator, validatorErr := idtoken.NewValidator(ctx)
	if validatorErr != nil {
		return nil, validatorErr
	}
	return &googleAPIValidator{validator: validator}, nil
}

func (wrapper *googleAPIValidator) Validate(ctx context.Context, googleIDToken string, audience string) (*idtoken.Payload, error) {
	return wrapper.validator.Validate(ctx, googleIDToken, audience)
}
