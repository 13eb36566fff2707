package cdclake

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
)

// ErrNoCredentials is returned by a SecretResolver that has nothing for the
// requested scope.
var ErrNoCredentials = errors.New("no credentials")

// Purposes passed to SecretResolver.Resolve.
const (
	PurposeObjectStore = "object-store"
	PurposeCommitStore = "commit-store"
)

// Credentials are object-store access keys.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Empty reports whether c carries no access key.
func (c Credentials) Empty() bool { return c.AccessKeyID == "" }

// SecretResolver looks up credentials for a table scope and a purpose.
type SecretResolver interface {
	Resolve(ctx context.Context, scope, purpose string) (Credentials, error)
}

// SecretResolverFunc adapts a function to SecretResolver.
type SecretResolverFunc func(ctx context.Context, scope, purpose string) (Credentials, error)

// Resolve implements SecretResolver.
func (f SecretResolverFunc) Resolve(ctx context.Context, scope, purpose string) (Credentials, error) {
	return f(ctx, scope, purpose)
}

// StaticSecrets returns the same credentials for every scope.
type StaticSecrets Credentials

// Resolve implements SecretResolver.
func (s StaticSecrets) Resolve(context.Context, string, string) (Credentials, error) {
	c := Credentials(s)
	if c.Empty() {
		return Credentials{}, ErrNoCredentials
	}
	return c, nil
}

// EnvSecretResolver reads credentials from the environment.
//
// For scope "orders" it first tries CDCLAKE_ORDERS_ACCESS_KEY_ID,
// CDCLAKE_ORDERS_SECRET_ACCESS_KEY and CDCLAKE_ORDERS_SESSION_TOKEN, then
// the same names without the scope.
type EnvSecretResolver struct {
	Prefix string // defaults to "CDCLAKE"
}

// Resolve implements SecretResolver.
func (e EnvSecretResolver) Resolve(_ context.Context, scope, _ string) (Credentials, error) {
	prefix := e.Prefix
	if prefix == "" {
		prefix = "CDCLAKE"
	}
	var names []string
	if scope != "" {
		names = append(names, prefix+"_"+envName(scope)+"_")
	}
	names = append(names, prefix+"_")

	for _, p := range names {
		c := Credentials{
			AccessKeyID:     os.Getenv(p + "ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv(p + "SECRET_ACCESS_KEY"),
			SessionToken:    os.Getenv(p + "SESSION_TOKEN"),
		}
		if !c.Empty() {
			return c, nil
		}
	}
	return Credentials{}, ErrNoCredentials
}

func envName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, s)
}

// AWSSecretResolver resolves credentials through the default AWS chain
// (environment, shared config, instance roles).
type AWSSecretResolver struct {
	Region  string
	Profile string
}

// Resolve implements SecretResolver.
func (a AWSSecretResolver) Resolve(ctx context.Context, _, _ string) (Credentials, error) {
	var opts []func(*config.LoadOptions) error
	if a.Region != "" {
		opts = append(opts, config.WithRegion(a.Region))
	}
	if a.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(a.Profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return Credentials{}, fmt.Errorf("load aws config: %w", err)
	}
	if cfg.Credentials == nil {
		return Credentials{}, ErrNoCredentials
	}
	v, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: %w", ErrNoCredentials, err)
	}
	return Credentials{
		AccessKeyID:     v.AccessKeyID,
		SecretAccessKey: v.SecretAccessKey,
		SessionToken:    v.SessionToken,
	}, nil
}

// ChainSecrets tries each resolver in order until one returns credentials.
type ChainSecrets []SecretResolver

// Resolve implements SecretResolver.
func (c ChainSecrets) Resolve(ctx context.Context, scope, purpose string) (Credentials, error) {
	for _, r := range c {
		creds, err := r.Resolve(ctx, scope, purpose)
		if err == nil {
			return creds, nil
		}
		if !errors.Is(err, ErrNoCredentials) {
			return Credentials{}, err
		}
	}
	return Credentials{}, ErrNoCredentials
}
