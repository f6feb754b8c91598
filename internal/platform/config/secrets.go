package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

const (
	secretScheme       = "secret://"
	legacySecretScheme = "sm://"
)

// SecretResolver resolves secret:// references to their values.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts a function to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// SecretError describes one reference that failed to resolve. Ref is the reference, never the value.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError lists required secret fields that resolved to nothing.
type MissingSecretsError struct {
	names []string
}

func (e *MissingSecretsError) Error() string {
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// Names returns the config field names, e.g. "Gateways.EPaycoSecretKey", sorted.
func (e *MissingSecretsError) Names() []string {
	if e == nil {
		return nil
	}
	return append([]string(nil), e.names...)
}

// RedactedNames returns digests of Names, safe for logs.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil || len(e.names) == 0 {
		return nil
	}
	out := make([]string, len(e.names))
	for i, name := range e.names {
		out[i] = redactSecretName(name)
	}
	sort.Strings(out)
	return out
}

// SecretSettings configures the secret fetcher that backs SecretResolver. It is read before
// Load because Load needs the fetcher.
type SecretSettings struct {
	Environment     string
	DefaultProject  string
	Projects        map[string]string
	FallbackFile    string
	CacheTTL        time.Duration
	CredentialsFile string
}

// LoadSecretSettings reads SecretSettings using the same sources as Load.
func LoadSecretSettings(opts ...Option) (SecretSettings, error) {
	src, err := newSource(applyOptions(opts))
	if err != nil {
		return SecretSettings{}, err
	}
	settings := SecretSettings{
		Environment:     src.lower("API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment),
		DefaultProject:  src.str("API_SECRET_DEFAULT_PROJECT_ID", src.str("API_FIRESTORE_PROJECT_ID", "")),
		Projects:        src.pairs("API_SECRET_PROJECT_IDS"),
		FallbackFile:    src.str("API_SECRET_FALLBACK_FILE", defaultSecretFallbackFile),
		CredentialsFile: src.str("API_GOOGLE_CREDENTIALS_FILE", ""),
	}
	if raw := src.str("API_SECRET_CACHE_TTL", ""); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil || ttl < 0 {
			return SecretSettings{}, &ValidationError{fields: []string{"Secrets.CacheTTL"}}
		}
		settings.CacheTTL = ttl
	}
	return settings, nil
}

// RequiredSecrets names the secret fields Load must resolve. Optional integrations become
// required once their variable is set, so a dangling reference fails startup.
func RequiredSecrets(opts ...Option) ([]string, error) {
	src, err := newSource(applyOptions(opts))
	if err != nil {
		return nil, err
	}
	required := []string{
		"Commerce.ConsumerKey",
		"Commerce.ConsumerSecret",
		"Gateways.EPaycoClientID",
		"Gateways.EPaycoSecretKey",
	}
	optional := map[string]string{
		"API_GATEWAY_STRIPE_WEBHOOK_SECRET": "Gateways.StripeWebhookSecret",
		"API_REDIS_PASSWORD":                "Redis.Password",
	}
	for key, field := range optional {
		if strings.TrimSpace(src.str(key, "")) != "" {
			required = append(required, field)
		}
	}
	sort.Strings(required[4:])
	return required, nil
}

// resolveSecrets replaces references in place and returns the trimmed values by field name.
// Every failing reference is reported, not only the first.
func resolveSecrets(ctx context.Context, resolver SecretResolver, fields map[string]*string) (map[string]string, error) {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var result *multierror.Error
	resolved := make(map[string]string, len(fields))
	for _, name := range names {
		field := fields[name]
		value, err := resolveSecret(ctx, *field, resolver)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		*field = strings.TrimSpace(value)
		resolved[name] = *field
	}
	return resolved, result.ErrorOrNil()
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	ref, ok := secretReference(value)
	if !ok {
		return value, nil
	}
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

// secretReference reports whether value is a reference, rewriting the legacy sm:// scheme.
func secretReference(value string) (string, bool) {
	value = strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(value, legacySecretScheme); ok {
		return secretScheme + rest, true
	}
	return value, strings.HasPrefix(value, secretScheme)
}

func missingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	seen := map[string]bool{}
	var names []string
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if strings.TrimSpace(resolved[name]) == "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)
	return &MissingSecretsError{names: names}
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}
