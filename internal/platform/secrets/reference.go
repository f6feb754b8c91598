package secrets

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	referenceScheme = "secret"
	legacyScheme    = "sm"
	latestVersion   = "latest"
)

// Reference points at a Secret Manager secret: secret://NAME[?version=V&project=P].
// Configuration stores references instead of commerce keys and gateway credentials.
type Reference struct {
	Name    string
	Version string
	// Project pins the secret to a project regardless of environment mapping.
	Project string
}

// ParseReference parses a secret reference. The older sm:// scheme is accepted as an alias.
func ParseReference(raw string) (Reference, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Reference{}, errors.New("secrets: empty reference")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Reference{}, fmt.Errorf("secrets: invalid reference: %w", err)
	}
	if u.Scheme != referenceScheme && u.Scheme != legacyScheme {
		return Reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	ref := Reference{
		Name:    strings.Trim(u.Host+u.Path, "/"),
		Version: strings.TrimSpace(u.Query().Get("version")),
		Project: strings.TrimSpace(u.Query().Get("project")),
	}
	if ref.Name == "" {
		return Reference{}, errors.New("secrets: missing secret name")
	}
	if ref.Version == "" {
		ref.Version = latestVersion
	}
	return ref, nil
}

// String renders the canonical form, omitting defaults.
func (r Reference) String() string {
	q := url.Values{}
	if r.Version != "" && r.Version != latestVersion {
		q.Set("version", r.Version)
	}
	if r.Project != "" {
		q.Set("project", r.Project)
	}
	u := url.URL{Scheme: referenceScheme, Host: r.Name, RawQuery: q.Encode()}
	return u.String()
}

// Masked is a stable short digest safe to log; secret names can hint at the merchant.
func (r Reference) Masked() string {
	sum := sha256.Sum256([]byte(r.Name + "@" + r.Project))
	return hex.EncodeToString(sum[:8])
}

func (r Reference) cacheKey() string {
	return r.Project + "/" + r.Name + "#" + r.Version
}

func (r Reference) resourceName(project string) string {
	return "projects/" + project + "/secrets/" + r.Name + "/versions/" + r.Version
}
