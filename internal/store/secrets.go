package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// secretCacheTTL bounds staleness of secret reads. Rotation invalidates
// explicitly, so the TTL only covers out-of-band edits.
const secretCacheTTL = 5 * time.Minute

// SecretsSchema is the DDL for the secret store.
const SecretsSchema = `
CREATE TABLE IF NOT EXISTS secrets (
    project    TEXT NOT NULL,
    name       TEXT NOT NULL,
    version    BIGINT NOT NULL,
    value      TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (project, name, version)
);
`

// ErrBadSecretName is returned for resource names that do not match
// projects/<project>/secrets/<name>/versions/<version>.
var ErrBadSecretName = errors.New("store: malformed secret resource name")

// Secrets reads and rotates resource-named secrets. Names follow
// projects/<project>/secrets/<name>/versions/<version>; the version
// segment "latest" resolves to the highest stored version.
type Secrets struct {
	db DB

	mu    sync.Mutex
	cache map[string]secretEntry
	now   func() time.Time
}

type secretEntry struct {
	value     string
	expiresAt time.Time
}

// NewSecrets creates a secret store over db.
func NewSecrets(db DB) *Secrets {
	return &Secrets{
		db:    db,
		cache: make(map[string]secretEntry),
		now:   time.Now,
	}
}

// Migrate executes the [SecretsSchema] DDL.
func (s *Secrets) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, SecretsSchema); err != nil {
		return fmt.Errorf("store: migrate secrets: %w", err)
	}
	return nil
}

// secretRef is a parsed resource name.
type secretRef struct {
	project string
	name    string
	version string // numeric string or "latest"
}

func parseSecretName(resource string) (secretRef, error) {
	parts := strings.Split(resource, "/")
	if len(parts) != 6 || parts[0] != "projects" || parts[2] != "secrets" || parts[4] != "versions" {
		return secretRef{}, fmt.Errorf("%w: %q", ErrBadSecretName, resource)
	}
	if parts[1] == "" || parts[3] == "" || parts[5] == "" {
		return secretRef{}, fmt.Errorf("%w: %q", ErrBadSecretName, resource)
	}
	return secretRef{project: parts[1], name: parts[3], version: parts[5]}, nil
}

// Access returns the secret value for the given resource name.
func (s *Secrets) Access(ctx context.Context, resource string) (string, error) {
	ref, err := parseSecretName(resource)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	if e, ok := s.cache[resource]; ok && s.now().Before(e.expiresAt) {
		s.mu.Unlock()
		return e.value, nil
	}
	s.mu.Unlock()

	var value string
	if ref.version == "latest" {
		err = s.db.QueryRow(ctx, `
			SELECT value FROM secrets WHERE project = $1 AND name = $2
			ORDER BY version DESC LIMIT 1`, ref.project, ref.name).Scan(&value)
	} else {
		err = s.db.QueryRow(ctx, `
			SELECT value FROM secrets WHERE project = $1 AND name = $2 AND version = $3`,
			ref.project, ref.name, ref.version).Scan(&value)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("store: secret %q: %w", resource, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("store: access secret %q: %w", resource, err)
	}

	s.mu.Lock()
	s.cache[resource] = secretEntry{value: value, expiresAt: s.now().Add(secretCacheTTL)}
	s.mu.Unlock()
	return value, nil
}

// AddVersion appends a new version of the secret and invalidates every
// cached reference to it (including "latest"). The resource name may
// carry any version segment; only project and name are used.
func (s *Secrets) AddVersion(ctx context.Context, resource, value string) error {
	ref, err := parseSecretName(resource)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO secrets (project, name, version, value)
		SELECT $1, $2, COALESCE(MAX(version), 0) + 1, $3
		FROM secrets WHERE project = $1 AND name = $2`,
		ref.project, ref.name, value)
	if err != nil {
		return fmt.Errorf("store: add secret version %q: %w", resource, err)
	}

	prefix := "projects/" + ref.project + "/secrets/" + ref.name + "/versions/"
	s.mu.Lock()
	for k := range s.cache {
		if strings.HasPrefix(k, prefix) {
			delete(s.cache, k)
		}
	}
	s.mu.Unlock()
	return nil
}
