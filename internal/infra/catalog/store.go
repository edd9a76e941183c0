package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"mcpool/internal/domain"
)

var snapshotBucket = []byte("tool_catalogs")

// Store persists per-provider tool catalog snapshots so the tool list can be
// inspected without spinning up provider sessions.
type Store struct {
	db *bolt.DB
}

func OpenStore(path string) (*Store, error) {
	if path == "" {
		return nil, domain.E(domain.CodeInvalidArgument, "open catalog store", "path is empty", nil)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, domain.E(domain.CodeCatalog, "open catalog store", "", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, domain.E(domain.CodeCatalog, "open catalog store", "", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, domain.E(domain.CodeCatalog, "open catalog store", "", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Put overwrites the snapshot for a provider. The etag is a content hash of
// the tool list, so an unchanged catalog keeps a stable etag across reloads.
func (s *Store) Put(provider string, tools []domain.ToolDefinition) error {
	snapshot := domain.ToolCatalogSnapshot{
		Provider: provider,
		ETag:     catalogETag(tools),
		CachedAt: time.Now().UTC(),
		Tools:    tools,
	}
	encoded, err := json.Marshal(snapshot)
	if err != nil {
		return domain.E(domain.CodeCatalog, "write catalog snapshot", "", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotBucket).Put([]byte(provider), encoded)
	})
	if err != nil {
		return domain.E(domain.CodeCatalog, "write catalog snapshot", "", err)
	}
	return nil
}

func (s *Store) Get(provider string) (*domain.ToolCatalogSnapshot, error) {
	var encoded []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(snapshotBucket).Get([]byte(provider)); raw != nil {
			encoded = append([]byte(nil), raw...)
		}
		return nil
	})
	if err != nil {
		return nil, domain.E(domain.CodeCatalog, "read catalog snapshot", "", err)
	}
	if encoded == nil {
		return nil, domain.E(domain.CodeCatalog, "read catalog snapshot",
			fmt.Sprintf("no snapshot for provider %s", provider), nil)
	}

	var snapshot domain.ToolCatalogSnapshot
	if err := json.Unmarshal(encoded, &snapshot); err != nil {
		return nil, domain.E(domain.CodeCatalog, "read catalog snapshot", "", err)
	}
	return &snapshot, nil
}

// Providers lists every provider with a persisted snapshot.
func (s *Store) Providers() ([]string, error) {
	var providers []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotBucket).ForEach(func(k, v []byte) error {
			providers = append(providers, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, domain.E(domain.CodeCatalog, "list catalog snapshots", "", err)
	}
	return providers, nil
}

func catalogETag(tools []domain.ToolDefinition) string {
	hash := sha256.New()
	for _, tool := range tools {
		hash.Write([]byte(tool.Name))
		hash.Write([]byte{0})
		hash.Write(tool.ToolJSON)
		hash.Write([]byte{0})
	}
	return hex.EncodeToString(hash.Sum(nil))[:16]
}
