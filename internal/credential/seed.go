// ABOUTME: Operator bootstrap of tenant credentials from a TOML seed file
// ABOUTME: Used by the `relay-gateway import` command to provision without the HTTP API

package credential

import (
	"context"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// SeedFile is the TOML layout accepted by ImportSeed.
type SeedFile struct {
	Tenants []SeedTenant `toml:"tenant"`
}

// SeedTenant describes one tenant entry in a seed file.
type SeedTenant struct {
	ID                string   `toml:"id"`
	ConnectionID      string   `toml:"connection_id"`
	ConnectionSecret  string   `toml:"connection_secret"`
	SessionBlobBase64 string   `toml:"session_blob_base64"`
	Aliases           []string `toml:"aliases"`
}

// ImportSeed reads a TOML seed file and stores every tenant credential in it.
// Returns the number of credentials written. The whole file is validated before
// anything is written so a typo does not leave a half-imported store.
func ImportSeed(ctx context.Context, store Store, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading seed file: %w", err)
	}

	var seed SeedFile
	if _, err := toml.Decode(string(data), &seed); err != nil {
		return 0, fmt.Errorf("parsing seed file: %w", err)
	}
	if len(seed.Tenants) == 0 {
		return 0, fmt.Errorf("seed file has no [[tenant]] entries")
	}

	creds := make([]*Credential, 0, len(seed.Tenants))
	for i, t := range seed.Tenants {
		blob, err := DecodeBlob(t.SessionBlobBase64)
		if err != nil {
			return 0, fmt.Errorf("tenant %q (entry %d): %w", t.ID, i+1, err)
		}
		cred := &Credential{
			TenantID:         t.ID,
			ConnectionID:     t.ConnectionID,
			ConnectionSecret: t.ConnectionSecret,
			SessionBlob:      blob,
		}
		if err := cred.Validate(); err != nil {
			return 0, fmt.Errorf("tenant %q (entry %d): %w", t.ID, i+1, err)
		}
		creds = append(creds, cred)
	}

	aliasStore, _ := store.(interface {
		PutAlias(ctx context.Context, alias, tenantID string) error
	})

	for i, cred := range creds {
		if err := store.Put(ctx, cred); err != nil {
			return i, fmt.Errorf("storing tenant %q: %w", cred.TenantID, err)
		}
		if aliasStore != nil {
			for _, alias := range seed.Tenants[i].Aliases {
				if err := aliasStore.PutAlias(ctx, alias, cred.TenantID); err != nil {
					return i + 1, fmt.Errorf("storing alias %q: %w", alias, err)
				}
			}
		}
	}

	return len(creds), nil
}
