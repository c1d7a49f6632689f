// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/tidwall/jsonc"

	"github.com/weft-foundation/weft/lib/identity"
)

// FileRegistry serves records from a local peers file, for small
// deployments and tests that run without a naming service. The file
// is JSONC (JSON with comments and trailing commas) holding an array
// of Records.
type FileRegistry struct {
	path string

	mu      sync.RWMutex
	records map[string]Record
}

var _ Registry = (*FileRegistry)(nil)

// NewFileRegistry loads the peers file at path. Records with
// unparseable identities are rejected at load time, not at lookup
// time, so a typo in the file surfaces at startup.
func NewFileRegistry(path string) (*FileRegistry, error) {
	r := &FileRegistry{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the peers file, replacing all records atomically.
func (r *FileRegistry) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("registry: reading peers file: %w", err)
	}

	var records []Record
	if err := json.Unmarshal(jsonc.ToJSON(data), &records); err != nil {
		return fmt.Errorf("registry: parsing peers file %s: %w", r.path, err)
	}

	indexed := make(map[string]Record, len(records))
	for _, record := range records {
		id, err := identity.Parse(record.Identity)
		if err != nil {
			return fmt.Errorf("registry: peers file entry %q: %w", record.Identity, err)
		}
		indexed[id.NodeIdentity().String()] = record
	}

	r.mu.Lock()
	r.records = indexed
	r.mu.Unlock()
	return nil
}

// Lookup implements Registry. The file is local, so there is no
// transient failure mode; absence is always ErrUnknownIdentity.
func (r *FileRegistry) Lookup(_ context.Context, id identity.Identity) (Record, error) {
	r.mu.RLock()
	record, ok := r.records[id.NodeIdentity().String()]
	r.mu.RUnlock()
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownIdentity, id)
	}
	return record, nil
}
