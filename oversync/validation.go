// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Clsan122/fretepro-sync/entity"
	"github.com/google/uuid"
)

// Validation error sentinels for better error mapping
var (
	ErrBadPayload  = errors.New("bad_payload")
	ErrUnknownType = errors.New("unknown_entity_type")
)

// validateIdentity checks the entity type and the sync id format.
func (s *SyncService) validateIdentity(t entity.Type, syncID string) error {
	if !t.Valid() || !s.IsTypeServed(t) {
		return fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	if _, err := uuid.Parse(syncID); err != nil {
		return fmt.Errorf("%w: invalid sync id %q", ErrBadPayload, syncID)
	}
	return nil
}

// validateUpsert checks identity, version and payload shape for a write.
func (s *SyncService) validateUpsert(t entity.Type, syncID string, version int64, payload json.RawMessage) error {
	if err := s.validateIdentity(t, syncID); err != nil {
		return err
	}
	if version < 1 {
		return fmt.Errorf("%w: version must be >= 1, got %d", ErrBadPayload, version)
	}
	if s.config.MaxPayloadBytes > 0 && len(payload) > s.config.MaxPayloadBytes {
		return fmt.Errorf("%w: payload too large: %d > %d", ErrBadPayload, len(payload), s.config.MaxPayloadBytes)
	}
	if _, err := entity.Decode(t, payload); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return nil
}
