package storage

import (
	"github.com/google/uuid"

	"github.com/zatdb/zatdb/internal/codec"
)

// ParseUUIDValue parses a UUID string straight into a :db.type/uuid
// codec.Value, for CLI/API callers that accept values as strings.
func ParseUUIDValue(s string) (codec.Value, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return codec.Value{}, err
	}
	return codec.UUIDValue(u), nil
}
