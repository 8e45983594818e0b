package canonical

import (
	"strings"

	"github.com/google/uuid"
)

// NewID generates a 32-character lowercase hex identifier, the format
// every audit-store primary key (run, node, row, token, ...) uses.
func NewID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
