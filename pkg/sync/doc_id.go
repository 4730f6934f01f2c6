package sync

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidDocID indicates a document id that cannot be used as a log key.
var ErrInvalidDocID = errors.New("invalid document id")

const maxDocIDLen = 128

// ValidateDocID 校验文档 ID。ID 会拼进存储键，必须排除分隔符与控制字符。
func ValidateDocID(raw string) error {
	id := strings.TrimSpace(raw)
	if id == "" || id != raw {
		return fmt.Errorf("document id %q: %w", raw, ErrInvalidDocID)
	}
	if len(id) > maxDocIDLen {
		return fmt.Errorf("document id longer than %d bytes: %w", maxDocIDLen, ErrInvalidDocID)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return fmt.Errorf("document id %q contains %q: %w", id, r, ErrInvalidDocID)
		}
	}
	if id == "." || id == ".." {
		return fmt.Errorf("document id %q: %w", id, ErrInvalidDocID)
	}
	return nil
}
