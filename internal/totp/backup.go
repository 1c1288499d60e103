package totp

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

const backupCodeBytes = 4 // 8 hex characters

// GenerateBackupCodes returns n distinct codes of 8 uppercase hex characters.
func (e *Engine) GenerateBackupCodes(n int) ([]string, error) {
	codes := make([]string, 0, n)
	seen := make(map[string]struct{}, n)
	buf := make([]byte, backupCodeBytes)
	for len(codes) < n {
		if _, err := io.ReadFull(e.rand, buf); err != nil {
			return nil, fmt.Errorf("read random backup code: %w", err)
		}
		code := strings.ToUpper(hex.EncodeToString(buf))
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}
	return codes, nil
}

// MatchBackupCode returns the index of the first stored code equal to
// submitted, ignoring case and surrounding whitespace, or -1.
func MatchBackupCode(stored []string, submitted string) int {
	want := strings.ToUpper(strings.TrimSpace(submitted))
	if want == "" {
		return -1
	}
	for i, code := range stored {
		if strings.ToUpper(code) == want {
			return i
		}
	}
	return -1
}
