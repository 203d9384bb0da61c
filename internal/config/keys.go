package config

import (
	"fmt"
	"strings"
)

// ParseDetachKey converts a key description such as "ctrl-q", "C-]" or
// "^\" into the control byte the terminal sends for it.
func ParseDetachKey(s string) (byte, error) {
	k := strings.ToLower(strings.TrimSpace(s))
	for _, prefix := range []string{"ctrl-", "ctrl+", "c-", "^"} {
		if rest, ok := strings.CutPrefix(k, prefix); ok {
			k = rest
			if len(k) != 1 {
				break
			}
			c := k[0]
			switch {
			case c >= 'a' && c <= 'z':
				return c - 'a' + 1, nil
			case c >= '[' && c <= '_':
				return c - '@', nil
			}
			return 0, fmt.Errorf("unsupported control key %q", s)
		}
	}
	return 0, fmt.Errorf("detach key must look like ctrl-<letter>, got %q", s)
}

// DetachByte returns the parsed detach key, falling back to Ctrl-Q.
func (c *SessionConfig) DetachByte() byte {
	b, err := ParseDetachKey(c.DetachKey)
	if err != nil {
		return 0x11
	}
	return b
}
