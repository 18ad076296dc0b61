// Package utils provides shared utility functions for tphctl.
package utils

import (
	"fmt"
	"strconv"
	"strings"
)

// NormalizeBDF lower-cases a PCI address and prepends the default domain
// when it is missing ("17:00.0" → "0000:17:00.0").
func NormalizeBDF(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if strings.Count(s, ":") == 1 {
		s = "0000:" + s
	}
	return s
}

// ParseUint16 parses a decimal or 0x-prefixed value that must fit in 16 bits.
func ParseUint16(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid 16-bit value %q", s)
	}
	return uint16(v), nil
}
