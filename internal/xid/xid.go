package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// New returns a prefixed, time-ordered, collision-resistant id.
func New(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), hex.EncodeToString(buf))
}

// Code returns a short human-readable code for receipts and tab slips,
// e.g. TAB-20260830-7F3A2C.
func Code(prefix string, at time.Time) string {
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%s", strings.ToUpper(prefix), at.UTC().Format("20060102-150405"))
	}
	return fmt.Sprintf("%s-%s-%s", strings.ToUpper(prefix), at.UTC().Format("20060102"), strings.ToUpper(hex.EncodeToString(buf)))
}
