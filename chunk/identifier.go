package chunk

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// Identifier derives a file identifier from its size, name and modification time.
//
// The result only depends on its inputs, so the same file selected again (in
// the same or in a later process) maps to the same identifier and the same
// chunk descriptors. Server side chunk probing relies on this to resume.
func Identifier(name string, size int64, modTime time.Time) string {
	var b strings.Builder
	for _, r := range name {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-') {
			b.WriteRune(r)
		}
	}

	if modTime.IsZero() {
		return fmt.Sprintf("%d-%s", size, b.String())
	}
	return fmt.Sprintf("%d-%s-%d", size, b.String(), modTime.UnixMilli())
}

// RandomIdentifier returns a new random identifier.
// Files identified this way can not be resumed from a later process.
func RandomIdentifier() string {
	return uuid.NewString()
}
