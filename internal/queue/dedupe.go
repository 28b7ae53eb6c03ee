package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// dedupeKey derives a stable hash over a Request's normalized fields, so
// two submissions describing the same indexing work collapse onto the
// same in-flight Job regardless of pattern ordering or path formatting.
func dedupeKey(r Request) string {
	patterns := append([]string(nil), r.Patterns...)
	sort.Strings(patterns)

	h := sha256.New()
	fmt.Fprintf(h, "path=%s\nop=%s\ncode=%t\npatterns=%s\n",
		filepath.Clean(r.Path), r.Op, r.Code, strings.Join(patterns, ","))
	return hex.EncodeToString(h.Sum(nil))
}
