package validation

import (
	"fmt"
	"strings"

	"github.com/tkarna/visor/internal/domain"
)

// maxVideoRefLength bounds the accepted reference length (common filesystem
// path limit).
const maxVideoRefLength = 4096

// VideoRef checks an ingestion video reference before it reaches the
// workflow. References are opaque paths handed over by the record-management
// collaborator; control characters and traversal segments are rejected.
func VideoRef(ref string) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("video_ref is required")
	}
	if len(ref) > maxVideoRefLength {
		return fmt.Errorf("video_ref exceeds %d bytes", maxVideoRefLength)
	}
	for _, r := range ref {
		if r < 32 || r == 127 {
			return fmt.Errorf("video_ref contains control characters")
		}
	}
	for _, part := range strings.Split(ref, "/") {
		if part == ".." {
			return fmt.Errorf("video_ref must not contain traversal segments")
		}
	}
	return nil
}

// Priority checks an ingestion priority value.
func Priority(p int) error {
	if p < domain.PriorityHighest || p > domain.PriorityLowest {
		return fmt.Errorf("priority must be between %d and %d", domain.PriorityHighest, domain.PriorityLowest)
	}
	return nil
}
