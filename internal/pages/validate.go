// Package pages implements guild-scoped (or platform-wide) content pages:
// slug+position addressed entries with soft delete, reordering, content
// hashing for change detection, and optional read-acceptance tracking.
package pages

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/wolftown/canis/internal/domain"
)

const maxSlugLength = 100

// deletedSlugCooldownDays is how long a deleted page's slug stays
// reserved before it can be reused in the same scope.
const deletedSlugCooldownDays = 30

// reservedSlugs are system paths a page may never claim.
var reservedSlugs = map[string]struct{}{
	"api": {}, "admin": {}, "settings": {}, "login": {}, "logout": {},
	"register": {}, "new": {}, "edit": {}, "delete": {}, "static": {},
}

// Slugify derives a URL-friendly slug from a title: lowercased, non
// alphanumeric runs collapsed to a single hyphen, hard-truncated to
// maxSlugLength.
func Slugify(title string) string {
	var b strings.Builder
	lastHyphen := false
	for _, c := range strings.ToLower(title) {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			b.WriteRune(c)
			lastHyphen = false
		default:
			if !lastHyphen && b.Len() > 0 {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	slug := strings.TrimRight(b.String(), "-")
	if len(slug) > maxSlugLength {
		slug = slug[:maxSlugLength]
	}
	return slug
}

// IsReservedSlug reports whether slug is a reserved system path.
func IsReservedSlug(slug string) bool {
	_, ok := reservedSlugs[slug]
	return ok
}

// ValidateSlug rejects empty, over-length, or reserved slugs.
func ValidateSlug(slug string) error {
	if slug == "" || len(slug) > maxSlugLength {
		return domain.ErrPageSlugTaken
	}
	if IsReservedSlug(slug) {
		return domain.ErrPageSlugTaken
	}
	return nil
}

// HashContent returns the hex-encoded SHA-256 of content, used to detect
// whether a page changed since a user last accepted it.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
