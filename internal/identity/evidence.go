package identity

import (
	"fmt"
	"regexp"
	"strings"
)

// EvidenceScheme is one of the three legal evidence-URI schemes (I6).
type EvidenceScheme string

const (
	SchemeMemory  EvidenceScheme = "memory"
	SchemeArtifact EvidenceScheme = "artifact" // legacy
	SchemeFile    EvidenceScheme = "file"      // local fallback
)

var sha256Pattern = regexp.MustCompile(`^[a-fA-F0-9]{64}$`)

// ValidSHA256 reports whether s is a well-formed lowercase-or-mixed-case
// 64 hex-char sha256 digest string.
func ValidSHA256(s string) bool {
	return sha256Pattern.MatchString(s)
}

// PatchBlobEvidenceURI builds memory://patch_blobs/<source_type>/<source_id>/<sha256>,
// the only legal evidence_uri shape for a patch_blob row (I6).
func PatchBlobEvidenceURI(sourceType string, sourceID SourceID, sha256 string) string {
	return fmt.Sprintf("memory://patch_blobs/%s/%s/%s", sourceType, sourceID.String(), sha256)
}

// AttachmentEvidenceURI builds memory://attachments/<attachment_id>/<sha256>,
// the only legal evidence_uri shape for a non-patch attachment (I6).
func AttachmentEvidenceURI(attachmentID string, sha256 string) string {
	return fmt.Sprintf("memory://attachments/%s/%s", attachmentID, sha256)
}

// ParseEvidenceURI splits a scheme off an evidence_uri and validates it
// is one of the three legal schemes.
func ParseEvidenceURI(uri string) (EvidenceScheme, string, error) {
	idx := strings.Index(uri, "://")
	if idx < 0 {
		return "", "", fmt.Errorf("identity: %q has no scheme separator", uri)
	}
	scheme := EvidenceScheme(uri[:idx])
	rest := uri[idx+3:]
	switch scheme {
	case SchemeMemory, SchemeArtifact, SchemeFile:
		return scheme, rest, nil
	default:
		return "", "", fmt.Errorf("identity: %q has illegal evidence scheme %q", uri, scheme)
	}
}

// CheckSchemeExclusivity enforces I6: a memory://patch_blobs/ URI may only
// be attached to a patch_blob row, and memory://attachments/ only to an
// attachment row. ownerKind is "patch_blob" or "attachment".
func CheckSchemeExclusivity(uri, ownerKind string) error {
	scheme, rest, err := ParseEvidenceURI(uri)
	if err != nil {
		return err
	}
	if scheme != SchemeMemory {
		return nil // artifact:// and file:// are not subject to I6's cross-use rule
	}
	switch {
	case strings.HasPrefix(rest, "patch_blobs/") && ownerKind != "patch_blob":
		return fmt.Errorf("identity: scheme_violation: %q is a patch_blobs evidence_uri on a %s row", uri, ownerKind)
	case strings.HasPrefix(rest, "attachments/") && ownerKind != "attachment":
		return fmt.Errorf("identity: scheme_violation: %q is an attachments evidence_uri on a %s row", uri, ownerKind)
	}
	return nil
}
