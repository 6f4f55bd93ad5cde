package identity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// SHA256 VALIDATION
// ============================================================================

func TestValidSHA256(t *testing.T) {
	assert.True(t, ValidSHA256(strings.Repeat("a", 64)))
	assert.True(t, ValidSHA256(strings.Repeat("F", 64)))
	assert.False(t, ValidSHA256(strings.Repeat("a", 63)))
	assert.False(t, ValidSHA256(strings.Repeat("a", 65)))
	assert.False(t, ValidSHA256(strings.Repeat("g", 64)))
	assert.False(t, ValidSHA256(""))
}

// ============================================================================
// EVIDENCE URI BUILDING
// ============================================================================

func TestPatchBlobEvidenceURI(t *testing.T) {
	sha := strings.Repeat("a", 64)
	uri := PatchBlobEvidenceURI("git", NewGitSourceID(3, "deadbeef"), sha)
	assert.Equal(t, "memory://patch_blobs/git/git:3:deadbeef/"+sha, uri)
}

func TestAttachmentEvidenceURI(t *testing.T) {
	sha := strings.Repeat("b", 64)
	uri := AttachmentEvidenceURI("att-1", sha)
	assert.Equal(t, "memory://attachments/att-1/"+sha, uri)
}

// ============================================================================
// SCHEME PARSING
// ============================================================================

func TestParseEvidenceURI_LegalSchemes(t *testing.T) {
	scheme, rest, err := ParseEvidenceURI("memory://patch_blobs/git/git:1:abc/" + strings.Repeat("a", 64))
	require.NoError(t, err)
	assert.Equal(t, SchemeMemory, scheme)
	assert.Contains(t, rest, "patch_blobs/")

	scheme, _, err = ParseEvidenceURI("artifact://some/path")
	require.NoError(t, err)
	assert.Equal(t, SchemeArtifact, scheme)

	scheme, _, err = ParseEvidenceURI("file:///tmp/x")
	require.NoError(t, err)
	assert.Equal(t, SchemeFile, scheme)
}

func TestParseEvidenceURI_IllegalScheme(t *testing.T) {
	_, _, err := ParseEvidenceURI("http://example.com/x")
	assert.Error(t, err)
}

func TestParseEvidenceURI_NoScheme(t *testing.T) {
	_, _, err := ParseEvidenceURI("not-a-uri")
	assert.Error(t, err)
}

// ============================================================================
// SCHEME EXCLUSIVITY (I6)
// ============================================================================

func TestCheckSchemeExclusivity_CorrectOwner(t *testing.T) {
	sha := strings.Repeat("a", 64)
	patchURI := PatchBlobEvidenceURI("git", NewGitSourceID(1, "abc1234"), sha)
	assert.NoError(t, CheckSchemeExclusivity(patchURI, "patch_blob"))

	attURI := AttachmentEvidenceURI("att-1", sha)
	assert.NoError(t, CheckSchemeExclusivity(attURI, "attachment"))
}

func TestCheckSchemeExclusivity_CrossUseViolation(t *testing.T) {
	sha := strings.Repeat("a", 64)
	patchURI := PatchBlobEvidenceURI("git", NewGitSourceID(1, "abc1234"), sha)
	err := CheckSchemeExclusivity(patchURI, "attachment")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheme_violation")

	attURI := AttachmentEvidenceURI("att-1", sha)
	err = CheckSchemeExclusivity(attURI, "patch_blob")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheme_violation")
}

func TestCheckSchemeExclusivity_NonMemorySchemeExempt(t *testing.T) {
	assert.NoError(t, CheckSchemeExclusivity("artifact://patch_blobs/whatever", "attachment"))
	assert.NoError(t, CheckSchemeExclusivity("file:///tmp/whatever", "patch_blob"))
}
