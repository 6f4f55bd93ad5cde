package policy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/onlyfeng/engram-sub002/internal/card"
	"github.com/onlyfeng/engram-sub002/internal/store"
)

func validEvidenceSlice() []card.Evidence {
	return []card.Evidence{{URI: "git://repo/1", SHA256: strings.Repeat("a", 64)}}
}

// ============================================================================
// DECIDE — ALLOW PATH
// ============================================================================

func TestDecide_AllowsByDefault(t *testing.T) {
	settings := store.DefaultPolicySettings("proj-1")
	d := Decide("alice", "team:infra", card.KindFact, validEvidenceSlice(), true, settings)
	assert.Equal(t, ActionAllow, d.Action)
	assert.Equal(t, "team:infra", d.FinalSpace)
}

// ============================================================================
// DECIDE — TEAM WRITE REDIRECT
// ============================================================================

func TestDecide_RedirectsWhenTeamWriteDisabled(t *testing.T) {
	settings := store.DefaultPolicySettings("proj-1")
	settings.TeamWriteEnabled = false

	d := Decide("alice", "team:infra", card.KindFact, validEvidenceSlice(), true, settings)
	assert.Equal(t, ActionRedirect, d.Action)
	assert.Equal(t, "policy:team_write_disabled", d.Reason)
	assert.Equal(t, settings.PolicyJSON.PrivateSpacePrefix+"alice", d.FinalSpace)
}

func TestDecide_NonTeamSpaceUnaffectedByTeamWriteDisabled(t *testing.T) {
	settings := store.DefaultPolicySettings("proj-1")
	settings.TeamWriteEnabled = false

	d := Decide("alice", "private:proj-1:alice", card.KindFact, validEvidenceSlice(), true, settings)
	assert.Equal(t, ActionAllow, d.Action)
}

// ============================================================================
// DECIDE — UNKNOWN ACTOR
// ============================================================================

func TestDecide_RejectsUnknownActorWhenConfigured(t *testing.T) {
	settings := store.DefaultPolicySettings("proj-1")
	settings.PolicyJSON.UnknownActorPolicy = "reject"

	d := Decide("ghost", "team:infra", card.KindFact, validEvidenceSlice(), false, settings)
	assert.Equal(t, ActionReject, d.Action)
	assert.Equal(t, "policy:unknown_actor", d.Reason)
}

func TestDecide_AllowsUnknownActorWhenDegrade(t *testing.T) {
	settings := store.DefaultPolicySettings("proj-1") // default is "degrade"
	d := Decide("ghost", "team:infra", card.KindFact, validEvidenceSlice(), false, settings)
	assert.Equal(t, ActionAllow, d.Action)
}

// ============================================================================
// DECIDE — EVIDENCE VALIDATION
// ============================================================================

func TestDecide_RejectsInvalidEvidenceWhenValidationEnabled(t *testing.T) {
	settings := store.DefaultPolicySettings("proj-1")
	settings.PolicyJSON.ValidateEvidenceRefs = true

	badEvidence := []card.Evidence{{URI: "ftp://repo/1", SHA256: strings.Repeat("a", 64)}}
	d := Decide("alice", "team:infra", card.KindFact, badEvidence, true, settings)
	assert.Equal(t, ActionReject, d.Action)
	assert.Equal(t, "evidence:invalid", d.Reason)
}

func TestDecide_RejectsBadSHAWhenValidationEnabled(t *testing.T) {
	settings := store.DefaultPolicySettings("proj-1")
	settings.PolicyJSON.ValidateEvidenceRefs = true

	badEvidence := []card.Evidence{{URI: "git://repo/1", SHA256: "not-a-sha"}}
	d := Decide("alice", "team:infra", card.KindFact, badEvidence, true, settings)
	assert.Equal(t, ActionReject, d.Action)
}

func TestDecide_SkipsEvidenceValidationWhenDisabled(t *testing.T) {
	settings := store.DefaultPolicySettings("proj-1")
	settings.PolicyJSON.ValidateEvidenceRefs = false

	badEvidence := []card.Evidence{{URI: "ftp://repo/1", SHA256: "bad"}}
	d := Decide("alice", "team:infra", card.KindFact, badEvidence, true, settings)
	assert.Equal(t, ActionAllow, d.Action)
}
