// Package policy implements the per-project_key write policy (C11):
// allow, redirect to a private space, or reject a memory write before
// it reaches external memory.
package policy

import (
	"regexp"
	"strings"

	"github.com/onlyfeng/engram-sub002/internal/card"
	"github.com/onlyfeng/engram-sub002/internal/store"
)

type Action string

const (
	ActionAllow    Action = "allow"
	ActionRedirect Action = "redirect"
	ActionReject   Action = "reject"
)

type Decision struct {
	Action     Action
	Reason     string
	FinalSpace string
}

var sha256Pattern = regexp.MustCompile(`^[a-fA-F0-9]{64}$`)
var validSchemes = map[string]bool{"memory": true, "svn": true, "git": true, "https": true}

func isTeamSpace(space string) bool {
	return strings.HasPrefix(space, "team:")
}

// validEvidence checks the scheme-set and sha256 format invariants
// from the card renderer's evidence contract.
func validEvidence(evidence []card.Evidence) bool {
	for _, e := range evidence {
		idx := strings.Index(e.URI, "://")
		if idx < 0 {
			return false
		}
		scheme := e.URI[:idx]
		if !validSchemes[scheme] {
			return false
		}
		if !sha256Pattern.MatchString(e.SHA256) {
			return false
		}
	}
	return true
}

// Decide implements decide(actor, target_space, kind, evidence, settings).
// knownActor reflects whether actor resolves to a known identity; the
// spec leaves that resolution to the caller (gateway).
func Decide(actor, targetSpace string, kind card.Kind, evidence []card.Evidence, knownActor bool, settings store.PolicySettings) Decision {
	if !settings.TeamWriteEnabled && isTeamSpace(targetSpace) {
		return Decision{
			Action:     ActionRedirect,
			Reason:     "policy:team_write_disabled",
			FinalSpace: settings.PolicyJSON.PrivateSpacePrefix + actor,
		}
	}

	if !knownActor && settings.PolicyJSON.UnknownActorPolicy == "reject" {
		return Decision{Action: ActionReject, Reason: "policy:unknown_actor"}
	}

	if settings.PolicyJSON.ValidateEvidenceRefs && !validEvidence(evidence) {
		return Decision{Action: ActionReject, Reason: "evidence:invalid"}
	}

	return Decision{Action: ActionAllow, Reason: "policy_passed", FinalSpace: targetSpace}
}
