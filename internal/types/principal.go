package types

import (
	"slices"
	"strings"
	"time"
)

// Role is the access level a principal holds inside its namespaces.
type Role string

const (
	RoleOwner  Role = "Owner"
	RoleAdmin  Role = "Admin"
	RoleMember Role = "Member"
)

// ParseRole accepts role names case-insensitively. Unknown roles return ok=false.
func ParseRole(s string) (Role, bool) {
	for _, r := range []Role{RoleOwner, RoleAdmin, RoleMember} {
		if strings.EqualFold(string(r), s) {
			return r, true
		}
	}
	return "", false
}

// Operation names an externally visible store operation for authorization and logging.
type Operation string

const (
	OpCreateRepository Operation = "createRepository"
	OpReadEntry        Operation = "readEntry"
	OpReadHistory      Operation = "readEntryHistory"
	OpReadList         Operation = "readList"
	OpCreateEntry      Operation = "createEntry"
	OpUpdateEntry      Operation = "updateEntry"
	OpDeleteEntry      Operation = "deleteEntry"
)

// Principal is the authenticated identity derived from a verified token.
type Principal struct {
	Subject    string
	Tenant     string
	Role       Role
	Namespaces []string
	ExpiresAt  time.Time
}

// AllNamespaces returns the tenant followed by any extra namespaces, deduplicated.
func (p Principal) AllNamespaces() []string {
	out := make([]string, 0, len(p.Namespaces)+1)
	if p.Tenant != "" {
		out = append(out, p.Tenant)
	}
	for _, ns := range p.Namespaces {
		if ns != "" && !slices.Contains(out, ns) {
			out = append(out, ns)
		}
	}
	return out
}

type ChangeType string

const (
	ChangeRepositoryCreated ChangeType = "repository_created"
	ChangeEntryPut          ChangeType = "entry_put"
	ChangeEntryRemoved      ChangeType = "entry_removed"
)

// ChangeEvent is published after a mutation commits.
type ChangeEvent struct {
	Type       ChangeType `json:"type"`
	Namespace  string     `json:"namespace"`
	Repository string     `json:"repository"`
	Key        string     `json:"key,omitempty"`
	Version    int64      `json:"version,omitempty"`
	Subject    string     `json:"subject,omitempty"`
	At         int64      `json:"at"`
}
