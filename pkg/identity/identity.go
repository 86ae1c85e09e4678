// Package identity resolves and authorizes actors.
//
// Actors arrive either as trusted headers from the HTTP collaborator
// (X-Actor-Id / X-Actor-Role) or as a signed service token. Authorization is
// a static event→role matrix checked before any state inspection; approval
// events are re-checked inside the invariant battery to defend against
// bypass.
package identity

import (
	"github.com/procguard-labs/procguard/pkg/domain"
)

// Header names consumed from the HTTP collaborator.
const (
	HeaderActorID   = "X-Actor-Id"
	HeaderActorRole = "X-Actor-Role"
)

// Actor is an authenticated caller.
type Actor struct {
	ID   string
	Role domain.Role
}

// FromHeaders builds an Actor from the identity header values.
// A missing actor id or an unknown role fails with INVALID_ROLE.
func FromHeaders(actorID, roleValue string) (Actor, error) {
	if actorID == "" {
		return Actor{}, domain.NewError(domain.CodeInvalidRole, "missing %s header", HeaderActorID)
	}
	role, err := domain.ParseRole(roleValue)
	if err != nil {
		return Actor{}, err
	}
	return Actor{ID: actorID, Role: role}, nil
}

// permitted is the authorization matrix. Auditors are read-only and appear
// with an empty set.
var permitted = map[domain.Role]map[domain.Event]struct{}{
	domain.RoleOperator: {
		domain.EventStartBatch:      {},
		domain.EventProgressStep:    {},
		domain.EventRequestApproval: {},
	},
	domain.RoleSupervisor: {
		domain.EventApproveStep: {},
		domain.EventRejectBatch: {},
	},
	domain.RoleAuditor: {},
}

// Authorize checks the (role, event) pair against the matrix. It is the first
// gate on every write path and runs before any ledger access; a denial here
// is never recorded as a batch violation.
func Authorize(role domain.Role, event domain.Event) error {
	events, ok := permitted[role]
	if !ok {
		return domain.NewError(domain.CodeInvalidRole, "unknown role %q", role)
	}
	if _, allowed := events[event]; !allowed {
		return domain.NewError(domain.CodeUnauthorized, "role %s may not perform %s", role, event)
	}
	return nil
}

// CanWrite reports whether the role may perform any write event at all.
func CanWrite(role domain.Role) bool {
	return len(permitted[role]) > 0
}
