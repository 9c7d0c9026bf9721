package permission

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Role is the subset of guild role fields the resolver needs.
type Role struct {
	ID          uuid.UUID
	Position    int
	Permissions Permissions
}

// ChannelOverride is a per-(channel, role) allow/deny pair.
type ChannelOverride struct {
	RoleID          uuid.UUID
	AllowPermission Permissions
	DenyPermission  Permissions
}

// ComputeGuildPermissions resolves the effective permission set for a user.
//
// Resolution order:
//  1. the guild owner has every permission.
//  2. start from the @everyone role's permissions.
//  3. union in every assigned role's permissions (position order does not
//     affect the result since union is commutative).
//  4. if channel overrides are supplied, OR together the allow masks and
//     the deny masks of every override matching a role the user holds, then
//     apply as (perms | allow) &^ deny — deny always wins regardless of the
//     order roles were evaluated in.
func ComputeGuildPermissions(
	userID uuid.UUID,
	guildOwnerID uuid.UUID,
	everyonePermissions Permissions,
	userRoles []Role,
	channelOverrides []ChannelOverride,
) Permissions {
	if guildOwnerID == userID {
		return All()
	}

	perms := everyonePermissions

	sorted := make([]Role, len(userRoles))
	copy(sorted, userRoles)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })

	for _, role := range sorted {
		perms |= role.Permissions
	}

	if channelOverrides != nil {
		var roleAllow, roleDeny Permissions
		for _, role := range userRoles {
			for _, ovr := range channelOverrides {
				if ovr.RoleID == role.ID {
					roleAllow |= ovr.AllowPermission
					roleDeny |= ovr.DenyPermission
				}
			}
		}

		perms |= roleAllow
		perms &^= roleDeny
	}

	return perms
}

// ErrorKind discriminates the PermissionError variants so callers can map
// them to HTTP/WS error codes without string matching.
type ErrorKind int

const (
	ErrMissingPermission ErrorKind = iota
	ErrRoleHierarchy
	ErrCannotEscalate
	ErrCannotModerateOwner
	ErrNotGuildMember
	ErrElevationRequired
	ErrNotSystemAdmin
	ErrDatabase
	ErrNotFound
	ErrInvalidChannel
	ErrForbidden
)

// Error is the error type returned by the resolver's manageability checks.
type Error struct {
	Kind ErrorKind

	MissingPermission Permissions
	ActorPosition     int
	TargetPosition    int
	Escalation        Permissions
	DatabaseMessage   string
}

func (e *Error) Error() string {
	switch e.Kind {
	case ErrMissingPermission:
		return fmt.Sprintf("missing permission: %#x", uint64(e.MissingPermission))
	case ErrRoleHierarchy:
		return fmt.Sprintf("cannot modify role at position %d (your position: %d)", e.TargetPosition, e.ActorPosition)
	case ErrCannotEscalate:
		return fmt.Sprintf("cannot grant permissions you don't have: %#x", uint64(e.Escalation))
	case ErrCannotModerateOwner:
		return "cannot moderate guild owner"
	case ErrNotGuildMember:
		return "user is not a member of this guild"
	case ErrElevationRequired:
		return "this action requires an elevated session"
	case ErrNotSystemAdmin:
		return "user is not a system admin"
	case ErrDatabase:
		return fmt.Sprintf("database error: %s", e.DatabaseMessage)
	case ErrNotFound:
		return "channel not found"
	case ErrInvalidChannel:
		return "invalid channel"
	case ErrForbidden:
		return "access forbidden"
	default:
		return "permission error"
	}
}

// CanManageRole checks whether an actor may edit a role at targetPosition,
// optionally granting it newPermissions.
//
// Rules: must hold ManageRoles; cannot edit a role at or above the actor's
// own highest position (lower position number is higher rank); cannot grant
// permissions the actor does not itself hold.
func CanManageRole(actorPermissions Permissions, actorHighestPosition, targetRolePosition int, newPermissions *Permissions) error {
	if !actorPermissions.Has(ManageRoles) {
		return &Error{Kind: ErrMissingPermission, MissingPermission: ManageRoles}
	}

	if targetRolePosition <= actorHighestPosition {
		return &Error{Kind: ErrRoleHierarchy, ActorPosition: actorHighestPosition, TargetPosition: targetRolePosition}
	}

	if newPermissions != nil {
		escalation := *newPermissions &^ actorPermissions
		if escalation != 0 {
			return &Error{Kind: ErrCannotEscalate, Escalation: escalation}
		}
	}

	return nil
}

// CanModerateMember checks whether an actor may moderate (kick/ban/timeout)
// a target member.
//
// Rules: the guild owner can never be moderated; the target must rank
// strictly below the actor (higher position number).
func CanModerateMember(actorHighestPosition, targetHighestPosition int, targetIsOwner bool) error {
	if targetIsOwner {
		return &Error{Kind: ErrCannotModerateOwner}
	}

	if targetHighestPosition <= actorHighestPosition {
		return &Error{Kind: ErrRoleHierarchy, ActorPosition: actorHighestPosition, TargetPosition: targetHighestPosition}
	}

	return nil
}
