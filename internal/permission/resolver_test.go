package permission

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestOwnerHasAllPermissions(t *testing.T) {
	owner := uuid.New()
	perms := ComputeGuildPermissions(owner, owner, 0, nil, nil)
	if perms != All() {
		t.Fatalf("expected owner to have All(), got %#x", uint64(perms))
	}
}

func TestEveryonePermissionsApplied(t *testing.T) {
	user := uuid.New()
	owner := uuid.New()
	everyone := SendMessages | VoiceConnect

	perms := ComputeGuildPermissions(user, owner, everyone, nil, nil)

	if !perms.Has(SendMessages) || !perms.Has(VoiceConnect) {
		t.Fatalf("expected everyone permissions to be applied, got %#x", uint64(perms))
	}
	if perms.Has(KickMembers) {
		t.Fatalf("did not expect KickMembers, got %#x", uint64(perms))
	}
}

func TestRolePermissionsCombined(t *testing.T) {
	user := uuid.New()
	owner := uuid.New()
	everyone := SendMessages

	modRole := Role{ID: uuid.New(), Position: 100, Permissions: ManageMessages | TimeoutMembers}

	perms := ComputeGuildPermissions(user, owner, everyone, []Role{modRole}, nil)

	if !perms.Has(SendMessages) || !perms.Has(ManageMessages) || !perms.Has(TimeoutMembers) {
		t.Fatalf("expected combined permissions, got %#x", uint64(perms))
	}
}

func TestChannelOverrideDenyWins(t *testing.T) {
	user := uuid.New()
	owner := uuid.New()
	roleID := uuid.New()

	everyone := SendMessages | EmbedLinks
	role := Role{ID: roleID, Position: 999}
	override := ChannelOverride{RoleID: roleID, AllowPermission: AttachFiles, DenyPermission: SendMessages}

	perms := ComputeGuildPermissions(user, owner, everyone, []Role{role}, []ChannelOverride{override})

	if perms.Has(SendMessages) {
		t.Fatal("expected SendMessages denied by override")
	}
	if !perms.Has(EmbedLinks) {
		t.Fatal("expected EmbedLinks retained from everyone")
	}
	if !perms.Has(AttachFiles) {
		t.Fatal("expected AttachFiles allowed by override")
	}
}

func TestCanManageRoleHierarchy(t *testing.T) {
	perms := ManageRoles | KickMembers

	if err := CanManageRole(perms, 50, 100, nil); err != nil {
		t.Fatalf("expected managing a lower-ranked role to succeed: %v", err)
	}
	if err := CanManageRole(perms, 50, 50, nil); err == nil {
		t.Fatal("expected managing an equal-position role to fail")
	}
	if err := CanManageRole(perms, 50, 10, nil); err == nil {
		t.Fatal("expected managing a higher-ranked role to fail")
	}
}

func TestCannotEscalatePermissions(t *testing.T) {
	actorPerms := ManageRoles | KickMembers
	newPerms := KickMembers | BanMembers

	err := CanManageRole(actorPerms, 50, 100, &newPerms)
	if err == nil {
		t.Fatal("expected escalation error")
	}
	var permErr *Error
	if !asError(err, &permErr) || permErr.Kind != ErrCannotEscalate {
		t.Fatalf("expected ErrCannotEscalate, got %v", err)
	}
}

func TestCanGrantPermissionsYouHave(t *testing.T) {
	actorPerms := ManageRoles | KickMembers | BanMembers
	newPerms := KickMembers | BanMembers

	if err := CanManageRole(actorPerms, 50, 100, &newPerms); err != nil {
		t.Fatalf("expected grant of already-held permissions to succeed: %v", err)
	}
}

func TestCannotModerateOwner(t *testing.T) {
	err := CanModerateMember(50, 1, true)
	var permErr *Error
	if !asError(err, &permErr) || permErr.Kind != ErrCannotModerateOwner {
		t.Fatalf("expected ErrCannotModerateOwner, got %v", err)
	}
}

func TestCanModerateLowerRankedMember(t *testing.T) {
	if err := CanModerateMember(50, 100, false); err != nil {
		t.Fatalf("expected moderating a lower-ranked member to succeed: %v", err)
	}
}

func TestCannotModerateEqualRankedMember(t *testing.T) {
	err := CanModerateMember(50, 50, false)
	var permErr *Error
	if !asError(err, &permErr) || permErr.Kind != ErrRoleHierarchy {
		t.Fatalf("expected ErrRoleHierarchy, got %v", err)
	}
}

func TestCannotModerateHigherRankedMember(t *testing.T) {
	err := CanModerateMember(50, 10, false)
	var permErr *Error
	if !asError(err, &permErr) || permErr.Kind != ErrRoleHierarchy {
		t.Fatalf("expected ErrRoleHierarchy, got %v", err)
	}
}

func TestMissingManageRolesPermission(t *testing.T) {
	err := CanManageRole(KickMembers, 50, 100, nil)
	var permErr *Error
	if !asError(err, &permErr) || permErr.Kind != ErrMissingPermission {
		t.Fatalf("expected ErrMissingPermission, got %v", err)
	}
}

func TestMultipleRolesPermissionsCombined(t *testing.T) {
	user := uuid.New()
	owner := uuid.New()

	role1 := Role{ID: uuid.New(), Position: 100, Permissions: SendMessages}
	role2 := Role{ID: uuid.New(), Position: 50, Permissions: VoiceConnect}

	perms := ComputeGuildPermissions(user, owner, 0, []Role{role1, role2}, nil)

	if !perms.Has(SendMessages) || !perms.Has(VoiceConnect) {
		t.Fatalf("expected permissions from both roles, got %#x", uint64(perms))
	}
}

func TestChannelOverrideMultipleRoles(t *testing.T) {
	user := uuid.New()
	owner := uuid.New()
	role1ID := uuid.New()
	role2ID := uuid.New()

	everyone := SendMessages
	role1 := Role{ID: role1ID, Position: 100, Permissions: VoiceConnect}
	role2 := Role{ID: role2ID, Position: 50, Permissions: EmbedLinks}

	override1 := ChannelOverride{RoleID: role1ID, AllowPermission: AttachFiles}
	override2 := ChannelOverride{RoleID: role2ID, DenyPermission: SendMessages}

	perms := ComputeGuildPermissions(user, owner, everyone, []Role{role1, role2}, []ChannelOverride{override1, override2})

	if perms.Has(SendMessages) {
		t.Fatal("expected SendMessages denied by role2's override")
	}
	if !perms.Has(AttachFiles) || !perms.Has(VoiceConnect) || !perms.Has(EmbedLinks) {
		t.Fatalf("expected remaining permissions retained, got %#x", uint64(perms))
	}
}

func TestChannelOverrideDenyWinsRegardlessOfRoleOrder(t *testing.T) {
	user := uuid.New()
	owner := uuid.New()
	allowRoleID := uuid.New()
	denyRoleID := uuid.New()

	everyone := ViewChannel
	allowRole := Role{ID: allowRoleID, Position: 100}
	denyRole := Role{ID: denyRoleID, Position: 200}

	overrides := []ChannelOverride{
		{RoleID: allowRoleID, AllowPermission: ViewChannel},
		{RoleID: denyRoleID, DenyPermission: ViewChannel},
	}

	permsA := ComputeGuildPermissions(user, owner, everyone, []Role{allowRole, denyRole}, overrides)
	permsB := ComputeGuildPermissions(user, owner, everyone, []Role{denyRole, allowRole}, overrides)

	if permsA.Has(ViewChannel) || permsB.Has(ViewChannel) {
		t.Fatal("expected deny to win regardless of role ordering")
	}
}

func TestErrorDisplay(t *testing.T) {
	cases := []struct {
		err      *Error
		contains string
	}{
		{&Error{Kind: ErrMissingPermission, MissingPermission: ManageRoles}, "missing permission"},
		{&Error{Kind: ErrRoleHierarchy, ActorPosition: 50, TargetPosition: 10}, "position"},
		{&Error{Kind: ErrCannotEscalate, Escalation: BanMembers}, "cannot grant"},
		{&Error{Kind: ErrCannotModerateOwner}, "guild owner"},
		{&Error{Kind: ErrNotGuildMember}, "not a member"},
		{&Error{Kind: ErrElevationRequired}, "elevated session"},
		{&Error{Kind: ErrNotSystemAdmin}, "not a system admin"},
		{&Error{Kind: ErrDatabase, DatabaseMessage: "connection refused"}, "connection refused"},
		{&Error{Kind: ErrNotFound}, "not found"},
		{&Error{Kind: ErrInvalidChannel}, "invalid channel"},
		{&Error{Kind: ErrForbidden}, "forbidden"},
	}

	for _, c := range cases {
		if !strings.Contains(c.err.Error(), c.contains) {
			t.Errorf("expected %q to contain %q", c.err.Error(), c.contains)
		}
	}
}

func asError(err error, target **Error) bool {
	permErr, ok := err.(*Error)
	if ok {
		*target = permErr
	}
	return ok
}
