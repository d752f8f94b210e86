// Package collaborator defines the capability interfaces the Admission
// stage and Delivery Worker consult for decisions this core does not own:
// content moderation, group/friend relationship state, and account/device
// ban status. A thin RPC adapter outside this module implements these
// against the real services; tests use the in-memory fakes below.
package collaborator

import "context"

// ModerationResult is the verdict from the Content-Moderation collaborator.
type ModerationResult struct {
	Passed bool
	Reason string
}

// ContentModerator screens message content before admission.
type ContentModerator interface {
	Moderate(ctx context.Context, content []byte, contentType int32) (ModerationResult, error)
}

// GroupMembership is the verdict from the Group collaborator for one
// (group, user) pair.
type GroupMembership struct {
	IsMember      bool
	IsMuted       bool
	IsGroupMuted  bool
	IsActive      bool // false once the group has been dissolved
}

// GroupService answers group membership and moderation-state questions,
// and pages a group's active member ids for fan-out.
type GroupService interface {
	MembershipStatus(ctx context.Context, groupID, userID string) (GroupMembership, error)
	// ListMembersPage returns up to pageSize active member ids starting
	// after cursor (""  for the first page), the cursor to pass for the
	// next page, and whether more pages remain.
	ListMembersPage(ctx context.Context, groupID, cursor string, pageSize int) (members []string, nextCursor string, hasMore bool, err error)
}

// FriendRelationship is the verdict from the Friend collaborator for one
// (send_id, recv_id) pair.
type FriendRelationship struct {
	IsFriend    bool
	InBlacklist bool
}

// FriendService answers 1:1 friendship and blacklist questions.
type FriendService interface {
	Relationship(ctx context.Context, sendID, recvID string) (FriendRelationship, error)
}

// BanStatus is the verdict from the status/ban collaborator.
type BanStatus struct {
	UserBanned   bool
	DeviceBanned bool
}

// BanService answers account and device ban questions.
type BanService interface {
	Status(ctx context.Context, userID, deviceID string) (BanStatus, error)
}

// Set bundles the four collaborator capabilities Admission depends on,
// so composition code can wire and pass them as a single value.
type Set struct {
	Moderator ContentModerator
	Groups    GroupService
	Friends   FriendService
	Bans      BanService
}
