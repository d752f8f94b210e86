package policy

import (
	"github.com/flarerelay/msgcore/internal/collaborator"
	"github.com/flarerelay/msgcore/internal/model"
)

// EvaluateModeration maps a Content-Moderation verdict to a PreProcessCode.
func EvaluateModeration(result collaborator.ModerationResult) model.PreProcessCode {
	if !result.Passed {
		return model.CodeInvalidContent
	}
	return model.CodeOK
}

// EvaluateGroupPermission maps a Group collaborator verdict to a
// PreProcessCode, checked in the order the contract specifies: dissolved,
// not-a-member, member-muted, group-muted.
func EvaluateGroupPermission(m collaborator.GroupMembership) model.PreProcessCode {
	switch {
	case !m.IsActive:
		return model.CodeGroupDissolved
	case !m.IsMember:
		return model.CodeNotGroupMember
	case m.IsMuted:
		return model.CodeMuted
	case m.IsGroupMuted:
		return model.CodeGroupMuted
	default:
		return model.CodeOK
	}
}

// EvaluateFriendPermission maps a Friend collaborator verdict to a
// PreProcessCode.
func EvaluateFriendPermission(r collaborator.FriendRelationship) model.PreProcessCode {
	switch {
	case r.InBlacklist:
		return model.CodeInBlacklist
	case !r.IsFriend:
		return model.CodeNotFriend
	default:
		return model.CodeOK
	}
}

// EvaluateBanStatus maps a Ban/status collaborator verdict to a
// PreProcessCode, user ban taking priority over device ban.
func EvaluateBanStatus(s collaborator.BanStatus) model.PreProcessCode {
	switch {
	case s.UserBanned:
		return model.CodeUserBanned
	case s.DeviceBanned:
		return model.CodeDeviceBanned
	default:
		return model.CodeOK
	}
}

// EvaluateContentSize checks the content and attachment size ceilings.
func EvaluateContentSize(contentBytes, attachmentBytes, maxContent, maxAttachment int) model.PreProcessCode {
	if contentBytes > maxContent {
		return model.CodeContentLengthLimit
	}
	if attachmentBytes > maxAttachment {
		return model.CodeAttachmentSizeLimit
	}
	return model.CodeOK
}

// EvaluateFormat checks the cheapest, most-local invariants: required
// fields non-empty.
func EvaluateFormat(m *model.Message) model.PreProcessCode {
	if m.SendID == "" || len(m.Content) == 0 {
		return model.CodeInvalidFormat
	}
	return model.CodeOK
}
