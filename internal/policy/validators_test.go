package policy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flarerelay/msgcore/internal/collaborator"
	"github.com/flarerelay/msgcore/internal/model"
)

func TestEvaluateGroupPermission_Order(t *testing.T) {
	cases := []struct {
		name string
		m    collaborator.GroupMembership
		want model.PreProcessCode
	}{
		{"dissolved wins over not-member", collaborator.GroupMembership{IsActive: false, IsMember: false}, model.CodeGroupDissolved},
		{"not a member", collaborator.GroupMembership{IsActive: true, IsMember: false}, model.CodeNotGroupMember},
		{"member muted", collaborator.GroupMembership{IsActive: true, IsMember: true, IsMuted: true}, model.CodeMuted},
		{"group muted", collaborator.GroupMembership{IsActive: true, IsMember: true, IsGroupMuted: true}, model.CodeGroupMuted},
		{"ok", collaborator.GroupMembership{IsActive: true, IsMember: true}, model.CodeOK},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.want, EvaluateGroupPermission(c.m))
		})
	}
}

func TestEvaluateFriendPermission(t *testing.T) {
	require.Equal(t, model.CodeInBlacklist, EvaluateFriendPermission(collaborator.FriendRelationship{InBlacklist: true}))
	require.Equal(t, model.CodeNotFriend, EvaluateFriendPermission(collaborator.FriendRelationship{IsFriend: false}))
	require.Equal(t, model.CodeOK, EvaluateFriendPermission(collaborator.FriendRelationship{IsFriend: true}))
}

func TestEvaluateBanStatus(t *testing.T) {
	require.Equal(t, model.CodeUserBanned, EvaluateBanStatus(collaborator.BanStatus{UserBanned: true, DeviceBanned: true}))
	require.Equal(t, model.CodeDeviceBanned, EvaluateBanStatus(collaborator.BanStatus{DeviceBanned: true}))
	require.Equal(t, model.CodeOK, EvaluateBanStatus(collaborator.BanStatus{}))
}

func TestEvaluateContentSize(t *testing.T) {
	require.Equal(t, model.CodeOK, EvaluateContentSize(1024, 0, 1<<20, 100<<20))
	require.Equal(t, model.CodeContentLengthLimit, EvaluateContentSize((1<<20)+1, 0, 1<<20, 100<<20))
	require.Equal(t, model.CodeAttachmentSizeLimit, EvaluateContentSize(0, (100<<20)+1, 1<<20, 100<<20))
}

func TestEvaluateFormat(t *testing.T) {
	require.Equal(t, model.CodeInvalidFormat, EvaluateFormat(&model.Message{}))
	require.Equal(t, model.CodeOK, EvaluateFormat(&model.Message{SendID: "u1", Content: []byte("hi")}))
}
