package admission

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flarerelay/msgcore/internal/collaborator"
	"github.com/flarerelay/msgcore/internal/config"
	"github.com/flarerelay/msgcore/internal/model"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.RateLimit.RequestsPerSecond = 1000
	cfg.RateLimit.Burst = 1000
	cfg.Limits.MaxContentBytes = 1 << 20
	cfg.Limits.MaxAttachmentBytes = 100 << 20
	cfg.Limits.GroupDailyCap = 10000
	cfg.Limits.PrivateDailyCap = 10000
	return cfg
}

func newTestStage(t *testing.T) (*Stage, *collaborator.FakeModerator, *collaborator.FakeGroupService, *collaborator.FakeFriendService, *collaborator.FakeBanService) {
	t.Helper()
	set, mod, groups, friends, bans := collaborator.NewFakeSet()
	return NewStage(*set, testConfig()), mod, groups, friends, bans
}

func privateMessage(sendID, recvID string) *model.Message {
	return &model.Message{
		SendID:      sendID,
		RecvID:      recvID,
		SessionType: model.SessionSingle,
		Content:     []byte("hello"),
	}
}

func groupMessage(sendID, groupID string) *model.Message {
	return &model.Message{
		SendID:      sendID,
		GroupID:     groupID,
		SessionType: model.SessionNormalGroup,
		Content:     []byte("hello"),
	}
}

func TestCheck_FormatFailsFirst(t *testing.T) {
	stage, _, _, _, _ := newTestStage(t)
	msg := &model.Message{}
	require.Equal(t, model.CodeInvalidFormat, stage.Check(context.Background(), msg))
}

func TestCheck_ContentModerationBlocks(t *testing.T) {
	stage, mod, _, friends, _ := newTestStage(t)
	friends.SetFriends("u1", "u2", true)
	mod.Block("hello", "slur")

	msg := privateMessage("u1", "u2")
	require.Equal(t, model.CodeInvalidContent, stage.Check(context.Background(), msg))
}

func TestCheck_FriendPermission(t *testing.T) {
	stage, _, _, friends, _ := newTestStage(t)
	msg := privateMessage("u1", "u2")

	require.Equal(t, model.CodeNotFriend, stage.Check(context.Background(), msg))

	friends.SetFriends("u1", "u2", true)
	require.Equal(t, model.CodeOK, stage.Check(context.Background(), msg))

	friends.SetBlacklisted("u1", "u2", true)
	stage.InvalidateFriendPermission("u1", "u2")
	require.Equal(t, model.CodeInBlacklist, stage.Check(context.Background(), msg))
}

func TestCheck_GroupPermissionOrder(t *testing.T) {
	stage, _, groups, _, _ := newTestStage(t)
	msg := groupMessage("u1", "g1")

	require.Equal(t, model.CodeNotGroupMember, stage.Check(context.Background(), msg))

	groups.AddMember("g1", "u1")
	require.Equal(t, model.CodeOK, stage.Check(context.Background(), msg))

	groups.MuteMember("g1", "u1", true)
	stage.InvalidateGroupPermission("g1", "u1")
	require.Equal(t, model.CodeMuted, stage.Check(context.Background(), msg))

	groups.MuteMember("g1", "u1", false)
	groups.Dissolve("g1")
	stage.InvalidateGroupPermission("g1", "u1")
	require.Equal(t, model.CodeGroupDissolved, stage.Check(context.Background(), msg))
}

func TestCheck_GroupPermissionCached(t *testing.T) {
	stage, _, groups, _, _ := newTestStage(t)
	groups.AddMember("g1", "u1")
	msg := groupMessage("u1", "g1")

	require.Equal(t, model.CodeOK, stage.Check(context.Background(), msg))

	groups.MuteMember("g1", "u1", true)
	require.Equal(t, model.CodeOK, stage.Check(context.Background(), msg), "cached verdict should still apply until invalidated or expired")
}

func TestCheck_BanStatus(t *testing.T) {
	stage, _, _, friends, bans := newTestStage(t)
	friends.SetFriends("u1", "u2", true)
	bans.BanUser("u1", true)

	msg := privateMessage("u1", "u2")
	require.Equal(t, model.CodeUserBanned, stage.Check(context.Background(), msg))
}

func TestCheck_ContentLengthLimit(t *testing.T) {
	stage, _, _, friends, _ := newTestStage(t)
	friends.SetFriends("u1", "u2", true)

	stage.limits.MaxContentBytes = 4

	msg := privateMessage("u1", "u2")
	require.Equal(t, model.CodeContentLengthLimit, stage.Check(context.Background(), msg))
}

func TestCheck_FrequencyLimit(t *testing.T) {
	set, _, _, friends, _ := collaborator.NewFakeSet()
	friends.SetFriends("u1", "u2", true)

	cfg := testConfig()
	cfg.RateLimit.RequestsPerSecond = 1
	cfg.RateLimit.Burst = 1
	stage := NewStage(*set, cfg)

	msg := privateMessage("u1", "u2")
	require.Equal(t, model.CodeOK, stage.Check(context.Background(), msg))
	require.Equal(t, model.CodeFrequencyLimit, stage.Check(context.Background(), msg))
}

func TestCheck_DailyConversationCap(t *testing.T) {
	set, _, _, friends, _ := collaborator.NewFakeSet()
	friends.SetFriends("u1", "u2", true)

	cfg := testConfig()
	cfg.Limits.PrivateDailyCap = 1
	stage := NewStage(*set, cfg)

	require.Equal(t, model.CodeOK, stage.Check(context.Background(), privateMessage("u1", "u2")))
	require.Equal(t, model.CodePrivateMessageLimit, stage.Check(context.Background(), privateMessage("u1", "u2")))
}

func TestCheck_GroupDailyConversationCap(t *testing.T) {
	set, _, groups, _, _ := collaborator.NewFakeSet()
	groups.AddMember("g1", "u1")

	cfg := testConfig()
	cfg.Limits.GroupDailyCap = 1
	stage := NewStage(*set, cfg)

	require.Equal(t, model.CodeOK, stage.Check(context.Background(), groupMessage("u1", "g1")))
	require.Equal(t, model.CodeGroupMessageLimit, stage.Check(context.Background(), groupMessage("u1", "g1")))
}
