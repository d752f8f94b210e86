package collaborator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFakeGroupService_ListMembersPage(t *testing.T) {
	g := NewFakeGroupService()
	for _, u := range []string{"u1", "u2", "u3", "u4", "u5"} {
		g.AddMember("g1", u)
	}

	ctx := context.Background()
	page1, cursor1, more1, err := g.ListMembersPage(ctx, "g1", "", 2)
	require.NoError(t, err)
	require.Equal(t, []string{"u1", "u2"}, page1)
	require.True(t, more1)

	page2, cursor2, more2, err := g.ListMembersPage(ctx, "g1", cursor1, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"u3", "u4"}, page2)
	require.True(t, more2)

	page3, _, more3, err := g.ListMembersPage(ctx, "g1", cursor2, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"u5"}, page3)
	require.False(t, more3)
}

func TestFakeGroupService_MembershipStatus(t *testing.T) {
	g := NewFakeGroupService()
	g.AddMember("g1", "u1")
	g.MuteMember("g1", "u1", true)
	g.Dissolve("g2")

	ctx := context.Background()
	status, err := g.MembershipStatus(ctx, "g1", "u1")
	require.NoError(t, err)
	require.True(t, status.IsMember)
	require.True(t, status.IsMuted)
	require.True(t, status.IsActive)

	status, err = g.MembershipStatus(ctx, "g2", "u1")
	require.NoError(t, err)
	require.False(t, status.IsMember)
	require.False(t, status.IsActive)
}

func TestFakeFriendService_Relationship(t *testing.T) {
	f := NewFakeFriendService()
	f.SetFriends("u1", "u2", true)
	f.SetBlacklisted("u2", "u1", true)

	ctx := context.Background()
	rel, err := f.Relationship(ctx, "u1", "u2")
	require.NoError(t, err)
	require.True(t, rel.IsFriend)
	require.False(t, rel.InBlacklist)

	rel, err = f.Relationship(ctx, "u2", "u1")
	require.NoError(t, err)
	require.True(t, rel.IsFriend) // symmetric
	require.True(t, rel.InBlacklist)
}

func TestFakeBanService_Status(t *testing.T) {
	b := NewFakeBanService()
	b.BanUser("u1", true)
	b.BanDevice("d1", true)

	ctx := context.Background()
	status, err := b.Status(ctx, "u1", "d2")
	require.NoError(t, err)
	require.True(t, status.UserBanned)
	require.False(t, status.DeviceBanned)

	status, err = b.Status(ctx, "u2", "d1")
	require.NoError(t, err)
	require.False(t, status.UserBanned)
	require.True(t, status.DeviceBanned)
}

func TestFakeModerator_Block(t *testing.T) {
	m := NewFakeModerator()
	m.Block("bad stuff", "profanity")

	ctx := context.Background()
	result, err := m.Moderate(ctx, []byte("bad stuff"), 0)
	require.NoError(t, err)
	require.False(t, result.Passed)
	require.Equal(t, "profanity", result.Reason)

	result, err = m.Moderate(ctx, []byte("fine"), 0)
	require.NoError(t, err)
	require.True(t, result.Passed)
}
