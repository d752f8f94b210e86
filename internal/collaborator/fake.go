package collaborator

import (
	"context"
	"sync"
)

// FakeModerator is an in-memory ContentModerator. By default everything
// passes; Block marks specific byte-for-byte content as rejected.
type FakeModerator struct {
	mu      sync.RWMutex
	blocked map[string]string // content string -> reason
}

func NewFakeModerator() *FakeModerator {
	return &FakeModerator{blocked: make(map[string]string)}
}

func (f *FakeModerator) Block(content, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocked[content] = reason
}

func (f *FakeModerator) Moderate(ctx context.Context, content []byte, contentType int32) (ModerationResult, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if reason, blocked := f.blocked[string(content)]; blocked {
		return ModerationResult{Passed: false, Reason: reason}, nil
	}
	return ModerationResult{Passed: true}, nil
}

// FakeGroupService is an in-memory GroupService keyed by groupID, with
// members added in insertion order so ListMembersPage is deterministic.
type FakeGroupService struct {
	mu        sync.RWMutex
	members   map[string][]string // groupID -> ordered member ids
	muted     map[string]bool     // groupID:userID -> muted
	groupMute map[string]bool     // groupID -> group-wide mute
	dissolved map[string]bool     // groupID -> dissolved
}

func NewFakeGroupService() *FakeGroupService {
	return &FakeGroupService{
		members:   make(map[string][]string),
		muted:     make(map[string]bool),
		groupMute: make(map[string]bool),
		dissolved: make(map[string]bool),
	}
}

func (f *FakeGroupService) AddMember(groupID, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.members[groupID] {
		if m == userID {
			return
		}
	}
	f.members[groupID] = append(f.members[groupID], userID)
}

func (f *FakeGroupService) RemoveMember(groupID, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	members := f.members[groupID]
	for i, m := range members {
		if m == userID {
			f.members[groupID] = append(members[:i], members[i+1:]...)
			return
		}
	}
}

func (f *FakeGroupService) MuteMember(groupID, userID string, muted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted[groupID+":"+userID] = muted
}

func (f *FakeGroupService) MuteGroup(groupID string, muted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groupMute[groupID] = muted
}

func (f *FakeGroupService) Dissolve(groupID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dissolved[groupID] = true
}

func (f *FakeGroupService) MembershipStatus(ctx context.Context, groupID, userID string) (GroupMembership, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	isMember := false
	for _, m := range f.members[groupID] {
		if m == userID {
			isMember = true
			break
		}
	}

	return GroupMembership{
		IsMember:     isMember,
		IsMuted:      f.muted[groupID+":"+userID],
		IsGroupMuted: f.groupMute[groupID],
		IsActive:     !f.dissolved[groupID],
	}, nil
}

func (f *FakeGroupService) ListMembersPage(ctx context.Context, groupID, cursor string, pageSize int) ([]string, string, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	all := f.members[groupID]
	start := 0
	if cursor != "" {
		for i, m := range all {
			if m == cursor {
				start = i + 1
				break
			}
		}
	}
	if start >= len(all) {
		return nil, "", false, nil
	}

	end := start + pageSize
	hasMore := end < len(all)
	if end > len(all) {
		end = len(all)
	}

	page := append([]string(nil), all[start:end]...)
	nextCursor := ""
	if hasMore {
		nextCursor = page[len(page)-1]
	}
	return page, nextCursor, hasMore, nil
}

// FakeFriendService is an in-memory FriendService.
type FakeFriendService struct {
	mu        sync.RWMutex
	friends   map[string]bool
	blacklist map[string]bool
}

func NewFakeFriendService() *FakeFriendService {
	return &FakeFriendService{friends: make(map[string]bool), blacklist: make(map[string]bool)}
}

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

func (f *FakeFriendService) SetFriends(userA, userB string, areFriends bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.friends[pairKey(userA, userB)] = areFriends
}

func (f *FakeFriendService) SetBlacklisted(sendID, recvID string, blacklisted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blacklist[sendID+"->"+recvID] = blacklisted
}

func (f *FakeFriendService) Relationship(ctx context.Context, sendID, recvID string) (FriendRelationship, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return FriendRelationship{
		IsFriend:    f.friends[pairKey(sendID, recvID)],
		InBlacklist: f.blacklist[sendID+"->"+recvID],
	}, nil
}

// FakeBanService is an in-memory BanService.
type FakeBanService struct {
	mu            sync.RWMutex
	bannedUsers   map[string]bool
	bannedDevices map[string]bool
}

func NewFakeBanService() *FakeBanService {
	return &FakeBanService{bannedUsers: make(map[string]bool), bannedDevices: make(map[string]bool)}
}

func (f *FakeBanService) BanUser(userID string, banned bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bannedUsers[userID] = banned
}

func (f *FakeBanService) BanDevice(deviceID string, banned bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bannedDevices[deviceID] = banned
}

func (f *FakeBanService) Status(ctx context.Context, userID, deviceID string) (BanStatus, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return BanStatus{
		UserBanned:   f.bannedUsers[userID],
		DeviceBanned: deviceID != "" && f.bannedDevices[deviceID],
	}, nil
}

// NewFakeSet bundles fresh fakes for all four capabilities.
func NewFakeSet() (*Set, *FakeModerator, *FakeGroupService, *FakeFriendService, *FakeBanService) {
	mod := NewFakeModerator()
	groups := NewFakeGroupService()
	friends := NewFakeFriendService()
	bans := NewFakeBanService()
	return &Set{Moderator: mod, Groups: groups, Friends: friends, Bans: bans}, mod, groups, friends, bans
}
