// Package admission implements the Pre-Processor stage: the ordered,
// short-circuiting gate every inbound message passes through before the
// Router Front-End will assign it a server_msg_id. Checks run in a fixed
// order (format, content, permission, business limits) and the first
// non-OK verdict wins.
package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/flarerelay/msgcore/internal/breaker"
	"github.com/flarerelay/msgcore/internal/collaborator"
	"github.com/flarerelay/msgcore/internal/config"
	"github.com/flarerelay/msgcore/internal/metrics"
	"github.com/flarerelay/msgcore/internal/model"
	"github.com/flarerelay/msgcore/internal/policy"
	"github.com/flarerelay/msgcore/internal/quota"
	"github.com/flarerelay/msgcore/internal/ratelimit"
)

const (
	collaboratorModerator = "content_moderator"
	collaboratorGroups    = "group_service"
	collaboratorFriends   = "friend_service"
	collaboratorBans      = "ban_service"

	ruleCacheTTL = 5 * time.Second
)

// Stage is the Admission stage's composed state: the collaborator
// capabilities it calls out to, the circuit breakers guarding those
// calls, and the local rate/quota/cache primitives that let most checks
// avoid an RPC altogether.
type Stage struct {
	collaborators collaborator.Set
	breakers      *breaker.Manager
	limiter       *ratelimit.Limiter
	groupQuotas   *quota.Manager
	privateQuotas *quota.Manager
	cache         *policy.RuleCache
	limits        config.LimitsConfig
	callTimeout   time.Duration
}

// NewStage wires a Stage from its collaborator set and configuration.
// Each collaborator gets its own breaker so one failing dependency
// (e.g. the moderation service) doesn't trip admission for every check.
func NewStage(collaborators collaborator.Set, cfg config.Config) *Stage {
	breakers := breaker.NewManager()
	breakerConfig := breaker.Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          10 * time.Second,
		RequestTimeout:   3 * time.Second,
	}
	for _, name := range []string{collaboratorModerator, collaboratorGroups, collaboratorFriends, collaboratorBans} {
		breakers.Register(name, breakerConfig)
	}

	return &Stage{
		collaborators: collaborators,
		breakers:      breakers,
		limiter:       ratelimit.NewLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
		groupQuotas:   quota.NewManager(int64(cfg.Limits.GroupDailyCap), 0),
		privateQuotas: quota.NewManager(int64(cfg.Limits.PrivateDailyCap), 0),
		cache:         policy.NewRuleCache(ruleCacheTTL),
		limits:        cfg.Limits,
		callTimeout:   3 * time.Second,
	}
}

// Check runs the ordered admission sequence against msg and returns the
// first non-OK PreProcessCode, or CodeOK if every check passes. It never
// mutates msg.
func (s *Stage) Check(ctx context.Context, msg *model.Message) model.PreProcessCode {
	code := s.checkAll(ctx, msg)
	metrics.AdmissionDecisions.WithLabelValues(code.String()).Inc()
	return code
}

func (s *Stage) checkAll(ctx context.Context, msg *model.Message) model.PreProcessCode {
	if code := policy.EvaluateFormat(msg); code != model.CodeOK {
		return code
	}

	if code := s.checkContent(ctx, msg); code != model.CodeOK {
		return code
	}

	if code := s.checkPermission(ctx, msg); code != model.CodeOK {
		return code
	}

	return s.checkBusinessLimits(ctx, msg)
}

func (s *Stage) checkContent(ctx context.Context, msg *model.Message) model.PreProcessCode {
	var result collaborator.ModerationResult
	err := s.breakers.Call(ctx, collaboratorModerator, func(ctx context.Context) error {
		r, err := s.collaborators.Moderator.Moderate(ctx, msg.Content, msg.ContentType)
		result = r
		return err
	})
	if err != nil {
		return model.CodeServiceUnavailable
	}
	return policy.EvaluateModeration(result)
}

func (s *Stage) checkPermission(ctx context.Context, msg *model.Message) model.PreProcessCode {
	if msg.IsGroupMessage() {
		return s.checkGroupPermission(ctx, msg)
	}
	return s.checkFriendPermission(ctx, msg)
}

func (s *Stage) checkGroupPermission(ctx context.Context, msg *model.Message) model.PreProcessCode {
	key := fmt.Sprintf("group:%s:%s", msg.GroupID, msg.SendID)
	if cached, ok := s.cache.Get(key); ok {
		return model.PreProcessCode(cached)
	}

	var membership collaborator.GroupMembership
	err := s.breakers.Call(ctx, collaboratorGroups, func(ctx context.Context) error {
		m, err := s.collaborators.Groups.MembershipStatus(ctx, msg.GroupID, msg.SendID)
		membership = m
		return err
	})
	if err != nil {
		return model.CodeServiceUnavailable
	}

	code := policy.EvaluateGroupPermission(membership)
	s.cache.Put(key, int(code))
	return code
}

func (s *Stage) checkFriendPermission(ctx context.Context, msg *model.Message) model.PreProcessCode {
	key := fmt.Sprintf("friend:%s:%s", msg.SendID, msg.RecvID)
	if cached, ok := s.cache.Get(key); ok {
		return model.PreProcessCode(cached)
	}

	var relationship collaborator.FriendRelationship
	err := s.breakers.Call(ctx, collaboratorFriends, func(ctx context.Context) error {
		r, err := s.collaborators.Friends.Relationship(ctx, msg.SendID, msg.RecvID)
		relationship = r
		return err
	})
	if err != nil {
		return model.CodeServiceUnavailable
	}

	code := policy.EvaluateFriendPermission(relationship)
	s.cache.Put(key, int(code))
	return code
}

func (s *Stage) checkBusinessLimits(ctx context.Context, msg *model.Message) model.PreProcessCode {
	if !s.limiter.Allow(msg.SendID) {
		return model.CodeFrequencyLimit
	}

	attachmentBytes := 0
	if v := msg.Option("attachment_bytes", ""); v != "" {
		fmt.Sscanf(v, "%d", &attachmentBytes)
	}
	if code := policy.EvaluateContentSize(len(msg.Content), attachmentBytes, s.limits.MaxContentBytes, s.limits.MaxAttachmentBytes); code != model.CodeOK {
		return code
	}

	if msg.IsGroupMessage() {
		if err := s.groupQuotas.Consume(msg.ConversationID()); err != nil {
			return model.CodeGroupMessageLimit
		}
	} else {
		if err := s.privateQuotas.Consume(msg.ConversationID()); err != nil {
			return model.CodePrivateMessageLimit
		}
	}

	return s.checkBanStatus(ctx, msg)
}

func (s *Stage) checkBanStatus(ctx context.Context, msg *model.Message) model.PreProcessCode {
	deviceID := msg.Option("device_id", "")
	key := fmt.Sprintf("ban:%s:%s", msg.SendID, deviceID)
	if cached, ok := s.cache.Get(key); ok {
		return model.PreProcessCode(cached)
	}

	var status collaborator.BanStatus
	err := s.breakers.Call(ctx, collaboratorBans, func(ctx context.Context) error {
		st, err := s.collaborators.Bans.Status(ctx, msg.SendID, deviceID)
		status = st
		return err
	})
	if err != nil {
		return model.CodeServiceUnavailable
	}

	code := policy.EvaluateBanStatus(status)
	s.cache.Put(key, int(code))
	return code
}

// InvalidateGroupPermission drops a cached group-permission verdict,
// used when a kick, mute, or dissolve event arrives out of band between
// a sender's messages.
func (s *Stage) InvalidateGroupPermission(groupID, userID string) {
	s.cache.Invalidate(fmt.Sprintf("group:%s:%s", groupID, userID))
}

// InvalidateFriendPermission drops a cached friend-permission verdict,
// used when a blacklist or unfriend event arrives out of band.
func (s *Stage) InvalidateFriendPermission(sendID, recvID string) {
	s.cache.Invalidate(fmt.Sprintf("friend:%s:%s", sendID, recvID))
}

// InvalidateBanStatus drops a cached ban verdict, used when a ban/unban
// event arrives out of band.
func (s *Stage) InvalidateBanStatus(userID, deviceID string) {
	s.cache.Invalidate(fmt.Sprintf("ban:%s:%s", userID, deviceID))
}

// BreakerStats exposes the collaborator breakers' state for the
// /healthz and /metrics surfaces.
func (s *Stage) BreakerStats() map[string]breaker.Stats {
	return s.breakers.AllStats()
}
