// Package llm produces persona replies from conversation context.
package llm

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/mira/internal/domain"
)

// ErrEmptyReply is returned when the model produced no usable text.
var ErrEmptyReply = errors.New("empty reply")

// Request is everything a generator sees for one turn.
type Request struct {
	SessionID string
	// History is oldest first and excludes the trigger's own messages.
	History  []*domain.Message
	Kind     domain.TriggerKind
	Category domain.Category
	// Payload is the aggregated user text, or a cue for system turns.
	Payload string
	// Memories are remembered facts about the user, most important first.
	Memories []*domain.Memory
	Now      time.Time
}

// Generator produces raw reply text. Implementations own their timeout and
// retry policy.
type Generator interface {
	GenerateReply(ctx context.Context, req Request) (string, error)
}

// TimeOfDay returns a greeting matching the local hour of t.
func TimeOfDay(t time.Time) string {
	switch h := t.Hour(); {
	case h >= 5 && h < 12:
		return "早上好"
	case h >= 12 && h < 18:
		return "下午好"
	case h >= 18 && h < 22:
		return "晚上好"
	default:
		return "夜深了"
	}
}

// Cue builds the synthetic instruction for a system-initiated turn.
func Cue(kind domain.TriggerKind, category domain.Category, now time.Time) string {
	tod := TimeOfDay(now)
	if kind == domain.TriggerWelcome {
		return "用户刚刚上线（" + tod + "）。自然地打个招呼，欢迎对方回来，不要重复之前说过的话。"
	}
	switch category {
	case domain.CategoryCare:
		return "用户有一会儿没说话了，最近的聊天里对方情绪有些低落。现在是" + tod + "，主动关心一下对方，语气温柔。"
	case domain.CategoryShare:
		return "用户有一会儿没说话了。现在是" + tod + "，主动分享一件你今天遇到的小事，引起对方兴趣。"
	case domain.CategoryPhoto:
		return "用户有一会儿没说话了。现在是" + tod + "，分享一张你此刻看到的画面，用 [IMG: 画面描述] 标出图片，再配一句话。"
	default:
		return "用户有一会儿没说话了。现在是" + tod + "，主动打个招呼，问问对方在做什么。"
	}
}
