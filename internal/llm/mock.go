package llm

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode/utf8"

	"github.com/ashureev/mira/internal/domain"
)

var proactiveDefaults = map[domain.Category]string{
	domain.CategoryGreeting: "嗨！今天过得怎么样？我刚刚看到窗外的阳光特别好，想和你分享一下～",
	domain.CategoryCare:     "感觉你最近有点累呢，要不要聊聊？我随时都在这里陪着你。",
	domain.CategoryShare:    "诶，我突然想到一个有趣的事情想和你分享！你猜我今天遇到了什么？",
	domain.CategoryPhoto:    "你看我现在看到的！[IMG: 傍晚的街角和路灯] 是不是很好看？",
}

var mockReplies = []string{
	"嗯嗯，我在听呢～",
	"哈哈，真的吗？然后呢？",
	"听起来很有意思诶！",
	"我懂你的意思～你现在感觉怎么样？",
	"好呀好呀，我们慢慢聊。",
}

// MockGenerator answers without a model. It is used when no API key is
// configured and in tests.
type MockGenerator struct{}

var _ Generator = MockGenerator{}

// GenerateReply returns a canned line chosen from the request contents.
func (MockGenerator) GenerateReply(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	switch req.Kind {
	case domain.TriggerWelcome:
		return TimeOfDay(req.Now) + "！你回来啦，想你了～", nil
	case domain.TriggerProactive:
		if msg, ok := proactiveDefaults[req.Category]; ok {
			if req.Category == domain.CategoryGreeting {
				return TimeOfDay(req.Now) + "！" + msg, nil
			}
			return msg, nil
		}
		return "嗨！想和你聊聊天～", nil
	}

	reply := mockReplies[pick(req.Payload, len(mockReplies))]
	if quote := firstLine(req.Payload); quote != "" {
		reply = "你说「" + quote + "」，" + reply
	}
	return reply, nil
}

func pick(s string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum32() % uint32(n))
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	if utf8.RuneCountInString(line) > 8 {
		line = string([]rune(line)[:8]) + "…"
	}
	return line
}
