package proactive

import "strings"

// Mood is the dominant tone of a run of user messages.
type Mood string

const (
	MoodPositive Mood = "positive"
	MoodNegative Mood = "negative"
	MoodNeutral  Mood = "neutral"
)

var moodKeywords = map[Mood][]string{
	MoodPositive: {
		"开心", "高兴", "快乐", "兴奋", "满足", "满意", "喜欢", "爱", "棒", "好",
		"哈哈", "嘿嘿", "嘻嘻", "😊", "😄", "😁", "🥰", "😍", "👍", "💪",
	},
	MoodNegative: {
		"难过", "伤心", "痛苦", "沮丧", "失望", "愤怒", "生气", "烦躁", "焦虑",
		"压力", "累", "疲惫", "孤独", "寂寞", "想哭", "哭", "😢", "😭", "😔",
		"😤", "😠", "😡", "😰", "😨", "😱", "💔",
	},
	MoodNeutral: {
		"嗯", "哦", "好的", "知道", "明白", "了解", "是的", "不是", "可能",
		"也许", "大概", "应该", "😐", "🤔", "😑",
	},
}

// MoodScores counts keyword hits per mood across texts.
func MoodScores(texts ...string) map[Mood]int {
	scores := map[Mood]int{MoodPositive: 0, MoodNegative: 0, MoodNeutral: 0}
	for _, text := range texts {
		for mood, words := range moodKeywords {
			for _, w := range words {
				scores[mood] += strings.Count(text, w)
			}
		}
	}
	return scores
}

// DominantMood returns the mood with the most hits. Ties and texts without
// hits are neutral.
func DominantMood(texts ...string) Mood {
	s := MoodScores(texts...)
	switch {
	case s[MoodNegative] > s[MoodPositive] && s[MoodNegative] > s[MoodNeutral]:
		return MoodNegative
	case s[MoodPositive] > s[MoodNegative] && s[MoodPositive] > s[MoodNeutral]:
		return MoodPositive
	default:
		return MoodNeutral
	}
}
