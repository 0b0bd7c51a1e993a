package domain

import "time"

// MemoryKind groups what the persona remembers about a user.
type MemoryKind string

const (
	MemoryPersonal     MemoryKind = "personal"
	MemoryPreference   MemoryKind = "preference"
	MemoryRelationship MemoryKind = "relationship"
	MemoryEvent        MemoryKind = "event"
	MemoryEmotion      MemoryKind = "emotion"
)

// Valid reports whether k is a known memory kind.
func (k MemoryKind) Valid() bool {
	switch k {
	case MemoryPersonal, MemoryPreference, MemoryRelationship, MemoryEvent, MemoryEmotion:
		return true
	}
	return false
}

// Label is the heading used when memories are shown to the model.
func (k MemoryKind) Label() string {
	switch k {
	case MemoryPersonal:
		return "个人信息"
	case MemoryPreference:
		return "偏好"
	case MemoryRelationship:
		return "人际关系"
	case MemoryEvent:
		return "重要事件"
	case MemoryEmotion:
		return "情绪状态"
	default:
		return string(k)
	}
}

// Memory is one remembered fact about a user, keyed per user.
type Memory struct {
	UserID     string     `json:"user_id"`
	Kind       MemoryKind `json:"kind"`
	Key        string     `json:"key"`
	Value      string     `json:"value"`
	Importance float64    `json:"importance"`
	UpdatedAt  time.Time  `json:"updated_at"`
}
