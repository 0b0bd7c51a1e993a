package domain

// TriggerKind says what started a system turn.
type TriggerKind string

const (
	TriggerUser      TriggerKind = "user"
	TriggerProactive TriggerKind = "proactive"
	TriggerWelcome   TriggerKind = "welcome"
)

// Category narrows a proactive turn.
type Category string

const (
	CategoryGreeting Category = "greeting"
	CategoryCare     Category = "care"
	CategoryShare    Category = "share"
	// CategoryPhoto is a share that should come with a picture.
	CategoryPhoto Category = "photo"
)

// Valid reports whether c is a known proactive category.
func (c Category) Valid() bool {
	switch c {
	case CategoryGreeting, CategoryCare, CategoryShare, CategoryPhoto:
		return true
	}
	return false
}
