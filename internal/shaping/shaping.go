// Package shaping turns raw model output into short chat-sized chunks.
package shaping

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Policy bounds the shaped output.
type Policy struct {
	MaxChunkRunes int
	MaxChunks     int
	// MaxAsideRunes is the longest parenthetical kept verbatim.
	MaxAsideRunes int
	Filler        string
}

// DefaultPolicy returns the production policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxChunkRunes: 24,
		MaxChunks:     5,
		MaxAsideRunes: 12,
		Filler:        "嗯嗯～",
	}
}

// Result is the shaped reply.
type Result struct {
	Chunks []string
	// ImageIntent holds the description of a requested image, if any.
	ImageIntent string
}

// WantsImage reports whether the reply asked for an image.
func (r Result) WantsImage() bool { return r.ImageIntent != "" }

const ellipsis = "…"

var (
	thinkRe    = regexp.MustCompile(`(?is)<think>.*?</think>`)
	imageRe    = regexp.MustCompile(`(?is)\[\s*(?:IMG|图片)\s*[:：]\s*(.*?)\]|<image>(.*?)</image>`)
	urlRe      = regexp.MustCompile(`(?i)(?:https?://|www\.)[^\s，。！？、）)]+`)
	fileRe     = regexp.MustCompile(`(?i)[\w\-./]+\.(?:png|jpe?g|gif|webp|bmp|svg|mp3|wav|ogg|mp4|mov|pdf|txt|md|json|csv|docx?|xlsx?|zip)\b`)
	emphasisRe = regexp.MustCompile("\\*+|__|`+")
	headingRe  = regexp.MustCompile(`(?m)^\s*(?:#{1,6}\s+|[-*+]\s+|>\s*)`)
	asideRe    = regexp.MustCompile(`\(([^()]*)\)|（([^（）]*)）`)
	spaceRe    = regexp.MustCompile(`[ \t\x{3000}\x{00a0}]+`)
	emptyAside = regexp.MustCompile(`\(\s*\)|（\s*）`)
)

// Shape applies p to raw. It is pure and always returns at least one chunk.
func Shape(raw string, p Policy) Result {
	p = p.normalized()

	text := thinkRe.ReplaceAllString(raw, "")

	var res Result
	for _, m := range imageRe.FindAllStringSubmatch(text, -1) {
		desc := strings.TrimSpace(m[1] + m[2])
		if desc != "" && res.ImageIntent == "" {
			res.ImageIntent = desc
		}
	}
	text = imageRe.ReplaceAllString(text, "")

	text = urlRe.ReplaceAllString(text, "")
	text = fileRe.ReplaceAllString(text, "")
	text = emphasisRe.ReplaceAllString(text, "")
	text = headingRe.ReplaceAllString(text, "")
	text = collapseAsides(text, p.MaxAsideRunes)
	text = emptyAside.ReplaceAllString(text, "")
	text = spaceRe.ReplaceAllString(text, " ")

	seen := make(map[string]bool)
	for _, sentence := range splitSentences(text) {
		for _, piece := range wrap(sentence, p.MaxChunkRunes) {
			chunk := ensureTrailingPunct(piece, p.MaxChunkRunes)
			key := dedupKey(chunk)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			res.Chunks = append(res.Chunks, chunk)
			if len(res.Chunks) == p.MaxChunks {
				return res
			}
		}
	}

	if len(res.Chunks) == 0 {
		res.Chunks = []string{truncateRunes(p.Filler, p.MaxChunkRunes)}
	}
	return res
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.MaxChunkRunes < 2 {
		p.MaxChunkRunes = d.MaxChunkRunes
	}
	if p.MaxChunks < 1 {
		p.MaxChunks = d.MaxChunks
	}
	if p.MaxAsideRunes <= 0 {
		p.MaxAsideRunes = d.MaxAsideRunes
	}
	if strings.TrimSpace(p.Filler) == "" {
		p.Filler = d.Filler
	}
	return p
}

func collapseAsides(text string, maxRunes int) string {
	return asideRe.ReplaceAllStringFunc(text, func(m string) string {
		inner := asideRe.FindStringSubmatch(m)
		body := strings.TrimSpace(inner[1] + inner[2])
		if utf8.RuneCountInString(body) > maxRunes {
			return ellipsis
		}
		return m
	})
}

func isTerminator(r rune) bool {
	switch r {
	case '。', '！', '？', '!', '?', '；', ';', '…', '~', '～':
		return true
	}
	return false
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', '”', '’', '」', '』', ')', '）', '】':
		return true
	}
	return false
}

func isSoftBreak(r rune) bool {
	switch r {
	case '，', ',', '、', ' ', '：', ':':
		return true
	}
	return false
}

// splitSentences cuts text after terminators and at newlines, keeping the
// terminator with its sentence.
func splitSentences(text string) []string {
	runes := []rune(text)
	var out []string
	var cur []rune

	flush := func() {
		if s := strings.TrimSpace(string(cur)); s != "" {
			out = append(out, s)
		}
		cur = cur[:0]
	}

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r == '\n' || r == '\r' {
			flush()
			continue
		}
		cur = append(cur, r)

		endsSentence := isTerminator(r)
		if r == '.' {
			endsSentence = i+1 == len(runes) || unicode.IsSpace(runes[i+1])
		}
		if !endsSentence {
			continue
		}
		for i+1 < len(runes) && (isTerminator(runes[i+1]) || isCloser(runes[i+1]) || runes[i+1] == '.') {
			i++
			cur = append(cur, runes[i])
		}
		flush()
	}
	flush()
	return out
}

// wrap splits s into pieces of at most maxRunes, preferring soft breaks.
// Pieces that would need a trailing mark are kept one rune short.
func wrap(s string, maxRunes int) []string {
	runes := []rune(strings.TrimSpace(s))
	var out []string
	for len(runes) > maxRunes {
		cut := -1
		for i := maxRunes - 1; i >= maxRunes/2; i-- {
			if isSoftBreak(runes[i]) {
				cut = i + 1
				break
			}
		}
		if cut < 0 {
			cut = maxRunes - 1
		}
		if piece := strings.TrimSpace(string(runes[:cut])); piece != "" {
			out = append(out, piece)
		}
		runes = []rune(strings.TrimSpace(string(runes[cut:])))
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}

func endsWithPunct(r rune) bool {
	return isTerminator(r) || isCloser(r) || r == '.' || unicode.IsSymbol(r)
}

func ensureTrailingPunct(chunk string, maxRunes int) string {
	runes := []rune(strings.TrimSpace(chunk))
	if len(runes) == 0 {
		return ""
	}
	last := runes[len(runes)-1]
	if isSoftBreak(last) {
		runes = runes[:len(runes)-1]
		if len(runes) == 0 {
			return ""
		}
		last = runes[len(runes)-1]
	}
	if endsWithPunct(last) {
		return string(runes)
	}

	mark := '。'
	if last < utf8.RuneSelf {
		mark = '.'
	}
	if len(runes) >= maxRunes {
		runes = runes[:maxRunes-1]
	}
	return string(append(runes, mark))
}

// dedupKey drops punctuation and spacing so "好的！" and "好的。" compare equal.
func dedupKey(chunk string) string {
	var b strings.Builder
	for _, r := range chunk {
		if unicode.IsPunct(r) || unicode.IsSpace(r) || r == '~' || r == '～' {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
