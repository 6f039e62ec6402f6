package rulebook

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Chunk splits text into pieces of at most size runes. Paragraph and then
// sentence boundaries are preferred; each chunk after the first starts with
// up to overlap runes carried over from the end of the previous one.
func Chunk(text string, size, overlap int) []string {
	if size <= 0 {
		return nil
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	var chunks []string
	var cur string
	for _, unit := range units(text, size) {
		if cur == "" {
			cur = unit
			continue
		}
		if runes(cur)+1+runes(unit) <= size {
			cur += "\n" + unit
			continue
		}
		chunks = append(chunks, cur)
		carry := tail(cur, overlap)
		if carry != "" && runes(carry)+1+runes(unit) <= size {
			cur = carry + " " + unit
		} else {
			cur = unit
		}
	}
	if cur != "" {
		chunks = append(chunks, cur)
	}
	return chunks
}

// units breaks text into paragraphs, sentences or word-bounded slices, none
// longer than size.
func units(text string, size int) []string {
	var out []string
	for _, para := range paragraphs(text) {
		if runes(para) <= size {
			out = append(out, para)
			continue
		}
		for _, sentence := range sentences(para) {
			if runes(sentence) <= size {
				out = append(out, sentence)
				continue
			}
			out = append(out, hardSplit(sentence, size)...)
		}
	}
	return out
}

func paragraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	var lines []string
	flush := func() {
		if p := strings.Join(strings.Fields(strings.Join(lines, " ")), " "); p != "" {
			out = append(out, p)
		}
		lines = lines[:0]
	}
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		lines = append(lines, line)
	}
	flush()
	return out
}

func sentences(para string) []string {
	var out []string
	start := 0
	rs := []rune(para)
	for i, r := range rs {
		if (r == '.' || r == '!' || r == '?') && i+1 < len(rs) && unicode.IsSpace(rs[i+1]) {
			out = append(out, strings.TrimSpace(string(rs[start:i+1])))
			start = i + 1
		}
	}
	if rest := strings.TrimSpace(string(rs[start:])); rest != "" {
		out = append(out, rest)
	}
	return out
}

func hardSplit(s string, size int) []string {
	var out []string
	rs := []rune(s)
	for len(rs) > size {
		cut := size
		// back off to the last space so words stay whole
		for i := size; i > size/2; i-- {
			if unicode.IsSpace(rs[i]) {
				cut = i
				break
			}
		}
		out = append(out, strings.TrimSpace(string(rs[:cut])))
		rs = []rune(strings.TrimSpace(string(rs[cut:])))
	}
	if len(rs) > 0 {
		out = append(out, string(rs))
	}
	return out
}

func tail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	t := string(rs[len(rs)-n:])
	if i := strings.IndexFunc(t, unicode.IsSpace); i >= 0 {
		t = t[i:]
	}
	return strings.TrimSpace(t)
}

func runes(s string) int {
	return utf8.RuneCountInString(s)
}
