package memory

import "strings"

var stopwords = map[string]bool{
	"about": true, "after": true, "again": true, "against": true,
	"because": true, "before": true, "being": true, "between": true,
	"could": true, "doing": true, "every": true, "final": true,
	"from": true, "have": true, "into": true, "just": true,
	"more": true, "other": true, "over": true, "should": true,
	"some": true, "that": true, "their": true, "them": true,
	"then": true, "there": true, "these": true, "they": true,
	"this": true, "under": true, "until": true, "very": true,
	"what": true, "when": true, "where": true, "which": true,
	"while": true, "will": true, "with": true, "would": true,
	"your": true,
}

// ExtractKeys pulls candidate entity keys out of free text: distinct
// lowercase words of four letters or more, stopwords removed, in
// order of first appearance.
func ExtractKeys(text string, max int) []string {
	var keys []string
	seen := map[string]bool{}

	word := strings.Builder{}
	flush := func() {
		w := strings.ToLower(word.String())
		word.Reset()
		if len(w) < 4 || stopwords[w] || seen[w] {
			return
		}
		seen[w] = true
		keys = append(keys, w)
	}
	for _, r := range text {
		if ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || ('0' <= r && r <= '9') || r == '-' {
			word.WriteRune(r)
			continue
		}
		flush()
	}
	flush()

	if max > 0 && len(keys) > max {
		keys = keys[:max]
	}
	return keys
}
