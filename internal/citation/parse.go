package citation

import (
	"regexp"
	"strconv"
	"strings"
)

// Ref is a single citation inside a bracket, e.g. "2" or "2, page: 14".
type Ref struct {
	Index int
	Page  string
	Raw   string
}

var (
	indexPattern = regexp.MustCompile(`^\d{1,6}$`)
	pagePattern  = regexp.MustCompile(`(?i)^page\s*:?\s*(\d{1,6})$`)
)

// Parse splits a "[...]" candidate into citation refs. It reports false when
// the bracket is not a citation at all (e.g. "[irrelevant]").
func Parse(bracket string) ([]Ref, bool) {
	if len(bracket) < 3 || bracket[0] != '[' || bracket[len(bracket)-1] != ']' {
		return nil, false
	}
	inner := bracket[1 : len(bracket)-1]

	var refs []Ref
	for _, part := range strings.Split(inner, ",") {
		tok := strings.TrimSpace(part)
		switch {
		case indexPattern.MatchString(tok):
			n, err := strconv.Atoi(tok)
			if err != nil {
				return nil, false
			}
			refs = append(refs, Ref{Index: n, Raw: tok})
		case pagePattern.MatchString(tok):
			if len(refs) == 0 || refs[len(refs)-1].Page != "" {
				return nil, false
			}
			last := &refs[len(refs)-1]
			last.Page = pagePattern.FindStringSubmatch(tok)[1]
			last.Raw += ", " + tok
		default:
			return nil, false
		}
	}
	if len(refs) == 0 {
		return nil, false
	}
	return refs, true
}
