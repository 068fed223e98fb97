package sanitize

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	cssComment       = regexp.MustCompile(`(?s)/\*.*?(\*/|$)`)
	cssEscape        = regexp.MustCompile(`\\([0-9a-fA-F]{1,6})[ \t\r\n\f]?|\\([^0-9a-fA-F\r\n\f])`)
	cssImport        = regexp.MustCompile(`(?i)@import[^;]*(;|$)`)
	cssBinding       = regexp.MustCompile(`(?i)(behavior|-moz-binding)\s*:[^;}]*;?`)
	cssExpression    = regexp.MustCompile(`(?i)expression\s*\(`)
	cssURL           = regexp.MustCompile(`(?i)url\s*\(`)
	cssStyleClose    = regexp.MustCompile(`(?i)<\s*/\s*style`)
	dangerousSchemes = []string{"javascript:", "vbscript:"}
)

// CSS returns raw with script-bearing constructs removed: expression(),
// url() targets using a script scheme, @import rules, binding properties
// and anything that could close an enclosing style element.
func CSS(raw string) (out string) {
	if raw == "" {
		return ""
	}
	defer func() {
		if recover() != nil {
			out = ""
		}
	}()

	// removals can splice new tokens together, so run to a fixed point
	s := raw
	for i := 0; i < maxCSSPasses; i++ {
		next := cssPass(s)
		if next == s {
			return s
		}
		s = next
	}
	return ""
}

const maxCSSPasses = 8

func cssPass(s string) string {
	s = cssComment.ReplaceAllString(s, "")
	s = decodeIdentEscapes(s)
	s = cssStyleClose.ReplaceAllString(s, "")
	s = cssImport.ReplaceAllString(s, "")
	s = cssBinding.ReplaceAllString(s, "")
	s = stripExpressions(s)
	return stripURLs(s)
}

// decodeIdentEscapes resolves CSS escapes that stand for ASCII letters or
// the punctuation used to build function calls and schemes. Such escapes
// have no legitimate use and otherwise hide keywords from the filters below.
func decodeIdentEscapes(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	return cssEscape.ReplaceAllStringFunc(s, func(m string) string {
		sub := cssEscape.FindStringSubmatch(m)
		var r rune
		if sub[1] != "" {
			n, err := strconv.ParseUint(sub[1], 16, 32)
			if err != nil {
				return m
			}
			r = rune(n)
		} else {
			r = []rune(sub[2])[0]
		}
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == ':' || r == '(' || r == ')' {
			return string(r)
		}
		return m
	})
}

// stripExpressions removes every expression( ... ) call including its
// argument list. An unterminated call runs to the end of input.
func stripExpressions(s string) string {
	for {
		loc := cssExpression.FindStringIndex(s)
		if loc == nil {
			return s
		}
		s = s[:loc[0]] + s[callEnd(s, loc[1]):]
	}
}

// stripURLs drops url() calls whose target uses a script scheme.
func stripURLs(s string) string {
	var b strings.Builder
	for {
		loc := cssURL.FindStringIndex(s)
		if loc == nil {
			b.WriteString(s)
			return b.String()
		}
		end := callEnd(s, loc[1])
		if dangerousURLArg(strings.TrimSuffix(s[loc[1]:end], ")")) {
			b.WriteString(s[:loc[0]])
		} else {
			b.WriteString(s[:end])
		}
		s = s[end:]
	}
}

// callEnd returns the index just past the ')' closing a call whose
// arguments start at i, honoring quoted strings and nested parens.
func callEnd(s string, i int) int {
	depth := 1
	var quote byte
	for ; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return len(s)
}

func dangerousURLArg(arg string) bool {
	v := strings.ToLower(strings.Map(func(r rune) rune {
		if r <= 0x20 || r == 0x7f || r == '"' || r == '\'' {
			return -1
		}
		return r
	}, arg))
	for _, p := range dangerousSchemes {
		if strings.HasPrefix(v, p) {
			return true
		}
	}
	return false
}
