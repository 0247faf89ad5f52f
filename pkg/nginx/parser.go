package nginx

import (
	"regexp"
	"strings"
)

var (
	// defaultRouteRe matches a bare "proxy_pass <target>;" directive line.
	defaultRouteRe = regexp.MustCompile(`^\s*proxy_pass\s*([^\s;]+)\s*;`)

	// ifOpenRe matches the start of an if block on a comment-free line.
	ifOpenRe = regexp.MustCompile(`^\s*if\s*\(`)

	// ruleRe matches one per-IP rule block inside comment-stripped text.
	ruleRe = regexp.MustCompile(`if\s*\(\s*\$remote_addr\s*~\*\s*(\S*)\s*\)\s*\{\s*proxy_pass\s*([^\s;]*)`)

	commentRe = regexp.MustCompile(`#[^\n]*`)
)

// Config is the structured view of a managed nginx file.
type Config struct {
	// DefaultTarget is the target of the first proxy_pass outside any if block.
	// Empty when the file has none.
	DefaultTarget string `json:"default_proxy,omitempty"`

	// InsertOffset is the byte offset right after the default route line.
	// New rule blocks are spliced here. -1 when there is no default route.
	InsertOffset int `json:"-"`

	// Rules maps client IP patterns to their proxy_pass target.
	Rules map[string]string `json:"ip_proxy_map"`
}

// HasAnchor reports whether a rule block can be inserted into the file.
func (c *Config) HasAnchor() bool {
	return c.InsertOffset >= 0
}

// Parse builds a Config from raw file content. It never fails: anything it
// does not recognise is simply absent from the result.
//
// The default route is searched in the raw text while rule blocks are
// searched in the text with "#" comments removed.
func Parse(text []byte) *Config {
	cfg := &Config{
		InsertOffset: -1,
		Rules:        make(map[string]string),
	}

	body := string(text)
	cfg.DefaultTarget, cfg.InsertOffset = findDefaultRoute(body)

	stripped := StripComments(body)
	for _, match := range ruleRe.FindAllStringSubmatch(stripped, -1) {
		cfg.Rules[match[1]] = match[2]
	}

	return cfg
}

// StripComments removes every "#" comment up to the end of its line.
func StripComments(body string) string {
	return commentRe.ReplaceAllString(body, "")
}

// findDefaultRoute walks the file line by line and returns the first
// proxy_pass target found outside an if block together with the offset
// just past that line.
func findDefaultRoute(body string) (string, int) {
	depth := 0
	offset := 0
	// pending is set between an "if (" line and the line carrying its "{".
	pending := false

	for offset < len(body) {
		end := strings.IndexByte(body[offset:], '\n')
		next := len(body)
		if end >= 0 {
			next = offset + end + 1
		}
		line := body[offset:next]
		code := stripLineComment(line)

		switch {
		case depth == 0 && !pending:
			if match := defaultRouteRe.FindStringSubmatch(line); match != nil {
				return match[1], next
			}
			if ifOpenRe.MatchString(code) {
				if strings.Contains(code, "{") {
					depth = braceDelta(code)
				} else {
					pending = true
				}
			}
		default:
			if pending && strings.Contains(code, "{") {
				pending = false
			}
			depth += braceDelta(code)
		}
		if depth < 0 {
			depth = 0
		}

		offset = next
	}

	return "", -1
}

func stripLineComment(line string) string {
	if idx := strings.IndexByte(line, '#'); idx >= 0 {
		return line[:idx]
	}
	return line
}

func braceDelta(code string) int {
	return strings.Count(code, "{") - strings.Count(code, "}")
}
