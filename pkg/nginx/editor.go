package nginx

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrNoAnchor is returned when a rule has to be added to a file that has no
// default proxy_pass line to insert after.
var ErrNoAnchor = errors.New("no default proxy_pass line to insert rules after")

// removeRe matches a complete rule block from the newline before it through
// the rest of the line holding its closing brace. The newline ending that
// line is left out so it can start the next block.
var removeRe = regexp.MustCompile(`(?:\A|\n)\s*if\s*\(\s*\$remote_addr\s*~\*\s*(\S*)\s*\)\s*\{\s*proxy_pass\s*([^\s;]*)\s*;[^}]*\}[^\n]*`)

// RuleBlock renders the canonical text of a rule block.
func RuleBlock(pattern, target string) string {
	return "\nif ( $remote_addr ~* " + pattern + " ) {\n" +
		" proxy_pass " + target + ";\n" +
		"}\n"
}

// AddRule splices a rule block for pattern into text at offset.
func AddRule(pattern, target string, text []byte, offset int) ([]byte, error) {
	if offset < 0 {
		return nil, ErrNoAnchor
	}
	if offset > len(text) {
		return nil, fmt.Errorf("%w: offset %d beyond end of file (%d bytes)", ErrNoAnchor, offset, len(text))
	}

	block := RuleBlock(pattern, target)
	result := make([]byte, 0, len(text)+len(block))
	result = append(result, text[:offset]...)
	result = append(result, block...)
	result = append(result, text[offset:]...)
	return result, nil
}

// RemoveRule deletes every rule block whose pattern is exactly pattern.
// Each deleted span, from the newline before the block through the newline
// ending its closing line, is replaced by a single newline. Text without a
// matching block is returned unchanged.
func RemoveRule(pattern string, text []byte) []byte {
	body := string(text)
	matches := removeRe.FindAllStringSubmatchIndex(body, -1)

	var sb strings.Builder
	last := 0
	removed := false
	for _, m := range matches {
		if body[m[2]:m[3]] != pattern {
			continue
		}
		sb.WriteString(body[last:m[0]])
		last = m[1]
		switch {
		case m[0] == 0 && !strings.HasPrefix(body, "\n"):
			// No newline before the block: drop the one ending it instead.
			if last < len(body) {
				last++
			}
		case last == len(body):
			sb.WriteByte('\n')
		}
		removed = true
	}
	if !removed {
		return text
	}
	sb.WriteString(body[last:])
	return []byte(sb.String())
}

// SetRule makes pattern route to target, replacing any block that already
// exists for pattern. The insertion anchor is looked up again after the old
// block is gone.
func SetRule(pattern, target string, text []byte) ([]byte, error) {
	current := Parse(text)
	if _, exists := current.Rules[pattern]; exists {
		text = RemoveRule(pattern, text)
		current = Parse(text)
	}
	return AddRule(pattern, target, text, current.InsertOffset)
}
