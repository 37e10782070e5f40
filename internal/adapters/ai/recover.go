package ai

import (
	"errors"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/selivandex/decision-engine/pkg/errs"
)

const codeFence = "```"

// Reasoning blocks emitted ahead of the answer by reasoning models.
var thinkingBlockRe = regexp.MustCompile(`(?is)^\s*(?:<think>.*?</think>|<thinking>.*?</thinking>|<reasoning>.*?</reasoning>|\[THINKING\].*?\[/THINKING\])`)

// RecoverJSON extracts a JSON document from a raw model response. It strips a
// leading reasoning block, unwraps a fenced code block, slices the first balanced
// object or array out of surrounding prose, and drops // line comments outside
// string literals. Output that still does not parse is a parse error.
func RecoverJSON(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	for {
		stripped := thinkingBlockRe.ReplaceAllString(s, "")
		if stripped == s {
			break
		}
		s = strings.TrimSpace(stripped)
	}
	if gjson.Valid(s) {
		return s, nil
	}

	if block, ok := unwrapFence(s); ok {
		s = block
	}

	if span, ok := balancedSpan(s); ok {
		s = span
	}

	s = stripLineComments(s)

	if s == "" {
		return "", errs.Parse("ai.recover", errors.New("empty response"))
	}
	if !gjson.Valid(s) {
		return "", errs.Parse("ai.recover", errors.New("response is not valid JSON: "+truncate(s, 120)))
	}
	return s, nil
}

// unwrapFence returns the body of a code fence that opens before the first
// bracket. Fences inside the document are string content.
func unwrapFence(s string) (string, bool) {
	start := strings.Index(s, codeFence)
	if start == -1 {
		return "", false
	}
	if bracket := strings.IndexAny(s, "{["); bracket != -1 && bracket < start {
		return "", false
	}
	rest := s[start+len(codeFence):]
	end := strings.Index(rest, codeFence)
	if end == -1 {
		return "", false
	}
	block := strings.TrimLeft(rest[:end], "\r\n")
	// Drop a language tag line such as "json".
	if idx := strings.Index(block, "\n"); idx != -1 {
		first := strings.TrimSpace(block[:idx])
		if first != "" && !strings.ContainsAny(first, "[{") {
			block = block[idx+1:]
		}
	}
	block = strings.TrimSpace(block)
	return block, block != ""
}

// balancedSpan returns the first '{' or '[' and its matching close, skipping
// brackets inside string literals.
func balancedSpan(s string) (string, bool) {
	start := strings.IndexAny(s, "{[")
	if start == -1 {
		return "", false
	}

	var stack []byte
	inString, escape := false, false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escape:
				escape = false
			case ch == '\\':
				escape = true
			case ch == '"':
				inString = false
			}
			continue
		}

		switch ch {
		case '"':
			inString = true
		case '/':
			if i+1 < len(s) && s[i+1] == '/' {
				for i < len(s) && s[i] != '\n' {
					i++
				}
			}
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != ch {
				return "", false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func stripLineComments(s string) string {
	if !strings.Contains(s, "//") {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	inString, escape := false, false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			b.WriteByte(ch)
			switch {
			case escape:
				escape = false
			case ch == '\\':
				escape = true
			case ch == '"':
				inString = false
			}
			continue
		}
		if ch == '"' {
			inString = true
			b.WriteByte(ch)
			continue
		}
		if ch == '/' && i+1 < len(s) && s[i+1] == '/' {
			for i < len(s) && s[i] != '\n' {
				i++
			}
			if i < len(s) {
				b.WriteByte('\n')
			}
			continue
		}
		b.WriteByte(ch)
	}
	return strings.TrimSpace(b.String())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
