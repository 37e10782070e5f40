package ai

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"regexp"
	"strconv"
)

const fingerprintPrecision = 4

var (
	isoTimestampRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}(?::\d{2}(?:\.\d+)?)?(?:Z|[+-]\d{2}:?\d{2})?`)
	epochMillisRe  = regexp.MustCompile(`\b1\d{12}\b`)
	// JSON members whose values drift between otherwise identical snapshots.
	volatileKeyRe = regexp.MustCompile(`"(timestamp|ts|time|generated_at|updated_at|created_at|as_of|cycle|cycle_id|iteration|invocation|invocation_count|sequence|seq|counter|call_count|minutes_elapsed|uptime)"\s*:\s*("[^"]*"|-?\d+(?:\.\d+)?)`)
	// Prose counters such as "Invocation #42" or "cycle 17".
	proseCounterRe = regexp.MustCompile(`(?i)\b(invocation|iteration|cycle|call)(\s*(?:#|no\.?|number)?\s*:?\s*)\d+`)
	longFloatRe    = regexp.MustCompile(`-?\d+\.\d{5,}`)
)

// NormalizePrompt zeroes high-entropy fields and rounds long floats so cosmetically
// different renderings of the same market state hash identically.
func NormalizePrompt(s string) string {
	s = volatileKeyRe.ReplaceAllString(s, `"$1":0`)
	s = isoTimestampRe.ReplaceAllString(s, "0000-00-00T00:00:00Z")
	s = epochMillisRe.ReplaceAllString(s, "0")
	s = proseCounterRe.ReplaceAllString(s, "${1}${2}0")
	s = longFloatRe.ReplaceAllStringFunc(s, roundFloatLiteral)
	return s
}

func roundFloatLiteral(lit string) string {
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return lit
	}
	p := math.Pow(10, fingerprintPrecision)
	r := math.Round(f*p) / p
	if r == 0 {
		r = 0 // drop negative zero
	}
	return strconv.FormatFloat(r, 'f', -1, 64)
}

// Fingerprint hashes the request as routed to provider.
func Fingerprint(req Request, provider, model string) string {
	key := struct {
		System      string  `json:"system"`
		Prompt      string  `json:"prompt"`
		Schema      *Schema `json:"schema"`
		Temperature string  `json:"temperature"`
		MaxTokens   int     `json:"max_tokens"`
		Provider    string  `json:"provider"`
		Model       string  `json:"model"`
	}{
		System:      NormalizePrompt(req.System),
		Prompt:      NormalizePrompt(req.Prompt),
		Schema:      req.Schema,
		Temperature: strconv.FormatFloat(req.Temperature, 'f', fingerprintPrecision, 64),
		MaxTokens:   req.MaxTokens,
		Provider:    provider,
		Model:       model,
	}

	// Marshal cannot fail: every field is a plain value or an acyclic schema.
	b, _ := json.Marshal(key)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
