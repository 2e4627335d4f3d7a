// internal/sieve/sieve.go

// Package sieve classifies fetched artifacts as decision-worthy or not. It is
// the cheap pre-filter that runs on every artifact before the paid extraction
// step runs on the survivors. Pure, total, no I/O: the same artifact and
// config always yield the same verdict.
package sieve

import (
	"strings"
	"unicode/utf8"

	"github.com/Wasif-ZA/decision.log-sub001/internal/config"
	"github.com/Wasif-ZA/decision.log-sub001/internal/model"
)

// CandidateFields are the derived fields a worthy artifact seeds its
// candidate with. The extraction step may later refine them.
type CandidateFields struct {
	Title        string
	Summary      string
	Confidence   float64
	Impact       string
	Risk         string
	Tags         []string
}

// Verdict is the sieve's answer for one artifact.
type Verdict struct {
	Worthy bool
	Fields CandidateFields
	Reason string
}

// Keyword signals grouped by the kind of decision they hint at. Tuning these
// changes which artifacts survive, not the sieve's contract.
var decisionKeywords = map[string][]string{
	"architecture": {"architecture", "refactor", "redesign", "rewrite", "restructure"},
	"dependency":   {"migrate", "migration", "upgrade", "replace", "adopt", "switch to", "deprecate"},
	"infra":        {"database", "cache", "queue", "broker", "storage", "schema", "index", "partition"},
	"api":          {"api", "endpoint", "protocol", "contract", "interface", "breaking change"},
	"tradeoff":     {"trade-off", "tradeoff", "instead of", "decided", "decision", "chose", "rationale", "adr"},
}

// Fixed evaluation order so the same artifact always yields the same tags;
// map iteration order is randomized.
var keywordOrder = []string{"architecture", "dependency", "infra", "api", "tradeoff"}

var docOnlyMarkers = []string{
	"typo", "readme", "docs", "documentation", "changelog", "comment", "formatting", "lint", "whitespace", "gofmt",
}

// Sieve evaluates artifacts against a fixed configuration.
type Sieve struct {
	cfg config.SieveConfig
}

// New creates a sieve with the given thresholds.
func New(cfg config.SieveConfig) *Sieve {
	return &Sieve{cfg: cfg}
}

// Evaluate returns a verdict for any well-formed artifact, including ones
// with an empty body or empty patch. It never returns an error and never
// panics.
func (s *Sieve) Evaluate(a model.Artifact) Verdict {
	title := strings.ToLower(a.Title)
	body := strings.ToLower(a.Body)
	text := title + "\n" + body

	if isDocOnly(title, a.Patch) {
		return Verdict{Reason: "documentation or formatting-only change"}
	}

	diffLines := countChangedLines(a.Patch)
	hits, tags := keywordHits(text)

	// No description and a trivial diff carries no decision signal.
	if len(strings.TrimSpace(a.Body)) < s.cfg.MinBodyLength && diffLines < s.cfg.MinDiffLines {
		return Verdict{Reason: "no description and trivial diff"}
	}

	if hits == 0 && diffLines < s.cfg.MinDiffLines {
		return Verdict{Reason: "no decision signal in title or body"}
	}

	confidence := scoreConfidence(hits, diffLines, s.cfg.MinDiffLines)
	if confidence < 0.3 {
		return Verdict{Reason: "confidence below threshold"}
	}

	return Verdict{
		Worthy: true,
		Fields: CandidateFields{
			Title:      a.Title,
			Summary:    summarize(a.Body),
			Confidence: confidence,
			Impact:     impactFor(diffLines),
			Risk:       riskFor(hits, diffLines),
			Tags:       tags,
		},
	}
}

func isDocOnly(title, patch string) bool {
	for _, m := range docOnlyMarkers {
		if strings.Contains(title, m) {
			return true
		}
	}
	if patch == "" {
		return false
	}
	// Every touched file being non-code marks the change doc-only.
	codeTouched := false
	for _, line := range strings.Split(patch, "\n") {
		if !strings.HasPrefix(line, "+++ ") && !strings.HasPrefix(line, "--- ") {
			continue
		}
		name := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(line, "+++ "), "--- "))
		if name == "/dev/null" || name == "" {
			continue
		}
		lower := strings.ToLower(name)
		if !strings.HasSuffix(lower, ".md") && !strings.HasSuffix(lower, ".txt") && !strings.HasSuffix(lower, ".rst") {
			codeTouched = true
		}
	}
	return strings.Contains(patch, "+++ ") && !codeTouched
}

func countChangedLines(patch string) int {
	if patch == "" {
		return 0
	}
	n := 0
	for _, line := range strings.Split(patch, "\n") {
		if len(line) == 0 {
			continue
		}
		if (line[0] == '+' && !strings.HasPrefix(line, "+++")) ||
			(line[0] == '-' && !strings.HasPrefix(line, "---")) {
			n++
		}
	}
	return n
}

func keywordHits(text string) (int, []string) {
	hits := 0
	var tags []string
	for _, tag := range keywordOrder {
		tagged := false
		for _, w := range decisionKeywords[tag] {
			if strings.Contains(text, w) {
				hits++
				tagged = true
			}
		}
		if tagged {
			tags = append(tags, tag)
		}
	}
	return hits, tags
}

func scoreConfidence(hits, diffLines, minDiffLines int) float64 {
	score := 0.2 * float64(hits)
	if minDiffLines > 0 && diffLines >= minDiffLines {
		score += 0.2
	}
	if diffLines >= 10*minDiffLines && minDiffLines > 0 {
		score += 0.1
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

func impactFor(diffLines int) string {
	switch {
	case diffLines >= 500:
		return "high"
	case diffLines >= 100:
		return "medium"
	default:
		return "low"
	}
}

func riskFor(hits, diffLines int) string {
	if hits >= 3 && diffLines >= 100 {
		return "high"
	}
	if hits >= 2 || diffLines >= 100 {
		return "medium"
	}
	return "low"
}

func summarize(body string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		return ""
	}
	const max = 280
	if first, _, found := strings.Cut(body, "\n"); found && len(first) > 0 {
		body = first
	}
	if len(body) > max {
		cut := max
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		body = body[:cut]
	}
	return body
}
