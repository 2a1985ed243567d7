// Package formatting renders a session's findings as a Markdown report with
// numbered citations.
package formatting

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/Jmi2020/KITT-sub000/internal/models"
)

var citationRe = regexp.MustCompile(`\[(\d{1,3})\]`)

// Report is what a rendered report is built from.
type Report struct {
	Query          string
	Status         models.SessionStatus
	StopReason     string
	Decision       string
	Consensus      float64
	Summary        string
	Findings       []models.Finding
	Sources        []models.Source
	Contradictions []models.Contradiction
}

// Render builds the Markdown report. Sources are numbered in the order they
// were gathered; claims cite them inline.
func Render(r Report) string {
	index := make(map[string]int, len(r.Sources))
	citations := make([]string, 0, len(r.Sources))
	for _, s := range r.Sources {
		if _, dup := index[s.ID]; dup {
			continue
		}
		n := len(citations) + 1
		index[s.ID] = n
		citations = append(citations, citationLine(n, s))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", strings.TrimSpace(r.Query))
	fmt.Fprintf(&b, "_Status: %s", r.Status)
	if r.StopReason != "" {
		fmt.Fprintf(&b, " (%s)", r.StopReason)
	}
	b.WriteString("_\n\n")

	if d := strings.TrimSpace(r.Decision); d != "" {
		b.WriteString("## Recommendation\n\n")
		b.WriteString(d)
		fmt.Fprintf(&b, "\n\n_Consensus: %.2f_\n\n", r.Consensus)
	}
	if s := strings.TrimSpace(r.Summary); s != "" {
		b.WriteString("## Earlier findings\n\n")
		b.WriteString(s)
		b.WriteString("\n\n")
	}

	byTopic := map[string][]string{}
	var topics []string
	for _, f := range r.Findings {
		topic := "general"
		if len(f.Topics) > 0 {
			topic = f.Topics[0]
		}
		if _, ok := byTopic[topic]; !ok {
			topics = append(topics, topic)
		}
		byTopic[topic] = append(byTopic[topic], findingLines(f, index)...)
	}
	sort.Strings(topics)
	if len(topics) > 0 {
		b.WriteString("## Findings\n\n")
		for _, t := range topics {
			fmt.Fprintf(&b, "### %s\n\n%s\n\n", t, strings.Join(byTopic[t], "\n"))
		}
	}

	var open []models.Contradiction
	for _, c := range r.Contradictions {
		if !c.Resolved {
			open = append(open, c)
		}
	}
	if len(open) > 0 {
		b.WriteString("## Open contradictions\n\n")
		for _, c := range open {
			fmt.Fprintf(&b, "- %s: %q vs %q\n", c.Topic, c.ClaimA, c.ClaimB)
		}
		b.WriteString("\n")
	}

	return FormatReportWithCitations(b.String(), citations)
}

func findingLines(f models.Finding, index map[string]int) []string {
	if len(f.Claims) == 0 {
		text := strings.TrimSpace(f.Content)
		if text == "" {
			return nil
		}
		return []string{"- " + firstLine(text) + cite(f.Sources, nil, index)}
	}
	lines := make([]string, 0, len(f.Claims))
	for _, c := range f.Claims {
		lines = append(lines, "- "+strings.TrimSpace(c.Text)+cite(nil, c.Evidence, index))
	}
	return lines
}

func cite(sources []models.Source, spans []models.EvidenceSpan, index map[string]int) string {
	seen := map[int]bool{}
	var nums []int
	add := func(id string) {
		if n, ok := index[id]; ok && !seen[n] {
			seen[n] = true
			nums = append(nums, n)
		}
	}
	for _, s := range sources {
		add(s.ID)
	}
	for _, e := range spans {
		add(e.SourceID)
	}
	sort.Ints(nums)
	var b strings.Builder
	for i, n := range nums {
		if i == 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "[%d]", n)
	}
	return b.String()
}

func citationLine(n int, s models.Source) string {
	title := strings.TrimSpace(s.Title)
	if title == "" {
		title = s.ID
	}
	line := fmt.Sprintf("[%d] %s", n, title)
	if s.URL != "" {
		line += " (" + s.URL + ")"
	}
	if !s.PublishedAt.IsZero() {
		line += ", " + s.PublishedAt.Format("2006-01-02")
	}
	return line
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

// FormatReportWithCitations replaces any "## Sources" section of body with one
// rebuilt from citations (lines like "[1] Title (URL)"), marking which were
// cited inline.
func FormatReportWithCitations(body string, citations []string) string {
	s := strings.TrimSpace(body)

	// the last heading wins so a body that mentions "## Sources" earlier survives
	if idx := strings.LastIndex(strings.ToLower(s), "## sources"); idx != -1 {
		s = strings.TrimSpace(s[:idx])
	}

	used := map[int]bool{}
	for _, m := range citationRe.FindAllStringSubmatch(s, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			used[n] = true
		}
	}

	type entry struct {
		n    int
		line string
	}
	var rebuilt []entry
	for _, ln := range citations {
		t := strings.TrimSpace(ln)
		if t == "" {
			continue
		}
		n := leadingIndex(t)
		label := "Additional source"
		if used[n] {
			label = "Used inline"
		}
		rebuilt = append(rebuilt, entry{n: n, line: t + " - " + label})
	}
	if len(rebuilt) == 0 {
		return s
	}
	sort.SliceStable(rebuilt, func(i, j int) bool { return rebuilt[i].n < rebuilt[j].n })

	var b strings.Builder
	if s != "" {
		b.WriteString(s)
		b.WriteString("\n\n")
	}
	b.WriteString("## Sources\n")
	for i, e := range rebuilt {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(e.line)
	}
	return b.String()
}

func leadingIndex(line string) int {
	if m := citationRe.FindStringSubmatch(line); len(m) == 2 {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	return 0
}
