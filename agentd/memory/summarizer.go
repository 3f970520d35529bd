package memory

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Summary is a structured extractive summary of a conversation slice.
type Summary struct {
	Content   string
	Sections  map[string]string
	TurnCount int
	UpdatedAt time.Time
}

// sectionOrder fixes the rendering order so summary content is deterministic.
var sectionOrder = []string{
	"Instruments & Topics",
	"User Questions",
	"Assistant Findings",
	"Preferences & Constraints",
	"Open Items",
}

var numericPattern = regexp.MustCompile(`\d`)

// Summarizer builds rolling conversation summaries without a model call. It
// extracts and groups the turns that carry durable signal instead of
// generating free text, so every summary line is grounded in an actual turn.
type Summarizer struct {
	maxSectionItems int
}

// NewSummarizer creates a summarizer. Each section keeps at most
// maxSectionItems entries, newest preferred.
func NewSummarizer(maxSectionItems int) *Summarizer {
	if maxSectionItems <= 0 {
		maxSectionItems = 4
	}
	return &Summarizer{maxSectionItems: maxSectionItems}
}

// Summarize creates a structured summary of the given turns.
func (sum *Summarizer) Summarize(turns []Turn) (Summary, error) {
	if err := sum.validateTurns(turns); err != nil {
		return Summary{}, fmt.Errorf("turn validation failed: %w", err)
	}

	sections := map[string]string{
		"Instruments & Topics":      sum.buildInstrumentsSection(turns),
		"User Questions":            sum.buildQuestionsSection(turns),
		"Assistant Findings":        sum.buildFindingsSection(turns),
		"Preferences & Constraints": sum.buildPreferencesSection(turns),
		"Open Items":                sum.buildOpenItemsSection(turns),
	}

	return Summary{
		Content:   renderSummary(sections),
		Sections:  sections,
		TurnCount: len(turns),
		UpdatedAt: time.Now(),
	}, nil
}

func (sum *Summarizer) validateTurns(turns []Turn) error {
	if len(turns) == 0 {
		return fmt.Errorf("no turns to summarize")
	}
	for i := 1; i < len(turns); i++ {
		if turns[i].CreatedAt.Before(turns[i-1].CreatedAt) {
			return fmt.Errorf("turns out of order at index %d", i)
		}
	}
	return nil
}

// buildInstrumentsSection lists the tickers and named entities discussed.
func (sum *Summarizer) buildInstrumentsSection(turns []Turn) string {
	var names []string
	seen := make(map[string]struct{})
	for _, t := range turns {
		for _, e := range ExtractEntities(t.Content) {
			if e.Kind != KindTicker && e.Kind != KindName {
				continue
			}
			if _, dup := seen[e.Text]; dup {
				continue
			}
			seen[e.Text] = struct{}{}
			names = append(names, e.Text)
		}
	}
	if len(names) == 0 {
		return "No specific instruments or entities discussed."
	}
	return strings.Join(names, ", ")
}

// buildQuestionsSection keeps the first user question plus the most recent ones.
func (sum *Summarizer) buildQuestionsSection(turns []Turn) string {
	var questions []string
	for _, t := range turns {
		if t.Role == "user" && strings.TrimSpace(t.Content) != "" {
			questions = append(questions, strings.TrimSpace(t.Content))
		}
	}
	if len(questions) == 0 {
		return "No user questions recorded."
	}
	if len(questions) > sum.maxSectionItems {
		kept := []string{questions[0]}
		kept = append(kept, questions[len(questions)-(sum.maxSectionItems-1):]...)
		questions = kept
	}
	return strings.Join(questions, "; ")
}

// buildFindingsSection keeps assistant turns that carried concrete figures.
func (sum *Summarizer) buildFindingsSection(turns []Turn) string {
	var findings []string
	for _, t := range turns {
		if t.Role != "assistant" {
			continue
		}
		if numericPattern.MatchString(t.Content) {
			findings = append(findings, strings.TrimSpace(t.Content))
		}
	}
	if len(findings) == 0 {
		return "No concrete figures reported yet."
	}
	if len(findings) > sum.maxSectionItems {
		findings = findings[len(findings)-sum.maxSectionItems:]
	}
	return strings.Join(findings, "; ")
}

// buildPreferencesSection extracts stated user preferences and constraints.
func (sum *Summarizer) buildPreferencesSection(turns []Turn) string {
	markers := []string{"prefer", "risk", "horizon", "portfolio", "avoid", "long-term", "short-term"}
	var prefs []string
	for _, t := range turns {
		if t.Role != "user" {
			continue
		}
		lower := strings.ToLower(t.Content)
		for _, m := range markers {
			if strings.Contains(lower, m) {
				prefs = append(prefs, strings.TrimSpace(t.Content))
				break
			}
		}
	}
	if len(prefs) == 0 {
		return "No preferences or constraints stated."
	}
	if len(prefs) > sum.maxSectionItems {
		prefs = prefs[len(prefs)-sum.maxSectionItems:]
	}
	return strings.Join(prefs, "; ")
}

// buildOpenItemsSection surfaces the last user turn when it has not been
// followed by an assistant turn.
func (sum *Summarizer) buildOpenItemsSection(turns []Turn) string {
	last := turns[len(turns)-1]
	if last.Role == "user" {
		return "Awaiting answer to: " + strings.TrimSpace(last.Content)
	}
	return "None."
}

// MergeSummaries combines conversation summaries into one, newer information
// first within each section. Used when promoting to cross-conversation memory.
func (sum *Summarizer) MergeSummaries(summaries []Summary) (Summary, error) {
	if len(summaries) == 0 {
		return Summary{}, fmt.Errorf("no summaries to merge")
	}

	merged := make(map[string]string)
	turnCount := 0
	for _, s := range summaries {
		turnCount += s.TurnCount
		for name, content := range s.Sections {
			if existing, ok := merged[name]; ok {
				merged[name] = existing + "; " + content
			} else {
				merged[name] = content
			}
		}
	}

	return Summary{
		Content:   renderSummary(merged),
		Sections:  merged,
		TurnCount: turnCount,
		UpdatedAt: time.Now(),
	}, nil
}

func renderSummary(sections map[string]string) string {
	var b strings.Builder
	b.WriteString("Conversation summary:\n")
	for _, name := range sectionOrder {
		content, ok := sections[name]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", name, content)
	}
	return b.String()
}
