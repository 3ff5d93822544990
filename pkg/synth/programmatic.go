package synth

import (
	"regexp"
	"strings"

	"github.com/budgierless/spark-advisory-engine/pkg/model"
)

// leadingTag strips a leading "[Something] " marker (e.g. "[Caution] ",
// "[Warning] ") that candidate text sometimes carries; the programmatic
// composer writes its own section headers instead.
var leadingTag = regexp.MustCompile(`^\s*\[[^\]]+\]\s*`)

func stripLeadingTag(text string) string {
	return strings.TrimSpace(leadingTag.ReplaceAllString(text, ""))
}

// composeProgrammatic builds the deterministic, template-based advisory text
// from gate-emitted decisions: up to two WARNING items under a "Cautions"
// section and up to three NOTE items under a "Relevant context" section,
// each bullet stripped of its source tag. Decisions of any other authority
// are skipped; the gate marks only NOTE and WARNING decisions for emission.
func composeProgrammatic(emitted []model.GateDecision, items map[string]model.AdviceItem) string {
	var warnings, notes []string
	for _, d := range emitted {
		item, ok := items[d.AdviceID]
		if !ok {
			continue
		}
		text := stripLeadingTag(item.Text)
		if text == "" {
			continue
		}
		switch d.Authority {
		case model.AuthorityWarning:
			if len(warnings) < 2 {
				warnings = append(warnings, text)
			}
		case model.AuthorityNote:
			if len(notes) < 3 {
				notes = append(notes, text)
			}
		}
	}

	var sb strings.Builder
	if len(warnings) > 0 {
		sb.WriteString("Cautions: ")
		sb.WriteString(strings.Join(warnings, "; "))
	}
	if len(notes) > 0 {
		if sb.Len() > 0 {
			sb.WriteString(". ")
		}
		sb.WriteString("Relevant context: ")
		sb.WriteString(strings.Join(notes, "; "))
	}
	return strings.TrimSpace(sb.String())
}
