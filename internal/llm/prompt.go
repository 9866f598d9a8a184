package llm

import (
	"fmt"
	"sort"
	"strings"

	"github.com/joseph-ayodele/health-records/internal/extract"
)

const maxPromptTextRunes = 6000

// BuildSystemPrompt states the output contract and the clinical reading rules.
func BuildSystemPrompt() string {
	parts := []string{
		"You are a careful medical records assistant. Return ONLY JSON that matches the provided JSON Schema.",
		"Classify the document into exactly one document_type from the schema enum; if uncertain, use 'other'.",
		"Write 'title' as a short label a patient would recognise (e.g. 'Complete blood count, March 2025').",
		"Write 'summary' in plain language, 2-4 sentences, without inventing facts that are not in the text.",
		"Use ISO-8601 dates (YYYY-MM-DD) for document_date.",
		"List diagnoses or conditions under 'conditions'. List drugs under 'medications' with dosage and frequency when visible.",
		"For lab values copy the number and unit as written; set 'flag' only when the document marks the value or the reference range makes it clear.",
		"Never output null. If a field is not present, omit it.",
		"Set 'confidence' between 0 and 1 reflecting how legible and complete the source text is.",
	}
	return strings.Join(parts, " ")
}

// BuildUserPrompt packages the OCR text with entity and code hints from the earlier stages.
func BuildUserPrompt(req extract.EnhanceRequest) string {
	var b strings.Builder
	if fn := strings.TrimSpace(req.Filename); fn != "" {
		b.WriteString("Filename: ")
		b.WriteString(fn)
		b.WriteString("\n")
	}
	if hints := entityHints(req.Entities); hints != "" {
		b.WriteString("Detected entities:\n")
		b.WriteString(hints)
	}
	if codes := codeHints(req.Codes); codes != "" {
		b.WriteString("Validated codes:\n")
		b.WriteString(codes)
	}
	b.WriteString("\nDocument text:\n")
	b.WriteString(truncateRunes(req.Text, maxPromptTextRunes))
	b.WriteString("\n\nReturn ONLY JSON that matches the provided schema.")
	return b.String()
}

// entityHints groups entity texts by category, one line per category.
func entityHints(entities []extract.MedicalEntity) string {
	if len(entities) == 0 {
		return ""
	}
	byCat := make(map[string][]string)
	for _, e := range entities {
		byCat[e.Category] = append(byCat[e.Category], e.Text)
	}
	cats := make([]string, 0, len(byCat))
	for c := range byCat {
		cats = append(cats, c)
	}
	sort.Strings(cats)

	var b strings.Builder
	for _, c := range cats {
		fmt.Fprintf(&b, "- %s: %s\n", c, strings.Join(dedupeStrings(byCat[c]), ", "))
	}
	return b.String()
}

func codeHints(codes []extract.CodedEntity) string {
	var b strings.Builder
	for _, ce := range codes {
		if len(ce.Concepts) == 0 {
			continue
		}
		top := ce.Concepts[0]
		fmt.Fprintf(&b, "- %s -> %s %s (%s)\n", ce.Text, ce.System, top.Code, top.Description)
	}
	return b.String()
}
