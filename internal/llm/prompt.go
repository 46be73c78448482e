package llm

import (
	"fmt"
	"strings"

	"github.com/joseph-ayodele/credit-extractor/constants"
	"github.com/joseph-ayodele/credit-extractor/internal/entity"
	"github.com/joseph-ayodele/credit-extractor/internal/schema"
)

// DefaultMaxPromptChars caps the document text sent to the model.
const DefaultMaxPromptChars = 12000

// BuildSystemPrompt composes the system message: the expected fields of the
// document type plus strict formatting rules for the reply.
func BuildSystemPrompt(dt *schema.DocumentType) string {
	var fields strings.Builder
	for _, f := range dt.Fields() {
		fields.WriteString("- ")
		fields.WriteString(f.Name)
		if d := strings.TrimSpace(f.Description); d != "" {
			fields.WriteString(": ")
			fields.WriteString(d)
		}
		if f.Rule.Type != constants.FieldString {
			fmt.Fprintf(&fields, " (%s)", f.Rule.Type)
		}
		if len(f.Aliases) > 0 {
			fields.WriteString(" [labels: ")
			fields.WriteString(strings.Join(f.Aliases, ", "))
			fields.WriteString("]")
		}
		fields.WriteString("\n")
	}

	parts := []string{
		"You are a document processing assistant specializing in credit request forms.",
		"Document type: " + dt.Name + ".",
		"Extract the following fields:\n" + fields.String(),
		`Return ONLY JSON of the form {"extracted_fields": {"<label>": {"value": "...", "confidence": 0.95, "source": "label_value"}}, "missing_fields": ["..."]}.`,
		"Use the field name as the key, or the label exactly as printed in the document when unsure.",
		"Every value is a string. For monetary values give only the number without currency symbols, e.g. \"4.200.000€\" -> \"4200000\".",
		"Use YYYY-MM-DD for dates.",
		"For checkboxes use \"true\" or \"false\", e.g. \"[x] ja\" -> \"true\".",
		"'confidence' is a number between 0 and 1, never null.",
		"'source' is either 'label_value' or 'text_line'.",
		"Only include fields you are confident about; list the others in missing_fields.",
		"Do not wrap the JSON in markdown code blocks or add any text outside it.",
	}
	return strings.Join(parts, "\n")
}

// BuildUserPrompt renders the normalized lines in reading order, one per
// line, with page markers. Text beyond maxChars is cut at a line boundary.
func BuildUserPrompt(lines []entity.OCRLine, maxChars int) string {
	if maxChars <= 0 {
		maxChars = DefaultMaxPromptChars
	}
	var b strings.Builder
	b.WriteString("Document content:\n")
	page := 0
	for _, l := range lines {
		if l.Page != page {
			page = l.Page
			fmt.Fprintf(&b, "--- page %d ---\n", page)
		}
		if b.Len()+len(l.Text)+1 > maxChars {
			b.WriteString("…(truncated)\n")
			break
		}
		b.WriteString(l.Text)
		b.WriteString("\n")
	}
	return b.String()
}
