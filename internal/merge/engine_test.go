package merge

import (
	"encoding/json"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/credit-extractor/constants"
	"github.com/joseph-ayodele/credit-extractor/internal/entity"
	"github.com/joseph-ayodele/credit-extractor/internal/llm"
	"github.com/joseph-ayodele/credit-extractor/internal/schema"
)

func ptr[T any](v T) *T { return &v }

func creditType(t *testing.T) *schema.DocumentType {
	t.Helper()
	dt, err := schema.NewDocumentType("credit_request", "", []schema.Field{
		{Name: "company_name", Aliases: []string{"Firmenname", "Unternehmen"}},
		{Name: "website", Aliases: []string{"Webseite"}},
		{Name: "vat_id", Rule: schema.Rule{Type: constants.FieldString, Pattern: regexp.MustCompile(`^[A-Z]{2}[0-9A-Z]{8,12}$`)}},
		{Name: "credit_amount", Rule: schema.Rule{Type: constants.FieldNumber, Min: ptr(0.0), DecimalComma: true}},
		{Name: "term_months", Rule: schema.Rule{Type: constants.FieldNumber, Min: ptr(1.0), Max: ptr(480.0), DecimalComma: true}},
		{Name: "request_date", Rule: schema.Rule{Type: constants.FieldDate}},
		{Name: "collateral_available", Rule: schema.Rule{Type: constants.FieldBoolean}},
	})
	require.NoError(t, err)
	return dt
}

var taubeBox = entity.Rect{MinX: 1, MinY: 1, MaxX: 3, MaxY: 1.2}.Polygon()

func taubeLines() []entity.OCRLine {
	return []entity.OCRLine{
		{Text: "Kreditantrag", Confidence: 0.99, Page: 1},
		{Text: "Hotel zur Taube", BoundingBox: taubeBox, Confidence: 0.98, Page: 1},
		{Text: "Kreditbetrag: 250.000 €", Confidence: 0.9, Page: 1},
	}
}

func TestMergeRecoversBoundingBoxFromOCR(t *testing.T) {
	out := llm.Extraction{Candidates: []llm.Candidate{
		{Label: "Firmenname", Value: "Hotel zur Taube"},
	}}
	res := NewEngine(nil).Merge(taubeLines(), out, creditType(t))

	f, ok := res.Field("company_name")
	require.True(t, ok)
	assert.Equal(t, "Hotel zur Taube", f.Raw)
	assert.Equal(t, entity.StringValue("Hotel zur Taube"), f.Value)
	assert.Equal(t, 0.98, f.Confidence)
	assert.Equal(t, taubeBox, f.BoundingBox)
	require.NotNil(t, f.Page)
	assert.Equal(t, 1, *f.Page)
	assert.Equal(t, "Firmenname", f.SourceLabel)
	assert.True(t, f.Validation.Valid)
}

func TestMergeListsMissingFieldsInSchemaOrder(t *testing.T) {
	out := llm.Extraction{
		Candidates:  []llm.Candidate{{Label: "company_name", Value: "Hotel zur Taube"}},
		MissingHint: []string{"credit_amount"},
	}
	res := NewEngine(nil).Merge(taubeLines(), out, creditType(t))
	assert.Equal(t, []string{"website", "vat_id", "credit_amount", "term_months", "request_date", "collateral_available"}, res.Missing)
	_, ok := res.Field("website")
	assert.False(t, ok)
}

func TestMergeUnrecoveredFieldKeepsExtractorConfidence(t *testing.T) {
	out := llm.Extraction{Candidates: []llm.Candidate{
		{Label: "Webseite", Value: "www.taube.de"},
		{Label: "company_name", Value: "Not In Document", Confidence: ptr(0.7)},
	}}
	res := NewEngine(nil).Merge(taubeLines(), out, creditType(t))

	w, _ := res.Field("website")
	assert.Equal(t, DefaultConfidence, w.Confidence)
	assert.Empty(t, w.BoundingBox)
	assert.Nil(t, w.Page)

	c, _ := res.Field("company_name")
	assert.Equal(t, 0.7, c.Confidence)
}

func TestMergeHighestConfidenceWins(t *testing.T) {
	out := llm.Extraction{Candidates: []llm.Candidate{
		{Label: "Unternehmen", Value: "Taube GmbH", Confidence: ptr(0.6), BoundingBox: taubeBox},
		{Label: "Firmenname", Value: "Hotel zur Taube GmbH", Confidence: ptr(0.9), BoundingBox: taubeBox},
	}}
	res := NewEngine(nil).Merge(taubeLines(), out, creditType(t))
	f, _ := res.Field("company_name")
	assert.Equal(t, "Hotel zur Taube GmbH", f.Raw)
	assert.Equal(t, 0.9, f.Confidence)
}

func TestMergeTieBreaksOnReadingOrder(t *testing.T) {
	lines := []entity.OCRLine{
		{Text: "Unternehmen: Alpha AG", Page: 1, Confidence: 1},
		{Text: "Firmenname: Beta AG", Page: 1, Confidence: 1},
	}
	out := llm.Extraction{Candidates: []llm.Candidate{
		{Label: "Firmenname", Value: "Beta AG", Confidence: ptr(0.8)},
		{Label: "Unternehmen", Value: "Alpha AG", Confidence: ptr(0.8)},
	}}
	res := NewEngine(nil).Merge(lines, out, creditType(t))
	f, _ := res.Field("company_name")
	assert.Equal(t, "Alpha AG", f.Raw, "earlier line wins a confidence tie")

	// neither value is in the text: fall back to label order
	out = llm.Extraction{Candidates: []llm.Candidate{
		{Label: "Unternehmen", Value: "X", Confidence: ptr(0.8)},
		{Label: "Firmenname", Value: "Y", Confidence: ptr(0.8)},
	}}
	res = NewEngine(nil).Merge(nil, out, creditType(t))
	f, _ = res.Field("company_name")
	assert.Equal(t, "Y", f.Raw)
}

func TestMergeFlagsButKeepsInvalidFields(t *testing.T) {
	out := llm.Extraction{Candidates: []llm.Candidate{
		{Label: "vat_id", Value: "de 123"},
		{Label: "credit_amount", Value: "-5.000,00"},
		{Label: "term_months", Value: "sechzig"},
		{Label: "request_date", Value: "31.02.2024"},
		{Label: "collateral_available", Value: "ja"},
	}}
	res := NewEngine(nil).Merge(nil, out, creditType(t))

	vat, ok := res.Field("vat_id")
	require.True(t, ok)
	assert.Equal(t, []constants.ValidationFlag{constants.FlagPatternInvalid}, vat.Validation.Flags)
	assert.False(t, vat.Validation.Valid)

	amt, _ := res.Field("credit_amount")
	assert.Equal(t, []constants.ValidationFlag{constants.FlagOutOfRange}, amt.Validation.Flags)
	assert.Equal(t, entity.NumberValue(-5000), amt.Value)
	assert.Contains(t, amt.Validation.Message, "below minimum 0")

	term, _ := res.Field("term_months")
	assert.Equal(t, []constants.ValidationFlag{constants.FlagTypeInvalid}, term.Validation.Flags)
	assert.Nil(t, term.Value)

	date, _ := res.Field("request_date")
	assert.True(t, date.Validation.HasFlag(constants.FlagTypeInvalid))

	coll, _ := res.Field("collateral_available")
	assert.Equal(t, entity.BoolValue(true), coll.Value)
	assert.True(t, coll.Validation.Valid)

	assert.Len(t, res.Flagged(), 4)
	assert.Len(t, res.Fields, 5)
}

func TestMergeCollectsUnmappedLabels(t *testing.T) {
	out := llm.Extraction{Candidates: []llm.Candidate{
		{Label: "Zweck", Value: "Renovierung"},
		{Label: "Bankverbindung", Value: "DE00"},
		{Label: "Zweck", Value: "Umbau"},
	}}
	res := NewEngine(nil).Merge(nil, out, creditType(t))
	assert.Equal(t, []string{"Bankverbindung", "Zweck"}, res.Unmapped)
	assert.Len(t, res.Missing, 7, "unmapped labels never satisfy a field")
}

func TestMergeIsDeterministic(t *testing.T) {
	out := llm.Extraction{Candidates: []llm.Candidate{
		{Label: "Unternehmen", Value: "Hotel zur Taube", Confidence: ptr(0.8)},
		{Label: "Firmenname", Value: "Hotel zur Taube", Confidence: ptr(0.8)},
		{Label: "credit_amount", Value: "250.000 €"},
		{Label: "Zweck", Value: "Umbau"},
		{Label: "request_date", Value: "01.03.2024"},
	}}
	dt := creditType(t)
	first, err := json.Marshal(NewEngine(nil).Merge(taubeLines(), out, dt))
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		// reversed candidate order must not matter
		rev := llm.Extraction{Candidates: make([]llm.Candidate, len(out.Candidates))}
		for j, c := range out.Candidates {
			rev.Candidates[len(out.Candidates)-1-j] = c
		}
		again, err := json.Marshal(NewEngine(nil).Merge(taubeLines(), rev, dt))
		require.NoError(t, err)
		assert.Equal(t, string(first), string(again))
	}
}
