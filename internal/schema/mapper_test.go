package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMapper(t *testing.T) *Mapper {
	t.Helper()
	dt, err := NewDocumentType("credit_request", "", []Field{
		{Name: "company_name", Aliases: []string{"Firmenname", "Unternehmen"}},
		{Name: "website", Aliases: []string{"Webseite"}},
		{Name: "vat_id", Aliases: []string{"USt-IdNr."}},
		// exact labels differing only in case, bound to different fields
		{Name: "purpose", Aliases: []string{"Zweck"}},
		{Name: "purpose_detail", Aliases: []string{"ZWECK"}},
	})
	require.NoError(t, err)
	return dt.Mapper()
}

func TestMapExactAndCaseInsensitive(t *testing.T) {
	m := testMapper(t)

	cases := []struct {
		label string
		want  string
		ok    bool
	}{
		{"Firmenname", "company_name", true},
		{"firmenname", "company_name", true},
		{"FIRMENNAME", "company_name", true},
		{"  Webseite ", "website", true},
		{"company_name", "company_name", true},
		{"Company_Name", "company_name", true},
		{"USt-IdNr.", "vat_id", true},
		{"Firmennamen", "", false},
		{"Firma", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := m.Map(tc.label)
		assert.Equal(t, tc.ok, ok, tc.label)
		assert.Equal(t, tc.want, got, tc.label)
	}
}

func TestMapAmbiguousCaseFoldIsUnmapped(t *testing.T) {
	m := testMapper(t)

	got, ok := m.Map("Zweck")
	assert.True(t, ok)
	assert.Equal(t, "purpose", got)

	got, ok = m.Map("ZWECK")
	assert.True(t, ok)
	assert.Equal(t, "purpose_detail", got)

	_, ok = m.Map("zweck")
	assert.False(t, ok, "case-insensitive collision must not guess")
}

func TestMapIsPure(t *testing.T) {
	m := testMapper(t)
	labels := []string{"Firmenname", "firmenname", "zweck", "unknown", "Webseite"}

	first := make([]string, len(labels))
	for i, l := range labels {
		first[i], _ = m.Map(l)
	}
	for round := 0; round < 50; round++ {
		for i, l := range labels {
			got, _ := m.Map(l)
			require.Equal(t, first[i], got)
		}
	}
}
