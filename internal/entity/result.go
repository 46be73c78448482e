package entity

import "github.com/google/uuid"

// PipelineResult is the externally visible product of one finished job.
// A finished job does not imply every field is clean: check Missing and
// each field's Validation.
type PipelineResult struct {
	JobID        uuid.UUID        `json:"job_id"`
	DocumentID   uuid.UUID        `json:"document_id"`
	DocumentType string           `json:"document_type"`
	Fields       []ExtractedField `json:"fields"`
	Missing      []string         `json:"missing_fields"`
	Unmapped     []string         `json:"unmapped_labels,omitempty"`
}

// Field returns the extracted field with the given canonical name.
func (r *PipelineResult) Field(name string) (ExtractedField, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return ExtractedField{}, false
}

// Flagged returns the fields with at least one validation flag.
func (r *PipelineResult) Flagged() []ExtractedField {
	var out []ExtractedField
	for _, f := range r.Fields {
		if len(f.Validation.Flags) > 0 {
			out = append(out, f)
		}
	}
	return out
}

// Bind stamps the job and document ids onto the result and its fields.
func (r *PipelineResult) Bind(jobID, documentID uuid.UUID) {
	r.JobID = jobID
	r.DocumentID = documentID
	for i := range r.Fields {
		r.Fields[i].DocumentID = documentID
	}
}
