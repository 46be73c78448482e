package schema

import (
	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/credit-extractor/constants"
	"github.com/joseph-ayodele/credit-extractor/db/ent/schema/utils"
)

type ExtractedField struct{ ent.Schema }

func (ExtractedField) Annotations() []schema.Annotation {
	return []schema.Annotation{
		entsql.Annotation{Table: "extracted_fields"},
	}
}

func (ExtractedField) Fields() []ent.Field {
	return []ent.Field{
		field.UUID("id", uuid.UUID{}).Default(uuid.New).Immutable(),
		field.UUID("job_id", uuid.UUID{}).Immutable(),
		field.UUID("document_id", uuid.UUID{}).Immutable(),
		field.String("field_name").NotEmpty(),
		// schema order within the job
		field.Int("position").NonNegative(),
		field.String("raw_value").Default(""),
		field.String("value_type").Optional().Nillable().
			Validate(utils.EnumValidator(constants.FieldTypes...)),
		field.Float("confidence").Min(0).Max(1),
		field.Int("page").Optional().Nillable().Positive(),
		field.String("source_label").Default(""),
		field.Bool("valid").Default(true),
		field.String("flags").Default(""),
		field.Text("payload"),
	}
}

func (ExtractedField) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("job", ExtractionJob.Type).
			Ref("fields").
			Field("job_id").
			Unique().
			Required().
			Immutable(),
		edge.From("document", Document.Type).
			Ref("fields").
			Field("document_id").
			Unique().
			Required().
			Immutable(),
	}
}

func (ExtractedField) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("job_id", "field_name").Unique(),
	}
}
