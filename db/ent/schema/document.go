package schema

import (
	"time"

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

type Document struct{ ent.Schema }

func (Document) Annotations() []schema.Annotation {
	return []schema.Annotation{
		entsql.Annotation{Table: "documents"},
	}
}

func (Document) Fields() []ent.Field {
	return []ent.Field{
		field.UUID("id", uuid.UUID{}).Default(uuid.New).Immutable(),
		field.String("document_type").NotEmpty(),
		field.String("credit_request_id").Default(""),
		field.String("source_path").Default(""),
		field.String("raw_locator").Default(""),
		field.String("content_kind").NotEmpty(),
		field.String("mime_type").NotEmpty(),
		field.String("content_hash").NotEmpty().Unique().Immutable(),
		field.Int64("size_bytes").NonNegative(),
		field.Int("page_count").NonNegative().Default(0),
		field.String("status").
			Default(string(constants.DocumentNotReady)).
			Validate(utils.EnumValidator(constants.DocumentStatuses...)),
		field.UUID("active_job_id", uuid.UUID{}).Optional().Nillable(),
		field.Time("created_at").Default(time.Now).Immutable(),
		field.Time("updated_at").Default(time.Now).UpdateDefault(time.Now),
	}
}

func (Document) Edges() []ent.Edge {
	return []ent.Edge{
		edge.To("jobs", ExtractionJob.Type),
		edge.To("fields", ExtractedField.Type),
	}
}

func (Document) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("status"),
		index.Fields("credit_request_id", "created_at"),
	}
}
