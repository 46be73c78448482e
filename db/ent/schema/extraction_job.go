package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/credit-extractor/constants"
	"github.com/joseph-ayodele/credit-extractor/db/ent/schema/utils"
)

type ExtractionJob struct{ ent.Schema }

func (ExtractionJob) Annotations() []schema.Annotation {
	return []schema.Annotation{
		entsql.Annotation{Table: "extraction_jobs"},
	}
}

func (ExtractionJob) Fields() []ent.Field {
	return []ent.Field{
		field.UUID("id", uuid.UUID{}).Default(uuid.New).Immutable(),
		field.UUID("document_id", uuid.UUID{}).Immutable(),
		field.String("state").
			Validate(utils.EnumValidator(constants.JobStates...)),
		field.String("stage").
			Validate(utils.EnumValidator(constants.PipelineStages...)),
		field.Int("attempts").NonNegative().Default(0),
		field.Bool("cancel_requested").Default(false),
		// append-only, one entry per line
		field.Text("worker_log").Default(""),
		field.String("error_code").Optional().Nillable(),
		field.String("error_message").Optional().Nillable(),
		field.String("result_json").Optional().Nillable().
			SchemaType(map[string]string{dialect.Postgres: "text"}),
		field.Time("created_at").Default(time.Now).Immutable(),
		field.Time("started_at").Optional().Nillable(),
		field.Time("finished_at").Optional().Nillable(),
		field.Time("updated_at").Default(time.Now).UpdateDefault(time.Now),
	}
}

func (ExtractionJob) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("document", Document.Type).
			Ref("jobs").
			Field("document_id").
			Unique().
			Required().
			Immutable(),
		edge.To("fields", ExtractedField.Type),
		edge.To("tasks", Task.Type),
	}
}

func (ExtractionJob) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("document_id", "created_at"),
	}
}
