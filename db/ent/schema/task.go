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

// Task is a durable queue entry that delivers a job to a worker.
type Task struct{ ent.Schema }

func (Task) Annotations() []schema.Annotation {
	return []schema.Annotation{
		entsql.Annotation{Table: "tasks"},
	}
}

func (Task) Fields() []ent.Field {
	return []ent.Field{
		field.UUID("id", uuid.UUID{}).Default(uuid.New).Immutable(),
		field.UUID("job_id", uuid.UUID{}).Immutable(),
		field.String("status").
			Default(string(constants.TaskPending)).
			Validate(utils.EnumValidator(constants.TaskStatuses...)),
		field.Int("attempts").NonNegative().Default(0),
		field.Int("max_attempts").Positive(),
		field.Time("run_after").Default(time.Now),
		field.Time("lease_until").Optional().Nillable(),
		field.String("last_error").Optional().Nillable(),
		field.Time("created_at").Default(time.Now).Immutable(),
		field.Time("updated_at").Default(time.Now).UpdateDefault(time.Now),
	}
}

func (Task) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("job", ExtractionJob.Type).
			Ref("tasks").
			Field("job_id").
			Unique().
			Required().
			Immutable(),
	}
}

func (Task) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("status", "run_after"),
	}
}
