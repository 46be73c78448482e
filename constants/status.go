package constants

// DocumentStatus is the lifecycle status of a row in documents.
type DocumentStatus string

// Stable values (store these exact strings in DB).
const (
	DocumentNotReady   DocumentStatus = "NOT_READY"   // row exists, RAW artifact not yet confirmed
	DocumentReady      DocumentStatus = "READY"       // RAW stored, eligible for a job
	DocumentInProgress DocumentStatus = "IN_PROGRESS" // owned by exactly one active job
	DocumentDone       DocumentStatus = "DONE"
	DocumentError      DocumentStatus = "ERROR"
)

var DocumentStatuses = []string{
	string(DocumentNotReady),
	string(DocumentReady),
	string(DocumentInProgress),
	string(DocumentDone),
	string(DocumentError),
}

// JobState is the coarse state of an extraction job.
type JobState string

const (
	JobCreated  JobState = "CREATED"
	JobRunning  JobState = "RUNNING"
	JobFinished JobState = "FINISHED"
	JobError    JobState = "ERROR"
)

var JobStates = []string{
	string(JobCreated),
	string(JobRunning),
	string(JobFinished),
	string(JobError),
}

// PipelineStage is the position of a job inside the extraction state machine.
type PipelineStage string

const (
	StageCreated     PipelineStage = "CREATED"
	StageOCRRunning  PipelineStage = "OCR_RUNNING"
	StageNormalizing PipelineStage = "NORMALIZING"
	StageExtracting  PipelineStage = "EXTRACTING"
	StageValidating  PipelineStage = "VALIDATING"
	StagePersisting  PipelineStage = "PERSISTING"
	StageFinished    PipelineStage = "FINISHED"
	StageError       PipelineStage = "ERROR"
)

var PipelineStages = []string{
	string(StageCreated),
	string(StageOCRRunning),
	string(StageNormalizing),
	string(StageExtracting),
	string(StageValidating),
	string(StagePersisting),
	string(StageFinished),
	string(StageError),
}

// Next returns the successor on the happy path. Terminal stages have none.
func (s PipelineStage) Next() (PipelineStage, bool) {
	switch s {
	case StageCreated:
		return StageOCRRunning, true
	case StageOCRRunning:
		return StageNormalizing, true
	case StageNormalizing:
		return StageExtracting, true
	case StageExtracting:
		return StageValidating, true
	case StageValidating:
		return StagePersisting, true
	case StagePersisting:
		return StageFinished, true
	}
	return "", false
}

// Terminal reports whether no further transition is possible.
func (s PipelineStage) Terminal() bool {
	return s == StageFinished || s == StageError
}

// Active reports whether a job at this stage holds its document.
func (s PipelineStage) Active() bool {
	return !s.Terminal()
}

// JobState derives the coarse job state from the stage.
func (s PipelineStage) JobState() JobState {
	switch s {
	case StageCreated:
		return JobCreated
	case StageFinished:
		return JobFinished
	case StageError:
		return JobError
	default:
		return JobRunning
	}
}

// TaskStatus is the delivery status of a row in tasks.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

var TaskStatuses = []string{
	string(TaskPending),
	string(TaskRunning),
	string(TaskCompleted),
	string(TaskFailed),
}
