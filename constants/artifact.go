package constants

// ArtifactStage is a step in the fixed artifact pipeline order.
type ArtifactStage string

const (
	ArtifactRaw          ArtifactStage = "RAW"
	ArtifactOCRRaw       ArtifactStage = "OCR_RAW"
	ArtifactOCRClean     ArtifactStage = "OCR_CLEAN"
	ArtifactLLMExtracted ArtifactStage = "LLM_EXTRACTED"
	ArtifactVisualized   ArtifactStage = "VISUALIZED"
)

// ArtifactStages is in pipeline order.
var ArtifactStages = []ArtifactStage{
	ArtifactRaw,
	ArtifactOCRRaw,
	ArtifactOCRClean,
	ArtifactLLMExtracted,
	ArtifactVisualized,
}

// Index returns the position of s in ArtifactStages, or -1.
func (s ArtifactStage) Index() int {
	for i, st := range ArtifactStages {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known stage.
func (s ArtifactStage) Valid() bool { return s.Index() >= 0 }

// Before reports whether s comes strictly before other.
func (s ArtifactStage) Before(other ArtifactStage) bool {
	return s.Valid() && other.Valid() && s.Index() < other.Index()
}

// Dir is the storage prefix for the stage.
func (s ArtifactStage) Dir() string {
	switch s {
	case ArtifactRaw:
		return "raw"
	case ArtifactOCRRaw:
		return "ocr-raw"
	case ArtifactOCRClean:
		return "ocr-clean"
	case ArtifactLLMExtracted:
		return "llm-extracted"
	case ArtifactVisualized:
		return "visualized"
	}
	return ""
}
