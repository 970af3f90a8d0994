package core

// ArtifactType identifies what kind of output an agent produced.
type ArtifactType string

const (
	ArtifactImplementationPlan ArtifactType = "implementation_plan"
	ArtifactPseudocode         ArtifactType = "pseudocode"
	ArtifactCode               ArtifactType = "code"
	ArtifactReviewReport       ArtifactType = "review_report"
	ArtifactDocumentation      ArtifactType = "documentation"
	ArtifactTestResults        ArtifactType = "test_results"
)

// ArtifactStatus tracks review progress of an artifact.
type ArtifactStatus string

const (
	ArtifactStatusDraft    ArtifactStatus = "draft"
	ArtifactStatusReview   ArtifactStatus = "in_review"
	ArtifactStatusApproved ArtifactStatus = "approved"
	ArtifactStatusRejected ArtifactStatus = "rejected"
)

// ArtifactSummaryRef is the minimal artifact handle kept in the
// orchestrator's context. It never carries full artifact content.
type ArtifactSummaryRef struct {
	ArtifactID   string         `json:"artifact_id"`
	ArtifactType ArtifactType   `json:"artifact_type"`
	Summary      string         `json:"summary"`
	Status       ArtifactStatus `json:"status"`
	ProducerRole string         `json:"producer_role"`
}
