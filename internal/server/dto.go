package server

import "taskgen/internal/domain"

type CompleteTaskRequest struct {
	Type            string `json:"type" doc:"Task type the finished action resolves"`
	ProjectID       string `json:"related_project_id"`
	CollaborationID string `json:"related_collaboration_id,omitempty" doc:"Narrows completion to one collaboration"`
}

type CompleteTaskResponse struct {
	Success   bool `json:"success"`
	Completed int  `json:"completed"`
}

// ScanResponse reports success unless every rule failed; the summary carries
// the per-rule detail.
type ScanResponse struct {
	Success bool          `json:"success"`
	Summary domain.RunLog `json:"summary"`
}

type LogsResponse struct {
	Items      []domain.RunLog `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}
