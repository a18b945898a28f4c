package models

import "time"

// WorkflowVersion is an immutable snapshot of a workflow definition.
// Versions are append-only: rollback creates a new version pointing at an
// old snapshot, it never rewrites history.
type WorkflowVersion struct {
	VersionID     string       `json:"version_id"`
	WorkflowID    string       `json:"workflow_id"`
	VersionNumber string       `json:"version_number"`
	DAG           *WorkflowDAG `json:"dag"`
	Checksum      string       `json:"checksum"`
	ParentVersion string       `json:"parent_version,omitempty"`
	Changes       []string     `json:"changes,omitempty"`
	IsCurrent     bool         `json:"is_current"`
	CreatedAt     time.Time    `json:"created_at"`
}

// VersionDiff summarizes the structural delta between two versions.
type VersionDiff struct {
	AddedNodes    []string `json:"added_nodes,omitempty"`
	RemovedNodes  []string `json:"removed_nodes,omitempty"`
	ModifiedNodes []string `json:"modified_nodes,omitempty"`
	AddedEdges    []string `json:"added_edges,omitempty"`
	RemovedEdges  []string `json:"removed_edges,omitempty"`
}

// Empty reports whether the diff records no structural change.
func (d VersionDiff) Empty() bool {
	return len(d.AddedNodes) == 0 && len(d.RemovedNodes) == 0 &&
		len(d.ModifiedNodes) == 0 && len(d.AddedEdges) == 0 && len(d.RemovedEdges) == 0
}

// Describe renders the diff as human-readable change entries for the
// version's changes log.
func (d VersionDiff) Describe() []string {
	changes := make([]string, 0)

	for _, id := range d.AddedNodes {
		changes = append(changes, "added node "+id)
	}

	for _, id := range d.RemovedNodes {
		changes = append(changes, "removed node "+id)
	}

	for _, id := range d.ModifiedNodes {
		changes = append(changes, "modified node "+id)
	}

	for _, e := range d.AddedEdges {
		changes = append(changes, "added edge "+e)
	}

	for _, e := range d.RemovedEdges {
		changes = append(changes, "removed edge "+e)
	}

	return changes
}
