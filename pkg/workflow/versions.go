package workflow

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/skein-dev/skein/pkg/models"
)

// VersionManager keeps the append-only version history of each workflow.
// Exactly one version per workflow is current at any time; the swap happens
// under the manager's lock so a concurrent reader never observes zero or two
// current versions.
type VersionManager struct {
	mu       sync.RWMutex
	logger   *slog.Logger
	versions map[string][]*models.WorkflowVersion
}

func NewVersionManager(logger *slog.Logger) *VersionManager {
	return &VersionManager{
		logger:   logger.With("module", "version_manager"),
		versions: make(map[string][]*models.WorkflowVersion),
	}
}

// CreateVersion snapshots the DAG as a new version and makes it current.
// When versionNumber is empty the parent's patch component is incremented.
// The DAG is deep-cloned: later mutations of the argument cannot reach the
// snapshot.
func (m *VersionManager) CreateVersion(workflowID string, dag *models.WorkflowDAG, versionNumber string, changes []string) (*models.WorkflowVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := dag.Clone()
	snapshot.ResetRuntimeState()

	checksum, err := snapshot.Checksum()
	if err != nil {
		return nil, fmt.Errorf("version checksum: %w", err)
	}

	parent := m.currentLocked(workflowID)

	if versionNumber == "" {
		versionNumber = nextPatchVersion(parent)
	}

	version := &models.WorkflowVersion{
		VersionID:     uuid.New().String(),
		WorkflowID:    workflowID,
		VersionNumber: versionNumber,
		DAG:           snapshot,
		Checksum:      checksum,
		Changes:       changes,
		IsCurrent:     true,
		CreatedAt:     time.Now().UTC(),
	}

	if parent != nil {
		version.ParentVersion = parent.VersionID

		if len(changes) == 0 {
			diff := DiffDAGs(parent.DAG, snapshot)
			version.Changes = diff.Describe()
		}

		parent.IsCurrent = false
	}

	m.versions[workflowID] = append(m.versions[workflowID], version)

	m.logger.Info("Created workflow version",
		"workflow_id", workflowID,
		"version", versionNumber,
		"checksum", checksum[:12])

	return version, nil
}

// Rollback creates a new version whose DAG is the target's snapshot. History
// is never rewritten; the rollback itself appears in the lineage.
func (m *VersionManager) Rollback(workflowID, targetVersionID string) (*models.WorkflowVersion, error) {
	m.mu.RLock()

	var target *models.WorkflowVersion

	for _, v := range m.versions[workflowID] {
		if v.VersionID == targetVersionID {
			target = v

			break
		}
	}

	m.mu.RUnlock()

	if target == nil {
		return nil, fmt.Errorf("workflow %s version %s: %w", workflowID, targetVersionID, ErrVersionNotFound)
	}

	changes := []string{fmt.Sprintf("rollback to version %s", target.VersionNumber)}

	return m.CreateVersion(workflowID, target.DAG, "", changes)
}

// Current returns the current version for a workflow.
func (m *VersionManager) Current(workflowID string) (*models.WorkflowVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	version := m.currentLocked(workflowID)
	if version == nil {
		return nil, fmt.Errorf("workflow %s: %w", workflowID, ErrVersionNotFound)
	}

	return version, nil
}

// Get returns a specific version.
func (m *VersionManager) Get(workflowID, versionID string) (*models.WorkflowVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, v := range m.versions[workflowID] {
		if v.VersionID == versionID {
			return v, nil
		}
	}

	return nil, fmt.Errorf("workflow %s version %s: %w", workflowID, versionID, ErrVersionNotFound)
}

// List returns the full lineage, oldest first.
func (m *VersionManager) List(workflowID string) []*models.WorkflowVersion {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions := m.versions[workflowID]
	out := make([]*models.WorkflowVersion, len(versions))
	copy(out, versions)

	return out
}

// Delete drops the whole history of a workflow.
func (m *VersionManager) Delete(workflowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.versions, workflowID)
}

func (m *VersionManager) currentLocked(workflowID string) *models.WorkflowVersion {
	for _, v := range m.versions[workflowID] {
		if v.IsCurrent {
			return v
		}
	}

	return nil
}

func nextPatchVersion(parent *models.WorkflowVersion) string {
	if parent == nil {
		return "1.0.0"
	}

	parts := strings.Split(parent.VersionNumber, ".")
	if len(parts) != 3 {
		return "1.0.0"
	}

	patch, err := strconv.Atoi(parts[2])
	if err != nil {
		return "1.0.0"
	}

	return fmt.Sprintf("%s.%s.%d", parts[0], parts[1], patch+1)
}

// DiffDAGs computes the structural delta between two snapshots: node ids
// added, removed or modified, and edges added or removed.
func DiffDAGs(old, updated *models.WorkflowDAG) models.VersionDiff {
	diff := models.VersionDiff{}

	oldNodes := old.Nodes()
	newNodes := updated.Nodes()

	for id := range newNodes {
		if _, ok := oldNodes[id]; !ok {
			diff.AddedNodes = append(diff.AddedNodes, id)
		}
	}

	for id, oldNode := range oldNodes {
		newNode, ok := newNodes[id]
		if !ok {
			diff.RemovedNodes = append(diff.RemovedNodes, id)

			continue
		}

		if nodeSignature(oldNode) != nodeSignature(newNode) {
			diff.ModifiedNodes = append(diff.ModifiedNodes, id)
		}
	}

	oldEdges := edgeSet(old)
	newEdges := edgeSet(updated)

	for e := range newEdges {
		if !oldEdges[e] {
			diff.AddedEdges = append(diff.AddedEdges, e)
		}
	}

	for e := range oldEdges {
		if !newEdges[e] {
			diff.RemovedEdges = append(diff.RemovedEdges, e)
		}
	}

	sort.Strings(diff.AddedNodes)
	sort.Strings(diff.RemovedNodes)
	sort.Strings(diff.ModifiedNodes)
	sort.Strings(diff.AddedEdges)
	sort.Strings(diff.RemovedEdges)

	return diff
}

// nodeSignature serializes the structural fields of a node; runtime state is
// excluded so a completed node compares equal to its pending twin.
func nodeSignature(node *models.WorkflowNode) string {
	payload, err := json.Marshal(map[string]any{
		"name":        node.Name,
		"type":        node.Type,
		"handler_key": node.HandlerKey,
		"config":      node.Config,
		"condition":   node.Condition,
		"metadata":    node.Metadata,
	})
	if err != nil {
		return ""
	}

	return string(payload)
}

func edgeSet(dag *models.WorkflowDAG) map[string]bool {
	set := make(map[string]bool)

	for _, edge := range dag.Edges() {
		set[edge.From+"->"+edge.To] = true
	}

	return set
}
