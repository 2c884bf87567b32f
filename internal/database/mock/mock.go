// Package mock provides in-memory implementations of the storage
// interfaces for testing.
package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jbenedik/face-registry/internal/cluster"
	"github.com/jbenedik/face-registry/internal/database"
	"github.com/jbenedik/face-registry/internal/registry"
)

// FaceStore is an in-memory database.FaceWriter.
type FaceStore struct {
	mu    sync.RWMutex
	faces map[string]*database.StoredFace

	// Error injection
	GetError       error
	ListError      error
	SaveError      error
	SetStateError  error
	TombstoneError error
}

var _ database.FaceWriter = (*FaceStore)(nil)

// NewFaceStore creates an empty face store.
func NewFaceStore() *FaceStore {
	return &FaceStore{faces: make(map[string]*database.StoredFace)}
}

// AddFace seeds a face without going through SaveFace validation.
func (m *FaceStore) AddFace(face database.StoredFace) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faces[face.FaceID] = &face
}

// GetFace retrieves a face by ID.
func (m *FaceStore) GetFace(ctx context.Context, faceID string) (*database.StoredFace, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	face, ok := m.faces[faceID]
	if !ok || face.Tombstoned {
		return nil, fmt.Errorf("%w: %s", database.ErrFaceNotFound, faceID)
	}
	c := *face
	return &c, nil
}

// GetFaces retrieves multiple faces, failing on the first missing one.
func (m *FaceStore) GetFaces(ctx context.Context, faceIDs []string) ([]database.StoredFace, error) {
	out := make([]database.StoredFace, 0, len(faceIDs))
	for _, id := range faceIDs {
		face, err := m.GetFace(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *face)
	}
	return out, nil
}

// ListByState returns live faces in the given states, ordered by face ID.
func (m *FaceStore) ListByState(ctx context.Context, states ...database.ReviewState) ([]database.StoredFace, error) {
	if m.ListError != nil {
		return nil, m.ListError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := make(map[database.ReviewState]bool, len(states))
	for _, s := range states {
		want[s] = true
	}

	var out []database.StoredFace
	for _, face := range m.faces {
		if face.Tombstoned || !want[face.State] {
			continue
		}
		out = append(out, *face)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FaceID < out[j].FaceID })
	return out, nil
}

// Count returns the number of live faces.
func (m *FaceStore) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, face := range m.faces {
		if !face.Tombstoned {
			n++
		}
	}
	return n, nil
}

// SaveFace stores a new face. Existing IDs are rejected.
func (m *FaceStore) SaveFace(ctx context.Context, face database.StoredFace) error {
	if m.SaveError != nil {
		return m.SaveError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.faces[face.FaceID]; ok {
		return fmt.Errorf("face %s already exists", face.FaceID)
	}
	m.faces[face.FaceID] = &face
	return nil
}

// SetState moves a face between review states.
func (m *FaceStore) SetState(ctx context.Context, faceID string, state database.ReviewState) error {
	if m.SetStateError != nil {
		return m.SetStateError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	face, ok := m.faces[faceID]
	if !ok {
		return fmt.Errorf("%w: %s", database.ErrFaceNotFound, faceID)
	}
	face.State = state
	return nil
}

// Tombstone soft-deletes a face.
func (m *FaceStore) Tombstone(ctx context.Context, faceID string) error {
	if m.TombstoneError != nil {
		return m.TombstoneError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	face, ok := m.faces[faceID]
	if !ok {
		return fmt.Errorf("%w: %s", database.ErrFaceNotFound, faceID)
	}
	face.Tombstoned = true
	return nil
}

// State peeks at a face's review state, tombstoned or not. Test helper.
func (m *FaceStore) State(faceID string) (database.ReviewState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	face, ok := m.faces[faceID]
	if !ok {
		return "", false
	}
	return face.State, true
}

// RegistryStore is an in-memory registry.Store.
type RegistryStore struct {
	mu         sync.RWMutex
	events     []registry.HistoryEvent
	identities map[string]registry.Identity

	// Error injection
	AppendError error
	SaveError   error
	LoadError   error
	DeleteError error

	// Call tracking
	AppendedEvents  []registry.HistoryEvent
	SavedIdentities []registry.Identity
}

var _ registry.Store = (*RegistryStore)(nil)

// NewRegistryStore creates an empty registry store.
func NewRegistryStore() *RegistryStore {
	return &RegistryStore{identities: make(map[string]registry.Identity)}
}

// LoadEvents returns the event log in append order.
func (m *RegistryStore) LoadEvents(ctx context.Context) ([]registry.HistoryEvent, error) {
	if m.LoadError != nil {
		return nil, m.LoadError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]registry.HistoryEvent(nil), m.events...), nil
}

// LoadIdentities returns the projection rows.
func (m *RegistryStore) LoadIdentities(ctx context.Context) ([]registry.Identity, error) {
	if m.LoadError != nil {
		return nil, m.LoadError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]registry.Identity, 0, len(m.identities))
	for _, id := range m.identities {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AppendEvent appends to the log.
func (m *RegistryStore) AppendEvent(ctx context.Context, event registry.HistoryEvent) error {
	if m.AppendError != nil {
		return m.AppendError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	m.AppendedEvents = append(m.AppendedEvents, event)
	return nil
}

// SaveIdentity upserts a projection row.
func (m *RegistryStore) SaveIdentity(ctx context.Context, identity registry.Identity) error {
	if m.SaveError != nil {
		return m.SaveError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identities[identity.ID] = identity
	m.SavedIdentities = append(m.SavedIdentities, identity)
	return nil
}

// DeleteIdentity removes a projection row.
func (m *RegistryStore) DeleteIdentity(ctx context.Context, identityID string) error {
	if m.DeleteError != nil {
		return m.DeleteError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.identities, identityID)
	return nil
}

// EventCount returns the number of appended events. Test helper.
func (m *RegistryStore) EventCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

// ProposalStore is an in-memory cluster.Store.
type ProposalStore struct {
	mu   sync.RWMutex
	runs []cluster.Run

	// Error injection
	SaveError error
	LoadError error
}

var _ cluster.Store = (*ProposalStore)(nil)

// NewProposalStore creates an empty proposal store.
func NewProposalStore() *ProposalStore {
	return &ProposalStore{}
}

// SaveProposalRun stores a finished run.
func (m *ProposalStore) SaveProposalRun(ctx context.Context, run cluster.Run) error {
	if m.SaveError != nil {
		return m.SaveError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

// LatestProposalRun returns the most recently saved run, or nil.
func (m *ProposalStore) LatestProposalRun(ctx context.Context) (*cluster.Run, error) {
	if m.LoadError != nil {
		return nil, m.LoadError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.runs) == 0 {
		return nil, nil
	}
	run := m.runs[len(m.runs)-1]
	return &run, nil
}

// SavedRuns returns all saved runs. Test helper.
func (m *ProposalStore) SavedRuns() []cluster.Run {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]cluster.Run(nil), m.runs...)
}
