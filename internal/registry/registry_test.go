package registry_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/jbenedik/face-registry/internal/database"
	"github.com/jbenedik/face-registry/internal/database/mock"
	"github.com/jbenedik/face-registry/internal/fusion"
	"github.com/jbenedik/face-registry/internal/mls"
	"github.com/jbenedik/face-registry/internal/registry"
)

func newTestRegistry(t *testing.T) (*registry.Registry, *mock.FaceStore, *mock.RegistryStore) {
	t.Helper()
	scorer := mls.NewScorer(2, 1e-6, 1e-5)
	fuser := fusion.NewEngine(2, 1e-6, 1e-5, 1.5, 0.10)
	faces := mock.NewFaceStore()
	store := mock.NewRegistryStore()
	return registry.New(store, faces, fuser, scorer, 500), faces, store
}

func seedFace(faces *mock.FaceStore, id string, x, y float32, sigmaSq float64) {
	faces.AddFace(database.StoredFace{
		FaceID:  id,
		Mu:      []float32{x, y},
		SigmaSq: []float64{sigmaSq},
		Dim:     2,
		State:   database.ReviewInbox,
	})
}

func mustCreate(t *testing.T, reg *registry.Registry, name string, faceIDs ...string) *registry.Identity {
	t.Helper()
	id, err := reg.Create(context.Background(), name, faceIDs, registry.ActorHuman)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return id
}

func TestCreate(t *testing.T) {
	reg, faces, store := newTestRegistry(t)
	seedFace(faces, "face-1", 0, 0, 0.05)
	seedFace(faces, "face-2", 0.1, 0, 0.05)

	id := mustCreate(t, reg, "Jan Novák", "face-2", "face-1")

	if id.State != registry.StateProposed {
		t.Errorf("new identity should be PROPOSED, got %s", id.State)
	}
	if id.Version != 1 {
		t.Errorf("new identity should start at version 1, got %d", id.Version)
	}
	if len(id.Candidates) != 2 || id.Candidates[0] != "face-1" {
		t.Errorf("candidates should be sorted face IDs, got %v", id.Candidates)
	}
	if len(id.Anchors) != 0 {
		t.Errorf("create must not produce anchors, got %v", id.Anchors)
	}

	for _, f := range []string{"face-1", "face-2"} {
		if state, _ := faces.State(f); state != database.ReviewResolved {
			t.Errorf("face %s should be resolved after attach, got %s", f, state)
		}
	}

	if store.EventCount() != 1 {
		t.Errorf("expected 1 event, got %d", store.EventCount())
	}
}

func TestCreate_RejectsAttachedFace(t *testing.T) {
	reg, faces, _ := newTestRegistry(t)
	seedFace(faces, "face-1", 0, 0, 0.05)
	mustCreate(t, reg, "", "face-1")

	if _, err := reg.Create(context.Background(), "", []string{"face-1"}, registry.ActorHuman); err == nil {
		t.Error("attaching the same face to two identities must fail")
	}
}

func TestCreate_UnknownFace(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	_, err := reg.Create(context.Background(), "", []string{"ghost"}, registry.ActorHuman)
	if !errors.Is(err, database.ErrFaceNotFound) {
		t.Errorf("expected ErrFaceNotFound, got %v", err)
	}
}

func TestGet_NotFound(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	if _, err := reg.Get("ghost"); !errors.Is(err, registry.ErrIdentityNotFound) {
		t.Errorf("expected ErrIdentityNotFound, got %v", err)
	}
}

func TestConfirmFaces(t *testing.T) {
	reg, faces, _ := newTestRegistry(t)
	seedFace(faces, "face-1", 0, 0, 0.05)
	id := mustCreate(t, reg, "Jan", "face-1")

	updated, err := reg.ConfirmFaces(context.Background(), id.ID, id.Version, []string{"face-1"}, registry.ActorHuman, 1.0)
	if err != nil {
		t.Fatalf("ConfirmFaces failed: %v", err)
	}

	if !updated.HasAnchor("face-1") {
		t.Error("confirmed face should be an anchor")
	}
	if updated.HasCandidate("face-1") {
		t.Error("confirmed face should leave the candidate set")
	}
	if updated.Version != id.Version+1 {
		t.Errorf("version should bump to %d, got %d", id.Version+1, updated.Version)
	}
	if updated.Fused.IsZero() {
		t.Error("confirming an anchor should compute the fused representation")
	}
	if w := updated.AnchorWeights["face-1"]; w != 1.0 {
		t.Errorf("anchor weight should be 1.0, got %v", w)
	}
}

func TestConfirmFaces_StaleVersion(t *testing.T) {
	reg, faces, _ := newTestRegistry(t)
	seedFace(faces, "face-1", 0, 0, 0.05)
	id := mustCreate(t, reg, "", "face-1")

	_, err := reg.ConfirmFaces(context.Background(), id.ID, id.Version+7, []string{"face-1"}, registry.ActorHuman, 1.0)

	var stale *registry.StaleVersionError
	if !errors.As(err, &stale) {
		t.Fatalf("expected StaleVersionError, got %v", err)
	}
	if stale.Actual != id.Version {
		t.Errorf("error should carry the current version %d, got %d", id.Version, stale.Actual)
	}
}

func TestFusionExclusivity(t *testing.T) {
	// Candidates and negatives must never influence the fused anchor.
	reg, faces, _ := newTestRegistry(t)
	seedFace(faces, "face-anchor", 0, 0, 0.05)
	seedFace(faces, "face-candidate", 5, 5, 0.05)
	id := mustCreate(t, reg, "Jan", "face-anchor", "face-candidate")

	updated, err := reg.ConfirmFaces(context.Background(), id.ID, id.Version, []string{"face-anchor"}, registry.ActorHuman, 1.0)
	if err != nil {
		t.Fatalf("ConfirmFaces failed: %v", err)
	}

	// Fused must equal the lone anchor exactly, unmoved by the distant
	// candidate still attached.
	if math.Abs(float64(updated.Fused.Mu[0])) > 1e-9 || math.Abs(float64(updated.Fused.Mu[1])) > 1e-9 {
		t.Errorf("fused mean %v pulled away from the anchor", updated.Fused.Mu)
	}
	if math.Abs(updated.Fused.SigmaSq[0]-0.05) > 1e-12 {
		t.Errorf("fused variance %v should equal the anchor's", updated.Fused.SigmaSq[0])
	}
}

func TestGuardrailContestsIdentity(t *testing.T) {
	// Two very confident anchors in different places: the guardrail must
	// land the identity in CONTESTED with the fused anchor cleared.
	reg, faces, _ := newTestRegistry(t)
	seedFace(faces, "face-a", 0, 0, 0.01)
	seedFace(faces, "face-b", 1, 1, 0.01)
	id := mustCreate(t, reg, "Jan", "face-a", "face-b")

	updated, err := reg.ConfirmFaces(context.Background(), id.ID, id.Version, []string{"face-a", "face-b"}, registry.ActorHuman, 1.0)
	if err != nil {
		t.Fatalf("ConfirmFaces failed: %v", err)
	}

	if updated.State != registry.StateContested {
		t.Fatalf("expected CONTESTED, got %s", updated.State)
	}
	if !updated.Fused.IsZero() {
		t.Error("contested identity must not keep a fused anchor")
	}

	history, err := reg.History(id.ID)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	last := history[len(history)-1]
	if last.Action != registry.ActionContest || last.Actor != registry.ActorSystem {
		t.Errorf("expected a system contest event, got %s by %s", last.Action, last.Actor)
	}
}

func TestResolveContested(t *testing.T) {
	reg, faces, _ := newTestRegistry(t)
	seedFace(faces, "face-a", 0, 0, 0.01)
	seedFace(faces, "face-b", 1, 1, 0.01)
	id := mustCreate(t, reg, "Jan", "face-a", "face-b")

	contested, err := reg.ConfirmFaces(context.Background(), id.ID, id.Version, []string{"face-a", "face-b"}, registry.ActorHuman, 1.0)
	if err != nil {
		t.Fatalf("ConfirmFaces failed: %v", err)
	}

	// Resolving while the contradiction stands must fail.
	if _, err := reg.Resolve(context.Background(), id.ID, contested.Version, registry.ActorHuman); err == nil {
		t.Fatal("resolve must fail while anchors still contradict")
	}

	// Remove the offending anchor, then resolve.
	detached, err := reg.DetachFaces(context.Background(), id.ID, contested.Version, []string{"face-b"}, registry.ActorHuman)
	if err != nil {
		t.Fatalf("DetachFaces failed: %v", err)
	}
	if detached.State != registry.StateContested {
		t.Fatalf("detach alone must not resolve, got %s", detached.State)
	}

	resolved, err := reg.Resolve(context.Background(), id.ID, detached.Version, registry.ActorHuman)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved.State != registry.StateConfirmed {
		t.Errorf("expected CONFIRMED after resolve, got %s", resolved.State)
	}
	if resolved.Fused.IsZero() {
		t.Error("resolved identity should have a fused anchor again")
	}

	if state, _ := faces.State("face-b"); state != database.ReviewInbox {
		t.Errorf("detached face should be back in the inbox, got %s", state)
	}
}

func TestPromote(t *testing.T) {
	reg, faces, _ := newTestRegistry(t)
	seedFace(faces, "face-1", 0, 0, 0.05)
	id := mustCreate(t, reg, "Jan", "face-1")

	// No anchors yet.
	if _, err := reg.Promote(context.Background(), id.ID, id.Version, registry.ActorHuman); err == nil {
		t.Fatal("promote without anchors must fail")
	}

	confirmed, err := reg.ConfirmFaces(context.Background(), id.ID, id.Version, []string{"face-1"}, registry.ActorHuman, 1.0)
	if err != nil {
		t.Fatalf("ConfirmFaces failed: %v", err)
	}
	promoted, err := reg.Promote(context.Background(), id.ID, confirmed.Version, registry.ActorHuman)
	if err != nil {
		t.Fatalf("Promote failed: %v", err)
	}
	if promoted.State != registry.StateConfirmed {
		t.Errorf("expected CONFIRMED, got %s", promoted.State)
	}

	// Promoting again is an illegal transition.
	var transition *registry.TransitionError
	if _, err := reg.Promote(context.Background(), id.ID, promoted.Version, registry.ActorHuman); !errors.As(err, &transition) {
		t.Errorf("expected TransitionError, got %v", err)
	}
}

func TestRejectFaces(t *testing.T) {
	reg, faces, _ := newTestRegistry(t)
	seedFace(faces, "face-1", 0, 0, 0.05)
	seedFace(faces, "face-2", 0.1, 0, 0.05)
	id := mustCreate(t, reg, "Jan", "face-1", "face-2")

	updated, err := reg.RejectFaces(context.Background(), id.ID, id.Version, []string{"face-2"}, registry.ActorHuman)
	if err != nil {
		t.Fatalf("RejectFaces failed: %v", err)
	}

	if !updated.HasNegative("face-2") {
		t.Error("rejected face should join negatives")
	}
	if updated.HasCandidate("face-2") {
		t.Error("rejected face should leave candidates")
	}
	if state, _ := faces.State("face-2"); state != database.ReviewInbox {
		t.Errorf("rejected face should return to the inbox, got %s", state)
	}
}

func TestRename(t *testing.T) {
	reg, faces, _ := newTestRegistry(t)
	seedFace(faces, "face-1", 0, 0, 0.05)
	id := mustCreate(t, reg, "", "face-1")

	renamed, err := reg.Rename(context.Background(), id.ID, id.Version, "Marie Svobodová", registry.ActorHuman)
	if err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	if renamed.Name != "Marie Svobodová" {
		t.Errorf("unexpected name %q", renamed.Name)
	}
}

func TestSkipFace(t *testing.T) {
	reg, faces, _ := newTestRegistry(t)
	seedFace(faces, "face-1", 0, 0, 0.05)

	if err := reg.SkipFace(context.Background(), "face-1", registry.ActorHuman); err != nil {
		t.Fatalf("SkipFace failed: %v", err)
	}
	if state, _ := faces.State("face-1"); state != database.ReviewSkipped {
		t.Errorf("expected skipped, got %s", state)
	}

	if err := reg.UnskipFace(context.Background(), "face-1", registry.ActorHuman); err != nil {
		t.Fatalf("UnskipFace failed: %v", err)
	}
	if state, _ := faces.State("face-1"); state != database.ReviewInbox {
		t.Errorf("expected inbox, got %s", state)
	}
}

func TestSkipFace_AttachedFaceFails(t *testing.T) {
	reg, faces, _ := newTestRegistry(t)
	seedFace(faces, "face-1", 0, 0, 0.05)
	mustCreate(t, reg, "", "face-1")

	if err := reg.SkipFace(context.Background(), "face-1", registry.ActorHuman); err == nil {
		t.Error("skipping an attached face must fail")
	}
}

func TestTombstoneFace(t *testing.T) {
	reg, faces, _ := newTestRegistry(t)
	seedFace(faces, "face-1", 0, 0, 0.05)

	if err := reg.TombstoneFace(context.Background(), "face-1", registry.ActorHuman); err != nil {
		t.Fatalf("TombstoneFace failed: %v", err)
	}

	if _, err := faces.GetFace(context.Background(), "face-1"); !errors.Is(err, database.ErrFaceNotFound) {
		t.Error("tombstoned face should be invisible to reads")
	}
}

func TestReevaluationSuggestions(t *testing.T) {
	// Rejecting a near face, then tightening the identity with a second
	// agreeing anchor, should surface the rejection as a suggestion. It
	// must never auto-apply.
	reg, faces, _ := newTestRegistry(t)
	seedFace(faces, "face-a", 0, 0, 0.05)
	seedFace(faces, "face-b", 0, 0, 0.05)
	seedFace(faces, "face-near", 0.1, 0, 0.05)
	id := mustCreate(t, reg, "Jan", "face-a", "face-b", "face-near")

	step1, err := reg.ConfirmFaces(context.Background(), id.ID, id.Version, []string{"face-a"}, registry.ActorHuman, 1.0)
	if err != nil {
		t.Fatalf("ConfirmFaces failed: %v", err)
	}
	step2, err := reg.RejectFaces(context.Background(), id.ID, step1.Version, []string{"face-near"}, registry.ActorHuman)
	if err != nil {
		t.Fatalf("RejectFaces failed: %v", err)
	}
	if len(reg.Suggestions(id.ID)) != 0 {
		t.Fatal("no suggestions expected before the variance shrinks")
	}

	// Second agreeing anchor halves the fused variance: 0.05 -> 0.025.
	step3, err := reg.ConfirmFaces(context.Background(), id.ID, step2.Version, []string{"face-b"}, registry.ActorHuman, 1.0)
	if err != nil {
		t.Fatalf("ConfirmFaces failed: %v", err)
	}

	suggestions := reg.Suggestions(id.ID)
	if len(suggestions) != 1 {
		t.Fatalf("expected 1 suggestion, got %d", len(suggestions))
	}
	if suggestions[0].FaceID != "face-near" {
		t.Errorf("expected suggestion for face-near, got %s", suggestions[0].FaceID)
	}

	// Still a negative; nothing was auto-applied.
	if !step3.HasNegative("face-near") {
		t.Error("suggestion must not move the face out of negatives")
	}
}

func TestVerifyAfterOperations(t *testing.T) {
	reg, faces, _ := newTestRegistry(t)
	seedFace(faces, "face-1", 0, 0, 0.05)
	seedFace(faces, "face-2", 0.1, 0, 0.05)
	id := mustCreate(t, reg, "Jan", "face-1", "face-2")

	step1, err := reg.ConfirmFaces(context.Background(), id.ID, id.Version, []string{"face-1"}, registry.ActorHuman, 1.0)
	if err != nil {
		t.Fatalf("ConfirmFaces failed: %v", err)
	}
	step2, err := reg.RejectFaces(context.Background(), id.ID, step1.Version, []string{"face-2"}, registry.ActorHuman)
	if err != nil {
		t.Fatalf("RejectFaces failed: %v", err)
	}
	if _, err := reg.Promote(context.Background(), id.ID, step2.Version, registry.ActorHuman); err != nil {
		t.Fatalf("Promote failed: %v", err)
	}

	if err := reg.Verify(); err != nil {
		t.Errorf("replay should match projection: %v", err)
	}
}

func TestLoadRestoresState(t *testing.T) {
	reg, faces, store := newTestRegistry(t)
	seedFace(faces, "face-1", 0, 0, 0.05)
	id := mustCreate(t, reg, "Jan", "face-1")
	confirmed, err := reg.ConfirmFaces(context.Background(), id.ID, id.Version, []string{"face-1"}, registry.ActorHuman, 1.0)
	if err != nil {
		t.Fatalf("ConfirmFaces failed: %v", err)
	}

	// Fresh registry over the same store.
	scorer := mls.NewScorer(2, 1e-6, 1e-5)
	fuser := fusion.NewEngine(2, 1e-6, 1e-5, 1.5, 0.10)
	fresh := registry.New(store, faces, fuser, scorer, 500)
	if err := fresh.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	got, err := fresh.Get(id.ID)
	if err != nil {
		t.Fatalf("Get after Load failed: %v", err)
	}
	if got.Version != confirmed.Version {
		t.Errorf("loaded version %d, want %d", got.Version, confirmed.Version)
	}
	if !got.HasAnchor("face-1") {
		t.Error("loaded identity should keep its anchor")
	}
	if err := fresh.Verify(); err != nil {
		t.Errorf("loaded registry should verify: %v", err)
	}
}

func TestList(t *testing.T) {
	reg, faces, _ := newTestRegistry(t)
	seedFace(faces, "face-1", 0, 0, 0.05)
	seedFace(faces, "face-2", 10, 0, 0.05)
	a := mustCreate(t, reg, "A", "face-1")
	b := mustCreate(t, reg, "B", "face-2")

	list := reg.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 identities, got %d", len(list))
	}
	if list[0].ID != a.ID || list[1].ID != b.ID {
		t.Error("list should be ordered by creation time")
	}
}

func TestLoadRepairsFaceStates(t *testing.T) {
	// The event commit and the face-state write are separate stores. When
	// the face store fails after the commit, the log keeps the truth and a
	// reload re-derives the review states from the projection.
	reg, faces, store := newTestRegistry(t)
	seedFace(faces, "face-1", 0, 0, 0.05)

	faces.SetStateError = errors.New("face store down")
	if _, err := reg.Create(context.Background(), "Jan", []string{"face-1"}, registry.ActorHuman); err == nil {
		t.Fatal("Create should surface the face-store failure")
	}
	if store.EventCount() != 1 {
		t.Fatalf("the create event should be committed, got %d events", store.EventCount())
	}
	if state, _ := faces.State("face-1"); state != database.ReviewInbox {
		t.Fatalf("face-state write failed, expected inbox, got %s", state)
	}

	// A face stranded in resolved without an attachment gets released too.
	faces.AddFace(database.StoredFace{
		FaceID:  "face-2",
		Mu:      []float32{1, 0},
		SigmaSq: []float64{0.05},
		Dim:     2,
		State:   database.ReviewResolved,
	})

	faces.SetStateError = nil
	scorer := mls.NewScorer(2, 1e-6, 1e-5)
	fuser := fusion.NewEngine(2, 1e-6, 1e-5, 1.5, 0.10)
	fresh := registry.New(store, faces, fuser, scorer, 500)
	if err := fresh.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if state, _ := faces.State("face-1"); state != database.ReviewResolved {
		t.Errorf("attached face should be resolved after reload, got %s", state)
	}
	if state, _ := faces.State("face-2"); state != database.ReviewInbox {
		t.Errorf("unattached resolved face should return to the inbox, got %s", state)
	}
}
