package services

import (
	"context"
	"testing"

	"github.com/camden-git/mediapipeline/database"
	"github.com/camden-git/mediapipeline/facematch"
	"github.com/camden-git/mediapipeline/media"
	"github.com/camden-git/mediapipeline/models"
	"github.com/camden-git/mediapipeline/repository"
	"github.com/camden-git/mediapipeline/testsupport"
)

const dim = facematch.DefaultDimension

func detection(v float32) media.DetectedFace {
	return media.DetectedFace{X1: 1, Y1: 1, X2: 20, Y2: 20, Quality: 80, Encoding: testsupport.Vector(dim, v)}
}

func newMatcher(t *testing.T) (*FaceMatcher, *IdentityEngine) {
	t.Helper()
	db := testsupport.OpenDB(t)
	identities := NewIdentityEngine(db, dim, nil)
	return NewFaceMatcher(db, media.EuclideanComparator{}, identities, nil), identities
}

func TestFaceMatchingThresholdExamples(t *testing.T) {
	m, _ := newMatcher(t)
	ctx := context.Background()
	a := testsupport.NewImage(t, m.db, "originals", "p", "a.jpg")
	b := testsupport.NewImage(t, m.db, "originals", "p", "b.jpg")
	c := testsupport.NewImage(t, m.db, "originals", "p", "c.jpg")
	root := testsupport.NewFace(t, m.db, a.ID, 0, testsupport.Vector(dim, 0), database.FaceStatusOK)

	near, err := m.ProcessImage(ctx, b.ID, []media.DetectedFace{detection(0.4)})
	if err != nil {
		t.Fatalf("ProcessImage: %v", err)
	}
	if len(near) != 1 || near[0].ParentID == nil || *near[0].ParentID != root.ID {
		t.Fatalf("face at distance 0.4 should be linked to %d, got %+v", root.ID, near)
	}

	far, err := m.ProcessImage(ctx, c.ID, []media.DetectedFace{detection(0.8)})
	if err != nil {
		t.Fatalf("ProcessImage: %v", err)
	}
	if len(far) != 1 || far[0].ParentID != nil {
		t.Fatalf("face at distance 0.8 should stay a root, got %+v", far)
	}
}

func TestFaceMatchingExcludesSameImageAndNonCandidates(t *testing.T) {
	m, _ := newMatcher(t)
	ctx := context.Background()
	a := testsupport.NewImage(t, m.db, "originals", "p", "a.jpg")
	b := testsupport.NewImage(t, m.db, "originals", "p", "b.jpg")

	// confirmed root on the same image
	testsupport.NewFace(t, m.db, b.ID, 5, testsupport.Vector(dim, 0.1), database.FaceStatusOK)
	// unconfirmed root on another image
	testsupport.NewFace(t, m.db, a.ID, 0, testsupport.Vector(dim, 0.1), database.FaceStatusUnknown)
	// confirmed face that is not a root
	far := testsupport.NewFace(t, m.db, a.ID, 1, testsupport.Vector(dim, 5), database.FaceStatusOK)
	child := testsupport.NewFace(t, m.db, a.ID, 2, testsupport.Vector(dim, 0.1), database.FaceStatusOK)
	if err := m.db.Model(&models.Face{}).Where("id = ?", child.ID).Update("parent_id", far.ID).Error; err != nil {
		t.Fatalf("set parent: %v", err)
	}

	got, err := m.ProcessImage(ctx, b.ID, []media.DetectedFace{detection(0.1)})
	if err != nil {
		t.Fatalf("ProcessImage: %v", err)
	}
	if len(got) != 1 || got[0].ParentID != nil {
		t.Fatalf("new face must not be linked, got %+v", got)
	}
}

func TestProcessImageIsIdempotent(t *testing.T) {
	m, _ := newMatcher(t)
	ctx := context.Background()
	img := testsupport.NewImage(t, m.db, "originals", "p", "a.jpg")
	faces := repository.NewFaceRepository(m.db)
	dets := []media.DetectedFace{detection(1), detection(2), {X1: 0, Y1: 0, X2: 5, Y2: 5, Quality: 10}}

	if _, err := m.ProcessImage(ctx, img.ID, dets); err != nil {
		t.Fatalf("first run: %v", err)
	}
	stored, _ := faces.ListByImage(ctx, img.ID)
	if len(stored) != 3 {
		t.Fatalf("stored %d faces, want 3", len(stored))
	}
	if stored[2].Status != database.FaceStatusNotFace {
		t.Fatalf("face without encoding status = %s, want not_face", stored[2].Status)
	}

	// a confirmed face survives re-detection and its index is not duplicated
	if err := faces.SetStatus(ctx, stored[0].ID, database.FaceStatusOK); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := m.ProcessImage(ctx, img.ID, dets); err != nil {
		t.Fatalf("second run: %v", err)
	}
	again, _ := faces.ListByImage(ctx, img.ID)
	if len(again) != 3 {
		t.Fatalf("after re-run %d faces, want 3", len(again))
	}
	if again[0].ID != stored[0].ID {
		t.Fatalf("confirmed face %d was replaced by %d", stored[0].ID, again[0].ID)
	}

	reloaded, _ := repository.NewImageRepository(m.db).GetByID(ctx, img.ID)
	if reloaded.FaceProcessedAt == nil {
		t.Fatal("face_processed_at not stamped")
	}
}

func TestUnmatchedFaceGetsIdentitySuggestion(t *testing.T) {
	m, identities := newMatcher(t)
	ctx := context.Background()
	a := testsupport.NewImage(t, m.db, "originals", "p", "a.jpg")
	b := testsupport.NewImage(t, m.db, "originals", "p", "b.jpg")
	person := testsupport.NewPerson(t, m.db, "Ada")

	// a confirmed member that is not a root, so only the centroid can match
	rep := testsupport.NewFace(t, m.db, a.ID, 0, testsupport.Vector(dim, 9), database.FaceStatusOK)
	member := testsupport.NewFace(t, m.db, a.ID, 1, testsupport.Vector(dim, 0.2), database.FaceStatusOK)
	m.db.Model(&models.Face{}).Where("id = ?", member.ID).Updates(map[string]any{"parent_id": rep.ID, "person_id": person.ID})
	if _, err := identities.RecomputeCentroid(ctx, person.ID); err != nil {
		t.Fatalf("recompute: %v", err)
	}

	got, err := m.ProcessImage(ctx, b.ID, []media.DetectedFace{detection(0.3)})
	if err != nil {
		t.Fatalf("ProcessImage: %v", err)
	}
	if got[0].ParentID != nil {
		t.Fatalf("unexpected parent %v", *got[0].ParentID)
	}
	if got[0].PersonID == nil || *got[0].PersonID != person.ID {
		t.Fatalf("expected identity suggestion %d, got %+v", person.ID, got[0])
	}
}

func TestReprocessingHandsOverGroupOfReplacedFace(t *testing.T) {
	m, identities := newMatcher(t)
	ctx := context.Background()
	faces := repository.NewFaceRepository(m.db)
	x := testsupport.NewImage(t, m.db, "originals", "p", "x.jpg")
	y := testsupport.NewImage(t, m.db, "originals", "p", "y.jpg")
	z := testsupport.NewImage(t, m.db, "originals", "p", "z.jpg")

	// an unconfirmed face made representative by hand
	rep := testsupport.NewFace(t, m.db, x.ID, 0, testsupport.Vector(dim, 0), database.FaceStatusUnknown)
	sibling := testsupport.NewFace(t, m.db, x.ID, 1, testsupport.Vector(dim, 0.1), database.FaceStatusUnknown)
	c1 := testsupport.NewFace(t, m.db, y.ID, 0, testsupport.Vector(dim, 0.2), database.FaceStatusUnknown)
	c2 := testsupport.NewFace(t, m.db, z.ID, 0, testsupport.Vector(dim, 0.3), database.FaceStatusUnknown)
	for _, c := range []*models.Face{sibling, c1, c2} {
		if err := identities.LinkFace(ctx, c.ID, rep.ID); err != nil {
			t.Fatalf("LinkFace(%d): %v", c.ID, err)
		}
	}

	if _, err := m.ProcessImage(ctx, x.ID, []media.DetectedFace{detection(5)}); err != nil {
		t.Fatalf("ProcessImage: %v", err)
	}

	if _, err := faces.GetByID(ctx, rep.ID); err == nil {
		t.Fatal("unconfirmed representative should have been replaced")
	}
	// the sibling on x is replaced too, so the group goes to c1
	promoted, err := faces.GetByID(ctx, c1.ID)
	if err != nil {
		t.Fatalf("reload c1: %v", err)
	}
	if promoted.ParentID != nil {
		t.Fatalf("c1 parent = %d, want root", *promoted.ParentID)
	}
	moved, err := faces.GetByID(ctx, c2.ID)
	if err != nil {
		t.Fatalf("reload c2: %v", err)
	}
	if moved.ParentID == nil || *moved.ParentID != c1.ID {
		t.Fatalf("c2 parent = %v, want %d", moved.ParentID, c1.ID)
	}
	if n, _ := faces.CountChildren(ctx, rep.ID); n != 0 {
		t.Fatalf("%d faces still point at the deleted representative", n)
	}
}
