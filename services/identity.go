package services

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/camden-git/mediapipeline/database"
	"github.com/camden-git/mediapipeline/facematch"
	"github.com/camden-git/mediapipeline/logging"
	"github.com/camden-git/mediapipeline/models"
	"github.com/camden-git/mediapipeline/repository"
)

var (
	// ErrHasChildren rejects giving a parent to a face that is itself a
	// group representative.
	ErrHasChildren = errors.New("face has children and cannot be given a parent")
	// ErrParentNotRoot rejects linking under a face that is not a representative.
	ErrParentNotRoot = errors.New("parent face is not a group representative")
	// ErrSelfParent rejects linking a face to itself.
	ErrSelfParent = errors.New("face cannot be its own parent")
)

// IdentityEngine maintains person centroids and the face grouping links.
type IdentityEngine struct {
	db        *gorm.DB
	faces     *repository.FaceRepository
	people    *repository.PersonRepository
	dimension int
	threshold float64
	logger    *zap.Logger
}

func NewIdentityEngine(db *gorm.DB, dimension int, logger *zap.Logger) *IdentityEngine {
	logger = logging.OrNop(logger)
	if dimension <= 0 {
		dimension = facematch.DefaultDimension
	}
	return &IdentityEngine{
		db:        db,
		faces:     repository.NewFaceRepository(db),
		people:    repository.NewPersonRepository(db),
		dimension: dimension,
		threshold: facematch.MatchThreshold,
		logger:    logger.Named("identity"),
	}
}

// CentroidResult reports a recomputation.
type CentroidResult struct {
	PersonID        uint `json:"person_id"`
	EmbeddingsCount int  `json:"embeddings_count"`
	Members         int  `json:"members"` // confirmed faces considered
}

// RecomputeCentroid rebuilds a person's centroid from its confirmed faces,
// clearing it when none carry a usable encoding.
func (e *IdentityEngine) RecomputeCentroid(ctx context.Context, personID uint) (CentroidResult, error) {
	var res CentroidResult
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		res, err = e.recompute(ctx, tx, personID)
		return err
	})
	return res, err
}

func (e *IdentityEngine) recompute(ctx context.Context, tx *gorm.DB, personID uint) (CentroidResult, error) {
	res := CentroidResult{PersonID: personID}
	people := e.people.WithTx(tx)
	if _, err := people.GetByID(ctx, personID); err != nil {
		return res, err
	}

	confirmed, err := e.faces.WithTx(tx).ConfirmedByPerson(ctx, personID)
	if err != nil {
		return res, err
	}
	res.Members = len(confirmed)

	members := make([]facematch.Member, 0, len(confirmed))
	for i := range confirmed {
		m := facematch.Member{ID: confirmed[i].ID, Encoding: confirmed[i].GetEncoding()}
		if confirmed[i].QualityScore != nil {
			m.Quality = float64(*confirmed[i].QualityScore)
		}
		members = append(members, m)
	}

	centroid, used, err := facematch.IdentityCentroid(members, e.dimension)
	if errors.Is(err, facematch.ErrNoMembers) {
		if err := people.ClearCentroid(ctx, personID); err != nil {
			return res, err
		}
		e.logger.Debug("cleared centroid", zap.Uint("person_id", personID))
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("failed to compute centroid for person %d: %w", personID, err)
	}

	if err := people.UpdateCentroid(ctx, personID, centroid, len(used)); err != nil {
		return res, err
	}
	res.EmbeddingsCount = len(used)
	e.logger.Debug("recomputed centroid",
		zap.Uint("person_id", personID),
		zap.Int("members", res.Members),
		zap.Int("retained", len(used)))
	return res, nil
}

// RecomputeAll recomputes every person's centroid.
func (e *IdentityEngine) RecomputeAll(ctx context.Context) ([]CentroidResult, error) {
	people, err := e.people.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	results := make([]CentroidResult, 0, len(people))
	for _, p := range people {
		res, err := e.RecomputeCentroid(ctx, p.ID)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// IdentityMatch is the closest person to an encoding.
type IdentityMatch struct {
	Person   models.Person
	Distance float64
}

// MatchIdentity returns the person whose centroid is closest to encoding and
// strictly under the match threshold. ok is false when nobody qualifies.
func (e *IdentityEngine) MatchIdentity(ctx context.Context, encoding []float32) (IdentityMatch, bool, error) {
	people, err := e.people.ListWithCentroid(ctx)
	if err != nil {
		return IdentityMatch{}, false, err
	}
	m, ok := matchIdentity(people, encoding, e.threshold)
	return m, ok, nil
}

func matchIdentity(people []models.Person, encoding []float32, threshold float64) (IdentityMatch, bool) {
	if len(encoding) == 0 {
		return IdentityMatch{}, false
	}
	candidates := make([]facematch.Candidate, len(people))
	for i := range people {
		candidates[i] = facematch.Candidate{ID: uint(i), Encoding: people[i].GetCentroid()}
	}
	best, dist, ok := facematch.Closest(encoding, candidates, threshold)
	if !ok {
		return IdentityMatch{}, false
	}
	return IdentityMatch{Person: people[best.ID], Distance: dist}, true
}

// ConfirmFace assigns a face to a person as a confirmed member and refreshes
// the centroid of that person and of the face's previous person.
func (e *IdentityEngine) ConfirmFace(ctx context.Context, faceID, personID uint) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		faces := e.faces.WithTx(tx)
		face, err := faces.GetByID(ctx, faceID)
		if err != nil {
			return err
		}
		if _, err := e.people.WithTx(tx).GetByID(ctx, personID); err != nil {
			return err
		}
		if err := faces.Confirm(ctx, faceID, personID); err != nil {
			return err
		}
		if _, err := e.recompute(ctx, tx, personID); err != nil {
			return err
		}
		if face.PersonID != nil && *face.PersonID != personID {
			if _, err := e.recompute(ctx, tx, *face.PersonID); err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}
		return nil
	})
}

// RejectFace marks a face as not a face, untags it, hands its group to a new
// representative and refreshes the centroid of the person it belonged to.
func (e *IdentityEngine) RejectFace(ctx context.Context, faceID uint) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		faces := e.faces.WithTx(tx)
		face, err := faces.GetByID(ctx, faceID)
		if err != nil {
			return err
		}
		if _, err := e.handOverGroup(ctx, faces, faceID, nil); err != nil {
			return err
		}
		if err := faces.SetParent(ctx, faceID, nil); err != nil {
			return err
		}
		if err := faces.SetPerson(ctx, faceID, nil); err != nil {
			return err
		}
		if err := faces.SetStatus(ctx, faceID, database.FaceStatusNotFace); err != nil {
			return err
		}
		if face.PersonID != nil {
			if _, err := e.recompute(ctx, tx, *face.PersonID); err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}
		return nil
	})
}

// ReassignRepresentative moves a face under newParentID, or makes it a root
// when newParentID is nil. If the face currently represents a group, its
// children are first handed to a new representative: newParentID when it is
// one of them, otherwise the oldest child. Grouping stays two levels deep.
func (e *IdentityEngine) ReassignRepresentative(ctx context.Context, faceID uint, newParentID *uint) error {
	if newParentID != nil && *newParentID == faceID {
		return ErrSelfParent
	}
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		faces := e.faces.WithTx(tx)
		if _, err := faces.GetByID(ctx, faceID); err != nil {
			return err
		}
		if newParentID != nil {
			if _, err := faces.GetByID(ctx, *newParentID); err != nil {
				return err
			}
		}

		rep, err := e.handOverGroup(ctx, faces, faceID, newParentID)
		if err != nil {
			return err
		}
		if rep != 0 {
			e.logger.Info("handed group to new representative", zap.Uint("from", faceID), zap.Uint("to", rep))
		}

		if newParentID == nil {
			return faces.SetParent(ctx, faceID, nil)
		}
		return linkFace(ctx, faces, faceID, *newParentID)
	})
}

// LinkFace sets parentID as the representative of faceID after checking the
// two-level grouping invariant.
func (e *IdentityEngine) LinkFace(ctx context.Context, faceID, parentID uint) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return linkFace(ctx, e.faces.WithTx(tx), faceID, parentID)
	})
}

func linkFace(ctx context.Context, faces *repository.FaceRepository, faceID, parentID uint) error {
	if faceID == parentID {
		return ErrSelfParent
	}
	children, err := faces.CountChildren(ctx, faceID)
	if err != nil {
		return err
	}
	if children > 0 {
		return fmt.Errorf("%w: face %d has %d", ErrHasChildren, faceID, children)
	}
	parent, err := faces.GetByID(ctx, parentID)
	if err != nil {
		return err
	}
	if !parent.IsRoot() {
		return fmt.Errorf("%w: face %d points to %d", ErrParentNotRoot, parentID, *parent.ParentID)
	}
	return faces.SetParent(ctx, faceID, &parentID)
}

// handOverGroup promotes a new representative for faceID's children and
// moves the rest under it. It returns the promoted face id, or 0 when
// faceID has no children.
func (e *IdentityEngine) handOverGroup(ctx context.Context, faces *repository.FaceRepository, faceID uint, preferred *uint) (uint, error) {
	children, err := faces.ChildrenOf(ctx, faceID)
	if err != nil || len(children) == 0 {
		return 0, err
	}
	rep := children[0].ID
	if preferred != nil {
		for _, c := range children {
			if c.ID == *preferred {
				rep = c.ID
				break
			}
		}
	}
	if err := faces.SetParent(ctx, rep, nil); err != nil {
		return 0, err
	}
	if _, err := faces.ReparentChildren(ctx, faceID, rep); err != nil {
		return 0, err
	}
	return rep, nil
}
