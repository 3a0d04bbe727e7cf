package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/camden-git/mediapipeline/database"
	"github.com/camden-git/mediapipeline/facematch"
	"github.com/camden-git/mediapipeline/logging"
	"github.com/camden-git/mediapipeline/media"
	"github.com/camden-git/mediapipeline/models"
	"github.com/camden-git/mediapipeline/repository"
)

// FaceMatcher stores the faces detected on an image and groups each one
// under the closest confirmed representative found on other images.
type FaceMatcher struct {
	db         *gorm.DB
	faces      *repository.FaceRepository
	comparator media.FaceComparator
	identities *IdentityEngine
	threshold  float64
	logger     *zap.Logger
}

func NewFaceMatcher(db *gorm.DB, comparator media.FaceComparator, identities *IdentityEngine, logger *zap.Logger) *FaceMatcher {
	logger = logging.OrNop(logger)
	return &FaceMatcher{
		db:         db,
		faces:      repository.NewFaceRepository(db),
		comparator: comparator,
		identities: identities,
		threshold:  facematch.MatchThreshold,
		logger:     logger.Named("face-matcher"),
	}
}

// FaceMatch records how one stored face was grouped.
type FaceMatch struct {
	FaceID   uint    `json:"face_id"`
	Index    int     `json:"index"`
	ParentID *uint   `json:"parent_id,omitempty"`
	PersonID *uint   `json:"person_id,omitempty"`
	Distance float64 `json:"distance,omitempty"`
}

// ProcessImage replaces the unconfirmed faces of imageID with detections.
// Faces already confirmed or tagged on the image are kept, and a detection
// at their index is skipped. Distances are computed before the write
// transaction so no external call holds the database.
func (m *FaceMatcher) ProcessImage(ctx context.Context, imageID uint, detections []media.DetectedFace) ([]FaceMatch, error) {
	existing, err := m.faces.ListByImage(ctx, imageID)
	if err != nil {
		return nil, err
	}
	kept := make(map[int]bool, len(existing))
	for _, f := range existing {
		if f.Status == database.FaceStatusOK || f.PersonID != nil {
			kept[f.Index] = true
		}
	}

	roots, err := m.faces.ConfirmedRoots(ctx, imageID)
	if err != nil {
		return nil, err
	}
	rootEncodings := make([][]float32, len(roots))
	for i := range roots {
		rootEncodings[i] = roots[i].GetEncoding()
	}

	planned := make([]models.Face, 0, len(detections))
	matches := make([]FaceMatch, 0, len(detections))
	for idx, d := range detections {
		if kept[idx] {
			continue
		}
		face := models.Face{
			ImageID: imageID,
			Index:   idx,
			Status:  database.FaceStatusUnknown,
			X1:      d.X1, Y1: d.Y1, X2: d.X2, Y2: d.Y2,
		}
		q := d.Quality
		face.QualityScore = &q
		match := FaceMatch{Index: idx}

		if len(d.Encoding) == 0 {
			face.Status = database.FaceStatusNotFace
			planned = append(planned, face)
			matches = append(matches, match)
			continue
		}
		face.SetEncoding(d.Encoding)

		if parent, dist, ok, err := m.closestRoot(ctx, d.Encoding, roots, rootEncodings); err != nil {
			return nil, err
		} else if ok {
			face.ParentID = &parent.ID
			face.PersonID = parent.PersonID
			match.ParentID, match.PersonID, match.Distance = &parent.ID, parent.PersonID, dist
		} else if m.identities != nil {
			im, ok, err := m.identities.MatchIdentity(ctx, d.Encoding)
			if err != nil {
				return nil, err
			}
			if ok {
				pid := im.Person.ID
				face.PersonID = &pid
				match.PersonID, match.Distance = &pid, im.Distance
			}
		}
		planned = append(planned, face)
		matches = append(matches, match)
	}

	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		faces := m.faces.WithTx(tx)
		doomed, err := faces.ListUnconfirmedByImage(ctx, imageID)
		if err != nil {
			return err
		}
		if err := m.releaseGroups(ctx, faces, doomed); err != nil {
			return err
		}
		if _, err := faces.DeleteUnconfirmedByImage(ctx, imageID); err != nil {
			return err
		}
		for i := range planned {
			if err := faces.Create(ctx, &planned[i]); err != nil {
				return err
			}
			matches[i].FaceID = planned[i].ID
		}
		return repository.NewImageRepository(tx).MarkFacesProcessed(ctx, imageID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store faces for image %d: %w", imageID, err)
	}

	m.logger.Debug("stored faces",
		zap.Uint("image_id", imageID),
		zap.Int("detected", len(detections)),
		zap.Int("stored", len(planned)),
		zap.Int("candidates", len(roots)))
	return matches, nil
}

// releaseGroups hands the group of every face about to be deleted to its
// oldest child that survives the deletion, so no face is left pointing at a
// deleted representative.
func (m *FaceMatcher) releaseGroups(ctx context.Context, faces *repository.FaceRepository, doomed []models.Face) error {
	gone := make(map[uint]bool, len(doomed))
	for _, f := range doomed {
		gone[f.ID] = true
	}
	for _, f := range doomed {
		children, err := faces.ChildrenOf(ctx, f.ID)
		if err != nil {
			return err
		}
		var rep uint
		for _, c := range children {
			if !gone[c.ID] {
				rep = c.ID
				break
			}
		}
		if rep == 0 {
			continue
		}
		if err := faces.SetParent(ctx, rep, nil); err != nil {
			return err
		}
		if _, err := faces.ReparentChildren(ctx, f.ID, rep); err != nil {
			return err
		}
		m.logger.Info("handed group of replaced face to new representative", zap.Uint("from", f.ID), zap.Uint("to", rep))
	}
	return nil
}

// closestRoot asks the comparator for distances to every root and picks the
// nearest under the threshold, first seen on ties.
func (m *FaceMatcher) closestRoot(ctx context.Context, encoding []float32, roots []models.Face, encodings [][]float32) (*models.Face, float64, bool, error) {
	if len(roots) == 0 {
		return nil, 0, false, nil
	}
	distances, err := m.comparator.Distances(ctx, encoding, encodings)
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to compare face encodings: %w", err)
	}
	if len(distances) != len(roots) {
		return nil, 0, false, fmt.Errorf("comparator returned %d distances for %d candidates", len(distances), len(roots))
	}
	idx, dist, ok := facematch.ClosestIndex(distances, m.threshold)
	if !ok {
		return nil, 0, false, nil
	}
	return &roots[idx], dist, true, nil
}
