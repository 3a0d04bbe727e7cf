package stages_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/camden-git/mediapipeline/clients/geocoder"
	"github.com/camden-git/mediapipeline/config"
	"github.com/camden-git/mediapipeline/database"
	"github.com/camden-git/mediapipeline/ledger"
	"github.com/camden-git/mediapipeline/lock"
	"github.com/camden-git/mediapipeline/media"
	"github.com/camden-git/mediapipeline/models"
	"github.com/camden-git/mediapipeline/pipeline"
	"github.com/camden-git/mediapipeline/queue"
	"github.com/camden-git/mediapipeline/repository"
	"github.com/camden-git/mediapipeline/services"
	"github.com/camden-git/mediapipeline/stages"
	"github.com/camden-git/mediapipeline/testsupport"
)

type fakeExtractor struct {
	meta models.Metadata
	err  error
}

func (f *fakeExtractor) Extract(ctx context.Context, path string) (models.Metadata, error) {
	if f.err != nil {
		return nil, f.err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	out := models.Metadata{}
	for k, v := range f.meta {
		out[k] = v
	}
	return out, nil
}

type fakeEncoder struct {
	faces []media.DetectedFace
	err   error
}

func (f *fakeEncoder) Encode(ctx context.Context, data []byte) ([]media.DetectedFace, error) {
	if len(data) == 0 {
		return nil, errors.New("empty image")
	}
	return f.faces, f.err
}

type fakeGeocoder struct {
	err error
}

func (f *fakeGeocoder) Reverse(ctx context.Context, lat, lon float64) (*geocoder.Address, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &geocoder.Address{
		SourceID:    "relation:2555133",
		DisplayName: "Moscow, Russia",
		LatMin:      55.0, LatMax: 56.0, LonMin: 37.0, LonMax: 38.0,
	}, nil
}

type temporary struct{}

func (temporary) Error() string   { return "geocoder unavailable" }
func (temporary) Temporary() bool { return true }

type env struct {
	db         *gorm.DB
	cfg        config.Config
	roots      map[string]string
	ledger     *ledger.Ledger
	queue      *queue.Store
	locker     lock.Locker
	runner     *pipeline.Runner
	dispatcher *pipeline.Dispatcher
	extractor  *fakeExtractor
	encoder    *fakeEncoder
	geocoder   *fakeGeocoder
	handlers   pipeline.Handlers
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := testsupport.OpenDB(t)
	roots := testsupport.Disks(t)
	cfg := testsupport.Config(roots)
	disks, err := media.NewDisks(roots)
	if err != nil {
		t.Fatalf("disks: %v", err)
	}
	l := ledger.New(db, nil, nil)
	q := queue.New(db, nil)
	images := repository.NewImageRepository(db)
	runner := pipeline.NewRunner(pipeline.Handlers{}, pipeline.RunnerDeps{
		DB: db, Ledger: l, Queue: q, Recorder: images, MaxAttempts: cfg.MaxAttempts,
	})
	submitter := pipeline.NewSubmitter(db, l, q, cfg, nil)
	dispatcher := pipeline.NewDispatcher(cfg, submitter, runner, nil, nil)

	e := &env{
		db: db, cfg: cfg, roots: roots, ledger: l, queue: q,
		locker:     lock.NewDBLocker(db),
		runner:     runner,
		dispatcher: dispatcher,
		extractor:  &fakeExtractor{meta: models.Metadata{}},
		encoder:    &fakeEncoder{},
		geocoder:   &fakeGeocoder{},
	}
	identities := services.NewIdentityEngine(db, 128, nil)
	e.handlers = stages.New(stages.Deps{
		DB:          db,
		Config:      cfg,
		Locker:      e.locker,
		Disks:       disks,
		Dispatcher:  dispatcher,
		Submitter:   submitter,
		Extractor:   e.extractor,
		Encoder:     e.encoder,
		Faces:       services.NewFaceMatcher(db, media.EuclideanComparator{}, identities, nil),
		Geolocation: services.NewGeolocationResolver(db, e.geocoder, nil),
		Duplicates:  services.NewDuplicateDetector(images, cfg.DuplicateMaxDistance, nil),
	})
	runner.SetHandlers(e.handlers)
	return e
}

func (e *env) photo(t *testing.T, name string) *models.Image {
	t.Helper()
	testsupport.WriteJPEG(t, e.roots["originals"], filepath.Join("trip", name), 64, 48)
	return testsupport.NewImage(t, e.db, "originals", "trip", name)
}

func (e *env) reload(t *testing.T, id uint) *models.Image {
	t.Helper()
	img, err := repository.NewImageRepository(e.db).GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("reload image %d: %v", id, err)
	}
	return img
}

func metadataPayload(img *models.Image) pipeline.MetadataPayload {
	return pipeline.MetadataPayload{ImageID: img.ID, SourceDisk: img.Disk, SourcePath: img.Path, SourceFilename: img.Filename}
}

func outcome(err error) pipeline.Outcome {
	o, _ := pipeline.Classify(err)
	return o
}

func TestThumbnailStage(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	img := e.photo(t, "beach.jpg")

	p, err := e.dispatcher.ThumbnailPayloadFor(img)
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if err := e.handlers.Thumbnail.Handle(ctx, p); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	got := e.reload(t, img.ID)
	if got.ThumbnailPath == nil || got.ThumbnailProcessedAt == nil {
		t.Fatalf("thumbnail not recorded: %+v", got)
	}
	if _, err := os.Stat(filepath.Join(e.roots["thumbnails"], filepath.FromSlash(*got.ThumbnailPath))); err != nil {
		t.Fatalf("thumbnail file missing: %v", err)
	}

	p.SourceFilename = "missing.jpg"
	if err := e.handlers.Thumbnail.Handle(ctx, p); outcome(err) != pipeline.OutcomeFatal {
		t.Fatalf("missing source should be fatal, got %v", err)
	}
}

func TestMetadataStageChainsGeolocationOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	img := e.photo(t, "moscow.jpg")
	e.extractor.meta = models.Metadata{
		"GPSLatitude":      55.7558,
		"GPSLongitude":     37.6173,
		"DateTimeOriginal": "2023:05:01 10:00:00",
		"ImageWidth":       64,
		"ImageHeight":      48,
	}

	for i := 0; i < 2; i++ {
		if err := e.handlers.Metadata.Handle(ctx, metadataPayload(img)); err != nil {
			t.Fatalf("Handle #%d: %v", i+1, err)
		}
	}

	got := e.reload(t, img.ID)
	if got.Status != database.ImageStatusOK || got.PerceptualHash == nil || got.TakenAt == nil {
		t.Fatalf("metadata result not stored: %+v", got)
	}
	if got.Metadata["GPSLatitude"] != 55.7558 {
		t.Fatalf("stored metadata = %v", got.Metadata)
	}

	stats, err := e.ledger.Stats(ctx)
	if err != nil {
		t.Fatalf("ledger stats: %v", err)
	}
	if stats["geolocation"] != 1 {
		t.Fatalf("geolocation ledger rows = %d, want exactly 1", stats["geolocation"])
	}
	job, err := e.queue.Reserve(ctx, []string{"geolocation"}, "test")
	if err != nil || job == nil {
		t.Fatalf("chained job not queued: %v %v", job, err)
	}

	// the chained job resolves the coordinates and releases its fingerprint
	if got := e.runner.Process(ctx, job); got != pipeline.OutcomeDone {
		t.Fatalf("geolocation outcome = %s", got)
	}
	if e.reload(t, img.ID).GeolocationPointID == nil {
		t.Fatal("image not linked to a point")
	}
	if n, _ := e.ledger.Count(ctx); n != 0 {
		t.Fatalf("ledger rows = %d after the chain finished", n)
	}
}

func TestMetadataStageWithoutCoordinates(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	img := e.photo(t, "plain.jpg")

	if err := e.handlers.Metadata.Handle(ctx, metadataPayload(img)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if n, _ := e.ledger.Count(ctx); n != 0 {
		t.Fatalf("nothing should be chained, ledger rows = %d", n)
	}
	got := e.reload(t, img.ID)
	if got.Width != 64 || got.Height != 48 {
		t.Fatalf("dimensions = %dx%d", got.Width, got.Height)
	}
}

func TestMetadataStageMarksUndecodableFile(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	full := filepath.Join(e.roots["originals"], "trip", "notes.jpg")
	os.MkdirAll(filepath.Dir(full), 0o755)
	if err := os.WriteFile(full, []byte("definitely not a jpeg"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	img := testsupport.NewImage(t, e.db, "originals", "trip", "notes.jpg")

	if err := e.handlers.Metadata.Handle(ctx, metadataPayload(img)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	got := e.reload(t, img.ID)
	if got.Status != database.ImageStatusNotPhoto || got.LastError == nil {
		t.Fatalf("status = %s, last_error = %v", got.Status, got.LastError)
	}
}

func TestMetadataStageLinksDuplicate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	// both rows carry the same content hash
	first := e.photo(t, "a.jpg")
	second := e.photo(t, "a-copy.jpg")

	if err := e.handlers.Metadata.Handle(ctx, metadataPayload(second)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	got := e.reload(t, second.ID)
	if got.ParentID == nil || *got.ParentID != first.ID {
		t.Fatalf("parent = %v, want %d", got.ParentID, first.ID)
	}
}

func TestConcurrentMetadataRunsKeepGroupingFlat(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	first := e.photo(t, "b.jpg")
	second := e.photo(t, "b-copy.jpg")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, img := range []*models.Image{first, second} {
		wg.Add(1)
		go func(i int, img *models.Image) {
			defer wg.Done()
			errs[i] = e.handlers.Metadata.Handle(ctx, metadataPayload(img))
		}(i, img)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("Handle #%d: %v", i+1, err)
		}
	}

	a, b := e.reload(t, first.ID), e.reload(t, second.ID)
	switch {
	case a.ParentID != nil && b.ParentID != nil:
		t.Fatalf("parent cycle: %d -> %d, %d -> %d", a.ID, *a.ParentID, b.ID, *b.ParentID)
	case a.ParentID != nil:
		if *a.ParentID != b.ID {
			t.Fatalf("a parent = %d, want %d", *a.ParentID, b.ID)
		}
	case b.ParentID != nil:
		if *b.ParentID != a.ID {
			t.Fatalf("b parent = %d, want %d", *b.ParentID, a.ID)
		}
	default:
		t.Fatal("identical images were not grouped")
	}
}

func TestGeolocationStage(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	img := testsupport.NewImage(t, e.db, "originals", "trip", "moscow.jpg")
	meta := models.Metadata{"GPSLatitude": 55.7558, "GPSLongitude": 37.6173}

	if err := e.handlers.Geolocation.Handle(ctx, pipeline.GeolocationPayload{ImageID: img.ID, Metadata: models.Metadata{"Make": "Canon"}}); outcome(err) != pipeline.OutcomeFatal {
		t.Fatalf("metadata without coordinates should be fatal, got %v", err)
	}

	e.geocoder.err = temporary{}
	if err := e.handlers.Geolocation.Handle(ctx, pipeline.GeolocationPayload{ImageID: img.ID, Metadata: meta}); outcome(err) != pipeline.OutcomeRetry {
		t.Fatalf("transient geocoder failure should retry, got %v", err)
	}

	e.geocoder.err = geocoder.ErrNoResult
	if err := e.handlers.Geolocation.Handle(ctx, pipeline.GeolocationPayload{ImageID: img.ID, Metadata: meta}); outcome(err) != pipeline.OutcomeFatal {
		t.Fatalf("no geocoder result should be fatal, got %v", err)
	}

	e.geocoder.err = nil
	if err := e.handlers.Geolocation.Handle(ctx, pipeline.GeolocationPayload{ImageID: img.ID, Metadata: meta}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if e.reload(t, img.ID).GeolocationPointID == nil {
		t.Fatal("image not linked to a point")
	}
}

func TestFaceStage(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	img := e.photo(t, "people.jpg")
	e.encoder.faces = []media.DetectedFace{
		{X1: 1, Y1: 1, X2: 10, Y2: 10, Quality: 90, Encoding: testsupport.Vector(128, 0.1)},
		{X1: 20, Y1: 20, X2: 30, Y2: 30, Quality: 40, Encoding: testsupport.Vector(128, 3)},
	}

	if err := e.handlers.Face.Handle(ctx, pipeline.FacePayload{ImageID: img.ID}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	faces, err := repository.NewFaceRepository(e.db).ListByImage(ctx, img.ID)
	if err != nil || len(faces) != 2 {
		t.Fatalf("faces = %d, %v", len(faces), err)
	}
	if e.reload(t, img.ID).FaceProcessedAt == nil {
		t.Fatal("face_processed_at not set")
	}

	e.encoder.err = media.ErrEncoderDisabled
	if err := e.handlers.Face.Handle(ctx, pipeline.FacePayload{ImageID: img.ID}); outcome(err) != pipeline.OutcomeFatal {
		t.Fatalf("disabled encoder should be fatal, got %v", err)
	}
	if err := e.handlers.Face.Handle(ctx, pipeline.FacePayload{ImageID: 9999}); outcome(err) != pipeline.OutcomeFatal {
		t.Fatalf("unknown image should be fatal, got %v", err)
	}
}

func TestLockContentionBecomesRetry(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	img := e.photo(t, "busy.jpg")

	held, err := e.locker.Acquire(ctx, lock.Key(pipeline.StageFace.LockFamily(), img.ID), time.Minute, time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer e.locker.Release(ctx, held)

	err = e.handlers.Face.Handle(ctx, pipeline.FacePayload{ImageID: img.ID})
	o, delay := pipeline.Classify(err)
	if o != pipeline.OutcomeRetry || delay != e.cfg.Stage("face").RetryDelay {
		t.Fatalf("outcome %s after %s, want retry after %s (err %v)", o, delay, e.cfg.Stage("face").RetryDelay, err)
	}
	if !errors.Is(err, lock.ErrLockTimeout) {
		t.Fatalf("expected lock timeout, got %v", err)
	}
}

func TestImageStageRegistersAndDispatches(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := pipeline.ImagePayload{
		SourceDisk: "originals", SourcePath: "trip", SourceFilename: "new.jpg",
		Width: 64, Height: 48, Size: 2048,
		Hash: "fedcba9876543210fedcba9876543210",
	}

	for i := 0; i < 2; i++ {
		if err := e.handlers.Image.Handle(ctx, p); err != nil {
			t.Fatalf("Handle #%d: %v", i+1, err)
		}
	}
	img, err := repository.NewImageRepository(e.db).GetByLocation(ctx, "originals", "trip", "new.jpg")
	if err != nil {
		t.Fatalf("image not registered: %v", err)
	}
	if img.Hash != p.Hash || img.Size != 2048 {
		t.Fatalf("registered %+v", img)
	}
	stats, _ := e.ledger.Stats(ctx)
	for _, stage := range []string{"thumbnail", "metadata", "face"} {
		if stats[stage] != 1 {
			t.Errorf("%s ledger rows = %d, want 1", stage, stats[stage])
		}
	}
	if stats["geolocation"] != 0 {
		t.Errorf("geolocation waits for the metadata chain, got %d rows", stats["geolocation"])
	}
}

func TestImageStageResolvesRegistrationParent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	root := testsupport.NewImage(t, e.db, "originals", "trip", "root.jpg")
	child := testsupport.NewImage(t, e.db, "originals", "trip", "child.jpg")
	if err := e.db.Model(&models.Image{}).Where("id = ?", child.ID).Update("parent_id", root.ID).Error; err != nil {
		t.Fatalf("link child: %v", err)
	}
	payload := func(name string, parent uint) pipeline.ImagePayload {
		return pipeline.ImagePayload{
			SourceDisk: "originals", SourcePath: "trip", SourceFilename: name,
			Width: 64, Height: 48, Size: 2048,
			Hash:     "fedcba9876543210fedcba9876543210",
			ParentID: &parent,
		}
	}
	images := repository.NewImageRepository(e.db)

	// a child given as parent is replaced by its root
	if err := e.handlers.Image.Handle(ctx, payload("via-child.jpg", child.ID)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	got, err := images.GetByLocation(ctx, "originals", "trip", "via-child.jpg")
	if err != nil {
		t.Fatalf("image not registered: %v", err)
	}
	if got.ParentID == nil || *got.ParentID != root.ID {
		t.Fatalf("parent = %v, want root %d", got.ParentID, root.ID)
	}

	err = e.handlers.Image.Handle(ctx, payload("orphan.jpg", 9999))
	if outcome(err) != pipeline.OutcomeFatal {
		t.Fatalf("missing parent should be fatal, got %v", err)
	}
	if known, _ := images.ExistsByLocation(ctx, "originals", "trip", "orphan.jpg"); known {
		t.Fatal("image with a missing parent was registered")
	}
}
