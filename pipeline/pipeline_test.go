package pipeline_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/camden-git/mediapipeline/clients"
	"github.com/camden-git/mediapipeline/config"
	"github.com/camden-git/mediapipeline/ledger"
	"github.com/camden-git/mediapipeline/lock"
	"github.com/camden-git/mediapipeline/models"
	"github.com/camden-git/mediapipeline/pipeline"
	"github.com/camden-git/mediapipeline/queue"
	"github.com/camden-git/mediapipeline/testsupport"
)

type harness struct {
	db        *gorm.DB
	cfg       config.Config
	ledger    *ledger.Ledger
	queue     *queue.Store
	submitter *pipeline.Submitter
	runner    *pipeline.Runner
}

func newHarness(t *testing.T, handlers pipeline.Handlers) *harness {
	t.Helper()
	db := testsupport.OpenDB(t)
	cfg := testsupport.Config(testsupport.Disks(t))
	l := ledger.New(db, nil, nil)
	q := queue.New(db, nil)
	return &harness{
		db:        db,
		cfg:       cfg,
		ledger:    l,
		queue:     q,
		submitter: pipeline.NewSubmitter(db, l, q, cfg, nil),
		runner: pipeline.NewRunner(handlers, pipeline.RunnerDeps{
			DB: db, Ledger: l, Queue: q, MaxAttempts: cfg.MaxAttempts,
		}),
	}
}

func (h *harness) dispatcher(opts pipeline.Options) *pipeline.Dispatcher {
	return pipeline.NewDispatcher(h.cfg, h.submitter, h.runner, nil, nil).WithOptions(opts)
}

func (h *harness) ledgerCount(t *testing.T) int64 {
	t.Helper()
	n, err := h.ledger.Count(context.Background())
	if err != nil {
		t.Fatalf("count ledger: %v", err)
	}
	return n
}

func thumbnail42() pipeline.ThumbnailPayload {
	return pipeline.ThumbnailPayload{
		ImageID:           42,
		Disk:              "originals",
		SourcePath:        "trip",
		SourceFilename:    "beach.jpg",
		ThumbnailPath:     "originals/trip",
		ThumbnailFilename: "42_300x300_cover.jpg",
		ThumbnailMethod:   "cover",
		ThumbnailWidth:    300,
		ThumbnailHeight:   300,
	}
}

func TestSubmitSamePayloadTwice(t *testing.T) {
	h := newHarness(t, pipeline.Handlers{})
	ctx := context.Background()

	first, err := h.submitter.Submit(ctx, thumbnail42())
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := h.submitter.Submit(ctx, thumbnail42())
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if first.Result != ledger.Admitted || second.Result != ledger.AlreadyPresent {
		t.Fatalf("results = %v, %v", first.Result, second.Result)
	}
	if first.Fingerprint != second.Fingerprint {
		t.Fatal("identical payloads produced different fingerprints")
	}
	if n := h.ledgerCount(t); n != 1 {
		t.Fatalf("ledger rows = %d, want 1", n)
	}
	jobs, _ := h.queue.ListByFingerprint(ctx, first.Fingerprint)
	if len(jobs) != 1 || jobs[0].Queue != "thumbnails" {
		t.Fatalf("jobs = %+v", jobs)
	}

	other := thumbnail42()
	other.ThumbnailWidth = 200
	if sub, _ := h.submitter.Submit(ctx, other); sub.Result != ledger.Admitted {
		t.Fatalf("different payload should be admitted, got %v", sub.Result)
	}
}

func TestSubmitRejectsInvalidPayload(t *testing.T) {
	h := newHarness(t, pipeline.Handlers{})
	p := thumbnail42()
	p.ThumbnailMethod = "stretch"
	p.ThumbnailWidth = 0

	_, err := h.submitter.Submit(context.Background(), p)
	var verr *pipeline.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	fields := map[string]string{}
	for _, f := range verr.Fields {
		fields[f.Field] = f.Rule
	}
	if fields["thumbnail_method"] != "oneof" || fields["thumbnail_width"] != "min" {
		t.Fatalf("unexpected field errors: %+v", verr.Fields)
	}
	if n := h.ledgerCount(t); n != 0 {
		t.Fatalf("invalid payload left %d ledger rows", n)
	}
}

func TestValidateImagePayloadHash(t *testing.T) {
	p := pipeline.ImagePayload{
		SourceDisk: "originals", SourcePath: "trip", SourceFilename: "a.jpg",
		Width: 10, Height: 10, Size: 100,
		Hash: "0123456789ABCDEF0123456789ABCDEF",
	}
	var verr *pipeline.ValidationError
	if err := pipeline.Validate(p); !errors.As(err, &verr) || verr.Fields[0].Field != "hash" {
		t.Fatalf("uppercase hash should be rejected, got %v", err)
	}
	p.Hash = "0123456789abcdef0123456789abcdef"
	if err := pipeline.Validate(p); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}
}

func newImage(t *testing.T, h *harness, meta models.Metadata) *models.Image {
	t.Helper()
	img := testsupport.NewImage(t, h.db, "originals", "trip", "beach.jpg")
	img.Metadata = meta
	return img
}

func TestDispatchAllDisabledAndDryRunLeaveNoLedgerRows(t *testing.T) {
	h := newHarness(t, pipeline.Handlers{})
	img := newImage(t, h, models.Metadata{"GPSLatitude": 55.7558, "GPSLongitude": 37.6173})
	ctx := context.Background()

	disabled := h.dispatcher(pipeline.Options{Mode: pipeline.ModeDisabled})
	for stage, status := range disabled.DispatchAll(ctx, img) {
		if status != pipeline.StatusSkipped {
			t.Errorf("disabled: %s = %s, want skipped", stage, status)
		}
	}

	dry := h.dispatcher(pipeline.Options{Mode: pipeline.ModeQueued, DryRun: true})
	statuses := dry.DispatchAll(ctx, img)
	if len(statuses) != 4 {
		t.Fatalf("expected 4 top-level stages, got %v", statuses)
	}
	for stage, status := range statuses {
		if status != pipeline.StatusDryRun {
			t.Errorf("dry run: %s = %s, want dry-run", stage, status)
		}
	}
	if n := h.ledgerCount(t); n != 0 {
		t.Fatalf("ledger rows = %d, want 0", n)
	}
}

func TestDispatchAllQueued(t *testing.T) {
	h := newHarness(t, pipeline.Handlers{})
	ctx := context.Background()
	d := h.dispatcher(pipeline.Options{Mode: pipeline.ModeQueued})

	img := newImage(t, h, models.Metadata{"GPSLatitude": 55.7558, "GPSLongitude": 37.6173})
	for stage, status := range d.DispatchAll(ctx, img) {
		if status != pipeline.StatusSubmitted {
			t.Errorf("%s = %s, want submitted", stage, status)
		}
	}
	for stage, status := range d.DispatchAll(ctx, img) {
		if status != pipeline.StatusAlreadyQueued {
			t.Errorf("second pass %s = %s, want already-queued", stage, status)
		}
	}
	if n := h.ledgerCount(t); n != 4 {
		t.Fatalf("ledger rows = %d, want 4", n)
	}

	bare := testsupport.NewImage(t, h.db, "originals", "trip", "no-gps.jpg")
	if status := d.DispatchGeolocation(ctx, bare); status != pipeline.StatusSkipped {
		t.Fatalf("geolocation without coordinates = %s, want skipped", status)
	}
}

func TestDispatchOverridesDoNotLeak(t *testing.T) {
	h := newHarness(t, pipeline.Handlers{})
	base := h.dispatcher(pipeline.Options{Mode: pipeline.ModeQueued})
	mode := pipeline.ModeDisabled
	dry := true
	over := base.Apply(pipeline.Overrides{Mode: &mode, DryRun: &dry})

	if got := over.Options(); got.Mode != pipeline.ModeDisabled || !got.DryRun {
		t.Fatalf("override not applied: %+v", got)
	}
	if got := base.Options(); got.Mode != pipeline.ModeQueued || got.DryRun {
		t.Fatalf("base dispatcher changed: %+v", got)
	}
}

func TestDispatchSyncExecutesInProcess(t *testing.T) {
	var calls int
	fail := false
	h := newHarness(t, pipeline.Handlers{
		Face: pipeline.HandlerFunc[pipeline.FacePayload](func(ctx context.Context, p pipeline.FacePayload) error {
			calls++
			if fail {
				return errors.New("boom")
			}
			return nil
		}),
	})
	img := newImage(t, h, nil)
	d := h.dispatcher(pipeline.Options{Mode: pipeline.ModeSync})
	ctx := context.Background()

	if status := d.DispatchFace(ctx, img); status != pipeline.StatusExecuted {
		t.Fatalf("status = %s, want executed", status)
	}
	fail = true
	if status := d.DispatchFace(ctx, img); status != pipeline.StatusError {
		t.Fatalf("status = %s, want error", status)
	}
	if calls != 2 {
		t.Fatalf("handler ran %d times, want 2", calls)
	}
	if n := h.ledgerCount(t); n != 0 {
		t.Fatalf("sync mode wrote %d ledger rows", n)
	}
}

func TestRunnerReleasesFingerprintOnEveryOutcome(t *testing.T) {
	cases := []struct {
		name    string
		handler func(ctx context.Context, p pipeline.FacePayload) error
		want    pipeline.Outcome
	}{
		{"success", func(context.Context, pipeline.FacePayload) error { return nil }, pipeline.OutcomeDone},
		{"fatal", func(context.Context, pipeline.FacePayload) error { return pipeline.Fatal(errors.New("bad")) }, pipeline.OutcomeFatal},
		{"permanent collaborator error", func(context.Context, pipeline.FacePayload) error {
			return clients.Permanent("faces", errors.New("malformed"))
		}, pipeline.OutcomeFatal},
		{"panic", func(context.Context, pipeline.FacePayload) error { panic("kaboom") }, pipeline.OutcomeFatal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, pipeline.Handlers{Face: pipeline.HandlerFunc[pipeline.FacePayload](tc.handler)})
			ctx := context.Background()
			img := newImage(t, h, nil)

			sub, err := h.submitter.Submit(ctx, pipeline.FacePayload{ImageID: img.ID})
			if err != nil {
				t.Fatalf("submit: %v", err)
			}
			job, err := h.queue.Reserve(ctx, []string{"faces"}, "test")
			if err != nil || job == nil {
				t.Fatalf("reserve: %v %v", job, err)
			}
			if got := h.runner.Process(ctx, job); got != tc.want {
				t.Fatalf("outcome = %s, want %s", got, tc.want)
			}
			if ok, _ := h.ledger.Exists(ctx, sub.Fingerprint); ok {
				t.Fatal("fingerprint still present after the handler finished")
			}
			if again, _ := h.submitter.Submit(ctx, pipeline.FacePayload{ImageID: img.ID}); again.Result != ledger.Admitted {
				t.Fatalf("resubmission result = %v, want admitted", again.Result)
			}
		})
	}
}

func TestRunnerRecordsFatalFailureOnImage(t *testing.T) {
	h := newHarness(t, pipeline.Handlers{})
	recorder := &recorder{}
	h.runner = pipeline.NewRunner(pipeline.Handlers{
		Face: pipeline.HandlerFunc[pipeline.FacePayload](func(context.Context, pipeline.FacePayload) error {
			return pipeline.Fatal(errors.New("encoder rejected image"))
		}),
	}, pipeline.RunnerDeps{DB: h.db, Ledger: h.ledger, Queue: h.queue, Recorder: recorder})
	ctx := context.Background()

	if _, err := h.submitter.Submit(ctx, pipeline.FacePayload{ImageID: 7}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	job, _ := h.queue.Reserve(ctx, []string{"faces"}, "test")
	h.runner.Process(ctx, job)

	if recorder.imageID != 7 || recorder.stage != "face" {
		t.Fatalf("recorded %+v", recorder)
	}
	parked, err := h.queue.Get(ctx, job.ID)
	if err != nil || parked.FailedAt == nil {
		t.Fatalf("failed job should be parked: %+v %v", parked, err)
	}
}

type recorder struct {
	imageID uint
	stage   string
}

func (r *recorder) RecordFailure(_ context.Context, imageID uint, stage string, _ error) error {
	r.imageID, r.stage = imageID, stage
	return nil
}

func TestRunnerRetryKeepsFingerprintUntilExhausted(t *testing.T) {
	h := newHarness(t, pipeline.Handlers{
		Face: pipeline.HandlerFunc[pipeline.FacePayload](func(context.Context, pipeline.FacePayload) error {
			return pipeline.Retry(lock.ErrLockTimeout, 0)
		}),
	})
	ctx := context.Background()
	sub, _ := h.submitter.Submit(ctx, pipeline.FacePayload{ImageID: 3})

	for attempt := 1; attempt <= h.cfg.MaxAttempts; attempt++ {
		job, err := h.queue.Reserve(ctx, []string{"faces"}, "test")
		if err != nil || job == nil {
			t.Fatalf("attempt %d: reserve: %v %v", attempt, job, err)
		}
		outcome := h.runner.Process(ctx, job)
		exists, _ := h.ledger.Exists(ctx, sub.Fingerprint)
		if attempt < h.cfg.MaxAttempts {
			if outcome != pipeline.OutcomeRetry || !exists {
				t.Fatalf("attempt %d: outcome %s, fingerprint present %v", attempt, outcome, exists)
			}
			continue
		}
		if outcome != pipeline.OutcomeFatal || exists {
			t.Fatalf("last attempt: outcome %s, fingerprint present %v", outcome, exists)
		}
	}
}

type temporaryErr struct{ temp bool }

func (e temporaryErr) Error() string   { return "collaborator" }
func (e temporaryErr) Temporary() bool { return e.temp }

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		want      pipeline.Outcome
		wantDelay time.Duration
	}{
		{"nil", nil, pipeline.OutcomeDone, 0},
		{"explicit retry", pipeline.Retry(errors.New("x"), time.Minute), pipeline.OutcomeRetry, time.Minute},
		{"explicit fatal", pipeline.Fatal(errors.New("x")), pipeline.OutcomeFatal, 0},
		{"lock timeout", lock.ErrLockTimeout, pipeline.OutcomeRetry, pipeline.DefaultRetryDelay},
		{"deadline", context.DeadlineExceeded, pipeline.OutcomeRetry, pipeline.DefaultRetryDelay},
		{"temporary", temporaryErr{temp: true}, pipeline.OutcomeRetry, pipeline.DefaultRetryDelay},
		{"permanent", temporaryErr{temp: false}, pipeline.OutcomeFatal, 0},
		{"validation", &pipeline.ValidationError{Stage: pipeline.StageFace}, pipeline.OutcomeFatal, 0},
		{"panic", &pipeline.PanicError{Value: "x"}, pipeline.OutcomeFatal, 0},
		{"unknown", errors.New("disk hiccup"), pipeline.OutcomeRetry, pipeline.DefaultRetryDelay},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, delay := pipeline.Classify(tc.err)
			if got != tc.want || delay != tc.wantDelay {
				t.Fatalf("Classify = %s/%s, want %s/%s", got, delay, tc.want, tc.wantDelay)
			}
		})
	}
}

func TestParseStageAndMode(t *testing.T) {
	if st, err := pipeline.ParseStage(" Thumbnail "); err != nil || st != pipeline.StageThumbnail {
		t.Fatalf("ParseStage = %q, %v", st, err)
	}
	if _, err := pipeline.ParseStage("ImageProcessingJob"); err == nil {
		t.Fatal("expected unknown stage error")
	}
	if m, err := pipeline.ParseMode("SYNC"); err != nil || m != pipeline.ModeSync {
		t.Fatalf("ParseMode = %q, %v", m, err)
	}
	if got := pipeline.StageFace.LockFamily(); got != "face-processing" {
		t.Fatalf("LockFamily = %q", got)
	}
}
