package handlers_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"gorm.io/gorm"

	"github.com/camden-git/mediapipeline/database"
	"github.com/camden-git/mediapipeline/handlers"
	"github.com/camden-git/mediapipeline/ledger"
	"github.com/camden-git/mediapipeline/metrics"
	"github.com/camden-git/mediapipeline/pipeline"
	"github.com/camden-git/mediapipeline/queue"
	"github.com/camden-git/mediapipeline/services"
	"github.com/camden-git/mediapipeline/testsupport"
)

type server struct {
	db     *gorm.DB
	ledger *ledger.Ledger
	srv    *httptest.Server
}

func newServer(t *testing.T) *server {
	t.Helper()
	db := testsupport.OpenDB(t)
	cfg := testsupport.Config(testsupport.Disks(t))
	m := metrics.New()
	l := ledger.New(db, nil, m)
	q := queue.New(db, nil)
	submitter := pipeline.NewSubmitter(db, l, q, cfg, nil)
	dispatcher := pipeline.NewDispatcher(cfg, submitter, nil, nil, m)
	identities := services.NewIdentityEngine(db, cfg.FaceEncodingDim, nil)

	router := handlers.NewRouter(handlers.RouterDeps{
		Jobs:           handlers.NewJobHandler(submitter, nil),
		Admin:          handlers.NewAdminHandler(db, dispatcher, l, q, identities, nil),
		Metrics:        m,
		AllowedOrigins: []string{"http://localhost:5173"},
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &server{db: db, ledger: l, srv: srv}
}

func (s *server) do(t *testing.T, method, path, body string) (int, handlers.Response) {
	t.Helper()
	req, err := http.NewRequest(method, s.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out handlers.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s %s response: %v", method, path, err)
	}
	return resp.StatusCode, out
}

const thumbnailJob = `{
	"image_id": 42,
	"disk": "originals",
	"source_path": "trip",
	"source_filename": "beach.jpg",
	"thumbnail_path": "originals/trip",
	"thumbnail_filename": "42_300x300_cover.jpg",
	"thumbnail_method": "cover",
	"thumbnail_width": 300,
	"thumbnail_height": 300
}`

func TestSubmitJobAdmitsOnce(t *testing.T) {
	s := newServer(t)

	code, resp := s.do(t, http.MethodPost, "/api/jobs/thumbnail", thumbnailJob)
	if code != http.StatusAccepted || resp.Status != handlers.StatusSuccess {
		t.Fatalf("first submit = %d %+v", code, resp)
	}
	data, _ := resp.Data.(map[string]any)
	payload, _ := data["payload"].(map[string]any)
	if payload["image_id"] != float64(42) || payload["thumbnail_filename"] != "42_300x300_cover.jpg" {
		t.Fatalf("accepted payload not echoed: %+v", data)
	}
	code, resp = s.do(t, http.MethodPost, "/api/jobs/thumbnail", thumbnailJob)
	if code != http.StatusOK || resp.Status != handlers.StatusExists {
		t.Fatalf("second submit = %d %+v", code, resp)
	}
	if n, _ := s.ledger.Count(context.Background()); n != 1 {
		t.Fatalf("ledger entries = %d, want 1", n)
	}

	res, err := http.Get(s.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if !strings.Contains(string(body), `mediapipeline_ledger_submit_total{result="admitted",stage="thumbnail"} 1`) {
		t.Fatalf("admission not exported:\n%s", body)
	}
}

func TestSubmitJobRejections(t *testing.T) {
	s := newServer(t)

	cases := []struct {
		name  string
		path  string
		body  string
		field string
	}{
		{"unknown stage", "/api/jobs/transcode", `{}`, "stage"},
		{"missing image id", "/api/jobs/face", `{}`, "image_id"},
		{"bad hash", "/api/jobs/image", `{"source_disk":"originals","source_path":".","source_filename":"a.jpg","width":1,"height":1,"size":1,"hash":"ABC"}`, "hash"},
		{"malformed json", "/api/jobs/face", `{"image_id":`, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, resp := s.do(t, http.MethodPost, tc.path, tc.body)
			if code != http.StatusUnprocessableEntity || resp.Status != handlers.StatusError {
				t.Fatalf("got %d %+v", code, resp)
			}
			if len(resp.Errors) == 0 {
				t.Fatal("expected error details")
			}
			if tc.field != "" && resp.Errors[0].Field != tc.field {
				t.Fatalf("first error field = %q, want %q", resp.Errors[0].Field, tc.field)
			}
		})
	}
	if n, _ := s.ledger.Count(context.Background()); n != 0 {
		t.Fatalf("rejected payloads reached the ledger: %d", n)
	}
}

func TestDispatchImageWithOverrides(t *testing.T) {
	s := newServer(t)
	img := testsupport.NewImage(t, s.db, "originals", "trip", "beach.jpg")
	base := "/api/admin/images/" + itoa(img.ID)

	code, resp := s.do(t, http.MethodPost, base+"/dispatch", `{"dry_run": true}`)
	if code != http.StatusOK {
		t.Fatalf("dry run dispatch = %d %+v", code, resp)
	}
	statuses := resp.Data.(map[string]interface{})
	if statuses["metadata"] != string(pipeline.StatusDryRun) {
		t.Fatalf("dry run statuses = %v", statuses)
	}
	if n, _ := s.ledger.Count(context.Background()); n != 0 {
		t.Fatalf("dry run wrote %d ledger entries", n)
	}

	if code, _ := s.do(t, http.MethodPost, base+"/dispatch", `{"mode": "sideways"}`); code != http.StatusUnprocessableEntity {
		t.Fatalf("invalid mode = %d", code)
	}

	code, resp = s.do(t, http.MethodPost, base+"/dispatch", "")
	if code != http.StatusOK {
		t.Fatalf("dispatch = %d %+v", code, resp)
	}
	statuses = resp.Data.(map[string]interface{})
	for _, st := range []string{"thumbnail", "metadata", "face"} {
		if statuses[st] != string(pipeline.StatusSubmitted) {
			t.Fatalf("%s status = %v", st, statuses[st])
		}
	}

	code, resp = s.do(t, http.MethodGet, base, "")
	if code != http.StatusOK {
		t.Fatalf("status = %d %+v", code, resp)
	}
	pending := resp.Data.(map[string]interface{})["pending"].(map[string]interface{})
	for _, st := range []string{"thumbnail", "metadata", "face"} {
		if pending[st] != true {
			t.Fatalf("%s not pending: %v", st, pending)
		}
	}

	if code, _ := s.do(t, http.MethodGet, "/api/admin/images/9999", ""); code != http.StatusNotFound {
		t.Fatalf("missing image = %d", code)
	}
}

func TestFaceAdministration(t *testing.T) {
	s := newServer(t)
	img := testsupport.NewImage(t, s.db, "originals", "trip", "group.jpg")
	root := testsupport.NewFace(t, s.db, img.ID, 0, testsupport.Vector(128, 0.1), database.FaceStatusUnknown)
	child := testsupport.NewFace(t, s.db, img.ID, 1, testsupport.Vector(128, 0.2), database.FaceStatusUnknown)
	person := testsupport.NewPerson(t, s.db, "Ada")

	path := "/api/admin/faces/" + itoa(child.ID)
	if code, resp := s.do(t, http.MethodPut, path+"/representative", `{"parent_id": `+itoa(root.ID)+`}`); code != http.StatusOK {
		t.Fatalf("reassign = %d %+v", code, resp)
	}
	if code, _ := s.do(t, http.MethodPut, path+"/representative", `{"parent_id": `+itoa(child.ID)+`}`); code != http.StatusUnprocessableEntity {
		t.Fatalf("self parent = %d", code)
	}
	if code, _ := s.do(t, http.MethodPut, "/api/admin/faces/9999/representative", `{"parent_id": null}`); code != http.StatusNotFound {
		t.Fatalf("unknown face = %d", code)
	}

	if code, resp := s.do(t, http.MethodPost, path+"/confirm", `{"person_id": `+itoa(person.ID)+`}`); code != http.StatusOK {
		t.Fatalf("confirm = %d %+v", code, resp)
	}
	if code, _ := s.do(t, http.MethodPost, path+"/confirm", `{}`); code != http.StatusUnprocessableEntity {
		t.Fatalf("confirm without person = %d", code)
	}

	code, resp := s.do(t, http.MethodPost, "/api/admin/people/"+itoa(person.ID)+"/recompute", "")
	if code != http.StatusOK {
		t.Fatalf("recompute = %d %+v", code, resp)
	}
	if got := resp.Data.(map[string]interface{})["embeddings_count"]; got != float64(1) {
		t.Fatalf("embeddings_count = %v", got)
	}

	if code, _ := s.do(t, http.MethodGet, "/api/admin/pipeline/stats", ""); code != http.StatusOK {
		t.Fatalf("stats = %d", code)
	}
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
