package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"figwatch/internal/config"
	"figwatch/internal/model"
	"figwatch/internal/pkg/dedup"
	"figwatch/internal/storage"
)

// fakeProducer records submissions instead of hitting a stream.
type fakeProducer struct {
	submitted []string
	fail      bool
	depth     int64
}

func (p *fakeProducer) Submit(ctx context.Context, name string, args interface{}, source string) error {
	if p.fail {
		return context.DeadlineExceeded
	}
	p.submitted = append(p.submitted, name)
	return nil
}

func (p *fakeProducer) QueueLength(ctx context.Context) (int64, error) {
	return p.depth, nil
}

func newTestServer(t *testing.T) (*Server, *fakeProducer, *storage.MemoryStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg := &config.Config{}
	cfg.App.WorkerPoolSize = 2

	store := storage.NewMemoryStore()
	producer := &fakeProducer{}
	deduper := dedup.NewDeduplicator(rdb, 10*time.Minute)

	s := NewServerWithDeps(cfg, slog.Default(), store, rdb, producer, deduper)
	return s, producer, store
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestTriggerTaskSubmits(t *testing.T) {
	s, producer, _ := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/tasks/sync_catalog", `{"theme":"Star Wars"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if len(producer.submitted) != 1 || producer.submitted[0] != "sync_catalog" {
		t.Errorf("submitted = %v", producer.submitted)
	}
}

func TestTriggerTaskUnknownName(t *testing.T) {
	s, producer, _ := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/tasks/drop_tables", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if len(producer.submitted) != 0 {
		t.Error("unknown task must not be submitted")
	}
}

func TestTriggerTaskRejectsBadJSON(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/tasks/aggregate_daily", `{not json`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestTriggerTaskDeduplicates(t *testing.T) {
	s, producer, _ := newTestServer(t)

	first := doRequest(t, s, http.MethodPost, "/tasks/update_all_prices", "")
	if first.Code != http.StatusAccepted {
		t.Fatalf("first trigger: %d", first.Code)
	}
	second := doRequest(t, s, http.MethodPost, "/tasks/update_all_prices", "")
	if second.Code != http.StatusConflict {
		t.Fatalf("second trigger = %d, want 409", second.Code)
	}
	if len(producer.submitted) != 1 {
		t.Errorf("submitted %d times, want 1", len(producer.submitted))
	}

	// Different arguments are a different request.
	third := doRequest(t, s, http.MethodPost, "/tasks/update_all_prices", `{"batch_size":10}`)
	if third.Code != http.StatusAccepted {
		t.Fatalf("third trigger = %d, want 202", third.Code)
	}
}

func TestTriggerTaskRollsBackDedupOnSubmitFailure(t *testing.T) {
	s, producer, _ := newTestServer(t)
	producer.fail = true

	w := doRequest(t, s, http.MethodPost, "/tasks/cleanup_listings", "")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}

	// The fingerprint was released, so a retry is not a false duplicate.
	producer.fail = false
	w = doRequest(t, s, http.MethodPost, "/tasks/cleanup_listings", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("retry = %d, want 202", w.Code)
	}
}

func TestListTasksAndQueueDepth(t *testing.T) {
	s, producer, _ := newTestServer(t)
	producer.depth = 7

	w := doRequest(t, s, http.MethodGet, "/tasks", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list tasks: %d", w.Code)
	}
	var listResp struct {
		Tasks []string `json:"tasks"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listResp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(listResp.Tasks) != 7 {
		t.Errorf("task count = %d, want 7", len(listResp.Tasks))
	}

	w = doRequest(t, s, http.MethodGet, "/tasks/queue", "")
	var depthResp struct {
		Depth int64 `json:"depth"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &depthResp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if depthResp.Depth != 7 {
		t.Errorf("depth = %d, want 7", depthResp.Depth)
	}
}

func TestGetMinifigAndSnapshots(t *testing.T) {
	s, _, store := newTestServer(t)
	ctx := context.Background()

	fig := &model.Minifigure{SetNumber: "sw0547", Name: "Darth Revan", Theme: "Star Wars", Year: 2014}
	if err := store.CreateMinifigure(ctx, fig); err != nil {
		t.Fatal(err)
	}
	day := time.Now().UTC().Truncate(24 * time.Hour).AddDate(0, 0, -1)
	snap := &model.PriceSnapshot{MinifigureID: fig.ID, Date: day, AvgPriceUSD: 42.50, ListingCount: 3}
	if err := store.UpsertSnapshot(ctx, snap); err != nil {
		t.Fatal(err)
	}

	w := doRequest(t, s, http.MethodGet, "/minifigs/sw0547", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get minifig: %d", w.Code)
	}
	var figResp minifigResponse
	if err := json.Unmarshal(w.Body.Bytes(), &figResp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if figResp.SetNumber != "sw0547" || figResp.Year != 2014 {
		t.Errorf("minifig response = %+v", figResp)
	}

	w = doRequest(t, s, http.MethodGet, "/minifigs/sw0547/snapshots", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list snapshots: %d", w.Code)
	}
	var snapResp struct {
		Snapshots []snapshotResponse `json:"snapshots"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &snapResp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(snapResp.Snapshots) != 1 || snapResp.Snapshots[0].AvgPriceUSD != 42.50 {
		t.Errorf("snapshots = %+v", snapResp.Snapshots)
	}

	w = doRequest(t, s, http.MethodGet, "/minifigs/ghost/snapshots", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown figure snapshots = %d, want 404", w.Code)
	}
}

func TestListSourcesHealth(t *testing.T) {
	s, _, store := newTestServer(t)
	ctx := context.Background()

	if err := store.UpsertSource(ctx, &model.DataSource{Name: "ebay", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordSourceResult(ctx, "ebay", time.Now().UTC(), nil); err != nil {
		t.Fatal(err)
	}

	w := doRequest(t, s, http.MethodGet, "/sources", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list sources: %d", w.Code)
	}
	var resp struct {
		Sources []sourceResponse `json:"sources"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Sources) != 1 || resp.Sources[0].SuccessCount != 1 || resp.Sources[0].LastStatus != "ok" {
		t.Errorf("sources = %+v", resp.Sources)
	}
}

func TestHealthz(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("healthz = %d, body = %s", w.Code, w.Body.String())
	}
}
