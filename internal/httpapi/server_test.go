package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/issue-index/internal/query"
	"horse.fit/issue-index/internal/reader"
)

type fakeQueries struct {
	gotCategory  string
	gotBucket    string
	gotStatus    string
	gotClusterID *int
	gotLimit     int
	gotMaxChars  int
	err          error
}

func (f *fakeQueries) ListCategories() []query.CategoryInfo {
	return []query.CategoryInfo{{Name: "기술/개발", Code: "tech-dev", Tags: []string{"LLM"}}}
}

func (f *fakeQueries) GetIndex(_ context.Context, category, rawBucket string) (query.JobIndex, error) {
	f.gotCategory, f.gotBucket = category, rawBucket
	if f.err != nil {
		return query.JobIndex{}, f.err
	}
	return query.JobIndex{
		JobCategory: "기술/개발",
		JobCode:     "tech-dev",
		TimeBucket:  time.Date(2025, 1, 15, 8, 0, 0, 0, time.UTC),
		IssueIndex:  44.3,
	}, nil
}

func (f *fakeQueries) GetAllIndexes(_ context.Context, rawBucket string) (query.AllIndexes, error) {
	f.gotBucket = rawBucket
	return query.AllIndexes{}, f.err
}

func (f *fakeQueries) GetMatchedClusters(_ context.Context, category, rawBucket, rawStatus string) (query.MatchedClusters, error) {
	f.gotCategory, f.gotBucket, f.gotStatus = category, rawBucket, rawStatus
	return query.MatchedClusters{JobCategory: category, TotalArticles: 5}, f.err
}

func (f *fakeQueries) GetMatchedArticles(_ context.Context, category, rawBucket string, clusterID *int, limit int) (query.MatchedArticles, error) {
	f.gotCategory, f.gotBucket, f.gotClusterID, f.gotLimit = category, rawBucket, clusterID, limit
	return query.MatchedArticles{JobCategory: category, Limit: limit}, f.err
}

func (f *fakeQueries) ListBuckets(_ context.Context, category string, limit int) (query.History, error) {
	f.gotCategory, f.gotLimit = category, limit
	return query.History{JobCategory: category}, f.err
}

func (f *fakeQueries) GetArticlePreview(_ context.Context, category, rawBucket string, articleIndex, maxChars int) (query.ArticlePreview, error) {
	f.gotCategory, f.gotBucket, f.gotMaxChars = category, rawBucket, maxChars
	return query.ArticlePreview{
		JobCategory:  category,
		ArticleIndex: articleIndex,
		Preview:      reader.Preview{Text: "본문", Source: reader.SourceReader, CharCount: 2},
	}, f.err
}

type fakePinger struct {
	err error
}

func (p fakePinger) Ping(context.Context) error { return p.err }

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func serve(t *testing.T, srv *Server, target string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var body envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return rec, body
}

func newTestServer(q *fakeQueries, pinger Pinger) *Server {
	return NewServer(q, pinger, zerolog.Nop(), Options{})
}

func TestHandleJobIndex_Success(t *testing.T) {
	t.Parallel()

	q := &fakeQueries{}
	rec, body := serve(t, newTestServer(q, nil), "/api/v1/job/tech-dev?collected_at=2025-01-15T17:00:00%2B09:00")
	if rec.Code != http.StatusOK || body.Status != "success" {
		t.Fatalf("unexpected response: %d %s", rec.Code, rec.Body.String())
	}
	if q.gotCategory != "tech-dev" || q.gotBucket != "2025-01-15T17:00:00+09:00" {
		t.Fatalf("unexpected query args: category=%q bucket=%q", q.gotCategory, q.gotBucket)
	}

	var data query.JobIndex
	if err := json.Unmarshal(body.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.IssueIndex != 44.3 || data.JobCode != "tech-dev" {
		t.Fatalf("unexpected data: %+v", data)
	}
}

func TestHandleJobIndex_EncodedDisplayName(t *testing.T) {
	t.Parallel()

	q := &fakeQueries{}
	rec, _ := serve(t, newTestServer(q, nil), "/api/v1/job/%EA%B8%B0%EC%88%A0%2F%EA%B0%9C%EB%B0%9C")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d %s", rec.Code, rec.Body.String())
	}
	if q.gotCategory != "기술/개발" {
		t.Fatalf("expected decoded display name, got %q", q.gotCategory)
	}
}

func TestHandleJobIndex_ErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"validation", &query.ValidationError{Fields: map[string]string{"collected_at": "bad"}}, http.StatusBadRequest, "fail"},
		{"not found", errors.Join(query.ErrNotFound, errors.New("no row")), http.StatusNotFound, "fail"},
		{"internal", errors.New("connection refused"), http.StatusInternalServerError, "error"},
	}
	for _, tc := range cases {
		q := &fakeQueries{err: tc.err}
		rec, body := serve(t, newTestServer(q, nil), "/api/v1/job/tech-dev")
		if rec.Code != tc.status || body.Status != tc.kind {
			t.Fatalf("%s: got %d/%s want %d/%s", tc.name, rec.Code, body.Status, tc.status, tc.kind)
		}
		if tc.status == http.StatusInternalServerError && body.Message == "connection refused" {
			t.Fatalf("%s: internal error detail leaked to client", tc.name)
		}
	}
}

func TestHandleMatchedClusters_PassesStatus(t *testing.T) {
	t.Parallel()

	q := &fakeQueries{}
	rec, _ := serve(t, newTestServer(q, nil), "/api/v1/job/tech-dev/clusters?status=inactive&collected_at=2025011508")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if q.gotStatus != "inactive" || q.gotBucket != "2025011508" {
		t.Fatalf("unexpected args: status=%q bucket=%q", q.gotStatus, q.gotBucket)
	}
}

func TestHandleMatchedArticles_Params(t *testing.T) {
	t.Parallel()

	q := &fakeQueries{}
	rec, _ := serve(t, newTestServer(q, nil), "/api/v1/job/tech-dev/articles?cluster_id=4&limit=20")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if q.gotClusterID == nil || *q.gotClusterID != 4 || q.gotLimit != 20 {
		t.Fatalf("unexpected args: cluster=%v limit=%d", q.gotClusterID, q.gotLimit)
	}

	q = &fakeQueries{}
	_, _ = serve(t, newTestServer(q, nil), "/api/v1/job/tech-dev/articles")
	if q.gotClusterID != nil || q.gotLimit != query.DefaultArticleLimit {
		t.Fatalf("unexpected defaults: cluster=%v limit=%d", q.gotClusterID, q.gotLimit)
	}
}

func TestHandleMatchedArticles_RejectsBadLimit(t *testing.T) {
	t.Parallel()

	for _, target := range []string{
		"/api/v1/job/tech-dev/articles?limit=0",
		"/api/v1/job/tech-dev/articles?limit=501",
		"/api/v1/job/tech-dev/articles?limit=abc",
		"/api/v1/job/tech-dev/articles?cluster_id=x",
	} {
		rec, body := serve(t, newTestServer(&fakeQueries{}, nil), target)
		if rec.Code != http.StatusBadRequest || body.Status != "fail" {
			t.Fatalf("%s: got %d %s", target, rec.Code, rec.Body.String())
		}
	}
}

func TestHandleHistoryAndCategories(t *testing.T) {
	t.Parallel()

	q := &fakeQueries{}
	srv := newTestServer(q, nil)

	rec, _ := serve(t, srv, "/api/v1/job/legal/history?limit=48")
	if rec.Code != http.StatusOK || q.gotLimit != 48 || q.gotCategory != "legal" {
		t.Fatalf("unexpected history call: %d limit=%d category=%q", rec.Code, q.gotLimit, q.gotCategory)
	}

	rec, body := serve(t, srv, "/api/v1/categories")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var data struct {
		Items []query.CategoryInfo `json:"items"`
	}
	if err := json.Unmarshal(body.Data, &data); err != nil {
		t.Fatalf("decode categories: %v", err)
	}
	if len(data.Items) != 1 || data.Items[0].Code != "tech-dev" {
		t.Fatalf("unexpected categories: %+v", data.Items)
	}
}

func TestHandleArticlePreview(t *testing.T) {
	t.Parallel()

	q := &fakeQueries{}
	rec, body := serve(t, newTestServer(q, nil), "/api/v1/job/tech-dev/articles/3/preview?max_chars=500")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d %s", rec.Code, rec.Body.String())
	}
	if q.gotMaxChars != 500 {
		t.Fatalf("unexpected max chars: %d", q.gotMaxChars)
	}
	var data query.ArticlePreview
	if err := json.Unmarshal(body.Data, &data); err != nil {
		t.Fatalf("decode preview: %v", err)
	}
	if data.ArticleIndex != 3 || data.Text != "본문" {
		t.Fatalf("unexpected preview: %+v", data)
	}

	rec, _ = serve(t, newTestServer(&fakeQueries{}, nil), "/api/v1/job/tech-dev/articles/1000/preview")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected out-of-range index to fail validation, got %d", rec.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()

	rec, body := serve(t, newTestServer(&fakeQueries{}, fakePinger{}), "/api/v1/health")
	if rec.Code != http.StatusOK || body.Status != "success" {
		t.Fatalf("unexpected health response: %d %s", rec.Code, rec.Body.String())
	}

	rec, body = serve(t, newTestServer(&fakeQueries{}, fakePinger{err: errors.New("down")}), "/api/v1/health")
	if rec.Code != http.StatusInternalServerError || body.Status != "error" {
		t.Fatalf("unexpected unhealthy response: %d %s", rec.Code, rec.Body.String())
	}
}

func TestUnknownRouteUsesJSend(t *testing.T) {
	t.Parallel()

	rec, body := serve(t, newTestServer(&fakeQueries{}, nil), "/api/v1/nope")
	if rec.Code != http.StatusNotFound || body.Status != "fail" {
		t.Fatalf("unexpected response: %d %s", rec.Code, rec.Body.String())
	}
}
