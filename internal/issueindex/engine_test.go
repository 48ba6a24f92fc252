package issueindex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/issue-index/internal/clusters"
	"horse.fit/issue-index/internal/db"
	"horse.fit/issue-index/internal/vocabulary"
)

type fakeSnapshotReader struct {
	byBucket map[time.Time][]clusters.ClusterSnapshot
	err      error
	calls    []time.Time
}

func (f *fakeSnapshotReader) ListClusterSnapshots(_ context.Context, bucket time.Time) ([]clusters.ClusterSnapshot, error) {
	f.calls = append(f.calls, bucket)
	if f.err != nil {
		return nil, f.err
	}
	return f.byBucket[bucket], nil
}

type persistKey struct {
	category string
	bucket   time.Time
}

// fakePersister keeps the latest write per key, mirroring the upsert plus
// delete-and-insert of the real adapter.
type fakePersister struct {
	mu       sync.Mutex
	rows     map[persistKey]db.JobIndexWrite
	calls    []string
	failOn   string
	failWith error
}

func newFakePersister() *fakePersister {
	return &fakePersister{rows: make(map[persistKey]db.JobIndexWrite)}
}

func (f *fakePersister) PersistJobIndex(_ context.Context, w db.JobIndexWrite) (db.PersistResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, w.JobCategory)
	if f.failOn != "" && w.JobCategory == f.failOn {
		return db.PersistResult{}, &db.PersistError{
			JobCategory: w.JobCategory,
			TimeBucket:  w.TimeBucket,
			Stage:       db.StageUpsertIndex,
			Err:         f.failWith,
		}
	}

	key := persistKey{category: w.JobCategory, bucket: w.TimeBucket}
	previous := f.rows[key]
	f.rows[key] = w
	return db.PersistResult{
		TotalArticlesCount: len(w.Matches),
		DeletedMatches:     int64(len(previous.Matches)),
		InsertedMatches:    len(w.Matches),
	}, nil
}

func (f *fakePersister) written(category string, bucket time.Time) (db.JobIndexWrite, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.rows[persistKey{category: category, bucket: bucket}]
	return w, ok
}

func threeCategoryVocabulary(t *testing.T) *vocabulary.Vocabulary {
	t.Helper()

	v, err := vocabulary.New([]vocabulary.Category{
		{Name: "기술/개발", Code: "tech-dev", Tags: clusters.NewTagSet("LLM", "코드생성")},
		{Name: "디자인/크리에이티브", Code: "design-creative", Tags: clusters.NewTagSet("디자인", "UX")},
		{Name: "법률", Code: "legal", Tags: clusters.NewTagSet("저작권", "판례")},
	})
	if err != nil {
		t.Fatalf("build vocabulary: %v", err)
	}
	return v
}

func scenarioSnapshots() []clusters.ClusterSnapshot {
	lastActive := testBucket.Add(-48 * time.Hour)
	return []clusters.ClusterSnapshot{
		{
			TimeBucket:     testBucket,
			ClusterID:      1,
			Tags:           clusters.NewTagSet("LLM", "코드생성", "GPU", "반도체", "투자"),
			ArticleIndices: clusters.NewArticleSet(1, 2, 3),
			Status:         clusters.StatusActive,
			ClusterScore:   80,
		},
		{
			TimeBucket:     testBucket,
			ClusterID:      2,
			Tags:           clusters.NewTagSet("LLM", "규제"),
			ArticleIndices: clusters.NewArticleSet(3, 4, 5),
			Status:         clusters.StatusInactive,
			ClusterScore:   60,
			LastActiveAt:   &lastActive,
		},
		{
			TimeBucket:     testBucket,
			ClusterID:      3,
			Tags:           clusters.NewTagSet("디자인", "브랜딩", "광고", "캠페인"),
			ArticleIndices: clusters.NewArticleSet(7),
			Status:         clusters.StatusActive,
			ClusterScore:   40,
		},
	}
}

func newTestEngine(t *testing.T, reader SnapshotReader, persister IndexPersister, opts Options) *Engine {
	t.Helper()
	return NewEngine(reader, persister, threeCategoryVocabulary(t), zerolog.Nop(), opts)
}

func TestEngineRun_EndToEndScenario(t *testing.T) {
	t.Parallel()

	reader := &fakeSnapshotReader{byBucket: map[time.Time][]clusters.ClusterSnapshot{testBucket: scenarioSnapshots()}}
	persister := newFakePersister()
	engine := newTestEngine(t, reader, persister, Options{})

	result, err := engine.Run(context.Background(), testBucket.Add(17*time.Minute))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !result.TimeBucket.Equal(testBucket) {
		t.Fatalf("expected canonical bucket, got %s", result.TimeBucket)
	}
	if len(result.Jobs) != 3 {
		t.Fatalf("unexpected job count: %d", len(result.Jobs))
	}

	tech, ok := persister.written("기술/개발", testBucket)
	if !ok {
		t.Fatalf("expected tech-dev row to be persisted")
	}
	if tech.IssueIndex != 44.3 {
		t.Fatalf("unexpected tech-dev index: got %v want 44.3", tech.IssueIndex)
	}
	if tech.ActiveClustersCount != 1 || tech.InactiveClustersCount != 1 {
		t.Fatalf("unexpected counts: active=%d inactive=%d", tech.ActiveClustersCount, tech.InactiveClustersCount)
	}
	if len(tech.Matches) != 2 || tech.Matches[0].ClusterID != 1 || tech.Matches[1].ClusterID != 2 {
		t.Fatalf("unexpected evidence rows: %+v", tech.Matches)
	}
	if tech.Matches[1].MatchRatio != 0.5 {
		t.Fatalf("unexpected inactive ratio: %v", tech.Matches[1].MatchRatio)
	}
	if tech.CreatedAt.IsZero() {
		t.Fatalf("expected created_at to be set")
	}
}

func TestEngineRun_ZeroMatchCategoryStillPersisted(t *testing.T) {
	t.Parallel()

	reader := &fakeSnapshotReader{byBucket: map[time.Time][]clusters.ClusterSnapshot{testBucket: scenarioSnapshots()}}
	persister := newFakePersister()
	engine := newTestEngine(t, reader, persister, Options{})

	if _, err := engine.Run(context.Background(), testBucket); err != nil {
		t.Fatalf("run: %v", err)
	}

	legal, ok := persister.written("법률", testBucket)
	if !ok {
		t.Fatalf("expected zero-match category to be persisted")
	}
	if legal.IssueIndex != 0 || legal.ActiveClustersCount != 0 || legal.InactiveClustersCount != 0 || len(legal.Matches) != 0 {
		t.Fatalf("expected zero row, got %+v", legal)
	}
}

func TestEngineRun_EvidenceNeverHasZeroRatio(t *testing.T) {
	t.Parallel()

	reader := &fakeSnapshotReader{byBucket: map[time.Time][]clusters.ClusterSnapshot{testBucket: scenarioSnapshots()}}
	persister := newFakePersister()
	engine := newTestEngine(t, reader, persister, Options{})

	if _, err := engine.Run(context.Background(), testBucket); err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, name := range []string{"기술/개발", "디자인/크리에이티브", "법률"} {
		w, _ := persister.written(name, testBucket)
		for _, m := range w.Matches {
			if m.MatchRatio <= 0 {
				t.Fatalf("%s: evidence row with non-positive ratio: %+v", name, m)
			}
		}
	}
}

func TestEngineRun_DeterministicAndReplacesEvidence(t *testing.T) {
	t.Parallel()

	reader := &fakeSnapshotReader{byBucket: map[time.Time][]clusters.ClusterSnapshot{testBucket: scenarioSnapshots()}}
	persister := newFakePersister()
	engine := newTestEngine(t, reader, persister, Options{})

	first, err := engine.Run(context.Background(), testBucket)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := engine.Run(context.Background(), testBucket)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	for i := range first.Jobs {
		a, b := first.Jobs[i], second.Jobs[i]
		if a.JobCategory != b.JobCategory || a.Aggregate != b.Aggregate || len(a.Matches) != len(b.Matches) {
			t.Fatalf("non-deterministic job result: %+v vs %+v", a, b)
		}
	}

	tech, _ := persister.written("기술/개발", testBucket)
	if len(tech.Matches) != 2 {
		t.Fatalf("expected evidence to be replaced not appended, got %d rows", len(tech.Matches))
	}
	if len(persister.calls) != 6 {
		t.Fatalf("unexpected persist calls: %v", persister.calls)
	}
}

func TestEngineRun_AbortsOnFirstPersistFailure(t *testing.T) {
	t.Parallel()

	reader := &fakeSnapshotReader{byBucket: map[time.Time][]clusters.ClusterSnapshot{testBucket: scenarioSnapshots()}}
	persister := newFakePersister()
	persister.failOn = "디자인/크리에이티브"
	persister.failWith = errors.New("connection reset")
	engine := newTestEngine(t, reader, persister, Options{Concurrency: 1})

	_, err := engine.Run(context.Background(), testBucket)
	if err == nil {
		t.Fatalf("expected run to fail")
	}

	var persistErr *db.PersistError
	if !errors.As(err, &persistErr) {
		t.Fatalf("expected persist error, got %T: %v", err, err)
	}
	if persistErr.JobCategory != "디자인/크리에이티브" || persistErr.Stage != db.StageUpsertIndex {
		t.Fatalf("unexpected failure context: %+v", persistErr)
	}

	if _, ok := persister.written("기술/개발", testBucket); !ok {
		t.Fatalf("expected earlier category to stay committed")
	}
	if _, ok := persister.written("법률", testBucket); ok {
		t.Fatalf("expected later category not to be persisted")
	}
	if len(persister.calls) != 2 {
		t.Fatalf("unexpected persist calls after abort: %v", persister.calls)
	}
}

func TestEngineRun_ConcurrentPersistsEveryCategory(t *testing.T) {
	t.Parallel()

	reader := &fakeSnapshotReader{byBucket: map[time.Time][]clusters.ClusterSnapshot{testBucket: scenarioSnapshots()}}
	persister := newFakePersister()
	engine := newTestEngine(t, reader, persister, Options{Concurrency: 3})

	result, err := engine.Run(context.Background(), testBucket)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for i, name := range []string{"기술/개발", "디자인/크리에이티브", "법률"} {
		if result.Jobs[i].JobCategory != name {
			t.Fatalf("job %d: got %q want %q", i, result.Jobs[i].JobCategory, name)
		}
		if _, ok := persister.written(name, testBucket); !ok {
			t.Fatalf("expected %q to be persisted", name)
		}
	}
}

func TestEngineRun_NoSnapshots(t *testing.T) {
	t.Parallel()

	reader := &fakeSnapshotReader{byBucket: map[time.Time][]clusters.ClusterSnapshot{}}

	persister := newFakePersister()
	_, err := newTestEngine(t, reader, persister, Options{}).Run(context.Background(), testBucket)
	if !errors.Is(err, ErrNoSnapshots) {
		t.Fatalf("expected ErrNoSnapshots, got %v", err)
	}
	if len(persister.calls) != 0 {
		t.Fatalf("expected nothing to be persisted, got %v", persister.calls)
	}

	persister = newFakePersister()
	result, err := newTestEngine(t, reader, persister, Options{AllowEmpty: true}).Run(context.Background(), testBucket)
	if err != nil {
		t.Fatalf("run with AllowEmpty: %v", err)
	}
	if len(result.Jobs) != 3 || len(persister.calls) != 3 {
		t.Fatalf("expected three zero rows, got jobs=%d calls=%v", len(result.Jobs), persister.calls)
	}
	for _, job := range result.Jobs {
		if job.Aggregate.IssueIndex != 0 {
			t.Fatalf("expected zero index for %q, got %v", job.JobCategory, job.Aggregate.IssueIndex)
		}
	}
}

func TestEngineRun_SnapshotReadFailure(t *testing.T) {
	t.Parallel()

	reader := &fakeSnapshotReader{err: fmt.Errorf("dial tcp: refused")}
	persister := newFakePersister()

	_, err := newTestEngine(t, reader, persister, Options{}).Run(context.Background(), testBucket)
	if err == nil {
		t.Fatalf("expected error")
	}
	if errors.Is(err, ErrNoSnapshots) {
		t.Fatalf("read failure must not be reported as missing snapshots")
	}
}

func TestComputeJob_IsPure(t *testing.T) {
	t.Parallel()

	v := threeCategoryVocabulary(t)
	engine := NewEngine(nil, nil, v, zerolog.Nop(), Options{})
	category, _ := v.Lookup("tech-dev")

	snapshots := scenarioSnapshots()
	a := engine.ComputeJob(category, snapshots, testBucket)
	b := engine.ComputeJob(category, snapshots, testBucket)
	if a.Aggregate != b.Aggregate || a.Aggregate.IssueIndex != 44.3 {
		t.Fatalf("unexpected computation: %+v vs %+v", a.Aggregate, b.Aggregate)
	}
}
