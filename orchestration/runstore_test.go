package orchestration

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newStoredRun(id string, startedAt time.Time, status string) *StoredRun {
	return &StoredRun{
		RunID:      id,
		SessionID:  "sess-1",
		TemplateID: "tmpl-1",
		Question:   "Find me a flight to Shanghai",
		StepResults: map[string]Result{
			"search":  {"flight_options": "..."},
			"analyze": {"recommendation": "MU586"},
		},
		Status:     status,
		StartedAt:  startedAt,
		DurationMS: 1200,
	}
}

// ttlRecordingProvider captures the TTL passed to Set.
type ttlRecordingProvider struct {
	*MemoryStorageProvider
	lastTTL time.Duration
}

func (p *ttlRecordingProvider) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	p.lastTTL = ttl
	return p.MemoryStorageProvider.Set(ctx, key, value, ttl)
}

// indexFailingProvider fails every index write.
type indexFailingProvider struct {
	*MemoryStorageProvider
}

func (p *indexFailingProvider) AddToIndex(ctx context.Context, key string, score float64, member string) error {
	return errors.New("index write refused")
}

func TestRunStore_RecordAndGet(t *testing.T) {
	store := NewRunStore(NewMemoryStorageProvider(), RunStoreConfig{}, nil)
	ctx := context.Background()

	started := time.Now().UTC().Truncate(time.Millisecond)
	if err := store.Record(ctx, newStoredRun("run-1", started, EndStatusOK)); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	run, err := store.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if run.Question != "Find me a flight to Shanghai" || run.Status != EndStatusOK {
		t.Errorf("run = %+v", run)
	}
	if !run.StartedAt.Equal(started) || run.DurationMS != 1200 {
		t.Errorf("timing = %v / %d", run.StartedAt, run.DurationMS)
	}
	if run.StepResults["analyze"]["recommendation"] != "MU586" {
		t.Errorf("step results = %v", run.StepResults)
	}
}

func TestRunStore_RecordRejectsMissingID(t *testing.T) {
	store := NewRunStore(NewMemoryStorageProvider(), RunStoreConfig{}, nil)
	ctx := context.Background()

	for _, run := range []*StoredRun{nil, {Status: EndStatusOK}} {
		err := store.Record(ctx, run)
		if err == nil || KindOf(err) != KindStoreIO {
			t.Errorf("Record(%+v) err = %v", run, err)
		}
	}
}

func TestRunStore_GetMissing(t *testing.T) {
	store := NewRunStore(NewMemoryStorageProvider(), RunStoreConfig{}, nil)
	ctx := context.Background()

	if _, err := store.Get(ctx, ""); err == nil {
		t.Error("Get with empty id should fail")
	}
	_, err := store.Get(ctx, "ghost")
	if err == nil || !strings.Contains(err.Error(), "run ghost not found") {
		t.Errorf("Get(ghost) err = %v", err)
	}
	if KindOf(err) != KindStoreIO {
		t.Errorf("kind = %s", KindOf(err))
	}
}

func TestRunStore_TTLSelection(t *testing.T) {
	provider := &ttlRecordingProvider{MemoryStorageProvider: NewMemoryStorageProvider()}
	store := NewRunStore(provider, RunStoreConfig{TTL: time.Hour, ErrorTTL: 2 * time.Hour}, nil)
	ctx := context.Background()

	cases := []struct {
		status string
		want   time.Duration
	}{
		{EndStatusOK, time.Hour},
		{EndStatusFailed, 2 * time.Hour},
		{EndStatusCancelled, 2 * time.Hour},
	}
	for _, tc := range cases {
		if err := store.Record(ctx, newStoredRun("run-"+tc.status, time.Now(), tc.status)); err != nil {
			t.Fatalf("Record(%s) failed: %v", tc.status, err)
		}
		if provider.lastTTL != tc.want {
			t.Errorf("status %s stored with ttl %v, want %v", tc.status, provider.lastTTL, tc.want)
		}
	}
}

func TestRunStore_RecordSurvivesIndexFailure(t *testing.T) {
	provider := &indexFailingProvider{MemoryStorageProvider: NewMemoryStorageProvider()}
	store := NewRunStore(provider, RunStoreConfig{}, nil)
	ctx := context.Background()

	if err := store.Record(ctx, newStoredRun("run-1", time.Now(), EndStatusOK)); err != nil {
		t.Fatalf("Record should swallow index failures, got %v", err)
	}
	if _, err := store.Get(ctx, "run-1"); err != nil {
		t.Errorf("record should still be readable: %v", err)
	}
	list, err := store.ListRecent(ctx, 0)
	if err != nil || len(list) != 0 {
		t.Errorf("unindexed run appeared in listing: %v, %v", list, err)
	}
}

func TestRunStore_ListRecent(t *testing.T) {
	store := NewRunStore(NewMemoryStorageProvider(), RunStoreConfig{}, nil)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	for i, id := range []string{"run-a", "run-b", "run-c"} {
		run := newStoredRun(id, base.Add(time.Duration(i)*time.Second), EndStatusOK)
		if err := store.Record(ctx, run); err != nil {
			t.Fatalf("Record(%s) failed: %v", id, err)
		}
	}

	list, err := store.ListRecent(ctx, 0)
	if err != nil {
		t.Fatalf("ListRecent failed: %v", err)
	}
	if len(list) != 3 || list[0].RunID != "run-c" || list[2].RunID != "run-a" {
		t.Errorf("order = %v", runIDs(list))
	}
	if list[0].StepCount != 2 || list[0].Question == "" {
		t.Errorf("summary = %+v", list[0])
	}

	list, err = store.ListRecent(ctx, 2)
	if err != nil || len(list) != 2 || list[0].RunID != "run-c" || list[1].RunID != "run-b" {
		t.Errorf("limited listing = %v, %v", runIDs(list), err)
	}
}

func TestRunStore_ListRecentCleansStaleIndexEntries(t *testing.T) {
	provider := NewMemoryStorageProvider()
	store := NewRunStore(provider, RunStoreConfig{}, nil)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	store.Record(ctx, newStoredRun("run-old", base, EndStatusOK))
	store.Record(ctx, newStoredRun("run-new", base.Add(time.Second), EndStatusOK))

	// Drop the newer record but leave its index entry behind.
	if err := provider.Del(ctx, "weft:run:run-new"); err != nil {
		t.Fatalf("Del failed: %v", err)
	}

	list, err := store.ListRecent(ctx, 0)
	if err != nil || len(list) != 1 || list[0].RunID != "run-old" {
		t.Fatalf("listing = %v, %v", runIDs(list), err)
	}

	// The stale entry is gone from the index now.
	members, _ := provider.ListByScoreDesc(ctx, "weft:run:index", "-inf", "+inf", 0, 0)
	if len(members) != 1 || members[0] != "run-old" {
		t.Errorf("index members = %v", members)
	}
}

func runIDs(list []RunSummary) []string {
	ids := make([]string, len(list))
	for i, s := range list {
		ids[i] = s.RunID
	}
	return ids
}

func TestMemoryStorageProvider_Values(t *testing.T) {
	p := NewMemoryStorageProvider()
	ctx := context.Background()

	if err := p.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if got, _ := p.Get(ctx, "k"); got != "v" {
		t.Errorf("Get = %q", got)
	}
	if ok, _ := p.Exists(ctx, "k"); !ok {
		t.Error("Exists = false")
	}
	if got, _ := p.Get(ctx, "missing"); got != "" {
		t.Errorf("missing key = %q", got)
	}

	if err := p.Del(ctx, "k"); err != nil {
		t.Fatalf("Del failed: %v", err)
	}
	if ok, _ := p.Exists(ctx, "k"); ok {
		t.Error("key survived Del")
	}
}

func TestMemoryStorageProvider_TTL(t *testing.T) {
	p := NewMemoryStorageProvider()
	ctx := context.Background()

	p.Set(ctx, "short", "v", 20*time.Millisecond)
	p.Set(ctx, "forever", "v", 0)

	time.Sleep(40 * time.Millisecond)

	if got, _ := p.Get(ctx, "short"); got != "" {
		t.Errorf("expired key = %q", got)
	}
	if ok, _ := p.Exists(ctx, "short"); ok {
		t.Error("expired key still exists")
	}
	if got, _ := p.Get(ctx, "forever"); got != "v" {
		t.Errorf("zero-ttl key = %q", got)
	}
}

func TestMemoryStorageProvider_Index(t *testing.T) {
	p := NewMemoryStorageProvider()
	ctx := context.Background()

	p.AddToIndex(ctx, "idx", 1, "a")
	p.AddToIndex(ctx, "idx", 2, "b")
	p.AddToIndex(ctx, "idx", 3, "c")
	p.AddToIndex(ctx, "idx", 2, "b") // score update, not a duplicate

	all, err := p.ListByScoreDesc(ctx, "idx", "-inf", "+inf", 0, 0)
	if err != nil {
		t.Fatalf("ListByScoreDesc failed: %v", err)
	}
	if len(all) != 3 || all[0] != "c" || all[1] != "b" || all[2] != "a" {
		t.Errorf("all = %v", all)
	}

	top, _ := p.ListByScoreDesc(ctx, "idx", "-inf", "+inf", 0, 2)
	if len(top) != 2 || top[0] != "c" || top[1] != "b" {
		t.Errorf("top 2 = %v", top)
	}

	rest, _ := p.ListByScoreDesc(ctx, "idx", "-inf", "+inf", 1, 0)
	if len(rest) != 2 || rest[0] != "b" {
		t.Errorf("offset 1 = %v", rest)
	}
	if past, _ := p.ListByScoreDesc(ctx, "idx", "-inf", "+inf", 9, 0); past != nil {
		t.Errorf("offset past end = %v", past)
	}

	ranged, _ := p.ListByScoreDesc(ctx, "idx", "2", "3", 0, 0)
	if len(ranged) != 2 || ranged[0] != "c" || ranged[1] != "b" {
		t.Errorf("score range = %v", ranged)
	}

	if _, err := p.ListByScoreDesc(ctx, "idx", "bogus", "+inf", 0, 0); err == nil {
		t.Error("bogus score bound should fail")
	}

	p.RemoveFromIndex(ctx, "idx", "b", "never-there")
	if err := p.RemoveFromIndex(ctx, "absent-index", "x"); err != nil {
		t.Errorf("removing from a missing index: %v", err)
	}
	left, _ := p.ListByScoreDesc(ctx, "idx", "-inf", "+inf", 0, 0)
	if len(left) != 2 || left[0] != "c" || left[1] != "a" {
		t.Errorf("after removal = %v", left)
	}
}

func TestMemoryStorageProvider_IndexTieBreak(t *testing.T) {
	p := NewMemoryStorageProvider()
	ctx := context.Background()

	p.AddToIndex(ctx, "idx", 5, "alpha")
	p.AddToIndex(ctx, "idx", 5, "beta")

	got, _ := p.ListByScoreDesc(ctx, "idx", "-inf", "+inf", 0, 0)
	if len(got) != 2 || got[0] != "beta" || got[1] != "alpha" {
		t.Errorf("tie order = %v", got)
	}
}

func TestParseScoreBound(t *testing.T) {
	cases := []struct {
		in   string
		def  float64
		want float64
	}{
		{"", 7, 7},
		{"-inf", 0, math.Inf(-1)},
		{"+inf", 0, math.Inf(1)},
		{"inf", 0, math.Inf(1)},
		{"2.5", 0, 2.5},
	}
	for _, tc := range cases {
		got, err := parseScoreBound(tc.in, tc.def)
		if err != nil || got != tc.want {
			t.Errorf("parseScoreBound(%q) = %v, %v; want %v", tc.in, got, err, tc.want)
		}
	}
	if _, err := parseScoreBound("nonsense", 0); err == nil {
		t.Error("nonsense bound should fail")
	}
}

func setupTestRedisProvider(t *testing.T) (*miniredis.Miniredis, *RedisStorageProvider) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	provider, err := NewRedisStorageProvider(mr.Addr(), nil)
	if err != nil {
		t.Fatalf("NewRedisStorageProvider failed: %v", err)
	}
	t.Cleanup(func() { provider.Close() })
	return mr, provider
}

func TestRedisStorageProvider_Values(t *testing.T) {
	mr, p := setupTestRedisProvider(t)
	ctx := context.Background()

	if err := p.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if got, _ := p.Get(ctx, "k"); got != "v" {
		t.Errorf("Get = %q", got)
	}
	if got, err := p.Get(ctx, "missing"); got != "" || err != nil {
		t.Errorf("missing key = %q, %v", got, err)
	}
	if ok, _ := p.Exists(ctx, "k"); !ok {
		t.Error("Exists = false")
	}

	if err := p.Del(ctx, "k"); err != nil {
		t.Fatalf("Del failed: %v", err)
	}
	if ok, _ := p.Exists(ctx, "k"); ok {
		t.Error("key survived Del")
	}
	if err := p.Del(ctx); err != nil {
		t.Errorf("empty Del: %v", err)
	}

	// TTL expiry under the clock miniredis controls.
	p.Set(ctx, "ttl-key", "v", 50*time.Millisecond)
	mr.FastForward(100 * time.Millisecond)
	if got, _ := p.Get(ctx, "ttl-key"); got != "" {
		t.Errorf("expired key = %q", got)
	}
}

func TestRedisStorageProvider_Index(t *testing.T) {
	_, p := setupTestRedisProvider(t)
	ctx := context.Background()

	p.AddToIndex(ctx, "idx", 1, "a")
	p.AddToIndex(ctx, "idx", 2, "b")
	p.AddToIndex(ctx, "idx", 3, "c")

	all, err := p.ListByScoreDesc(ctx, "idx", "-inf", "+inf", 0, 0)
	if err != nil {
		t.Fatalf("ListByScoreDesc failed: %v", err)
	}
	if len(all) != 3 || all[0] != "c" || all[2] != "a" {
		t.Errorf("all = %v", all)
	}

	top, _ := p.ListByScoreDesc(ctx, "idx", "-inf", "+inf", 0, 2)
	if len(top) != 2 || top[0] != "c" || top[1] != "b" {
		t.Errorf("top 2 = %v", top)
	}

	if err := p.RemoveFromIndex(ctx, "idx", "b"); err != nil {
		t.Fatalf("RemoveFromIndex failed: %v", err)
	}
	if err := p.RemoveFromIndex(ctx, "idx"); err != nil {
		t.Errorf("empty RemoveFromIndex: %v", err)
	}
	left, _ := p.ListByScoreDesc(ctx, "idx", "-inf", "+inf", 0, 0)
	if len(left) != 2 || left[0] != "c" || left[1] != "a" {
		t.Errorf("after removal = %v", left)
	}
}

func TestNewRedisStorageProvider_ConnectionFailure(t *testing.T) {
	_, err := NewRedisStorageProvider("127.0.0.1:1", nil)
	if err == nil || !strings.Contains(err.Error(), "redis connection failed") {
		t.Errorf("err = %v", err)
	}
}

func TestRunStore_OverRedis(t *testing.T) {
	mr, provider := setupTestRedisProvider(t)
	store := NewRunStore(provider, RunStoreConfig{}, nil)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	store.Record(ctx, newStoredRun("run-ok", base, EndStatusOK))
	store.Record(ctx, newStoredRun("run-failed", base.Add(time.Second), EndStatusFailed))

	list, err := store.ListRecent(ctx, 0)
	if err != nil || len(list) != 2 || list[0].RunID != "run-failed" {
		t.Fatalf("listing = %v, %v", runIDs(list), err)
	}

	run, err := store.Get(ctx, "run-ok")
	if err != nil || run.Question != "Find me a flight to Shanghai" {
		t.Fatalf("Get = %+v, %v", run, err)
	}

	// Past the success TTL the ok run expires; the failed run is kept on
	// the longer error TTL and the stale index entry gets cleaned up.
	mr.FastForward(25 * time.Hour)
	list, err = store.ListRecent(ctx, 0)
	if err != nil || len(list) != 1 || list[0].RunID != "run-failed" {
		t.Errorf("post-expiry listing = %v, %v", runIDs(list), err)
	}
}
