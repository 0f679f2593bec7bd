package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/maruel/ksid"
	"github.com/souliane/datafab/internal/auth"
	"github.com/souliane/datafab/internal/dataset"
	"github.com/souliane/datafab/internal/index"
	"github.com/souliane/datafab/internal/journal"
	"github.com/souliane/datafab/internal/lock"
	"github.com/souliane/datafab/internal/restds"
)

type testEnv struct {
	store  *dataset.Store
	engine *restds.Engine
	index  *index.Memory
	locks  *lock.Manager
	jrnl   *journal.Journal
	sched  *Scheduler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	if err := ksid.InitIDSlice(0, 1); err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	store, err := dataset.NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	locks, err := lock.NewManager(filepath.Join(dir, "locks.jsonl"), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	jrnl, err := journal.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	loc, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		t.Fatal(err)
	}
	engine := restds.NewEngine(store, loc)
	mem := index.NewMemory()
	env := &Env{Store: store, Engine: engine, Index: mem, Loc: loc}
	sched := NewScheduler(store, locks, jrnl, Stages(env), 10*time.Millisecond, 1, 100)
	return &testEnv{store: store, engine: engine, index: mem, locks: locks, jrnl: jrnl, sched: sched}
}

func (te *testEnv) start(t *testing.T) {
	t.Helper()
	te.sched.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := te.sched.Stop(ctx); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})
}

func await(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for stage completion")
		return nil
	}
}

func TestPipelineCSVEndToEnd(t *testing.T) {
	te := newTestEnv(t)
	ds, err := te.store.Create(&dataset.Dataset{
		Owner: dataset.Owner{Type: dataset.OwnerUser, ID: "u1"},
		Title: "events",
		File:  &dataset.FileInfo{Name: "events.csv", MimeType: "text/csv"},
	})
	if err != nil {
		t.Fatal(err)
	}
	path := te.store.FilePath(ds)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	csv := "name,age,at\nalice,25,2015-03-18T00:58:59\nbob,31,2016-06-01T12:00:00\n"
	if err := os.WriteFile(path, []byte(csv), 0o644); err != nil {
		t.Fatal(err)
	}

	done := te.sched.Hook("finalize/" + ds.ID)
	te.start(t)
	if err := await(t, done); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}

	got, ok := te.store.Get(ds.ID)
	if !ok {
		t.Fatal("dataset gone")
	}
	if got.Status != dataset.StatusFinalized {
		t.Fatalf("status = %q, want finalized", got.Status)
	}
	if got.Count != 2 {
		t.Errorf("count = %d, want 2", got.Count)
	}
	if got.FinalizedAt.IsZero() {
		t.Error("finalizedAt not set")
	}
	// Schema was inferred from the sample.
	byKey := map[string]dataset.Field{}
	for _, f := range got.Schema {
		byKey[f.Key] = f
	}
	if f := byKey["age"]; f.Type != "integer" {
		t.Errorf("age type = %q, want integer", f.Type)
	}
	if f := byKey["at"]; f.Type != "string" || f.Format != "date-time" {
		t.Errorf("at = %+v, want string/date-time", f)
	}
	// Offset-less timestamps are normalized to the configured timezone.
	doc, ok := te.index.Get(ds.ID, "0")
	if !ok {
		t.Fatal("first line not indexed")
	}
	if doc.Fields["at"] != "2015-03-18T00:58:59+01:00" {
		t.Errorf("at = %v, want explicit-offset timestamp", doc.Fields["at"])
	}
}

func TestPipelineRESTMutationReindex(t *testing.T) {
	te := newTestEnv(t)
	ds, err := te.store.Create(&dataset.Dataset{
		Owner:  dataset.Owner{Type: dataset.OwnerUser, ID: "u1"},
		Title:  "rest",
		IsRest: true,
		Schema: []dataset.Field{{Key: "attr1", Type: "string"}, {Key: "attr2", Type: "string"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	done := te.sched.Hook("finalize/" + ds.ID)
	te.start(t)
	if err := await(t, done); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}

	refinalized := te.sched.Hook("finalize/" + ds.ID)

	// The end-to-end bulk scenario: two creates, one delete, one patch.
	l1, err := te.engine.CreateLine(ds, map[string]any{"attr1": "a", "attr2": "b"}, restds.Options{})
	if err != nil {
		t.Fatal(err)
	}
	l2, err := te.engine.CreateLine(ds, map[string]any{"attr1": "c"}, restds.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := te.engine.DeleteLine(ds, l2.ID, restds.Options{}); err != nil {
		t.Fatal(err)
	}
	if _, err := te.engine.PatchLine(ds, l1.ID, map[string]any{"attr1": "x"}, restds.Options{}); err != nil {
		t.Fatal(err)
	}

	if err := await(t, refinalized); err != nil {
		t.Fatalf("refinalize failed: %v", err)
	}
	got, _ := te.store.Get(ds.ID)
	if got.Count != 1 {
		t.Errorf("count = %d, want 1", got.Count)
	}
	doc, ok := te.index.Get(ds.ID, l1.ID)
	if !ok {
		t.Fatal("line not indexed")
	}
	if doc.Fields["attr1"] != "x" {
		t.Errorf("attr1 = %v, want x", doc.Fields["attr1"])
	}
	if _, ok := te.index.Get(ds.ID, l2.ID); ok {
		t.Error("deleted line must be removed from the index")
	}
	if n, _ := te.index.Count(context.Background(), ds.ID); n != 1 {
		t.Errorf("indexed count = %d, want 1", n)
	}
}

func TestStageFailureSetsErrorStatus(t *testing.T) {
	te := newTestEnv(t)
	// A file dataset whose data file does not exist fails analysis.
	ds, err := te.store.Create(&dataset.Dataset{
		Owner: dataset.Owner{Type: dataset.OwnerUser, ID: "u1"},
		Title: "broken",
		File:  &dataset.FileInfo{Name: "missing.csv", MimeType: "text/csv"},
	})
	if err != nil {
		t.Fatal(err)
	}
	failed := te.sched.Hook("analyze/" + ds.ID)
	te.start(t)
	if err := await(t, failed); err == nil {
		t.Fatal("expected analyze failure")
	}

	got, _ := te.store.Get(ds.ID)
	if got.Status != dataset.StatusError {
		t.Fatalf("status = %q, want error", got.Status)
	}
	events := te.jrnl.Events(ds.ID)
	if len(events) == 0 || events[0].Type != "error" {
		t.Fatalf("expected error journal event, got %+v", events)
	}
	// No automatic retry: the dataset stays in error.
	time.Sleep(100 * time.Millisecond)
	got, _ = te.store.Get(ds.ID)
	if got.Status != dataset.StatusError {
		t.Errorf("dataset must stay in error, got %q", got.Status)
	}
}

func TestTTLStageExpiresHistory(t *testing.T) {
	te := newTestEnv(t)
	ds, err := te.store.Create(&dataset.Dataset{
		Owner:  dataset.Owner{Type: dataset.OwnerUser, ID: "u1"},
		Title:  "hist",
		IsRest: true,
		Schema: []dataset.Field{{Key: "attr1", Type: "string"}},
		Rest: &dataset.RestConfig{
			History:    true,
			HistoryTTL: dataset.HistoryTTL{Active: true, Delay: dataset.Delay{Value: 1, Unit: "days"}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	// A backdated write leaves a revision already past the TTL.
	past := time.Now().Add(-48 * time.Hour)
	payload := fmt.Sprintf(`[{"attr1":"a","_updatedAt":%q}]`, past.Format(time.RFC3339))
	res, err := te.engine.Bulk(ds, restds.BulkInput{Reader: strings.NewReader(payload), MimeType: restds.MimeJSON}, restds.Options{Privileged: true}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.NbCreated != 1 {
		t.Fatalf("unexpected bulk result: %+v", res)
	}
	if _, err := te.store.SetStatus(ds.ID, dataset.StatusFinalized); err != nil {
		t.Fatal(err)
	}
	got, _ := te.store.Get(ds.ID)

	ttl := newTTLManager(&Env{Store: te.store, Engine: te.engine, Index: te.index})
	if !ttl.Filter(got) {
		t.Fatal("finalized dataset with an active history TTL must be eligible")
	}
	if err := ttl.Process(context.Background(), got); err != nil {
		t.Fatal(err)
	}
	page, err := te.engine.ReadRevisions(got, "", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 0 {
		t.Fatalf("expired revisions must be removed, got %d", page.Total)
	}
}

func TestWatcherReloadsOnFileChange(t *testing.T) {
	te := newTestEnv(t)
	ds, err := te.store.Create(&dataset.Dataset{
		Owner: dataset.Owner{Type: dataset.OwnerUser, ID: "u1"},
		Title: "watched",
		File:  &dataset.FileInfo{Name: "data.csv", MimeType: "text/csv"},
	})
	if err != nil {
		t.Fatal(err)
	}
	path := te.store.FilePath(ds)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("a,b\n1,2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Pretend the pipeline already ran.
	if _, err := te.store.SetStatus(ds.ID, dataset.StatusFinalized); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(te.store)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("a,b\n3,4\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got, _ := te.store.Get(ds.ID); got.Status == dataset.StatusLoaded {
			// The store must accept writes once the watcher has acted.
			if _, err := te.store.SetStatus(ds.ID, dataset.StatusAnalyzed); err != nil {
				t.Fatalf("store write after reload: %v", err)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("dataset was not sent back to loaded")
}

func TestEnvOptions(t *testing.T) {
	secret := []byte("test-secret")
	env := &Env{Auth: auth.NewVerifier(secret)}
	sign := func(claims jwt.MapClaims) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
		if err != nil {
			t.Fatal(err)
		}
		return "Bearer " + s
	}
	if opts := env.Options(sign(jwt.MapClaims{"sub": "ops", "admin": true})); !opts.Privileged {
		t.Error("admin token must yield privileged options")
	}
	if opts := env.Options(sign(jwt.MapClaims{"sub": "user"})); opts.Privileged {
		t.Error("non-admin token must not be privileged")
	}
	if opts := env.Options("Bearer garbage"); opts.Privileged {
		t.Error("invalid token must not be privileged")
	}
	if opts := (&Env{}).Options(""); opts.Privileged {
		t.Error("missing verifier must not be privileged")
	}
}
