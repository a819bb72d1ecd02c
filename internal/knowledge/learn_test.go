package knowledge

import (
	"context"
	"testing"
	"time"

	sala "github.com/nitad/sala"
)

func TestCanonicalProject(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://github.com/Owner/Repo.git", "github.com/owner/repo"},
		{"git@github.com:owner/repo", "github.com/owner/repo"},
		{"github.com/owner/repo", "github.com/owner/repo"},
		{"github.com/owner/repo/subdir", "github.com/owner/repo"},
		{"", ""},
		{"just-a-name", "just-a-name"},
	}
	for _, tt := range tests {
		if got := CanonicalProject(tt.in); got != tt.want {
			t.Errorf("CanonicalProject(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLearnWritesAndSyncs(t *testing.T) {
	fs := newFakeStore()
	vec := &fakeVectors{}
	e := newTestEngine(fs, &fakeEmbedder{}, vec)

	id, err := e.Learn(context.Background(), LearnRequest{
		Title:    "Backup policy",
		Content:  "Backups run nightly and are verified weekly.",
		Concepts: []string{"backups", "operations"},
		Project:  "https://github.com/nitad/sala",
	})
	if err != nil {
		t.Fatalf("learn: %v", err)
	}

	doc, ok := fs.docs[id]
	if !ok {
		t.Fatal("document not stored")
	}
	if doc.CreatedBy != sala.ByLearnAPI {
		t.Errorf("created_by = %s", doc.CreatedBy)
	}
	if doc.Project != "github.com/nitad/sala" {
		t.Errorf("project = %q", doc.Project)
	}
	if doc.Sync != sala.SyncSynced {
		t.Errorf("sync = %s, want synced", doc.Sync)
	}
	if len(vec.upserts) == 0 {
		t.Error("no vectors upserted")
	}
}

func TestLearnSupersedesPrior(t *testing.T) {
	fs := newFakeStore()
	e := newTestEngine(fs, nil, nil)
	ctx := context.Background()

	first, err := e.Learn(ctx, LearnRequest{Title: "Backup policy", Content: "v1"})
	if err != nil {
		t.Fatalf("first learn: %v", err)
	}
	second, err := e.Learn(ctx, LearnRequest{Title: "backup POLICY", Content: "v2"})
	if err != nil {
		t.Fatalf("second learn: %v", err)
	}

	if fs.docs[first].SupersededBy != second {
		t.Errorf("old doc superseded_by = %q, want %q", fs.docs[first].SupersededBy, second)
	}
	if _, ok := fs.docs[first]; !ok {
		t.Error("superseded document was deleted")
	}
	if len(fs.sups) != 1 {
		t.Errorf("supersession records = %d", len(fs.sups))
	}
}

func TestLearnRejectsEmptyContent(t *testing.T) {
	e := newTestEngine(newFakeStore(), nil, nil)
	if _, err := e.Learn(context.Background(), LearnRequest{Title: "x", Content: "  "}); err == nil {
		t.Error("empty content accepted")
	}
}

func TestReconcileSyncRetriesThenFails(t *testing.T) {
	fs := newFakeStore()
	fs.addDoc("d1", sala.LayerSemantic, "")
	d := fs.docs["d1"]
	d.Sync = sala.SyncPending
	fs.docs["d1"] = d
	fs.chunks["d1"] = []sala.Chunk{{ID: "c1", DocumentID: "d1", Content: "x", Total: 1}}

	vec := &fakeVectors{fail: true}
	e := newTestEngine(fs, &fakeEmbedder{}, vec)
	ctx := context.Background()

	for i := 0; i < maxSyncRetries; i++ {
		if n := e.ReconcileSync(ctx); n != 0 {
			t.Fatalf("attempt %d synced %d docs with the vector store down", i, n)
		}
		fs.ageDoc("d1", time.Hour)
	}
	if fs.docs["d1"].Sync != sala.SyncFailed {
		t.Errorf("sync = %s after %d attempts, want failed", fs.docs["d1"].Sync, maxSyncRetries)
	}

	// Failed documents are out of the pending set; recovery needs an
	// explicit re-learn or rebuild.
	vec.fail = false
	if n := e.ReconcileSync(ctx); n != 0 {
		t.Errorf("failed doc was retried: %d", n)
	}
}

func TestReconcileSyncRecovers(t *testing.T) {
	fs := newFakeStore()
	fs.addDoc("d1", sala.LayerSemantic, "")
	d := fs.docs["d1"]
	d.Sync = sala.SyncPending
	fs.docs["d1"] = d
	fs.chunks["d1"] = []sala.Chunk{{ID: "c1", DocumentID: "d1", Content: "x", Total: 1}}

	vec := &fakeVectors{fail: true}
	e := newTestEngine(fs, &fakeEmbedder{}, vec)
	ctx := context.Background()

	e.ReconcileSync(ctx) // one failed attempt
	vec.fail = false

	// The retry window has not opened yet; the document must be left alone
	// rather than hammered on the next tick.
	if n := e.ReconcileSync(ctx); n != 0 {
		t.Fatalf("backoff ignored, synced %d docs immediately after failure", n)
	}

	fs.ageDoc("d1", time.Hour)
	if n := e.ReconcileSync(ctx); n != 1 {
		t.Fatalf("recovered sync count = %d, want 1", n)
	}
	if fs.docs["d1"].Sync != sala.SyncSynced {
		t.Errorf("sync = %s, want synced", fs.docs["d1"].Sync)
	}
}

func TestSyncBackoffDoubles(t *testing.T) {
	now := time.Now()
	doc := sala.Document{SyncRetries: 2, UpdatedAt: now.Add(-90 * time.Second).Unix()}
	if syncDue(doc, now) {
		t.Error("second retry due before its doubled window")
	}
	doc.UpdatedAt = now.Add(-3 * time.Minute).Unix()
	if !syncDue(doc, now) {
		t.Error("second retry not due after its window")
	}
	if !syncDue(sala.Document{}, now) {
		t.Error("fresh document gated by backoff")
	}
}
