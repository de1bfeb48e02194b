package blocks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestPage(t *testing.T, s *Store, name string) Page {
	t.Helper()
	p, err := s.CreatePage(context.Background(), name)
	if err != nil {
		t.Fatalf("CreatePage(%q): %v", name, err)
	}
	return p
}

func appendTestBlock(t *testing.T, s *Store, pageID, content string, props map[string]string) Block {
	t.Helper()
	b, err := s.AppendBlock(context.Background(), pageID, content, props)
	if err != nil {
		t.Fatalf("AppendBlock: %v", err)
	}
	return b
}

func blockIDs(bs []Block) []string {
	ids := make([]string, len(bs))
	for i, b := range bs {
		ids[i] = b.UUID
	}
	return ids
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if diff := cmp.Diff(v1, v2); diff != "" {
		t.Errorf("applied migrations changed (-first +second):\n%s", diff)
	}
	if len(v1) != 3 {
		t.Errorf("applied %d migrations, want 3", len(v1))
	}
}

func TestCreateAndGetPage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p := createTestPage(t, s, "Chat 1")

	got, err := s.GetPage(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	if got.Name != "Chat 1" {
		t.Errorf("Name = %q, want %q", got.Name, "Chat 1")
	}

	byName, err := s.ResolvePage(ctx, "Chat 1")
	if err != nil {
		t.Fatalf("ResolvePage: %v", err)
	}
	if byName.ID != p.ID {
		t.Errorf("ResolvePage ID = %q, want %q", byName.ID, p.ID)
	}

	if _, err := s.GetPage(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetPage(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := s.CreatePage(ctx, "Chat 1"); err == nil {
		t.Error("expected error creating duplicate page name")
	}
}

func TestAppendKeepsPageOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p := createTestPage(t, s, "p")

	a := appendTestBlock(t, s, p.ID, "a", map[string]string{"role": "user"})
	b := appendTestBlock(t, s, p.ID, "b", nil)
	c := appendTestBlock(t, s, p.ID, "c", map[string]string{"role": "assistant", "thread-id": "t1"})

	got, err := s.PageBlocks(ctx, p.ID)
	if err != nil {
		t.Fatalf("PageBlocks: %v", err)
	}
	want := []string{a.UUID, b.UUID, c.UUID}
	if diff := cmp.Diff(want, blockIDs(got)); diff != "" {
		t.Errorf("page order mismatch (-want +got):\n%s", diff)
	}
	if got[2].Property("thread-id") != "t1" {
		t.Errorf("thread-id = %q, want %q", got[2].Property("thread-id"), "t1")
	}
	if got[1].Properties == nil {
		t.Error("Properties should be an empty map, not nil")
	}

	if _, err := s.PageBlocks(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("PageBlocks(nope) error = %v, want ErrNotFound", err)
	}
	if _, err := s.AppendBlock(ctx, "nope", "x", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("AppendBlock(nope) error = %v, want ErrNotFound", err)
	}
}

func TestUpdateRemoveMove(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p := createTestPage(t, s, "p")
	a := appendTestBlock(t, s, p.ID, "a", nil)
	b := appendTestBlock(t, s, p.ID, "b", nil)
	c := appendTestBlock(t, s, p.ID, "c", nil)

	if err := s.UpdateBlock(ctx, b.UUID, "b2"); err != nil {
		t.Fatalf("UpdateBlock: %v", err)
	}
	got, err := s.GetBlock(ctx, b.UUID)
	if err != nil {
		t.Fatalf("GetBlock: %v", err)
	}
	if got.Content != "b2" {
		t.Errorf("Content = %q, want %q", got.Content, "b2")
	}

	if err := s.MoveBlock(ctx, c.UUID, 0); err != nil {
		t.Fatalf("MoveBlock: %v", err)
	}
	page, _ := s.PageBlocks(ctx, p.ID)
	if diff := cmp.Diff([]string{c.UUID, a.UUID, b.UUID}, blockIDs(page)); diff != "" {
		t.Errorf("order after move (-want +got):\n%s", diff)
	}

	if err := s.RemoveBlock(ctx, a.UUID); err != nil {
		t.Fatalf("RemoveBlock: %v", err)
	}
	page, _ = s.PageBlocks(ctx, p.ID)
	if diff := cmp.Diff([]string{c.UUID, b.UUID}, blockIDs(page)); diff != "" {
		t.Errorf("order after remove (-want +got):\n%s", diff)
	}

	if err := s.UpdateBlock(ctx, a.UUID, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateBlock(removed) error = %v, want ErrNotFound", err)
	}

	// Appending after a move continues after the highest position.
	d := appendTestBlock(t, s, p.ID, "d", nil)
	page, _ = s.PageBlocks(ctx, p.ID)
	if page[len(page)-1].UUID != d.UUID {
		t.Errorf("appended block is not last: %v", blockIDs(page))
	}
}

func TestQueryBlocksByProperty(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p1 := createTestPage(t, s, "p1")
	p2 := createTestPage(t, s, "p2")
	appendTestBlock(t, s, p1.ID, "x", map[string]string{"thread-id": "t1"})
	appendTestBlock(t, s, p1.ID, "y", map[string]string{"thread-id": "t2"})
	z := appendTestBlock(t, s, p2.ID, "z", map[string]string{"thread-id": "t1"})

	all, err := s.QueryBlocks(ctx, Query{Property: "thread-id", Value: "t1"})
	if err != nil {
		t.Fatalf("QueryBlocks: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d blocks, want 2", len(all))
	}

	scoped, err := s.QueryBlocks(ctx, Query{PageID: p2.ID, Property: "thread-id", Value: "t1"})
	if err != nil {
		t.Fatalf("QueryBlocks: %v", err)
	}
	if diff := cmp.Diff([]string{z.UUID}, blockIDs(scoped)); diff != "" {
		t.Errorf("scoped query (-want +got):\n%s", diff)
	}

	if _, err := s.QueryBlocks(ctx, Query{Property: `bad"name`}); err == nil {
		t.Error("expected error for invalid property name")
	}
}

func TestSetPageProperty(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p := createTestPage(t, s, "p")

	if err := s.SetPageProperty(ctx, p.ID, "current-thread", "t1"); err != nil {
		t.Fatalf("SetPageProperty: %v", err)
	}
	got, _ := s.GetPage(ctx, p.ID)
	if got.Properties["current-thread"] != "t1" {
		t.Errorf("current-thread = %q, want %q", got.Properties["current-thread"], "t1")
	}

	if err := s.SetPageProperty(ctx, p.ID, "current-thread", ""); err != nil {
		t.Fatalf("SetPageProperty clear: %v", err)
	}
	got, _ = s.GetPage(ctx, p.ID)
	if _, ok := got.Properties["current-thread"]; ok {
		t.Error("current-thread should be removed")
	}

	if err := s.SetPageProperty(ctx, "missing", "k", "v"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetPageProperty(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSubscribeReceivesChanges(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p := createTestPage(t, s, "p")

	var got []Change
	unsub := s.Subscribe(func(c Change) { got = append(got, c) })

	b := appendTestBlock(t, s, p.ID, "a", nil)
	if err := s.UpdateBlock(ctx, b.UUID, "a2"); err != nil {
		t.Fatalf("UpdateBlock: %v", err)
	}
	if err := s.RemoveBlock(ctx, b.UUID); err != nil {
		t.Fatalf("RemoveBlock: %v", err)
	}
	unsub()
	appendTestBlock(t, s, p.ID, "ignored", nil)

	want := []Change{
		{Kind: ChangeBlockAdded, PageID: p.ID, BlockID: b.UUID},
		{Kind: ChangeBlockUpdated, PageID: p.ID, BlockID: b.UUID},
		{Kind: ChangeBlockRemoved, PageID: p.ID, BlockID: b.UUID},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("changes (-want +got):\n%s", diff)
	}
}

func TestJobQueue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueIndex(ctx, "page", "block"); err != nil {
		t.Fatalf("EnqueueIndex: %v", err)
	}

	job, err := s.ClaimNextJob(ctx, []string{JobTypeIndexBlock})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if job == nil {
		t.Fatal("expected a job")
	}
	if job.Status != "running" {
		t.Errorf("Status = %q, want running", job.Status)
	}

	again, err := s.ClaimNextJob(ctx, []string{JobTypeIndexBlock})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if again != nil {
		t.Errorf("claimed running job twice: %+v", again)
	}

	if err := s.FailJob(ctx, job.ID, "boom"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	stored, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if stored.Status != "pending" || stored.Attempts != 1 || stored.LastError != "boom" {
		t.Errorf("after FailJob: status=%q attempts=%d last_error=%q", stored.Status, stored.Attempts, stored.LastError)
	}
	if !stored.RunAfter.After(time.Now().UTC()) {
		t.Errorf("RunAfter = %v, want a backoff in the future", stored.RunAfter)
	}

	if err := s.CompleteJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("CompleteJob(missing) error = %v, want ErrNotFound", err)
	}
}

func TestWatcherReportsExternalWrites(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	w, err := NewWatcher(s, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	var once sync.Once
	external := make(chan struct{})
	unsub := s.Subscribe(func(c Change) {
		if c.Kind == ChangeExternal {
			once.Do(func() { close(external) })
		}
	})
	defer unsub()

	other, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer other.Close()
	if _, err := other.CreatePage(context.Background(), "from elsewhere"); err != nil {
		t.Fatalf("CreatePage: %v", err)
	}

	select {
	case <-external:
	case <-time.After(3 * time.Second):
		t.Fatal("no external change reported")
	}
}

func TestWatcherRejectsMemoryStore(t *testing.T) {
	s := openTestStore(t)
	if _, err := NewWatcher(s, time.Millisecond); err == nil {
		t.Error("expected error watching in-memory store")
	}
}
