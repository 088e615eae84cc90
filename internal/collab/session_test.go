package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"coauthor/api/internal/agent"
	"coauthor/api/internal/content"
	"coauthor/api/internal/crdt"
	"coauthor/api/internal/snapshot"
	"coauthor/api/internal/wire"
)

type fakeClient struct {
	id   string
	name string

	mu     sync.Mutex
	frames []wire.Envelope
}

func (f *fakeClient) ClientID() string    { return f.id }
func (f *fakeClient) DisplayName() string { return f.name }

func (f *fakeClient) Send(frame []byte) error {
	env, err := wire.Decode(frame)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, env)
	return nil
}

func (f *fakeClient) kinds() []wire.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.Kind, len(f.frames))
	for i, env := range f.frames {
		out[i] = env.Kind
	}
	return out
}

func (f *fakeClient) framesOf(kind wire.Kind) []wire.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []wire.Envelope
	for _, env := range f.frames {
		if env.Kind == kind {
			out = append(out, env)
		}
	}
	return out
}

type fakeStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
	vers  map[string]int64
	saves int

	loadFn func(ctx context.Context, docID string) ([]byte, int64, error)
	saveFn func(ctx context.Context, docID string, blob []byte, version int64) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{blobs: map[string][]byte{}, vers: map[string]int64{}}
}

func (f *fakeStore) Load(ctx context.Context, docID string) ([]byte, int64, error) {
	if f.loadFn != nil {
		return f.loadFn(ctx, docID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	blob, ok := f.blobs[docID]
	if !ok {
		return nil, 0, snapshot.ErrNotFound
	}
	return blob, f.vers[docID], nil
}

func (f *fakeStore) Save(ctx context.Context, docID string, blob []byte, version int64) error {
	f.mu.Lock()
	saveFn := f.saveFn
	f.mu.Unlock()
	if saveFn != nil {
		if err := saveFn(ctx, docID, blob, version); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[docID] = blob
	f.vers[docID] = version
	f.saves++
	return nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

type scriptedGenerator struct {
	chunks  []string
	full    string
	err     error
	release chan struct{}
}

func (g *scriptedGenerator) Generate(ctx context.Context, _ string, onChunk func(string) error) (string, error) {
	for _, chunk := range g.chunks {
		if err := onChunk(chunk); err != nil {
			return "", err
		}
	}
	if g.release != nil {
		select {
		case <-g.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if g.err != nil {
		return "", g.err
	}
	return g.full, nil
}

func newTestRegistry(t *testing.T, store snapshot.Store, gen agent.Generator) *Registry {
	t.Helper()
	r := NewRegistry(Options{
		Store:            store,
		Codec:            crdt.NewJSONDoc(),
		Generator:        gen,
		DebounceInterval: 20 * time.Millisecond,
		SaveRetryBackoff: time.Millisecond,
		PresenceTTL:      time.Minute,
		PresenceSweep:    time.Hour,
		QueryTimeout:     time.Minute,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Close(ctx)
	})
	return r
}

// settle waits until the session has processed everything queued before it.
func settle(t *testing.T, s *Session) {
	t.Helper()
	done := make(chan struct{})
	if err := s.post(func() { close(done) }); err != nil {
		return
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session queue stalled")
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// snapshotBlob encodes a document tree for the dev codec, with the anchor
// placeholder inline in the first paragraph.
func snapshotBlob(rev int64, doc *content.Node) []byte {
	raw, _ := json.Marshal(map[string]any{"rev": rev, "doc": doc})
	return raw
}

func docWithAnchor() *content.Node {
	return &content.Node{Type: content.TypeDoc, Content: []*content.Node{
		{Type: content.TypeParagraph, ID: "p1", Content: []*content.Node{
			{Type: content.TypeText, Text: "intro "},
			{Type: content.TypePlaceholder, ID: "anchor1"},
		}},
	}}
}

func TestJoinSendsSnapshotThenDeltasRelay(t *testing.T) {
	store := newFakeStore()
	reg := newTestRegistry(t, store, agent.Disabled{})
	alice := &fakeClient{id: "alice", name: "Alice"}
	bob := &fakeClient{id: "bob", name: "Bob"}

	sess, err := reg.Join(context.Background(), "doc1", alice)
	if err != nil {
		t.Fatalf("join alice: %v", err)
	}
	if _, err := reg.Join(context.Background(), "doc1", bob); err != nil {
		t.Fatalf("join bob: %v", err)
	}
	settle(t, sess)

	if kinds := alice.kinds(); len(kinds) == 0 || kinds[0] != wire.KindSnapshot {
		t.Fatalf("alice frames %v, want snapshot first", kinds)
	}
	if kinds := bob.kinds(); len(kinds) == 0 || kinds[0] != wire.KindSnapshot {
		t.Fatalf("bob frames %v, want snapshot first", kinds)
	}

	sess.ContentDelta("alice", snapshotBlob(1, docWithAnchor()))
	settle(t, sess)

	if got := len(alice.framesOf(wire.KindContentDelta)); got != 0 {
		t.Errorf("sender received %d of its own deltas", got)
	}
	deltas := bob.framesOf(wire.KindContentDelta)
	if len(deltas) != 1 {
		t.Fatalf("bob got %d deltas", len(deltas))
	}
	if deltas[0].Client != "alice" || deltas[0].Version != 1 {
		t.Errorf("delta attribution %s version %d", deltas[0].Client, deltas[0].Version)
	}
}

func TestJoinReturnsTheSameSession(t *testing.T) {
	store := newFakeStore()
	reg := newTestRegistry(t, store, agent.Disabled{})

	s1, err := reg.Join(context.Background(), "doc1", &fakeClient{id: "a"})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	s2, err := reg.Join(context.Background(), "doc1", &fakeClient{id: "b"})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if s1 != s2 {
		t.Fatal("two sessions exist for one document")
	}
}

func TestContentDeltaDebouncesIntoOneSave(t *testing.T) {
	store := newFakeStore()
	reg := newTestRegistry(t, store, agent.Disabled{})
	alice := &fakeClient{id: "alice"}
	sess, err := reg.Join(context.Background(), "doc1", alice)
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	for rev := int64(1); rev <= 5; rev++ {
		sess.ContentDelta("alice", snapshotBlob(rev, docWithAnchor()))
	}
	settle(t, sess)

	waitFor(t, 2*time.Second, func() bool { return store.saveCount() == 1 })
	time.Sleep(50 * time.Millisecond)
	if store.saveCount() != 1 {
		t.Fatalf("saved %d times, want 1", store.saveCount())
	}
	store.mu.Lock()
	ver := store.vers["doc1"]
	store.mu.Unlock()
	if ver != 5 {
		t.Errorf("saved version %d, want 5", ver)
	}
}

func TestQueryStreamsAndSplicesResponse(t *testing.T) {
	store := newFakeStore()
	store.blobs["doc1"] = snapshotBlob(1, docWithAnchor())
	store.vers["doc1"] = 1
	gen := &scriptedGenerator{chunks: []string{"Hello", " ", "world"}, full: "Hello world"}
	reg := newTestRegistry(t, store, gen)
	alice := &fakeClient{id: "alice"}
	bob := &fakeClient{id: "bob"}

	sess, err := reg.Join(context.Background(), "doc1", alice)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := reg.Join(context.Background(), "doc1", bob); err != nil {
		t.Fatalf("join: %v", err)
	}
	settle(t, sess)

	sess.StartQuery("alice", "q1", "anchor1", "greet the world")
	waitFor(t, 2*time.Second, func() bool { return len(bob.framesOf(wire.KindQueryDone)) == 1 })
	settle(t, sess)

	// Bob saw the announcement, each chunk, and the completion.
	if got := len(bob.framesOf(wire.KindQueryStart)); got != 1 {
		t.Errorf("bob got %d query_start frames", got)
	}
	chunks := bob.framesOf(wire.KindQueryChunk)
	if len(chunks) != 3 {
		t.Fatalf("bob got %d chunks", len(chunks))
	}
	if chunks[0].Query.Text != "Hello" || chunks[2].Query.Text != "world" {
		t.Errorf("chunk order wrong: %q %q %q", chunks[0].Query.Text, chunks[1].Query.Text, chunks[2].Query.Text)
	}
	// The initiator gets chunks too, but not its own query_start echo.
	if got := len(alice.framesOf(wire.KindQueryChunk)); got != 3 {
		t.Errorf("alice got %d chunks", got)
	}
	if got := len(alice.framesOf(wire.KindQueryStart)); got != 0 {
		t.Errorf("alice got %d query_start echoes", got)
	}

	done := bob.framesOf(wire.KindQueryDone)[0]
	if done.Query.ID != "q1" || len(done.Query.Ops) == 0 {
		t.Errorf("query_done frame incomplete: %+v", done.Query)
	}

	// The response replaced the placeholder in the session document.
	waitFor(t, 2*time.Second, func() bool { return store.saveCount() >= 1 })
	store.mu.Lock()
	blob := store.blobs["doc1"]
	store.mu.Unlock()
	tree, err := crdt.NewJSONDoc().DecodeTree(blob)
	if err != nil {
		t.Fatalf("decode saved tree: %v", err)
	}
	if got := tree.PlainText(); got != "intro Hello world" {
		t.Errorf("document text %q", got)
	}
}

func TestQueryConflictWhenAnchorDeleted(t *testing.T) {
	store := newFakeStore()
	store.blobs["doc1"] = snapshotBlob(1, docWithAnchor())
	store.vers["doc1"] = 1
	gen := &scriptedGenerator{chunks: []string{"late"}, full: "late", release: make(chan struct{})}
	reg := newTestRegistry(t, store, gen)
	alice := &fakeClient{id: "alice"}

	sess, err := reg.Join(context.Background(), "doc1", alice)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	sess.StartQuery("alice", "q1", "anchor1", "question")
	settle(t, sess)

	// Another editor deletes the paragraph holding the anchor while the
	// response is still streaming.
	emptyDoc := &content.Node{Type: content.TypeDoc}
	sess.ContentDelta("alice", snapshotBlob(2, emptyDoc))
	settle(t, sess)
	close(gen.release)

	waitFor(t, 2*time.Second, func() bool { return len(alice.framesOf(wire.KindQueryError)) == 1 })
	errFrame := alice.framesOf(wire.KindQueryError)[0]
	if errFrame.Query.ErrorKind != wire.ErrorKindConflict {
		t.Errorf("error kind %q, want conflict", errFrame.Query.ErrorKind)
	}
}

func TestCancelQueryMidStream(t *testing.T) {
	store := newFakeStore()
	store.blobs["doc1"] = snapshotBlob(1, docWithAnchor())
	store.vers["doc1"] = 1
	gen := &scriptedGenerator{chunks: []string{"partial"}, full: "never delivered", release: make(chan struct{})}
	reg := newTestRegistry(t, store, gen)
	alice := &fakeClient{id: "alice"}
	bob := &fakeClient{id: "bob"}

	sess, err := reg.Join(context.Background(), "doc1", alice)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := reg.Join(context.Background(), "doc1", bob); err != nil {
		t.Fatalf("join: %v", err)
	}

	sess.StartQuery("alice", "q1", "anchor1", "question")
	waitFor(t, 2*time.Second, func() bool { return len(bob.framesOf(wire.KindQueryChunk)) == 1 })

	sess.CancelQuery("alice", "q1")
	waitFor(t, 2*time.Second, func() bool { return len(bob.framesOf(wire.KindQueryCancel)) == 1 })
	settle(t, sess)

	if got := len(bob.framesOf(wire.KindQueryDone)); got != 0 {
		t.Errorf("cancelled query still completed (%d done frames)", got)
	}
	// The placeholder is untouched; local cleanup is the editor's job.
	var blob []byte
	grabbed := make(chan struct{})
	if err := sess.post(func() {
		blob = append([]byte(nil), sess.snapshot...)
		close(grabbed)
	}); err != nil {
		t.Fatalf("post: %v", err)
	}
	<-grabbed
	tree, err := crdt.NewJSONDoc().DecodeTree(blob)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, idx := findAnchor(tree, "anchor1"); idx < 0 {
		t.Errorf("anchor removed by cancelled query")
	}
}

func findAnchor(n *content.Node, id string) (*content.Node, int) {
	for i, child := range n.Content {
		if child.ID == id {
			return n, i
		}
		if p, idx := findAnchor(child, id); p != nil {
			return p, idx
		}
	}
	return nil, -1
}

func TestDuplicateQueryIDIgnored(t *testing.T) {
	store := newFakeStore()
	store.blobs["doc1"] = snapshotBlob(1, docWithAnchor())
	store.vers["doc1"] = 1
	gen := &scriptedGenerator{full: "reply", release: make(chan struct{})}
	reg := newTestRegistry(t, store, gen)
	alice := &fakeClient{id: "alice"}
	bob := &fakeClient{id: "bob"}

	sess, err := reg.Join(context.Background(), "doc1", alice)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := reg.Join(context.Background(), "doc1", bob); err != nil {
		t.Fatalf("join: %v", err)
	}

	sess.StartQuery("alice", "q1", "anchor1", "first")
	sess.StartQuery("alice", "q1", "anchor1", "second")
	settle(t, sess)

	if got := len(bob.framesOf(wire.KindQueryStart)); got != 1 {
		t.Errorf("bob saw %d query_start frames, want 1", got)
	}
	close(gen.release)
}

func TestEditingContinuesWhileSaveHangs(t *testing.T) {
	store := newFakeStore()
	saveStarted := make(chan struct{}, 8)
	release := make(chan struct{})
	defer close(release)
	store.saveFn = func(ctx context.Context, _ string, _ []byte, _ int64) error {
		saveStarted <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}
	reg := newTestRegistry(t, store, agent.Disabled{})
	alice := &fakeClient{id: "alice"}
	bob := &fakeClient{id: "bob"}

	sess, err := reg.Join(context.Background(), "doc1", alice)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := reg.Join(context.Background(), "doc1", bob); err != nil {
		t.Fatalf("join: %v", err)
	}

	sess.ContentDelta("alice", snapshotBlob(1, docWithAnchor()))
	select {
	case <-saveStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("debounced save never started")
	}

	// The store is hanging. Further edits must still flow.
	sess.ContentDelta("alice", snapshotBlob(2, docWithAnchor()))
	waitFor(t, 2*time.Second, func() bool {
		return len(bob.framesOf(wire.KindContentDelta)) == 2
	})
}

func TestDrainCompletesWithSaturatedInbox(t *testing.T) {
	store := newFakeStore()
	reg := newTestRegistry(t, store, agent.Disabled{})
	alice := &fakeClient{id: "alice"}

	sess, err := reg.Join(context.Background(), "doc1", alice)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	settle(t, sess)

	// Park the worker, queue the final leave, then overfill the inbox so
	// producers are blocked on it when the leave is processed.
	gate := make(chan struct{})
	sess.postAsync(func() { <-gate })
	sess.Leave("alice")

	var wg sync.WaitGroup
	for i := 0; i < inboxSize+16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess.postAsync(func() {})
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)

	waitFor(t, 3*time.Second, func() bool { return reg.lookup("doc1") == nil })
	wg.Wait()
}

func TestConcurrentJoinsShareOneSession(t *testing.T) {
	store := newFakeStore()
	store.loadFn = func(context.Context, string) ([]byte, int64, error) {
		// Stretch the build-outside-lock window so creators actually race.
		time.Sleep(5 * time.Millisecond)
		return nil, 0, snapshot.ErrNotFound
	}
	reg := newTestRegistry(t, store, agent.Disabled{})

	const joiners = 16
	sessions := make([]*Session, joiners)
	var wg sync.WaitGroup
	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := &fakeClient{id: fmt.Sprintf("client%d", i)}
			s, err := reg.Join(context.Background(), "doc1", c)
			if err != nil {
				t.Errorf("join %d: %v", i, err)
				return
			}
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	for i := 1; i < joiners; i++ {
		if sessions[i] != sessions[0] {
			t.Fatal("two sessions exist for one document")
		}
	}
	var connected int
	grabbed := make(chan struct{})
	if err := sessions[0].post(func() {
		connected = len(sessions[0].clients)
		close(grabbed)
	}); err != nil {
		t.Fatalf("post: %v", err)
	}
	<-grabbed
	if connected != joiners {
		t.Errorf("%d clients connected, want %d", connected, joiners)
	}
}

func TestLastLeaveDrainsSession(t *testing.T) {
	store := newFakeStore()
	reg := newTestRegistry(t, store, agent.Disabled{})
	alice := &fakeClient{id: "alice"}
	bob := &fakeClient{id: "bob"}

	sess, err := reg.Join(context.Background(), "doc1", alice)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := reg.Join(context.Background(), "doc1", bob); err != nil {
		t.Fatalf("join: %v", err)
	}
	sess.ContentDelta("alice", snapshotBlob(1, docWithAnchor()))

	sess.Leave("alice")
	settle(t, sess)
	if reg.lookup("doc1") == nil {
		t.Fatal("session drained while a client was still connected")
	}

	sess.Leave("bob")
	waitFor(t, 2*time.Second, func() bool { return reg.lookup("doc1") == nil })

	// The drain flushed the latest state exactly as written.
	store.mu.Lock()
	ver := store.vers["doc1"]
	store.mu.Unlock()
	if ver != 1 {
		t.Errorf("flushed version %d, want 1", ver)
	}

	// A fresh join builds a new session from the stored snapshot.
	s2, err := reg.Join(context.Background(), "doc1", &fakeClient{id: "carol"})
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if s2 == sess {
		t.Fatal("drained session was reused")
	}
	settle(t, s2)
	if s2.version != 1 {
		t.Errorf("rejoined session at version %d, want 1", s2.version)
	}
}

func TestRejoinDuringDrainCancelsTeardown(t *testing.T) {
	store := newFakeStore()
	reg := newTestRegistry(t, store, agent.Disabled{})
	alice := &fakeClient{id: "alice"}

	sess, err := reg.Join(context.Background(), "doc1", alice)
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	// Queue the leave and an immediate rejoin back to back. The rejoin
	// lands before the drain step runs and must cancel it.
	sess.Leave("alice")
	if err := sess.join(&fakeClient{id: "alice2"}); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	settle(t, sess)

	if reg.lookup("doc1") != sess {
		t.Fatal("session drained despite the rejoin")
	}
}

func TestSaveFailureBroadcastsWarning(t *testing.T) {
	store := newFakeStore()
	store.saveFn = func(context.Context, string, []byte, int64) error {
		return errors.New("disk on fire")
	}
	reg := newTestRegistry(t, store, agent.Disabled{})
	alice := &fakeClient{id: "alice"}

	sess, err := reg.Join(context.Background(), "doc1", alice)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	sess.ContentDelta("alice", snapshotBlob(1, docWithAnchor()))

	waitFor(t, 2*time.Second, func() bool { return len(alice.framesOf(wire.KindSaveWarning)) >= 1 })
	warn := alice.framesOf(wire.KindSaveWarning)[0]
	if warn.Reason == "" {
		t.Error("save warning carries no reason")
	}
}

func TestRegistryCloseFlushesAndRejectsJoins(t *testing.T) {
	store := newFakeStore()
	reg := newTestRegistry(t, store, agent.Disabled{})
	alice := &fakeClient{id: "alice"}

	sess, err := reg.Join(context.Background(), "doc1", alice)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	sess.ContentDelta("alice", snapshotBlob(1, docWithAnchor()))
	settle(t, sess)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := reg.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	if store.saveCount() == 0 {
		t.Error("shutdown did not flush the open session")
	}
	if _, err := reg.Join(context.Background(), "doc2", &fakeClient{id: "bob"}); !errors.Is(err, ErrRegistryClosed) {
		t.Errorf("join after close: %v", err)
	}
}
