package store

import (
	"errors"
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	if err := db.EnsureSearchIndex(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate; a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}

	// The search index is additive and re-runnable too.
	if err := db.EnsureSearchIndex(); err != nil {
		t.Fatal(err)
	}
}

func TestConversationUpsertAndList(t *testing.T) {
	db := testDB(t)

	c := &Conversation{ID: "c1", Peer: "bob", PairKey: "alice|bob", LastMessageSummary: "hi", LastUpdated: 1000}
	if err := db.UpsertConversation(c); err != nil {
		t.Fatal(err)
	}

	c.LastMessageSummary = "bye"
	c.LastUpdated = 2000
	c.UnreadCount = 3
	if err := db.UpsertConversation(c); err != nil {
		t.Fatal(err)
	}

	convs, err := db.ListConversations(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 {
		t.Fatalf("got %d conversations, want 1", len(convs))
	}
	if convs[0].LastMessageSummary != "bye" || convs[0].UnreadCount != 3 {
		t.Errorf("upsert did not replace fields: %+v", convs[0])
	}
}

func TestListConversationsOrdering(t *testing.T) {
	db := testDB(t)

	for _, c := range []Conversation{
		{ID: "old", Peer: "bob", PairKey: "alice|bob", LastUpdated: 1000},
		{ID: "new", Peer: "carol", PairKey: "alice|carol", LastUpdated: 3000},
		{ID: "mid", Peer: "dave", PairKey: "alice|dave", LastUpdated: 2000},
	} {
		c := c
		if err := db.UpsertConversation(&c); err != nil {
			t.Fatal(err)
		}
	}

	convs, err := db.ListConversations(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"new", "mid", "old"}
	for i, id := range want {
		if convs[i].ID != id {
			t.Errorf("convs[%d] = %q, want %q", i, convs[i].ID, id)
		}
	}
}

func TestGetConversationMissing(t *testing.T) {
	db := testDB(t)
	c, err := db.GetConversation("missing")
	if err != nil {
		t.Fatal(err)
	}
	if c != nil {
		t.Error("expected nil for missing conversation")
	}
}

func TestMessageUpsertIdempotent(t *testing.T) {
	db := testDB(t)

	m := &Message{ConversationID: "c1", MsgID: "m1", Sender: "bob", Kind: "text", Body: "hello", Payload: `{"text":"hello"}`, CreatedAt: 1000}
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}
	m.Body = "hello updated"
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1", 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent upsert failed)", len(msgs))
	}
	if msgs[0].Body != "hello updated" {
		t.Errorf("body = %q, want hello updated", msgs[0].Body)
	}
}

func TestMarkMessagesRead(t *testing.T) {
	db := testDB(t)

	for _, id := range []string{"m1", "m2"} {
		if err := db.UpsertMessage(&Message{ConversationID: "c1", MsgID: id, Sender: "bob", Kind: "text", Body: "x", Payload: "{}", CreatedAt: 1000}); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.MarkMessagesRead("c1", []string{"m1"}); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1", 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	read := map[string]bool{}
	for _, m := range msgs {
		read[m.MsgID] = m.Read
	}
	if !read["m1"] || read["m2"] {
		t.Errorf("read flags = %v, want m1 only", read)
	}
}

func TestTombstoneKeepsRow(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertMessage(&Message{ConversationID: "c1", MsgID: "m1", Sender: "bob", Kind: "text", Body: "secret", Payload: `{"text":"secret"}`, CreatedAt: 1000}); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkMessageDeleted("c1", "m1"); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1", 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("tombstoned message should keep its row, got %d", len(msgs))
	}
	if !msgs[0].Deleted || msgs[0].Body != "" {
		t.Errorf("tombstone should clear content: %+v", msgs[0])
	}
}

func TestSearchMessages(t *testing.T) {
	db := testDB(t)
	if !db.SearchAvailable() {
		t.Skip("sqlite built without fts5")
	}

	if err := db.UpsertMessage(&Message{ConversationID: "c1", MsgID: "m1", Sender: "bob", Kind: "text", Body: "hello world", Payload: "{}", CreatedAt: 1000}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(&Message{ConversationID: "c1", MsgID: "m2", Sender: "bob", Kind: "text", Body: "goodbye world", Payload: "{}", CreatedAt: 2000}); err != nil {
		t.Fatal(err)
	}

	results, err := db.SearchMessages("hello", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Message.MsgID != "m1" {
		t.Errorf("msg_id = %q, want m1", results[0].Message.MsgID)
	}

	// Tombstoned messages drop out of search.
	if err := db.MarkMessageDeleted("c1", "m1"); err != nil {
		t.Fatal(err)
	}
	results, err = db.SearchMessages("hello", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results after tombstone, want 0", len(results))
	}
}

func TestSearchUnavailableErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}

	// Without EnsureSearchIndex the cache must still work; search
	// reports a clear sentinel instead of a raw sqlite error.
	if db.SearchAvailable() {
		t.Error("search should be off before EnsureSearchIndex")
	}
	if _, err := db.SearchMessages("hello", "", 10); !errors.Is(err, ErrSearchUnavailable) {
		t.Errorf("err = %v, want ErrSearchUnavailable", err)
	}
	if err := db.UpsertMessage(&Message{ConversationID: "c1", MsgID: "m1", Sender: "bob", Kind: "text", Body: "x", Payload: "{}", CreatedAt: 1}); err != nil {
		t.Errorf("writes must keep working without the index: %v", err)
	}
}

func TestOutboxLifecycle(t *testing.T) {
	db := testDB(t)

	e := &OutboxEntry{ClientMsgID: "client1", ConversationID: "c1", Kind: "text", Body: "test msg", Payload: `{"text":"test msg"}`}
	if err := db.QueueOutbox(e); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ClientMsgID != "client1" {
		t.Fatalf("pending = %+v, want one entry client1", pending)
	}

	if err := db.MarkOutboxSending("client1"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxSent("client1"); err != nil {
		t.Fatal(err)
	}

	pending, err = db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("got %d pending after sent, want 0", len(pending))
	}
}

func TestRequeueFailedOutbox(t *testing.T) {
	db := testDB(t)

	if err := db.QueueOutbox(&OutboxEntry{ClientMsgID: "client1", ConversationID: "c1", Kind: "text", Body: "x", Payload: "{}"}); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxSending("client1"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxFailed("client1", "boom"); err != nil {
		t.Fatal(err)
	}
	if err := db.RequeueOutbox("client1"); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("got %d pending after requeue, want 1", len(pending))
	}
	if pending[0].Attempts != 1 {
		t.Errorf("attempts = %d, want 1 preserved across requeue", pending[0].Attempts)
	}
	if pending[0].ErrorMessage != "" {
		t.Errorf("error message should be cleared on requeue, got %q", pending[0].ErrorMessage)
	}
}
