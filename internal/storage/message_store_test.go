package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"panthalassa/go-core/internal/securestore"
	"panthalassa/go-core/pkg/models"
)

func seedThread(t *testing.T, s *MessageStore, partner string, n int, base time.Time) []models.Message {
	t.Helper()
	out := make([]models.Message, 0, n)
	for i := 0; i < n; i++ {
		msg := models.Message{
			ID:        partner + "-" + string(rune('a'+i)),
			Partner:   partner,
			Body:      "hello",
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Direction: models.DirectionIn,
			Status:    models.MessageStatusDelivered,
		}
		if err := s.SaveMessage(msg); err != nil {
			t.Fatalf("save message failed: %v", err)
		}
		out = append(out, msg)
	}
	return out
}

func TestMessageStatusMonotonicTransitions(t *testing.T) {
	s := NewMessageStore()
	msg := models.Message{
		ID:        "m1",
		Partner:   "p1",
		Status:    models.MessageStatusPending,
		Direction: models.DirectionOut,
		Timestamp: time.Now().UTC(),
	}
	if err := s.SaveMessage(msg); err != nil {
		t.Fatalf("save message failed: %v", err)
	}
	for _, status := range []string{models.MessageStatusSent, models.MessageStatusRead, models.MessageStatusDelivered} {
		if _, err := s.UpdateMessageStatus("m1", status); err != nil {
			t.Fatalf("set %s failed: %v", status, err)
		}
	}
	got, ok := s.GetMessage("m1")
	if !ok {
		t.Fatal("message not found")
	}
	if got.Status != models.MessageStatusRead {
		t.Fatalf("expected final status read, got %s", got.Status)
	}
	if found, err := s.UpdateMessageStatus("missing", models.MessageStatusRead); found || err != nil {
		t.Fatalf("unknown message should report not found, got %v %v", found, err)
	}
}

func TestMessageStoreRejectsMessageIDConflict(t *testing.T) {
	s := NewMessageStore()
	base := models.Message{
		ID:        "dup-1",
		Partner:   "p1",
		Body:      "first",
		Timestamp: time.Now().UTC(),
		Direction: models.DirectionIn,
		Status:    models.MessageStatusDelivered,
	}
	if err := s.SaveMessage(base); err != nil {
		t.Fatalf("save base message failed: %v", err)
	}
	if err := s.SaveMessage(base); err != nil {
		t.Fatalf("identical save should be idempotent, got %v", err)
	}
	conflict := base
	conflict.Body = "second"
	if err := s.SaveMessage(conflict); !errors.Is(err, ErrMessageIDConflict) {
		t.Fatalf("expected ErrMessageIDConflict, got %v", err)
	}
}

func TestMessagesPagesBackwardsFromCursor(t *testing.T) {
	s := NewMessageStore()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	thread := seedThread(t, s, "p1", 5, base)
	seedThread(t, s, "p2", 2, base)

	latest, err := s.Messages("p1", "", 2)
	if err != nil {
		t.Fatalf("messages failed: %v", err)
	}
	if len(latest) != 2 || latest[0].ID != thread[3].ID || latest[1].ID != thread[4].ID {
		t.Fatalf("unexpected newest page: %+v", latest)
	}

	older, err := s.Messages("p1", latest[0].ID, 10)
	if err != nil {
		t.Fatalf("messages with cursor failed: %v", err)
	}
	if len(older) != 3 || older[0].ID != thread[0].ID || older[2].ID != thread[2].ID {
		t.Fatalf("unexpected older page: %+v", older)
	}

	if _, err := s.Messages("p1", "nope", 1); !errors.Is(err, ErrUnknownCursor) {
		t.Fatalf("expected ErrUnknownCursor, got %v", err)
	}
	for _, amount := range []int{0, MaxPageSize + 1} {
		if _, err := s.Messages("p1", "", amount); !errors.Is(err, ErrInvalidPageSize) {
			t.Fatalf("expected ErrInvalidPageSize for %d, got %v", amount, err)
		}
	}
	empty, err := s.Messages("nobody", "", 5)
	if err != nil || len(empty) != 0 {
		t.Fatalf("unknown partner should yield empty page, got %v %v", empty, err)
	}
}

func TestMarkReadAndChatSummaries(t *testing.T) {
	s := NewMessageStore()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	seedThread(t, s, "p1", 3, base)
	seedThread(t, s, "p2", 1, base.Add(time.Hour))
	if err := s.SaveMessage(models.Message{
		ID: "out-1", Partner: "p1", Timestamp: base.Add(-time.Minute),
		Direction: models.DirectionOut, Status: models.MessageStatusSent,
	}); err != nil {
		t.Fatalf("save outbound failed: %v", err)
	}

	chats := s.AllChats()
	if len(chats) != 2 || chats[0].Partner != "p2" {
		t.Fatalf("expected most recent chat first, got %+v", chats)
	}
	if chats[1].Unread != 3 || chats[1].Total != 4 || chats[1].LastMessageID != "p1-c" {
		t.Fatalf("unexpected summary for p1: %+v", chats[1])
	}

	changed, err := s.MarkRead("p1")
	if err != nil {
		t.Fatalf("mark read failed: %v", err)
	}
	if changed != 3 {
		t.Fatalf("expected 3 messages marked read, got %d", changed)
	}
	if out, _ := s.GetMessage("out-1"); out.Status != models.MessageStatusSent {
		t.Fatalf("outbound message must keep its status, got %s", out.Status)
	}
	again, err := s.MarkRead("p1")
	if err != nil || again != 0 {
		t.Fatalf("second mark read should be a no-op, got %d %v", again, err)
	}
	for _, c := range s.AllChats() {
		if c.Partner == "p1" && c.Unread != 0 {
			t.Fatalf("expected no unread messages for p1, got %d", c.Unread)
		}
	}
}

func TestMessageStoreRollbackOnPersistError(t *testing.T) {
	store := &MessageStore{
		messages: map[string]models.Message{
			"m1": {ID: "m1", Partner: "p1", Direction: models.DirectionIn, Status: models.MessageStatusDelivered},
		},
		// A directory path makes the final rename fail.
		file: snapshotFile{path: t.TempDir(), sealer: securestore.NewSealer("pass")},
	}
	if err := store.SaveMessage(models.Message{ID: "m2", Partner: "p1"}); err == nil {
		t.Fatal("expected save error")
	}
	if _, ok := store.GetMessage("m2"); ok {
		t.Fatal("message must not stay in memory after persist failure")
	}
	if _, err := store.MarkRead("p1"); err == nil {
		t.Fatal("expected mark read error")
	}
	if got, _ := store.GetMessage("m1"); got.Status != models.MessageStatusDelivered {
		t.Fatalf("status changed in memory on persist failure: %s", got.Status)
	}
}

func TestPersistentMessageStoreReloadAndTamper(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secure", "messages.enc")
	store, err := OpenMessageStore(path, securestore.NewSealer("pass"))
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	seedThread(t, store, "p1", 2, time.Now().UTC())

	reopened, err := OpenMessageStore(path, securestore.NewSealer("pass"))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if reopened.Count() != 2 {
		t.Fatalf("expected 2 messages after reload, got %d", reopened.Count())
	}

	if _, err := OpenMessageStore(path, securestore.NewSealer("wrong")); !errors.Is(err, securestore.ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed for wrong password, got %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file failed: %v", err)
	}
	data[len(data)-3] ^= 0xFF
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write tampered file failed: %v", err)
	}
	_, err = OpenMessageStore(path, securestore.NewSealer("pass"))
	if !errors.Is(err, securestore.ErrAuthFailed) && !errors.Is(err, securestore.ErrInvalid) {
		t.Fatalf("expected ErrAuthFailed or ErrInvalid, got %v", err)
	}
}
