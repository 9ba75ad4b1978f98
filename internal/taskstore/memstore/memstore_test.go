package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/sandboxrun/engine/internal/task"
	"github.com/sandboxrun/engine/internal/taskstore"
)

func newStoredTask(t *testing.T, s *Store, userID uuid.UUID) *task.Task {
	t.Helper()
	tk := task.NewTask(userID, "https://github.com/acme/widgets", "main", task.AgentClaude, "fix it")
	if err := s.Create(context.Background(), tk); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return tk
}

func TestGetRejectsCrossUserAccess(t *testing.T) {
	s := New()
	owner := uuid.New()
	tk := newStoredTask(t, s, owner)

	if _, err := s.Get(context.Background(), owner, tk.ID); err != nil {
		t.Fatalf("owner Get: %v", err)
	}
	_, err := s.Get(context.Background(), uuid.New(), tk.ID)
	if !errors.Is(err, taskstore.ErrCrossUserAccess) {
		t.Fatalf("got %v, want ErrCrossUserAccess", err)
	}
}

func TestGetUnknownTaskIsNotFound(t *testing.T) {
	s := New()
	_, err := s.Get(context.Background(), uuid.New(), task.NewID())
	if !errors.Is(err, taskstore.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestClaimPendingIsExclusive(t *testing.T) {
	s := New()
	tk := newStoredTask(t, s, uuid.New())

	_, claimed, err := s.ClaimPending(context.Background(), tk.ID)
	if err != nil || !claimed {
		t.Fatalf("first claim: claimed=%v err=%v", claimed, err)
	}
	_, claimed, err = s.ClaimPending(context.Background(), tk.ID)
	if err != nil || claimed {
		t.Fatalf("second claim should fail: claimed=%v err=%v", claimed, err)
	}
}

func TestUpdateStatusRejectsIllegalTransition(t *testing.T) {
	s := New()
	tk := newStoredTask(t, s, uuid.New())

	err := s.UpdateStatus(context.Background(), tk.ID, task.StateCompleted, taskstore.Fields{})
	if err == nil {
		t.Fatal("pending -> completed should be rejected")
	}
}

func TestUpdateStatusAppliesFields(t *testing.T) {
	s := New()
	tk := newStoredTask(t, s, uuid.New())
	ctx := context.Background()

	if _, claimed, _ := s.ClaimPending(ctx, tk.ID); !claimed {
		t.Fatal("claim failed")
	}
	handle := "ai-code-task-" + tk.ID.String()
	arts := task.Artifacts{CommitHash: "3c075531c2fb2a39e02a9b6ba94e516d1ab2ed19"}
	if err := s.UpdateStatus(ctx, tk.ID, task.StateCompleted, taskstore.Fields{
		SandboxHandle: &handle,
		Artifacts:     &arts,
	}); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	got, _ := s.GetByID(ctx, tk.ID)
	if got.SandboxHandle != handle || got.Artifacts.CommitHash != arts.CommitHash {
		t.Fatalf("fields not applied: %+v", got)
	}
	if got.State() != task.StateCompleted {
		t.Fatalf("state = %s", got.State())
	}
}

func TestListByUserFiltersAndOrders(t *testing.T) {
	s := New()
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	first := newStoredTask(t, s, alice)
	second := newStoredTask(t, s, alice)
	newStoredTask(t, s, bob)

	got, err := s.ListByUser(ctx, alice, taskstore.Filter{})
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(got) != 2 || got[0].ID != second.ID || got[1].ID != first.ID {
		t.Fatalf("expected alice's tasks newest first, got %d", len(got))
	}

	st := task.StatePending
	got, _ = s.ListByUser(ctx, alice, taskstore.Filter{State: &st})
	if len(got) != 2 {
		t.Fatalf("pending filter: got %d", len(got))
	}
	running := task.StateRunning
	got, _ = s.ListByUser(ctx, alice, taskstore.Filter{State: &running})
	if len(got) != 0 {
		t.Fatalf("running filter: got %d", len(got))
	}
}

func TestAppendChatOrdersEntries(t *testing.T) {
	s := New()
	tk := newStoredTask(t, s, uuid.New())
	ctx := context.Background()

	msg, err := s.AppendChat(ctx, tk.ID, task.RoleAssistant, "done, see the diff")
	if err != nil {
		t.Fatalf("AppendChat: %v", err)
	}
	chat := tk.Chat()
	if len(chat) != 2 || chat[1] != msg {
		t.Fatalf("transcript = %+v", chat)
	}
	if !chat[1].Timestamp.After(chat[0].Timestamp) {
		t.Fatal("timestamps must be strictly increasing")
	}
}
