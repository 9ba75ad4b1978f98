package task

import (
	"testing"

	"github.com/google/uuid"
)

func TestNewTaskSeedsPromptAsFirstChatEntry(t *testing.T) {
	tk := NewTask(uuid.New(), "https://github.com/acme/widgets", "main", AgentClaude, "fix the flaky test")

	chat := tk.Chat()
	if len(chat) != 1 {
		t.Fatalf("got %d chat entries, want 1", len(chat))
	}
	if chat[0].Role != RoleUser || chat[0].Content != "fix the flaky test" {
		t.Fatalf("unexpected seed entry: %+v", chat[0])
	}
	if tk.State() != StatePending {
		t.Fatalf("got state %s, want pending", tk.State())
	}
}

func TestCompareAndSetRunningIsExclusive(t *testing.T) {
	tk := NewTask(uuid.New(), "https://github.com/acme/widgets", "main", AgentCodex, "prompt")

	if !tk.CompareAndSetRunning() {
		t.Fatal("first CompareAndSetRunning should succeed")
	}
	if tk.CompareAndSetRunning() {
		t.Fatal("second CompareAndSetRunning should fail, task already running")
	}
	if tk.State() != StateRunning {
		t.Fatalf("got state %s, want running", tk.State())
	}
}

func TestSetStateRejectsIllegalTransitions(t *testing.T) {
	tk := NewTask(uuid.New(), "https://github.com/acme/widgets", "main", AgentClaude, "prompt")

	if err := tk.SetState(StateCompleted); err == nil {
		t.Fatal("pending -> completed should be rejected")
	}
	if err := tk.SetState(StateRunning); err != nil {
		t.Fatalf("pending -> running should succeed: %v", err)
	}
	if err := tk.SetState(StateCompleted); err != nil {
		t.Fatalf("running -> completed should succeed: %v", err)
	}
	if err := tk.SetState(StateFailed); err == nil {
		t.Fatal("completed -> failed should be rejected, completed is terminal")
	}
}

func TestAppendChatOrdersTimestamps(t *testing.T) {
	tk := NewTask(uuid.New(), "https://github.com/acme/widgets", "main", AgentClaude, "prompt")

	a := tk.AppendChat(RoleAssistant, "working on it")
	b := tk.AppendChat(RoleUser, "thanks")

	if !b.Timestamp.After(a.Timestamp) {
		t.Fatalf("expected strictly increasing timestamps, got %v then %v", a.Timestamp, b.Timestamp)
	}

	chat := tk.Chat()
	if len(chat) != 3 {
		t.Fatalf("got %d chat entries, want 3", len(chat))
	}
}

func TestSnapshotIsIndependentOfLiveMutation(t *testing.T) {
	tk := NewTask(uuid.New(), "https://github.com/acme/widgets", "main", AgentClaude, "prompt")

	snap := tk.Snapshot()
	tk.AppendChat(RoleAssistant, "more")

	if len(snap.Chat) != 1 {
		t.Fatalf("snapshot should not observe later appends, got %d entries", len(snap.Chat))
	}
}
