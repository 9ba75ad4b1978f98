package codex

import (
	"testing"

	"github.com/sandboxrun/engine/internal/agentrun"
)

func TestParseMessageThreadStarted(t *testing.T) {
	b := New()
	msg, err := b.ParseMessage([]byte(`{"type":"thread.started","thread_id":"abc"}`))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if _, ok := msg.(*agentrun.SystemMessage); !ok {
		t.Fatalf("got %T, want *agentrun.SystemMessage", msg)
	}
}

func TestParseMessageItemCompletedAgentMessage(t *testing.T) {
	b := New()
	line := []byte(`{"type":"item.completed","item":{"id":"item_1","type":"agent_message","text":"hi there"}}`)
	msg, err := b.ParseMessage(line)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	am, ok := msg.(*agentrun.AssistantMessage)
	if !ok {
		t.Fatalf("got %T, want *agentrun.AssistantMessage", msg)
	}
	if len(am.Content) != 1 || am.Content[0].Text != "hi there" {
		t.Fatalf("unexpected content: %+v", am.Content)
	}
}

func TestParseMessageCommandExecutionRoundTrip(t *testing.T) {
	b := New()
	started := []byte(`{"type":"item.started","item":{"id":"item_2","type":"command_execution","command":"ls"}}`)
	msg, err := b.ParseMessage(started)
	if err != nil {
		t.Fatalf("ParseMessage(started): %v", err)
	}
	am := msg.(*agentrun.AssistantMessage)
	if am.Content[0].Name != "Bash" {
		t.Fatalf("got tool name %q, want Bash", am.Content[0].Name)
	}

	completed := []byte(`{"type":"item.completed","item":{"id":"item_2","type":"command_execution","aggregated_output":"file1\nfile2\n","exit_code":0}}`)
	msg, err = b.ParseMessage(completed)
	if err != nil {
		t.Fatalf("ParseMessage(completed): %v", err)
	}
	um, ok := msg.(*agentrun.UserMessage)
	if !ok {
		t.Fatalf("got %T, want *agentrun.UserMessage", msg)
	}
	if um.ParentToolUseID == nil || *um.ParentToolUseID != "item_2" {
		t.Fatalf("expected ParentToolUseID item_2, got %+v", um.ParentToolUseID)
	}
}

func TestParseMessageTurnCompletedCarriesUsage(t *testing.T) {
	b := New()
	line := []byte(`{"type":"turn.completed","usage":{"input_tokens":100,"cached_input_tokens":50,"output_tokens":20}}`)
	msg, err := b.ParseMessage(line)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	rm, ok := msg.(*agentrun.ResultMessage)
	if !ok {
		t.Fatalf("got %T, want *agentrun.ResultMessage", msg)
	}
	if rm.InputTokens != 100 || rm.OutputTokens != 20 || rm.CacheReadInputTokens != 50 {
		t.Fatalf("unexpected usage: %+v", rm)
	}
}

func TestParseMessageTurnFailed(t *testing.T) {
	b := New()
	line := []byte(`{"type":"turn.failed","error":"agent crashed"}`)
	msg, err := b.ParseMessage(line)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	rm := msg.(*agentrun.ResultMessage)
	if !rm.IsError || rm.Result != "agent crashed" {
		t.Fatalf("unexpected result: %+v", rm)
	}
}

func TestArgvSkipsGitRepoCheck(t *testing.T) {
	b := New()
	argv := b.Argv(agentrun.Options{PromptPath: "/workspace/.agent-prompt.md"})
	found := false
	for _, a := range argv {
		if a == "--skip-git-repo-check" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected --skip-git-repo-check in argv, got %v", argv)
	}
}
