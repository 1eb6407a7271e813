package context

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dispatchcore/core/pkg/models"
)

func TestConversation_AppendAndMessagesForLLM(t *testing.T) {
	c := NewConversation("you are a helpful assistant", ConversationOptions{})
	c.Append(&models.Message{Role: models.RoleUser, Content: "hello"})
	c.Append(&models.Message{Role: models.RoleAssistant, Content: "hi there"})

	msgs := c.MessagesForLLM()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages (system + 2), got %d", len(msgs))
	}
	if msgs[0].Role != models.RoleSystem {
		t.Errorf("expected first message to be system prompt, got %s", msgs[0].Role)
	}
}

func TestConversation_Clear(t *testing.T) {
	c := NewConversation("sys", ConversationOptions{})
	c.Append(&models.Message{Role: models.RoleUser, Content: "hello"})
	c.Clear()

	msgs := c.MessagesForLLM()
	if len(msgs) != 1 {
		t.Fatalf("expected only system prompt after clear, got %d messages", len(msgs))
	}
}

func TestConversation_TrimByMessageCount(t *testing.T) {
	c := NewConversation("sys", ConversationOptions{MaxMessages: 3})
	for i := 0; i < 10; i++ {
		c.Append(&models.Message{Role: models.RoleAssistant, Content: "filler"})
	}
	c.Append(&models.Message{Role: models.RoleUser, Content: "most recent question"})

	msgs := c.MessagesForLLM()
	// system + at most MaxMessages history entries.
	if len(msgs) > 4 {
		t.Fatalf("expected history trimmed to <= 3 entries plus system, got %d", len(msgs))
	}
	last := msgs[len(msgs)-1]
	if last.Content != "most recent question" {
		t.Errorf("expected most recent user message preserved, got %q", last.Content)
	}
}

func TestConversation_TrimNeverDropsMostRecentUserMessage(t *testing.T) {
	c := NewConversation("", ConversationOptions{MaxMessages: 1})
	c.Append(&models.Message{Role: models.RoleUser, Content: "the only message that must survive"})

	msgs := c.MessagesForLLM()
	if len(msgs) != 1 || msgs[0].Content != "the only message that must survive" {
		t.Fatalf("expected the lone user message to survive trimming, got %+v", msgs)
	}
}

func TestConversation_ResolveReferences(t *testing.T) {
	c := NewConversation("", ConversationOptions{})
	c.Append(&models.Message{Role: models.RoleUser, Content: "where is the config?"})
	c.Append(&models.Message{Role: models.RoleAssistant, Content: "it's in config/settings.yaml"})

	resolved := c.ResolveReferences("can you open the file for me?")
	if resolved != "can you open config/settings.yaml for me?" {
		t.Errorf("expected 'the file' resolved to the referenced path, got %q", resolved)
	}
}

func TestConversation_ResolveReferences_NoReferentLeavesTextUnchanged(t *testing.T) {
	c := NewConversation("", ConversationOptions{})
	resolved := c.ResolveReferences("can you open the file for me?")
	if resolved != "can you open the file for me?" {
		t.Errorf("expected text unchanged with no recorded referent, got %q", resolved)
	}
}

func TestConversation_EstimateTokens(t *testing.T) {
	c := NewConversation("", ConversationOptions{})
	if c.EstimateTokens() != 0 {
		t.Errorf("expected 0 tokens for empty conversation, got %d", c.EstimateTokens())
	}
	c.Append(&models.Message{Role: models.RoleUser, Content: "a message with some content in it"})
	if c.EstimateTokens() == 0 {
		t.Error("expected nonzero token estimate after appending a message")
	}
}

func TestConversation_SetWorkingDir(t *testing.T) {
	c := NewConversation("", ConversationOptions{})
	c.SetWorkingDir("/srv/app")
	if c.WorkingDir() != "/srv/app" {
		t.Errorf("expected working dir to round-trip, got %q", c.WorkingDir())
	}
}

func TestConversation_PersistenceRoundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.ndjson")

	c := NewConversation("sys", ConversationOptions{PersistPath: path, MaxMessages: 50})
	c.Append(&models.Message{Role: models.RoleUser, Content: "first"})
	c.Append(&models.Message{Role: models.RoleAssistant, Content: "second"})

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected persistence file to exist: %v", err)
	}

	reloaded := NewConversation("sys", ConversationOptions{PersistPath: path, MaxMessages: 50})
	msgs := reloaded.MessagesForLLM()
	if len(msgs) != 3 {
		t.Fatalf("expected system + 2 reloaded messages, got %d", len(msgs))
	}
	if msgs[1].Content != "first" || msgs[2].Content != "second" {
		t.Errorf("unexpected reloaded content: %+v", msgs)
	}
}

func TestConversation_PersistenceReloadRespectsMaxMessages(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.ndjson")

	c := NewConversation("", ConversationOptions{PersistPath: path, MaxMessages: 100})
	for i := 0; i < 5; i++ {
		c.Append(&models.Message{Role: models.RoleAssistant, Content: "entry"})
	}

	reloaded := NewConversation("", ConversationOptions{PersistPath: path, MaxMessages: 2})
	msgs := reloaded.MessagesForLLM()
	if len(msgs) != 2 {
		t.Fatalf("expected reload to respect MaxMessages=2, got %d", len(msgs))
	}
}
