package context

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"regexp"
	"sync"

	"github.com/dispatchcore/core/pkg/models"
)

// Default bounds for Conversation, matching the token-estimation
// heuristic every provider-facing component in this module shares
// (roughly four characters per token).
const (
	DefaultMaxTokens   = 32000
	DefaultMaxMessages = 200
)

// ConversationOptions configures a Conversation.
type ConversationOptions struct {
	// MaxTokens is T_max: the token budget a Conversation trims down to.
	MaxTokens int
	// MaxMessages is N_max: the message-count budget a Conversation
	// trims down to, independent of token count.
	MaxMessages int
	// PersistPath, if non-empty, is an NDJSON file every appended
	// message is additionally written to, so a restart can reload
	// recent history instead of starting empty.
	PersistPath string
	Logger      *slog.Logger
}

// Conversation is the dispatch core's working memory for one session: an
// ordered message history with a token/count budget, anaphora resolution
// for short follow-up turns, and optional on-disk persistence.
//
// A Conversation is safe for concurrent use.
type Conversation struct {
	mu sync.Mutex

	system      *models.Message
	messages    []*models.Message
	workingDir  string
	maxTokens   int
	maxMessages int
	persistPath string
	logger      *slog.Logger

	referents map[referentKind]string
	nextID    int
}

// NewConversation creates a Conversation with the given system prompt
// (may be empty) and options. If opts.PersistPath is set and the file
// already exists, history is reloaded from it (see Reload).
func NewConversation(systemPrompt string, opts ConversationOptions) *Conversation {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = DefaultMaxMessages
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &Conversation{
		maxTokens:   opts.MaxTokens,
		maxMessages: opts.MaxMessages,
		persistPath: opts.PersistPath,
		logger:      opts.Logger,
		referents:   make(map[referentKind]string),
	}
	if systemPrompt != "" {
		c.system = &models.Message{ID: "system", Role: models.RoleSystem, Content: systemPrompt}
	}
	if c.persistPath != "" {
		if err := c.reload(); err != nil {
			c.logger.Warn("conversation: reload from persistence failed", "path", c.persistPath, "err", err)
		}
	}
	return c
}

// SetWorkingDir records the directory command-and-file references in
// user text are resolved relative to. It does not itself change
// behavior in this package; callers (e.g. file tools) consult it.
func (c *Conversation) SetWorkingDir(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workingDir = path
}

// WorkingDir returns the last directory set via SetWorkingDir.
func (c *Conversation) WorkingDir() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workingDir
}

// Append adds a message to the conversation, persists it if configured,
// records any referents it introduces for later reference resolution,
// then trims the history to the configured bounds. A persistence write
// failure is logged, never returned: the in-memory conversation always
// keeps moving even if the disk is unavailable.
func (c *Conversation) Append(msg *models.Message) {
	if msg == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if msg.ID == "" {
		c.nextID++
		msg.ID = "msg-" + itoa(c.nextID)
	}
	c.messages = append(c.messages, msg)
	c.recordReferents(msg)

	if c.persistPath != "" {
		if err := appendNDJSON(c.persistPath, msg); err != nil {
			c.logger.Warn("conversation: append to persistence log failed", "path", c.persistPath, "err", err)
		}
	}

	c.trim()
}

// Clear drops all history (including any recorded referents) but keeps
// the system prompt and working directory.
func (c *Conversation) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
	c.referents = make(map[referentKind]string)
}

// SystemPrompt returns the conversation's system prompt, or "" if none
// was configured.
func (c *Conversation) SystemPrompt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.system == nil {
		return ""
	}
	return c.system.Content
}

// History returns the trimmed message history, excluding the system
// prompt. Use this together with SystemPrompt when a provider wants the
// system prompt on a dedicated request field rather than inline in the
// message sequence.
func (c *Conversation) History() []*models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*models.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// MessagesForLLM returns the message sequence to send to an LM: the
// system prompt (if any) followed by the trimmed history, in order.
// The returned slice is a fresh copy; mutating it does not affect the
// conversation.
func (c *Conversation) MessagesForLLM() []*models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*models.Message, 0, len(c.messages)+1)
	if c.system != nil {
		out = append(out, c.system)
	}
	out = append(out, c.messages...)
	return out
}

// EstimateTokens returns the conversation's current total token
// estimate (system prompt plus history), using the same ~4-chars-per-
// token heuristic as models.Message.EstimatedTokens.
func (c *Conversation) EstimateTokens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.estimateTokensLocked()
}

func (c *Conversation) estimateTokensLocked() int {
	total := 0
	if c.system != nil {
		total += c.system.EstimatedTokens()
	}
	for _, m := range c.messages {
		total += m.EstimatedTokens()
	}
	return total
}

// trim drops messages from the oldest end of history until both the
// token budget and the message-count budget hold, always preserving
// the system prompt (held separately, never at risk) and the most
// recent user message (so a trim can never erase what the user just
// asked).
func (c *Conversation) trim() {
	keepFromEnd := lastUserIndex(c.messages)
	for (c.estimateTokensLocked() > c.maxTokens || len(c.messages) > c.maxMessages) && len(c.messages) > 0 {
		if keepFromEnd == 0 {
			// Only the most recent user message (or nothing) remains;
			// stop rather than drop it.
			break
		}
		c.messages = c.messages[1:]
		keepFromEnd--
	}
}

// lastUserIndex returns the index of the most recent user message, or
// len(messages) if there is none (meaning nothing is protected from
// trimming).
func lastUserIndex(messages []*models.Message) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleUser {
			return i
		}
	}
	return len(messages)
}

// referentKind is the type of anaphoric referent a message can
// introduce: a file path, a location/directory, or a generic "thing"
// (anything else worth pointing back to, e.g. a quoted value).
type referentKind string

const (
	referentFile     referentKind = "file"
	referentLocation referentKind = "location"
	referentThing    referentKind = "thing"
)

var (
	filePathRegex = regexp.MustCompile(`\b[\w./-]+\.[A-Za-z]{1,6}\b`)
	dirPathRegex  = regexp.MustCompile(`\b(?:/|\./|[A-Za-z]:\\)[\w./\\-]+\b`)
	quotedRegex   = regexp.MustCompile("[\"`]([^\"`]{1,200})[\"`]")
)

// recordReferents scans an assistant message for salient nouns a later
// "it"/"that"/"the file"/"there"/"this" can anchor back to. Only the
// most recent referent of each kind is kept.
func (c *Conversation) recordReferents(msg *models.Message) {
	if msg.Role != models.RoleAssistant || msg.Content == "" {
		return
	}
	if m := filePathRegex.FindString(msg.Content); m != "" {
		c.referents[referentFile] = m
	}
	if m := dirPathRegex.FindString(msg.Content); m != "" {
		c.referents[referentLocation] = m
	}
	if m := quotedRegex.FindStringSubmatch(msg.Content); len(m) == 2 {
		c.referents[referentThing] = m[1]
	}
}

// anchorTokens maps the exact tokens spec.md recognizes as candidate
// anaphora to the referent kind they resolve against. Longer phrases
// are listed first so "the file" is matched before a bare "the".
var anchorTokens = []struct {
	phrase string
	kind   referentKind
}{
	{"the file", referentFile},
	{"it", referentThing},
	{"that", referentThing},
	{"there", referentLocation},
	{"this", referentThing},
}

// ResolveReferences substitutes any of the five recognized anchor
// tokens ("it", "that", "the file", "there", "this") with the most
// recent referent of the matching kind, if one has been recorded by a
// prior assistant message. Ambiguity — no referent recorded for a
// token's kind — never raises an error; the token is left as-is.
func (c *Conversation) ResolveReferences(text string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if text == "" {
		return text
	}

	out := text
	for _, anchor := range anchorTokens {
		referent, ok := c.referents[anchor.kind]
		if !ok || referent == "" {
			continue
		}
		out = replaceWordBoundary(out, anchor.phrase, referent)
	}
	return out
}

// replaceWordBoundary replaces whole-word (or whole-phrase) case-
// insensitive occurrences of old with new in s.
func replaceWordBoundary(s, old, new string) string {
	pattern := `(?i)\b` + regexp.QuoteMeta(old) + `\b`
	re := regexp.MustCompile(pattern)
	return re.ReplaceAllString(s, new)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// appendNDJSON appends msg as one JSON line to path, creating it if
// necessary.
func appendNDJSON(path string, msg *models.Message) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = f.Write(data)
	return err
}

// reload loads up to maxMessages messages from the NDJSON persistence
// file (most recent lines win if the file holds more) and re-applies
// the trim invariant, so a restarted process resumes with the same
// bounded view it would have had if it never stopped.
func (c *Conversation) reload() error {
	f, err := os.Open(c.persistPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	if len(lines) > c.maxMessages {
		lines = lines[len(lines)-c.maxMessages:]
	}

	for _, line := range lines {
		var msg models.Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		m := msg
		c.messages = append(c.messages, &m)
		c.recordReferents(&m)
	}
	c.trim()
	return nil
}
