package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRole_Constants(t *testing.T) {
	tests := []struct {
		constant Role
		expected string
	}{
		{RoleUser, "user"},
		{RoleAssistant, "assistant"},
		{RoleSystem, "system"},
		{RoleTool, "tool"},
	}

	for _, tt := range tests {
		t.Run(string(tt.constant), func(t *testing.T) {
			if string(tt.constant) != tt.expected {
				t.Errorf("constant = %q, want %q", tt.constant, tt.expected)
			}
		})
	}
}

func TestMessage_EstimatedTokens(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want int
	}{
		{"empty", Message{}, 0},
		{"short content", Message{Content: "hi"}, 1},
		{"16 chars is 4 tokens", Message{Content: "0123456789abcdef"}, 4},
		{"tool call input counts", Message{
			ToolCalls: []ToolCall{{Name: "search", Input: json.RawMessage(`{"query":"weather"}`)}},
		}, (len("search") + len(`{"query":"weather"}`)) / 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.EstimatedTokens(); got != tt.want {
				t.Errorf("EstimatedTokens() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestPermissionLevel_Ordering(t *testing.T) {
	if !(PermissionRead < PermissionWrite && PermissionWrite < PermissionExecute &&
		PermissionExecute < PermissionSystem && PermissionSystem < PermissionDangerous) {
		t.Fatal("permission levels must be strictly ordered read < write < execute < system < dangerous")
	}
}

func TestParsePermissionLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    PermissionLevel
		wantOK  bool
	}{
		{"read", PermissionRead, true},
		{"write", PermissionWrite, true},
		{"execute", PermissionExecute, true},
		{"system", PermissionSystem, true},
		{"dangerous", PermissionDangerous, true},
		{"bogus", PermissionDangerous, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParsePermissionLevel(tt.in)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("ParsePermissionLevel(%q) = (%v, %v), want (%v, %v)", tt.in, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestToolResult_CorrelatesByID(t *testing.T) {
	call := ToolCall{ID: "tc_1", Name: "lookup"}
	result := ToolResult{ToolCallID: call.ID, Content: "ok"}
	if result.ToolCallID != call.ID {
		t.Fatalf("tool result must correlate to its call by ID")
	}
}

func TestUsageSample_RoundTrip(t *testing.T) {
	sample := UsageSample{
		ProviderID:   "anthropic",
		Model:        "claude-sonnet-4",
		InputTokens:  120,
		OutputTokens: 40,
		Latency:      250 * time.Millisecond,
		Success:      true,
		Timestamp:    time.Unix(0, 0).UTC(),
	}
	data, err := json.Marshal(sample)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got UsageSample
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != sample {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, sample)
	}
}
