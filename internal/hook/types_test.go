package hook

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadAcceptsNativeFieldNames(t *testing.T) {
	body := `{
		"hook_event_name": "PreToolUse",
		"session_id": "s-1",
		"cwd": "/work/repo",
		"tool_name": "Bash",
		"tool_use_id": "toolu_01",
		"tool_input": {"command": "ls"}
	}`

	var p Payload
	require.NoError(t, json.Unmarshal([]byte(body), &p))

	assert.Equal(t, PreToolUse, p.EventType)
	assert.Equal(t, "/work/repo", p.ProjectPath)
	assert.Equal(t, "toolu_01", p.ToolUseID)
	assert.Equal(t, "PreToolUse:toolu_01", p.CorrelationID)
	assert.JSONEq(t, `{"command":"ls"}`, string(p.ToolInput))
	assert.NoError(t, p.Validate())
}

func TestToolUsePairGetsDistinctCorrelationIDs(t *testing.T) {
	var pre, post Payload
	require.NoError(t, json.Unmarshal([]byte(`{"hook_event_name":"PreToolUse","session_id":"s","tool_use_id":"toolu_1"}`), &pre))
	require.NoError(t, json.Unmarshal([]byte(`{"hook_event_name":"PostToolUse","session_id":"s","tool_use_id":"toolu_1"}`), &post))

	assert.Equal(t, "PreToolUse:toolu_1", pre.CorrelationID)
	assert.Equal(t, "PostToolUse:toolu_1", post.CorrelationID)

	var explicit Payload
	require.NoError(t, json.Unmarshal([]byte(`{"event_type":"PostToolUse","correlation_id":"c-9","tool_use_id":"toolu_1"}`), &explicit))
	assert.Equal(t, "c-9", explicit.CorrelationID)
}

func TestPayloadPrefersOwnFieldNames(t *testing.T) {
	body := `{"event_type":"PostToolUse","hook_event_name":"PreToolUse","project_path":"/a","cwd":"/b"}`

	var p Payload
	require.NoError(t, json.Unmarshal([]byte(body), &p))

	assert.Equal(t, PostToolUse, p.EventType)
	assert.Equal(t, "/a", p.ProjectPath)
}

func TestPayloadValidate(t *testing.T) {
	neg := -1.0
	tests := []struct {
		name    string
		payload Payload
		wantErr bool
	}{
		{"valid session", Payload{EventType: PreToolUse, SessionID: "s"}, false},
		{"valid project", Payload{EventType: Notification, ProjectPath: "/p"}, false},
		{"missing event", Payload{SessionID: "s"}, true},
		{"unknown event", Payload{EventType: "Bogus", SessionID: "s"}, true},
		{"internal event", Payload{EventType: BudgetRollover, SessionID: "s"}, true},
		{"no scope", Payload{EventType: PreToolUse}, true},
		{"blank scope", Payload{EventType: PreToolUse, SessionID: "  "}, true},
		{"negative estimate", Payload{EventType: PreToolUse, SessionID: "s", CostEstimate: &neg}, true},
		{"bad tool input", Payload{EventType: PreToolUse, SessionID: "s", ToolInput: json.RawMessage(`{bad`)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payload.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidPayload))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestScopeKeys(t *testing.T) {
	assert.Equal(t, []string{"session:s1", "project:/p", "global"}, Scope{SessionID: "s1", ProjectPath: "/p"}.Keys())
	assert.Equal(t, []string{"project:/p", "global"}, Scope{ProjectPath: "/p"}.Keys())
	assert.Equal(t, []string{"global"}, Scope{}.Keys())
	assert.Equal(t, "session:s1", Scope{SessionID: "s1", ProjectPath: "/p"}.Key())
	assert.True(t, Scope{}.IsGlobal())
}

func TestScopeFromKey(t *testing.T) {
	assert.Equal(t, Scope{SessionID: "s1"}, ScopeFromKey("session:s1"))
	assert.Equal(t, Scope{ProjectPath: "/p"}, ScopeFromKey("project:/p"))
	assert.True(t, ScopeFromKey("global").IsGlobal())
}

func TestValidKey(t *testing.T) {
	assert.True(t, ValidKey("global"))
	assert.True(t, ValidKey("session:abc"))
	assert.True(t, ValidKey("project:/x"))
	assert.False(t, ValidKey("session:"))
	assert.False(t, ValidKey("team:x"))
}

func TestEventTypeGating(t *testing.T) {
	assert.True(t, PreToolUse.Gating())
	assert.True(t, UserPromptSubmit.Gating())
	assert.False(t, PostToolUse.Gating())
	assert.False(t, SessionStart.Gating())
}
