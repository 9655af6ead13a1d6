package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dagbolade/hook-gateway/internal/approval"
	"github.com/dagbolade/hook-gateway/internal/auth"
	"github.com/dagbolade/hook-gateway/internal/budget"
	"github.com/dagbolade/hook-gateway/internal/eventlog"
	"github.com/dagbolade/hook-gateway/internal/gateway"
	"github.com/dagbolade/hook-gateway/internal/hook"
	"github.com/dagbolade/hook-gateway/internal/notify"
	"github.com/dagbolade/hook-gateway/internal/policy"
	"github.com/dagbolade/hook-gateway/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testStack struct {
	srv     *Server
	gw      *gateway.Gateway
	queue   *approval.Queue
	ledger  *budget.Ledger
	engine  *policy.Engine
	broker  *notify.Broker
	events  *eventlog.SQLiteStore
	manager *auth.Manager
}

type stackOptions struct {
	auth      auth.Config
	hookToken string
}

func newTestStack(t *testing.T, opts stackOptions) *testStack {
	t.Helper()
	ctx := context.Background()

	db, err := storage.Open(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := &testStack{
		events: eventlog.NewSQLiteStore(db),
		broker: notify.NewBroker(64),
	}
	health := gateway.NewHealth()
	st.ledger = budget.NewLedger(budget.NewSQLiteStore(db),
		budget.WithFailureHandler(health.Flag),
		budget.WithRolloverHandler(gateway.RolloverRecorder(st.events, st.broker, health)))
	st.queue = approval.NewQueue(approval.NewSQLiteStore(db), st.broker, time.Minute)
	st.engine, err = policy.NewEngine(ctx, policy.NewSQLiteStore(db))
	require.NoError(t, err)

	st.gw, err = gateway.New(gateway.Config{WaitTimeout: 5 * time.Second}, gateway.Deps{
		Events:    st.events,
		Policies:  st.engine,
		Budgets:   st.ledger,
		Approvals: st.queue,
		Publisher: st.broker,
		Health:    health,
	})
	require.NoError(t, err)
	require.NoError(t, st.gw.Start(ctx))

	st.manager = auth.NewManager(opts.auth)
	st.srv = New(Config{HookToken: opts.hookToken}, Deps{
		Gateway:   st.gw,
		Events:    st.events,
		Approvals: st.queue,
		Budgets:   st.ledger,
		Policies:  st.engine,
		Broker:    st.broker,
		Auth:      st.manager,
	})

	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = st.gw.Stop(stopCtx)
		st.srv.hub.Shutdown()
		st.queue.Close()
		st.broker.Close()
	})
	return st
}

func (st *testStack) do(t *testing.T, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	st.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) hook.Response {
	t.Helper()
	var resp hook.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

func (st *testStack) createPolicy(t *testing.T, body string) policy.Policy {
	t.Helper()
	rec := st.do(t, http.MethodPost, "/api/policies", body, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var p policy.Policy
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

func hookBody(correlationID, tool string) string {
	return fmt.Sprintf(`{"correlation_id":%q,"event_type":"PreToolUse","session_id":"s1","project_path":"/work","tool_name":%q}`, correlationID, tool)
}

func TestHealth(t *testing.T) {
	st := newTestStack(t, stackOptions{})
	rec := st.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestHookRejectsInvalidPayloads(t *testing.T) {
	st := newTestStack(t, stackOptions{})

	rec := st.do(t, http.MethodPost, "/hook", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, hook.ResponseDeny, decodeResponse(t, rec).Decision)

	rec = st.do(t, http.MethodPost, "/hook", `{"event_type":"PreToolUse","tool_name":"Bash"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, hook.ResponseDeny, resp.Decision)
	assert.Equal(t, hook.ReasonInvalidPayload, resp.Reason)
}

func TestHookDenyPolicyAndDuplicate(t *testing.T) {
	st := newTestStack(t, stackOptions{})
	p := st.createPolicy(t, `{"name":"no exec","priority":10,"tool_name_pattern":"exec","action":"deny"}`)
	assert.True(t, p.Enabled)
	assert.Equal(t, policy.SourceAPI, p.Source)

	rec := st.do(t, http.MethodPost, "/hook", hookBody("c-1", "exec"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, hook.ResponseDeny, resp.Decision)
	assert.Equal(t, fmt.Sprintf("policy:%d", p.ID), resp.Reason)
	assert.Equal(t, "c-1", resp.CorrelationID)

	rec = st.do(t, http.MethodPost, "/hook", hookBody("c-1", "exec"), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, hook.ReasonDuplicate, decodeResponse(t, rec).Reason)
}

func TestHookNativeFieldNames(t *testing.T) {
	st := newTestStack(t, stackOptions{})
	st.createPolicy(t, `{"tool_name_pattern":"Read","action":"allow"}`)

	body := `{"hook_event_name":"PreToolUse","session_id":"s9","cwd":"/repo","tool_name":"Read","tool_use_id":"toolu_1"}`
	rec := st.do(t, http.MethodPost, "/hook", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, hook.ResponseAllow, resp.Decision)
	assert.Equal(t, "PreToolUse:toolu_1", resp.CorrelationID)
}

func TestHookNativeToolUsePair(t *testing.T) {
	st := newTestStack(t, stackOptions{})
	st.createPolicy(t, `{"tool_name_pattern":"Read","action":"allow"}`)
	_, err := st.ledger.SetLimit(context.Background(), budget.Limit{ScopeKey: "session:s9", Period: budget.PeriodSession, Limit: 10})
	require.NoError(t, err)

	pre := `{"hook_event_name":"PreToolUse","session_id":"s9","cwd":"/repo","tool_name":"Read","tool_use_id":"toolu_1"}`
	rec := st.do(t, http.MethodPost, "/hook", pre, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, hook.ResponseAllow, decodeResponse(t, rec).Decision)

	post := `{"hook_event_name":"PostToolUse","session_id":"s9","cwd":"/repo","tool_name":"Read","tool_use_id":"toolu_1","cost_actual":1.5}`
	rec = st.do(t, http.MethodPost, "/hook", post, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeResponse(t, rec)
	assert.Equal(t, hook.ResponseAllow, resp.Decision)
	assert.Equal(t, "PostToolUse:toolu_1", resp.CorrelationID)

	entries, err := st.ledger.Entries(context.Background(), "session:s9")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.InDelta(t, 1.5, entries[0].Spent, 1e-9)

	// both halves of the pair are in the log; a replayed Post is still a duplicate
	events, err := st.events.GetRecent(context.Background(), eventlog.Filter{SessionID: "s9"})
	require.NoError(t, err)
	assert.Len(t, events, 2)

	rec = st.do(t, http.MethodPost, "/hook", post, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHookApprovalRoundTrip(t *testing.T) {
	st := newTestStack(t, stackOptions{})

	result := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		result <- st.do(t, http.MethodPost, "/hook", hookBody("c-ask", "Bash"), http.Header{HookTimeoutHeader: {"5s"}})
	}()

	var pending []approval.Request
	require.Eventually(t, func() bool {
		rec := st.do(t, http.MethodGet, "/api/approvals", "", nil)
		var body struct {
			Approvals []approval.Request `json:"approvals"`
		}
		if json.Unmarshal(rec.Body.Bytes(), &body) != nil {
			return false
		}
		pending = body.Approvals
		return len(pending) == 1
	}, 2*time.Second, 10*time.Millisecond)
	id := pending[0].ID
	assert.Equal(t, "c-ask", pending[0].CorrelationID)

	rec := st.do(t, http.MethodPost, "/api/approvals/"+id+"/approve", `{"approver":"alice","comment":"ok"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	select {
	case hookRec := <-result:
		require.Equal(t, http.StatusOK, hookRec.Code)
		resp := decodeResponse(t, hookRec)
		assert.Equal(t, hook.ResponseAskThenAllow, resp.Decision)
		assert.Equal(t, id, resp.ApprovalID)
	case <-time.After(3 * time.Second):
		t.Fatal("hook call did not return after approval")
	}

	rec = st.do(t, http.MethodPost, "/api/approvals/"+id+"/deny", `{"approver":"bob"}`, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = st.do(t, http.MethodGet, "/api/approvals/"+id, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got approval.Request
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, approval.StatusApproved, got.Status)
	assert.Equal(t, "alice", got.Approver)

	rec = st.do(t, http.MethodGet, "/api/approvals?status=approved", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), id)

	rec = st.do(t, http.MethodGet, "/api/approvals?status=bogus", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApprovalNotFound(t *testing.T) {
	st := newTestStack(t, stackOptions{})

	assert.Equal(t, http.StatusNotFound, st.do(t, http.MethodGet, "/api/approvals/missing", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, st.do(t, http.MethodPost, "/api/approvals/missing/approve", `{}`, nil).Code)
	assert.Equal(t, http.StatusBadRequest, st.do(t, http.MethodDelete, "/api/approvals", "", nil).Code)
	assert.Equal(t, http.StatusOK, st.do(t, http.MethodDelete, "/api/approvals?older_than=1h", "", nil).Code)
}

func TestBudgetEndpoints(t *testing.T) {
	st := newTestStack(t, stackOptions{})

	rec := st.do(t, http.MethodPut, "/api/budgets", `{"scope_key":"session:s1","period":"weekly","limit":5}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = st.do(t, http.MethodPut, "/api/budgets", `{"scope_key":"session:s1","period":"session","limit":5,"spent":4.5}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = st.do(t, http.MethodGet, "/api/budgets?scope=session:s1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Budgets []budget.Entry `json:"budgets"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Budgets, 1)
	assert.InDelta(t, 4.5, body.Budgets[0].Spent, 1e-9)

	// an estimate past the limit is denied before any approval step
	hookRec := st.do(t, http.MethodPost, "/hook",
		`{"correlation_id":"c-b","event_type":"PreToolUse","session_id":"s1","tool_name":"Bash","cost_estimate":1}`, nil)
	require.Equal(t, http.StatusOK, hookRec.Code)
	resp := decodeResponse(t, hookRec)
	assert.Equal(t, hook.ResponseDeny, resp.Decision)
	assert.Equal(t, hook.ReasonBudgetExceeded, resp.Reason)

	assert.Equal(t, http.StatusBadRequest, st.do(t, http.MethodDelete, "/api/budgets", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, st.do(t, http.MethodDelete, "/api/budgets?scope=session:s1&period=weekly", "", nil).Code)
	assert.Equal(t, http.StatusNoContent, st.do(t, http.MethodDelete, "/api/budgets?scope=session:s1&period=session", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, st.do(t, http.MethodDelete, "/api/budgets?scope=session:s1&period=session", "", nil).Code)
}

func TestPolicyEndpoints(t *testing.T) {
	st := newTestStack(t, stackOptions{})

	assert.Equal(t, http.StatusBadRequest, st.do(t, http.MethodPost, "/api/policies", `{"action":"maybe"}`, nil).Code)
	assert.Equal(t, http.StatusBadRequest, st.do(t, http.MethodPost, "/api/policies", `{"action":"deny","tool_name_pattern":"["}`, nil).Code)

	p := st.createPolicy(t, `{"name":"ask bash","tool_name_pattern":"Bash","action":"ask"}`)

	rec := st.do(t, http.MethodPut, fmt.Sprintf("/api/policies/%d", p.ID), `{"name":"deny bash","tool_name_pattern":"Bash","action":"deny"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, policy.ActionDeny, st.engine.Evaluate(policy.Attributes{EventType: hook.PreToolUse, ToolName: "Bash"}).Action)

	rec = st.do(t, http.MethodGet, fmt.Sprintf("/api/policies/%d", p.ID), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "deny bash")

	rec = st.do(t, http.MethodGet, "/api/policies", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total":1`)

	assert.Equal(t, http.StatusNoContent, st.do(t, http.MethodDelete, fmt.Sprintf("/api/policies/%d", p.ID), "", nil).Code)
	assert.Equal(t, http.StatusNotFound, st.do(t, http.MethodDelete, fmt.Sprintf("/api/policies/%d", p.ID), "", nil).Code)
	assert.Equal(t, http.StatusNotFound, st.do(t, http.MethodPut, "/api/policies/999", `{"action":"deny"}`, nil).Code)
	assert.Equal(t, http.StatusBadRequest, st.do(t, http.MethodGet, "/api/policies/abc", "", nil).Code)
	assert.False(t, st.engine.Evaluate(policy.Attributes{EventType: hook.PreToolUse, ToolName: "Bash"}).Matched)
}

func TestEventEndpoints(t *testing.T) {
	st := newTestStack(t, stackOptions{})
	st.createPolicy(t, `{"tool_name_pattern":"Read","action":"allow"}`)

	require.Equal(t, http.StatusOK, st.do(t, http.MethodPost, "/hook", hookBody("e-1", "Read"), nil).Code)
	require.Equal(t, http.StatusOK, st.do(t, http.MethodPost, "/hook",
		`{"correlation_id":"e-2","event_type":"SessionStart","session_id":"s1"}`, nil).Code)

	rec := st.do(t, http.MethodGet, "/api/events?event_type=PreToolUse", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Total  int              `json:"total"`
		Events []eventlog.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Total)
	assert.Equal(t, "e-1", body.Events[0].CorrelationID)
	assert.Equal(t, hook.DecisionAllow, body.Events[0].Decision)

	rec = st.do(t, http.MethodGet, "/api/events/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats eventlog.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.Total)

	assert.Equal(t, http.StatusBadRequest, st.do(t, http.MethodGet, "/api/events?since=yesterday", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, st.do(t, http.MethodGet, "/api/events?limit=x", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, st.do(t, http.MethodDelete, "/api/events?older_than=-1h", "", nil).Code)

	rec = st.do(t, http.MethodDelete, "/api/events?older_than=720h", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deleted":0}`, rec.Body.String())
}

func TestStatusEndpoint(t *testing.T) {
	st := newTestStack(t, stackOptions{})

	rec := st.do(t, http.MethodGet, "/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status gateway.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, gateway.StateRunning, status.State)
	assert.Equal(t, "deny", status.DefaultAction)
	require.NotNil(t, status.Notifications)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, st.gw.Stop(ctx))

	assert.Equal(t, http.StatusServiceUnavailable, st.do(t, http.MethodGet, "/status", "", nil).Code)

	rec = st.do(t, http.MethodPost, "/hook", hookBody("late", "Read"), nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, hook.ReasonShutdown, decodeResponse(t, rec).Reason)
}

func TestAuthProtectsAdminRoutes(t *testing.T) {
	users, err := auth.ParseUsers("ops@example.com:pw:Ops:approver;view@example.com:pw:View:viewer")
	require.NoError(t, err)
	st := newTestStack(t, stackOptions{
		auth:      auth.Config{JWTSecret: "secret", RequireAuth: true, Users: users},
		hookToken: "hook-secret",
	})

	assert.Equal(t, http.StatusUnauthorized, st.do(t, http.MethodGet, "/api/events", "", nil).Code)
	assert.Equal(t, http.StatusOK, st.do(t, http.MethodGet, "/health", "", nil).Code)
	assert.Equal(t, http.StatusOK, st.do(t, http.MethodGet, "/status", "", nil).Code)

	// hook endpoint skips JWT but checks the shared token
	assert.Equal(t, http.StatusUnauthorized, st.do(t, http.MethodPost, "/hook", hookBody("h-1", "Read"), nil).Code)
	rec := st.do(t, http.MethodPost, "/hook", `{"correlation_id":"h-2","event_type":"SessionStart","session_id":"s1"}`,
		http.Header{auth.HookTokenHeader: {"hook-secret"}})
	assert.Equal(t, http.StatusOK, rec.Code)

	login := func(email string) string {
		rec := st.do(t, http.MethodPost, "/login", fmt.Sprintf(`{"email":%q,"password":"pw"}`, email), nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var resp auth.LoginResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		return resp.Token
	}
	viewer := http.Header{"Authorization": {"Bearer " + login("view@example.com")}}
	approver := http.Header{"Authorization": {"Bearer " + login("ops@example.com")}}

	assert.Equal(t, http.StatusOK, st.do(t, http.MethodGet, "/api/events", "", viewer).Code)
	assert.Equal(t, http.StatusForbidden, st.do(t, http.MethodPost, "/api/approvals/x/approve", `{}`, viewer).Code)
	assert.Equal(t, http.StatusNotFound, st.do(t, http.MethodPost, "/api/approvals/x/approve", `{}`, approver).Code)
	assert.Equal(t, http.StatusForbidden, st.do(t, http.MethodPut, "/api/budgets", `{}`, approver).Code)

	rec = st.do(t, http.MethodGet, "/me", "", approver)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ops@example.com")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		reason string
		want   int
	}{
		{hook.ReasonInvalidPayload, http.StatusBadRequest},
		{hook.ReasonDuplicate, http.StatusConflict},
		{hook.ReasonShutdown, http.StatusServiceUnavailable},
		{hook.ReasonBudgetExceeded, http.StatusOK},
		{"", http.StatusOK},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(hook.Response{Decision: hook.ResponseDeny, Reason: tt.reason}), tt.reason)
	}
}
