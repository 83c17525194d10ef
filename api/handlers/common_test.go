package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/taskflow/agent/dispatch"
	"github.com/BaSui01/taskflow/agent/registry"
	"github.com/BaSui01/taskflow/orchestrator"
	"github.com/BaSui01/taskflow/types"
	"github.com/BaSui01/taskflow/workflow"
	"github.com/BaSui01/taskflow/workflow/persistence"
)

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusTeapot, map[string]int{"n": 1})

	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.JSONEq(t, `{"n":1}`, w.Body.String())
}

func TestWriteJSON_EncodeFailure(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusOK, map[string]any{"ch": make(chan int)})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	resp := decodeEnvelope(t, w)
	assert.False(t, resp.Success)
	assert.Equal(t, string(types.ErrInternalError), resp.Error.Code)
}

func TestWriteSuccessStatus(t *testing.T) {
	w := httptest.NewRecorder()
	WriteSuccessStatus(w, http.StatusAccepted, map[string]string{"id": "exec-1"})

	assert.Equal(t, http.StatusAccepted, w.Code)
	resp := decodeEnvelope(t, w)
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Error)
	assert.False(t, resp.Timestamp.IsZero())
	assert.Equal(t, map[string]any{"id": "exec-1"}, resp.Data)
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name       string
		err        *types.Error
		wantStatus int
		wantLevel  zapcore.Level
	}{
		{
			name:       "status from code",
			err:        types.NewError(types.ErrExecutionTerminal, "already completed"),
			wantStatus: http.StatusConflict,
			wantLevel:  zapcore.WarnLevel,
		},
		{
			name:       "explicit status wins",
			err:        types.NewError(types.ErrInvalidRequest, "too big").WithHTTPStatus(http.StatusRequestEntityTooLarge),
			wantStatus: http.StatusRequestEntityTooLarge,
			wantLevel:  zapcore.WarnLevel,
		},
		{
			name:       "server error logged at error level",
			err:        types.NewError(types.ErrStoreUnavailable, "store closed").WithRetryable(true),
			wantStatus: http.StatusServiceUnavailable,
			wantLevel:  zapcore.ErrorLevel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			w := httptest.NewRecorder()
			WriteError(w, tt.err, zap.New(core))

			assert.Equal(t, tt.wantStatus, w.Code)
			resp := decodeEnvelope(t, w)
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(tt.err.Code), resp.Error.Code)
			assert.Equal(t, tt.err.Message, resp.Error.Message)
			assert.Equal(t, tt.err.Retryable, resp.Error.Retryable)

			require.Equal(t, 1, logs.Len())
			assert.Equal(t, tt.wantLevel, logs.All()[0].Level)
		})
	}
}

func TestMapErrorCodeToHTTPStatus(t *testing.T) {
	cases := map[types.ErrorCode]int{
		types.ErrInvalidDefinition:  http.StatusBadRequest,
		types.ErrDataMapping:        http.StatusBadRequest,
		types.ErrUnauthorized:       http.StatusUnauthorized,
		types.ErrNotFound:           http.StatusNotFound,
		types.ErrExecutionTerminal:  http.StatusConflict,
		types.ErrTaskFailed:         http.StatusUnprocessableEntity,
		types.ErrRateLimited:        http.StatusTooManyRequests,
		types.ErrAgentUnavailable:   http.StatusServiceUnavailable,
		types.ErrTimeout:            http.StatusGatewayTimeout,
		types.ErrorCode("NOPE"):     http.StatusInternalServerError,
		types.ErrServiceUnavailable: http.StatusServiceUnavailable,
	}
	for code, want := range cases {
		assert.Equal(t, want, mapErrorCodeToHTTPStatus(code), code)
	}
}

func TestDecodeJSONBody(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	tests := []struct {
		name        string
		body        string
		contentType string
		wantStatus  int
		wantName    string
	}{
		{name: "valid", body: `{"name":"a"}`, contentType: "application/json", wantName: "a"},
		{name: "charset parameter", body: `{"name":"b"}`, contentType: "application/json; charset=utf-8", wantName: "b"},
		{name: "no content type", body: `{"name":"c"}`, wantName: "c"},
		{name: "wrong content type", body: `{"name":"a"}`, contentType: "text/plain", wantStatus: http.StatusUnsupportedMediaType},
		{name: "unknown field", body: `{"name":"a","extra":1}`, wantStatus: http.StatusBadRequest},
		{name: "trailing object", body: `{"name":"a"}{"name":"b"}`, wantStatus: http.StatusBadRequest},
		{name: "malformed", body: `{"name":`, wantStatus: http.StatusBadRequest},
		{name: "empty", body: "", wantStatus: http.StatusBadRequest},
		{name: "too large", body: `{"name":"` + strings.Repeat("x", maxBodyBytes) + `"}`, wantStatus: http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r *http.Request
			if tt.body == "" {
				r = httptest.NewRequest(http.MethodPost, "/x", nil)
			} else {
				r = httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(tt.body))
			}
			if tt.contentType != "" {
				r.Header.Set("Content-Type", tt.contentType)
			}
			w := httptest.NewRecorder()

			var got payload
			err := DecodeJSONBody(w, r, &got, nil)
			if tt.wantStatus == 0 {
				require.NoError(t, err)
				assert.Equal(t, tt.wantName, got.Name)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, string(types.ErrInvalidRequest), decodeEnvelope(t, w).Error.Code)
		})
	}
}

func TestReadBody(t *testing.T) {
	w := httptest.NewRecorder()
	data, ok := ReadBody(w, httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("id: wf\n")), nil)
	require.True(t, ok)
	assert.Equal(t, "id: wf\n", string(data))

	w = httptest.NewRecorder()
	_, ok = ReadBody(w, httptest.NewRequest(http.MethodPost, "/x", nil), nil)
	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	big := strings.NewReader(strings.Repeat("a", maxBodyBytes+1))
	_, ok = ReadBody(w, httptest.NewRequest(http.MethodPost, "/x", big), nil)
	assert.False(t, ok)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestToAPIError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      types.ErrorCode
		retryable bool
	}{
		{"cycle", &workflow.CycleDetectedError{Nodes: []string{"a", "b"}}, types.ErrInvalidDefinition, false},
		{"unknown node", &workflow.UnknownNodeReferenceError{Edge: workflow.Dependency{From: "a", To: "z"}, NodeID: "z"}, types.ErrInvalidDefinition, false},
		{"mapping", &workflow.DataMappingError{Step: 1, Field: "rows", Reason: "missing"}, types.ErrDataMapping, false},
		{"not found", fmt.Errorf("definition x: %w", persistence.ErrNotFound), types.ErrNotFound, false},
		{"agent not found", fmt.Errorf("%w: a1", registry.ErrAgentNotFound), types.ErrNotFound, false},
		{"invalid store input", fmt.Errorf("save: %w", persistence.ErrInvalidInput), types.ErrInvalidRequest, false},
		{"terminal", fmt.Errorf("cancel: %w", workflow.ErrExecutionTerminal), types.ErrExecutionTerminal, false},
		{"no agent", &registry.NoCapableAgentError{Capability: "navigate"}, types.ErrAgentUnavailable, true},
		{"task unavailable", &dispatch.FailedError{Reason: workflow.ReasonAgentUnavailable}, types.ErrAgentUnavailable, true},
		{"task timeout", &dispatch.FailedError{Reason: workflow.ReasonTimeout}, types.ErrTimeout, true},
		{"task cancelled", &dispatch.FailedError{Reason: workflow.ReasonCancelled}, types.ErrCancelled, false},
		{"task error", &dispatch.FailedError{Reason: workflow.ReasonAgentError}, types.ErrTaskFailed, false},
		{"shutdown", orchestrator.ErrShuttingDown, types.ErrServiceUnavailable, true},
		{"store closed", persistence.ErrStoreClosed, types.ErrStoreUnavailable, true},
		{"deadline", context.DeadlineExceeded, types.ErrTimeout, true},
		{"cancelled", context.Canceled, types.ErrCancelled, false},
		{"passthrough", types.NewError(types.ErrConflict, "dup"), types.ErrConflict, false},
		{"other", errors.New("boom"), types.ErrInternalError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apiErr := ToAPIError(tt.err)
			assert.Equal(t, tt.code, apiErr.Code)
			assert.Equal(t, tt.retryable, apiErr.Retryable)
		})
	}
}

func TestWriteDomainError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteDomainError(w, fmt.Errorf("status: %w", persistence.ErrNotFound), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	resp := decodeEnvelope(t, w)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(types.ErrNotFound), resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "status")
}
