package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BaSui01/taskflow/agent/dispatch"
	"github.com/BaSui01/taskflow/orchestrator"
	"github.com/BaSui01/taskflow/testutil/fixtures"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// 🧪 测试夹具：内存存储 + 真实引擎
// =============================================================================

func newTestEngine(t *testing.T, exec dispatch.Executor) *orchestrator.Engine {
	t.Helper()
	return fixtures.NewEngine(t, exec)
}

func registerWorker(t *testing.T, e *orchestrator.Engine, id string, capabilities ...string) {
	t.Helper()
	fixtures.RegisterAgent(t, e, id, capabilities...)
}

// serve routes a single request through a mux so PathValue is populated.
func serve(pattern string, h http.HandlerFunc, r *http.Request) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	mux.HandleFunc(pattern, h)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	return w
}

func jsonRequest(t *testing.T, method, target string, body any) *http.Request {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	r := httptest.NewRequest(method, target, rd)
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	return r
}

// decodeData unwraps the response envelope into out and returns the envelope.
func decodeData(t *testing.T, w *httptest.ResponseRecorder, out any) Response {
	t.Helper()
	var raw struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *ErrorInfo      `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw), w.Body.String())
	if out != nil && len(raw.Data) > 0 {
		require.NoError(t, json.Unmarshal(raw.Data, out))
	}
	return Response{Success: raw.Success, Error: raw.Error}
}
