package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/BaSui01/taskflow/agent/dispatch"
	"github.com/BaSui01/taskflow/agent/registry"
	"github.com/BaSui01/taskflow/api"
	"github.com/BaSui01/taskflow/orchestrator"
	"github.com/BaSui01/taskflow/types"
	"github.com/BaSui01/taskflow/workflow"
	"github.com/BaSui01/taskflow/workflow/persistence"
	"go.uber.org/zap"
)

// =============================================================================
// 📦 通用响应结构
// =============================================================================

// Response 统一 API 响应结构
type Response = api.Response

// ErrorInfo 错误信息结构
type ErrorInfo = api.ErrorInfo

// maxBodyBytes 请求体大小上限
const maxBodyBytes = 1 << 20

// =============================================================================
// 🎯 响应辅助函数
// =============================================================================

// WriteJSON 先序列化再写状态行，序列化失败时改为 500
func WriteJSON(w http.ResponseWriter, status int, data any) {
	buf, err := json.Marshal(data)
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write(encodeFailure)
		return
	}
	w.WriteHeader(status)
	_, _ = w.Write(append(buf, '\n'))
}

var encodeFailure = []byte(`{"success":false,"error":{"code":"INTERNAL_ERROR","message":"failed to encode response"}}` + "\n")

// WriteSuccess 写入 200 成功响应
func WriteSuccess(w http.ResponseWriter, data any) {
	WriteSuccessStatus(w, http.StatusOK, data)
}

// WriteSuccessStatus 以指定状态码写入成功响应（201、202 等）
func WriteSuccessStatus(w http.ResponseWriter, status int, data any) {
	WriteJSON(w, status, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// WriteError 写入错误响应（从 types.Error）
func WriteError(w http.ResponseWriter, err *types.Error, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	status := err.HTTPStatus
	if status == 0 {
		status = mapErrorCodeToHTTPStatus(err.Code)
	}

	errorInfo := &ErrorInfo{
		Code:       string(err.Code),
		Message:    err.Message,
		Retryable:  err.Retryable,
		HTTPStatus: status,
	}

	// 5xx 记为 error，其余为 warn
	log := logger.Warn
	if status >= http.StatusInternalServerError {
		log = logger.Error
	}
	log("API error",
		zap.String("code", string(err.Code)),
		zap.String("message", err.Message),
		zap.Int("status", status),
		zap.Bool("retryable", err.Retryable),
		zap.Error(err.Cause),
	)

	WriteJSON(w, status, Response{
		Success:   false,
		Error:     errorInfo,
		Timestamp: time.Now(),
	})
}

// WriteErrorMessage 写入简单错误消息
func WriteErrorMessage(w http.ResponseWriter, status int, code types.ErrorCode, message string, logger *zap.Logger) {
	err := types.NewError(code, message).WithHTTPStatus(status)
	WriteError(w, err, logger)
}

// WriteDomainError 将领域错误映射为 types.Error 后写出
func WriteDomainError(w http.ResponseWriter, err error, logger *zap.Logger) {
	WriteError(w, ToAPIError(err), logger)
}

// ToAPIError 把引擎、注册表和存储返回的错误归一为 types.Error
func ToAPIError(err error) *types.Error {
	if apiErr, ok := types.AsError(err); ok {
		return apiErr
	}

	var (
		mapping *workflow.DataMappingError
		noAgent *registry.NoCapableAgentError
		failed  *dispatch.FailedError
	)
	switch {
	case errors.As(err, &mapping):
		return types.NewError(types.ErrDataMapping, err.Error()).WithCause(err)
	case workflow.IsValidationError(err):
		return types.NewError(types.ErrInvalidDefinition, err.Error()).WithCause(err)
	case errors.Is(err, persistence.ErrNotFound), errors.Is(err, registry.ErrAgentNotFound):
		return types.NewError(types.ErrNotFound, err.Error()).WithCause(err)
	case errors.Is(err, persistence.ErrInvalidInput):
		return types.NewError(types.ErrInvalidRequest, err.Error()).WithCause(err)
	case errors.Is(err, workflow.ErrExecutionTerminal):
		return types.NewError(types.ErrExecutionTerminal, err.Error()).WithCause(err)
	case errors.Is(err, orchestrator.ErrShuttingDown):
		return types.NewError(types.ErrServiceUnavailable, err.Error()).WithCause(err).WithRetryable(true)
	case errors.Is(err, persistence.ErrStoreClosed):
		return types.NewError(types.ErrStoreUnavailable, err.Error()).WithCause(err).WithRetryable(true)
	case errors.As(err, &noAgent):
		return types.NewError(types.ErrAgentUnavailable, err.Error()).WithCause(err).WithRetryable(true)
	case errors.As(err, &failed):
		switch failed.Reason {
		case workflow.ReasonAgentUnavailable:
			return types.NewError(types.ErrAgentUnavailable, err.Error()).WithCause(err).WithRetryable(true)
		case workflow.ReasonTimeout:
			return types.NewError(types.ErrTimeout, err.Error()).WithCause(err).WithRetryable(true)
		case workflow.ReasonCancelled:
			return types.NewError(types.ErrCancelled, err.Error()).WithCause(err)
		}
		return types.NewError(types.ErrTaskFailed, err.Error()).WithCause(err)
	case errors.Is(err, context.DeadlineExceeded):
		return types.NewError(types.ErrTimeout, "request timed out").WithCause(err).WithRetryable(true)
	case errors.Is(err, context.Canceled):
		return types.NewError(types.ErrCancelled, "request cancelled").WithCause(err)
	}
	return types.NewError(types.ErrInternalError, "internal error").WithCause(err)
}

// =============================================================================
// 🔄 错误码到 HTTP 状态码映射
// =============================================================================

var codeStatus = map[types.ErrorCode]int{
	types.ErrInvalidRequest:    http.StatusBadRequest,
	types.ErrInvalidDefinition: http.StatusBadRequest,
	types.ErrDataMapping:       http.StatusBadRequest,
	types.ErrUnauthorized:      http.StatusUnauthorized,
	types.ErrForbidden:         http.StatusForbidden,
	types.ErrNotFound:          http.StatusNotFound,
	types.ErrConflict:          http.StatusConflict,
	types.ErrExecutionTerminal: http.StatusConflict,
	types.ErrCancelled:         http.StatusRequestTimeout,
	types.ErrTaskFailed:        http.StatusUnprocessableEntity,
	types.ErrRateLimited:       http.StatusTooManyRequests,

	types.ErrInternalError:      http.StatusInternalServerError,
	types.ErrAgentUnavailable:   http.StatusServiceUnavailable,
	types.ErrServiceUnavailable: http.StatusServiceUnavailable,
	types.ErrStoreUnavailable:   http.StatusServiceUnavailable,
	types.ErrTimeout:            http.StatusGatewayTimeout,
}

func mapErrorCodeToHTTPStatus(code types.ErrorCode) int {
	if status, ok := codeStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// =============================================================================
// 🛡️ 请求体
// =============================================================================

// DecodeJSONBody 严格解码单个 JSON 对象：拒绝未知字段与尾随数据。
// 未声明 Content-Type 时按 JSON 处理，声明了其它类型返回 415，超过 1 MiB 返回 413。
// 出错时已写出响应，调用方直接返回即可。
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) error {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		if mediaType, _, err := mime.ParseMediaType(ct); err != nil || mediaType != "application/json" {
			apiErr := types.NewError(types.ErrInvalidRequest, "Content-Type must be application/json").
				WithHTTPStatus(http.StatusUnsupportedMediaType)
			WriteError(w, apiErr, logger)
			return apiErr
		}
	}
	if r.Body == nil || r.Body == http.NoBody {
		apiErr := types.NewError(types.ErrInvalidRequest, "request body is empty")
		WriteError(w, apiErr, logger)
		return apiErr
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	err := dec.Decode(dst)
	if err == nil && dec.More() {
		err = errors.New("unexpected data after JSON object")
	}
	if err != nil {
		apiErr := bodyError(err, "invalid JSON body")
		WriteError(w, apiErr, logger)
		return apiErr
	}
	return nil
}

// ReadBody 读取原始请求体（用于 YAML/JSON 双格式端点）
func ReadBody(w http.ResponseWriter, r *http.Request, logger *zap.Logger) ([]byte, bool) {
	if r.Body == nil || r.Body == http.NoBody {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "request body is empty"), logger)
		return nil, false
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteError(w, bodyError(err, "failed to read body"), logger)
		return nil, false
	}
	return data, true
}

func bodyError(err error, msg string) *types.Error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return types.NewError(types.ErrInvalidRequest, "request body too large").
			WithCause(err).
			WithHTTPStatus(http.StatusRequestEntityTooLarge)
	}
	return types.NewError(types.ErrInvalidRequest, msg).WithCause(err).WithHTTPStatus(http.StatusBadRequest)
}
