// config 包的 HTTP 配置管理 API。
//
// 路由本身不做鉴权，由外层中间件负责。所有响应使用 api.Response 信封。
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/BaSui01/taskflow/api"
	"github.com/BaSui01/taskflow/types"
)

// ConfigAPIHandler 处理配置 API 请求
type ConfigAPIHandler struct {
	manager *HotReloadManager
}

// configData 是响应信封中 data 字段的结构，未用到的字段省略
type configData struct {
	Message         string               `json:"message,omitempty"`
	Config          map[string]any       `json:"config,omitempty"`
	Fields          map[string]FieldInfo `json:"fields,omitempty"`
	Changes         []ConfigChange       `json:"changes,omitempty"`
	History         []SnapshotInfo       `json:"history,omitempty"`
	Version         int                  `json:"version,omitempty"`
	RequiresRestart bool                 `json:"requires_restart,omitempty"`
}

// FieldInfo 描述一个可写字段，敏感字段不返回当前值
type FieldInfo struct {
	Path            string `json:"path"`
	Description     string `json:"description"`
	RequiresRestart bool   `json:"requires_restart"`
	Sensitive       bool   `json:"sensitive"`
	CurrentValue    any    `json:"current_value,omitempty"`
}

// SnapshotInfo 是历史快照的摘要，不包含配置内容
type SnapshotInfo struct {
	Version   int       `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Checksum  string    `json:"checksum"`
}

// ConfigUpdateRequest 是 PUT /api/v1/config 的请求体，
// 键为字段路径，如 {"updates": {"Log.Level": "debug"}}
type ConfigUpdateRequest struct {
	Updates map[string]any `json:"updates"`
}

const maxUpdateBody = 1 << 20

func NewConfigAPIHandler(manager *HotReloadManager) *ConfigAPIHandler {
	return &ConfigAPIHandler{manager: manager}
}

// RegisterRoutes 注册 /api/v1/config 下的全部路由
func (h *ConfigAPIHandler) RegisterRoutes(mux *http.ServeMux) {
	for pattern, fn := range map[string]func(*http.Request) (int, configData, error){
		"GET /api/v1/config":           h.current,
		"PUT /api/v1/config":           h.update,
		"POST /api/v1/config/reload":   h.reload,
		"POST /api/v1/config/rollback": h.rollback,
		"GET /api/v1/config/fields":    h.fields,
		"GET /api/v1/config/changes":   h.changes,
		"GET /api/v1/config/history":   h.history,
	} {
		mux.HandleFunc(pattern, serve(fn))
	}
}

// apiError 携带响应状态码与错误码
type apiError struct {
	status int
	code   types.ErrorCode
	err    error
}

func (e *apiError) Error() string { return e.err.Error() }
func (e *apiError) Unwrap() error { return e.err }

func badRequest(format string, args ...any) error {
	return &apiError{http.StatusBadRequest, types.ErrInvalidRequest, fmt.Errorf(format, args...)}
}

// serve 把返回 (状态, 数据, 错误) 的处理函数适配为 http.HandlerFunc
func serve(fn func(*http.Request) (int, configData, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxUpdateBody)
		}
		status, data, err := fn(r)
		if err == nil {
			writeAPIJSON(w, status, api.Response{Success: true, Data: data, Timestamp: time.Now()})
			return
		}
		ae := &apiError{http.StatusInternalServerError, types.ErrInternalError, err}
		errors.As(err, &ae)
		writeAPIJSON(w, ae.status, api.Response{
			Error:     &api.ErrorInfo{Code: string(ae.code), Message: err.Error()},
			Timestamp: time.Now(),
		})
	}
}

func (h *ConfigAPIHandler) current(*http.Request) (int, configData, error) {
	return http.StatusOK, h.state(""), nil
}

func (h *ConfigAPIHandler) state(msg string) configData {
	return configData{
		Message: msg,
		Config:  h.manager.SanitizedConfig(),
		Version: h.manager.GetCurrentVersion(),
	}
}

// update 整批写入字段，任一字段非法则全部不生效
func (h *ConfigAPIHandler) update(r *http.Request) (int, configData, error) {
	var req ConfigUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return 0, configData{}, badRequest("invalid request body: %v", err)
	}
	if len(req.Updates) == 0 {
		return 0, configData{}, badRequest("no updates provided")
	}

	restart, err := h.manager.UpdateFields(req.Updates, "api")
	if err != nil {
		return 0, configData{}, badRequest("update rejected: %v", err)
	}
	data := h.state("configuration updated")
	data.RequiresRestart = restart
	return http.StatusOK, data, nil
}

func (h *ConfigAPIHandler) reload(*http.Request) (int, configData, error) {
	if err := h.manager.ReloadFromFile(); err != nil {
		return 0, configData{}, fmt.Errorf("failed to reload configuration: %w", err)
	}
	return http.StatusOK, h.state("configuration reloaded"), nil
}

// rollback 回到上一个配置，或 ?version=N 指定的历史版本
func (h *ConfigAPIHandler) rollback(r *http.Request) (int, configData, error) {
	var err error
	if v := r.URL.Query().Get("version"); v != "" {
		version, convErr := strconv.Atoi(v)
		if convErr != nil {
			return 0, configData{}, badRequest("version must be an integer")
		}
		err = h.manager.RollbackToVersion(version)
	} else {
		err = h.manager.Rollback()
	}
	if err != nil {
		return 0, configData{}, &apiError{http.StatusConflict, types.ErrInvalidRequest, err}
	}
	return http.StatusOK, h.state("configuration rolled back"), nil
}

func (h *ConfigAPIHandler) fields(*http.Request) (int, configData, error) {
	out := make(map[string]FieldInfo, len(hotReloadableFields))
	for path, f := range hotReloadableFields {
		info := FieldInfo{
			Path:            path,
			Description:     f.Description,
			RequiresRestart: f.RequiresRestart,
			Sensitive:       f.Sensitive,
		}
		if !f.Sensitive {
			if v, err := h.manager.FieldValue(path); err == nil {
				if d, ok := v.(time.Duration); ok {
					v = d.String()
				}
				info.CurrentValue = v
			}
		}
		out[path] = info
	}
	return http.StatusOK, configData{Fields: out}, nil
}

func (h *ConfigAPIHandler) changes(r *http.Request) (int, configData, error) {
	limit := 50
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		limit = l
	}
	return http.StatusOK, configData{Changes: h.manager.GetChangeLog(limit)}, nil
}

func (h *ConfigAPIHandler) history(*http.Request) (int, configData, error) {
	snapshots := h.manager.GetConfigHistory()
	out := make([]SnapshotInfo, len(snapshots))
	for i, s := range snapshots {
		out[i] = SnapshotInfo{Version: s.Version, Timestamp: s.Timestamp, Source: s.Source, Checksum: s.Checksum}
	}
	return http.StatusOK, configData{History: out, Version: h.manager.GetCurrentVersion()}, nil
}

// writeAPIJSON 先序列化再写头，序列化失败时仍能返回 500
func writeAPIJSON(w http.ResponseWriter, status int, body any) {
	buf, err := json.Marshal(body)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"success":false,"error":{"code":"INTERNAL_ERROR","message":"failed to encode response"}}`))
		return
	}
	w.WriteHeader(status)
	_, _ = w.Write(buf)
}
