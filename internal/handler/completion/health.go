package completion

import (
	"net/http"

	"github.com/zhouzirui/gyb-chat/backend/pkg/utils"
)

// Health 返回服务状态；未配置补全引擎时为 degraded
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if h.engine == nil {
		status = "degraded"
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"status": status,
		"engine": h.engine != nil,
	})
}
