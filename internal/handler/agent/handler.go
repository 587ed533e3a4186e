package agent

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/gyb-chat/backend/internal/model/agent"
	"github.com/zhouzirui/gyb-chat/backend/pkg/utils"
)

// Handler agent目录的HTTP处理器
type Handler struct {
	agents agent.Store
}

// New 创建agent处理器
func New(agents agent.Store) *Handler {
	return &Handler{agents: agents}
}

// RegisterRoutes 注册agent相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/agents", h.handleListAgents)
	r.Get("/agents/{key}", h.handleGetAgent)
}

type agentView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Title     string `json:"title"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl"`
	Greeting  string `json:"greeting"`
}

func toView(a agent.Agent) agentView {
	return agentView{
		ID:        a.ID,
		Name:      a.Name,
		Title:     a.Title,
		Username:  a.Username,
		AvatarURL: a.AvatarURL,
		Greeting:  a.Greeting(),
	}
}

// handleListAgents 列出所有agent，不暴露系统提示词
func (h *Handler) handleListAgents(w http.ResponseWriter, r *http.Request) {
	items := h.agents.List()
	out := make([]agentView, 0, len(items))
	for _, a := range items {
		out = append(out, toView(a))
	}
	utils.RespondJSON(w, http.StatusOK, out)
}

// handleGetAgent 按 id 或名称查询
func (h *Handler) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, ok := h.agents.Resolve(chi.URLParam(r, "key"))
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "agent not found")
		return
	}
	utils.RespondJSON(w, http.StatusOK, toView(a))
}
