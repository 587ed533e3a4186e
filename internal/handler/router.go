package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	agentHandler "github.com/zhouzirui/gyb-chat/backend/internal/handler/agent"
	chatHandler "github.com/zhouzirui/gyb-chat/backend/internal/handler/chat"
	"github.com/zhouzirui/gyb-chat/backend/internal/handler/completion"
	"github.com/zhouzirui/gyb-chat/backend/internal/handler/realtime"
	"github.com/zhouzirui/gyb-chat/backend/internal/model/agent"
	"github.com/zhouzirui/gyb-chat/backend/internal/service/session"
	"github.com/zhouzirui/gyb-chat/backend/internal/store"
)

// Deps 是路由依赖的服务集合。Engine 为 nil 时 /api/chat 返回 503。
type Deps struct {
	Agents         agent.Store
	Sessions       *session.Manager
	Engine         completion.Engine
	Docs           store.Store
	AllowedOrigins []string
	Logger         *slog.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization", chatHandler.OwnerHeader, "X-Request-Id"},
		ExposedHeaders:   []string{"Retry-After", "X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	completionHandler := completion.New(deps.Engine, logger)
	r.Get("/health", completionHandler.Health)

	r.Route("/api", func(api chi.Router) {
		completionHandler.RegisterRoutes(api)
		agentHandler.New(deps.Agents).RegisterRoutes(api)

		if deps.Sessions != nil {
			chatHandler.New(deps.Sessions, logger).RegisterRoutes(api)
		}
		if deps.Docs != nil {
			realtime.New(deps.Docs, logger).RegisterRoutes(api)
		}
	})

	return r
}

// requestLogger 使用 slog 记录每个请求
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("http_request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration_ms", time.Since(start).Milliseconds(),
					"request_id", middleware.GetReqID(r.Context()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
