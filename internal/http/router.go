package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

// NewCORS 创建跨域配置，WebSocket 入口复用其 OriginAllowed 做来源校验
func NewCORS(allowedOrigins []string) *cors.Cors {
	return cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
}

// NewRouter 注册所有路由
// live: 实时推送入口（WebSocket），为 nil 时不注册 /ws
func NewRouter(h *Handler, live http.Handler, c *cors.Cors) http.Handler {
	router := mux.NewRouter()

	api := router.PathPrefix("/api").Subrouter()
	// export 必须在 {report_id} 之前注册
	api.HandleFunc("/reports/export", h.ExportReports).Methods(http.MethodGet)
	api.HandleFunc("/reports/{report_id}", h.GetReport).Methods(http.MethodGet)
	api.HandleFunc("/reports", h.ListReports).Methods(http.MethodGet)
	api.HandleFunc("/microcontrollers/{id}", h.GetDevice).Methods(http.MethodGet)
	api.HandleFunc("/microcontrollers", h.ListDevices).Methods(http.MethodGet)
	api.HandleFunc("/logs", h.ListLogs).Methods(http.MethodGet)

	router.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)
	if live != nil {
		router.Handle("/ws", live).Methods(http.MethodGet)
	}

	if c == nil {
		return router
	}
	return c.Handler(router)
}
