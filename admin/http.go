package admin

import (
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	loadingcache "github.com/linhx1999/LoadingCache-Go"
	"github.com/linhx1999/LoadingCache-Go/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// httpHandlers HTTP 管理接口
type httpHandlers struct {
	registry *Registry
	requests *metrics.RequestMetrics
	log      logrus.FieldLogger
}

// NewHandler 创建 HTTP 管理接口
//
//	GET    /caches                         缓存名称列表
//	GET    /caches/{name}/stats            统计信息
//	DELETE /caches/{name}                  清空缓存
//	DELETE /caches/{name}/keys/{key}       失效单个键
//	POST   /caches/{name}/keys/{key}/refresh  同步刷新单个键
//	POST   /caches/{name}/cleanup          执行一次完整维护
//	GET    /metrics                        Prometheus 指标
func NewHandler(registry *Registry, gatherer prometheus.Gatherer, requests *metrics.RequestMetrics, log logrus.FieldLogger) http.Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	h := &httpHandlers{registry: registry, requests: requests, log: log}

	router := mux.NewRouter()
	router.Use(h.instrument)

	router.HandleFunc("/caches", h.handleList).Methods(http.MethodGet)
	router.HandleFunc("/caches/{name}/stats", h.handleStats).Methods(http.MethodGet)
	router.HandleFunc("/caches/{name}", h.handleInvalidateAll).Methods(http.MethodDelete)
	router.HandleFunc("/caches/{name}/keys/{key}", h.handleInvalidate).Methods(http.MethodDelete)
	router.HandleFunc("/caches/{name}/keys/{key}/refresh", h.handleRefresh).Methods(http.MethodPost)
	router.HandleFunc("/caches/{name}/cleanup", h.handleCleanUp).Methods(http.MethodPost)
	router.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)

	if gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return router
}

func (h *httpHandlers) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"caches": h.registry.Names(),
	})
}

func (h *httpHandlers) handleStats(w http.ResponseWriter, r *http.Request) {
	c, ok := h.cache(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, Snapshot(c))
}

func (h *httpHandlers) handleInvalidateAll(w http.ResponseWriter, r *http.Request) {
	c, ok := h.cache(w, r)
	if !ok {
		return
	}
	c.InvalidateAll()
	w.WriteHeader(http.StatusNoContent)
}

func (h *httpHandlers) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	c, ok := h.cache(w, r)
	if !ok {
		return
	}
	if err := c.Invalidate(mux.Vars(r)["key"]); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *httpHandlers) handleRefresh(w http.ResponseWriter, r *http.Request) {
	c, ok := h.cache(w, r)
	if !ok {
		return
	}
	if err := c.Refresh(r.Context(), mux.Vars(r)["key"]); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *httpHandlers) handleCleanUp(w http.ResponseWriter, r *http.Request) {
	c, ok := h.cache(w, r)
	if !ok {
		return
	}
	c.CleanUp()
	w.WriteHeader(http.StatusNoContent)
}

func (h *httpHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"caches":    len(h.registry.Names()),
	})
}

// cache 查找路径中的缓存，不存在时写入 404
func (h *httpHandlers) cache(w http.ResponseWriter, r *http.Request) (Cache, bool) {
	c, err := h.registry.Get(mux.Vars(r)["name"])
	if err != nil {
		h.writeError(w, err)
		return nil, false
	}
	return c, true
}

func (h *httpHandlers) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	var loadErr *loadingcache.LoadError
	switch {
	case errors.Is(err, ErrCacheNotFound):
		code = http.StatusNotFound
	case errors.Is(err, ErrInvalidKey), errors.Is(err, loadingcache.ErrNilKey):
		code = http.StatusBadRequest
	case errors.Is(err, loadingcache.ErrCacheClosed):
		code = http.StatusConflict
	case errors.As(err, &loadErr):
		code = http.StatusBadGateway
	}
	if code == http.StatusInternalServerError {
		h.log.Errorf("[Admin] request failed: %v", err)
	}
	writeJSON(w, code, map[string]interface{}{"error": err.Error()})
}

// instrument 记录请求指标，method 标签使用路由模板
func (h *httpHandlers) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		h.requests.Record("http", r.Method+" "+route, http.StatusText(rec.status), time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
