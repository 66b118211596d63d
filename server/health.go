// health.go — обработчики health endpoints Metadata Module.
// /health/live — liveness probe (процесс жив)
// /health/ready — readiness probe (подключение к хранилищу в фазе Ready)
// /metrics — Prometheus метрики
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigkaa/goartstore/metadata-module/config"
	"github.com/bigkaa/goartstore/metadata-module/metadata"
)

// Константы статусов health check.
const (
	statusOK   = "ok"
	statusFail = "fail"
)

// HealthHandler — обработчик health endpoints.
type HealthHandler struct {
	client      *metadata.Client
	promHandler http.Handler
}

// NewHealthHandler создаёт обработчик health endpoints.
// client — клиент слоя метаданных; readiness отражает фазу его
// конечного автомата подключения.
func NewHealthHandler(client *metadata.Client) *HealthHandler {
	return &HealthHandler{
		client:      client,
		promHandler: promhttp.Handler(),
	}
}

// healthCheckResult — результат проверки одной зависимости.
type healthCheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// healthLiveResponse — ответ liveness probe.
type healthLiveResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	Service   string `json:"service"`
}

// healthReadyResponse — ответ readiness probe.
type healthReadyResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	Service   string `json:"service"`
	Checks    struct {
		Metadata healthCheckResult `json:"metadata"`
	} `json:"checks"`
}

// HealthLive — liveness probe. Возвращает 200 если процесс жив.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	resp := healthLiveResponse{
		Status:    statusOK,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   config.Version,
		Service:   "metadata-module",
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// HealthReady — readiness probe. Готовность определяется фазой
// конечного автомата: Ready — 200, любая другая фаза — 503 с именем
// фазы и последней ошибкой инициализации.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	resp := healthReadyResponse{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   config.Version,
		Service:   "metadata-module",
	}

	stats := h.client.Stats()
	if stats.State == metadata.StateReady {
		resp.Checks.Metadata = healthCheckResult{Status: statusOK}
	} else {
		msg := "фаза: " + string(stats.State)
		if stats.LastError != "" {
			msg += "; последняя ошибка: " + stats.LastError
		}
		resp.Checks.Metadata = healthCheckResult{Status: statusFail, Message: msg}
	}

	resp.Status = resp.Checks.Metadata.Status

	w.Header().Set("Content-Type", "application/json")
	if resp.Status == statusFail {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// GetMetrics — Prometheus метрики.
func (h *HealthHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.promHandler.ServeHTTP(w, r)
}
