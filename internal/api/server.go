package api

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	metricsv "k8s.io/metrics/pkg/client/clientset/versioned"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/migalsp/kubex-appswitch/internal/cost"
	"github.com/migalsp/kubex-appswitch/internal/lifecycle"
	"github.com/migalsp/kubex-appswitch/internal/registry"
	"github.com/migalsp/kubex-appswitch/internal/sharing"
)

// Version is set at build time via ldflags
var Version = "dev"

// Server exposes applications, operations and databases over HTTP.
type Server struct {
	Registry  *registry.Registry
	Lifecycle *lifecycle.Controller
	Cost      *cost.Estimator
	Auth      *Authenticator

	K8sClient     kubernetes.Interface
	MetricsClient metricsv.Interface
	Port          string
	// Namespace of the operator pod, used for its own health and logs.
	Namespace string

	mu      sync.Mutex
	history []operatorHealth
}

//go:embed openapi.yaml
var openapiSpec []byte

// Handler returns the routed and authenticated handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/apps", s.handleApps)
	mux.HandleFunc("GET /api/apps/{name}", s.handleApp)
	mux.HandleFunc("POST /api/apps/{name}/start", s.handleAppAction(lifecycle.ActionStart))
	mux.HandleFunc("POST /api/apps/{name}/stop", s.handleAppAction(lifecycle.ActionStop))
	mux.HandleFunc("GET /api/apps/{name}/cost", s.handleAppCost)
	mux.HandleFunc("PUT /api/apps/{name}/schedule", s.handleAppSchedule)
	mux.HandleFunc("GET /api/operations/{id}", s.handleOperation)
	mux.HandleFunc("GET /api/databases", s.handleDatabases)
	mux.HandleFunc("POST /api/databases/{engine}/{id}/{action}", s.handleDatabaseAction)

	mux.HandleFunc("/api/cluster-info", s.handleClusterInfo)
	mux.HandleFunc("/api/operator/health", s.handleOperatorHealth)
	mux.HandleFunc("/api/operator/logs", s.handleOperatorLogs)
	mux.HandleFunc("/api/version", s.handleVersion)
	mux.HandleFunc("/api/login", s.Auth.HandleLogin)
	mux.HandleFunc("/api/logout", s.Auth.HandleLogout)
	mux.HandleFunc("/api/openapi.yaml", handleOpenAPISpec)
	mux.HandleFunc("/api/docs", handleSwaggerUI)

	return s.Auth.Middleware(mux)
}

// Start serves until ctx is cancelled. It satisfies manager.Runnable.
func (s *Server) Start(ctx context.Context) error {
	log := logf.FromContext(ctx).WithName("api-server")

	addr := ":" + s.Port
	if s.Port == "" {
		addr = ":8082"
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	log.Info("Starting API server", "addr", addr, "auth", s.Auth.Enabled())

	go func() {
		<-ctx.Done()
		log.Info("Shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error(err, "API server shutdown failed")
		}
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// NeedLeaderElection lets every replica serve the API; operations are
// serialised by leases, not by leadership.
func (s *Server) NeedLeaderElection() bool {
	return false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleClusterInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.K8sClient == nil {
		http.Error(w, "Kubernetes client not configured", http.StatusServiceUnavailable)
		return
	}

	version, err := s.K8sClient.Discovery().ServerVersion()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"version":  version.GitVersion,
		"platform": version.Platform,
	})
}

// operatorHealth is one sample of the operator's own state.
type operatorHealth struct {
	Status          string         `json:"status"`
	Error           string         `json:"error,omitempty"`
	ManagedApps     int            `json:"managedApps"`
	AppHealth       map[string]int `json:"appHealth"`
	SharedDatabases int            `json:"sharedDatabases"`
	CPUUsage        float64        `json:"cpuUsage"`
	CPURequests     float64        `json:"cpuRequests"`
	MemoryUsageMiB  float64        `json:"memoryUsageMiB"`
	MemoryRequests  float64        `json:"memoryRequestsMiB"`
	Goroutines      int            `json:"goroutines"`
	Timestamp       metav1.Time    `json:"timestamp"`
}

const healthSamples = 60

func (s *Server) handleOperatorHealth(w http.ResponseWriter, r *http.Request) {
	sample := operatorHealth{
		Status:     "healthy",
		AppHealth:  map[string]int{},
		Goroutines: runtime.NumGoroutine(),
		Timestamp:  metav1.Now(),
	}

	if apps, err := s.Registry.Snapshot(r.Context()); err != nil {
		sample.Status = "degraded"
		sample.Error = err.Error()
	} else {
		sample.ManagedApps = len(apps)
		for _, app := range apps {
			h := string(app.Status.Health)
			if h == "" {
				h = "UNKNOWN"
			}
			sample.AppHealth[h]++
		}
		for _, m := range sharing.Build(apps) {
			if m.IsShared() {
				sample.SharedDatabases++
			}
		}
	}
	s.podUsage(r.Context(), &sample)

	s.mu.Lock()
	s.history = append(s.history, sample)
	if len(s.history) > healthSamples {
		s.history = s.history[len(s.history)-healthSamples:]
	}
	history := append([]operatorHealth(nil), s.history...)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"current": sample,
		"history": history,
	})
}

// podUsage fills in requests and live usage of the operator pod. Outside a
// cluster only the Go heap is reported.
func (s *Server) podUsage(ctx context.Context, h *operatorHealth) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	h.MemoryUsageMiB = float64(m.Alloc) / 1024 / 1024

	podName := os.Getenv("HOSTNAME")
	if podName == "" || s.Namespace == "" || s.K8sClient == nil {
		return
	}
	if pod, err := s.K8sClient.CoreV1().Pods(s.Namespace).Get(ctx, podName, metav1.GetOptions{}); err == nil {
		for _, c := range pod.Spec.Containers {
			h.CPURequests += float64(c.Resources.Requests.Cpu().MilliValue()) / 1000
			h.MemoryRequests += float64(c.Resources.Requests.Memory().Value()) / 1024 / 1024
		}
	}
	if s.MetricsClient == nil {
		return
	}
	pm, err := s.MetricsClient.MetricsV1beta1().PodMetricses(s.Namespace).Get(ctx, podName, metav1.GetOptions{})
	if err != nil {
		return
	}
	var cpu, mem int64
	for _, c := range pm.Containers {
		cpu += c.Usage.Cpu().MilliValue()
		mem += c.Usage.Memory().Value()
	}
	h.CPUUsage = float64(cpu) / 1000
	h.MemoryUsageMiB = float64(mem) / 1024 / 1024
}

const maxLogLines = 1000

// handleOperatorLogs returns the tail of the operator pod's log, ?lines=N (default 100).
func (s *Server) handleOperatorLogs(w http.ResponseWriter, r *http.Request) {
	podName := os.Getenv("HOSTNAME")
	if podName == "" || s.Namespace == "" || s.K8sClient == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "operator pod not detected"})
		return
	}

	lines := int64(100)
	if v := r.URL.Query().Get("lines"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "lines must be a positive integer"})
			return
		}
		lines = min(n, maxLogLines)
	}

	logs, err := s.K8sClient.CoreV1().Pods(s.Namespace).GetLogs(podName, &corev1.PodLogOptions{TailLines: &lines}).DoRaw(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "failed to fetch logs: " + err.Error()})
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(logs)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": Version,
	})
}

func handleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-yaml")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Write(openapiSpec)
}

const swaggerPage = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>kubex-appswitch API</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>SwaggerUIBundle({url: '/api/openapi.yaml', dom_id: '#swagger-ui'});</script>
</body>
</html>`

func handleSwaggerUI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(swaggerPage))
}
