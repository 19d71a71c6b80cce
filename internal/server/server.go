// Package server 提供截图任务的HTTP提交接口、状态查询与Prometheus指标
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/RecoveryAshes/RenderGuard/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const maxBodyBytes = 1 << 20

// Service 服务端依赖的任务服务
type Service interface {
	Do(ctx context.Context, job *models.Job) models.JobResult
	Status() models.StatusSnapshot
	RequestRestart() bool
}

// Config HTTP服务配置
type Config struct {
	Addr            string
	RateLimit       float64 // 每秒允许提交的任务数,0表示不限制
	RateBurst       int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server HTTP服务
type Server struct {
	cfg     Config
	svc     Service
	metrics *Metrics
	limiter *rate.Limiter
	router  chi.Router
}

// New 创建HTTP服务,metrics为nil时不暴露/metrics
func New(cfg Config, svc Service, metrics *Metrics) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	s := &Server{cfg: cfg, svc: svc, metrics: metrics}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/restart", s.handleRestart)
		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit)
			r.Post("/jobs", s.handleSubmit)
			r.Get("/screenshot", s.handleScreenshot)
		})
	})
	return r
}

// Handler 返回路由
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe 监听并服务,ctx结束时优雅关闭
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("监听%s失败: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve 在给定监听器上服务
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", ln.Addr().String()).Msg("HTTP服务已启动")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("关闭HTTP服务失败: %w", err)
	}
	log.Info().Msg("HTTP服务已关闭")
	return nil
}

// rateLimit 超过提交速率时在入队前直接拒绝
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			respondFailure(w, http.StatusTooManyRequests, "", &models.Failure{
				Kind:    models.KindQueueFull,
				Message: "提交过于频繁,请稍后重试",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", time.Since(start)).
			Msg("HTTP请求")
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var job models.Job
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&job); err != nil {
		respondFailure(w, http.StatusBadRequest, "", &models.Failure{
			Kind:    models.KindInvalidInput,
			Message: fmt.Sprintf("请求体不是合法的任务描述: %v", err),
		})
		return
	}
	job.ID = ""
	job.EnsureID()
	s.run(w, r, &job)
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	s.run(w, r, models.NewJob(r.URL.Query().Get("url")))
}

func (s *Server) run(w http.ResponseWriter, r *http.Request, job *models.Job) {
	result := s.svc.Do(r.Context(), job)
	if !result.OK() {
		failure := result.Failure
		if failure == nil {
			failure = &models.Failure{Kind: models.KindInternal, Message: "任务没有返回结果"}
		}
		respondFailure(w, StatusFor(failure.Kind), result.JobID, failure)
		return
	}

	if wantsJSON(r) {
		respondJSON(w, http.StatusOK, jobResponse{
			JobResult: result,
			Image:     base64.StdEncoding.EncodeToString(result.Artifact.Bytes),
		})
		return
	}

	a := result.Artifact
	w.Header().Set("Content-Type", a.MimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(a.Bytes)))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Job-Id", result.JobID)
	w.Header().Set("X-Capture-Fallback", strconv.FormatBool(a.Fallback))
	if result.FinalURL != "" {
		w.Header().Set("X-Final-Url", result.FinalURL)
	}
	if result.Login != nil {
		w.Header().Set("X-Login-Success", strconv.FormatBool(result.Login.Success))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(a.Bytes)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.svc.Status())
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	st := s.svc.Status()
	code := http.StatusOK
	switch st.Supervisor {
	case models.StateHealthy, models.StateRestarting:
	default:
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]interface{}{
		"state":   st.Supervisor,
		"waiting": st.QueueSize,
		"pending": st.Pending,
	})
}

func (s *Server) handleRestart(w http.ResponseWriter, _ *http.Request) {
	if !s.svc.RequestRestart() {
		respondJSON(w, http.StatusConflict, map[string]interface{}{
			"accepted": false,
			"state":    s.svc.Status().Supervisor,
		})
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{"accepted": true})
}

// StatusFor 失败类型对应的HTTP状态码
func StatusFor(kind models.ErrorKind) int {
	switch kind {
	case models.KindInvalidInput:
		return http.StatusBadRequest
	case models.KindQueueFull:
		return http.StatusTooManyRequests
	case models.KindPoolExhausted, models.KindPoolClosed, models.KindQueueClosed,
		models.KindResourceDisconnected, models.KindRestartBoundExceeded:
		return http.StatusServiceUnavailable
	case models.KindJobTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

type jobResponse struct {
	models.JobResult
	Image string `json:"image"`
}

type failureResponse struct {
	JobID   string `json:"jobId,omitempty"`
	Status  int    `json:"status"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func wantsJSON(r *http.Request) bool {
	if r.URL.Query().Get("format") == "json" {
		return true
	}
	return r.Header.Get("Accept") == "application/json"
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

func respondFailure(w http.ResponseWriter, status int, jobID string, f *models.Failure) {
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "1")
	}
	respondJSON(w, status, failureResponse{
		JobID:   jobID,
		Status:  status,
		Kind:    f.Kind.String(),
		Message: f.Message,
	})
}
