package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"scheduled-gpt-oracle/internal/agent"
	"scheduled-gpt-oracle/internal/auth"
	xerrors "scheduled-gpt-oracle/internal/errors"
	"scheduled-gpt-oracle/internal/ledger"
	"scheduled-gpt-oracle/internal/observability/metrics"
	"scheduled-gpt-oracle/internal/oracle"
	"scheduled-gpt-oracle/internal/taskqueue"
	"scheduled-gpt-oracle/pkg/logger"
)

const (
	defaultReplayCacheSize = 4096
	maxBodyBytes           = 1 << 20
	requestIDHeader        = "X-Request-ID"
)

// Options 汇总 API 服务依赖的组件。
type Options struct {
	Runtime    *ledger.Runtime
	Oracle     *oracle.Service
	Queues     *taskqueue.Service
	Deployment agent.Deployment
	// Custodial 判断服务端能否代表该地址签名，为空时拒绝所有写操作。
	Custodial func(ledger.PublicKey) bool
	// Auth 校验写接口的访问令牌，为空时不做认证。
	Auth *auth.Service
	// OracleIdentity 是进程外预言机回调使用的签名公钥，为零值时拒绝所有 HTTP 回调。
	OracleIdentity  ledger.PublicKey
	Metrics         *metrics.Metrics
	ReplayCacheSize int
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// Server 负责暴露 REST 接口，供外部驱动智能体执行。
type Server struct {
	addr    string
	opts    Options
	replays *lru.Cache[string, struct{}]
	handler http.Handler
	logger  *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, opts Options) (*Server, error) {
	if opts.Runtime == nil || opts.Oracle == nil || opts.Queues == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "api server requires runtime, oracle and task queue")
	}
	size := opts.ReplayCacheSize
	if size <= 0 {
		size = defaultReplayCacheSize
	}
	replays, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "create replay cache")
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = logger.Named("api")
	}

	s := &Server{addr: addr, opts: opts, replays: replays, logger: log}
	mux := http.NewServeMux()
	guard := opts.Auth.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{http.MethodPost: {auth.PermissionAgentWrite}},
		AuditEvent:          "agent_write",
		Deny:                s.deny,
	})
	mux.Handle("POST /api/v1/agent/initialize", guard(http.HandlerFunc(s.handleInitialize)))
	mux.Handle("POST /api/v1/agent/interact", guard(http.HandlerFunc(s.handleInteract)))
	mux.Handle("POST /api/v1/agent/schedule", guard(http.HandlerFunc(s.handleSchedule)))
	mux.HandleFunc("POST /api/v1/agent/callback", s.handleCallback)
	mux.HandleFunc("GET /api/v1/agent", s.handleAgent)
	mux.HandleFunc("GET /api/v1/queue", s.handleQueue)
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.handleTask)
	mux.HandleFunc("GET /api/v1/interactions/{address}", s.handleInteraction)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics.Handler())
	}
	s.handler = s.withRequestID(s.withMetrics(mux))
	return s, nil
}

// Handler 返回带中间件的路由，便于测试与嵌入。
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("api server listening", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

type requestIDKey struct{}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		s.opts.Metrics.ObserveHTTPRequest(pattern, r.Method, rec.status, time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// deny 以统一的错误格式输出认证失败。
func (s *Server) deny(w http.ResponseWriter, r *http.Request, status int, err error) {
	writeJSON(w, status, errorBody{Error: apiError{
		Code:      string(xerrors.CodeAuthorization),
		Message:   err.Error(),
		RequestID: requestID(r.Context()),
	}})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	code := xerrors.CodeOf(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("request_id", requestID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error_code", string(code)),
			slog.Any("error", err))
	}
	writeJSON(w, status, errorBody{Error: apiError{
		Code:      string(code),
		Message:   message,
		RequestID: requestID(r.Context()),
	}})
}

// statusOf 将统一错误码映射为 HTTP 状态码。
func statusOf(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, xerrors.CodeInvalidAccount, xerrors.CodeInvalidInstruction,
		xerrors.CodeCompilation, xerrors.CodeContextMismatch:
		return http.StatusBadRequest
	case xerrors.CodeAuthorization:
		return http.StatusForbidden
	case xerrors.CodeAccountNotFound:
		return http.StatusNotFound
	case xerrors.CodeAlreadyInitialized, xerrors.CodeDuplicateTask, xerrors.CodeAccountInUse:
		return http.StatusConflict
	case xerrors.CodeInsufficientFunds:
		return http.StatusPaymentRequired
	case xerrors.CodeDelegatedCall:
		return http.StatusBadGateway
	case xerrors.CodeStorageFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
