// Package api 暴露 REST 接口：同步轮次、异步作业、规则检查、工具目录与运维端点。
package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"AgentFlow/internal/agent"
	"AgentFlow/internal/auth"
	xerrors "AgentFlow/internal/errors"
	"AgentFlow/internal/jobs"
	"AgentFlow/internal/observability/metrics"
	"AgentFlow/internal/rules"
	"AgentFlow/internal/tool"
	"AgentFlow/pkg/logger"
)

const maxBodyBytes = 1 << 20

// TurnHandler 处理同步轮次，由 agent.Agent 实现。
type TurnHandler interface {
	HandleTurn(ctx context.Context, req agent.TurnRequest) (*agent.TurnOutcome, error)
}

// RuleChecker 执行一次规则检查周期，由 rules.Engine 实现。
type RuleChecker interface {
	CheckRules(ctx context.Context, userID string) (rules.CheckSummary, error)
}

// ToolCatalog 列出已注册的工具，由 tool.Registry 实现。
type ToolCatalog interface {
	Definitions() []tool.Definition
}

// Server 负责暴露 REST 接口。未配置的组件对应的接口返回 503。
type Server struct {
	addr   string
	turns  TurnHandler
	jobs   *jobs.Service
	rules  RuleChecker
	tools  ToolCatalog
	auth   *auth.Service
	logger *slog.Logger
}

// Option 定义 Server 的可选组件。
type Option func(*Server)

// WithTurns 启用同步轮次接口。
func WithTurns(h TurnHandler) Option {
	return func(s *Server) { s.turns = h }
}

// WithJobs 启用异步作业接口。
func WithJobs(svc *jobs.Service) Option {
	return func(s *Server) { s.jobs = svc }
}

// WithRules 启用规则检查接口。
func WithRules(c RuleChecker) Option {
	return func(s *Server) { s.rules = c }
}

// WithTools 启用工具目录接口。
func WithTools(c ToolCatalog) Option {
	return func(s *Server) { s.tools = c }
}

// WithAuth 为 /api/v1 下的接口启用令牌认证。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, opts ...Option) *Server {
	s := &Server{addr: addr, logger: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回挂载了全部路由的 http.Handler。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST /api/v1/turns", "turns.create", auth.PermTurnsWrite, s.handleCreateTurn)
	s.route(mux, "POST /api/v1/jobs", "jobs.create", auth.PermJobsWrite, s.handleCreateJob)
	s.route(mux, "GET /api/v1/jobs", "jobs.list", auth.PermJobsRead, s.handleListJobs)
	s.route(mux, "GET /api/v1/jobs/stats", "jobs.stats", auth.PermJobsRead, s.handleJobStats)
	s.route(mux, "GET /api/v1/jobs/{id}", "jobs.get", auth.PermJobsRead, s.handleGetJob)
	s.route(mux, "POST /api/v1/rules/check", "rules.check", auth.PermRulesCheck, s.handleCheckRules)
	s.route(mux, "GET /api/v1/tools", "tools.list", auth.PermToolsRead, s.handleListTools)
	mux.Handle("GET /healthz", instrument("healthz", http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// route 挂载需要认证的接口；认证关闭时 permission 不生效。
func (s *Server) route(mux *http.ServeMux, pattern, name, permission string, h http.HandlerFunc) {
	var handler http.Handler = h
	if s.auth != nil {
		handler = s.auth.Middleware(auth.MiddlewareConfig{
			Permission: permission,
			AuditEvent: name,
			OnError:    writeError,
		})(handler)
	}
	mux.Handle(pattern, instrument(name, handler))
}

type turnRequest struct {
	TurnID         string `json:"turn_id,omitempty"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Message        string `json:"message"`
}

func (s *Server) handleCreateTurn(w http.ResponseWriter, r *http.Request) {
	if s.turns == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "agent is not configured"))
		return
	}
	var req turnRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !scopeUser(w, r, &req.UserID) {
		return
	}
	outcome, err := s.turns.HandleTurn(r.Context(), agent.TurnRequest(req))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "job service is not configured"))
		return
	}
	var req jobs.Request
	if !decodeBody(w, r, &req) {
		return
	}
	if !scopeUser(w, r, &req.UserID) {
		return
	}
	job, err := s.jobs.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "job service is not configured"))
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "job id is required"))
		return
	}
	job, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := auth.ScopeUser(r.Context(), job.UserID); err != nil {
		// 不暴露其他用户作业的存在。
		writeError(w, jobs.ErrJobNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "job service is not configured"))
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	list, err := s.jobs.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "job service is not configured"))
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.jobs.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type checkRulesRequest struct {
	UserID string `json:"user_id,omitempty"`
}

func (s *Server) handleCheckRules(w http.ResponseWriter, r *http.Request) {
	if s.rules == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "rule engine is not configured"))
		return
	}
	var req checkRulesRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	if !scopeUser(w, r, &req.UserID) {
		return
	}
	summary, err := s.rules.CheckRules(r.Context(), req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	if s.tools == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "tool registry is not configured"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.tools.Definitions()})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseListOptions 解析 status、user_id、q、limit、offset、order、has_result、updated_since 查询参数。
func parseListOptions(r *http.Request) ([]jobs.ListOption, error) {
	query := r.URL.Query()
	var opts []jobs.ListOption

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "limit must be a positive integer")
		}
		opts = append(opts, jobs.WithLimit(limit))
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "offset must be a non-negative integer")
		}
		opts = append(opts, jobs.WithOffset(offset))
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []jobs.Status
		for _, part := range strings.Split(raw, ",") {
			status := jobs.Status(strings.TrimSpace(part))
			if !jobs.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "unknown job status",
					xerrors.WithMetadata("status", string(status)))
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, jobs.WithStatuses(statuses...))
	}
	user, err := auth.ScopeUser(r.Context(), query.Get("user_id"))
	if err != nil {
		return nil, err
	}
	if user != "" {
		opts = append(opts, jobs.WithUser(user))
	}
	if raw := query.Get("q"); raw != "" {
		opts = append(opts, jobs.WithQuery(raw))
	}
	switch query.Get("order") {
	case "", "desc":
	case "asc":
		opts = append(opts, jobs.WithSortOrder(jobs.SortByUpdatedAsc))
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "order must be asc or desc")
	}
	if raw := query.Get("has_result"); raw != "" {
		has, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "has_result must be a boolean")
		}
		opts = append(opts, jobs.WithResultPresence(has))
	}
	if raw := query.Get("updated_since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "updated_since must be RFC3339")
		}
		opts = append(opts, jobs.WithUpdatedSince(ts))
	}
	return opts, nil
}

// scopeUser 将请求中的用户约束到调用方可以代表的用户。
func scopeUser(w http.ResponseWriter, r *http.Request, userID *string) bool {
	scoped, err := auth.ScopeUser(r.Context(), *userID)
	if err != nil {
		writeError(w, err)
		return false
	}
	*userID = scoped
	return true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return false
	}
	return true
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "服务已关闭"))
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
