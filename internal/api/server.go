package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "OpenGoal-Chain/internal/errors"
	"OpenGoal-Chain/internal/goal"
	"OpenGoal-Chain/internal/observability/metrics"
	"OpenGoal-Chain/internal/orchestrator"
	"OpenGoal-Chain/internal/step"
	"OpenGoal-Chain/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Goals 是接口层需要的目标图能力，由 goal.Manager 实现。
type Goals interface {
	GetGoals() []*goal.Goal
	GetGoal(id string) (*goal.Goal, bool)
	GetReadyGoals(horizons ...goal.Horizon) []*goal.Goal
	GetGoalHierarchy(id string) ([]*goal.Goal, error)
	EstimateCompletionTime(id string) (int, error)
	UnblockGoal(id string) error
}

// Inputs 是接口层需要的调度能力，由 orchestrator.Orchestrator 实现。
type Inputs interface {
	Handlers() []orchestrator.HandlerInfo
	DispatchToInput(ctx context.Context, name string, data any) (any, error)
}

// Planner 是接口层需要的推理能力，由 cot.ChainOfThought 实现。
type Planner interface {
	PlanStrategy(ctx context.Context, objective string) ([]string, error)
	Steps() []step.Step
}

// Server 负责暴露 REST 接口，供外部查看和驱动引擎。
type Server struct {
	addr    string
	goals   Goals
	inputs  Inputs
	planner Planner
	metrics *metrics.Collector
	token   string
	logger  *slog.Logger
	audit   *slog.Logger
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithInputs 启用处理器列表与输入分发接口。
func WithInputs(in Inputs) Option {
	return func(s *Server) {
		if in != nil {
			s.inputs = in
		}
	}
}

// WithPlanner 启用目标规划与步骤轨迹接口。
func WithPlanner(p Planner) Option {
	return func(s *Server) {
		if p != nil {
			s.planner = p
		}
	}
}

// WithMetrics 挂载 /metrics 并记录请求指标。
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) {
		if c != nil {
			s.metrics = c
		}
	}
}

// WithToken 要求 /api 下的请求携带 Bearer token。
func WithToken(token string) Option {
	return func(s *Server) {
		s.token = strings.TrimSpace(token)
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, goals Goals, opts ...Option) *Server {
	s := &Server{addr: addr, goals: goals}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = logger.Named("api")
	}
	s.audit = logger.Audit()
	return s
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	s.route(mux, "GET /api/v1/goals", s.handleListGoals)
	s.route(mux, "GET /api/v1/goals/ready", s.handleReadyGoals)
	s.route(mux, "GET /api/v1/goals/{id}", s.handleGoalDetail)
	s.route(mux, "POST /api/v1/goals/{id}/unblock", s.handleUnblockGoal)
	if s.planner != nil {
		s.route(mux, "POST /api/v1/objectives", s.handlePlanObjective)
		s.route(mux, "GET /api/v1/steps", s.handleSteps)
	}
	if s.inputs != nil {
		s.route(mux, "GET /api/v1/handlers", s.handleListHandlers)
		s.route(mux, "POST /api/v1/inputs/{name}", s.handleDispatchInput)
	}
	return mux
}

func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	_, path, _ := strings.Cut(pattern, " ")
	mux.Handle(pattern, s.instrument(path, s.authenticate(h)))
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
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

func (s *Server) handleListGoals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	horizon := goal.Horizon(q.Get("horizon"))
	status := goal.Status(q.Get("status"))

	out := make([]*goal.Goal, 0)
	for _, g := range s.goals.GetGoals() {
		if horizon != "" && g.Horizon != horizon {
			continue
		}
		if status != "" && g.Status != status {
			continue
		}
		out = append(out, g)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReadyGoals(w http.ResponseWriter, r *http.Request) {
	var horizons []goal.Horizon
	for _, h := range r.URL.Query()["horizon"] {
		horizons = append(horizons, goal.Horizon(h))
	}
	ready := s.goals.GetReadyGoals(horizons...)
	if limit := parseLimit(r, 0); limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	writeJSON(w, http.StatusOK, ready)
}

type goalDetail struct {
	*goal.Goal
	Hierarchy      []*goal.Goal `json:"hierarchy,omitempty"`
	EstimatedUnits int          `json:"estimated_units"`
}

func (s *Server) handleGoalDetail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	g, ok := s.goals.GetGoal(id)
	if !ok {
		writeError(w, xerrors.Newf(goal.CodeGoalNotFound, "目标 %s 不存在", id))
		return
	}
	detail := goalDetail{Goal: g}
	hierarchy, err := s.goals.GetGoalHierarchy(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(hierarchy) > 1 {
		detail.Hierarchy = hierarchy[1:]
	}
	if detail.EstimatedUnits, err = s.goals.EstimateCompletionTime(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleUnblockGoal(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.goals.UnblockGoal(id); err != nil {
		writeError(w, err)
		return
	}
	g, _ := s.goals.GetGoal(id)
	s.audit.Info("解除目标阻塞", slog.String("goal_id", id))
	writeJSON(w, http.StatusOK, g)
}

type objectiveRequest struct {
	Objective string `json:"objective"`
}

func (s *Server) handlePlanObjective(w http.ResponseWriter, r *http.Request) {
	var req objectiveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Objective) == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "objective 不能为空"))
		return
	}
	ids, err := s.planner.PlanStrategy(r.Context(), req.Objective)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"goal_ids": ids})
}

func (s *Server) handleSteps(w http.ResponseWriter, r *http.Request) {
	steps := s.planner.Steps()
	if limit := parseLimit(r, 0); limit > 0 && len(steps) > limit {
		steps = steps[len(steps)-limit:]
	}
	writeJSON(w, http.StatusOK, steps)
}

func (s *Server) handleListHandlers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.inputs.Handlers())
}

func (s *Server) handleDispatchInput(w http.ResponseWriter, r *http.Request) {
	var payload any
	if err := decodeBody(r, &payload); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, err)
		return
	}
	result, err := s.inputs.DispatchToInput(r.Context(), r.PathValue("name"), payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func decodeBody(r *http.Request, out any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return err
		}
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

func parseLimit(r *http.Request, fallback int) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

type errorBody struct {
	Code    xerrors.Code `json:"code"`
	Message string       `json:"message"`
}

// statusOf 把错误码映射为 HTTP 状态码。
func statusOf(code xerrors.Code) int {
	switch code {
	case xerrors.CodeNotFound, goal.CodeGoalNotFound, orchestrator.CodeHandlerNotFound:
		return http.StatusNotFound
	case xerrors.CodeInvalidArgument, goal.CodeGoalInvalid, orchestrator.CodeHandlerRoleMismatch,
		orchestrator.CodePayloadInvalid:
		return http.StatusBadRequest
	case xerrors.CodeConflict, xerrors.CodeAlreadyCompleted, goal.CodeGoalCycle:
		return http.StatusConflict
	case xerrors.CodeRateLimited:
		return http.StatusTooManyRequests
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, io.EOF) {
		err = xerrors.New(xerrors.CodeInvalidArgument, "请求体为空")
	}
	code := xerrors.CodeOf(err)
	writeJSON(w, statusOf(code), errorBody{Code: code, Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
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
