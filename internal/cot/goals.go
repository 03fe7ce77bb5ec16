package cot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	xerrors "OpenGoal-Chain/internal/errors"
	"OpenGoal-Chain/internal/goal"
	"OpenGoal-Chain/internal/step"
	"OpenGoal-Chain/internal/telemetry"

	"go.opentelemetry.io/otel/codes"
)

// PlanStrategy 请模型把总体目标拆成长、中、短期目标并写入目标图，返回新目标 ID。
// 依赖依次按计划内 ID、已有目标 ID、目标描述解析，无法解析的依赖被忽略。
func (c *ChainOfThought) PlanStrategy(ctx context.Context, objective string) ([]string, error) {
	ctx, span := telemetry.StartSpan(ctx, c.tracer, "cot.plan_strategy")
	defer span.End()

	var reply strategyReply
	if err := c.ask(ctx, "strategy", c.strategyPrompt(objective), strategySchema, &reply); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	r := newDependencyResolver(c.goals)
	var ids []string
	for _, group := range []struct {
		horizon goal.Horizon
		specs   []goalSpec
	}{
		{goal.HorizonLong, reply.LongTerm},
		{goal.HorizonMedium, reply.MediumTerm},
		{goal.HorizonShort, reply.ShortTerm},
	} {
		for _, spec := range group.specs {
			created, err := c.createGoal(r, spec, group.horizon, "", objective)
			if err != nil {
				return ids, err
			}
			ids = append(ids, created.ID)
		}
	}
	c.addStep(step.TypePlanning, fmt.Sprintf("为目标 %q 规划了 %d 个子目标", objective, len(ids)), map[string]any{"goals": ids})
	return ids, nil
}

// RefineGoal 把非短期目标拆解为短期子目标，返回子目标 ID。
func (c *ChainOfThought) RefineGoal(ctx context.Context, id string) ([]string, error) {
	g, ok := c.goals.GetGoal(id)
	if !ok {
		return nil, xerrors.Newf(goal.CodeGoalNotFound, "目标 %s 不存在", id)
	}
	if !c.goals.CanBeRefined(id) {
		return nil, xerrors.Newf(goal.CodeGoalInvalid, "目标 %s 不能再拆解", id)
	}

	ctx, span := telemetry.StartSpan(ctx, c.tracer, "cot.refine_goal", telemetry.AttrGoalID.String(id))
	defer span.End()

	var reply refineReply
	if err := c.ask(ctx, "refine", c.refinePrompt(g), refineSchema, &reply); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	r := newDependencyResolver(c.goals)
	ids := make([]string, 0, len(reply.Subgoals))
	for _, spec := range reply.Subgoals {
		created, err := c.createGoal(r, spec, goal.HorizonShort, id, "")
		if err != nil {
			return ids, err
		}
		ids = append(ids, created.ID)
	}
	c.addStep(step.TypePlanning, fmt.Sprintf("目标 %s 拆解为 %d 个子目标", id, len(ids)), map[string]any{"goal_id": id, "subgoals": ids})
	return ids, nil
}

func (c *ChainOfThought) createGoal(r *dependencyResolver, spec goalSpec, horizon goal.Horizon, parent, objective string) (*goal.Goal, error) {
	deps := make([]string, 0, len(spec.Dependencies))
	for _, ref := range spec.Dependencies {
		if dep, ok := r.resolve(ref); ok {
			deps = append(deps, dep)
			continue
		}
		c.logger.Warn("忽略无法解析的目标依赖",
			slog.String("goal", spec.Description),
			slog.String("dependency", ref),
		)
	}
	input := goal.Goal{
		Horizon:         horizon,
		Description:     spec.Description,
		Priority:        spec.Priority,
		Dependencies:    deps,
		ParentGoal:      parent,
		SuccessCriteria: spec.SuccessCriteria,
		Status:          goal.StatusPending,
	}
	if objective != "" {
		input.Meta = map[string]any{"objective": objective}
	}
	created, err := c.goals.AddGoal(input)
	if err != nil {
		return nil, err
	}
	r.add(spec.ID, created)
	return created, nil
}

// dependencyResolver 把模型给出的依赖引用映射为真实目标 ID。
type dependencyResolver struct {
	goals   *goal.Manager
	local   map[string]string
	byDescr map[string]string
}

func newDependencyResolver(goals *goal.Manager) *dependencyResolver {
	r := &dependencyResolver{
		goals:   goals,
		local:   make(map[string]string),
		byDescr: make(map[string]string),
	}
	for _, g := range goals.GetGoals() {
		r.byDescr[normalize(g.Description)] = g.ID
	}
	return r
}

func (r *dependencyResolver) add(localID string, g *goal.Goal) {
	if localID = strings.TrimSpace(localID); localID != "" {
		r.local[localID] = g.ID
	}
	r.byDescr[normalize(g.Description)] = g.ID
}

func (r *dependencyResolver) resolve(ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false
	}
	if id, ok := r.local[ref]; ok {
		return id, true
	}
	if _, ok := r.goals.GetGoal(ref); ok {
		return ref, true
	}
	id, ok := r.byDescr[normalize(ref)]
	return id, ok
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// ExecuteNextGoal 依优先级处理下一个就绪目标并返回其结果，没有可处理的目标时返回 nil。
// 不可行的非短期目标先尝试拆解，无法拆解时阻塞整个子树；推理失败记为目标失败；
// 成功标准未达成时阻塞子树。目标级别的失败不会以错误形式返回。
func (c *ChainOfThought) ExecuteNextGoal(ctx context.Context) (*GoalExecution, error) {
	skipped := make(map[string]bool)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// 拆解会产生新的就绪目标，因此每轮重新读取。
		var next *goal.Goal
		for _, g := range c.goals.GetReadyGoals() {
			if !skipped[g.ID] {
				next = g
				break
			}
		}
		if next == nil {
			return nil, nil
		}
		exec, handled, err := c.executeGoal(ctx, next)
		if err != nil {
			return nil, err
		}
		if handled {
			return exec, nil
		}
		skipped[next.ID] = true
	}
}

// executeGoal 处理单个目标。handled 为 false 表示目标已被拆解或暂时跳过，应继续下一个。
func (c *ChainOfThought) executeGoal(ctx context.Context, g *goal.Goal) (*GoalExecution, bool, error) {
	ctx, span := telemetry.StartSpan(ctx, c.tracer, "cot.goal", telemetry.AttrGoalID.String(g.ID))
	defer span.End()

	log := c.logger.With(slog.String("goal_id", g.ID))

	// 子目标全部完成的父目标直接校验成功标准。
	if len(g.Subgoals) > 0 && g.Progress >= 100 {
		return c.validateGoal(ctx, g, nil), true, nil
	}

	var feasibility feasibilityReply
	if err := c.ask(ctx, "feasibility", c.feasibilityPrompt(g), feasibilitySchema, &feasibility); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, false, ctxErr
		}
		log.Warn("可行性评估失败，跳过该目标", slog.Any("error", err))
		return nil, false, nil
	}

	if !feasibility.Feasible {
		if c.goals.CanBeRefined(g.ID) {
			subgoals, err := c.RefineGoal(ctx, g.ID)
			if err == nil && len(subgoals) > 0 {
				if err := c.goals.UpdateGoalStatus(g.ID, goal.StatusActive); err != nil {
					log.Warn("更新目标状态失败", slog.Any("error", err))
				}
				log.Info("目标不可直接执行，已拆解", slog.Int("subgoals", len(subgoals)))
				return nil, false, nil
			}
			log.Warn("目标拆解失败", slog.Any("error", err))
		}
		reason := "Goal not feasible: " + feasibility.Reason
		if err := c.goals.BlockGoalHierarchy(g.ID, reason); err != nil {
			return nil, false, err
		}
		return &GoalExecution{GoalID: g.ID, Outcome: goal.StatusBlocked, Reason: reason}, true, nil
	}

	if err := c.goals.UpdateGoalStatus(g.ID, goal.StatusActive); err != nil {
		return nil, false, err
	}
	// 每个目标从空轨迹开始推理，长期运行的会话不会累积步骤。
	c.steps.Clear()
	result, err := c.Think(ctx, g.Description, c.maxIterations)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, false, ctxErr
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if recErr := c.goals.RecordGoalFailure(g.ID, err.Error()); recErr != nil {
			return nil, false, recErr
		}
		return &GoalExecution{GoalID: g.ID, Outcome: goal.StatusFailed, Reason: err.Error()}, true, nil
	}
	return c.validateGoal(ctx, g, result), true, nil
}

// validateGoal 请模型对照成功标准评估结果：通过则完成目标并记录评分，否则阻塞子树。
func (c *ChainOfThought) validateGoal(ctx context.Context, g *goal.Goal, result *ThinkResult) *GoalExecution {
	exec := &GoalExecution{GoalID: g.ID, Think: result}

	var verdict criteriaReply
	if err := c.ask(ctx, "criteria", c.criteriaPrompt(g, result), criteriaSchema, &verdict); err != nil {
		verdict = criteriaReply{Reason: "无法评估成功标准: " + err.Error()}
	}
	exec.Score = verdict.Score

	if verdict.Success {
		if err := c.goals.UpdateGoalStatus(g.ID, goal.StatusCompleted); err != nil {
			c.logger.Warn("完成目标失败", slog.String("goal_id", g.ID), slog.Any("error", err))
		}
		if err := c.goals.RecordGoalOutcome(g.ID, verdict.Score, verdict.Reason); err != nil {
			c.logger.Warn("记录目标评分失败", slog.String("goal_id", g.ID), slog.Any("error", err))
		}
		exec.Outcome = goal.StatusCompleted
		exec.Reason = verdict.Reason
		return exec
	}

	exec.Outcome = goal.StatusBlocked
	exec.Reason = "Success criteria not met: " + verdict.Reason
	if err := c.goals.BlockGoalHierarchy(g.ID, exec.Reason); err != nil {
		c.logger.Warn("阻塞目标失败", slog.String("goal_id", g.ID), slog.Any("error", err))
	}
	return exec
}

// ExecuteReadyGoals 反复调用 ExecuteNextGoal，直到没有就绪目标或处理了 limit 个目标。
// limit 非正数时不设上限。
func (c *ChainOfThought) ExecuteReadyGoals(ctx context.Context, limit int) ([]*GoalExecution, error) {
	var out []*GoalExecution
	for limit <= 0 || len(out) < limit {
		exec, err := c.ExecuteNextGoal(ctx)
		if err != nil {
			return out, err
		}
		if exec == nil {
			return out, nil
		}
		out = append(out, exec)
	}
	return out, nil
}
