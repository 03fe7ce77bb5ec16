package orchestrator

import (
	"context"
	"log/slog"

	xerrors "OpenGoal-Chain/internal/errors"
	"OpenGoal-Chain/internal/events"
	"OpenGoal-Chain/internal/memory"
	"OpenGoal-Chain/internal/telemetry"

	"go.opentelemetry.io/otel/codes"
)

type queued struct {
	data   any
	source string
}

// runAutonomousFlow 以 FIFO 顺序处理数据：Processor 给出建议后，输出处理器
// 作为终点执行，动作处理器的真值结果以动作名为来源重新入队一次。
// 每次运行最多处理 hopLimit 个条目，同一 (来源, 内容) 组合只处理一次。
func (o *Orchestrator) runAutonomousFlow(ctx context.Context, data any, source string) error {
	ctx, span := telemetry.StartSpan(ctx, o.tracer, "orchestrator.dispatch", telemetry.AttrSource.String(source))
	defer span.End()

	queue := []queued{{data: data, source: source}}
	visited := make(map[string]struct{})
	hops := 0

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		item := queue[0]
		queue = queue[1:]

		key := item.source + "\x00" + memory.Fingerprint(item.data)
		if _, seen := visited[key]; seen {
			o.drop(item.source, "", "", hops, "content already dispatched in this run")
			continue
		}
		visited[key] = struct{}{}

		hops++
		if hops > o.hopLimit {
			o.logger.Warn("调度循环达到上限",
				slog.String("source", source),
				slog.Int("limit", o.hopLimit),
				slog.Int("remaining", len(queue)+1),
			)
			o.bus.Publish(events.KindDispatchHopLimit, events.DispatchPayload{Source: item.source, Hops: o.hopLimit, Code: string(CodeDispatchHopLimit)})
			span.SetStatus(codes.Error, "hop limit")
			return xerrors.Newf(CodeDispatchHopLimit, "来源 %s 的调度循环超过 %d 步", source, o.hopLimit)
		}

		next := o.processItem(ctx, item, hops)
		queue = append(queue, next...)
	}
	span.SetAttributes(telemetry.AttrHops.Int(hops))
	return nil
}

// processItem 处理单个条目并返回需要继续流转的新条目。
func (o *Orchestrator) processItem(ctx context.Context, item queued, hops int) []queued {
	room, err := o.rooms.EnsureRoom(ctx, item.source)
	if err != nil {
		o.dispatchError(item.source, "", "", hops, err)
		return nil
	}
	if o.processor == nil {
		o.dispatchError(item.source, "", "", hops, xerrors.New(xerrors.CodeInitializationFailure, "未配置 Processor"))
		return nil
	}
	result, err := o.processor.Process(ctx, item.data, room)
	if err != nil {
		o.dispatchError(item.source, "", "", hops, err)
		return nil
	}
	if result == nil || result.AlreadyProcessed {
		o.drop(item.source, "", "", hops, "already processed")
		return nil
	}

	if o.store != nil {
		content := result.Content
		if content == nil {
			content = item.data
		}
		metadata := map[string]any{"source": item.source}
		for k, v := range result.Metadata {
			metadata[k] = v
		}
		if _, err := o.store.Store(ctx, room.ID, memory.Text(content), metadata); err != nil {
			o.logger.Warn("写入房间记忆失败", slog.String("room", room.ID), slog.Any("error", err))
		}
	}

	var next []queued
	for _, suggestion := range result.SuggestedOutputs {
		o.mu.RLock()
		reg, ok := o.handlers[suggestion.Name]
		o.mu.RUnlock()
		if !ok {
			o.logger.Warn("建议的处理器不存在", slog.String("handler", suggestion.Name), slog.String("source", item.source))
			o.drop(item.source, suggestion.Name, "", hops, "handler not registered")
			continue
		}

		switch reg.Role {
		case RoleOutput:
			if _, err := o.invoke(ctx, reg, suggestion.Data); err != nil {
				o.dispatchError(item.source, reg.Name, reg.Role, hops, err)
			}
		case RoleAction:
			res, err := o.invoke(ctx, reg, suggestion.Data)
			if err != nil {
				o.dispatchError(item.source, reg.Name, reg.Role, hops, err)
				continue
			}
			if Truthy(res) {
				next = append(next, queued{data: res, source: reg.Name})
			}
		default:
			o.logger.Warn("建议的处理器角色不可调度", slog.String("handler", reg.Name), slog.String("role", string(reg.Role)))
			o.drop(item.source, reg.Name, reg.Role, hops, "role not dispatchable")
		}
	}
	return next
}

func (o *Orchestrator) drop(source, handler string, role Role, hops int, reason string) {
	o.logger.Debug("丢弃调度条目",
		slog.String("source", source),
		slog.String("handler", handler),
		slog.String("reason", reason),
	)
	o.bus.Publish(events.KindDispatchDropped, events.DispatchPayload{
		Source:  source,
		Handler: handler,
		Role:    string(role),
		Hops:    hops,
		Reason:  reason,
	})
}

func (o *Orchestrator) dispatchError(source, handler string, role Role, hops int, err error) {
	o.logger.Error("调度执行失败",
		slog.String("source", source),
		slog.String("handler", handler),
		slog.Any("error", err),
	)
	o.bus.Publish(events.KindDispatchError, events.DispatchPayload{
		Source:  source,
		Handler: handler,
		Role:    string(role),
		Hops:    hops,
		Error:   err.Error(),
		Code:    string(xerrors.CodeOf(err)),
	})
}
