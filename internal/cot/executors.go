package cot

import (
	"context"
	"encoding/json"
	"strings"

	xerrors "OpenGoal-Chain/internal/errors"
	"OpenGoal-Chain/internal/graphql"
	"OpenGoal-Chain/internal/web3"
)

// GraphQLFetcher 执行 GraphQL 查询，由 graphql.Client 实现。
type GraphQLFetcher interface {
	Fetch(ctx context.Context, req graphql.Request) (json.RawMessage, error)
}

// ChainExecutor 执行链上请求，由 provider.Registry 实现。
type ChainExecutor interface {
	Execute(ctx context.Context, req web3.TransactionRequest) (string, error)
}

// GraphQLExecutor 返回处理 GRAPHQL_FETCH 动作的执行器，结果为查询的 data 字段。
func GraphQLExecutor(fetcher GraphQLFetcher) Executor {
	return func(ctx context.Context, payload json.RawMessage) (string, error) {
		var req graphql.Request
		if err := json.Unmarshal(payload, &req); err != nil {
			return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析 GRAPHQL_FETCH 参数失败")
		}
		data, err := fetcher.Fetch(ctx, req)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}

// TransactionExecutor 返回处理 EXECUTE_TRANSACTION 动作的执行器。
func TransactionExecutor(chain ChainExecutor) Executor {
	return func(ctx context.Context, payload json.RawMessage) (string, error) {
		var req web3.TransactionRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析 EXECUTE_TRANSACTION 参数失败")
		}
		return chain.Execute(ctx, req)
	}
}

// PromptExecutor 返回处理 SYSTEM_PROMPT 动作的执行器。参数可以是字符串，
// 也可以是 {"prompt": "..."}。
func PromptExecutor(human HumanInput) Executor {
	return func(ctx context.Context, payload json.RawMessage) (string, error) {
		prompt, err := promptText(payload)
		if err != nil {
			return "", err
		}
		answer, err := human.RequestInput(ctx, prompt)
		if err != nil {
			return "", xerrors.Wrap(xerrors.CodeExecutorFailure, err, "获取人工输入失败")
		}
		return strings.TrimSpace(answer), nil
	}
}

func promptText(payload json.RawMessage) (string, error) {
	var text string
	if err := json.Unmarshal(payload, &text); err == nil {
		return text, nil
	}
	var obj struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(payload, &obj); err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析 SYSTEM_PROMPT 参数失败")
	}
	if strings.TrimSpace(obj.Prompt) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "SYSTEM_PROMPT 缺少 prompt")
	}
	return obj.Prompt, nil
}
