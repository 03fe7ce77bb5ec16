package cot

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	xerrors "OpenGoal-Chain/internal/errors"
	"OpenGoal-Chain/internal/events"
	"OpenGoal-Chain/internal/goal"
	"OpenGoal-Chain/internal/graphql"
	"OpenGoal-Chain/internal/llm"
	"OpenGoal-Chain/internal/step"
	"OpenGoal-Chain/internal/web3"
	"OpenGoal-Chain/pkg/logger"
)

// scriptedAnalyzer 按提示词类别依次返回预设回复，最后一条回复会被重复使用。
type scriptedAnalyzer struct {
	mu      sync.Mutex
	replies map[string][]string
	prompts map[string][]string
}

func newScriptedAnalyzer(replies map[string][]string) *scriptedAnalyzer {
	return &scriptedAnalyzer{replies: replies, prompts: make(map[string][]string)}
}

func promptKind(prompt string) string {
	switch {
	case strings.Contains(prompt, "## 最近一次动作结果"):
		return "verify"
	case strings.Contains(prompt, "## 总体目标"):
		return "strategy"
	case strings.Contains(prompt, "## 需要拆解的目标"):
		return "refine"
	case strings.Contains(prompt, "## 执行结果"):
		return "criteria"
	case strings.Contains(prompt, "## 可用动作"):
		return "feasibility"
	default:
		return "plan"
	}
}

func (a *scriptedAnalyzer) Analyze(_ context.Context, prompt string, opts llm.Options) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	kind := promptKind(prompt)
	a.prompts[kind] = append(a.prompts[kind], prompt)
	queue := a.replies[kind]
	if len(queue) == 0 {
		return "", errors.New("no scripted reply for " + kind)
	}
	reply := queue[0]
	if len(queue) > 1 {
		a.replies[kind] = queue[1:]
	}
	return reply, nil
}

func (a *scriptedAnalyzer) calls(kind string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.prompts[kind])
}

type recorder struct {
	mu    sync.Mutex
	kinds []events.Kind
}

func (r *recorder) record(e events.Event) {
	r.mu.Lock()
	r.kinds = append(r.kinds, e.Kind)
	r.mu.Unlock()
}

func (r *recorder) count(kind events.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, k := range r.kinds {
		if k == kind {
			n++
		}
	}
	return n
}

func newChain(t *testing.T, analyzer llm.Analyzer, opts ...Option) (*ChainOfThought, *recorder) {
	t.Helper()
	bus := events.NewBus(events.WithLogger(logger.Discard()))
	rec := &recorder{}
	bus.SubscribeAll(rec.record)
	base := []Option{
		WithBus(bus),
		WithLogger(logger.Discard()),
		WithAuditLogger(logger.Discard()),
	}
	goals := goal.NewManager(goal.WithBus(bus), goal.WithLogger(logger.Discard()))
	return New(analyzer, goals, append(base, opts...)...), rec
}

func echoExecutor(prefix string) Executor {
	return func(_ context.Context, payload json.RawMessage) (string, error) {
		return prefix + string(payload), nil
	}
}

const fetchPlan = `{"actions":[{"type":"GRAPHQL_FETCH","payload":{"query":"{ pools { id } }"}}]}`

func TestThinkCompletesAfterVerification(t *testing.T) {
	analyzer := newScriptedAnalyzer(map[string][]string{
		"plan":   {"```json\n" + fetchPlan + "\n```"},
		"verify": {`{"complete":true,"reason":"pools listed","shouldContinue":false}`},
	})
	chain, rec := newChain(t, analyzer, WithExecutor(ActionGraphQLFetch, echoExecutor("fetched ")))

	result, err := chain.Think(context.Background(), "list uniswap pools", 0)
	if err != nil {
		t.Fatalf("think: %v", err)
	}
	if result.Status != ThinkCompleted || result.Iterations != 1 || result.Verifications != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if !strings.HasPrefix(result.LastResult, "fetched ") {
		t.Fatalf("last result not recorded: %q", result.LastResult)
	}

	var types []step.Type
	for _, s := range chain.Steps() {
		types = append(types, s.Type)
	}
	want := []step.Type{step.TypeTask, step.TypePlanning, step.TypeAction, step.TypeAction, step.TypeSystem}
	if len(types) != len(want) {
		t.Fatalf("unexpected steps %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("unexpected steps %v", types)
		}
	}
	if len(chain.Context().ActionHistory) != 1 {
		t.Fatalf("action history not merged: %+v", chain.Context())
	}
	for _, kind := range []events.Kind{events.KindThinkStart, events.KindActionStart, events.KindActionComplete, events.KindThinkComplete} {
		if rec.count(kind) != 1 {
			t.Fatalf("expected one %s event, got %v", kind, rec.kinds)
		}
	}
	if rec.count(events.KindStep) != len(want) {
		t.Fatalf("every step should be published, got %v", rec.kinds)
	}
}

func TestThinkRetriesInvalidPlans(t *testing.T) {
	replies := func() map[string][]string {
		return map[string][]string{
			"plan":   {"not json at all", `{"actions":[{"type":"BOGUS"}]}`, fetchPlan},
			"verify": {`{"complete":true,"reason":"ok","shouldContinue":false}`},
		}
	}

	analyzer := newScriptedAnalyzer(replies())
	chain, _ := newChain(t, analyzer, WithExecutor(ActionGraphQLFetch, echoExecutor("")))
	if _, err := chain.Think(context.Background(), "q", 0); err != nil {
		t.Fatalf("third attempt should succeed: %v", err)
	}
	if analyzer.calls("plan") != 3 {
		t.Fatalf("expected 3 plan attempts, got %d", analyzer.calls("plan"))
	}

	analyzer = newScriptedAnalyzer(replies())
	chain, rec := newChain(t, analyzer, WithPlanRetries(2))
	_, err := chain.Think(context.Background(), "q", 0)
	if xerrors.CodeOf(err) != CodePlanInvalid {
		t.Fatalf("expected plan invalid, got %v", err)
	}
	if rec.count(events.KindThinkError) != 1 {
		t.Fatalf("think:error not published: %v", rec.kinds)
	}
}

func TestThinkTimesOutAtIterationCap(t *testing.T) {
	analyzer := newScriptedAnalyzer(map[string][]string{
		"plan":   {`{"actions":[{"type":"SYSTEM_PROMPT","payload":{"prompt":"continue?"}}]}`},
		"verify": {`{"complete":false,"reason":"need more","shouldContinue":true,"newActions":[{"type":"SYSTEM_PROMPT","payload":"again?"}]}`},
	})
	var asked []string
	human := HumanInputFunc(func(_ context.Context, prompt string) (string, error) {
		asked = append(asked, prompt)
		return " yes ", nil
	})
	chain, rec := newChain(t, analyzer, WithHumanInput(human))

	result, err := chain.Think(context.Background(), "keep going", 3)
	if err != nil {
		t.Fatalf("think: %v", err)
	}
	if result.Status != ThinkTimeout || result.Iterations != 3 || result.Verifications != 3 {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(asked) != 3 || asked[0] != "continue?" || asked[1] != "again?" {
		t.Fatalf("unexpected prompts %v", asked)
	}
	if result.LastResult != "yes" {
		t.Fatalf("human answer should be trimmed, got %q", result.LastResult)
	}
	if rec.count(events.KindThinkTimeout) != 1 || rec.count(events.KindThinkComplete) != 0 {
		t.Fatalf("expected think:timeout, got %v", rec.kinds)
	}
}

func TestThinkStopsWhenVerifierGivesUp(t *testing.T) {
	analyzer := newScriptedAnalyzer(map[string][]string{
		"plan":   {fetchPlan},
		"verify": {`{"complete":false,"reason":"endpoint unusable","shouldContinue":false}`},
	})
	chain, _ := newChain(t, analyzer, WithExecutor(ActionGraphQLFetch, echoExecutor("")))

	result, err := chain.Think(context.Background(), "q", 5)
	if err != nil {
		t.Fatalf("think: %v", err)
	}
	if result.Status != ThinkFailed || result.Reason != "endpoint unusable" || result.Iterations != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestThinkFailsWhenNoActionsRemain(t *testing.T) {
	analyzer := newScriptedAnalyzer(map[string][]string{"plan": {`{"actions":[]}`}})
	chain, _ := newChain(t, analyzer)

	result, err := chain.Think(context.Background(), "q", 5)
	if err != nil {
		t.Fatalf("think: %v", err)
	}
	if result.Status != ThinkFailed || result.Iterations != 0 || analyzer.calls("verify") != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestThinkRejectsActionWithoutPayload(t *testing.T) {
	analyzer := newScriptedAnalyzer(map[string][]string{"plan": {`{"actions":[{"type":"GRAPHQL_FETCH"}]}`}})
	chain, rec := newChain(t, analyzer, WithExecutor(ActionGraphQLFetch, echoExecutor("")))

	if _, err := chain.Think(context.Background(), "q", 5); xerrors.CodeOf(err) != CodeActionInvalid {
		t.Fatalf("expected action invalid, got %v", err)
	}
	if rec.count(events.KindActionStart) != 0 || rec.count(events.KindThinkError) != 1 {
		t.Fatalf("unexpected events %v", rec.kinds)
	}
}

func TestActionErrorsAreVerifiedNotFatal(t *testing.T) {
	analyzer := newScriptedAnalyzer(map[string][]string{
		"plan":   {fetchPlan},
		"verify": {`{"complete":false,"reason":"fetch failed","shouldContinue":false}`},
	})
	failing := func(context.Context, json.RawMessage) (string, error) {
		return "", xerrors.New(xerrors.CodeUpstreamFailure, "subgraph down")
	}
	chain, rec := newChain(t, analyzer, WithExecutor(ActionGraphQLFetch, failing))

	result, err := chain.Think(context.Background(), "q", 5)
	if err != nil {
		t.Fatalf("think: %v", err)
	}
	if result.Status != ThinkFailed || !strings.Contains(result.LastResult, "subgraph down") {
		t.Fatalf("unexpected result %+v", result)
	}
	if !strings.Contains(analyzer.prompts["verify"][0], "subgraph down") {
		t.Fatalf("verifier should see the failure")
	}
	if rec.count(events.KindActionError) != 1 {
		t.Fatalf("action:error not published: %v", rec.kinds)
	}
	history := chain.Context().ActionHistory
	if len(history) != 1 {
		t.Fatalf("failed action should be recorded: %+v", history)
	}
	for _, r := range history {
		if r.Error == "" {
			t.Fatalf("error missing from record %+v", r)
		}
	}
}

func TestExecuteActionUnsupportedType(t *testing.T) {
	chain, rec := newChain(t, newScriptedAnalyzer(nil))

	out, err := chain.ExecuteAction(context.Background(), Action{Type: "TELEPORT", Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("unsupported type should not error: %v", err)
	}
	if out != "Action type TELEPORT is not supported" {
		t.Fatalf("unexpected result %q", out)
	}
	if len(chain.Steps()) != 2 || rec.count(events.KindActionComplete) != 1 {
		t.Fatalf("steps before and after execution expected: %+v", chain.Steps())
	}
}

func TestMergeContext(t *testing.T) {
	chain, _ := newChain(t, newScriptedAnalyzer(nil), WithInitialContext(Context{WorldState: "genesis"}))

	chain.MergeContext(Context{Properties: map[string]any{"wallet": "0xabc"}})
	chain.MergeContext(Context{WorldState: "funded", ActionHistory: map[int64]ActionRecord{1: {Result: "ok"}}})

	got := chain.Context()
	if got.WorldState != "funded" || got.Properties["wallet"] != "0xabc" || got.ActionHistory[1].Result != "ok" {
		t.Fatalf("unexpected context %+v", got)
	}
	got.Properties["wallet"] = "mutated"
	if chain.Context().Properties["wallet"] != "0xabc" {
		t.Fatalf("Context should return a copy")
	}
}

type fakeChain struct {
	req web3.TransactionRequest
}

func (f *fakeChain) Execute(_ context.Context, req web3.TransactionRequest) (string, error) {
	f.req = req
	return "1000", nil
}

type fakeFetcher struct {
	req graphql.Request
}

func (f *fakeFetcher) Fetch(_ context.Context, req graphql.Request) (json.RawMessage, error) {
	f.req = req
	return json.RawMessage(`{"ok":true}`), nil
}

func TestExecutors(t *testing.T) {
	ctx := context.Background()

	chain := &fakeChain{}
	out, err := TransactionExecutor(chain)(ctx, json.RawMessage(`{"chain":"sepolia","method":"eth_getBalance","address":"0x01"}`))
	if err != nil || out != "1000" || chain.req.Chain != "sepolia" || chain.req.Method != web3.MethodGetBalance {
		t.Fatalf("transaction executor: %q %v %+v", out, err, chain.req)
	}
	if _, err := TransactionExecutor(chain)(ctx, json.RawMessage(`[1]`)); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("malformed payload should be rejected, got %v", err)
	}

	fetcher := &fakeFetcher{}
	out, err = GraphQLExecutor(fetcher)(ctx, json.RawMessage(`{"query":"{ a }","variables":{"n":1}}`))
	if err != nil || out != `{"ok":true}` || fetcher.req.Query != "{ a }" {
		t.Fatalf("graphql executor: %q %v %+v", out, err, fetcher.req)
	}

	human := HumanInputFunc(func(_ context.Context, prompt string) (string, error) { return "answer to " + prompt, nil })
	if out, err := PromptExecutor(human)(ctx, json.RawMessage(`{"prompt":"approve?"}`)); err != nil || out != "answer to approve?" {
		t.Fatalf("prompt executor: %q %v", out, err)
	}
	if _, err := PromptExecutor(human)(ctx, json.RawMessage(`{}`)); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("empty prompt should be rejected, got %v", err)
	}
}
