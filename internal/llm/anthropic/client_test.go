package anthropic

import (
	"context"
	"errors"
	"testing"

	xerrors "OpenGoal-Chain/internal/errors"
	"OpenGoal-Chain/internal/llm"

	sdk "github.com/liushuangls/go-anthropic/v2"
)

type stubCreator struct {
	req  sdk.MessagesRequest
	resp sdk.MessagesResponse
	err  error
}

func (s *stubCreator) CreateMessages(_ context.Context, req sdk.MessagesRequest) (sdk.MessagesResponse, error) {
	s.req = req
	return s.resp, s.err
}

func textBlock(text string) sdk.MessageContent {
	return sdk.NewTextMessageContent(text)
}

func TestAnalyzeJoinsTextBlocks(t *testing.T) {
	stub := &stubCreator{}
	stub.resp.Content = []sdk.MessageContent{textBlock(`{"complete":`), textBlock(` true}`)}
	client := newClient(stub, Config{Model: "claude-test"})

	out, err := client.Analyze(context.Background(), "verify", llm.Options{System: "judge", MaxTokens: 128, Temperature: 0.3})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if out != `{"complete": true}` {
		t.Fatalf("unexpected output %q", out)
	}
	if string(stub.req.Model) != "claude-test" || stub.req.MaxTokens != 128 {
		t.Fatalf("unexpected request %+v", stub.req)
	}
	if len(stub.req.MultiSystem) != 1 || stub.req.MultiSystem[0].Text != "judge" {
		t.Fatalf("system prompt not forwarded: %+v", stub.req.MultiSystem)
	}
	if stub.req.Temperature == nil || *stub.req.Temperature != float32(0.3) {
		t.Fatalf("temperature not forwarded")
	}
}

func TestAnalyzeEmptyResponse(t *testing.T) {
	client := newClient(&stubCreator{}, Config{})
	if _, err := client.Analyze(context.Background(), "x", llm.Options{}); xerrors.CodeOf(err) != llm.CodeAnalyzerFailure {
		t.Fatalf("expected analyzer failure, got %v", err)
	}
	if client.model != defaultModel || client.maxTokens != defaultMaxTokens {
		t.Fatalf("defaults not applied: %+v", client)
	}
}

func TestAnalyzeClassifiesErrors(t *testing.T) {
	cases := []struct {
		err  error
		code xerrors.Code
	}{
		{&sdk.APIError{Type: "rate_limit_error", Message: "slow"}, xerrors.CodeRateLimited},
		{&sdk.APIError{Type: "overloaded_error", Message: "busy"}, xerrors.CodeUpstreamFailure},
		{&sdk.APIError{Type: "invalid_request_error", Message: "bad"}, llm.CodeAnalyzerFailure},
		{errors.New("dial tcp: connection reset by peer"), xerrors.CodeUpstreamFailure},
	}
	for _, tc := range cases {
		client := newClient(&stubCreator{err: tc.err}, Config{})
		_, err := client.Analyze(context.Background(), "x", llm.Options{})
		if xerrors.CodeOf(err) != tc.code {
			t.Fatalf("%v: expected %s, got %v", tc.err, tc.code, err)
		}
	}
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected missing key error")
	}
}
