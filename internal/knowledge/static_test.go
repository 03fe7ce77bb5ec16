package knowledge

import (
	"os"
	"path/filepath"
	"testing"

	xerrors "OpenGoal-Chain/internal/errors"
)

func TestQueryMatchesKeywordsAndTags(t *testing.T) {
	items := []Snippet{
		{Title: "gas", Content: "EIP-1559 fees", Keywords: []string{"gas", "fee"}},
		{Title: "uniswap", Content: "pool subgraph", Tags: []string{"graphql_fetch"}},
		{Title: "general", Content: "always relevant"},
		{Title: "empty", Keywords: []string{"gas"}},
	}
	p := NewStaticProvider(items, 5)
	if p.Len() != 3 {
		t.Fatalf("snippets without content should be dropped, got %d", p.Len())
	}

	got := p.Query("estimate the GAS for a transfer")
	if len(got) != 2 || got[0].Title != "gas" || got[1].Title != "general" {
		t.Fatalf("unexpected snippets %+v", got)
	}
	got = p.Query("check liquidity", "GRAPHQL_FETCH")
	if len(got) != 2 || got[0].Title != "uniswap" {
		t.Fatalf("hint should match tag: %+v", got)
	}

	if got := NewStaticProvider(items, 1).Query("gas"); len(got) != 1 || got[0].Title != "gas" {
		t.Fatalf("max results not honoured: %+v", got)
	}
	var nilProvider *StaticProvider
	if nilProvider.Query("gas") != nil || nilProvider.Len() != 0 {
		t.Fatalf("nil provider should return nothing")
	}
}

func TestQueryRanksByHits(t *testing.T) {
	p := NewStaticProvider([]Snippet{
		{Title: "one", Content: "a", Keywords: []string{"bridge"}},
		{Title: "two", Content: "b", Keywords: []string{"bridge", "usdc", "BRIDGE"}},
	}, 0)
	got := p.Query("bridge usdc to arbitrum")
	if len(got) != 2 || got[0].Title != "two" {
		t.Fatalf("snippet with more hits should rank first: %+v", got)
	}
}

func TestLoadStaticProvider(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "k.json")
	yamlPath := filepath.Join(dir, "k.yaml")
	if err := os.WriteFile(jsonPath, []byte(`[{"title":"a","content":"x","keywords":["bridge"]}]`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(yamlPath, []byte("- title: b\n  content: y\n  tags: [nft]\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	fromJSON, err := LoadStaticProvider(jsonPath, 0)
	if err != nil || len(fromJSON.Query("bridge assets")) != 1 {
		t.Fatalf("json load failed: %v", err)
	}
	fromYAML, err := LoadStaticProvider(yamlPath, 0)
	if err != nil || len(fromYAML.Query("mint an NFT")) != 1 {
		t.Fatalf("yaml load failed: %v", err)
	}
	if _, err := LoadStaticProvider("", 0); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("empty path should be invalid, got %v", err)
	}
	if _, err := LoadStaticProvider(filepath.Join(dir, "missing.yaml"), 0); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("missing file should fail initialisation, got %v", err)
	}
}
