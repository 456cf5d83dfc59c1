package main

import (
	"testing"

	"go.uber.org/zap"

	"github.com/olumi/cee/config"
)

func testLogger() *zap.Logger { return zap.NewNop() }

func TestNewServer_FixturesProvider(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Auth.APIKey = "test-key"

	srv, err := NewServer(cfg, "", testLogger())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if srv.httpManager == nil || srv.metricsManager == nil {
		t.Fatal("server managers not assembled")
	}
	srv.registry.Close()
}

func TestBuildAdapter_ModelSwitchesProvider(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.LLM.Provider = "openai"
	cfg.LLM.OpenAIAPIKey = "sk-test"
	cfg.LLM.AnthropicAPIKey = "sk-ant-test"
	cfg.LLM.ModelDraft = "claude-sonnet-4-5"

	_, model, err := buildAdapter(cfg, testLogger())
	if err != nil {
		t.Fatalf("buildAdapter: %v", err)
	}
	if model != "claude-sonnet-4-5" {
		t.Fatalf("model = %q", model)
	}
}
