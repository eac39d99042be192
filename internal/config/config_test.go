package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_HistoryLimit_OutOfRange(t *testing.T) {
	for _, n := range []int{0, 201} {
		cfg := Defaults()
		cfg.General.HistoryLimit = n
		if err := Validate(cfg); err == nil {
			t.Fatalf("expected error for historyLimit=%d", n)
		}
	}
}

func TestValidate_HistoryLimit_Boundary(t *testing.T) {
	cfg := Defaults()

	cfg.General.HistoryLimit = 1
	if err := Validate(cfg); err != nil {
		t.Fatalf("historyLimit=1 should be valid: %v", err)
	}

	cfg.General.HistoryLimit = 200
	if err := Validate(cfg); err != nil {
		t.Fatalf("historyLimit=200 should be valid: %v", err)
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = -1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for negative port")
	}

	cfg.Server.Port = 70000
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for port > 65535")
	}
}

func TestValidate_KnowledgeModes(t *testing.T) {
	cfg := Defaults()
	cfg.Knowledge.Mode = "vector"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown knowledge mode")
	}

	cfg.Knowledge.Mode = "remote"
	if err := Validate(cfg); err == nil {
		t.Fatal("remote mode without a URL should fail")
	}
	cfg.Knowledge.RemoteURL = "https://contexts.example.edu/getTopContexts"
	if err := Validate(cfg); err != nil {
		t.Fatalf("remote mode with a URL should be valid: %v", err)
	}
}

func TestValidate_ChunkOverlap(t *testing.T) {
	cfg := Defaults()
	cfg.Knowledge.ChunkOverlap = cfg.Knowledge.ChunkSize
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error when overlap is not smaller than chunk size")
	}
}

func TestValidate_EngineNeedsBaseURL(t *testing.T) {
	cfg := Defaults()
	cfg.Engine.Enabled = true
	cfg.Engine.BaseURL = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for enabled engine without base URL")
	}
}

func TestValidate_UnknownDefaultCourse(t *testing.T) {
	cfg := Defaults()
	cfg.General.DefaultCourse = "cs101"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown default course")
	}
	cfg.Courses["cs101"] = CourseConfig{}
	if err := Validate(cfg); err != nil {
		t.Fatalf("known default course should be valid: %v", err)
	}
}

func TestValidate_AggregatesErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Tools.MaxParallel = 0
	cfg.General.FailoverChain = []string{"nope"}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"tools.maxParallel", "unknown provider: nope"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q should mention %q", err, want)
		}
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	original := Defaults()
	original.General.DefaultProvider = "test-provider"

	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if loaded.General.DefaultProvider != "test-provider" {
		t.Fatalf("expected 'test-provider', got %q", loaded.General.DefaultProvider)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.json")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	os.WriteFile(path, []byte("{not json}"), 0o644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

// --- Accessor ---

func TestGetByPath_ValidPaths(t *testing.T) {
	cfg := Defaults()

	val, err := GetByPath(cfg, "general.defaultProvider")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != "ollama" {
		t.Fatalf("expected 'ollama', got %v", val)
	}
}

func TestGetByPath_InvalidPath(t *testing.T) {
	cfg := Defaults()
	_, err := GetByPath(cfg, "nonexistent.path")
	if err == nil {
		t.Fatal("expected error for nonexistent path")
	}
}

func TestSetByPath_ValidPath(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "general.defaultProvider", "claude"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.General.DefaultProvider != "claude" {
		t.Fatalf("expected 'claude', got %q", cfg.General.DefaultProvider)
	}
}

func TestSetByPath_EmptyPath(t *testing.T) {
	cfg := Defaults()
	// SetByPath with empty path sets at root level with key ""
	// which is technically valid JSON behavior, not an error
	err := SetByPath(cfg, "general.defaultProvider", "")
	if err != nil {
		t.Fatalf("set empty value should work: %v", err)
	}
}

func TestSetByPath_BoolConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "memory.enabled", "false"); err != nil {
		t.Fatalf("set bool: %v", err)
	}
	if cfg.Memory.Enabled {
		t.Fatal("expected memory.enabled=false")
	}
}

func TestSetByPath_IntConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "general.historyLimit", "50"); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if cfg.General.HistoryLimit != 50 {
		t.Fatalf("expected 50, got %d", cfg.General.HistoryLimit)
	}
}

func TestSetByPath_CreatesCourse(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "courses.cs101.prompt", "You are the CS101 assistant."); err != nil {
		t.Fatalf("set course prompt: %v", err)
	}
	cc, ok := cfg.Course("cs101")
	if !ok || cc.Prompt != "You are the CS101 assistant." {
		t.Fatalf("course not created: %+v", cfg.Courses)
	}
}

// --- Sanitize ---

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Courses["cs101"] = CourseConfig{APIKey: "uc_1234567890abcdefghij"}
	cfg.Providers["openai"] = ProviderConfig{
		Enabled: true,
		APIKey:  "sk-1234567890abcdefghijklmnop",
	}

	sanitized := Sanitize(cfg)

	if sanitized.Courses["cs101"].APIKey == cfg.Courses["cs101"].APIKey {
		t.Fatal("course key should be masked")
	}
	if sanitized.Providers["openai"].APIKey == cfg.Providers["openai"].APIKey {
		t.Fatal("API key should be masked")
	}
	// Verify original is untouched
	if cfg.Courses["cs101"].APIKey != "uc_1234567890abcdefghij" {
		t.Fatal("original config should not be modified")
	}
}

func TestSanitize_ShortSecret(t *testing.T) {
	cfg := Defaults()
	cfg.Courses["cs101"] = CourseConfig{APIKey: "short"}
	sanitized := Sanitize(cfg)
	if sanitized.Courses["cs101"].APIKey != "***" {
		t.Fatalf("short secret should be '***', got %q", sanitized.Courses["cs101"].APIKey)
	}
}

func TestSanitize_MasksWebhookPath(t *testing.T) {
	cfg := Defaults()
	cfg.MessageLog.WebhookURL = "https://hooks.example.edu/log/T0KEN-abcdef"
	sanitized := Sanitize(cfg)

	if got := sanitized.MessageLog.WebhookURL; got != "https://hooks.example.edu/***" {
		t.Fatalf("unexpected masked webhook %q", got)
	}
}

func TestLoad_ValidatesConfig(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	// Invalid: historyLimit=0
	content := `{
		"general": {
			"historyLimit": 0
		}
	}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cfgFile)
	if err == nil {
		t.Fatal("expected validation error for historyLimit=0")
	}
}

// --- ListPaths ---

func TestListPaths_ReturnsAllLeaves(t *testing.T) {
	cfg := Defaults()
	paths := ListPaths(cfg)
	if len(paths) == 0 {
		t.Fatal("expected non-empty paths")
	}

	// Check some known paths exist
	for _, expected := range []string{"general.workspace", "general.logLevel", "memory.enabled"} {
		if _, ok := paths[expected]; !ok {
			t.Errorf("missing expected path: %s", expected)
		}
	}
}

// --- FlexStringList ---

func TestFlexStringList_MixedTypes(t *testing.T) {
	input := `["hello", 123, "world", 456.0]`
	var list FlexStringList
	if err := json.Unmarshal([]byte(input), &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list) != 4 {
		t.Fatalf("expected 4 items, got %d", len(list))
	}
	if list[0] != "hello" || list[2] != "world" {
		t.Fatal("string items mismatch")
	}
	if list[1] != "123" || list[3] != "456" {
		t.Fatalf("number conversion mismatch: %v", list)
	}
}

func TestFlexStringList_PureStrings(t *testing.T) {
	input := `["a", "b", "c"]`
	var list FlexStringList
	if err := json.Unmarshal([]byte(input), &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list) != 3 || list[0] != "a" {
		t.Fatalf("unexpected: %v", list)
	}
}

func TestFlexStringList_InvalidJSON(t *testing.T) {
	var list FlexStringList
	err := json.Unmarshal([]byte(`not json`), &list)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars_SimpleSubstitution(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-abc123")
	result := ExpandEnvVars(`{"apiKey": "${TEST_API_KEY}"}`)
	expected := `{"apiKey": "sk-abc123"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_DefaultValue(t *testing.T) {
	// Ensure the var is unset
	os.Unsetenv("NONEXISTENT_VAR_12345")
	result := ExpandEnvVars(`{"port": "${NONEXISTENT_VAR_12345:-8080}"}`)
	expected := `{"port": "8080"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_SetVarOverridesDefault(t *testing.T) {
	t.Setenv("MY_PORT", "9090")
	result := ExpandEnvVars(`{"port": "${MY_PORT:-8080}"}`)
	expected := `{"port": "9090"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_MultipleVars(t *testing.T) {
	t.Setenv("HOST", "localhost")
	t.Setenv("PORT", "3000")
	result := ExpandEnvVars(`"${HOST}:${PORT}"`)
	expected := `"localhost:3000"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_UnsetVarNoDefault_KeepsOriginal(t *testing.T) {
	os.Unsetenv("TOTALLY_UNSET_VAR_XYZ")
	result := ExpandEnvVars(`"${TOTALLY_UNSET_VAR_XYZ}"`)
	expected := `"${TOTALLY_UNSET_VAR_XYZ}"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_EmptyVarUsesDefault(t *testing.T) {
	t.Setenv("EMPTY_VAR", "")
	result := ExpandEnvVars(`"${EMPTY_VAR:-fallback}"`)
	expected := `"fallback"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_NoVarsInInput(t *testing.T) {
	input := `{"key": "value", "number": 42}`
	result := ExpandEnvVars(input)
	if result != input {
		t.Fatalf("expected no change, got %q", result)
	}
}

func TestExpandEnvVars_DollarSignWithoutBraces(t *testing.T) {
	input := `"$HOME is not substituted"`
	result := ExpandEnvVars(input)
	if result != input {
		t.Fatalf("expected no change for bare $VAR, got %q", result)
	}
}

func TestLoad_WithEnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_COURSECHAT_WORKSPACE", "/tmp/test-workspace")

	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	content := `{
		"general": {
			"workspace": "${TEST_COURSECHAT_WORKSPACE}",
			"logLevel": "info",
			"historyLimit": 20,
			"defaultProvider": "ollama"
		}
	}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.General.Workspace != "/tmp/test-workspace" {
		t.Fatalf("expected workspace '/tmp/test-workspace', got %q", cfg.General.Workspace)
	}
}

func TestLoad_DotEnvBesideConfig(t *testing.T) {
	os.Unsetenv("COURSECHAT_TEST_CS101_KEY")
	t.Cleanup(func() { os.Unsetenv("COURSECHAT_TEST_CS101_KEY") })

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("COURSECHAT_TEST_CS101_KEY=uc_from_dotenv\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfgFile := filepath.Join(dir, "config.json")
	content := `{
		"courses": {
			"cs101": {"apiKey": "${COURSECHAT_TEST_CS101_KEY}", "docGroups": ["lectures", 2024]}
		}
	}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	cc, ok := cfg.Course("cs101")
	if !ok {
		t.Fatal("course cs101 missing")
	}
	if cc.APIKey != "uc_from_dotenv" {
		t.Fatalf("expected key from .env, got %q", cc.APIKey)
	}
	if len(cc.DocGroups) != 2 || cc.DocGroups[1] != "2024" {
		t.Fatalf("unexpected doc groups %v", cc.DocGroups)
	}
}

// --- Defaults ---

func TestDefaults_ReturnsValidConfig(t *testing.T) {
	cfg := Defaults()
	if cfg == nil {
		t.Fatal("defaults returned nil")
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults should be valid: %v", err)
	}
	if cfg.General.Workspace == "" {
		t.Fatal("workspace should not be empty")
	}
	if cfg.General.DefaultProvider != "ollama" {
		t.Fatalf("default provider should be 'ollama', got %q", cfg.General.DefaultProvider)
	}
}
