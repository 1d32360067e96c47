package config

import "testing"

func TestPostgresDSN(t *testing.T) {
	p := PostgresConfig{User: "sf", Password: "secret", Host: "db", Port: "5433", DBName: "storyforge"}
	want := "postgres://sf:secret@db:5433/storyforge?sslmode=disable"
	if got := p.DSN(); got != want {
		t.Fatalf("DSN() = %q, want %q", got, want)
	}
}

func TestPostgresDSNPrefersURL(t *testing.T) {
	p := PostgresConfig{URL: "postgres://override", Host: "ignored"}
	if got := p.DSN(); got != "postgres://override" {
		t.Fatalf("DSN() = %q", got)
	}
}

func TestPostgresDSNDefaults(t *testing.T) {
	p := PostgresConfig{User: "sf", DBName: "storyforge"}
	want := "postgres://sf:@localhost:5432/storyforge?sslmode=disable"
	if got := p.DSN(); got != want {
		t.Fatalf("DSN() = %q, want %q", got, want)
	}
}

func validBase() *Config {
	return &Config{
		Scoring: ScoringConfig{
			DistinctnessWeight: 0.35, CriteriaDensityWeight: 0.25,
			StructureWeight: 0.25, WarningPenaltyWeight: 0.15, DuplicateThreshold: 0.85,
		},
		Guardrails: GuardrailsConfig{PerRunLimit: 20, DailyLimit: 100, ResetCron: "0 0 * * *"},
	}
}

func TestValidateConfig(t *testing.T) {
	if err := validateConfig(validBase()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	bad := validBase()
	bad.Scoring.DuplicateThreshold = 1.5
	if err := validateConfig(bad); err == nil {
		t.Fatalf("threshold above 1 accepted")
	}

	bad = validBase()
	bad.Guardrails.DailyLimit = 0
	if err := validateConfig(bad); err == nil {
		t.Fatalf("zero daily limit accepted")
	}
}

func TestValidateConfigRoutingModels(t *testing.T) {
	cfg := validBase()
	cfg.LLM = LLMConfig{
		Providers: map[string]LLMProvider{
			"openai": {Type: "openai", APIKey: "k", Models: map[string]LLMModel{
				"gpt-4o-mini": {Name: "gpt-4o-mini", APIName: "gpt-4o-mini"},
			}},
		},
		Routing: LLMRoutingConfig{Decompose: "gpt-4o-mini", Regenerate: "gpt-4o-mini", Fallback: "gpt-4o-mini"},
	}
	if err := validateConfig(cfg); err != nil {
		t.Fatalf("routed model rejected: %v", err)
	}

	cfg.LLM.Routing.Decompose = "nonexistent-model"
	if err := validateConfig(cfg); err == nil {
		t.Fatalf("unknown routing model accepted")
	}
}
