package nginx

import (
	"strings"
	"testing"
)

const baseConfig = `server {
  listen 80;
  location / {
    proxy_pass http://a;
  }
}
`

func TestParse_DefaultRoute(t *testing.T) {
	cfg := Parse([]byte(baseConfig))

	if cfg.DefaultTarget != "http://a" {
		t.Errorf("expected default target 'http://a', got %q", cfg.DefaultTarget)
	}
	want := strings.Index(baseConfig, "proxy_pass http://a;\n") + len("proxy_pass http://a;\n")
	if cfg.InsertOffset != want {
		t.Errorf("expected insert offset %d, got %d", want, cfg.InsertOffset)
	}
	if len(cfg.Rules) != 0 {
		t.Errorf("expected no rules, got %v", cfg.Rules)
	}
}

func TestParse_NoDefaultRoute(t *testing.T) {
	cfg := Parse([]byte("server {\n  listen 80;\n}\n"))

	if cfg.DefaultTarget != "" {
		t.Errorf("expected empty default target, got %q", cfg.DefaultTarget)
	}
	if cfg.HasAnchor() {
		t.Errorf("expected no insert anchor, got offset %d", cfg.InsertOffset)
	}
	if cfg.Rules == nil {
		t.Fatal("expected non-nil rules map")
	}
}

func TestParse_EmptyInput(t *testing.T) {
	cfg := Parse(nil)
	if cfg.HasAnchor() || cfg.DefaultTarget != "" || len(cfg.Rules) != 0 {
		t.Fatalf("expected empty config, got %+v", cfg)
	}
}

func TestParse_Rules(t *testing.T) {
	body := `location / {
  proxy_pass http://default;

  if ( $remote_addr ~* 10.0.0.1 ) {
    proxy_pass http://one;
  }
  if ($remote_addr ~* 10.0.0.2) { proxy_pass http://two; }
}
`
	cfg := Parse([]byte(body))

	if cfg.DefaultTarget != "http://default" {
		t.Errorf("expected default target 'http://default', got %q", cfg.DefaultTarget)
	}
	if len(cfg.Rules) != 2 {
		t.Fatalf("expected 2 rules, got %d: %v", len(cfg.Rules), cfg.Rules)
	}
	if cfg.Rules["10.0.0.1"] != "http://one" {
		t.Errorf("expected 10.0.0.1 -> http://one, got %q", cfg.Rules["10.0.0.1"])
	}
	if cfg.Rules["10.0.0.2"] != "http://two" {
		t.Errorf("expected 10.0.0.2 -> http://two, got %q", cfg.Rules["10.0.0.2"])
	}
}

func TestParse_CommentedRuleIgnored(t *testing.T) {
	body := `location / {
  proxy_pass http://default;
  # if ( $remote_addr ~* 10.0.0.9 ) { proxy_pass http://hidden; }
}
`
	cfg := Parse([]byte(body))
	if _, exists := cfg.Rules["10.0.0.9"]; exists {
		t.Error("expected commented rule to be ignored")
	}
}

func TestParse_DefaultRouteInsideIfSkipped(t *testing.T) {
	body := `location / {
  if ( $remote_addr ~* 10.0.0.1 ) {
    proxy_pass http://one;
  }
  proxy_pass http://default;
}
`
	cfg := Parse([]byte(body))

	if cfg.DefaultTarget != "http://default" {
		t.Errorf("expected default target 'http://default', got %q", cfg.DefaultTarget)
	}
	if cfg.Rules["10.0.0.1"] != "http://one" {
		t.Errorf("expected rule 10.0.0.1 -> http://one, got %v", cfg.Rules)
	}
}

func TestParse_IfWithBraceOnNextLine(t *testing.T) {
	body := "if ( $remote_addr ~* 10.0.0.1 )\n{\n  proxy_pass http://one;\n}\nproxy_pass http://default;\n"
	cfg := Parse([]byte(body))

	if cfg.DefaultTarget != "http://default" {
		t.Errorf("expected default target 'http://default', got %q", cfg.DefaultTarget)
	}
	if cfg.InsertOffset != len(body) {
		t.Errorf("expected insert offset %d, got %d", len(body), cfg.InsertOffset)
	}
}

func TestParse_CommentedDefaultRouteSkipped(t *testing.T) {
	body := "location / {\n  # proxy_pass http://old;\n  proxy_pass http://new; # current\n}\n"
	cfg := Parse([]byte(body))

	if cfg.DefaultTarget != "http://new" {
		t.Errorf("expected default target 'http://new', got %q", cfg.DefaultTarget)
	}
}

func TestParse_UnterminatedLastLine(t *testing.T) {
	body := "proxy_pass http://a;"
	cfg := Parse([]byte(body))

	if cfg.InsertOffset != len(body) {
		t.Errorf("expected insert offset %d, got %d", len(body), cfg.InsertOffset)
	}
}

func TestParse_DuplicatePatternLastWins(t *testing.T) {
	body := "proxy_pass http://a;\nif ( $remote_addr ~* 1.1.1.1 ) { proxy_pass http://x; }\nif ( $remote_addr ~* 1.1.1.1 ) { proxy_pass http://y; }\n"
	cfg := Parse([]byte(body))

	if len(cfg.Rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(cfg.Rules))
	}
	if cfg.Rules["1.1.1.1"] != "http://y" {
		t.Errorf("expected last occurrence to win, got %q", cfg.Rules["1.1.1.1"])
	}
}

func TestStripComments(t *testing.T) {
	got := StripComments("a # one\nb\n#two\nc")
	if got != "a \nb\n\nc" {
		t.Errorf("unexpected stripped text %q", got)
	}
}
