package cli

import (
	"bytes"
	"strings"
	"testing"
)

func newTestPrompter(input string) (*Prompter, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return &Prompter{
		In:  strings.NewReader(input),
		Out: out,
	}, out
}

func TestAsk_WithInput(t *testing.T) {
	p, _ := newTestPrompter("hello\n")
	if got := p.Ask("Name", "default"); got != "hello" {
		t.Errorf("Ask() = %q, want %q", got, "hello")
	}
}

func TestAsk_EmptyUsesDefault(t *testing.T) {
	p, _ := newTestPrompter("\n")
	if got := p.Ask("Name", "fallback"); got != "fallback" {
		t.Errorf("Ask() = %q, want %q", got, "fallback")
	}
}

func TestAsk_WhitespaceUsesDefault(t *testing.T) {
	p, _ := newTestPrompter("   \n")
	if got := p.Ask("Name", "fallback"); got != "fallback" {
		t.Errorf("Ask() = %q, want %q", got, "fallback")
	}
}

func TestAskPassword_Fallback(t *testing.T) {
	// Not a real terminal, so it falls back to plain read.
	p, _ := newTestPrompter("secret123\n")
	if got := p.AskPassword("Password"); got != "secret123" {
		t.Errorf("AskPassword() = %q, want %q", got, "secret123")
	}
}

func TestChoose_Selection(t *testing.T) {
	p, _ := newTestPrompter("2\n")
	if got := p.Choose("Pick one", []string{"sqlite", "postgres"}, 0); got != "postgres" {
		t.Errorf("Choose() = %q, want %q", got, "postgres")
	}
}

func TestChoose_DefaultOnEmpty(t *testing.T) {
	p, _ := newTestPrompter("\n")
	if got := p.Choose("Pick one", []string{"sqlite", "postgres"}, 0); got != "sqlite" {
		t.Errorf("Choose() = %q, want %q", got, "sqlite")
	}
}

func TestChoose_RetriesOnBadInput(t *testing.T) {
	p, out := newTestPrompter("7\nx\n1\n")
	if got := p.Choose("Pick one", []string{"sqlite", "postgres"}, 0); got != "sqlite" {
		t.Errorf("Choose() = %q, want %q", got, "sqlite")
	}
	if !strings.Contains(out.String(), "between 1 and 2") {
		t.Error("missing retry hint in output")
	}
}

func TestConfirm(t *testing.T) {
	cases := []struct {
		input      string
		defaultYes bool
		want       bool
	}{
		{"y\n", false, true},
		{"yes\n", false, true},
		{"n\n", true, false},
		{"\n", true, true},
		{"\n", false, false},
	}
	for _, c := range cases {
		p, _ := newTestPrompter(c.input)
		if got := p.Confirm("Continue?", c.defaultYes); got != c.want {
			t.Errorf("Confirm(%q, default=%v) = %v, want %v", c.input, c.defaultYes, got, c.want)
		}
	}
}
