package template

import (
	"strings"
	"testing"

	svcerrors "github.com/flowmesh-io/gateway/infrastructure/errors"
)

func sampleTemplate() Template {
	return Template{
		ID:       "tpl-slack",
		Name:     "Slack Notifier",
		Skeleton: `{"url":"{{SLACK_URL}}","channel":"{{CHANNEL}}","retries":"{{MAX_RETRIES}}"}`,
		Variables: []Variable{
			{Name: "SLACK_URL", Required: true, Pattern: MustCompile(`^https://hooks\.slack\.com/.+`)},
			{Name: "CHANNEL", Required: true},
			{Name: "MAX_RETRIES", Required: false, Default: "3"},
		},
	}
}

func TestTemplate_Tokens(t *testing.T) {
	tpl := sampleTemplate()
	got := tpl.Tokens()
	want := []string{"SLACK_URL", "CHANNEL", "MAX_RETRIES"}
	if len(got) != len(want) {
		t.Fatalf("expected %d tokens, got %v", len(want), got)
	}
	for i, name := range want {
		if got[i] != name {
			t.Fatalf("token %d: expected %q, got %q", i, name, got[i])
		}
	}
}

func TestTemplate_InstantiateSubstitutesValues(t *testing.T) {
	tpl := sampleTemplate()
	out, err := tpl.Instantiate(map[string]string{
		"SLACK_URL": "https://hooks.slack.com/services/T000/B000/XXX",
		"CHANNEL":   "#alerts",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "#alerts") || !strings.Contains(out, "hooks.slack.com") {
		t.Fatalf("expected substituted values in output, got %q", out)
	}
	if !strings.Contains(out, `"retries":"3"`) {
		t.Fatalf("expected default value to fill unsupplied variable, got %q", out)
	}
}

func TestTemplate_InstantiateFailsOnMissingRequired(t *testing.T) {
	tpl := sampleTemplate()
	_, err := tpl.Instantiate(map[string]string{"SLACK_URL": "https://hooks.slack.com/x"})
	if svcerrors.GetCode(err) != svcerrors.ErrCodeInvalid {
		t.Fatalf("expected Invalid for missing required CHANNEL, got %v", err)
	}
}

func TestTemplate_InstantiateFailsOnPatternMismatch(t *testing.T) {
	tpl := sampleTemplate()
	_, err := tpl.Instantiate(map[string]string{
		"SLACK_URL": "https://evil.example.com/not-slack",
		"CHANNEL":   "#alerts",
	})
	if svcerrors.GetCode(err) != svcerrors.ErrCodeInvalid {
		t.Fatalf("expected Invalid for pattern mismatch, got %v", err)
	}
}

func TestRegistry_GetAndList(t *testing.T) {
	reg := NewRegistry([]Template{sampleTemplate(), {ID: "tpl-generic", Name: "Generic"}})

	got, err := reg.Get("tpl-slack")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Name != "Slack Notifier" {
		t.Fatalf("unexpected template returned: %+v", got)
	}

	if _, err := reg.Get("does-not-exist"); svcerrors.GetCode(err) != svcerrors.ErrCodeInvalid {
		t.Fatalf("expected Invalid for unknown template id, got %v", err)
	}

	list := reg.List()
	if len(list) != 2 || list[0].ID != "tpl-generic" || list[1].ID != "tpl-slack" {
		t.Fatalf("expected sorted list by id, got %+v", list)
	}
}
