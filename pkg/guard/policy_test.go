package guard

import (
	"context"
	"testing"

	"github.com/helmsman-cd/helmsman/pkg/telemetry"
)

func newTestPolicySource(t *testing.T, rules map[string][]GuardRule) *OPAPolicySource {
	t.Helper()

	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  "error",
		Format: "json",
		Output: "stderr",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	source, err := NewOPAPolicySource(context.Background(), rules, logger)
	if err != nil {
		t.Fatalf("failed to create policy source: %v", err)
	}
	return source
}

func TestOPAPolicyRuleMatching(t *testing.T) {
	source := newTestPolicySource(t, map[string][]GuardRule{
		"gateapp": {
			{Account: "prod", Location: "*", Stack: "", Detail: "", Enabled: true},
			{Account: "*", Location: "eu-west-1", Stack: "*", Detail: "*", Enabled: true},
			{Account: "staging", Location: "*", Stack: "*", Detail: "*", Enabled: false},
		},
	})

	cases := []struct {
		name     string
		moniker  Moniker
		account  string
		location Location
		want     bool
	}{
		{"prod any region", Moniker{App: "gateapp", Cluster: "gateapp-main"}, "prod", usEast, true},
		{"prod stack mismatch", Moniker{App: "gateapp", Cluster: "gateapp-canary", Stack: "canary"}, "prod", usEast, false},
		{"any account in guarded region", Moniker{App: "gateapp", Cluster: "gateapp-main", Stack: "canary"}, "dev",
			Location{Type: "region", Value: "eu-west-1"}, true},
		{"disabled rule", Moniker{App: "gateapp", Cluster: "gateapp-main", Stack: "canary"}, "staging", usEast, false},
		{"unknown application", Moniker{App: "other", Cluster: "other-main"}, "prod", usEast, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			guarded, err := source.HasGuard(context.Background(), tc.moniker, tc.account, tc.location)
			if err != nil {
				t.Fatalf("policy evaluation failed: %v", err)
			}
			if guarded != tc.want {
				t.Errorf("expected guarded=%v, got %v", tc.want, guarded)
			}
		})
	}
}

func TestOPAPolicySetRules(t *testing.T) {
	source := newTestPolicySource(t, nil)
	moniker := Moniker{App: "gateapp", Cluster: "gateapp-main"}

	guarded, err := source.HasGuard(context.Background(), moniker, "prod", usEast)
	if err != nil {
		t.Fatalf("policy evaluation failed: %v", err)
	}
	if guarded {
		t.Fatal("expected no guard before rules are set")
	}

	source.SetRules("gateapp", []GuardRule{
		{Account: "*", Location: "*", Stack: "*", Detail: "*", Enabled: true},
	})
	guarded, err = source.HasGuard(context.Background(), moniker, "prod", usEast)
	if err != nil {
		t.Fatalf("policy evaluation failed: %v", err)
	}
	if !guarded {
		t.Error("expected guard after rules are set")
	}
}
