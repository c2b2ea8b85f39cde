package guard

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/helmsman-cd/helmsman/pkg/telemetry"
)

type staticPolicy struct {
	guarded bool
	calls   int
}

func (p *staticPolicy) HasGuard(ctx context.Context, moniker Moniker, account string, location Location) (bool, error) {
	p.calls++
	return p.guarded, nil
}

type fakeInventory struct {
	groups  map[string]*ServerGroup
	cluster *Cluster
}

func (f *fakeInventory) GetServerGroup(ctx context.Context, account, name string, location Location) (*ServerGroup, error) {
	sg, ok := f.groups[name]
	if !ok {
		return nil, errors.New("server group not found: " + name)
	}
	return sg, nil
}

func (f *fakeInventory) GetCluster(ctx context.Context, account, application, cluster string) (*Cluster, error) {
	return f.cluster, nil
}

func newTestGuard(t *testing.T, policy PolicySource, inventory InventoryProvider, cfg Config) *Guard {
	t.Helper()

	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  "error",
		Format: "json",
		Output: "stderr",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	return NewGuard(policy, inventory, cfg, logger, metrics, nil, nil)
}

var usEast = Location{Type: "region", Value: "us-east-1"}

// serverGroup builds a group with the given number of Up instances
// followed by enough Down instances to reach total.
func serverGroup(name string, healthy, total int) ServerGroup {
	sg := ServerGroup{
		Name:     name,
		Moniker:  Moniker{App: "gateapp", Cluster: "gateapp-main"},
		Location: usEast,
		Capacity: Capacity{Min: 0, Desired: total, Max: total * 2},
	}
	for i := 0; i < total; i++ {
		state := HealthDown
		if i < healthy {
			state = HealthUp
		}
		sg.Instances = append(sg.Instances, Instance{
			Name:        name + "-i" + string(rune('a'+i)),
			HealthState: state,
		})
	}
	return sg
}

func pinned(sg ServerGroup, size int) ServerGroup {
	sg.Capacity = Capacity{Min: size, Desired: size, Max: size}
	return sg
}

func TestVerifyRemovalEmptyGoingAwayAllows(t *testing.T) {
	policy := &staticPolicy{guarded: true}
	g := newTestGuard(t, policy, nil, Config{})

	if err := g.VerifyRemoval(context.Background(), nil, nil, "prod", "Destroy"); err != nil {
		t.Fatalf("expected empty removal allowed, got %v", err)
	}
	if policy.calls != 0 {
		t.Errorf("expected no policy lookup for empty removal, got %d", policy.calls)
	}
}

func TestVerifyRemovalPreconditions(t *testing.T) {
	g := newTestGuard(t, &staticPolicy{guarded: true}, nil, Config{})

	goingAway := []ServerGroup{serverGroup("gateapp-main-v001", 2, 2)}

	var precondition *PreconditionError
	if err := g.VerifyRemoval(context.Background(), goingAway, nil, "prod", "Destroy"); !errors.As(err, &precondition) {
		t.Errorf("expected PreconditionError for empty current set, got %v", err)
	}

	otherRegion := serverGroup("gateapp-main-v002", 2, 2)
	otherRegion.Location = Location{Type: "region", Value: "eu-west-1"}
	if err := g.VerifyRemoval(context.Background(), goingAway,
		[]ServerGroup{goingAway[0], otherRegion}, "prod", "Destroy"); !errors.As(err, &precondition) {
		t.Errorf("expected PreconditionError for mixed locations, got %v", err)
	}

	otherCluster := serverGroup("gateapp-canary-v001", 2, 2)
	otherCluster.Moniker.Cluster = "gateapp-canary"
	if err := g.VerifyRemoval(context.Background(), goingAway,
		[]ServerGroup{goingAway[0], otherCluster}, "prod", "Destroy"); !errors.As(err, &precondition) {
		t.Errorf("expected PreconditionError for mixed clusters, got %v", err)
	}
}

func TestVerifyRemovalUnguardedClusterAllows(t *testing.T) {
	g := newTestGuard(t, &staticPolicy{guarded: false}, nil, Config{})

	goingAway := []ServerGroup{serverGroup("gateapp-main-v001", 4, 4)}
	current := []ServerGroup{goingAway[0]}

	if err := g.VerifyRemoval(context.Background(), goingAway, current, "prod", "Destroy"); err != nil {
		t.Fatalf("expected unguarded cluster allowed, got %v", err)
	}
}

func TestVerifyRemovalZeroCurrentCapacityAllows(t *testing.T) {
	g := newTestGuard(t, &staticPolicy{guarded: true}, nil, Config{})

	goingAway := []ServerGroup{serverGroup("gateapp-main-v001", 0, 3)}
	current := []ServerGroup{goingAway[0], serverGroup("gateapp-main-v002", 0, 2)}

	if err := g.VerifyRemoval(context.Background(), goingAway, current, "prod", "Destroy"); err != nil {
		t.Fatalf("expected removal from dead cluster allowed, got %v", err)
	}
}

func TestCapacityRatioArithmetic(t *testing.T) {
	// Current capacity 10, removing a group with 4 healthy instances
	// leaves 60% up.
	goingAway := []ServerGroup{serverGroup("gateapp-main-v001", 4, 4)}
	current := []ServerGroup{goingAway[0], serverGroup("gateapp-main-v002", 6, 6)}

	g := newTestGuard(t, &staticPolicy{guarded: true}, nil, Config{})
	g.minRatio = 0.5
	if err := g.VerifyRemoval(context.Background(), goingAway, current, "prod", "Destroy"); err != nil {
		t.Fatalf("expected 60%% remaining to clear a 50%% floor, got %v", err)
	}

	g.minRatio = 0.7
	err := g.VerifyRemoval(context.Background(), goingAway, current, "prod", "Destroy")
	var violation *GuardViolation
	if !errors.As(err, &violation) {
		t.Fatalf("expected GuardViolation below a 70%% floor, got %v", err)
	}
	for _, want := range []string{"gateapp-main", "prod", "us-east-1", "Destroy", "gateapp-main-v001", "6 instance(s)", "60.0%", "70.0%"} {
		if !strings.Contains(violation.Message, want) {
			t.Errorf("expected violation message to contain %q, got %q", want, violation.Message)
		}
	}
}

func TestInvalidMinRatioFallsBackToZero(t *testing.T) {
	g := newTestGuard(t, &staticPolicy{guarded: true}, nil, Config{MinCapacityRatio: 0.7})
	if g.minRatio != 0 {
		t.Fatalf("expected out-of-range ratio to fall back to 0, got %v", g.minRatio)
	}

	goingAway := []ServerGroup{serverGroup("gateapp-main-v001", 4, 4)}
	current := []ServerGroup{goingAway[0], serverGroup("gateapp-main-v002", 1, 1)}
	if err := g.VerifyRemoval(context.Background(), goingAway, current, "prod", "Destroy"); err != nil {
		t.Errorf("expected any remaining capacity to pass a zero floor, got %v", err)
	}

	// Removing everything still violates a zero floor.
	var violation *GuardViolation
	if err := g.VerifyRemoval(context.Background(), current, current, "prod", "Destroy"); !errors.As(err, &violation) {
		t.Errorf("expected GuardViolation when removing all capacity, got %v", err)
	}
}

func TestPinnedGroupSwapBypass(t *testing.T) {
	g := newTestGuard(t, &staticPolicy{guarded: true}, nil, Config{MinCapacityRatio: 0.3})

	v1 := pinned(serverGroup("gateapp-main-v001", 2, 2), 2)
	v2 := pinned(serverGroup("gateapp-main-v002", 2, 2), 2)
	v3 := serverGroup("gateapp-main-v003", 1, 1)
	goingAway := []ServerGroup{v1, v2}
	current := []ServerGroup{v1, v2, v3}

	// 1 of 5 instances would remain, but the pinned swap is allowed.
	if err := g.VerifyRemoval(context.Background(), goingAway, current, "prod", "Destroy"); err != nil {
		t.Fatalf("expected pinned group swap allowed, got %v", err)
	}

	// One autoscaled group disqualifies the bypass.
	var violation *GuardViolation
	if err := g.VerifyRemoval(context.Background(), []ServerGroup{v1, serverGroup("gateapp-main-v002", 2, 2)},
		current, "prod", "Destroy"); !errors.As(err, &violation) {
		t.Errorf("expected GuardViolation without the pinned bypass, got %v", err)
	}

	// Different desired sizes disqualify it too.
	if err := g.VerifyRemoval(context.Background(), []ServerGroup{v1, pinned(serverGroup("gateapp-main-v002", 2, 2), 3)},
		current, "prod", "Destroy"); !errors.As(err, &violation) {
		t.Errorf("expected GuardViolation for mixed desired sizes, got %v", err)
	}
}

func TestPolicyLookupMemoizedPerCall(t *testing.T) {
	policy := &staticPolicy{guarded: true}
	group := serverGroup("gateapp-main-v001", 2, 2)
	inventory := &fakeInventory{
		groups:  map[string]*ServerGroup{group.Name: &group},
		cluster: &Cluster{Name: "gateapp-main", Application: "gateapp", ServerGroups: []ServerGroup{group}},
	}
	g := newTestGuard(t, policy, inventory, Config{})

	ids := []string{group.Instances[0].Name, group.Instances[1].Name}
	err := g.VerifyInstanceTermination(context.Background(), group.Name, group.Moniker, ids, "prod", usEast, "Terminate")
	var violation *GuardViolation
	if !errors.As(err, &violation) {
		t.Fatalf("expected GuardViolation terminating the whole cluster, got %v", err)
	}
	if policy.calls != 1 {
		t.Errorf("expected one memoized policy lookup, got %d", policy.calls)
	}
}

func TestVerifyInstanceTermination(t *testing.T) {
	group := serverGroup("gateapp-main-v001", 2, 3)
	other := serverGroup("gateapp-main-v002", 2, 2)
	inventory := &fakeInventory{
		groups: map[string]*ServerGroup{group.Name: &group},
		cluster: &Cluster{
			Name: "gateapp-main", Application: "gateapp",
			ServerGroups: []ServerGroup{group, other},
		},
	}
	g := newTestGuard(t, &staticPolicy{guarded: true}, inventory, Config{})

	// One healthy instance remains in the group, no delegation needed.
	err := g.VerifyInstanceTermination(context.Background(), group.Name, group.Moniker,
		[]string{group.Instances[0].Name}, "prod", usEast, "Terminate")
	if err != nil {
		t.Fatalf("expected termination leaving healthy instances allowed, got %v", err)
	}

	// Terminating the last healthy instances delegates to removal
	// verification against the rest of the cluster, which still has
	// capacity, so a zero floor allows it.
	err = g.VerifyInstanceTermination(context.Background(), group.Name, group.Moniker,
		[]string{group.Instances[0].Name, group.Instances[1].Name}, "prod", usEast, "Terminate")
	if err != nil {
		t.Fatalf("expected delegated removal allowed, got %v", err)
	}

	// Exactly at the floor the same termination is blocked.
	g.minRatio = 0.5
	err = g.VerifyInstanceTermination(context.Background(), group.Name, group.Moniker,
		[]string{group.Instances[0].Name, group.Instances[1].Name}, "prod", usEast, "Terminate")
	var violation *GuardViolation
	if !errors.As(err, &violation) {
		t.Errorf("expected GuardViolation when floor applies, got %v", err)
	}
}

func TestVerifyInstanceTerminationUnguarded(t *testing.T) {
	policy := &staticPolicy{guarded: false}
	g := newTestGuard(t, policy, &fakeInventory{}, Config{})

	err := g.VerifyInstanceTermination(context.Background(), "gateapp-main-v001",
		Moniker{App: "gateapp", Cluster: "gateapp-main"}, []string{"i-1"}, "prod", usEast, "Terminate")
	if err != nil {
		t.Fatalf("expected unguarded termination allowed, got %v", err)
	}
}
