package guard

import (
	"context"
	"fmt"
	"strings"

	"github.com/helmsman-cd/helmsman/pkg/telemetry"
)

// MaxMinCapacityRatio bounds the configurable capacity floor. A floor
// of 0.5 or above would let a guard block every possible removal.
const MaxMinCapacityRatio = 0.5

// Config controls guard behavior.
type Config struct {
	// MinCapacityRatio is the floor on future/current healthy capacity.
	// Valid range is [0, 0.5); out-of-range values fall back to 0.
	MinCapacityRatio float64 `yaml:"min_capacity_ratio" validate:"gte=0"`
}

// Guard decides whether a capacity-removing operation may proceed.
type Guard struct {
	policy    PolicySource
	inventory InventoryProvider
	minRatio  float64
	logger    *telemetry.Logger
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
	events    *telemetry.EventPublisher
}

// NewGuard creates a capacity guard. Tracer and events may be nil.
func NewGuard(policy PolicySource, inventory InventoryProvider, cfg Config, logger *telemetry.Logger, metrics *telemetry.Metrics, tracer *telemetry.Tracer, events *telemetry.EventPublisher) *Guard {
	minRatio := cfg.MinCapacityRatio
	if minRatio < 0 || minRatio >= MaxMinCapacityRatio {
		logger.Warnf("Ignoring invalid min capacity ratio %.2f, using 0", minRatio)
		minRatio = 0
	}

	return &Guard{
		policy:    policy,
		inventory: inventory,
		minRatio:  minRatio,
		logger:    logger.NewComponentLogger("capacity-guard"),
		metrics:   metrics,
		tracer:    tracer,
		events:    events,
	}
}

// VerifyRemoval checks whether the given server groups may be removed
// from their cluster. All groups in both sets must share one cluster
// and one location. It returns nil when the removal is allowed, a
// GuardViolation when it would drop healthy capacity to or below the
// configured floor, and a PreconditionError when called incorrectly.
func (g *Guard) VerifyRemoval(ctx context.Context, goingAway, current []ServerGroup, account, operation string) error {
	return g.verifyRemoval(ctx, newPolicyCache(g.policy), goingAway, current, account, operation)
}

func (g *Guard) verifyRemoval(ctx context.Context, cache *policyCache, goingAway, current []ServerGroup, account, operation string) error {
	if len(goingAway) == 0 {
		return nil
	}
	if len(current) == 0 {
		return &PreconditionError{Reason: fmt.Sprintf(
			"%s: no server groups in cluster %s", operation, goingAway[0].Moniker.Cluster)}
	}
	moniker := goingAway[0].Moniker
	location := goingAway[0].Location
	for _, sg := range append(append([]ServerGroup{}, goingAway...), current...) {
		if sg.Location != location {
			return &PreconditionError{Reason: fmt.Sprintf(
				"%s: server group %s is in %s, expected %s", operation, sg.Name, sg.Location.Value, location.Value)}
		}
		if sg.Moniker.Cluster != moniker.Cluster {
			return &PreconditionError{Reason: fmt.Sprintf(
				"%s: server group %s belongs to cluster %s, expected %s", operation, sg.Name, sg.Moniker.Cluster, moniker.Cluster)}
		}
	}

	if g.tracer != nil {
		spanCtx, span := g.tracer.StartGuardSpan(ctx, moniker.App, moniker.Cluster)
		ctx = spanCtx
		defer span.End()
	}

	guarded, err := cache.hasGuard(ctx, moniker, account, location)
	if err != nil {
		return fmt.Errorf("failed to check guard policy for %s: %w", moniker.Cluster, err)
	}
	if !guarded {
		g.metrics.RecordGuardCheck("unguarded")
		return nil
	}

	currentCapacity := healthySum(current)
	if currentCapacity == 0 {
		g.metrics.RecordGuardCheck("allowed")
		return nil
	}
	futureCapacity := currentCapacity - healthySum(goingAway)

	if len(goingAway) > 1 && allPinnedSameDesired(goingAway) && futureCapacity > 0 {
		g.logger.WithApplication(moniker.App, account).WithFields(map[string]interface{}{
			"cluster":  moniker.Cluster,
			"location": location.Value,
		}).Info("Allowing removal of pinned server groups")
		g.metrics.RecordGuardCheck("allowed")
		return nil
	}

	futureRatio := float64(futureCapacity) / float64(currentCapacity)
	if futureRatio <= g.minRatio {
		message := fmt.Sprintf(
			"This cluster ('%s' in %s/%s) has capacity guards enabled. %s [%s] would leave the cluster with %d instance(s) up, %.1f%% of its current capacity of %d, at or below the configured minimum of %.1f%%",
			moniker.Cluster, account, location.Value, operation,
			strings.Join(groupNames(goingAway), ", "),
			futureCapacity, futureRatio*100, currentCapacity, g.minRatio*100)

		g.metrics.RecordGuardCheck("blocked")
		g.metrics.RecordGuardSave(moniker.App, account, location.Value)
		if g.events != nil {
			_ = g.events.PublishGuardViolation(moniker.App, moniker.Cluster, message)
		}
		g.logger.WithApplication(moniker.App, account).WithFields(map[string]interface{}{
			"cluster":   moniker.Cluster,
			"location":  location.Value,
			"operation": operation,
		}).Warn("Capacity guard blocked operation")

		return &GuardViolation{Message: message}
	}

	g.metrics.RecordGuardCheck("allowed")
	return nil
}

// VerifyInstanceTermination checks whether the named instances may be
// terminated. When they are the last healthy instances of their group,
// the decision is delegated to VerifyRemoval for that group against the
// rest of its cluster.
func (g *Guard) VerifyInstanceTermination(ctx context.Context, groupName string, moniker Moniker, instanceIDs []string, account string, location Location, operation string) error {
	if len(instanceIDs) == 0 {
		return nil
	}

	cache := newPolicyCache(g.policy)
	guarded, err := cache.hasGuard(ctx, moniker, account, location)
	if err != nil {
		return fmt.Errorf("failed to check guard policy for %s: %w", moniker.Cluster, err)
	}
	if !guarded {
		g.metrics.RecordGuardCheck("unguarded")
		return nil
	}

	group, err := g.inventory.GetServerGroup(ctx, account, groupName, location)
	if err != nil {
		return fmt.Errorf("failed to look up server group %s: %w", groupName, err)
	}

	terminating := make(map[string]bool, len(instanceIDs))
	for _, id := range instanceIDs {
		terminating[id] = true
	}
	remaining := 0
	for _, inst := range group.Instances {
		if inst.HealthState == HealthUp && !terminating[inst.Name] {
			remaining++
		}
	}
	if remaining > 0 {
		g.metrics.RecordGuardCheck("allowed")
		return nil
	}

	cluster, err := g.inventory.GetCluster(ctx, account, moniker.App, moniker.Cluster)
	if err != nil {
		return fmt.Errorf("failed to look up cluster %s: %w", moniker.Cluster, err)
	}
	current := []ServerGroup{}
	for _, sg := range cluster.ServerGroups {
		if sg.Location == location {
			current = append(current, sg)
		}
	}

	return g.verifyRemoval(ctx, cache, []ServerGroup{*group}, current, account, operation)
}

func healthySum(groups []ServerGroup) int {
	sum := 0
	for i := range groups {
		sum += groups[i].HealthyCount()
	}
	return sum
}

func allPinnedSameDesired(groups []ServerGroup) bool {
	desired := groups[0].Capacity.Desired
	for _, sg := range groups {
		if !sg.Capacity.Pinned() || sg.Capacity.Desired != desired {
			return false
		}
	}
	return true
}

func groupNames(groups []ServerGroup) []string {
	names := make([]string, len(groups))
	for i, sg := range groups {
		names[i] = sg.Name
	}
	return names
}

// policyCache memoizes PolicySource answers for one verification call.
// It must not outlive the call that created it.
type policyCache struct {
	source PolicySource
	seen   map[string]bool
}

func newPolicyCache(source PolicySource) *policyCache {
	return &policyCache{source: source, seen: map[string]bool{}}
}

func (c *policyCache) hasGuard(ctx context.Context, moniker Moniker, account string, location Location) (bool, error) {
	key := moniker.App + "|" + account + "|" + location.Value
	if guarded, ok := c.seen[key]; ok {
		return guarded, nil
	}
	guarded, err := c.source.HasGuard(ctx, moniker, account, location)
	if err != nil {
		return false, err
	}
	c.seen[key] = guarded
	return guarded, nil
}
