// Package cluster decides which orchestrator instance runs the workflow tick.
package cluster

import "context"

// Coordinator elects at most one leader among orchestrator replicas.
// Callbacks registered with OnLeadershipChange fire on every transition.
type Coordinator interface {
	// Start participates in the election until ctx is done or Stop is called.
	Start(ctx context.Context) error
	// Stop gives up leadership and ends Start.
	Stop() error
	OnLeadershipChange(cb func(isLeader bool))
}
