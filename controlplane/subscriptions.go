package controlplane

import (
	"context"
	"sync/atomic"

	encorepubsub "encore.dev/pubsub"

	"encore.app/lifecycle"
	"encore.app/pkg/pubsub"
)

// ReplicaTransitionsObserved counts every lifecycle transition this instance
// has observed over DeploymentTopic, including ones published by its own
// Deploy calls. Grounded on the teacher's cache-manager/subscriptions.go
// HandleInvalidateEvent wiring — the same "every instance subscribes to the
// same broadcast" shape, retargeted from cache invalidation to deployment
// telemetry.
var ReplicaTransitionsObserved atomic.Int64

var _ = encorepubsub.NewSubscription(
	lifecycle.DeploymentTopic,
	"controlplane-deployment-transitions",
	encorepubsub.SubscriptionConfig[*pubsub.LifecycleEvent]{
		Handler: HandleDeploymentTransition,
	},
)

// HandleDeploymentTransition observes a lifecycle transition broadcast by
// any controlplane replica. It only counts the event; the authoritative
// audit row is written synchronously by the replica that ran Deploy, so
// this handler never touches Postgres itself — duplicating that write here
// would double-count a single deployment across every subscribed replica.
func HandleDeploymentTransition(ctx context.Context, event *pubsub.LifecycleEvent) error {
	ReplicaTransitionsObserved.Add(1)
	return nil
}
