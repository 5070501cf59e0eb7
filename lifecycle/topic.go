package lifecycle

import (
	encorepubsub "encore.dev/pubsub"

	"encore.app/pkg/pubsub"
)

// DeploymentTopic broadcasts every lifecycle transition, grounded on the
// teacher's WarmCompletedTopic / invalidation audit broadcast pattern —
// letting multiple controlplane instances (or a test harness) observe each
// other's deployments.
var DeploymentTopic = encorepubsub.NewTopic[*pubsub.LifecycleEvent](
	pubsub.TopicLifecycleTransition,
	encorepubsub.TopicConfig{
		DeliveryGuarantee: encorepubsub.AtLeastOnce,
	},
)
