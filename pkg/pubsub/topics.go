// Package pubsub provides topic names and event type definitions for the
// lifecycle controller's deployment-transition broadcast.
//
// Topic Naming Convention:
//   - lifecycle.transition: one event per install/activate/abort/sweep step
//
// Design Notes:
//   - Topic is a constant to avoid typos and enable compile-time checks
//   - Version field in events enables schema evolution without breaking
//     consumers
//   - No direct Encore dependencies to keep pkg/ reusable across services
package pubsub

// TopicLifecycleTransition is published once per lifecycle.Controller state
// transition (install start/success/failure, activate, cache sweep).
// Event type: LifecycleEvent
// Publishers: lifecycle.Controller
// Subscribers: controlplane (ReplicaTransitionsObserved counter), external dashboards
const TopicLifecycleTransition = "lifecycle.transition"

// AllTopics returns all defined topic names.
func AllTopics() []string {
	return []string{TopicLifecycleTransition}
}

// IsValidTopic checks if the given topic name is recognized.
func IsValidTopic(topic string) bool {
	for _, t := range AllTopics() {
		if t == topic {
			return true
		}
	}
	return false
}

// TopicMetadata provides descriptive information about topics.
type TopicMetadata struct {
	Name        string
	Description string
	EventType   string
}

// GetTopicMetadata returns metadata for all topics.
func GetTopicMetadata() []TopicMetadata {
	return []TopicMetadata{
		{
			Name:        TopicLifecycleTransition,
			Description: "Install/activate/abort/sweep transitions of the offline-cache lifecycle controller",
			EventType:   "LifecycleEvent",
		},
	}
}
