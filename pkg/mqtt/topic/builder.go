package topic

import (
	"fmt"
)

// Constants defining the standard topic segments.
// Subscribers (fleet dashboards, alerting bridges) depend on these values.
const (
	// SegmentUpdater is the namespace under the root for all updater traffic.
	SegmentUpdater = "updater"

	// SuffixEvents carries one message per lifecycle event.
	// Structure: {root}/updater/{instance}/events/{type}
	SuffixEvents = "events"

	// SuffixPhase carries the retained current phase.
	// Structure: {root}/updater/{instance}/phase
	SuffixPhase = "phase"

	// SuffixCommand receives remote operator commands.
	// Structure: {root}/updater/{instance}/command/{name}
	SuffixCommand = "command"

	// SuffixReply carries the outcome of each command.
	// Structure: {root}/updater/{instance}/reply/{name}
	SuffixReply = "reply"
)

// TopicBuilder encapsulates the logic for constructing MQTT topic strings.
type TopicBuilder struct {
	// root is the base namespace for all topics (e.g., "iov/v1").
	root string
}

// NewTopicBuilder creates a new instance of TopicBuilder with the specified root namespace.
func NewTopicBuilder(root string) *TopicBuilder {
	return &TopicBuilder{root: root}
}

// Event returns the topic for a single lifecycle event of an instance.
func (b *TopicBuilder) Event(instance, eventType string) string {
	return b.build(instance, SuffixEvents, eventType)
}

// EventWildcard returns the filter matching every event of every instance.
// Result: {root}/updater/+/events/#
func (b *TopicBuilder) EventWildcard() string {
	return b.build(Wildcard, SuffixEvents, MultiWildcard)
}

// Phase returns the retained phase topic of an instance.
func (b *TopicBuilder) Phase(instance string) string {
	return b.build(instance, SuffixPhase)
}

// PhaseWildcard returns the filter matching the phase topic of every instance.
func (b *TopicBuilder) PhaseWildcard() string {
	return b.build(Wildcard, SuffixPhase)
}

// Command returns the topic a named command is sent to.
func (b *TopicBuilder) Command(instance, name string) string {
	return b.build(instance, SuffixCommand, name)
}

// CommandWildcard returns the filter matching every command of an instance.
// Result: {root}/updater/{instance}/command/+
func (b *TopicBuilder) CommandWildcard(instance string) string {
	return b.build(instance, SuffixCommand, Wildcard)
}

// Reply returns the topic carrying the outcome of a named command.
func (b *TopicBuilder) Reply(instance, name string) string {
	return b.build(instance, SuffixReply, name)
}

// build joins the root, the updater namespace, the instance and the suffix segments.
func (b *TopicBuilder) build(instance string, suffix ...string) string {
	t := fmt.Sprintf("%s/%s/%s", b.root, SegmentUpdater, instance)
	for _, s := range suffix {
		t += "/" + s
	}
	return t
}
