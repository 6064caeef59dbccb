package constants

const (
	TopicFulfillmentRequested = "fulfillment_requested"
	TopicFulfillmentDelivered = "fulfillment_delivered"
	TopicFulfillmentFailed    = "fulfillment_failed"
	ChannelFulfillmentWorker  = "fulfillment_worker"
)

// TopicForState returns the NSQ topic to which the outcome of a
// fulfillment in the given state should be published. States that
// are not terminal have no outcome topic, so this returns an empty
// string for them.
func TopicForState(state string) string {
	switch state {
	case StateDelivered:
		return TopicFulfillmentDelivered
	case StateFailed:
		return TopicFulfillmentFailed
	}
	return ""
}

// IsTerminal returns true if state is Delivered or Failed.
func IsTerminal(state string) bool {
	return state == StateDelivered || state == StateFailed
}
