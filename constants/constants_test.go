package constants_test

import (
	"testing"

	"github.com/digitalgoods/fulfillment-services/constants"
	"github.com/stretchr/testify/assert"
)

func TestTopicForState(t *testing.T) {
	assert.Equal(t, constants.TopicFulfillmentDelivered, constants.TopicForState(constants.StateDelivered))
	assert.Equal(t, constants.TopicFulfillmentFailed, constants.TopicForState(constants.StateFailed))
	for _, state := range []string{constants.StatePending, constants.StateReserving, constants.StateUploading} {
		assert.Empty(t, constants.TopicForState(state), state)
	}
}

func TestIsTerminal(t *testing.T) {
	for _, state := range constants.FulfillmentStates {
		expected := state == constants.StateDelivered || state == constants.StateFailed
		assert.Equal(t, expected, constants.IsTerminal(state), state)
	}
}

func TestDefaultProviderOrder(t *testing.T) {
	assert.Equal(t, []string{constants.ProviderDrive, constants.ProviderMediaFire}, constants.Providers)
}
