package service_test

import (
	"testing"

	"github.com/digitalgoods/fulfillment-services/models/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRingList(t *testing.T) {
	assert.NotNil(t, service.NewRingList(10))
	assert.NotNil(t, service.NewRingList(0))
}

func TestRingListEvictsOldest(t *testing.T) {
	ringList := service.NewRingList(4)
	require.NotNil(t, ringList)
	for _, line := range []string{"line-1", "line-2", "line-3", "line-4"} {
		ringList.Add(line)
	}
	assert.Equal(t, []string{"line-1", "line-2", "line-3", "line-4"}, ringList.Items())

	ringList.Add("line-5")
	ringList.Add("line-6")
	assert.False(t, ringList.Contains("line-1"))
	assert.False(t, ringList.Contains("line-2"))
	assert.True(t, ringList.Contains("line-3"))
	assert.True(t, ringList.Contains("line-6"))
	assert.Equal(t, []string{"line-3", "line-4", "line-5", "line-6"}, ringList.Items())
}

func TestRingListDel(t *testing.T) {
	ringList := service.NewRingList(3)
	ringList.Add("line-1")
	ringList.Add("line-2")
	ringList.Del("line-1")
	ringList.Del("")
	assert.False(t, ringList.Contains("line-1"))
	assert.True(t, ringList.Contains("line-2"))
	assert.False(t, ringList.Contains(""))
	assert.Equal(t, []string{"line-2"}, ringList.Items())
}
