package gatt_test

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/sensegrid/blecentral/backend"
	"github.com/sensegrid/blecentral/gatt"
	"github.com/sensegrid/blecentral/internal/testutils"
)

type TreeTestSuite struct {
	suite.Suite

	tree *gatt.Tree
}

func (suite *TreeTestSuite) SetupTest() {
	services := testutils.NewProfileBuilder().
		WithService("180F").
		WithCharacteristic("2A19", "read,notify").
		WithService("180D").
		WithCharacteristic("2A37", "notify").
		WithCharacteristic("2A38", "read").
		Build()
	suite.tree = gatt.NewTree(1, services)
}

func (suite *TreeTestSuite) TestDiscoveryOrderPreserved() {
	// GOAL: Verify services and characteristics keep backend discovery order
	//
	// TEST SCENARIO: Build tree from two services → Services() and
	// Characteristics() return them in insertion order

	services := suite.tree.Services()
	suite.Require().Len(services, 2)
	suite.Equal("180f", services[0].UUID())
	suite.Equal("180d", services[1].UUID())

	chars := services[1].Characteristics()
	suite.Require().Len(chars, 2)
	suite.Equal("2a37", chars[0].UUID())
	suite.Equal("2a38", chars[1].UUID())
}

func (suite *TreeTestSuite) TestLookupAcceptsAnyUUIDForm() {
	// GOAL: Verify lookups normalize UUID forms
	//
	// TEST SCENARIO: Look up with uppercase / short forms → same handle

	upper, err := suite.tree.Characteristic("180F", "2A19")
	suite.Require().NoError(err)

	lower, err := suite.tree.Characteristic("180f", "2a19")
	suite.Require().NoError(err)

	suite.Same(upper, lower)
	suite.True(upper.Supports(backend.PropertyRead))
	suite.False(upper.Supports(backend.PropertyWrite))
}

func (suite *TreeTestSuite) TestLookupMissing() {
	_, err := suite.tree.Service("1234")
	var notFound *gatt.NotFoundError
	suite.Require().ErrorAs(err, &notFound)
	suite.Equal("service", notFound.Resource)

	_, err = suite.tree.Characteristic("180f", "beef")
	suite.Require().ErrorAs(err, &notFound)
	suite.Equal("characteristic", notFound.Resource)
}

func (suite *TreeTestSuite) TestStaleHandleRejected() {
	// GOAL: Verify a handle from a previous connection generation is rejected
	//
	// TEST SCENARIO: Resolve a handle from a generation-1 tree → validate it
	// against a generation-2 tree → StaleHandleError

	oldHandle, err := suite.tree.Characteristic("180f", "2a19")
	suite.Require().NoError(err)

	rediscovered := gatt.NewTree(2, testutils.NewProfileBuilder().
		WithService("180F").
		WithCharacteristic("2A19", "read,notify").
		Build())

	suite.NoError(suite.tree.Validate(oldHandle))

	err = rediscovered.Validate(oldHandle)
	var stale *gatt.StaleHandleError
	suite.Require().ErrorAs(err, &stale)
	suite.Equal(uint64(1), stale.HandleGen)
	suite.Equal(uint64(2), stale.CurrentGen)

	fresh, err := rediscovered.Characteristic("180f", "2a19")
	suite.Require().NoError(err)
	suite.NoError(rediscovered.Validate(fresh))
}

func (suite *TreeTestSuite) TestCachedValue() {
	char, err := suite.tree.Characteristic("180f", "2a19")
	suite.Require().NoError(err)

	suite.Nil(char.CachedValue())
	char.SetCachedValue([]byte{0x64})
	suite.Equal([]byte{0x64}, char.CachedValue())
}

func TestTreeTestSuite(t *testing.T) {
	suite.Run(t, new(TreeTestSuite))
}
