package session_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/sensegrid/blecentral/backend"
	"github.com/sensegrid/blecentral/gatt"
	"github.com/sensegrid/blecentral/internal/testutils"
	"github.com/sensegrid/blecentral/session"
)

const deviceAddress = "AA:BB:CC:DD:EE:FF"

type SessionTestSuite struct {
	suite.Suite

	adapter *testutils.FakeAdapter
	logger  *logrus.Logger
}

func (suite *SessionTestSuite) SetupTest() {
	suite.logger = logrus.New()
	suite.logger.SetOutput(io.Discard)

	suite.adapter = testutils.NewFakeAdapter()
	suite.adapter.NewConn = func(address string) *testutils.FakeConn {
		conn := testutils.NewFakeConn(address)
		conn.Services = testutils.NewProfileBuilder().
			WithService("180F").
			WithCharacteristic("2A19", "read,notify").
			WithService("180D").
			WithCharacteristic("2A37", "notify").
			WithService("FFF0").
			WithCharacteristic("FFF1", "write,write-without-response").
			Build()
		conn.SetValue(backend.CharRef{Service: "180f", Characteristic: "2a19"}, []byte{0x64})
		return conn
	}
}

func (suite *SessionTestSuite) newSession(opts session.Options) *session.Session {
	return session.New(suite.adapter, deviceAddress, opts, suite.logger)
}

// connect opens a session with default options and fails the test on error.
func (suite *SessionTestSuite) connect(opts session.Options) *session.Session {
	sess := suite.newSession(opts)
	suite.Require().NoError(sess.Connect(context.Background()))
	suite.Require().Equal(session.StateConnected, sess.State())
	return sess
}

func (suite *SessionTestSuite) currentConn() *testutils.FakeConn {
	conns := suite.adapter.Conns()
	suite.Require().NotEmpty(conns)
	return conns[len(conns)-1]
}

func (suite *SessionTestSuite) waitForState(sess *session.Session, want session.State) {
	suite.Require().Eventually(func() bool {
		return sess.State() == want
	}, 2*time.Second, 5*time.Millisecond, "session never reached %s", want)
}

func (suite *SessionTestSuite) TestConnectTimeout() {
	// GOAL: Verify an unreachable device fails the connect within the
	// configured window and the session returns to Disconnected
	//
	// TEST SCENARIO: Device never answers the dial → Connect returns
	// device_unreachable → state Disconnected, error kept in LastError

	suite.adapter.ConnectHang = true
	sess := suite.newSession(session.Options{ConnectTimeout: 100 * time.Millisecond})

	start := time.Now()
	err := sess.Connect(context.Background())

	suite.Require().ErrorIs(err, backend.ErrDeviceUnreachable)
	suite.Less(time.Since(start), time.Second)
	suite.Equal(session.StateDisconnected, sess.State())
	suite.ErrorIs(sess.LastError(), backend.ErrDeviceUnreachable)
}

func (suite *SessionTestSuite) TestConnectWhileConnectedRejected() {
	// GOAL: Verify Connect on a live session is refused as caller misuse,
	// not misreported as a peripheral fault
	//
	// TEST SCENARIO: Connect twice → second call fails with
	// ErrNotDisconnected, carries no backend error kind → still one native
	// connection

	sess := suite.connect(session.Options{})
	defer sess.Disconnect()

	err := sess.Connect(context.Background())
	suite.Require().ErrorIs(err, session.ErrNotDisconnected)
	suite.Empty(string(backend.KindOf(err)), "caller misuse is not a device fault")
	suite.Len(suite.adapter.Conns(), 1)
}

func (suite *SessionTestSuite) TestReadAndWrite() {
	// GOAL: Verify reads and writes round-trip through the operation queue
	//
	// TEST SCENARIO: Read battery level → seeded value → write with and
	// without response → both recorded with the right mode

	sess := suite.connect(session.Options{})
	defer sess.Disconnect()

	ctx := context.Background()
	data, err := sess.Read(ctx, "180F", "2A19")
	suite.Require().NoError(err)
	suite.Equal([]byte{0x64}, data)

	suite.Require().NoError(sess.Write(ctx, "FFF0", "FFF1", []byte{0x01, 0x02}, backend.WriteWithResponse))
	suite.Require().NoError(sess.Write(ctx, "FFF0", "FFF1", []byte{0x03}, backend.WriteWithoutResponse))

	writes := suite.currentConn().Writes()
	suite.Require().Len(writes, 2)
	suite.Equal([]byte{0x01, 0x02}, writes[0].Data)
	suite.Equal(backend.WriteWithResponse, writes[0].Mode)
	suite.Equal(backend.WriteWithoutResponse, writes[1].Mode)
}

func (suite *SessionTestSuite) TestPropertyEnforcement() {
	// GOAL: Verify operations are rejected up front when the characteristic
	// lacks the property
	//
	// TEST SCENARIO: Read a notify-only characteristic, write a read-only
	// one, subscribe to a write-only one → unsupported every time

	sess := suite.connect(session.Options{})
	defer sess.Disconnect()

	ctx := context.Background()
	_, err := sess.Read(ctx, "180D", "2A37")
	suite.ErrorIs(err, backend.ErrUnsupported)

	err = sess.Write(ctx, "180F", "2A19", []byte{0x00}, backend.WriteWithResponse)
	suite.ErrorIs(err, backend.ErrUnsupported)

	_, err = sess.Subscribe(ctx, "FFF0", "FFF1")
	suite.ErrorIs(err, backend.ErrUnsupported)

	suite.Empty(suite.currentConn().Writes(), "rejected operations MUST NOT reach the backend")
}

func (suite *SessionTestSuite) TestUnknownCharacteristic() {
	sess := suite.connect(session.Options{})
	defer sess.Disconnect()

	_, err := sess.Read(context.Background(), "180F", "BEEF")
	var notFound *gatt.NotFoundError
	suite.ErrorAs(err, &notFound)
}

func (suite *SessionTestSuite) TestLinkLossFailsPendingAndClosesStreams() {
	// GOAL: Verify an unexpected drop fails in-flight operations and closes
	// notification streams
	//
	// TEST SCENARIO: Subscribe, start a stalled write, drop the link → write
	// resolves connection_lost, listener channel closes, state Disconnected

	sess := suite.connect(session.Options{})

	listener, err := sess.Subscribe(context.Background(), "180D", "2A37")
	suite.Require().NoError(err)

	conn := suite.currentConn()
	conn.WriteDelay = time.Minute

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- sess.Write(context.Background(), "FFF0", "FFF1", []byte{0xAA}, backend.WriteWithResponse)
	}()

	// Let the write reach the backend before dropping the link.
	time.Sleep(20 * time.Millisecond)

	conn.DropLink(backend.Errorf(backend.KindConnectionLost, "supervision timeout"))

	select {
	case err := <-writeErr:
		suite.ErrorIs(err, backend.ErrConnectionLost)
	case <-time.After(2 * time.Second):
		suite.Fail("stalled write never resolved")
	}

	select {
	case _, ok := <-listener.C():
		suite.False(ok, "listener stream MUST close on link loss")
	case <-time.After(2 * time.Second):
		suite.Fail("listener stream never closed")
	}

	suite.waitForState(sess, session.StateDisconnected)
	suite.ErrorIs(sess.LastError(), backend.ErrConnectionLost)
}

func (suite *SessionTestSuite) TestAutoReconnect() {
	// GOAL: Verify the session re-establishes after a drop and old handles
	// go stale
	//
	// TEST SCENARIO: Drop the link with auto-reconnect on → session returns
	// to Connected on a fresh connection → generation-old handle rejected,
	// rediscovered handle works

	sess := suite.connect(session.Options{
		AutoReconnect:      true,
		ReconnectBaseDelay: time.Millisecond,
	})
	defer sess.Disconnect()

	tree, err := sess.DiscoverServices(context.Background())
	suite.Require().NoError(err)
	oldHandle, err := tree.Characteristic("180f", "2a19")
	suite.Require().NoError(err)

	suite.currentConn().DropLink(backend.Errorf(backend.KindConnectionLost, "link dropped"))
	suite.waitForState(sess, session.StateConnected)
	suite.Len(suite.adapter.Conns(), 2, "reconnect MUST dial a fresh connection")

	_, err = sess.ReadHandle(context.Background(), oldHandle)
	var stale *gatt.StaleHandleError
	suite.Require().ErrorAs(err, &stale)

	fresh, err := sess.DiscoverServices(context.Background())
	suite.Require().NoError(err)
	newHandle, err := fresh.Characteristic("180f", "2a19")
	suite.Require().NoError(err)

	data, err := sess.ReadHandle(context.Background(), newHandle)
	suite.Require().NoError(err)
	suite.Equal([]byte{0x64}, data)
}

func (suite *SessionTestSuite) TestReconnectExhaustion() {
	// GOAL: Verify the backoff loop gives up after the attempt cap
	//
	// TEST SCENARIO: Every redial fails → session settles in a terminal
	// Disconnected carrying the last dial error

	sess := suite.connect(session.Options{
		AutoReconnect:        true,
		MaxReconnectAttempts: 2,
		ReconnectBaseDelay:   time.Millisecond,
		ReconnectMaxDelay:    2 * time.Millisecond,
	})

	suite.adapter.ConnectErr = backend.Errorf(backend.KindDeviceUnreachable, "device went away")
	suite.currentConn().DropLink(backend.Errorf(backend.KindConnectionLost, "link dropped"))

	suite.waitForState(sess, session.StateDisconnected)
	suite.ErrorIs(sess.LastError(), backend.ErrDeviceUnreachable)
	suite.Len(suite.adapter.Conns(), 1, "no redial may succeed")
}

func (suite *SessionTestSuite) TestStateEvents() {
	// GOAL: Verify state transitions are observable as events
	//
	// TEST SCENARIO: Subscribe to events → connect → Connecting then
	// Connected arrive in order

	sess := suite.newSession(session.Options{})
	events := sess.Events()
	defer sess.CancelEvents(events)

	suite.Require().NoError(sess.Connect(context.Background()))
	defer sess.Disconnect()

	suite.Equal(session.StateConnecting, (<-events).State)
	suite.Equal(session.StateConnected, (<-events).State)
}

func (suite *SessionTestSuite) TestDisconnectIsIdempotent() {
	sess := suite.connect(session.Options{})

	suite.Require().NoError(sess.Disconnect())
	suite.Equal(session.StateDisconnected, sess.State())
	suite.True(suite.currentConn().Closed())

	suite.NoError(sess.Disconnect(), "second Disconnect MUST be a no-op")
}

func (suite *SessionTestSuite) TestDisconnectAbortsConnect() {
	// GOAL: Verify an explicit disconnect aborts a dial in progress
	//
	// TEST SCENARIO: Device never answers → Disconnect while Connecting →
	// Connect returns cancelled promptly

	suite.adapter.ConnectHang = true
	sess := suite.newSession(session.Options{ConnectTimeout: time.Minute})

	connectErr := make(chan error, 1)
	go func() {
		connectErr <- sess.Connect(context.Background())
	}()

	suite.Require().Eventually(func() bool {
		return sess.State() == session.StateConnecting
	}, time.Second, time.Millisecond)
	suite.Require().NoError(sess.Disconnect())

	select {
	case err := <-connectErr:
		suite.ErrorIs(err, backend.ErrCancelled)
	case <-time.After(2 * time.Second):
		suite.Fail("connect did not abort")
	}
	suite.waitForState(sess, session.StateDisconnected)
}

func (suite *SessionTestSuite) TestOperationsRejectedWhileDisconnected() {
	sess := suite.newSession(session.Options{})

	_, err := sess.Read(context.Background(), "180F", "2A19")
	suite.ErrorIs(err, backend.ErrConnectionLost)

	_, err = sess.DiscoverServices(context.Background())
	suite.ErrorIs(err, backend.ErrConnectionLost)
}

func TestSessionTestSuite(t *testing.T) {
	suite.Run(t, new(SessionTestSuite))
}
