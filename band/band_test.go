package band_test

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/sensegrid/blecentral/backend"
	"github.com/sensegrid/blecentral/band"
	"github.com/sensegrid/blecentral/internal/testutils"
	"github.com/sensegrid/blecentral/session"
)

var (
	commandRef = backend.CharRef{Service: band.ServiceUUID, Characteristic: band.CommandUUID}
	dataRef    = backend.CharRef{Service: band.ServiceUUID, Characteristic: band.DataUUID}
)

type BandTestSuite struct {
	suite.Suite

	adapter *testutils.FakeAdapter
	conn    *testutils.FakeConn
	sess    *session.Session
	band    *band.Band
}

func (suite *BandTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	suite.adapter = testutils.NewFakeAdapter()
	suite.adapter.NewConn = func(address string) *testutils.FakeConn {
		conn := testutils.NewFakeConn(address)
		conn.Services = testutils.NewProfileBuilder().
			WithService(band.ServiceUUID).
			WithCharacteristic(band.CommandUUID, "write,notify").
			WithCharacteristic(band.DataUUID, "notify").
			Build()
		suite.conn = conn
		return conn
	}

	suite.sess = session.New(suite.adapter, "C1:5C:00:00:00:01", session.Options{}, logger)
	suite.Require().NoError(suite.sess.Connect(context.Background()))

	suite.band = band.New(suite.sess, logger)
}

func (suite *BandTestSuite) TearDownTest() {
	suite.sess.Disconnect()
}

// scriptResponses makes the fake peripheral answer command writes. The
// handler returns the response status and body for the opcode, or false to
// stay silent.
func (suite *BandTestSuite) scriptResponses(handler func(cmd band.Command, frame []byte) (band.ResponseStatus, []byte, bool)) {
	suite.conn.OnWrite = func(rec testutils.WriteRecord) {
		if rec.Ref != commandRef || len(rec.Data) == 0 {
			return
		}
		cmd := band.Command(rec.Data[0])
		status, body, respond := handler(cmd, rec.Data)
		if !respond {
			return
		}
		rsp := append([]byte{byte(status), byte(cmd)}, body...)
		go suite.conn.Notify(commandRef, rsp)
	}
}

func (suite *BandTestSuite) openBand() {
	suite.Require().NoError(suite.band.Open(context.Background()))
}

func (suite *BandTestSuite) TestProbeProfile() {
	tree, err := suite.sess.DiscoverServices(context.Background())
	suite.Require().NoError(err)
	suite.NoError(band.ProbeProfile(tree))
}

func (suite *BandTestSuite) TestProbeProfileMissingCharacteristic() {
	suite.adapter.NewConn = func(address string) *testutils.FakeConn {
		conn := testutils.NewFakeConn(address)
		conn.Services = testutils.NewProfileBuilder().
			WithService("180F").
			WithCharacteristic("2A19", "read").
			Build()
		return conn
	}
	sess := session.New(suite.adapter, "11:22:33:44:55:66", session.Options{}, nil)
	suite.Require().NoError(sess.Connect(context.Background()))
	defer sess.Disconnect()

	tree, err := sess.DiscoverServices(context.Background())
	suite.Require().NoError(err)
	suite.Error(band.ProbeProfile(tree))
}

func (suite *BandTestSuite) TestDeviceNameAndBattery() {
	// GOAL: Verify commands are correlated to their responses by opcode
	//
	// TEST SCENARIO: Peripheral answers name and battery queries → each
	// caller gets the body for its own opcode

	suite.scriptResponses(func(cmd band.Command, _ []byte) (band.ResponseStatus, []byte, bool) {
		switch cmd {
		case band.CmdGetDeviceName:
			return band.StatusSuccess, []byte("gForcePro"), true
		case band.CmdGetBatteryLevel:
			return band.StatusSuccess, []byte{85}, true
		}
		return 0, nil, false
	})
	suite.openBand()

	name, err := suite.band.DeviceName(context.Background())
	suite.Require().NoError(err)
	suite.Equal("gForcePro", name)

	level, err := suite.band.BatteryLevel(context.Background())
	suite.Require().NoError(err)
	suite.Equal(uint8(85), level)
}

func (suite *BandTestSuite) TestMotorControl() {
	var frames [][]byte
	suite.scriptResponses(func(cmd band.Command, frame []byte) (band.ResponseStatus, []byte, bool) {
		frames = append(frames, frame)
		return band.StatusSuccess, nil, true
	})
	suite.openBand()

	suite.Require().NoError(suite.band.SetMotor(context.Background(), true))
	suite.Require().NoError(suite.band.SetMotor(context.Background(), false))

	suite.Require().Len(frames, 2)
	suite.Equal([]byte{0x24, 0x01}, frames[0])
	suite.Equal([]byte{0x24, 0x00}, frames[1])
}

func (suite *BandTestSuite) TestErrorStatusMapping() {
	// GOAL: Verify response statuses map into the error taxonomy
	//
	// TEST SCENARIO: not-supported → unsupported, any other failure →
	// protocol_error

	suite.scriptResponses(func(cmd band.Command, _ []byte) (band.ResponseStatus, []byte, bool) {
		if cmd == band.CmdMotorControl {
			return band.StatusNotSupported, nil, true
		}
		return band.StatusBadParam, nil, true
	})
	suite.openBand()

	err := suite.band.SetMotor(context.Background(), true)
	suite.ErrorIs(err, backend.ErrUnsupported)

	err = suite.band.SetEMGRawConfig(context.Background(), band.EMGRawConfig{SampleRate: 500})
	suite.ErrorIs(err, backend.ErrProtocolError)
}

func (suite *BandTestSuite) TestCommandTimeout() {
	// GOAL: Verify a silent peripheral times the command out
	//
	// TEST SCENARIO: No response ever arrives → operation_timeout within the
	// command window, and the opcode is free for the next attempt

	suite.scriptResponses(func(band.Command, []byte) (band.ResponseStatus, []byte, bool) {
		return 0, nil, false
	})
	suite.openBand()
	suite.band.SetCommandTimeout(50 * time.Millisecond)

	err := suite.band.SetMotor(context.Background(), true)
	suite.Require().ErrorIs(err, backend.ErrOperationTimeout)

	// The failed attempt must not leave its opcode marked outstanding.
	suite.scriptResponses(func(band.Command, []byte) (band.ResponseStatus, []byte, bool) {
		return band.StatusSuccess, nil, true
	})
	suite.NoError(suite.band.SetMotor(context.Background(), true))
}

func (suite *BandTestSuite) TestCommandBeforeOpen() {
	err := suite.band.SetMotor(context.Background(), true)
	suite.ErrorIs(err, backend.ErrProtocolError)
}

func (suite *BandTestSuite) TestStreamDecodesPackets() {
	// GOAL: Verify the data stream decodes whole and fragmented packets
	//
	// TEST SCENARIO: Enable feeds → one whole euler packet, one quaternion
	// split across two fragments, one gesture → three typed packets out

	suite.scriptResponses(func(band.Command, []byte) (band.ResponseStatus, []byte, bool) {
		return band.StatusSuccess, nil, true
	})
	suite.openBand()

	stream, err := suite.band.StartStreaming(context.Background(),
		band.SubEulerAngle|band.SubQuaternion|band.SubEMGGesture)
	suite.Require().NoError(err)

	euler := make([]byte, 12)
	binary.LittleEndian.PutUint32(euler[0:], math.Float32bits(10.5))
	binary.LittleEndian.PutUint32(euler[4:], math.Float32bits(-2.25))
	binary.LittleEndian.PutUint32(euler[8:], math.Float32bits(180))
	suite.conn.Notify(dataRef, append([]byte{byte(band.DataEulerAngle)}, euler...))

	quat := make([]byte, 16)
	binary.LittleEndian.PutUint32(quat[0:], math.Float32bits(1))
	binary.LittleEndian.PutUint32(quat[12:], math.Float32bits(0.25))
	suite.conn.Notify(dataRef, append([]byte{byte(band.DataQuaternion) | 0x80}, quat[:10]...))
	suite.conn.Notify(dataRef, append([]byte{byte(band.DataQuaternion)}, quat[10:]...))

	suite.conn.Notify(dataRef, []byte{byte(band.DataEMGGesture), 0x02})

	pkt := suite.nextPacket(stream)
	suite.Equal(band.DataEulerAngle, pkt.Type)
	angles, ok := pkt.Euler()
	suite.Require().True(ok)
	suite.Equal(band.EulerAngles{Pitch: 10.5, Roll: -2.25, Yaw: 180}, angles)

	pkt = suite.nextPacket(stream)
	suite.Equal(band.DataQuaternion, pkt.Type)
	q, ok := pkt.Quat()
	suite.Require().True(ok)
	suite.Equal(band.Quaternion{W: 1, Z: 0.25}, q)

	pkt = suite.nextPacket(stream)
	gesture, ok := pkt.Gesture()
	suite.Require().True(ok)
	suite.Equal(byte(0x02), gesture)

	suite.Require().NoError(suite.band.StopStreaming(context.Background(), stream))

	// The last feed-switch write must disable every feed.
	writes := suite.conn.Writes()
	last := writes[len(writes)-1]
	suite.Equal([]byte{byte(band.CmdSetDataNotifSwitch), 0x00, 0x00, 0x00, 0x00}, last.Data)

	select {
	case _, ok := <-stream.C():
		suite.False(ok, "packet channel MUST close after StopStreaming")
	case <-time.After(2 * time.Second):
		suite.Fail("packet channel never closed")
	}
}

func (suite *BandTestSuite) nextPacket(stream *band.Stream) band.DataPacket {
	select {
	case pkt, ok := <-stream.C():
		suite.Require().True(ok, "stream closed early")
		return pkt
	case <-time.After(2 * time.Second):
		suite.Require().Fail("no packet arrived")
		return band.DataPacket{}
	}
}

func (suite *BandTestSuite) TestStreamRollsBackOnSubscribeFailure() {
	// GOAL: Verify feeds are switched off again when the data subscribe
	// fails, so the band does not push into the void

	suite.scriptResponses(func(band.Command, []byte) (band.ResponseStatus, []byte, bool) {
		return band.StatusSuccess, nil, true
	})
	suite.openBand()

	suite.conn.SubscribeErr = backend.Errorf(backend.KindProtocolError, "cccd write rejected")
	_, err := suite.band.StartStreaming(context.Background(), band.SubEulerAngle)
	suite.Require().Error(err)

	writes := suite.conn.Writes()
	suite.Require().Len(writes, 2, "enable then rollback")
	suite.Equal([]byte{byte(band.CmdSetDataNotifSwitch), 0x08, 0x00, 0x00, 0x00}, writes[0].Data)
	suite.Equal([]byte{byte(band.CmdSetDataNotifSwitch), 0x00, 0x00, 0x00, 0x00}, writes[1].Data)
}

func (suite *BandTestSuite) TestCloseReleasesAbandonedStream() {
	// GOAL: Verify closing an undrained stream does not strand the decoder
	// on its full output channel
	//
	// TEST SCENARIO: Flood the data characteristic with no consumer → the
	// output buffer fills and the decoder blocks → Close → the packet
	// channel still closes

	suite.scriptResponses(func(band.Command, []byte) (band.ResponseStatus, []byte, bool) {
		return band.StatusSuccess, nil, true
	})
	suite.openBand()

	stream, err := suite.band.StartStreaming(context.Background(), band.SubEMGGesture)
	suite.Require().NoError(err)

	for i := 0; i < 100; i++ {
		suite.conn.Notify(dataRef, []byte{byte(band.DataEMGGesture), 0x01})
	}

	suite.Require().NoError(stream.Close(context.Background()))

	drained := make(chan struct{})
	go func() {
		for range stream.C() {
		}
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		suite.Fail("packet channel never closed after Close")
	}
}

func TestBandTestSuite(t *testing.T) {
	suite.Run(t, new(BandTestSuite))
}
