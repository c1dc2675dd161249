package band

import (
	"context"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"

	"github.com/sensegrid/blecentral/gatt"
	"github.com/sensegrid/blecentral/internal/groutine"
	"github.com/sensegrid/blecentral/notify"
)

// reassemblyCap bounds a single reassembled data packet. Fragments beyond
// the cap discard the packet rather than growing without bound.
const reassemblyCap = 4096

// DataPacket is one decoded data-characteristic packet.
type DataPacket struct {
	Type    DataType
	Payload []byte
	// TsUs and Seq carry the delivery metadata of the final fragment.
	TsUs int64
	Seq  uint64
	// Dropped counts notifications lost to a slow consumer before this
	// packet.
	Dropped uint64
}

// Euler decodes the payload as an orientation sample in degrees.
func (p DataPacket) Euler() (EulerAngles, bool) {
	if p.Type != DataEulerAngle {
		return EulerAngles{}, false
	}
	return decodeEuler(p.Payload)
}

// Quat decodes the payload as a quaternion sample.
func (p DataPacket) Quat() (Quaternion, bool) {
	if p.Type != DataQuaternion {
		return Quaternion{}, false
	}
	return decodeQuaternion(p.Payload)
}

// Gesture returns the gesture code of an EMG gesture packet.
func (p DataPacket) Gesture() (byte, bool) {
	if p.Type != DataEMGGesture || len(p.Payload) < 1 {
		return 0, false
	}
	return p.Payload[0], true
}

// Stream decodes the band's data characteristic: each notification carries
// a type byte followed by the payload; oversized packets arrive as
// fragments flagged with the high bit and are reassembled in order.
type Stream struct {
	listener *notify.Listener
	out      chan DataPacket
	done     chan struct{}
	closed   atomic.Bool
	logger   *logrus.Logger

	partial     *ringbuffer.RingBuffer
	partialType DataType
	partialBad  bool
}

// StartStreaming enables the requested feeds and opens the decoded data
// stream. Stop with Stream.Close.
func (b *Band) StartStreaming(ctx context.Context, sub Subscription) (*Stream, error) {
	if err := b.SetSubscription(ctx, sub); err != nil {
		return nil, err
	}

	listener, err := b.sess.Subscribe(ctx, ServiceUUID, DataUUID)
	if err != nil {
		// Leaving feeds enabled with nobody listening drains the battery.
		if derr := b.SetSubscription(ctx, 0); derr != nil {
			b.logger.WithField("error", derr).Warn("could not disable feeds after failed subscribe")
		}
		return nil, err
	}

	s := &Stream{
		listener: listener,
		out:      make(chan DataPacket, 64),
		done:     make(chan struct{}),
		logger:   b.logger,
		partial:  ringbuffer.New(reassemblyCap),
	}
	groutine.Go(ctx, "band-data-decoder", func(context.Context) {
		s.decodeLoop()
	})
	return s, nil
}

// StopStreaming disables all feeds and closes the stream.
func (b *Band) StopStreaming(ctx context.Context, s *Stream) error {
	err := b.SetSubscription(ctx, 0)
	if cerr := s.Close(ctx); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// C yields decoded packets until the stream closes.
func (s *Stream) C() <-chan DataPacket {
	return s.out
}

// Close releases the data subscription and releases the decoder even when
// the consumer abandoned the packet channel without draining it. The packet
// channel closes once the decoder exits.
func (s *Stream) Close(ctx context.Context) error {
	if s.closed.CompareAndSwap(false, true) {
		close(s.done)
	}
	return s.listener.Close(ctx)
}

func (s *Stream) decodeLoop() {
	defer close(s.out)
	for v := range s.listener.C() {
		pkt, ok := s.decode(v)
		if !ok {
			continue
		}
		select {
		case s.out <- pkt:
		case <-s.done:
			return
		}
	}
}

// decode folds one notification into the stream, returning a completed
// packet when one is available.
func (s *Stream) decode(v notify.Value) (DataPacket, bool) {
	if len(v.Data) == 0 {
		return DataPacket{}, false
	}
	raw := v.Data[0]
	payload := v.Data[1:]

	if raw&partialFlag != 0 {
		s.bufferFragment(DataType(raw&^partialFlag), payload)
		return DataPacket{}, false
	}

	t := DataType(raw)
	full := s.completePacket(t, payload)
	if full == nil {
		return DataPacket{}, false
	}
	return DataPacket{
		Type:    t,
		Payload: full,
		TsUs:    v.TsUs,
		Seq:     v.Seq,
		Dropped: v.Dropped,
	}, true
}

// bufferFragment stashes a non-final fragment for reassembly.
func (s *Stream) bufferFragment(t DataType, payload []byte) {
	if s.partial.Length() > 0 && s.partialType != t {
		// Interleaved fragment of a different type; the band emits
		// fragments of one packet back to back, so the buffered packet
		// can never complete.
		s.resetPartial()
	}
	s.partialType = t
	if s.partialBad {
		return
	}
	if n, err := s.partial.Write(payload); err != nil || n < len(payload) {
		s.logger.WithField("type", t.String()).Warn("oversized data packet discarded")
		s.partialBad = true
	}
}

// completePacket joins buffered fragments with the final payload.
func (s *Stream) completePacket(t DataType, payload []byte) []byte {
	if s.partial.Length() == 0 || s.partialType != t {
		if s.partial.Length() > 0 {
			s.resetPartial()
		}
		out := make([]byte, len(payload))
		copy(out, payload)
		return out
	}
	if s.partialBad {
		s.resetPartial()
		return nil
	}

	buffered := make([]byte, s.partial.Length())
	if _, err := s.partial.Read(buffered); err != nil {
		s.resetPartial()
		return nil
	}
	s.resetPartial()
	return append(buffered, payload...)
}

func (s *Stream) resetPartial() {
	s.partial.Reset()
	s.partialBad = false
}

// ProbeProfile verifies the discovered tree exposes both profile
// characteristics.
func ProbeProfile(tree *gatt.Tree) error {
	if _, err := tree.Characteristic(ServiceUUID, CommandUUID); err != nil {
		return err
	}
	_, err := tree.Characteristic(ServiceUUID, DataUUID)
	return err
}
