package notify_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/sensegrid/blecentral/backend"
	"github.com/sensegrid/blecentral/notify"
)

// fakeSubscriber records backend subscribe/unsubscribe calls and captures
// the notification handler so tests can emit values.
type fakeSubscriber struct {
	mu      sync.Mutex
	subs    []backend.CharRef
	unsubs  []backend.CharRef
	handler func([]byte)
	subErr  error
}

func (f *fakeSubscriber) SubscribeBackend(ctx context.Context, ref backend.CharRef, fn func(data []byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return f.subErr
	}
	f.subs = append(f.subs, ref)
	f.handler = fn
	return nil
}

func (f *fakeSubscriber) UnsubscribeBackend(ctx context.Context, ref backend.CharRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubs = append(f.unsubs, ref)
	return nil
}

func (f *fakeSubscriber) emit(data []byte) {
	f.mu.Lock()
	fn := f.handler
	f.mu.Unlock()
	fn(data)
}

func (f *fakeSubscriber) counts() (subs, unsubs int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs), len(f.unsubs)
}

type MuxTestSuite struct {
	suite.Suite

	mux *notify.Mux
	sub *fakeSubscriber
	ref backend.CharRef
}

func (suite *MuxTestSuite) SetupTest() {
	suite.mux = notify.NewMux(8, nil)
	suite.sub = &fakeSubscriber{}
	suite.ref = backend.CharRef{Service: "180d", Characteristic: "2a37"}
}

func (suite *MuxTestSuite) TestSharedBackendSubscription() {
	// GOAL: Verify two listeners on one characteristic share one backend
	// subscribe and receive identical values in identical order
	//
	// TEST SCENARIO: Subscribe twice → one backend subscribe → emit three
	// values → both listeners see the same ordered sequence

	ctx := context.Background()

	first, err := suite.mux.Subscribe(ctx, suite.sub, suite.ref)
	suite.Require().NoError(err)
	second, err := suite.mux.Subscribe(ctx, suite.sub, suite.ref)
	suite.Require().NoError(err)

	subs, _ := suite.sub.counts()
	suite.Equal(1, subs, "second listener MUST attach to the open stream")

	payloads := [][]byte{{0x01}, {0x02}, {0x03}}
	for _, p := range payloads {
		suite.sub.emit(p)
	}

	for _, listener := range []*notify.Listener{first, second} {
		for i, want := range payloads {
			v := <-listener.C()
			suite.Equal(want, v.Data, "value %d", i)
			suite.Zero(v.Dropped)
		}
	}

	// Sequence numbers must agree across listeners for the same emission.
	suite.sub.emit([]byte{0x04})
	v1 := <-first.C()
	v2 := <-second.C()
	suite.Equal(v1.Seq, v2.Seq)
}

func (suite *MuxTestSuite) TestLastListenerTriggersUnsubscribe() {
	// GOAL: Verify only the last Close triggers the backend unsubscribe
	//
	// TEST SCENARIO: Two listeners → close first (no unsubscribe) → close
	// second (exactly one unsubscribe) → closing again is a no-op

	ctx := context.Background()
	first, _ := suite.mux.Subscribe(ctx, suite.sub, suite.ref)
	second, _ := suite.mux.Subscribe(ctx, suite.sub, suite.ref)

	suite.Require().NoError(first.Close(ctx))
	_, unsubs := suite.sub.counts()
	suite.Equal(0, unsubs)

	suite.Require().NoError(second.Close(ctx))
	_, unsubs = suite.sub.counts()
	suite.Equal(1, unsubs)

	suite.Require().NoError(second.Close(ctx))
	_, unsubs = suite.sub.counts()
	suite.Equal(1, unsubs, "repeated Close MUST NOT unsubscribe again")
}

func (suite *MuxTestSuite) TestSlowListenerDropsObservably() {
	// GOAL: Verify a slow consumer loses oldest values and sees the loss
	//
	// TEST SCENARIO: Buffer of 2, emit 4 values unconsumed → oldest two
	// dropped → a delivered value carries the drop count

	mux := notify.NewMux(2, nil)
	listener, err := mux.Subscribe(context.Background(), suite.sub, suite.ref)
	suite.Require().NoError(err)

	for _, p := range [][]byte{{0x01}, {0x02}, {0x03}, {0x04}} {
		suite.sub.emit(p)
	}

	v := <-listener.C()
	suite.Equal([]byte{0x03}, v.Data)
	v = <-listener.C()
	suite.Equal([]byte{0x04}, v.Data)
	suite.Equal(uint64(1), v.Dropped, "loss MUST surface on a delivered value")
}

func (suite *MuxTestSuite) TestSustainedOverloadCountsEveryDrop() {
	// GOAL: Verify drop counts survive even when the value carrying them is
	// itself evicted later
	//
	// TEST SCENARIO: Buffer of 1, emit 4 values unconsumed → read the
	// survivor → emit a fifth → the Dropped fields across all delivered
	// values sum to exactly 3

	mux := notify.NewMux(1, nil)
	listener, err := mux.Subscribe(context.Background(), suite.sub, suite.ref)
	suite.Require().NoError(err)

	for _, p := range [][]byte{{0x01}, {0x02}, {0x03}, {0x04}} {
		suite.sub.emit(p)
	}

	var total uint64
	v := <-listener.C()
	suite.Equal([]byte{0x04}, v.Data, "only the newest value survives a buffer of 1")
	total += v.Dropped

	suite.sub.emit([]byte{0x05})
	v = <-listener.C()
	suite.Equal([]byte{0x05}, v.Data)
	total += v.Dropped

	suite.Equal(uint64(3), total, "every dropped value MUST be accounted for")
}

func (suite *MuxTestSuite) TestInvalidateAllClosesStreams() {
	// GOAL: Verify link loss closes listener streams without backend calls
	//
	// TEST SCENARIO: Two listeners on two characteristics → InvalidateAll →
	// every channel closed, zero backend unsubscribes

	ctx := context.Background()
	other := backend.CharRef{Service: "180f", Characteristic: "2a19"}
	first, _ := suite.mux.Subscribe(ctx, suite.sub, suite.ref)
	second, _ := suite.mux.Subscribe(ctx, suite.sub, other)

	suite.mux.InvalidateAll()

	for _, listener := range []*notify.Listener{first, second} {
		select {
		case _, ok := <-listener.C():
			suite.False(ok, "stream MUST be closed")
		case <-time.After(time.Second):
			suite.Fail("stream not closed")
		}
	}

	_, unsubs := suite.sub.counts()
	suite.Equal(0, unsubs, "the link is gone; there is nothing to unsubscribe")
}

func (suite *MuxTestSuite) TestBackendSubscribeFailure() {
	// GOAL: Verify a failed backend subscribe leaves no stream state behind
	//
	// TEST SCENARIO: Subscribe fails → error surfaces → next subscribe
	// retries the backend

	suite.sub.subErr = backend.Errorf(backend.KindOperationTimeout, "cccd write timed out")
	_, err := suite.mux.Subscribe(context.Background(), suite.sub, suite.ref)
	suite.Require().ErrorIs(err, backend.ErrOperationTimeout)

	suite.sub.subErr = nil
	listener, err := suite.mux.Subscribe(context.Background(), suite.sub, suite.ref)
	suite.Require().NoError(err)
	suite.NotNil(listener)

	subs, _ := suite.sub.counts()
	suite.Equal(1, subs)
}

func TestMuxTestSuite(t *testing.T) {
	suite.Run(t, new(MuxTestSuite))
}
