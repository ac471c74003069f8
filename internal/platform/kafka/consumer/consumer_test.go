package consumer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/suite"
	"github.com/twmb/franz-go/pkg/kgo"
)

// ConsumerSuite tests partition handling against a fake offset client.
//
// Justification: redelivery is the only retry path for apply errors, so a
// handler failure must rewind the consumed position to the failed record.
// Otherwise the client keeps fetching past it and a later commit marks the
// failed offset as consumed, losing the message permanently.
type ConsumerSuite struct {
	suite.Suite

	offsets  *fakeOffsets
	handled  []int64
	failAt   map[int64]error
	consumer *Consumer
}

func TestConsumerSuite(t *testing.T) {
	suite.Run(t, new(ConsumerSuite))
}

func (s *ConsumerSuite) SetupTest() {
	s.offsets = &fakeOffsets{}
	s.handled = nil
	s.failAt = make(map[int64]error)
	s.consumer = &Consumer{
		offsets: s.offsets,
		handler: handlerFunc(func(_ context.Context, msg *Message) error {
			if err := s.failAt[msg.Offset]; err != nil {
				return err
			}
			s.handled = append(s.handled, msg.Offset)
			return nil
		}),
		ctx: context.Background(),
	}
}

func (s *ConsumerSuite) partition(offsets ...int64) kgo.FetchTopicPartition {
	records := make([]*kgo.Record, 0, len(offsets))
	for _, off := range offsets {
		records = append(records, &kgo.Record{
			Topic:       "chain.credential.events",
			Partition:   3,
			Offset:      off,
			LeaderEpoch: 7,
		})
	}
	return kgo.FetchTopicPartition{
		Topic:          "chain.credential.events",
		FetchPartition: kgo.FetchPartition{Partition: 3, Records: records},
	}
}

func (s *ConsumerSuite) TestCommitsHighestContiguousOnSuccess() {
	failed := s.consumer.handlePartition(s.partition(10, 11, 12))

	s.False(failed)
	s.Equal([]int64{10, 11, 12}, s.handled)
	s.Equal([]int64{12}, s.offsets.committed)
	s.Empty(s.offsets.rewinds)
}

func (s *ConsumerSuite) TestFailureCommitsPriorAndRewindsToFailedOffset() {
	s.failAt[11] = errors.New("apply failed")

	failed := s.consumer.handlePartition(s.partition(10, 11, 12))

	s.True(failed)
	// Only the record before the failure is handled and committed; the
	// record after it is never reached.
	s.Equal([]int64{10}, s.handled)
	s.Equal([]int64{10}, s.offsets.committed)

	s.Require().Len(s.offsets.rewinds, 1)
	eo := s.offsets.rewinds[0]["chain.credential.events"][3]
	s.Equal(int64(11), eo.Offset)
	s.Equal(int32(7), eo.Epoch)
}

func (s *ConsumerSuite) TestFirstRecordFailureCommitsNothing() {
	s.failAt[10] = errors.New("apply failed")

	failed := s.consumer.handlePartition(s.partition(10, 11))

	s.True(failed)
	s.Empty(s.handled)
	s.Empty(s.offsets.committed)

	s.Require().Len(s.offsets.rewinds, 1)
	eo := s.offsets.rewinds[0]["chain.credential.events"][3]
	s.Equal(int64(10), eo.Offset)
}

// handlerFunc adapts a function to the Handler interface.
type handlerFunc func(ctx context.Context, msg *Message) error

func (f handlerFunc) Handle(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// fakeOffsets records commit and rewind calls.
type fakeOffsets struct {
	committed []int64
	rewinds   []map[string]map[int32]kgo.EpochOffset
}

func (f *fakeOffsets) CommitRecords(_ context.Context, rs ...*kgo.Record) error {
	for _, r := range rs {
		f.committed = append(f.committed, r.Offset)
	}
	return nil
}

func (f *fakeOffsets) SetOffsets(setOffsets map[string]map[int32]kgo.EpochOffset) {
	f.rewinds = append(f.rewinds, setOffsets)
}
