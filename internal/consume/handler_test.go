package consume

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/suite"

	"credindex/internal/chain"
	"credindex/internal/platform/kafka/consumer"
	"credindex/internal/platform/kafka/producer"
)

// HandlerSuite tests the consume handler's error policy.
//
// Justification: the handler decides which failures hold the partition
// offset and which ones commit past the message. Getting this wrong either
// stalls consumption forever or silently loses events.
type HandlerSuite struct {
	suite.Suite

	ctx        context.Context
	applier    *fakeApplier
	deadLetter *captureProducer
	handler    *Handler
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	s.ctx = context.Background()
	s.applier = &fakeApplier{}
	s.deadLetter = &captureProducer{}
	s.handler = NewHandler(s.applier, slog.Default(),
		WithDeadLetter(s.deadLetter, "chain.credential.events.dlq"),
	)
}

func (s *HandlerSuite) message(value string) *consumer.Message {
	return &consumer.Message{
		Topic:     "chain.credential.events",
		Partition: 0,
		Offset:    42,
		Key:       []byte("1"),
		Value:     []byte(value),
	}
}

func (s *HandlerSuite) TestValidMessageIsApplied() {
	value, err := chain.Encode(
		chain.Envelope{ChainID: 84532, BlockNumber: 100, LogIndex: 0},
		&chain.CredentialMinted{TokenID: "1", Issuer: "0xAA", CredentialType: "degree"},
	)
	s.Require().NoError(err)

	err = s.handler.Handle(s.ctx, s.message(string(value)))
	s.Require().NoError(err)

	s.Require().Len(s.applier.applied, 1)
	s.Equal("84532_100_0", s.applier.applied[0].EventID())
	s.Empty(s.deadLetter.messages)
}

func (s *HandlerSuite) TestUndecodableMessageIsDeadLettered() {
	err := s.handler.Handle(s.ctx, s.message(`{"name":"Exploded","params":{}}`))
	s.Require().NoError(err, "offset must commit past a dead-lettered message")

	s.Empty(s.applier.applied)
	s.Require().Len(s.deadLetter.messages, 1)

	msg := s.deadLetter.messages[0]
	s.Equal("chain.credential.events.dlq", msg.Topic)
	s.Equal([]byte("1"), msg.Key)
	s.Equal("chain.credential.events", msg.Headers["source-topic"])
	s.NotEmpty(msg.Headers["dead-letter-reason"])
}

func (s *HandlerSuite) TestApplyErrorHoldsOffset() {
	s.applier.err = errors.New("store unavailable")

	value, err := chain.Encode(
		chain.Envelope{ChainID: 84532, BlockNumber: 100, LogIndex: 0},
		&chain.CredentialMinted{TokenID: "1", Issuer: "0xAA", CredentialType: "degree"},
	)
	s.Require().NoError(err)

	err = s.handler.Handle(s.ctx, s.message(string(value)))
	s.Require().Error(err)
	s.Empty(s.deadLetter.messages)
}

func (s *HandlerSuite) TestDeadLetterPublishFailureHoldsOffset() {
	s.deadLetter.err = errors.New("broker down")

	err := s.handler.Handle(s.ctx, s.message(`{not json`))
	s.Require().Error(err)
	s.Empty(s.applier.applied)
}

// fakeApplier records applied envelopes and returns a configured error.
type fakeApplier struct {
	applied []chain.Envelope
	err     error
}

func (f *fakeApplier) Apply(_ context.Context, env chain.Envelope, _ chain.Event) error {
	if f.err != nil {
		return f.err
	}
	f.applied = append(f.applied, env)
	return nil
}

// captureProducer records dead-letter publishes.
type captureProducer struct {
	messages []*producer.Message
	err      error
}

func (c *captureProducer) Produce(_ context.Context, msg *producer.Message) error {
	if c.err != nil {
		return c.err
	}
	c.messages = append(c.messages, msg)
	return nil
}
