package kafka

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "midna/domain/errors"
)

func TestSaramaPublisher(t *testing.T) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)
	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewSaramaPublisherFromProducer(producer, "settlements")
	require.NoError(t, p.Publish(context.Background(), []byte("1"), []byte(`{}`)))
	require.ErrorIs(t, p.Publish(context.Background(), []byte("2"), []byte(`{}`)), sarama.ErrOutOfBrokers)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, p.Publish(ctx, nil, nil), context.Canceled)

	require.NoError(t, p.Close())
}

func TestNewPublisherRejectsBadConfig(t *testing.T) {
	_, err := NewPublisher(ClientSarama, nil, "t")
	require.Error(t, err)
	_, err = NewPublisher("carrier-pigeon", []string{"localhost:9092"}, "t")
	require.Error(t, err)

	p, err := NewPublisher(ClientKafkaGo, []string{"localhost:9092"}, "t")
	require.NoError(t, err)
	require.IsType(t, &WriterPublisher{}, p)
	require.NoError(t, p.Close())
}

type fakeReader struct {
	msgs      []kafka.Message
	committed []int64
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(f.msgs) == 0 {
		return kafka.Message{}, io.EOF
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeReader) Close() error { return nil }

func TestDepositConsumer(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{
		{Topic: "deposits", Offset: 1, Value: []byte(`{"party":"S","amount":100,"reference":"tx-1"}`)},
		{Topic: "deposits", Offset: 2, Value: []byte(`not json`)},
		{Topic: "deposits", Offset: 3, Value: []byte(`{"party":"S","amount":100,"reference":"tx-1"}`)},
		{Topic: "deposits", Partition: 2, Offset: 4, Value: []byte(`{"party":"B","amount":7}`)},
	}}

	var refs []string
	seen := map[string]bool{}
	deposit := func(_ context.Context, party string, amount uint64, ref string) error {
		if seen[ref] {
			return apperrors.Newf(apperrors.CodeInvalidState, "deposit %s already applied", ref)
		}
		seen[ref] = true
		refs = append(refs, ref)
		return nil
	}

	c := &DepositConsumer{reader: reader, deposit: deposit, log: zerolog.Nop()}
	err := c.Run(context.Background())
	require.ErrorIs(t, err, io.EOF)

	assert.Equal(t, []string{"tx-1", "deposits/2/4"}, refs)
	assert.Equal(t, []int64{1, 2, 3, 4}, reader.committed)
}

func TestDepositConsumerStopsOnInfraError(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{
		{Offset: 9, Value: []byte(`{"party":"S","amount":1}`)},
	}}
	boom := errors.New("disk full")
	c := &DepositConsumer{
		reader:  reader,
		deposit: func(context.Context, string, uint64, string) error { return boom },
		log:     zerolog.Nop(),
	}

	require.ErrorIs(t, c.Run(context.Background()), boom)
	assert.Empty(t, reader.committed)
}
