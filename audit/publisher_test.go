package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	skafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWriter is a test writer that records messages written.
type fakeWriter struct {
	msgs   []skafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...skafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestPublisher(t *testing.T) {
	var at = time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

	t.Run("should key records by trip and encode them as JSON", func(t *testing.T) {
		// Arrange
		var (
			writer = &fakeWriter{}
			sut    = NewPublisherWithWriter(writer)
			rec    = Record{Kind: KindScanProcessed, TripKey: "T1", DeviceID: "D1", PalletNumber: "PAL001", At: at}
		)

		// Act
		err := sut.Publish(context.Background(), rec)

		// Assert
		require.NoError(t, err)
		require.Len(t, writer.msgs, 1)
		assert.Equal(t, []byte("T1"), writer.msgs[0].Key)
		assert.Equal(t, at, writer.msgs[0].Time)
		assert.Equal(t, "kind", writer.msgs[0].Headers[0].Key)
		assert.Equal(t, []byte(KindScanProcessed), writer.msgs[0].Headers[0].Value)

		var decoded Record
		require.NoError(t, json.Unmarshal(writer.msgs[0].Value, &decoded))
		assert.Equal(t, rec, decoded)
	})

	t.Run("should wrap writer failures", func(t *testing.T) {
		var (
			cause  = errors.New("leader not available")
			writer = &fakeWriter{err: cause}
			sut    = NewPublisherWithWriter(writer)
		)

		err := sut.Publish(context.Background(), Record{Kind: KindTripClaimed, TripKey: "T1", At: at})

		assert.ErrorIs(t, err, cause)
	})

	t.Run("should close the writer", func(t *testing.T) {
		var writer = &fakeWriter{}

		require.NoError(t, NewPublisherWithWriter(writer).Close())

		assert.True(t, writer.closed)
	})

	t.Run("should require brokers and a topic", func(t *testing.T) {
		_, err := NewPublisher(nil, "trips")
		assert.ErrorIs(t, err, ErrNoBrokers)

		_, err = NewPublisher([]string{"localhost:9092"}, "")
		assert.Error(t, err)

		p, err := NewPublisher([]string{"localhost:9092"}, "trips")
		require.NoError(t, err)
		assert.NoError(t, p.Close())
	})
}
