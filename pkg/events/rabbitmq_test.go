package events

import (
	"context"
	"errors"
	"io"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	notify    chan *amqp.Error
	closed    bool
	failWith  error
	published []amqp.Publishing
	ctxErrs   []error
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, _, _ string, _, _ bool, msg amqp.Publishing) error {
	if c.failWith != nil {
		return c.failWith
	}
	c.ctxErrs = append(c.ctxErrs, ctx.Err())
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeChannel) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	c.notify = ch
	return ch
}

func (c *fakeChannel) IsClosed() bool { return c.closed }

func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

// dropByBroker simulates the broker closing the channel.
func (c *fakeChannel) dropByBroker() {
	c.closed = true
	c.notify <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED"}
	close(c.notify)
}

type fakeConn struct{ closed bool }

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

type fakeBroker struct {
	channels []*fakeChannel
	conns    []*fakeConn
	failNext error
}

func (b *fakeBroker) dial(string, string) (amqpChannel, io.Closer, error) {
	if b.failNext != nil {
		err := b.failNext
		b.failNext = nil
		return nil, nil, err
	}
	ch := &fakeChannel{}
	conn := &fakeConn{}
	b.channels = append(b.channels, ch)
	b.conns = append(b.conns, conn)
	return ch, conn, nil
}

func newFakePublisher(t *testing.T) (*RabbitMQPublisher, *fakeBroker) {
	t.Helper()
	b := &fakeBroker{}
	p, err := newRabbitMQPublisher("amqp://test", nil, b.dial)
	require.NoError(t, err)
	return p, b
}

func TestRabbitMQPublisher_RedialsAfterBrokerClose(t *testing.T) {
	p, b := newFakePublisher(t)
	ctx := context.Background()

	require.NoError(t, p.Publish(ctx, RoutingKeyTierChanged, []byte(`{"n":1}`)))
	require.Len(t, b.channels, 1)
	assert.Len(t, b.channels[0].published, 1)

	b.channels[0].dropByBroker()

	require.NoError(t, p.Publish(ctx, RoutingKeyTierChanged, []byte(`{"n":2}`)))
	require.Len(t, b.channels, 2)
	assert.True(t, b.conns[0].closed)
	require.Len(t, b.channels[1].published, 1)
	assert.Equal(t, []byte(`{"n":2}`), b.channels[1].published[0].Body)
}

func TestRabbitMQPublisher_RetriesOnClosedChannel(t *testing.T) {
	p, b := newFakePublisher(t)
	b.channels[0].failWith = amqp.ErrClosed

	require.NoError(t, p.Publish(context.Background(), RoutingKeyTierChanged, []byte(`{}`)))
	require.Len(t, b.channels, 2)
	assert.Len(t, b.channels[1].published, 1)
}

func TestRabbitMQPublisher_DialFailureIsRetriedNextPublish(t *testing.T) {
	p, b := newFakePublisher(t)
	ctx := context.Background()

	b.channels[0].dropByBroker()
	b.failNext = errors.New("connection refused")
	assert.Error(t, p.Publish(ctx, RoutingKeyTierChanged, []byte(`{}`)))

	require.NoError(t, p.Publish(ctx, RoutingKeyTierChanged, []byte(`{}`)))
	require.Len(t, b.channels, 2)
	assert.Len(t, b.channels[1].published, 1)
}

func TestRabbitMQPublisher_IgnoresCallerCancellation(t *testing.T) {
	p, b := newFakePublisher(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, p.Publish(ctx, RoutingKeyTierChanged, []byte(`{}`)))
	require.Len(t, b.channels[0].ctxErrs, 1)
	assert.NoError(t, b.channels[0].ctxErrs[0])
}

func TestRabbitMQPublisher_Close(t *testing.T) {
	p, b := newFakePublisher(t)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.True(t, b.channels[0].closed)
	assert.True(t, b.conns[0].closed)
	assert.ErrorIs(t, p.Publish(context.Background(), RoutingKeyTierChanged, []byte(`{}`)), ErrPublisherClosed)
	assert.Len(t, b.channels, 1)
}
