// Package queuetransport implements transport.Transport over an
// AMQP-class managed queue, using azservicebus as the concrete broker
// client. Unlike the peer-to-peer tcptransport and udptransport
// instances, Send publishes to a queue or topic, Connect starts a
// background receive loop that pulls and completes messages, and
// Subscribe registers handlers for the envelopes it delivers.
package queuetransport

import (
	"context"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/relaygrid/core/internal/buserr"
	"github.com/relaygrid/core/internal/envelope"
	"github.com/relaygrid/core/internal/logging"
	"github.com/relaygrid/core/internal/serializer"
	"github.com/relaygrid/core/internal/transport"
)

// Config configures a Transport backed by an Azure Service Bus queue or
// topic subscription.
type Config struct {
	ConnectionString string
	QueueOrTopic     string
	// SubscriptionName selects a topic subscription; leave empty for a
	// plain queue.
	SubscriptionName string
	// ReceiveBatchSize bounds how many messages are pulled per poll.
	ReceiveBatchSize int
	// PollInterval controls how often the receive loop polls when the
	// previous batch came back empty.
	PollInterval time.Duration
	Serializer   serializer.MessageSerializer
}

func (c Config) serializerOrDefault() serializer.MessageSerializer {
	if c.Serializer != nil {
		return c.Serializer
	}
	return serializer.JSON{}
}

func (c Config) batchSize() int {
	if c.ReceiveBatchSize > 0 {
		return c.ReceiveBatchSize
	}
	return 10
}

func (c Config) pollInterval() time.Duration {
	if c.PollInterval > 0 {
		return c.PollInterval
	}
	return time.Second
}

// Transport is an Azure Service Bus backed transport.Transport.
type Transport struct {
	cfg   Config
	log   *logging.Logger
	state transport.StateMachine

	mu       sync.Mutex
	client   *azservicebus.Client
	sender   *azservicebus.Sender
	receiver *azservicebus.Receiver

	dispatcher *transport.Dispatcher
	stats      *transport.StatsTracker

	stopReceive chan struct{}
	receiveDone chan struct{}
}

// New builds a queue-backed Transport; call Connect to establish the
// underlying client, sender, and receiver.
func New(cfg Config, log *logging.Logger) *Transport {
	if log == nil {
		log = logging.New("queuetransport", false)
	}
	return &Transport{
		cfg:        cfg,
		log:        log,
		dispatcher: transport.NewDispatcher(),
		stats:      transport.NewStatsTracker(),
	}
}

func (t *Transport) State() transport.State { return t.state.Get() }
func (t *Transport) Stats() transport.Stats { return t.stats.Snapshot() }

func (t *Transport) Connect(ctx context.Context) error {
	if !t.state.CompareAndSet(transport.Disconnected, transport.Connecting) {
		if t.State() == transport.Connected {
			return nil
		}
	}

	client, err := azservicebus.NewClientFromConnectionString(t.cfg.ConnectionString, nil)
	if err != nil {
		t.state.Set(transport.Disconnected)
		return buserr.Wrap(buserr.WireError, "creating service bus client", err)
	}

	sender, err := client.NewSender(t.cfg.QueueOrTopic, nil)
	if err != nil {
		t.state.Set(transport.Disconnected)
		return buserr.Wrap(buserr.WireError, "creating service bus sender", err)
	}

	var receiver *azservicebus.Receiver
	if t.cfg.SubscriptionName != "" {
		receiver, err = client.NewReceiverForSubscription(t.cfg.QueueOrTopic, t.cfg.SubscriptionName, nil)
	} else {
		receiver, err = client.NewReceiverForQueue(t.cfg.QueueOrTopic, nil)
	}
	if err != nil {
		t.state.Set(transport.Disconnected)
		return buserr.Wrap(buserr.WireError, "creating service bus receiver", err)
	}

	t.mu.Lock()
	t.client = client
	t.sender = sender
	t.receiver = receiver
	t.stopReceive = make(chan struct{})
	t.receiveDone = make(chan struct{})
	t.mu.Unlock()

	t.stats.MarkConnected()
	t.state.Set(transport.Connected)
	go t.receiveLoop()
	return nil
}

func (t *Transport) receiveLoop() {
	defer close(t.receiveDone)
	for {
		select {
		case <-t.stopReceive:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		messages, err := t.receiver.ReceiveMessages(ctx, t.cfg.batchSize(), nil)
		cancel()
		if err != nil {
			if t.State() != transport.Connected {
				return
			}
			t.log.Error("service bus receive failed: %v", err)
			time.Sleep(t.cfg.pollInterval())
			continue
		}

		if len(messages) == 0 {
			time.Sleep(t.cfg.pollInterval())
			continue
		}

		for _, msg := range messages {
			t.handleMessage(msg)
		}
	}
}

func (t *Transport) handleMessage(msg *azservicebus.ReceivedMessage) {
	body := msg.Body
	t.stats.RecordIn(len(body))

	env, err := t.cfg.serializerOrDefault().Deserialize(body)
	if err != nil {
		t.log.Error("queue transport failed to deserialize message: %v", err)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = t.receiver.DeadLetterMessage(ctx, msg, nil)
		cancel()
		return
	}

	t.dispatcher.Deliver(env)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := t.receiver.CompleteMessage(ctx, msg, nil); err != nil {
		t.log.Error("queue transport failed to complete message: %v", err)
	}
	cancel()
}

func (t *Transport) Send(ctx context.Context, env *envelope.Envelope) error {
	if t.State() != transport.Connected {
		return buserr.New(buserr.NotConnected, "queue transport is not connected")
	}
	data, err := t.cfg.serializerOrDefault().Serialize(env)
	if err != nil {
		return buserr.Wrap(buserr.WireError, "serializing envelope", err)
	}

	msg := &azservicebus.Message{Body: data}
	if env.CorrelationID != "" {
		msg.CorrelationID = &env.CorrelationID
	}
	if env.MessageType != "" {
		msg.Subject = &env.MessageType
	}

	start := time.Now()
	if err := t.sender.SendMessage(ctx, msg, nil); err != nil {
		return buserr.Wrap(buserr.WireError, "sending service bus message", err)
	}
	t.stats.RecordOut(len(data))
	t.stats.RecordLatency(time.Since(start))
	return nil
}

func (t *Transport) Subscribe(handler transport.Handler) func() {
	return t.dispatcher.Subscribe(handler)
}

func (t *Transport) Disconnect(ctx context.Context) error {
	if !t.state.CompareAndSet(transport.Connected, transport.Disconnecting) {
		return nil
	}

	close(t.stopReceive)
	<-t.receiveDone

	var firstErr error
	if t.receiver != nil {
		if err := t.receiver.Close(ctx); err != nil && firstErr == nil {
			firstErr = buserr.Wrap(buserr.WireError, "closing receiver", err)
		}
	}
	if t.sender != nil {
		if err := t.sender.Close(ctx); err != nil && firstErr == nil {
			firstErr = buserr.Wrap(buserr.WireError, "closing sender", err)
		}
	}
	if t.client != nil {
		if err := t.client.Close(ctx); err != nil && firstErr == nil {
			firstErr = buserr.Wrap(buserr.WireError, "closing client", err)
		}
	}

	t.state.Set(transport.Disconnected)
	return firstErr
}
