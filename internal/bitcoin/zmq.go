package bitcoin

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/wire"
	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/gominer/pkg/log"
)

// ZMQ topics published by a local node.
const (
	TopicHashBlock = "hashblock"
	TopicRawBlock  = "rawblock"
)

const zmqPollInterval = 250 * time.Millisecond

// ZMQNotifier subscribes to block announcements from a local node
type ZMQNotifier struct {
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
}

// NewZMQNotifier creates a new ZMQ notifier
func NewZMQNotifier(endpoint string, logger *log.Logger) (*ZMQNotifier, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}

	return &ZMQNotifier{
		socket:   socket,
		endpoint: endpoint,
		logger:   logger.WithComponent("zmq"),
	}, nil
}

// Subscribe subscribes to a specific topic
func (z *ZMQNotifier) Subscribe(topic string) error {
	if err := z.socket.SetSubscribe(topic); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	z.logger.Info("subscribed to ZMQ topic", "topic", topic)
	return nil
}

// Connect connects to the ZMQ endpoint
func (z *ZMQNotifier) Connect() error {
	if err := z.socket.Connect(z.endpoint); err != nil {
		return fmt.Errorf("failed to connect to ZMQ endpoint %s: %w", z.endpoint, err)
	}
	z.logger.Info("connected to ZMQ endpoint", "endpoint", z.endpoint)
	return nil
}

// Listen delivers messages to handler until ctx is cancelled.
func (z *ZMQNotifier) Listen(ctx context.Context, handler func(topic string, data []byte) error) error {
	poller := zmq.NewPoller()
	poller.Add(z.socket, zmq.POLLIN)

	for {
		if ctx.Err() != nil {
			z.logger.Info("ZMQ listener stopping")
			return ctx.Err()
		}

		polled, err := poller.Poll(zmqPollInterval)
		if err != nil {
			z.logger.Error("ZMQ poll failed", "error", err)
			continue
		}
		if len(polled) == 0 {
			continue
		}

		msg, err := z.socket.RecvMessageBytes(0)
		if err != nil {
			z.logger.Error("failed to receive ZMQ message", "error", err)
			continue
		}

		if len(msg) < 2 {
			z.logger.Warn("received malformed ZMQ message", "parts", len(msg))
			continue
		}

		topic := string(msg[0])
		if err := handler(topic, msg[1]); err != nil {
			z.logger.Error("failed to handle ZMQ message", "topic", topic, "error", err)
		}
	}
}

// Close closes the ZMQ socket
func (z *ZMQNotifier) Close() error {
	if z.socket != nil {
		return z.socket.Close()
	}
	return nil
}

// BlockNotificationHandler turns node announcements into block hashes.
type BlockNotificationHandler struct {
	logger     *log.Logger
	onNewBlock func(hash [32]byte)
}

// NewBlockNotificationHandler creates a handler calling onNewBlock with the
// block hash in the byte order the node published it.
func NewBlockNotificationHandler(logger *log.Logger, onNewBlock func(hash [32]byte)) *BlockNotificationHandler {
	return &BlockNotificationHandler{
		logger:     logger,
		onNewBlock: onNewBlock,
	}
}

// HandleMessage handles a ZMQ message
func (h *BlockNotificationHandler) HandleMessage(topic string, data []byte) error {
	var hash [32]byte

	switch topic {
	case TopicHashBlock:
		if len(data) != 32 {
			return fmt.Errorf("invalid block hash length: %d", len(data))
		}
		copy(hash[:], data)

	case TopicRawBlock:
		if len(data) < HeaderSize {
			return fmt.Errorf("raw block too short: %d bytes", len(data))
		}
		var header wire.BlockHeader
		if err := header.Deserialize(bytes.NewReader(data[:HeaderSize])); err != nil {
			return fmt.Errorf("failed to decode block header: %w", err)
		}
		// rawblock carries the internal order; hashblock publishes the reversed one
		blockHash := header.BlockHash()
		copy(hash[:], reverse(blockHash[:]))

	default:
		h.logger.Warn("unknown ZMQ topic", "topic", topic)
		return nil
	}

	h.logger.Info("new block notification", "topic", topic, "hash", fmt.Sprintf("%x", hash))
	if h.onNewBlock != nil {
		h.onNewBlock(hash)
	}
	return nil
}
