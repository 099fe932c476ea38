package sink

import (
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/pebbe/zmq4"
	"go.uber.org/zap"

	"github.com/jetvision/agent/internal/config"
	"github.com/jetvision/agent/internal/models"
)

// zmqHighWater bounds the per-subscriber queue inside ZeroMQ.
const zmqHighWater = 16

// ZMQPayload is the CBOR body of a ZeroMQ message. The first frame of every
// message is the topic.
type ZMQPayload struct {
	Detection *DetectionMessage       `cbor:"detection,omitempty"`
	Metrics   *models.MetricsSnapshot `cbor:"metrics,omitempty"`
}

// ZMQ publishes updates on a PUB socket. Slow subscribers lose messages.
type ZMQ struct {
	sock   *zmq4.Socket
	topic  string
	enc    cbor.EncMode
	logger *zap.Logger

	box  *mailbox
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewZMQ binds a PUB socket to cfg.Endpoint.
func NewZMQ(cfg config.ZMQConfig, logger *zap.Logger) (*ZMQ, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	enc, err := newCBOREncoder()
	if err != nil {
		return nil, err
	}

	sock, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return nil, err
	}
	if err := sock.SetSndhwm(zmqHighWater); err != nil {
		_ = sock.Close()
		return nil, err
	}
	if err := sock.SetLinger(0); err != nil {
		_ = sock.Close()
		return nil, err
	}
	if err := sock.Bind(cfg.Endpoint); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("zmq bind %s: %w", cfg.Endpoint, err)
	}

	z := &ZMQ{
		sock:   sock,
		topic:  cfg.Topic,
		enc:    enc,
		logger: logger.Named("zmq"),
		box:    newMailbox(zmqHighWater),
		done:   make(chan struct{}),
	}
	z.logger.Info("ZeroMQ publisher bound", zap.String("endpoint", cfg.Endpoint))

	z.wg.Add(1)
	go z.run()
	return z, nil
}

func newCBOREncoder() (cbor.EncMode, error) {
	return cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
}

// Publish queues u for subscribers.
func (z *ZMQ) Publish(u models.Update) {
	z.box.offer(u)
}

// run owns the socket; ZeroMQ sockets must not be shared between goroutines.
func (z *ZMQ) run() {
	defer z.wg.Done()
	for {
		select {
		case <-z.done:
			return
		case u := <-z.box.ch:
			payload, err := encodeZMQ(z.enc, u)
			if err != nil {
				z.logger.Warn("Cannot encode message", zap.Error(err))
				continue
			}
			if _, err := z.sock.SendMessageDontwait(z.topic, payload); err != nil {
				z.logger.Debug("ZeroMQ send dropped", zap.Error(err))
			}
		}
	}
}

func encodeZMQ(enc cbor.EncMode, u models.Update) ([]byte, error) {
	return enc.Marshal(ZMQPayload{
		Detection: NewDetectionMessage(u),
		Metrics:   u.Metrics,
	})
}

// Close stops the publisher and closes the socket.
func (z *ZMQ) Close() error {
	var err error
	z.once.Do(func() {
		close(z.done)
		z.wg.Wait()
		err = z.sock.Close()
	})
	return err
}
