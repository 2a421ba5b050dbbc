package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/lox/stationd/internal/logging"
)

type AMQPConfig struct {
	Host     string // host or host:port
	Vhost    string
	User     string
	Password string
	// Prefetch is how many unacknowledged deliveries the broker sends ahead.
	Prefetch int
	// Exclusive consumers keep a second daemon off the same queues.
	Exclusive bool
}

// AMQPDialer opens RabbitMQ sessions.
type AMQPDialer struct {
	cfg AMQPConfig
	log *slog.Logger
}

func NewAMQPDialer(cfg AMQPConfig) *AMQPDialer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	return &AMQPDialer{cfg: cfg, log: logging.Component("amqp")}
}

func (d *AMQPDialer) url() string {
	return (&url.URL{Scheme: "amqp", Host: d.cfg.Host, Path: "/"}).String()
}

func (d *AMQPDialer) Dial(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.cfg.Host == "" {
		return nil, errors.New("amqp: host not configured")
	}

	conn, err := amqp.DialConfig(d.url(), amqp.Config{
		Vhost: d.cfg.Vhost,
		SASL: []amqp.Authentication{
			&amqp.PlainAuth{Username: d.cfg.User, Password: d.cfg.Password},
		},
		Heartbeat: 10 * time.Second,
		Dial:      amqp.DefaultDial(10 * time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("amqp dial %s: %w", d.cfg.Host, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.Qos(d.cfg.Prefetch, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp qos: %w", err)
	}

	d.log.Info("connected", "host", d.cfg.Host, "vhost", d.cfg.Vhost, "prefetch", d.cfg.Prefetch)

	s := &amqpSession{
		conn:      conn,
		ch:        ch,
		exclusive: d.cfg.Exclusive,
		closed:    make(chan error, 1),
		done:      make(chan struct{}),
	}
	go s.watch(
		conn.NotifyClose(make(chan *amqp.Error, 1)),
		ch.NotifyClose(make(chan *amqp.Error, 1)),
	)
	return s, nil
}

type amqpSession struct {
	conn      *amqp.Connection
	ch        *amqp.Channel
	exclusive bool
	closed    chan error
	done      chan struct{}
	closeOnce sync.Once
}

func (s *amqpSession) watch(connClosed, chClosed <-chan *amqp.Error) {
	var (
		e  *amqp.Error
		ok bool
	)
	select {
	case e, ok = <-connClosed:
	case e, ok = <-chClosed:
	case <-s.done:
		return
	}
	if ok && e != nil {
		s.closed <- e
		return
	}
	s.closed <- ErrSessionClosed
}

func (s *amqpSession) Consume(queue string) (<-chan Delivery, error) {
	msgs, err := s.ch.Consume(queue, "", false, s.exclusive, false, false, nil)
	if err != nil {
		return nil, err
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for m := range msgs {
			select {
			case out <- amqpDelivery{m}:
			case <-s.done:
				return
			}
		}
	}()
	return out, nil
}

func (s *amqpSession) Closed() <-chan error { return s.closed }

func (s *amqpSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if cerr := s.ch.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
			err = cerr
		}
		if cerr := s.conn.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) && err == nil {
			err = cerr
		}
	})
	return err
}

type amqpDelivery struct {
	d amqp.Delivery
}

func (a amqpDelivery) Body() []byte   { return a.d.Body }
func (a amqpDelivery) Ack() error     { return a.d.Ack(false) }
func (a amqpDelivery) Requeue() error { return a.d.Nack(false, true) }
