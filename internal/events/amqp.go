package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPConfig 描述事件转发到 RabbitMQ 的连接参数。
type AMQPConfig struct {
	URL            string        `json:"url" yaml:"url"`
	Exchange       string        `json:"exchange" yaml:"exchange"`
	Durable        bool          `json:"durable" yaml:"durable"`
	PublishTimeout time.Duration `json:"publish_timeout" yaml:"publish_timeout"`
}

type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPForwarder 订阅总线上的全部事件，并以 JSON 形式发布到 topic exchange，
// routing key 即事件类型。
type AMQPForwarder struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	pub      amqpPublisher
	exchange string
	timeout  time.Duration
	logger   *slog.Logger
	detach   func()
}

// NewAMQPForwarder 连接 RabbitMQ 并声明 exchange。
func NewAMQPForwarder(cfg AMQPConfig, log *slog.Logger) (*AMQPForwarder, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "opengoal.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, cfg.Durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ exchange 失败: %w", err)
	}
	f := newForwarder(ch, exchange, cfg.PublishTimeout, log)
	f.conn = conn
	f.ch = ch
	return f, nil
}

func newForwarder(pub amqpPublisher, exchange string, timeout time.Duration, log *slog.Logger) *AMQPForwarder {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &AMQPForwarder{pub: pub, exchange: exchange, timeout: timeout, logger: log}
}

// Attach 订阅总线。重复调用会先解除之前的订阅。
func (f *AMQPForwarder) Attach(bus *Bus) {
	if f.detach != nil {
		f.detach()
	}
	f.detach = bus.SubscribeAll(f.forward)
}

func (f *AMQPForwarder) forward(event Event) {
	body, err := json.Marshal(event)
	if err != nil {
		f.logger.Error("序列化事件失败", slog.Any("error", err), slog.String("kind", string(event.Kind)))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	err = f.pub.PublishWithContext(ctx, f.exchange, string(event.Kind), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.OccurredAt,
		Type:         string(event.Kind),
		Body:         body,
	})
	if err != nil {
		f.logger.Warn("转发事件到 RabbitMQ 失败", slog.Any("error", err), slog.String("kind", string(event.Kind)))
	}
}

// Close 解除订阅并关闭 RabbitMQ 连接。
func (f *AMQPForwarder) Close() error {
	if f == nil {
		return nil
	}
	if f.detach != nil {
		f.detach()
		f.detach = nil
	}
	if f.ch != nil {
		_ = f.ch.Close()
	}
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}
