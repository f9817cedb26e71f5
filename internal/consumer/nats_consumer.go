package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fleetward/bustrack-api/internal/models"
	"github.com/fleetward/bustrack-api/internal/service"
	"github.com/fleetward/bustrack-api/pkg/config"
)

// NATSConsumer subscribes to the telemetry subjects and feeds the ingest
// engine. Subjects carry the bus id as their last token:
//
//	<prefix>.location.<busID>
//	<prefix>.tagscan.<busID>
//
// Subscriptions join a queue group so multiple API instances share the
// stream without duplicate processing.
type NATSConsumer struct {
	nc     *nats.Conn
	engine *service.IngestEngine
	cfg    config.NATSConfig
	logger *zap.Logger
	subs   []*nats.Subscription
}

func NewNATSConsumer(cfg config.NATSConfig, engine *service.IngestEngine, logger *zap.Logger) (*NATSConsumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("bustrack-ingest"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", conn.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSConsumer{nc: nc, engine: engine, cfg: cfg, logger: logger}, nil
}

// Start subscribes to the location and tag-scan subjects.
func (c *NATSConsumer) Start() error {
	locationSubject := fmt.Sprintf("%s.location.*", c.cfg.SubjectPrefix)
	scanSubject := fmt.Sprintf("%s.tagscan.*", c.cfg.SubjectPrefix)

	locSub, err := c.nc.QueueSubscribe(locationSubject, c.cfg.QueueGroup, c.handleLocation)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", locationSubject, err)
	}
	c.subs = append(c.subs, locSub)

	scanSub, err := c.nc.QueueSubscribe(scanSubject, c.cfg.QueueGroup, c.handleTagScan)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", scanSubject, err)
	}
	c.subs = append(c.subs, scanSub)

	c.logger.Info("nats consumer started",
		zap.String("location_subject", locationSubject),
		zap.String("tagscan_subject", scanSubject),
		zap.String("queue_group", c.cfg.QueueGroup))
	return nil
}

// Stop drains the subscriptions and closes the connection.
func (c *NATSConsumer) Stop() {
	for _, sub := range c.subs {
		_ = sub.Drain()
	}
	if c.nc != nil {
		_ = c.nc.Drain()
		c.nc.Close()
	}
	c.logger.Info("nats consumer stopped")
}

func (c *NATSConsumer) handleLocation(msg *nats.Msg) {
	var raw models.RawEvent
	if err := json.Unmarshal(msg.Data, &raw); err != nil {
		c.logger.Warn("undecodable location message", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	raw.ReceivedAt = time.Now().UTC()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.engine.SubmitLocation(ctx, raw); err != nil {
		c.logger.Debug("location rejected",
			zap.String("subject", msg.Subject),
			zap.String("bus_id", raw.BusID),
			zap.Error(err))
	}
}

func (c *NATSConsumer) handleTagScan(msg *nats.Msg) {
	var raw models.RawEvent
	if err := json.Unmarshal(msg.Data, &raw); err != nil {
		c.logger.Warn("undecodable tag scan message", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	raw.ReceivedAt = time.Now().UTC()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := c.engine.ProcessTagScan(ctx, raw); err != nil {
		// There is no caller to answer on this path, so rejections are only
		// logged; they are already counted by the engine's metrics.
		c.logger.Debug("tag scan rejected",
			zap.String("subject", msg.Subject),
			zap.String("bus_id", raw.BusID),
			zap.Error(err))
	}
}
