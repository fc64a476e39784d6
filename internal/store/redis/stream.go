package redis

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/polclau/relayer-node/internal/domain/model"
	"github.com/polclau/relayer-node/internal/metrics"
)

// DefaultStream is the stream newly discovered orders are published to.
const DefaultStream = "orders:raw"

// defaultMaxLen bounds the stream so a stalled decoder cannot grow redis
// without limit. XADD trims approximately (the ~ flag) for cheap appends.
const defaultMaxLen = 100_000

// Publisher pushes raw discovered orders onto a Redis stream so the external
// decoder can consume them without sharing our database.
type Publisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewPublisher(url, stream string) (*Publisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	if stream == "" {
		stream = DefaultStream
	}
	return &Publisher{client: client, stream: stream, maxLen: defaultMaxLen}, nil
}

// PublishOrder appends the order to the stream. The payload travels hex
// encoded; everything else is discovery metadata the decoder may want.
func (p *Publisher) PublishOrder(ctx context.Context, order *model.Order) error {
	err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: orderValues(order),
	}).Err()
	if err != nil {
		metrics.StreamPublishTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("xadd order %s: %w", order.ID, err)
	}
	metrics.StreamPublishTotal.WithLabelValues("ok").Inc()
	return nil
}

func orderValues(order *model.Order) map[string]any {
	return map[string]any{
		"id":           order.ID,
		"payload":      hex.EncodeToString(order.Payload),
		"source_token": order.SourceToken,
		"block_number": strconv.FormatInt(order.BlockNumber, 10),
		"tx_hash":      order.TxHash,
		"log_index":    strconv.FormatInt(order.LogIndex, 10),
	}
}

func (p *Publisher) Close() error {
	return p.client.Close()
}
