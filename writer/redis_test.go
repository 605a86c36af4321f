package writer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "marketlens/config"
	"marketlens/models"
)

func newTestPublisher(t *testing.T) (*RedisPublisher, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisPublisherWithClient(client, "test", 0), mr, client
}

func price(v float64) *float64 { return &v }

func TestPublishBookStoresLatest(t *testing.T) {
	p, mr, _ := newTestPublisher(t)
	snap := models.NewBookSnapshot("XBTUSD",
		[]models.PriceLevel{{ID: 1, Side: models.SideBuy, Size: price(10), Price: price(103000)}},
		[]models.PriceLevel{{ID: 2, Side: models.SideSell, Size: price(5), Price: price(103100)}},
		time.Unix(1700000000, 0).UTC())

	require.NoError(t, p.PublishBook(context.Background(), snap))

	raw, err := mr.Get("test:XBTUSD:book:latest")
	require.NoError(t, err)
	var got models.BookSnapshot
	require.NoError(t, json.Unmarshal([]byte(raw), &got))
	assert.Equal(t, "XBTUSD", got.Symbol)
	require.Len(t, got.Buys, 1)
	assert.Equal(t, 103000.0, got.Buys[0].ActualPrice())
	assert.Equal(t, 10.0, got.MaxCumulative)
}

func TestPublishDeliversToSubscribers(t *testing.T) {
	p, _, client := newTestPublisher(t)
	ctx := context.Background()

	sub := client.Subscribe(ctx, p.StateChannel())
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	change := models.NewStateChange(models.Failed("boom"), "session-1", time.Now())
	p.Subscriber().OnState(change)

	select {
	case msg := <-sub.Channel():
		var got map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, "error", got["state"])
		assert.Equal(t, "Error", got["label"])
		assert.Equal(t, "boom", got["message"])
	case <-time.After(time.Second):
		t.Fatal("state change not published")
	}
}

func TestPublishTradesUsesSymbolChannel(t *testing.T) {
	p, mr, _ := newTestPublisher(t)
	snap := models.TradeSnapshot{
		Symbol: "XBTUSD",
		Trades: []models.AnimatedTrade{{Trade: models.Trade{TrdMatchID: "a", Timestamp: "2024-05-01T10:00:00.000Z"}}},
	}

	require.NoError(t, p.PublishTrades(context.Background(), snap))
	assert.True(t, mr.Exists("test:XBTUSD:trades:latest"))
}

func TestLatestKeyTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	p := NewRedisPublisherWithClient(client, "", time.Minute)

	require.NoError(t, p.PublishState(context.Background(), models.NewStateChange(models.Connected(), "", time.Now())))

	assert.Equal(t, time.Minute, mr.TTL("marketlens:state:latest"))
}

func TestNewRedisPublisherPingFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := NewRedisPublisher(ctx, appconfig.RedisConfig{Addr: addr})
	assert.Error(t, err)
}
