package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStreamSink_Emit(t *testing.T) {
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	sink := NewRedisStreamSink(rdb, 10)
	ctx := context.Background()

	at := time.UnixMilli(1_700_000_000_000)
	require.NoError(t, sink.Emit(ctx, ExecutionEvent{RunID: "r1", EventType: EventStart, EventTime: at, DriftMs: 12}))
	require.NoError(t, sink.Emit(ctx, ExecutionEvent{RunID: "r1", EventType: EventFinish, EventTime: at.Add(time.Second)}))

	msgs, err := rdb.XRange(ctx, StreamKey, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "start", msgs[0].Values["eventType"])
	assert.Equal(t, "12", msgs[0].Values["drift"])
	assert.Equal(t, "1700000001000", msgs[1].Values["eventTime"])
}
