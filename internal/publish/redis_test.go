package publish

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/candash/internal/calc"
	"github.com/shaunagostinho/candash/internal/config"
	"github.com/shaunagostinho/candash/internal/pipeline"
)

type fakeClient struct {
	err      error
	channels []string
	messages [][]byte
}

func (f *fakeClient) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channels = append(f.channels, channel)
	f.messages = append(f.messages, message.([]byte))
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func TestPublisher_Publish(t *testing.T) {
	fc := &fakeClient{}
	p := NewPublisher(fc, "candash.snapshots")
	assert.Equal(t, "redis", p.Name())

	msg := pipeline.Message{Type: pipeline.MessageType, Payload: []calc.Values{{calc.RPM: 900}}}
	require.NoError(t, p.Publish(context.Background(), msg))

	require.Equal(t, []string{"candash.snapshots"}, fc.channels)
	var got pipeline.Message
	require.NoError(t, json.Unmarshal(fc.messages[0], &got))
	assert.Equal(t, msg, got)
	assert.NoError(t, p.Close())
}

func TestPublisher_Error(t *testing.T) {
	down := errors.New("connection refused")
	p := NewPublisher(&fakeClient{err: down}, "c")
	err := p.Publish(context.Background(), pipeline.Message{Type: pipeline.MessageType})
	assert.ErrorIs(t, err, down)
}

func TestDial_Disabled(t *testing.T) {
	_, err := Dial(context.Background(), config.RedisConfig{})
	assert.Error(t, err)
}
