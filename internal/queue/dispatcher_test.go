package queue

import (
	"context"
	"testing"

	"github.com/commandmesh/platform/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	log, err := logger.New("test", "debug")
	require.NoError(t, err)
	return NewDispatcher(log)
}

func TestDispatcherRegisterAndTopics(t *testing.T) {
	d := newTestDispatcher(t)
	d.Register("APP.CMD.SHIPORDER.Q", func(ctx context.Context, messageID, key string, payload []byte, headers map[string]string) error {
		return nil
	})
	d.Register("APP.CMD.REPLY.Q", func(ctx context.Context, messageID, key string, payload []byte, headers map[string]string) error {
		return nil
	})

	assert.ElementsMatch(t, []string{"APP.CMD.SHIPORDER.Q", "APP.CMD.REPLY.Q"}, d.Topics())
}

func TestDispatcherRegisterDuplicateTopicPanics(t *testing.T) {
	d := newTestDispatcher(t)
	h := func(ctx context.Context, messageID, key string, payload []byte, headers map[string]string) error { return nil }
	d.Register("APP.CMD.SHIPORDER.Q", h)

	assert.Panics(t, func() {
		d.Register("APP.CMD.SHIPORDER.Q", h)
	})
}

func TestDispatcherHandlerForUnregisteredTopic(t *testing.T) {
	d := newTestDispatcher(t)
	_, ok := d.handlerFor("APP.CMD.UNKNOWN.Q")
	assert.False(t, ok)
}

func TestDispatcherHandlerForReceivesMessageIDDistinctFromKey(t *testing.T) {
	d := newTestDispatcher(t)

	var gotMessageID, gotKey string
	d.Register("APP.CMD.SHIPORDER.Q", func(ctx context.Context, messageID, key string, payload []byte, headers map[string]string) error {
		gotMessageID = messageID
		gotKey = key
		return nil
	})

	h, ok := d.handlerFor("APP.CMD.SHIPORDER.Q")
	require.True(t, ok)

	err := h(context.Background(), "APP.CMD.SHIPORDER.Q/0/42", "order-1", []byte(`{}`), nil)
	require.NoError(t, err)
	assert.Equal(t, "APP.CMD.SHIPORDER.Q/0/42", gotMessageID)
	assert.Equal(t, "order-1", gotKey)
}
