package mqtt

import (
	"errors"
	"sync"
	"testing"
	"time"

	"wisefido-datum/owl-common/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeToken completes when done is closed; a nil done never completes.
type fakeToken struct {
	done chan struct{}
	err  error
}

func (t *fakeToken) Wait() bool {
	<-t.Done()
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.Done():
		return true
	case <-timer.C:
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} {
	return t.done
}

func (t *fakeToken) Error() error {
	return t.err
}

func completedToken(err error) *fakeToken {
	done := make(chan struct{})
	close(done)
	return &fakeToken{done: done, err: err}
}

// fakePaho overrides Publish; other methods panic through the nil embedded client.
type fakePaho struct {
	mqtt.Client
	mu     sync.Mutex
	token  mqtt.Token
	topics []string
}

func (f *fakePaho) Publish(topic string, _ byte, _ bool, _ interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	return f.token
}

func TestPublish_Acknowledged(t *testing.T) {
	paho := &fakePaho{token: completedToken(nil)}
	c := newClient(paho, &config.MQTTConfig{}, zap.NewNop())

	require.NoError(t, c.Publish("datum/acquired/inv/1", 1, false, []byte("{}")))
	assert.Equal(t, []string{"datum/acquired/inv/1"}, paho.topics)
}

func TestPublish_BrokerError(t *testing.T) {
	paho := &fakePaho{token: completedToken(errors.New("not authorized"))}
	c := newClient(paho, &config.MQTTConfig{}, zap.NewNop())

	err := c.Publish("datum/acquired/inv/1", 1, false, nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPublishTimeout)
	assert.Contains(t, err.Error(), "not authorized")
}

func TestPublish_NeverAcknowledgedTimesOut(t *testing.T) {
	paho := &fakePaho{token: &fakeToken{}}
	c := newClient(paho, &config.MQTTConfig{PublishTimeout: 50 * time.Millisecond}, zap.NewNop())

	result := make(chan error, 1)
	go func() {
		result <- c.Publish("datum/acquired/inv/1", 1, false, nil)
	}()

	select {
	case err := <-result:
		require.ErrorIs(t, err, ErrPublishTimeout)
		assert.Contains(t, err.Error(), "datum/acquired/inv/1")
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked past its timeout")
	}
}

func TestPublishTimeout_Default(t *testing.T) {
	assert.Equal(t, DefaultPublishTimeout, newClient(&fakePaho{}, &config.MQTTConfig{}, zap.NewNop()).publishTimeout())
	assert.Equal(t, DefaultPublishTimeout, newClient(&fakePaho{}, nil, zap.NewNop()).publishTimeout())
	assert.Equal(t, time.Second, newClient(&fakePaho{}, &config.MQTTConfig{PublishTimeout: time.Second}, zap.NewNop()).publishTimeout())
}
