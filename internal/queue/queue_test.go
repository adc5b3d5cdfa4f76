package queue

import (
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSaramaConfigDefaults(t *testing.T) {
	sc, err := newSaramaConfig(Config{Brokers: []string{"localhost:9092"}})
	require.NoError(t, err)
	assert.False(t, sc.Net.SASL.Enable)
}

func TestNewSaramaConfigParsesVersion(t *testing.T) {
	sc, err := newSaramaConfig(Config{Version: "2.8.0"})
	require.NoError(t, err)
	assert.Equal(t, sarama.V2_8_0_0, sc.Version)
}

func TestNewSaramaConfigRejectsInvalidVersion(t *testing.T) {
	_, err := newSaramaConfig(Config{Version: "not-a-version"})
	assert.Error(t, err)
}

func TestNewSaramaConfigSASL(t *testing.T) {
	sc, err := newSaramaConfig(Config{
		SASLEnabled:  true,
		SASLUser:     "worker",
		SASLPassword: "secret",
	})
	require.NoError(t, err)
	assert.True(t, sc.Net.SASL.Enable)
	assert.Equal(t, "worker", sc.Net.SASL.User)
	assert.Equal(t, sarama.SASLTypePlaintext, sc.Net.SASL.Mechanism)
}

func TestNewSaramaConfigConnectionTimeout(t *testing.T) {
	sc, err := newSaramaConfig(Config{ConnectionTimeout: 3 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, sc.Net.DialTimeout)
	assert.Equal(t, 3*time.Second, sc.Net.ReadTimeout)
	assert.Equal(t, 3*time.Second, sc.Net.WriteTimeout)
}
