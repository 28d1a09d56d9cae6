package kafka

import (
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
)

func TestBuildSaramaConfig_DefaultsToHashPartitionerAndNoCompression(t *testing.T) {
	cfg := Config{Brokers: []string{"localhost:9092"}, Topic: "ias-values"}
	sc := cfg.buildSaramaConfig()

	assert.Equal(t, sarama.CompressionNone, sc.Producer.Compression)
	assert.True(t, sc.Producer.Return.Successes)
	assert.True(t, sc.Producer.Return.Errors)
	assert.False(t, sc.Net.SASL.Enable)
	assert.False(t, sc.Net.TLS.Enable)
}

func TestBuildSaramaConfig_HonorsCompressionAndTimeout(t *testing.T) {
	cfg := Config{
		Brokers:     []string{"localhost:9092"},
		Topic:       "ias-values",
		Compression: "zstd",
		RetryMax:    5,
		Timeout:     2 * time.Second,
	}
	sc := cfg.buildSaramaConfig()

	assert.Equal(t, sarama.CompressionZSTD, sc.Producer.Compression)
	assert.Equal(t, 5, sc.Producer.Retry.Max)
	assert.Equal(t, 2*time.Second, sc.Net.DialTimeout)
}

func TestBuildSaramaConfig_EnablesSCRAMAuth(t *testing.T) {
	cfg := Config{
		Brokers: []string{"localhost:9092"},
		Topic:   "ias-values",
		Auth:    AuthConfig{Enabled: true, Username: "ias", Password: "secret", Mechanism: "SCRAM-SHA-512"},
	}
	sc := cfg.buildSaramaConfig()

	assert.True(t, sc.Net.SASL.Enable)
	assert.Equal(t, sarama.SASLTypeSCRAMSHA512, sc.Net.SASL.Mechanism)
	generator := sc.Net.SASL.SCRAMClientGeneratorFunc
	assert.NotNil(t, generator)
	client := generator()
	_, ok := client.(*xdgSCRAMClient)
	assert.True(t, ok)
}

func TestNew_RejectsMissingBrokers(t *testing.T) {
	_, err := New(Config{Topic: "ias-values"}, nil)
	assert.Error(t, err)
}

func TestNew_RejectsMissingTopic(t *testing.T) {
	_, err := New(Config{Brokers: []string{"localhost:9092"}}, nil)
	assert.Error(t, err)
}
