package eventsink

import (
	"testing"

	"github.com/dbmplus/dbmorc/pkg/types"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

// TestNewKafkaMirrorDisabledReturnsNil tests that a disabled config skips
// dialing brokers entirely.
func TestNewKafkaMirrorDisabledReturnsNil(t *testing.T) {
	m, err := NewKafkaMirror(types.KafkaEventsConfig{Enabled: false}, testLogger())
	require.NoError(t, err)
	assert.Nil(t, m)
}

// TestNewKafkaMirrorRequiresBrokersAndTopic tests the config-validation
// guard for an enabled mirror missing required fields.
func TestNewKafkaMirrorRequiresBrokersAndTopic(t *testing.T) {
	_, err := NewKafkaMirror(types.KafkaEventsConfig{Enabled: true}, testLogger())
	assert.Error(t, err)

	_, err = NewKafkaMirror(types.KafkaEventsConfig{Enabled: true, Brokers: []string{"localhost:9092"}}, testLogger())
	assert.Error(t, err)
}

// TestXdgSCRAMClientLifecycle tests that the sarama.SCRAMClient adapter's
// Begin starts a github.com/xdg-go/scram client conversation that does
// not yet report Done.
func TestXdgSCRAMClientLifecycle(t *testing.T) {
	client := &xdgSCRAMClient{HashGeneratorFcn: sha256Generator}
	err := client.Begin("alice", "correct horse battery staple", "")
	require.NoError(t, err)
	assert.False(t, client.Done())
}
