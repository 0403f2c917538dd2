package kafka

import (
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	return l
}

func TestNew_RejectsMissingBrokers(t *testing.T) {
	_, err := New(Config{Topic: "t"}, testLogger())
	assert.Error(t, err)
}

func TestNew_RejectsMissingTopic(t *testing.T) {
	_, err := New(Config{Brokers: []string{"localhost:9092"}}, testLogger())
	assert.Error(t, err)
}

func TestScramClient_BeginNewConversationPerAttempt(t *testing.T) {
	c := &scramClient{HashGeneratorFcn: sha256Generator}
	require.NoError(t, c.Begin("user", "pass", ""))
	assert.NotNil(t, c.Client)
	assert.NotNil(t, c.ClientConversation)
	assert.False(t, c.Done())
}

func TestScramClient_Sha512Variant(t *testing.T) {
	c := &scramClient{HashGeneratorFcn: sha512Generator}
	require.NoError(t, c.Begin("user", "pass", ""))
	_, err := c.Step(`r=fake,s=ZmFrZQ==,i=4096`)
	assert.Error(t, err)
}
