package durablelog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_DefaultsToMemory(t *testing.T) {
	b, err := Open(Options{})
	require.NoError(t, err)
	defer b.Close()

	log, ok := b.(*ChannelLog)
	require.True(t, ok)
	assert.Equal(t, "chat-room", log.topic)
}

func TestOpen_BackendNameIsCaseInsensitive(t *testing.T) {
	b, err := Open(Options{Backend: " Memory ", MemoryTopic: "room-2"})
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, "room-2", b.(*ChannelLog).topic)
}

func TestOpen_RejectsUnknownBackend(t *testing.T) {
	_, err := Open(Options{Backend: "carrier-pigeon"})
	assert.ErrorContains(t, err, "carrier-pigeon")
}

func TestOpen_PropagatesBackendErrors(t *testing.T) {
	_, err := Open(Options{Backend: BackendKafka})
	assert.Error(t, err)

	_, err = Open(Options{Backend: BackendNATS})
	assert.Error(t, err)
}
