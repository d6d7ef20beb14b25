package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type staticTrack struct {
	id   string
	kind MediaKind
}

func (t *staticTrack) ID() string      { return t.id }
func (t *staticTrack) Kind() MediaKind { return t.kind }

func TestParticipantStreamRebuild(t *testing.T) {
	stream := &MediaParticipantStream{SocketID: "sock-1"}
	assert.True(t, stream.Empty())

	stream.VideoProducerID = "p-video"
	stream.VideoTrack = &staticTrack{id: "t-video", kind: MediaVideo}
	stream.Rebuild()
	assert.False(t, stream.Empty())
	assert.Len(t, stream.Composed, 1)

	stream.AudioProducerID = "p-audio"
	stream.AudioTrack = &staticTrack{id: "t-audio", kind: MediaAudio}
	stream.Rebuild()
	assert.Len(t, stream.Composed, 2)

	stream.VideoProducerID = ""
	stream.VideoTrack = nil
	stream.Rebuild()
	assert.Len(t, stream.Composed, 1)
	assert.Equal(t, MediaAudio, stream.Composed[0].Kind())
	assert.False(t, stream.Empty())
}

func TestAuctionStateString(t *testing.T) {
	assert.Equal(t, "idle", AuctionIdle.String())
	assert.Equal(t, "running", AuctionRunning.String())
	assert.Equal(t, "ended", AuctionEnded.String())
	assert.Equal(t, "unknown", AuctionState(99).String())
}

func TestSessionKeyString(t *testing.T) {
	key := SessionKey{StreamID: "s1", ProductID: "p1"}
	assert.Equal(t, "s1:p1", key.String())
}
