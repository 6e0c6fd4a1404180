package audio

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseL16(t *testing.T) {
	f, ok := ParseL16("audio/L16;rate=8000;channels=2")
	require.True(t, ok)
	assert.Equal(t, PCMFormat{SampleRate: 8000, Channels: 2}, f)

	f, ok = ParseL16("audio/l16")
	require.True(t, ok)
	assert.Equal(t, PCMFormat{SampleRate: 16000, Channels: 1}, f)

	_, ok = ParseL16("audio/webm;codecs=opus")
	assert.False(t, ok)
}

func TestEncodeWAVHeader(t *testing.T) {
	pcm := make([]byte, 32000) // one second at 16kHz mono
	wav, err := EncodeWAV(pcm, PCMFormat{SampleRate: 16000, Channels: 1})
	require.NoError(t, err)

	require.Len(t, wav, 44+len(pcm))
	assert.Equal(t, "RIFF", string(wav[0:4]))
	assert.Equal(t, "WAVE", string(wav[8:12]))
	assert.Equal(t, "data", string(wav[36:40]))
	assert.Equal(t, uint32(16000), binary.LittleEndian.Uint32(wav[24:28]))
	assert.Equal(t, uint32(len(pcm)), binary.LittleEndian.Uint32(wav[40:44]))

	d, err := Duration(wav)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)
}

func TestEncodeWAVRejectsEmpty(t *testing.T) {
	_, err := EncodeWAV(nil, PCMFormat{SampleRate: 16000, Channels: 1})
	assert.Error(t, err)

	_, err = Duration([]byte("short"))
	assert.Error(t, err)
}
