package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"mime"
	"strconv"
	"strings"
	"time"
)

const (
	ContentTypeWAV = "audio/wav"

	defaultSampleRate = 16000
	bitsPerSample     = 16
	headerSize        = 44
)

type wavHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32
}

// PCMFormat describes raw little-endian 16-bit samples.
type PCMFormat struct {
	SampleRate int
	Channels   int
}

// ParseL16 reads rate and channels from an "audio/L16;rate=..;channels=.."
// content type. ok is false for anything that is not raw L16.
func ParseL16(contentType string) (PCMFormat, bool) {
	mt, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.EqualFold(mt, "audio/l16") {
		return PCMFormat{}, false
	}

	f := PCMFormat{SampleRate: defaultSampleRate, Channels: 1}
	if v, err := strconv.Atoi(params["rate"]); err == nil && v > 0 {
		f.SampleRate = v
	}
	if v, err := strconv.Atoi(params["channels"]); err == nil && v > 0 {
		f.Channels = v
	}
	return f, true
}

// EncodeWAV prepends a PCM WAV header to raw 16-bit samples.
func EncodeWAV(pcm []byte, f PCMFormat) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio")
	}
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return nil, fmt.Errorf("invalid pcm format: rate=%d channels=%d", f.SampleRate, f.Channels)
	}

	channels := uint16(f.Channels)
	dataSize := uint32(len(pcm))
	h := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   channels,
		SampleRate:    uint32(f.SampleRate),
		ByteRate:      uint32(f.SampleRate) * uint32(channels) * bitsPerSample / 8,
		BlockAlign:    channels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, headerSize+len(pcm)))
	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return nil, fmt.Errorf("write wav header: %w", err)
	}
	buf.Write(pcm)
	return buf.Bytes(), nil
}

// Duration of a WAV produced by EncodeWAV.
func Duration(wav []byte) (time.Duration, error) {
	if len(wav) < headerSize || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return 0, fmt.Errorf("not a wav file")
	}
	byteRate := binary.LittleEndian.Uint32(wav[28:32])
	if byteRate == 0 {
		return 0, fmt.Errorf("invalid byte rate: 0")
	}
	dataSize := binary.LittleEndian.Uint32(wav[40:44])
	return time.Duration(float64(dataSize) / float64(byteRate) * float64(time.Second)), nil
}
