package audio

import (
	"encoding/base64"
	"encoding/binary"
	"time"

	"github.com/trackside-labs/companion/pkg/core"
)

const bytesPerSample = 2

// EncodeFrame converts normalized float samples in [-1, 1] to signed 16-bit
// little-endian PCM and returns the base64 transport encoding.
func EncodeFrame(samples []float32) (string, error) {
	if len(samples) == 0 {
		return "", core.NewEncodingError("cannot encode an empty frame")
	}
	return EncodePCM16(Float32ToInt16(samples)), nil
}

// EncodePCM16 returns the base64 transport encoding of raw 16-bit samples.
func EncodePCM16(samples []int16) string {
	return base64.StdEncoding.EncodeToString(Int16ToPCMBytes(samples))
}

// DecodeFrame is the inverse of EncodeFrame: it decodes the base64 transport
// encoding back into 16-bit samples.
func DecodeFrame(data string) ([]int16, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, core.NewEncodingError("invalid base64 audio payload")
	}
	if len(raw)%bytesPerSample != 0 {
		return nil, core.NewEncodingError("PCM payload has an odd byte count")
	}
	return PCMBytesToInt16(raw), nil
}

// Float32ToInt16 quantizes normalized samples to 16-bit, clamping to [-1, 1].
func Float32ToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		if s > 1.0 {
			s = 1.0
		} else if s < -1.0 {
			s = -1.0
		}
		out[i] = int16(s * 32767)
	}
	return out
}

// Int16ToFloat32 normalizes 16-bit samples back to the [-1, 1) float range.
func Int16ToFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// PCMBytesToInt16 reinterprets little-endian PCM bytes as 16-bit samples.
func PCMBytesToInt16(data []byte) []int16 {
	out := make([]int16, len(data)/bytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*bytesPerSample:]))
	}
	return out
}

// Int16ToPCMBytes lays 16-bit samples out as little-endian PCM bytes.
func Int16ToPCMBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*bytesPerSample:], uint16(s))
	}
	return out
}

// Buffer is a decoded audio chunk laid out per channel in normalized float
// form, ready to hand to a playback device.
type Buffer struct {
	// Channels holds one plane of samples per channel.
	Channels [][]float32

	// SampleRateHz is the playback rate of the buffer.
	SampleRateHz int
}

// ToPlayableBuffer normalizes interleaved 16-bit samples to float and splits
// them into per-channel planes.
func ToPlayableBuffer(samples []int16, sampleRateHz, channels int) (*Buffer, error) {
	if sampleRateHz <= 0 {
		return nil, core.NewEncodingError("sample rate must be > 0")
	}
	if channels <= 0 {
		return nil, core.NewEncodingError("channel count must be > 0")
	}
	if len(samples) == 0 {
		return nil, core.NewEncodingError("cannot convert an empty chunk")
	}
	if len(samples)%channels != 0 {
		return nil, core.NewEncodingError("sample count not divisible by channel count")
	}

	frames := len(samples) / channels
	planes := make([][]float32, channels)
	for c := range planes {
		planes[c] = make([]float32, frames)
	}
	for f := 0; f < frames; f++ {
		for c := 0; c < channels; c++ {
			planes[c][f] = float32(samples[f*channels+c]) / 32768.0
		}
	}
	return &Buffer{Channels: planes, SampleRateHz: sampleRateHz}, nil
}

// Frames returns the number of sample frames per channel.
func (b *Buffer) Frames() int {
	if len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// Duration returns the play time of the buffer.
func (b *Buffer) Duration() time.Duration {
	if b.SampleRateHz <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRateHz)
}

// PCM16 re-interleaves the planes and quantizes back to little-endian 16-bit
// PCM, the shape expected by S16LE output devices.
func (b *Buffer) PCM16() []byte {
	channels := len(b.Channels)
	frames := b.Frames()
	out := make([]byte, frames*channels*bytesPerSample)
	for f := 0; f < frames; f++ {
		for c := 0; c < channels; c++ {
			s := b.Channels[c][f]
			if s > 1.0 {
				s = 1.0
			} else if s < -1.0 {
				s = -1.0
			}
			v := int16(s * 32767)
			binary.LittleEndian.PutUint16(out[(f*channels+c)*bytesPerSample:], uint16(v))
		}
	}
	return out
}
