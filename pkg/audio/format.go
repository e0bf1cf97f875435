package audio

import (
	"fmt"
	"time"
)

// Format specifies PCM audio format parameters.
type Format struct {
	// SampleRateHz in Hz. The session contract fixes 16000 for capture
	// and 24000 for playback.
	SampleRateHz int `json:"sample_rate_hz"`

	// Channels: 1 for mono, 2 for stereo.
	Channels int `json:"channels"`

	// BitsPerSample: 16 for signed little-endian PCM.
	BitsPerSample int `json:"bits_per_sample"`
}

// CaptureFormat returns the microphone format expected by the remote peer.
func CaptureFormat() Format {
	return Format{
		SampleRateHz:  16000,
		Channels:      1,
		BitsPerSample: 16,
	}
}

// PlaybackFormat returns the synthesized speech format sent by the remote peer.
func PlaybackFormat() Format {
	return Format{
		SampleRateHz:  24000,
		Channels:      1,
		BitsPerSample: 16,
	}
}

// BytesPerSecond returns the audio byte rate.
func (f Format) BytesPerSecond() int {
	return f.SampleRateHz * f.Channels * (f.BitsPerSample / 8)
}

// BytesPerFrame returns the byte width of one sample frame across channels.
func (f Format) BytesPerFrame() int {
	return f.Channels * (f.BitsPerSample / 8)
}

// Duration returns the play time of the given byte count.
func (f Format) Duration(bytes int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(bytes) * time.Second / time.Duration(bps)
}

// DurationSamples returns the play time of n samples (counted per channel).
func (f Format) DurationSamples(n int) time.Duration {
	if f.SampleRateHz == 0 || f.Channels == 0 {
		return 0
	}
	frames := n / f.Channels
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRateHz)
}

// BytesFor returns the byte count covering duration d.
func (f Format) BytesFor(d time.Duration) int {
	return int(int64(f.BytesPerSecond()) * int64(d) / int64(time.Second))
}

// SamplesFor returns the per-channel sample count covering duration d.
func (f Format) SamplesFor(d time.Duration) int {
	return int(int64(f.SampleRateHz) * int64(d) / int64(time.Second))
}

// MimeType returns the transport media type tag for this format.
func (f Format) MimeType() string {
	return fmt.Sprintf("audio/pcm;rate=%d", f.SampleRateHz)
}

// Valid reports whether the format describes a usable PCM stream.
func (f Format) Valid() bool {
	return f.SampleRateHz > 0 && f.Channels > 0 && f.BitsPerSample == 16
}
