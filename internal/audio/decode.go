package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
)

const (
	wavFormatPCM        = 1
	wavFormatExtensible = 0xFFFE
)

// Decoder turns an encoded container into a waveform at its native rate.
type Decoder interface {
	Decode(ctx context.Context, data []byte) (Waveform, error)
}

// NativeDecoder reads WAV and MP3 without external tools.
type NativeDecoder struct{}

func NewNativeDecoder() *NativeDecoder {
	return &NativeDecoder{}
}

func (NativeDecoder) Decode(_ context.Context, data []byte) (Waveform, error) {
	switch sniffFormat(data) {
	case "wav":
		return decodeWAV(data)
	case "mp3":
		return decodeMP3(data)
	default:
		return Waveform{}, &DecodeError{Err: ErrUnsupportedFormat}
	}
}

func sniffFormat(data []byte) string {
	if len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")) {
		return "wav"
	}
	if len(data) >= 3 && bytes.Equal(data[0:3], []byte("ID3")) {
		return "mp3"
	}
	if len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0 {
		return "mp3"
	}
	return ""
}

func decodeWAV(data []byte) (Waveform, error) {
	d := wav.NewDecoder(bytes.NewReader(data))
	if !d.IsValidFile() {
		return Waveform{}, &DecodeError{Format: "wav", Err: errors.New("invalid wav header")}
	}
	if d.WavAudioFormat != wavFormatPCM && d.WavAudioFormat != wavFormatExtensible {
		return Waveform{}, &DecodeError{Format: "wav", Err: fmt.Errorf("%w: wav audio format %d", ErrUnsupportedFormat, d.WavAudioFormat)}
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return Waveform{}, &DecodeError{Format: "wav", Err: err}
	}
	if buf == nil || len(buf.Data) == 0 {
		return Waveform{}, &DecodeError{Format: "wav", Err: ErrEmptyAudio}
	}

	depth := int(d.BitDepth)
	scale := float64(int64(1) << (depth - 1))
	samples := make([]float64, len(buf.Data))
	for i, v := range buf.Data {
		if depth == 8 {
			// 8-bit PCM is unsigned
			samples[i] = float64(v-128) / 128
			continue
		}
		samples[i] = float64(v) / scale
	}
	channels := int(d.NumChans)
	if channels <= 0 {
		channels = 1
	}
	return FromInterleaved(samples, channels, int(d.SampleRate)), nil
}

func decodeMP3(data []byte) (Waveform, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return Waveform{}, &DecodeError{Format: "mp3", Err: err}
	}
	pcm, err := io.ReadAll(dec)
	if err != nil {
		return Waveform{}, &DecodeError{Format: "mp3", Err: err}
	}
	// go-mp3 always yields 16-bit little-endian stereo.
	count := len(pcm) / 2
	if count == 0 {
		return Waveform{}, &DecodeError{Format: "mp3", Err: ErrEmptyAudio}
	}
	samples := make([]float64, count)
	for i := 0; i < count; i++ {
		samples[i] = float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}
	return FromInterleaved(samples, 2, dec.SampleRate()), nil
}
