package audio

import (
	"fmt"

	"avatarkit/core"

	"github.com/zaf/g711"
)

// ConvertAudioChunk re-encodes a chunk into the requested format. Sample
// rate and channel count are passed through untouched; callers that need a
// different rate must request it from the provider instead (µ-law output is
// always provider-side 8 kHz).
func ConvertAudioChunk(chunk core.AudioChunk, format core.AudioEncodingFormat) (core.AudioChunk, error) {
	if chunk.Data == nil || len(*chunk.Data) == 0 || chunk.Format == format {
		out := chunk
		out.Format = format
		return out, nil
	}

	var converted []byte
	switch {
	case chunk.Format == core.PCM && format == core.ULAW:
		converted = g711.EncodeUlaw(*chunk.Data)
	case chunk.Format == core.PCM && format == core.ALAW:
		converted = g711.EncodeAlaw(*chunk.Data)
	case chunk.Format == core.ULAW && format == core.PCM:
		converted = g711.DecodeUlaw(*chunk.Data)
	case chunk.Format == core.ALAW && format == core.PCM:
		converted = g711.DecodeAlaw(*chunk.Data)
	case chunk.Format == core.ULAW && format == core.ALAW:
		converted = g711.Ulaw2Alaw(*chunk.Data)
	case chunk.Format == core.ALAW && format == core.ULAW:
		converted = g711.Alaw2Ulaw(*chunk.Data)
	default:
		return chunk, fmt.Errorf("audio: unsupported conversion %d -> %d", chunk.Format, format)
	}

	return core.AudioChunk{
		Data:       &converted,
		SampleRate: chunk.SampleRate,
		Channels:   chunk.Channels,
		Format:     format,
		IsFinal:    chunk.IsFinal,
	}, nil
}

// FormatName returns the wire name for an encoding format.
func FormatName(format core.AudioEncodingFormat) string {
	switch format {
	case core.ULAW:
		return "ulaw"
	case core.ALAW:
		return "alaw"
	default:
		return "pcm_s16le"
	}
}
