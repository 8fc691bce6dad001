package audio

import (
	"testing"

	"avatarkit/core"
)

func chunkOf(data []byte, format core.AudioEncodingFormat) core.AudioChunk {
	return core.AudioChunk{Data: &data, SampleRate: 8000, Channels: 1, Format: format, IsFinal: true}
}

func TestConvertPCMToUlawHalvesSize(t *testing.T) {
	in := chunkOf(make([]byte, 320), core.PCM)
	out, err := ConvertAudioChunk(in, core.ULAW)
	if err != nil {
		t.Fatal(err)
	}
	if out.Format != core.ULAW {
		t.Errorf("format = %v", out.Format)
	}
	if len(*out.Data) != 160 {
		t.Errorf("ulaw bytes = %d, want 160", len(*out.Data))
	}
	if !out.IsFinal {
		t.Error("IsFinal lost in conversion")
	}
}

func TestConvertUlawToPCMDoublesSize(t *testing.T) {
	in := chunkOf(make([]byte, 160), core.ULAW)
	out, err := ConvertAudioChunk(in, core.PCM)
	if err != nil {
		t.Fatal(err)
	}
	if len(*out.Data) != 320 {
		t.Errorf("pcm bytes = %d, want 320", len(*out.Data))
	}
}

func TestConvertSameFormatPassthrough(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	in := chunkOf(data, core.PCM)
	out, err := ConvertAudioChunk(in, core.PCM)
	if err != nil {
		t.Fatal(err)
	}
	if out.Data != in.Data {
		t.Error("same-format conversion must not copy")
	}
}

func TestConvertEmptyChunk(t *testing.T) {
	in := chunkOf(nil, core.PCM)
	out, err := ConvertAudioChunk(in, core.ULAW)
	if err != nil {
		t.Fatal(err)
	}
	if out.Format != core.ULAW {
		t.Errorf("format = %v", out.Format)
	}
}

func TestFormatName(t *testing.T) {
	cases := map[core.AudioEncodingFormat]string{
		core.PCM:  "pcm_s16le",
		core.ULAW: "ulaw",
		core.ALAW: "alaw",
	}
	for format, want := range cases {
		if got := FormatName(format); got != want {
			t.Errorf("FormatName(%v) = %q, want %q", format, got, want)
		}
	}
}

func TestDurationCalculation(t *testing.T) {
	pcm := chunkOf(make([]byte, 16000), core.PCM) // 8000 samples at 8 kHz
	if d := pcm.GetDurationInSeconds(); d != 1.0 {
		t.Errorf("pcm duration = %v, want 1.0", d)
	}
	ulaw := chunkOf(make([]byte, 8000), core.ULAW)
	if d := ulaw.GetDurationInSeconds(); d != 1.0 {
		t.Errorf("ulaw duration = %v, want 1.0", d)
	}
}
