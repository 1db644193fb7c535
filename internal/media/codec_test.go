package media

import (
	"bytes"
	"testing"
)

func TestFramesPayloadIsAlways160Bytes(t *testing.T) {
	for _, size := range []int{1, 159, 160, 161, 319, 320, 4000, 4001} {
		in := make([]byte, size)
		for i := range in {
			in[i] = byte(i)
		}
		frames := Frames(in)
		for i, f := range frames {
			if len(f) != FrameBytes {
				t.Errorf("size %d: frame %d has %d bytes", size, i, len(f))
			}
		}
		want := (size + FrameBytes - 1) / FrameBytes
		if len(frames) != want {
			t.Errorf("size %d: expected %d frames, got %d", size, want, len(frames))
		}
	}
}

func TestFramesTailPaddedWithSilence(t *testing.T) {
	in := make([]byte, 170)
	for i := range in {
		in[i] = 0x42
	}
	frames := Frames(in)
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	tail := frames[1]
	for i := 10; i < FrameBytes; i++ {
		if tail[i] != ULawSilence {
			t.Fatalf("tail byte %d is 0x%02x, expected µ-law silence 0xFF", i, tail[i])
		}
	}
}

func TestFramesEmptyInput(t *testing.T) {
	if frames := Frames(nil); frames != nil {
		t.Errorf("expected no frames for empty input, got %d", len(frames))
	}
}

func TestULawRoundTrip(t *testing.T) {
	// Any frame that came out of the encoder must survive decode+encode
	// byte-identically: each µ-law code maps to a distinct PCM value that
	// encodes back to the same code.
	tone := NewTone(440)
	for i := 0; i < 10; i++ {
		frame := tone.Next()
		again, err := EncodePCM16(DecodeULaw(frame), SampleRate)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !bytes.Equal(frame, again) {
			t.Fatalf("frame %d did not round-trip", i)
		}
	}
}

func TestEncodeRejectsOddLength(t *testing.T) {
	if _, err := EncodePCM16(make([]byte, 321), SampleRate); err == nil {
		t.Fatal("expected error for sample-misaligned input")
	}
}

func TestEncodeRejectsUnknownRate(t *testing.T) {
	if _, err := EncodePCM16(make([]byte, 320), 44100); err == nil {
		t.Fatal("expected error for unsupported rate")
	}
}

func TestEncodeResamples16kTo8k(t *testing.T) {
	// 40 ms of 16 kHz PCM (640 samples) must land on 2 carrier frames.
	pcm := make([]byte, 640*2)
	out, err := EncodePCM16(pcm, 16000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Linear resampling drops the trailing sample it cannot interpolate.
	if len(out) < 2*FrameBytes-2 || len(out) > 2*FrameBytes {
		t.Errorf("expected ~320 µ-law bytes, got %d", len(out))
	}
}

func TestResampleHalvesSampleCount(t *testing.T) {
	in := make([]byte, 1600*2) // 100 ms at 16 kHz
	out := Resample(in, 16000, 8000)
	if len(out) < 798*2 || len(out) > 800*2 {
		t.Errorf("expected ~800 samples, got %d", len(out)/2)
	}
}

func TestGeneratorsProduceFullFrames(t *testing.T) {
	for name, g := range map[string]Generator{
		"tone":    NewTone(440),
		"hold":    NewHoldMusic(),
		"silence": NewSilence(),
	} {
		for i := 0; i < 60; i++ {
			frame := g.Next()
			if len(frame) != FrameBytes {
				t.Fatalf("%s: frame %d has %d bytes", name, i, len(frame))
			}
		}
	}
}

func TestSilenceFrameIsSilent(t *testing.T) {
	for i, b := range SilenceFrame() {
		if b != ULawSilence {
			t.Fatalf("byte %d is 0x%02x", i, b)
		}
	}
}

func TestEnergySilenceVersusTone(t *testing.T) {
	silent := Energy(DecodeULaw(SilenceFrame()))
	tone := Energy(DecodeULaw(NewTone(440).Next()))
	if silent >= tone {
		t.Errorf("silence energy %d should be below tone energy %d", silent, tone)
	}
	if tone < 1000 {
		t.Errorf("tone energy %d unexpectedly low", tone)
	}
}
