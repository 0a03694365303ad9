package audio

import (
	"errors"
	"math"
	"testing"
)

// ─── TestMulawSilence ────────────────────────────────────────────────────────

func TestMulawSilence_DecodesToZero(t *testing.T) {
	t.Parallel()

	if got := MulawDecodeSample(MulawSilence); got != 0 {
		t.Fatalf("MulawDecodeSample(0xFF): want 0, got %d", got)
	}
	if got := MulawEncodeSample(0); got != MulawSilence {
		t.Fatalf("MulawEncodeSample(0): want 0xFF, got 0x%02X", got)
	}
}

// ─── TestMulawCodes_RoundTrip ────────────────────────────────────────────────

func TestMulawCodes_RoundTrip(t *testing.T) {
	t.Parallel()

	for u := 0; u < 256; u++ {
		code := byte(u)
		if code == 0x7F {
			// 0x7F is negative zero; it decodes to 0 which re-encodes to the
			// positive-zero code 0xFF.
			continue
		}
		decoded := MulawDecodeSample(code)
		if got := MulawEncodeSample(decoded); got != code {
			t.Fatalf("code 0x%02X decoded to %d re-encoded to 0x%02X", code, decoded, got)
		}
	}
}

// ─── TestMulawEncode_TruncatedInput ──────────────────────────────────────────

func TestMulawEncode_TruncatedInput(t *testing.T) {
	t.Parallel()

	if _, err := MulawEncode([]byte{0x01, 0x02, 0x03}); !errors.Is(err, ErrTruncatedPCM) {
		t.Fatalf("want ErrTruncatedPCM, got %v", err)
	}
	if _, err := PCMToMulaw8k([]byte{0x01}, 16000); !errors.Is(err, ErrTruncatedPCM) {
		t.Fatalf("want ErrTruncatedPCM, got %v", err)
	}
}

// ─── TestPCMToMulaw8k_Rates ──────────────────────────────────────────────────

func TestPCMToMulaw8k_Rates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		inputRate int
		inBytes   int
		wantBytes int
		wantErr   bool
	}{
		{name: "16k input", inputRate: 16000, inBytes: 640, wantBytes: 160},
		{name: "24k input", inputRate: 24000, inBytes: 960, wantBytes: 160},
		{name: "unsupported rate", inputRate: 44100, inBytes: 640, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			out, err := PCMToMulaw8k(make([]byte, tt.inBytes), tt.inputRate)
			if tt.wantErr {
				if err == nil {
					t.Fatal("want error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("PCMToMulaw8k: %v", err)
			}
			if len(out) != tt.wantBytes {
				t.Fatalf("output bytes: want %d, got %d", tt.wantBytes, len(out))
			}
		})
	}
}

// ─── TestMulawToPCM16k_FrameCount ────────────────────────────────────────────

func TestMulawToPCM16k_FrameCount(t *testing.T) {
	t.Parallel()

	// One 20 ms telephony frame: 160 μ-law samples → 320 samples at 16 kHz
	// → 640 PCM bytes.
	in := make([]byte, 160)
	for i := range in {
		in[i] = MulawSilence
	}
	out := MulawToPCM16k(in)
	if len(out) != 640 {
		t.Fatalf("want 640 PCM bytes, got %d", len(out))
	}
}

// ─── TestCodec_RoundTripFidelity ─────────────────────────────────────────────

// TestCodec_RoundTripFidelity checks the 8k → 16k → 8k path: frame counts
// must be preserved 1:1 and the reconstructed waveform must stay within
// μ-law quantisation tolerance of the original.
func TestCodec_RoundTripFidelity(t *testing.T) {
	t.Parallel()

	const samples = 800 // 100 ms at 8 kHz
	src := make([]byte, samples)
	for i := range samples {
		v := int16(8000 * math.Sin(2*math.Pi*440*float64(i)/8000))
		src[i] = MulawEncodeSample(v)
	}

	pcm16k := MulawToPCM16k(src)
	back, err := PCMToMulaw8k(pcm16k, 16000)
	if err != nil {
		t.Fatalf("PCMToMulaw8k: %v", err)
	}

	if len(back) != len(src) {
		t.Fatalf("round-trip byte count: want %d, got %d", len(src), len(back))
	}

	var maxDiff int32
	for i := range back {
		a := int32(MulawDecodeSample(src[i]))
		b := int32(MulawDecodeSample(back[i]))
		diff := a - b
		if diff < 0 {
			diff = -diff
		}
		if diff > maxDiff {
			maxDiff = diff
		}
	}
	// Quantisation step near 8000 amplitude plus interpolation error.
	if maxDiff > 1024 {
		t.Fatalf("round-trip error too large: max sample diff %d", maxDiff)
	}
}

// ─── TestResampleMono16 ──────────────────────────────────────────────────────

func TestResampleMono16_SampleCounts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		srcRate  int
		dstRate  int
		inBytes  int
		outBytes int
	}{
		{name: "8k to 16k", srcRate: 8000, dstRate: 16000, inBytes: 320, outBytes: 640},
		{name: "16k to 8k", srcRate: 16000, dstRate: 8000, inBytes: 640, outBytes: 320},
		{name: "24k to 8k", srcRate: 24000, dstRate: 8000, inBytes: 960, outBytes: 320},
		{name: "same rate passthrough", srcRate: 8000, dstRate: 8000, inBytes: 320, outBytes: 320},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			out := ResampleMono16(make([]byte, tt.inBytes), tt.srcRate, tt.dstRate)
			if len(out) != tt.outBytes {
				t.Fatalf("want %d bytes, got %d", tt.outBytes, len(out))
			}
		})
	}
}
