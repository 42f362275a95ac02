package audio

import "testing"

func TestDownmixMono(t *testing.T) {
	buf := []float32{0.1, 0.2, 0.3}
	out := downmix(buf, 1)
	buf[0] = 9

	if len(out) != 3 || out[0] != 0.1 {
		t.Errorf("mono downmix must copy the buffer, got %v", out)
	}
}

func TestDownmixStereo(t *testing.T) {
	out := downmix([]float32{1, 0, -0.5, -0.5, 0.25, 0.75}, 2)
	want := []float32{0.5, -0.5, 0.5}
	if len(out) != len(want) {
		t.Fatalf("expected %d frames, got %d", len(want), len(out))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("frame %d: got %v, want %v", i, out[i], want[i])
		}
	}
}
