package wavfile_test

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/opuslink/pkg/audio"
	"github.com/MrWong99/opuslink/pkg/audio/device/wavfile"
)

// writeWAV writes 16-bit samples to a new file in t.TempDir.
func writeWAV(t *testing.T, rate, channels int, data []int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	enc := wav.NewEncoder(f, rate, 16, channels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}
	return path
}

func readWAV(t *testing.T, path string) (*wav.Decoder, []int) {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("FullPCMBuffer: %v", err)
	}
	return dec, buf.Data
}

func TestCapture_PlaysFileOnce(t *testing.T) {
	data := make([]int, 250)
	for i := range data {
		data[i] = i * 100
	}
	path := writeWAV(t, 8000, 1, data)

	c, err := wavfile.NewCapture(path, 80, false)
	if err != nil {
		t.Fatalf("NewCapture: %v", err)
	}
	if got := c.Format(); got != (audio.Format{SampleRate: 8000, Channels: 1}) {
		t.Errorf("Format = %v", got)
	}

	var mu sync.Mutex
	var got []float32
	if err := c.Start(func(in []float32) {
		mu.Lock()
		got = append(got, in...)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("capture never finished")
	}
	_ = c.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != len(data) {
		t.Fatalf("captured %d samples, want %d", len(got), len(data))
	}
	for i, v := range got {
		if want := audio.Int16ToFloat(int16(data[i])); v != want {
			t.Fatalf("sample %d = %v, want %v", i, v, want)
		}
	}
}

func TestCapture_Loops(t *testing.T) {
	path := writeWAV(t, 8000, 2, []int{1000, -1000, 2000, -2000})
	c, err := wavfile.NewCapture(path, 80, true)
	if err != nil {
		t.Fatalf("NewCapture: %v", err)
	}
	first := make(chan []float32, 1)
	if err := c.Start(func(in []float32) {
		select {
		case first <- append([]float32(nil), in...):
		default:
		}
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	var buf []float32
	select {
	case buf = <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("no callback")
	}
	if len(buf) != 160 {
		t.Fatalf("callback size = %d, want 160", len(buf))
	}
	for i := 0; i < len(buf); i += 4 {
		if buf[i] != buf[0] || buf[i+2] != buf[2] {
			t.Fatalf("loop pattern broken at %d", i)
		}
	}
}

func TestNewCapture_Errors(t *testing.T) {
	dir := t.TempDir()
	junk := filepath.Join(dir, "junk.wav")
	if err := os.WriteFile(junk, []byte("definitely not riff"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := wavfile.NewCapture(junk, 0, false); !errors.Is(err, wavfile.ErrInvalidFile) {
		t.Errorf("junk file: err = %v, want ErrInvalidFile", err)
	}
	if _, err := wavfile.NewCapture(filepath.Join(dir, "missing.wav"), 0, false); err == nil {
		t.Error("missing file: expected error")
	}
}

func TestPlayback_RecordsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	p, err := wavfile.NewPlayback(path, audio.PipelineFormat, 96)
	if err != nil {
		t.Fatalf("NewPlayback: %v", err)
	}

	var mu sync.Mutex
	pulls := 0
	if err := p.Start(func(out []float32) {
		for i := range out {
			out[i] = 0.5
		}
		mu.Lock()
		pulls++
		mu.Unlock()
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := pulls
		mu.Unlock()
		if n >= 3 || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	dec, data := readWAV(t, path)
	if dec.SampleRate != audio.SampleRate || dec.NumChans != audio.Channels || dec.BitDepth != 16 {
		t.Errorf("header = %d Hz, %d ch, %d bit", dec.SampleRate, dec.NumChans, dec.BitDepth)
	}
	if len(data) < 3*192 || len(data)%192 != 0 {
		t.Fatalf("recorded %d samples, want a multiple of 192 and at least 576", len(data))
	}
	want := int(audio.FloatToInt16(0.5))
	for i, v := range data {
		if v != want {
			t.Fatalf("sample %d = %d, want %d", i, v, want)
		}
	}
}
