package grpc

import (
	"bytes"
	"testing"
)

func TestCompressorsRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte(`{"seq":1,"kind":"frame","frame":{"f":12,"d":[]}}`), 20)
	for _, name := range []string{"gzip", "lz4"} {
		compressor, err := CompressorFor(name)
		if err != nil {
			t.Fatalf("CompressorFor(%q): %v", name, err)
		}
		if compressor.Name() != name {
			t.Fatalf("expected %s, got %s", name, compressor.Name())
		}
		compressed, err := compressor.Compress(payload)
		if err != nil {
			t.Fatalf("%s compress: %v", name, err)
		}
		if len(compressed) >= len(payload) {
			t.Fatalf("%s did not shrink a repetitive payload: %d >= %d", name, len(compressed), len(payload))
		}
		restored, err := compressor.Decompress(compressed)
		if err != nil {
			t.Fatalf("%s decompress: %v", name, err)
		}
		if !bytes.Equal(restored, payload) {
			t.Fatalf("%s round trip mismatch", name)
		}
	}
}

func TestCompressorsRejectEmpty(t *testing.T) {
	for _, compressor := range []Compressor{NewGZIPCompressor(), NewLZ4Compressor()} {
		if _, err := compressor.Decompress(nil); err == nil {
			t.Fatalf("%s: expected error for empty payload", compressor.Name())
		}
	}
}

func TestCompressorForDefaultsAndUnknown(t *testing.T) {
	compressor, err := CompressorFor("")
	if err != nil || compressor.Name() != "lz4" {
		t.Fatalf("expected lz4 default, got %v %v", compressor, err)
	}
	if _, err := CompressorFor("brotli"); err == nil {
		t.Fatal("expected error for unknown encoding")
	}
}
