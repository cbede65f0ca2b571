package replay

import (
	"path/filepath"
	"testing"
)

func TestWriteAndReadHeader(t *testing.T) {
	dir := t.TempDir()
	header := Header{
		SchemaVersion:  HeaderSchemaVersion,
		MatchID:        "alpha",
		Seed:           9,
		MoveInterval:   2,
		Depth:          27,
		PlayAt:         12,
		Levels:         1,
		Frames:         400,
		FramesChecksum: "abc123",
		FilePointer:    manifestName,
	}
	path := filepath.Join(dir, "nested", headerName)
	if err := WriteHeader(path, header); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	loaded, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if loaded != header {
		t.Fatalf("unexpected header values: %+v", loaded)
	}
}

func TestHeaderValidation(t *testing.T) {
	if err := (Header{SchemaVersion: 1, MoveInterval: 2}).Validate(); err == nil {
		t.Fatal("expected missing file pointer to fail")
	}
	if err := (Header{SchemaVersion: 1, FilePointer: "m"}).Validate(); err == nil {
		t.Fatal("expected missing move interval to fail")
	}
	if err := WriteHeader(filepath.Join(t.TempDir(), headerName), Header{}); err == nil {
		t.Fatal("expected invalid header to be refused")
	}
}
