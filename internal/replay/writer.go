// Package replay records final frames to disk and re-simulates them to
// prove the recording reproduces the authoritative digests.
package replay

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
	"lukechampine.com/blake3"

	"wormy/broker/internal/logging"
	"wormy/broker/internal/sim"
)

var writerMatchCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

const (
	manifestName = "manifest.json"
	headerName   = "header.json"
	eventsName   = "events.jsonl.sz"
	framesName   = "frames.bin.zst"

	// frameFlushInterval is how long frames may sit in memory before they
	// are pushed into the compressed stream.
	frameFlushInterval = time.Second

	frameRecordHeader = 4 + 4 + 8 + 4
)

// Event types written to the event log.
const (
	EventLevel = "level"
	EventJoin  = "join"
	EventQuit  = "quit"
	EventWin   = "win"
)

// ErrWriterClosed is returned by every append after Close.
var ErrWriterClosed = errors.New("replay writer closed")

// Metadata describes the rules the recorded frames were simulated with.
type Metadata struct {
	MatchID      string
	Seed         int64
	MoveInterval int
	Depth        int
	PlayAt       int
}

// Manifest describes the replay bundle layout so tooling can locate artefacts.
type Manifest struct {
	Version    int    `json:"version"`
	CreatedAt  string `json:"created_at"`
	EventsPath string `json:"events_path"`
	FramesPath string `json:"frames_path"`
	HeaderPath string `json:"header_path"`
}

// EventRecord is one line of the event log.
type EventRecord struct {
	Epoch      int             `json:"epoch"`
	Frame      int             `json:"frame"`
	CapturedAt time.Time       `json:"captured_at"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// LevelPayload is the payload of an EventLevel record.
type LevelPayload struct {
	Level int         `json:"level"`
	Base  sim.Compact `json:"base"`
}

type frameBlob struct {
	epoch   uint32
	frame   uint32
	digest  uint64
	payload []byte
}

// Writer streams final frames and session events into a bundle directory.
// It is safe for concurrent use.
type Writer struct {
	mu          sync.Mutex
	dir         string
	meta        Metadata
	now         func() time.Time
	logger      *logging.Logger
	eventFile   *os.File
	eventStream *snappy.Writer
	frameFile   *os.File
	frameStream *zstd.Encoder
	frameHash   *blake3.Hasher
	pending     []frameBlob
	lastFlush   time.Time
	epoch       int
	frames      uint64
	closed      bool
}

// NewWriter prepares a bundle directory under root and opens compressed sinks.
func NewWriter(root string, meta Metadata, clock func() time.Time, logger *logging.Logger) (*Writer, Manifest, error) {
	if root == "" {
		return nil, Manifest{}, fmt.Errorf("replay root must be provided")
	}
	if meta.MoveInterval <= 0 {
		meta.MoveInterval = sim.DefaultMoveInterval
	}
	if clock == nil {
		clock = time.Now
	}

	cleaned := writerMatchCleaner.ReplaceAllString(meta.MatchID, "")
	if cleaned == "" {
		cleaned = "match"
	}
	created := clock().UTC()
	path := filepath.Join(root, fmt.Sprintf("%s-%s", cleaned, created.Format("20060102T150405Z")))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, Manifest{}, err
	}

	manifest := Manifest{
		Version:    HeaderSchemaVersion,
		CreatedAt:  created.Format(time.RFC3339Nano),
		EventsPath: eventsName,
		FramesPath: framesName,
		HeaderPath: headerName,
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, Manifest{}, err
	}
	if err := os.WriteFile(filepath.Join(path, manifestName), data, 0o644); err != nil {
		return nil, Manifest{}, err
	}

	//1.- Open both sinks, unwinding the first if the second fails.
	eventFile, err := os.Create(filepath.Join(path, eventsName))
	if err != nil {
		return nil, Manifest{}, err
	}
	frameFile, err := os.Create(filepath.Join(path, framesName))
	if err != nil {
		eventFile.Close()
		return nil, Manifest{}, err
	}
	//2.- Hash the compressed bytes as they hit the file so the header can vouch for them.
	hasher := blake3.New(32, nil)
	frameStream, err := zstd.NewWriter(io.MultiWriter(frameFile, hasher))
	if err != nil {
		eventFile.Close()
		frameFile.Close()
		return nil, Manifest{}, err
	}

	writer := &Writer{
		dir:         path,
		meta:        meta,
		now:         clock,
		logger:      logger,
		eventFile:   eventFile,
		eventStream: snappy.NewBufferedWriter(eventFile),
		frameFile:   frameFile,
		frameStream: frameStream,
		frameHash:   hasher,
		epoch:       -1,
	}
	return writer, manifest, nil
}

// Directory exposes the directory backing the replay bundle.
func (w *Writer) Directory() string {
	if w == nil {
		return ""
	}
	return w.dir
}

// BeginLevel starts a new epoch whose frames are simulated from base.
func (w *Writer) BeginLevel(levelID int, base *sim.State) error {
	if w == nil {
		return ErrWriterClosed
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	//1.- Frames of the previous level must reach the stream before the boundary.
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.epoch++
	return w.appendEventLocked(base.Frame, EventLevel, LevelPayload{Level: levelID, Base: base.Compact()})
}

// AppendEvent writes a session event such as a join or a win.
func (w *Writer) AppendEvent(frame int, eventType string, payload any) error {
	if w == nil {
		return ErrWriterClosed
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	return w.appendEventLocked(frame, eventType, payload)
}

func (w *Writer) appendEventLocked(frame int, eventType string, payload any) error {
	record := EventRecord{Epoch: w.epoch, Frame: frame, CapturedAt: w.now().UTC(), Type: eventType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", eventType, err)
		}
		record.Payload = raw
	}
	line, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if _, err := w.eventStream.Write(append(line, '\n')); err != nil {
		return err
	}
	return w.eventStream.Flush()
}

// AppendFrame stages a final frame. Frames are pushed into the compressed
// stream at most once per flush interval.
func (w *Writer) AppendFrame(frame int, cmds []sim.Command, digest uint64) error {
	if w == nil {
		return ErrWriterClosed
	}
	payload, err := msgpack.Marshal(cmds)
	if err != nil {
		return fmt.Errorf("encode frame %d: %w", frame, err)
	}
	now := w.now().UTC()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	if w.epoch < 0 {
		return fmt.Errorf("frame %d recorded before any level", frame)
	}
	w.pending = append(w.pending, frameBlob{epoch: uint32(w.epoch), frame: uint32(frame), digest: digest, payload: payload})
	w.frames++
	if w.lastFlush.IsZero() {
		w.lastFlush = now
		return nil
	}
	if now.Sub(w.lastFlush) >= frameFlushInterval {
		if err := w.flushLocked(); err != nil {
			return err
		}
		w.lastFlush = now
	}
	return nil
}

// Fold records a frame the moment it becomes final. Its signature matches
// the lockstep fold observer; failures are logged rather than returned.
func (w *Writer) Fold(frame int, cmds []sim.Command, after *sim.State) {
	if w == nil {
		return
	}
	if err := w.AppendFrame(frame, cmds, after.Digest()); err != nil && !errors.Is(err, ErrWriterClosed) {
		w.logger.Warn("replay frame dropped", logging.Int("frame", frame), logging.Error(err))
	}
}

// Flush forces pending frames into the compressed stream.
func (w *Writer) Flush() error {
	if w == nil {
		return ErrWriterClosed
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.frameStream.Flush(); err != nil {
		return err
	}
	w.lastFlush = w.now().UTC()
	return nil
}

// Frames reports how many frames have been recorded.
func (w *Writer) Frames() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames
}

// Close flushes every buffer, releases the files and writes the header.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	//1.- Attempt every flush and close, surfacing all failures.
	errs := []error{
		w.flushLocked(),
		w.eventStream.Close(),
		w.eventFile.Close(),
		w.frameStream.Close(),
		w.frameFile.Close(),
	}
	//2.- The checksum is final only once the encoder has written its trailer.
	header := Header{
		SchemaVersion:  HeaderSchemaVersion,
		MatchID:        w.meta.MatchID,
		Seed:           w.meta.Seed,
		MoveInterval:   w.meta.MoveInterval,
		Depth:          w.meta.Depth,
		PlayAt:         w.meta.PlayAt,
		Levels:         w.epoch + 1,
		Frames:         w.frames,
		FramesChecksum: hex.EncodeToString(w.frameHash.Sum(nil)),
		FilePointer:    manifestName,
	}
	errs = append(errs, WriteHeader(filepath.Join(w.dir, headerName), header))
	return errors.Join(errs...)
}

// flushLocked writes staged frames as length-prefixed records; callers must hold the mutex.
func (w *Writer) flushLocked() error {
	if len(w.pending) == 0 {
		return nil
	}
	var header [frameRecordHeader]byte
	for _, blob := range w.pending {
		binary.LittleEndian.PutUint32(header[0:4], blob.epoch)
		binary.LittleEndian.PutUint32(header[4:8], blob.frame)
		binary.LittleEndian.PutUint64(header[8:16], blob.digest)
		binary.LittleEndian.PutUint32(header[16:20], uint32(len(blob.payload)))
		if _, err := w.frameStream.Write(header[:]); err != nil {
			return err
		}
		if _, err := w.frameStream.Write(blob.payload); err != nil {
			return err
		}
	}
	w.pending = w.pending[:0]
	return nil
}
