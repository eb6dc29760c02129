package storage

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"pipeline-board/domain"
)

// Each frame is a 16 byte header (payload length, CRC32-C of the payload,
// record offset; little endian) followed by the JSON record.
const frameHeaderSize = 16

var (
	errLogClosed = errors.New("event log closed")
	castagnoli   = crc32.MakeTable(crc32.Castagnoli)
)

type logConfig struct {
	dir          string
	segmentBytes int64
	syncEvery    int
	logger       *log.Logger
}

type logRecord struct {
	Offset   uint64       `json:"offset"`
	Event    domain.Event `json:"event"`
	Appended time.Time    `json:"appended"`

	frameSize int64
}

type segment struct {
	path       string
	file       *os.File
	writer     *bufio.Writer
	size       int64
	lastOffset uint64
}

// eventLog is a segmented append-only file log with a checkpoint marking
// the highest offset delivered to the backend.
type eventLog struct {
	cfg        logConfig
	mu         sync.Mutex
	segments   []*segment
	nextOffset uint64
	committed  uint64
	unsynced   int
	closed     bool
}

func openEventLog(cfg logConfig) (*eventLog, []*logRecord, error) {
	if cfg.dir == "" {
		return nil, nil, fmt.Errorf("event log dir required")
	}
	if cfg.segmentBytes <= 0 {
		cfg.segmentBytes = 64 << 20
	}
	if err := os.MkdirAll(cfg.dir, 0o755); err != nil {
		return nil, nil, err
	}
	l := &eventLog{cfg: cfg}
	checkpoint, err := l.readCheckpoint()
	if err != nil {
		return nil, nil, err
	}
	l.committed = checkpoint
	l.nextOffset = checkpoint + 1

	paths, err := filepath.Glob(filepath.Join(cfg.dir, "segment-*.log"))
	if err != nil {
		return nil, nil, err
	}
	sort.Strings(paths)

	var pending []*logRecord
	for _, path := range paths {
		seg, records, err := recoverSegment(path)
		if err != nil {
			return nil, nil, fmt.Errorf("recover %s: %w", filepath.Base(path), err)
		}
		l.segments = append(l.segments, seg)
		for _, rec := range records {
			if rec.Offset >= l.nextOffset {
				l.nextOffset = rec.Offset + 1
			}
			if rec.Offset > l.committed {
				pending = append(pending, rec)
			}
		}
	}
	if len(l.segments) == 0 {
		if err := l.rollLocked(); err != nil {
			return nil, nil, err
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Offset < pending[j].Offset })
	return l, pending, nil
}

// recoverSegment reads every intact frame and truncates a torn tail.
func recoverSegment(path string) (*segment, []*logRecord, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, nil, err
	}
	seg := &segment{path: path, file: f}
	reader := bufio.NewReaderSize(f, 64*1024)
	var records []*logRecord
	var pos int64
	header := make([]byte, frameHeaderSize)
	for {
		n, err := io.ReadFull(reader, header)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			f.Close()
			return nil, nil, err
		}
		if n < frameHeaderSize {
			break
		}
		length := binary.LittleEndian.Uint32(header[0:4])
		sum := binary.LittleEndian.Uint32(header[4:8])
		offset := binary.LittleEndian.Uint64(header[8:16])

		payload := make([]byte, length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			break
		}
		if crc32.Checksum(payload, castagnoli) != sum {
			break
		}
		rec := &logRecord{}
		if err := sonic.Unmarshal(payload, rec); err != nil {
			break
		}
		if rec.Offset != offset {
			f.Close()
			return nil, nil, fmt.Errorf("offset mismatch: header=%d payload=%d", offset, rec.Offset)
		}
		rec.frameSize = frameHeaderSize + int64(length)
		pos += rec.frameSize
		seg.lastOffset = rec.Offset
		records = append(records, rec)
	}

	if err := f.Truncate(pos); err != nil {
		f.Close()
		return nil, nil, err
	}
	if _, err := f.Seek(pos, io.SeekStart); err != nil {
		f.Close()
		return nil, nil, err
	}
	seg.size = pos
	seg.writer = bufio.NewWriterSize(f, 64*1024)
	return seg, records, nil
}

func (l *eventLog) readCheckpoint() (uint64, error) {
	data, err := os.ReadFile(filepath.Join(l.cfg.dir, "checkpoint"))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid checkpoint: %w", err)
	}
	return v, nil
}

func (l *eventLog) rollLocked() error {
	if n := len(l.segments); n > 0 {
		cur := l.segments[n-1]
		if err := cur.writer.Flush(); err != nil {
			return err
		}
		if err := cur.file.Sync(); err != nil {
			return err
		}
	}
	path := filepath.Join(l.cfg.dir, fmt.Sprintf("segment-%020d.log", l.nextOffset))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	l.segments = append(l.segments, &segment{
		path:       path,
		file:       f,
		writer:     bufio.NewWriterSize(f, 64*1024),
		lastOffset: l.nextOffset - 1,
	})
	return nil
}

// append writes rec, assigns its offset and syncs according to syncEvery.
// A failed sync removes the frame again so the caller can report the error.
func (l *eventLog) append(rec *logRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errLogClosed
	}
	if cur := l.segments[len(l.segments)-1]; cur.size >= l.cfg.segmentBytes {
		if err := l.rollLocked(); err != nil {
			return err
		}
	}
	cur := l.segments[len(l.segments)-1]

	rec.Offset = l.nextOffset
	payload, err := sonic.Marshal(rec)
	if err != nil {
		return err
	}
	frame := make([]byte, frameHeaderSize, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.Checksum(payload, castagnoli))
	binary.LittleEndian.PutUint64(frame[8:16], rec.Offset)
	frame = append(frame, payload...)

	if _, err := cur.writer.Write(frame); err != nil {
		return err
	}
	if err := cur.writer.Flush(); err != nil {
		return err
	}
	rec.frameSize = int64(len(frame))
	cur.size += rec.frameSize
	cur.lastOffset = rec.Offset
	l.nextOffset++
	l.unsynced++

	if l.unsynced >= l.cfg.syncEvery {
		if err := l.syncLocked(); err != nil {
			if rbErr := l.truncateLastLocked(rec); rbErr != nil && l.cfg.logger != nil {
				l.cfg.logger.WithError(rbErr).Error("event log rollback failed")
			}
			return err
		}
	}
	return nil
}

func (l *eventLog) truncateLastLocked(rec *logRecord) error {
	cur := l.segments[len(l.segments)-1]
	if cur.lastOffset != rec.Offset {
		return fmt.Errorf("rollback mismatch: offset=%d last=%d", rec.Offset, cur.lastOffset)
	}
	cur.size -= rec.frameSize
	if err := cur.file.Truncate(cur.size); err != nil {
		return err
	}
	if _, err := cur.file.Seek(cur.size, io.SeekStart); err != nil {
		return err
	}
	cur.writer.Reset(cur.file)
	cur.lastOffset--
	l.nextOffset = rec.Offset
	l.unsynced = 0
	return nil
}

func (l *eventLog) sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errLogClosed
	}
	return l.syncLocked()
}

func (l *eventLog) syncLocked() error {
	cur := l.segments[len(l.segments)-1]
	if err := cur.writer.Flush(); err != nil {
		return err
	}
	if err := cur.file.Sync(); err != nil {
		return err
	}
	l.unsynced = 0
	return nil
}

// commit records that every offset up to and including offset was delivered
// and drops segments that hold only delivered records.
func (l *eventLog) commit(offset uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errLogClosed
	}
	if offset <= l.committed {
		return nil
	}
	path := filepath.Join(l.cfg.dir, "checkpoint")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatUint(offset, 10)), 0o644); err != nil {
		return err
	}
	if err := syncPath(tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	if err := syncPath(l.cfg.dir); err != nil {
		return err
	}
	l.committed = offset

	for len(l.segments) > 1 && l.segments[0].lastOffset <= l.committed {
		seg := l.segments[0]
		seg.file.Close()
		if err := os.Remove(seg.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			if l.cfg.logger != nil {
				l.cfg.logger.WithError(err).Warnf("failed to remove event log segment %s", seg.path)
			}
			break
		}
		l.segments = l.segments[1:]
	}
	return nil
}

func (l *eventLog) committedOffset() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.committed
}

func (l *eventLog) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	var firstErr error
	for _, seg := range l.segments {
		if err := seg.writer.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := seg.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func syncPath(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
