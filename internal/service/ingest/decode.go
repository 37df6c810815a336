package ingest

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/valyala/fastjson"

	"github.com/splax/logpilot/internal/domain"
)

const maxLineBytes = 4 << 20

// Decoder turns JSON log payloads into events. A payload is a single object or an array
// of objects using the ingestion field names (service, orgId, level, timestamp, message,
// latencyMs, responseCode, metadata). It is safe for concurrent use.
type Decoder struct {
	parsers fastjson.ParserPool
}

// Decode parses one payload. A malformed payload or a field of the wrong type fails the whole
// payload; semantic checks are left to Ingest so they can be reported per item.
func (d *Decoder) Decode(data []byte) ([]domain.LogEvent, error) {
	p := d.parsers.Get()
	defer d.parsers.Put(p)

	v, err := p.ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", domain.ErrInvalidParameter, err)
	}
	values := []*fastjson.Value{v}
	if v.Type() == fastjson.TypeArray {
		values, _ = v.Array()
	}
	events := make([]domain.LogEvent, 0, len(values))
	for i, val := range values {
		event, err := decodeEvent(val)
		if err != nil {
			return nil, fmt.Errorf("%w: item %d: %v", domain.ErrInvalidParameter, i, err)
		}
		events = append(events, event)
	}
	return events, nil
}

func decodeEvent(v *fastjson.Value) (domain.LogEvent, error) {
	if v.Type() != fastjson.TypeObject {
		return domain.LogEvent{}, errors.New("log must be an object")
	}
	var event domain.LogEvent
	var err error
	if event.Service, err = optionalString(v, "service"); err != nil {
		return event, err
	}
	if event.Org, err = optionalString(v, "orgId"); err != nil {
		return event, err
	}
	if event.Org == "" {
		if event.Org, err = optionalString(v, "org_id"); err != nil {
			return event, err
		}
	}
	level, err := optionalString(v, "level")
	if err != nil {
		return event, err
	}
	event.Level = domain.Level(level)
	if event.Message, err = optionalString(v, "message"); err != nil {
		return event, err
	}
	if event.Message == "" {
		if event.Message, err = optionalString(v, "msg"); err != nil {
			return event, err
		}
	}
	if event.Timestamp, err = timestamp(v.Get("timestamp")); err != nil {
		return event, err
	}
	if latency := v.Get("latencyMs"); present(latency) {
		ms, err := latency.Int64()
		if err != nil {
			return event, errors.New("latencyMs must be an integer")
		}
		event.LatencyMS = &ms
	}
	if code := v.Get("responseCode"); present(code) {
		c, err := code.Int()
		if err != nil {
			return event, errors.New("responseCode must be an integer")
		}
		event.ResponseCode = &c
	}
	if meta := v.Get("metadata"); present(meta) {
		if meta.Type() != fastjson.TypeObject {
			return event, errors.New("metadata must be an object")
		}
		event.Metadata = meta.MarshalTo(nil)
	}
	return event, nil
}

func present(v *fastjson.Value) bool {
	return v != nil && v.Type() != fastjson.TypeNull
}

func optionalString(v *fastjson.Value, key string) (string, error) {
	field := v.Get(key)
	if !present(field) {
		return "", nil
	}
	b, err := field.StringBytes()
	if err != nil {
		return "", fmt.Errorf("%s must be a string", key)
	}
	return string(b), nil
}

// timestamp accepts RFC 3339 strings or unix milliseconds. A missing value yields the zero
// time, which Ingest rejects.
func timestamp(v *fastjson.Value) (time.Time, error) {
	if !present(v) {
		return time.Time{}, nil
	}
	switch v.Type() {
	case fastjson.TypeNumber:
		ms, err := v.Int64()
		if err != nil {
			return time.Time{}, errors.New("timestamp must be integer milliseconds")
		}
		return time.UnixMilli(ms).UTC(), nil
	case fastjson.TypeString:
		b, _ := v.StringBytes()
		ts, err := time.Parse(time.RFC3339Nano, string(b))
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp: %v", err)
		}
		return ts.UTC(), nil
	}
	return time.Time{}, errors.New("timestamp must be a string or a number")
}

// DecodeStream reads newline-delimited payloads from r and hands events to fn in batches of
// at most batchSize. Blank lines are skipped.
func (d *Decoder) DecodeStream(r io.Reader, batchSize int, fn func([]domain.LogEvent) error) error {
	if batchSize <= 0 {
		return fmt.Errorf("%w: batch size must be positive", domain.ErrInvalidParameter)
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	pending := make([]domain.LogEvent, 0, batchSize)
	line := 0
	for scanner.Scan() {
		line++
		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 {
			continue
		}
		events, err := d.Decode(data)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		for len(events) > 0 {
			n := min(batchSize-len(pending), len(events))
			pending = append(pending, events[:n]...)
			events = events[n:]
			if len(pending) == batchSize {
				if err := fn(pending); err != nil {
					return err
				}
				pending = make([]domain.LogEvent, 0, batchSize)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	if len(pending) > 0 {
		return fn(pending)
	}
	return nil
}

// OpenSource opens path for DecodeStream. "-" is stdin; .gz and .zst files are
// decompressed transparently.
func OpenSource(path string) (io.ReadCloser, error) {
	if path == "-" || path == "" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	switch {
	case strings.HasSuffix(path, ".zst"):
		dec, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("open zstd stream: %w", err)
		}
		return &zstdSource{dec: dec, file: f}, nil
	case strings.HasSuffix(path, ".gz"):
		zr, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		return &gzipSource{Reader: zr, file: f}, nil
	}
	return f, nil
}

type zstdSource struct {
	dec  *zstd.Decoder
	file *os.File
}

func (s *zstdSource) Read(p []byte) (int, error) { return s.dec.Read(p) }

func (s *zstdSource) Close() error {
	s.dec.Close()
	return s.file.Close()
}

type gzipSource struct {
	*gzip.Reader
	file *os.File
}

func (s *gzipSource) Close() error {
	return errors.Join(s.Reader.Close(), s.file.Close())
}
