// Package sse implements an incremental Server-Sent-Events decoder for the
// streaming responses of chat-completion backends.
//
// The decoder consumes a byte stream in arbitrarily sized chunks and yields
// one value per wire event, either as the joined data payload (data-only
// mode, the mainstream usage against provider JSON payloads) or as the full
// Event struct (full-event mode, for backends that need event names, ids, or
// retry hints). A `data: [DONE]` line, the provider convention layered on
// top of SSE, terminates the stream cleanly and is never yielded.
package sse

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/fogfish/opts"
)

// DoneSentinel is the data payload providers send to signal successful
// end-of-stream.
const DoneSentinel = "[DONE]"

// DefaultMaxLineLength bounds a single buffered line. Exceeding it is a
// fatal parse error rather than a silent truncation, because truncating
// would corrupt JSON payloads downstream.
const DefaultMaxLineLength = 1 << 20

// ErrLineTooLong is returned when a single line exceeds the configured
// bound. The parser is unusable afterwards.
var ErrLineTooLong = errors.New("sse: line exceeds maximum length")

// Event is one decoded SSE event.
type Event struct {
	// Event is the event type, last `event:` line wins within an event.
	Event string
	// Data is the newline-joined content of all `data:` lines.
	Data string
	// ID is the last event id seen; ids containing NUL are ignored.
	ID string
	// Retry is the reconnection delay in milliseconds, 0 when absent.
	Retry int
}

// Parser incrementally decodes one SSE byte stream. It is not restartable
// and not safe for concurrent use.
type Parser struct {
	reader    *bufio.Reader
	maxLine   int
	onComment func(string)
	done      bool
	failure   error
	data      []string
	eventName string
	lastID    string
	retry     int
	sawData   bool
}

var (
	// WithMaxLineLength overrides the per-line buffer bound.
	WithMaxLineLength = opts.ForName[Parser, int]("maxLine")

	// WithCommentHandler surfaces `:` comment lines to the given function.
	// Comments are never forwarded as data regardless.
	WithCommentHandler = opts.ForName[Parser, func(string)]("onComment")
)

// New wraps the given byte source in a parser.
func New(r io.Reader, options ...opts.Option[Parser]) (*Parser, error) {
	p := &Parser{
		reader:  bufio.NewReader(r),
		maxLine: DefaultMaxLineLength,
	}
	if err := opts.Apply(p, options); err != nil {
		return nil, err
	}
	if p.maxLine <= 0 {
		return nil, fmt.Errorf("sse: invalid max line length %d", p.maxLine)
	}
	return p, nil
}

// Next yields the next data payload (data-only mode). It returns io.EOF on
// natural stream end or when the [DONE] sentinel is seen; any other error is
// fatal and sticky.
func (p *Parser) Next() (string, error) {
	evt, err := p.NextEvent()
	if err != nil {
		return "", err
	}
	return evt.Data, nil
}

// NextEvent yields the next full event (full-event mode). Termination
// semantics match Next.
func (p *Parser) NextEvent() (Event, error) {
	if p.failure != nil {
		return Event{}, p.failure
	}
	if p.done {
		return Event{}, io.EOF
	}

	for {
		line, err := p.readLine()
		if err != nil {
			// An event left unterminated by a blank line is discarded, per
			// the SSE processing model.
			p.reset()
			if errors.Is(err, io.EOF) {
				p.done = true
				return Event{}, io.EOF
			}
			p.failure = err
			return Event{}, err
		}

		if line == "" {
			if !p.sawData {
				p.reset()
				continue
			}
			evt := p.flush()
			if evt.Data == DoneSentinel {
				p.done = true
				return Event{}, io.EOF
			}
			return evt, nil
		}

		p.classify(line)
	}
}

func (p *Parser) classify(line string) {
	if strings.HasPrefix(line, ":") {
		if p.onComment != nil {
			p.onComment(strings.TrimPrefix(line[1:], " "))
		}
		return
	}

	field := line
	var value string
	if idx := strings.IndexByte(line, ':'); idx >= 0 {
		field = line[:idx]
		value = strings.TrimPrefix(line[idx+1:], " ")
	}

	switch field {
	case "data":
		p.data = append(p.data, value)
		p.sawData = true
	case "event":
		p.eventName = value
	case "id":
		if !strings.ContainsRune(value, 0) {
			p.lastID = value
		}
	case "retry":
		if ms, err := strconv.Atoi(value); err == nil {
			p.retry = ms
		}
	default:
		// Unknown fields are ignored without error.
	}
}

func (p *Parser) flush() Event {
	evt := Event{
		Event: p.eventName,
		Data:  strings.Join(p.data, "\n"),
		ID:    p.lastID,
		Retry: p.retry,
	}
	p.reset()
	return evt
}

func (p *Parser) reset() {
	p.data = p.data[:0]
	p.eventName = ""
	p.sawData = false
}

// readLine accumulates bytes until `\n`, stripping an optional trailing
// `\r`, while enforcing the line bound.
func (p *Parser) readLine() (string, error) {
	var buf []byte
	for {
		chunk, err := p.reader.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > p.maxLine {
			return "", fmt.Errorf("%w: %d bytes buffered", ErrLineTooLong, len(buf))
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(buf) > 0 {
			// Trailing bytes with no terminator belong to an unterminated
			// event; report EOF so the caller discards them.
			return "", io.EOF
		}
		return "", err
	}

	buf = buf[:len(buf)-1]
	if n := len(buf); n > 0 && buf[n-1] == '\r' {
		buf = buf[:n-1]
	}
	return string(buf), nil
}
