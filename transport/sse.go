package transport

import (
	"io"
	"iter"

	gosse "github.com/tmaxmax/go-sse"
)

const maxEventSize = 4 << 20

// eventReader yields the data payloads of a text/event-stream body.
// Comments and the event, id, and retry fields are consumed by the parser.
type eventReader struct {
	next func() (gosse.Event, error, bool)
	stop func()
}

func newEventReader(r io.Reader) *eventReader {
	next, stop := iter.Pull2(gosse.Read(r, &gosse.ReadConfig{MaxEventSize: maxEventSize}))
	return &eventReader{next: next, stop: stop}
}

// Next returns the next event payload, io.EOF when the stream ends cleanly,
// or the underlying read error.
func (r *eventReader) Next() ([]byte, error) {
	event, err, ok := r.next()
	switch {
	case !ok:
		return nil, io.EOF
	case err != nil:
		return nil, err
	}
	return []byte(event.Data), nil
}

// Close releases the parser.
func (r *eventReader) Close() {
	r.stop()
}
