package protocol

import "strings"

// MaxBufferBytes bounds the bytes a Framer holds for one response.
const MaxBufferBytes = 512

// Prompt is the byte the adapter prints when it is ready for a command.
const Prompt = '>'

// Line is one non-empty, trimmed line of a response.
type Line struct {
	Text   string
	Status Status
}

// Response is everything the adapter printed between a command and the
// prompt that followed it.
type Response struct {
	Lines []Line
	// Truncated is set when the response overflowed the framer buffer and
	// its oldest data was discarded.
	Truncated bool
}

// Framer accumulates notification bytes into responses. It is not safe for
// concurrent use; the engine owns the only instance.
type Framer struct {
	max       int
	buf       []byte
	lines     []Line
	size      int
	echo      string
	truncated bool
}

// NewFramer returns a Framer holding at most max bytes per response. A
// non-positive max selects MaxBufferBytes.
func NewFramer(max int) *Framer {
	if max <= 0 {
		max = MaxBufferBytes
	}
	return &Framer{max: max, buf: make([]byte, 0, 64)}
}

// Expect clears any partial response and arms echo stripping for the
// command about to be written.
func (f *Framer) Expect(wire string) {
	f.Reset()
	f.echo = compact(wire)
}

// Reset drops all buffered data.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
	f.lines = nil
	f.size = 0
	f.echo = ""
	f.truncated = false
}

// Pending returns the number of bytes held for the current response.
func (f *Framer) Pending() int {
	return f.size
}

// Feed consumes notification bytes and returns every response completed by
// a prompt in data, usually zero or one.
func (f *Framer) Feed(data []byte) []Response {
	var out []Response
	for _, b := range data {
		switch b {
		case Prompt:
			f.endLine()
			out = append(out, Response{Lines: f.lines, Truncated: f.truncated})
			f.lines = nil
			f.size = 0
			f.echo = ""
			f.truncated = false
		case '\r', '\n':
			f.endLine()
		case 0:
			// some clones pad notifications with NUL
		default:
			if f.size >= f.max {
				f.dropOldest()
			}
			f.buf = append(f.buf, b)
			f.size++
		}
	}
	return out
}

func (f *Framer) dropOldest() {
	f.truncated = true
	if len(f.lines) > 0 {
		f.size -= len(f.lines[0].Text)
		f.lines = f.lines[1:]
		return
	}
	if len(f.buf) > 0 {
		f.buf = f.buf[1:]
		f.size--
	}
}

func (f *Framer) endLine() {
	raw := len(f.buf)
	text := strings.TrimSpace(string(f.buf))
	f.buf = f.buf[:0]
	f.size -= raw
	if text == "" {
		return
	}
	if f.echo != "" && compact(text) == f.echo {
		// echo is only ever the first line
		f.echo = ""
		return
	}
	f.lines = append(f.lines, Line{Text: text, Status: ClassifyStatus(text)})
	f.size += len(text)
}

func compact(s string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
}
