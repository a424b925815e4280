package protocol

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Status returns the token that decides how the response is handled:
// StatusNone when data lines are present, otherwise the first terminal
// token. Progress lines such as SEARCHING... are skipped. An empty response
// reads as StatusNoData.
func (r Response) Status() Status {
	first := StatusNoData
	seen := false
	for _, l := range r.Lines {
		switch {
		case l.Status == StatusNone:
			return StatusNone
		case l.Status.Transient():
			continue
		case !seen:
			first = l.Status
			seen = true
		}
	}
	return first
}

// DataLines returns the text of every data line in order.
func (r Response) DataLines() []string {
	var out []string
	for _, l := range r.Lines {
		if l.Status == StatusNone {
			out = append(out, l.Text)
		}
	}
	return out
}

// Text returns the non-progress lines joined by newlines, as the adapter
// printed them.
func (r Response) Text() string {
	var parts []string
	for _, l := range r.Lines {
		if !l.Status.Transient() {
			parts = append(parts, l.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Compact returns all lines concatenated with whitespace removed, the form
// used for debug output.
func (r Response) Compact() string {
	var b strings.Builder
	for _, l := range r.Lines {
		b.WriteString(strings.ReplaceAll(l.Text, " ", ""))
	}
	return b.String()
}

// Frames returns the payload of each reply to cmd found in the response.
// A frame starts at a line carrying the command's response prefix and
// continues over the following lines that do not; several ECUs answering
// produce several frames. ISO-TP segment labels and the CAN byte-count
// line are removed, and a frame announced by a byte count is cut to that
// length so the zero padding of the last segment is dropped.
func (r Response) Frames(cmd Command) ([][]byte, error) {
	frames, err := r.frames(cmd)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(frames))
	for i, f := range frames {
		out[i] = f.data
	}
	return out, nil
}

// frame is one ECU reply. counted is set when the reply came as an ISO-TP
// multi-frame message behind a byte-count line, which only CAN produces.
type frame struct {
	data    []byte
	counted bool
	want    int
}

func (r Response) frames(cmd Command) ([]frame, error) {
	if r.Truncated {
		return nil, ErrTruncated
	}
	if err := r.Status().Err(); err != nil {
		return nil, err
	}
	lines := r.DataLines()
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: no data lines", ErrMalformed)
	}
	prefix := cmd.ResponsePrefix()

	var frames []frame
	count := -1
	for _, line := range lines {
		raw := strings.ToUpper(strings.ReplaceAll(line, " ", ""))
		if len(lines) > 1 && len(raw) <= 3 && isHex(raw) {
			// byte count of a multi-frame CAN reply, prefix included
			n, err := strconv.ParseUint(raw, 16, 16)
			if err != nil {
				return nil, fmt.Errorf("%w: %q", ErrMalformed, line)
			}
			count = int(n)
			continue
		}
		t := stripSegment(raw)
		started := false
		if prefix != "" && strings.HasPrefix(t, prefix) {
			t = t[len(prefix):]
			started = true
		}
		if !isHex(t) || len(t)%2 != 0 {
			return nil, fmt.Errorf("%w: %q", ErrMalformed, line)
		}
		data, err := hex.DecodeString(t)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		switch {
		case started || prefix == "" && len(frames) == 0:
			f := frame{data: data, want: -1}
			if count >= 0 {
				f.counted = true
				f.want = count - len(prefix)/2
				count = -1
			}
			frames = append(frames, f)
		case len(frames) > 0:
			last := &frames[len(frames)-1]
			last.data = append(last.data, data...)
		}
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: want prefix %s", ErrUnexpectedReply, prefix)
	}
	for i := range frames {
		f := &frames[i]
		if f.want >= 0 && len(f.data) > f.want {
			f.data = f.data[:f.want]
		}
	}
	return frames, nil
}

// Payload returns the data bytes of every reply to cmd concatenated in
// order.
func (r Response) Payload(cmd Command) ([]byte, error) {
	frames, err := r.Frames(cmd)
	if err != nil {
		return nil, err
	}
	var out []byte
	for _, f := range frames {
		out = append(out, f...)
	}
	return out, nil
}

// HexPayload returns the payload as upper-case hex text including the
// response prefix, e.g. "620101EFFBE7".
func (r Response) HexPayload(cmd Command) (string, error) {
	payload, err := r.Payload(cmd)
	if err != nil {
		return "", err
	}
	return cmd.ResponsePrefix() + strings.ToUpper(hex.EncodeToString(payload)), nil
}

// stripSegment removes an ISO-TP segment label such as "0:" or "1:".
func stripSegment(t string) string {
	if len(t) >= 2 && t[1] == ':' && isHex(t[:1]) {
		return t[2:]
	}
	return t
}

// ParseVoltage parses the ATRV reply, e.g. "12.3V", into volts. Readings
// outside 0–20 V are rejected.
func ParseVoltage(text string) (float64, error) {
	t := strings.TrimSpace(strings.ToUpper(text))
	t = strings.TrimSpace(strings.TrimSuffix(t, "V"))
	end := 0
	for end < len(t) && (t[end] >= '0' && t[end] <= '9' || t[end] == '.') {
		end++
	}
	if end == 0 {
		return 0, fmt.Errorf("%w: %q", ErrMalformed, text)
	}
	v, err := strconv.ParseFloat(t[:end], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformed, text)
	}
	if v <= 0 || v >= 20 {
		return 0, fmt.Errorf("%w: %.2f V", ErrOutOfRange, v)
	}
	return v, nil
}

// Voltage returns the battery voltage carried by an ATRV response.
func (r Response) Voltage() (float64, error) {
	if r.Truncated {
		return 0, ErrTruncated
	}
	if err := r.Status().Err(); err != nil {
		return 0, err
	}
	lines := r.DataLines()
	if len(lines) == 0 {
		return 0, fmt.Errorf("%w: no data lines", ErrMalformed)
	}
	return ParseVoltage(lines[len(lines)-1])
}
