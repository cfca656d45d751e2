package relay

import (
	"bytes"
	"strings"
)

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"
)

// Decoder incrementally splits a raw SSE byte stream into data
// payloads. Chunks may cut lines, the "data: " prefix, or even a
// multi-byte character anywhere; the carry buffer is byte-level, and
// since UTF-8 continuation bytes never equal '\n' a split rune always
// stays intact until its line completes.
type Decoder struct {
	carry []byte
	done  bool
}

// Feed consumes one raw chunk and returns the payloads of every data
// line it completes, in order. Blank lines and lines without the data
// prefix are ignored. Once the terminal sentinel has been seen no
// further payloads are emitted.
func (d *Decoder) Feed(chunk []byte) []string {
	d.carry = append(d.carry, chunk...)

	var payloads []string
	for {
		i := bytes.IndexByte(d.carry, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(d.carry[:i], "\r"))
		d.carry = d.carry[i+1:]

		if d.done || !strings.HasPrefix(line, dataPrefix) {
			continue
		}

		payload := line[len(dataPrefix):]
		if payload == doneSentinel {
			d.done = true
			continue
		}
		payloads = append(payloads, payload)
	}
	return payloads
}

// Done reports whether the terminal sentinel has been decoded.
func (d *Decoder) Done() bool {
	return d.done
}
