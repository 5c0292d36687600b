// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"bytes"
	"context"
	"io"
	"iter"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// =============================================================================
// FRAME REASSEMBLER
// =============================================================================

// Reassembler turns arbitrarily fragmented bytes into complete records.
// A record ends at the first '\n' or '\r', whichever comes first, so "\r\n"
// terminated streams produce one record per line and never an empty one.
//
// The buffer is kept as raw bytes and only decoded once a record has been
// cut out, so a multi-byte character split across two fragments decodes
// the same as if it had arrived whole.
type Reassembler struct {
	buf []byte
}

// NewReassembler creates an empty reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{}
}

// Feed appends a fragment to the buffer.
func (r *Reassembler) Feed(fragment []byte) {
	if len(fragment) == 0 {
		return
	}
	r.buf = append(r.buf, fragment...)
}

// Drain extracts every complete record currently buffered, trimmed and in
// arrival order. Empty records are dropped. The undelimited tail stays
// buffered for the next Feed.
func (r *Reassembler) Drain() []string {
	var records []string
	consumed := 0

	for {
		i := bytes.IndexAny(r.buf[consumed:], "\n\r")
		if i < 0 {
			break
		}
		if record := decodeRecord(r.buf[consumed : consumed+i]); record != "" {
			records = append(records, record)
		}
		consumed += i + 1
	}

	if consumed > 0 {
		n := copy(r.buf, r.buf[consumed:])
		r.buf = r.buf[:n]
	}
	return records
}

// Remainder returns and clears whatever is left in the buffer. It is meant
// to be called once, when the stream has ended without a final delimiter.
// The boolean is false if nothing but whitespace was left.
func (r *Reassembler) Remainder() (string, bool) {
	record := decodeRecord(r.buf)
	r.buf = r.buf[:0]
	return record, record != ""
}

// Buffered returns the number of undelimited bytes held.
func (r *Reassembler) Buffered() int {
	return len(r.buf)
}

// decodeRecord decodes UTF-8 permissively, replacing invalid sequences with
// U+FFFD, and trims surrounding whitespace.
func decodeRecord(raw []byte) string {
	if utf8.Valid(raw) {
		return strings.TrimSpace(string(raw))
	}
	decoded, _, err := transform.Bytes(unicode.UTF8.NewDecoder(), raw)
	if err != nil {
		return strings.TrimSpace(strings.ToValidUTF8(string(raw), "\uFFFD"))
	}
	return strings.TrimSpace(string(decoded))
}

// =============================================================================
// FRAGMENT SOURCE
// =============================================================================

// fragments exposes a reader as a lazy sequence of byte fragments, one per
// Read call. The sequence ends quietly at io.EOF; any other error is yielded
// once as the last element. The yielded slice is reused between iterations.
func fragments(r io.Reader, size int) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		buf := make([]byte, size)
		for {
			n, err := r.Read(buf)
			if n > 0 && !yield(buf[:n], nil) {
				return
			}
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
		}
	}
}

// Records is the record-level view of r: every complete record in arrival
// order, then the undelimited remainder if any. ctx is checked before each
// fragment and before the remainder; once it has ended its error is
// yielded in their place and the sequence stops. A read error other than
// io.EOF is yielded once and is followed only by the remainder.
func Records(ctx context.Context, r io.Reader) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		reassembler := NewReassembler()
		for fragment, err := range fragments(r, fragmentSize) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				yield("", ctxErr)
				return
			}
			if err != nil {
				if !yield("", err) {
					return
				}
				break
			}
			reassembler.Feed(fragment)
			for _, record := range reassembler.Drain() {
				if !yield(record, nil) {
					return
				}
			}
		}

		record, ok := reassembler.Remainder()
		if !ok {
			return
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			yield("", ctxErr)
			return
		}
		yield(record, nil)
	}
}
