package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Sentinel terminates a request on the stream. The JSON encoder escapes
// control characters, so NUL bytes never appear inside an encoded payload.
var Sentinel = []byte("\x00FARMHAND/EOM\x00")

// MaxRequestSize bounds how much a coordinator buffers while waiting for the sentinel.
const MaxRequestSize = 64 << 20

const readChunk = 32 * 1024

// ProtocolError reports malformed or truncated wire data. It aborts a single
// connection and never carries a partial result.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// MarshalRequest returns the payload bytes for req, without framing.
func MarshalRequest(req *Request) ([]byte, error) {
	if req.Version != Version {
		return nil, fmt.Errorf("unsupported protocol version: %d", req.Version)
	}
	if len(req.Argv) == 0 {
		return nil, fmt.Errorf("request argv is empty")
	}
	w, err := toWireRequest(req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// UnmarshalRequest decodes and validates a request payload (sentinel already stripped).
func UnmarshalRequest(data []byte) (*Request, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields() // Strict parsing

	var w wireRequest
	if err := dec.Decode(&w); err != nil {
		return nil, &ProtocolError{Op: "decode request", Err: err}
	}
	if dec.More() {
		return nil, &ProtocolError{Op: "decode request", Err: errors.New("trailing data after payload")}
	}
	if w.Version != Version {
		return nil, &ProtocolError{Op: "decode request", Err: fmt.Errorf("unsupported protocol version: %d", w.Version)}
	}
	if len(w.Argv) == 0 {
		return nil, &ProtocolError{Op: "decode request", Err: errors.New("argv is empty")}
	}
	return w.request(), nil
}

// EncodeRequest writes the framed request (payload followed by Sentinel) to w.
func EncodeRequest(w io.Writer, req *Request) error {
	payload, err := MarshalRequest(req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	frame := make([]byte, 0, len(payload)+len(Sentinel))
	frame = append(frame, payload...)
	frame = append(frame, Sentinel...)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write request: %w", err)
	}
	return nil
}

// ReadRequest accumulates bytes from r until the buffer ends with Sentinel,
// then strips it and decodes the payload.
func ReadRequest(r io.Reader) (*Request, error) {
	var buf []byte
	chunk := make([]byte, readChunk)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if bytes.HasSuffix(buf, Sentinel) {
				return UnmarshalRequest(buf[:len(buf)-len(Sentinel)])
			}
			if len(buf) > MaxRequestSize {
				return nil, &ProtocolError{Op: "read request", Err: fmt.Errorf("request exceeds %d bytes without terminator", MaxRequestSize)}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, &ProtocolError{Op: "read request", Err: io.ErrUnexpectedEOF}
			}
			return nil, fmt.Errorf("read request: %w", err)
		}
	}
}

// MarshalResult returns the payload bytes for res.
func MarshalResult(res *Result) ([]byte, error) {
	return json.Marshal(toWireResult(res))
}

// UnmarshalResult decodes a complete response payload.
func UnmarshalResult(data []byte) (*Result, error) {
	if len(data) == 0 {
		return nil, &ProtocolError{Op: "decode result", Err: io.ErrUnexpectedEOF}
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var w wireResult
	if err := dec.Decode(&w); err != nil {
		return nil, &ProtocolError{Op: "decode result", Err: err}
	}
	if dec.More() {
		return nil, &ProtocolError{Op: "decode result", Err: errors.New("trailing data after payload")}
	}
	return w.result(), nil
}

// EncodeResult writes the unframed result payload to w. The sender closes
// (or half-closes) the stream afterwards to mark the end of the response.
func EncodeResult(w io.Writer, res *Result) error {
	payload, err := MarshalResult(res)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	return nil
}

// DecodeResult reads r to end-of-stream and decodes the result.
func DecodeResult(r io.Reader) (*Result, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read result: %w", err)
	}
	return UnmarshalResult(data)
}
