package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec turns a byte stream into a stream of messages and back.
type Codec interface {
	// NewEncoder returns a message writer bound to w.
	NewEncoder(w io.Writer) Encoder

	// NewDecoder returns a message reader bound to r.
	NewDecoder(r io.Reader) Decoder

	// Name returns the codec identifier ("json", "msgpack").
	Name() string
}

// Encoder writes one message per call.
type Encoder interface {
	Encode(msg *Message) error
}

// Decoder reads one message per call and returns io.EOF at end of stream.
// A frame that was read in full but does not fit a Message yields a
// *MalformedError; the stream stays in sync after one.
type Decoder interface {
	Decode(msg *Message) error
}

// MalformedError reports a well-framed message whose fields have the wrong
// types.
type MalformedError struct {
	Err error
}

func (e *MalformedError) Error() string { return "malformed message: " + e.Err.Error() }
func (e *MalformedError) Unwrap() error { return e.Err }

// Codec names accepted by GetCodec.
const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// GetCodec returns a codec by name. Defaults to JSON.
func GetCodec(name string) Codec {
	switch name {
	case CodecNameMsgpack:
		return MsgpackCodec{}
	default:
		return JSONCodec{}
	}
}

// ValidCodec reports whether name is a known codec (empty means default).
func ValidCodec(name string) bool {
	switch name {
	case "", CodecNameJSON, CodecNameMsgpack:
		return true
	}
	return false
}

// JSONCodec writes newline-delimited JSON.
type JSONCodec struct{}

func (JSONCodec) Name() string { return CodecNameJSON }

func (JSONCodec) NewEncoder(w io.Writer) Encoder {
	return &jsonEncoder{enc: json.NewEncoder(w)}
}

func (JSONCodec) NewDecoder(r io.Reader) Decoder {
	return &jsonDecoder{dec: json.NewDecoder(r)}
}

type jsonEncoder struct {
	enc *json.Encoder
}

func (e *jsonEncoder) Encode(msg *Message) error {
	return e.enc.Encode(msg)
}

type jsonDecoder struct {
	dec *json.Decoder
}

// Decode reads a whole JSON value before unmarshalling it, so a type error
// leaves the decoder at the next value.
func (d *jsonDecoder) Decode(msg *Message) error {
	*msg = Message{}
	err := d.dec.Decode(msg)
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return &MalformedError{Err: err}
	}
	return err
}

// MsgpackCodec writes a stream of MessagePack maps.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return CodecNameMsgpack }

func (MsgpackCodec) NewEncoder(w io.Writer) Encoder {
	bw := bufio.NewWriter(w)
	return &msgpackEncoder{buf: bw, enc: msgpack.NewEncoder(bw)}
}

func (MsgpackCodec) NewDecoder(r io.Reader) Decoder {
	return &msgpackDecoder{dec: msgpack.NewDecoder(bufio.NewReader(r))}
}

type msgpackEncoder struct {
	buf *bufio.Writer
	enc *msgpack.Encoder
}

// Encode flushes after every message so the peer sees it immediately.
func (e *msgpackEncoder) Encode(msg *Message) error {
	if err := e.enc.Encode(msg); err != nil {
		return err
	}
	return e.buf.Flush()
}

type msgpackDecoder struct {
	dec *msgpack.Decoder
}

// Decode reads the raw frame first so that a value of the wrong type never
// leaves the stream mid-map.
func (d *msgpackDecoder) Decode(msg *Message) error {
	*msg = Message{}
	raw, err := d.dec.DecodeRaw()
	if err != nil {
		return err
	}
	if err := msgpack.Unmarshal(raw, msg); err != nil {
		*msg = Message{}
		return &MalformedError{Err: err}
	}
	return nil
}
