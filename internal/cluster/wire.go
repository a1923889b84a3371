package cluster

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"net"
)

// maxFrameSize bounds a single decoded message, guarding against a
// corrupt or hostile length prefix forcing an unbounded allocation.
const maxFrameSize = 16 << 20

// frameWriter sends length-prefixed, gob-encoded Messages over a TCP
// connection, mirroring the wire.Writer/Reader split used for the SMTP
// session protocol but framed for a single binary payload per message
// instead of line-oriented text.
type frameWriter struct {
	w *bufio.Writer
}

func newFrameWriter(w io.Writer) *frameWriter {
	return &frameWriter{w: bufio.NewWriter(w)}
}

func (fw *frameWriter) WriteMessage(m Message) error {
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(&m); err != nil {
		return fmt.Errorf("cluster: encoding frame: %w", err)
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(body.Len()))
	if _, err := fw.w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("cluster: writing frame length: %w", err)
	}
	if _, err := fw.w.Write(body.Bytes()); err != nil {
		return fmt.Errorf("cluster: writing frame body: %w", err)
	}
	return fw.w.Flush()
}

type frameReader struct {
	r io.Reader
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: bufio.NewReader(r)}
}

func (fr *frameReader) ReadMessage() (Message, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(fr.r, lenPrefix[:]); err != nil {
		return Message{}, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > maxFrameSize {
		return Message{}, fmt.Errorf("cluster: frame of %d bytes exceeds max %d", n, maxFrameSize)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(fr.r, buf); err != nil {
		return Message{}, fmt.Errorf("cluster: reading frame body: %w", err)
	}

	var m Message
	if err := gob.NewDecoder(bytes.NewReader(buf)).Decode(&m); err != nil {
		return Message{}, fmt.Errorf("cluster: decoding frame: %w", err)
	}
	return m, nil
}

// Dial opens a cluster connection to endpoint.
func Dial(endpoint string) (net.Conn, error) {
	return net.Dial("tcp", endpoint)
}

// encodePayload gob-encodes v for use as a Message.Payload.
func encodePayload(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("cluster: encoding payload: %w", err)
	}
	return buf.Bytes(), nil
}

// decodePayload gob-decodes a Message.Payload into v.
func decodePayload(payload []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(v); err != nil {
		return fmt.Errorf("cluster: decoding payload: %w", err)
	}
	return nil
}

func intToString(n int) string {
	return fmt.Sprintf("%d", n)
}
