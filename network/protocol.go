package network

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/text/encoding/unicode"

	"fileshare/models"
)

const (
	// DefaultTransferPort is the TCP port the acceptor listens on.
	DefaultTransferPort = 2000
	// DefaultHandshakeTimeout bounds the wait for each HELLO or ENDOC.
	DefaultHandshakeTimeout = 5 * time.Second
	// DefaultConnectTimeout bounds the sender's TCP dial.
	DefaultConnectTimeout = 30 * time.Second
	// MaxFieldSize caps a single name or extension field on the wire (64 KiB).
	MaxFieldSize = 64 * 1024
	// ChunkSize is the maximum payload chunk moved through the stream buffer.
	ChunkSize = 4096
)

const (
	MsgHello             = "HELLO"
	MsgEndOfConversation = "ENDOC"
	ReplyAccept          = "OK"
	ReplyReject          = "KO"

	msgTypeLength = 5
	replyLength   = 2
)

const (
	// VisibilityAnonymous marks a sender that does not want to be identified.
	VisibilityAnonymous byte = 0
	// VisibilityNamed asks the receiver to resolve the sender in its roster.
	VisibilityNamed byte = 1
)

var utf16LE = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// MessageKind identifies what opened a request on the transfer connection.
type MessageKind int

const (
	KindHello MessageKind = iota
	KindEndOfConversation
)

// Hello announces one file the sender wants to push.
type Hello struct {
	Named      bool
	Descriptor models.TransferDescriptor
}

// Message is a decoded request: either a Hello or the end-of-conversation marker.
type Message struct {
	Kind  MessageKind
	Hello Hello
}

// EncodeHello serializes a HELLO request.
func EncodeHello(hello Hello) ([]byte, error) {
	name, err := encodeUTF16(hello.Descriptor.RelativeName)
	if err != nil {
		return nil, fmt.Errorf("encode name: %w", err)
	}
	if len(name) < 2 {
		return nil, models.ErrEmptyName
	}
	extension, err := encodeUTF16(hello.Descriptor.Extension)
	if err != nil {
		return nil, fmt.Errorf("encode extension: %w", err)
	}
	if len(name) > MaxFieldSize || len(extension) > MaxFieldSize {
		return nil, fmt.Errorf("hello field exceeds %d bytes", MaxFieldSize)
	}
	if hello.Descriptor.Size < 0 {
		return nil, models.ErrNegativeSize
	}

	var buf bytes.Buffer
	buf.Grow(msgTypeLength + 1 + 4 + len(name) + 4 + len(extension) + 8)
	buf.WriteString(MsgHello)
	if hello.Named {
		buf.WriteByte(VisibilityNamed)
	} else {
		buf.WriteByte(VisibilityAnonymous)
	}
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(name)))
	buf.Write(name)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(extension)))
	buf.Write(extension)
	_ = binary.Write(&buf, binary.LittleEndian, hello.Descriptor.Size)
	return buf.Bytes(), nil
}

// WriteHello writes one HELLO request in a single write.
func WriteHello(w io.Writer, hello Hello) error {
	payload, err := EncodeHello(hello)
	if err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return networkError("write hello", err)
	}
	return nil
}

// WriteEndOfConversation tells the receiver no more files follow.
func WriteEndOfConversation(w io.Writer) error {
	if _, err := io.WriteString(w, MsgEndOfConversation); err != nil {
		return networkError("write end of conversation", err)
	}
	return nil
}

// ReadMessage decodes the next HELLO or ENDOC.
func ReadMessage(r io.Reader) (Message, error) {
	head := make([]byte, msgTypeLength)
	if err := readField(r, head, "message type", true); err != nil {
		return Message{}, err
	}

	switch string(head) {
	case MsgEndOfConversation:
		return Message{Kind: KindEndOfConversation}, nil
	case MsgHello:
	default:
		return Message{}, protocolError("unknown message type %q", head)
	}

	var visibility [1]byte
	if err := readField(r, visibility[:], "visibility", false); err != nil {
		return Message{}, err
	}
	var named bool
	switch visibility[0] {
	case VisibilityAnonymous:
	case VisibilityNamed:
		named = true
	default:
		return Message{}, protocolError("visibility flag %d", visibility[0])
	}

	name, err := readUTF16Field(r, "name", 2)
	if err != nil {
		return Message{}, err
	}
	extension, err := readUTF16Field(r, "extension", 0)
	if err != nil {
		return Message{}, err
	}

	var rawSize [8]byte
	if err := readField(r, rawSize[:], "size", false); err != nil {
		return Message{}, err
	}
	size := int64(binary.LittleEndian.Uint64(rawSize[:]))

	descriptor, err := models.NewTransferDescriptor(name, extension, size)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}

	return Message{
		Kind:  KindHello,
		Hello: Hello{Named: named, Descriptor: descriptor},
	}, nil
}

// ReadMessageWithTimeout reads a request under a read deadline.
func ReadMessageWithTimeout(conn net.Conn, timeout time.Duration) (Message, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return Message{}, networkError("set read deadline", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadMessage(conn)
}

// WriteReply answers the current HELLO.
func WriteReply(w io.Writer, accept bool) error {
	reply := ReplyReject
	if accept {
		reply = ReplyAccept
	}
	if _, err := io.WriteString(w, reply); err != nil {
		return networkError("write reply", err)
	}
	return nil
}

// ReadReply reads OK or KO. Anything else is a protocol violation.
func ReadReply(r io.Reader) (bool, error) {
	buf := make([]byte, replyLength)
	if err := readField(r, buf, "reply", true); err != nil {
		return false, err
	}
	switch string(buf) {
	case ReplyAccept:
		return true, nil
	case ReplyReject:
		return false, nil
	default:
		return false, protocolError("unexpected reply %q", buf)
	}
}

func readUTF16Field(r io.Reader, field string, minLength uint32) (string, error) {
	var rawLength [4]byte
	if err := readField(r, rawLength[:], field+" length", false); err != nil {
		return "", err
	}
	length := binary.LittleEndian.Uint32(rawLength[:])
	if length < minLength {
		return "", protocolError("%s length %d below %d", field, length, minLength)
	}
	if length > MaxFieldSize {
		return "", protocolError("%s length %d exceeds %d", field, length, MaxFieldSize)
	}
	if length%2 != 0 {
		return "", protocolError("%s length %d is not UTF-16", field, length)
	}
	if length == 0 {
		return "", nil
	}

	raw := make([]byte, length)
	if err := readField(r, raw, field, false); err != nil {
		return "", err
	}
	value, err := decodeUTF16(raw)
	if err != nil {
		return "", protocolError("decode %s: %v", field, err)
	}
	return value, nil
}

// readField fills buf. A clean EOF before the first field is a network error;
// anywhere else it means the message was truncated.
func readField(r io.Reader, buf []byte, field string, first bool) error {
	_, err := io.ReadFull(r, buf)
	if err == nil {
		return nil
	}
	if isTimeout(err) {
		return fmt.Errorf("%w: read %s: %w", ErrHandshakeTimeout, field, err)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || (!first && errors.Is(err, io.EOF)) {
		return protocolError("truncated %s", field)
	}
	return networkError("read "+field, err)
}

func encodeUTF16(value string) ([]byte, error) {
	return utf16LE.NewEncoder().Bytes([]byte(value))
}

func decodeUTF16(raw []byte) (string, error) {
	decoded, err := utf16LE.NewDecoder().Bytes(raw)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}
