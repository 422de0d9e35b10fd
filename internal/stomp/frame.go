// Package stomp implements the subset of STOMP 1.2 framing used over the
// WebSocket channel: CONNECT, SUBSCRIBE, UNSUBSCRIBE, DISCONNECT from the
// client and CONNECTED, MESSAGE, RECEIPT, ERROR from the server.
package stomp

import (
	"bytes"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
)

// Client and server commands.
const (
	CmdConnect     = "CONNECT"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdDisconnect  = "DISCONNECT"
	CmdConnected   = "CONNECTED"
	CmdMessage     = "MESSAGE"
	CmdReceipt     = "RECEIPT"
	CmdError       = "ERROR"
)

// Well-known header names.
const (
	HdrAcceptVersion = "accept-version"
	HdrHost          = "host"
	HdrHeartBeat     = "heart-beat"
	HdrAuthorization = "Authorization"
	HdrDestination   = "destination"
	HdrID            = "id"
	HdrSubscription  = "subscription"
	HdrMessageID     = "message-id"
	HdrReceipt       = "receipt"
	HdrReceiptID     = "receipt-id"
	HdrContentType   = "content-type"
	HdrContentLength = "content-length"
	HdrMessage       = "message"
	HdrVersion       = "version"
)

// ErrMalformed is returned when a frame cannot be decoded.
var ErrMalformed = errors.New("stomp: malformed frame")

// Header holds frame headers. Repeated headers keep the first value.
type Header map[string]string

// Frame is a single STOMP frame. A zero Command denotes a heart-beat.
type Frame struct {
	Command string
	Header  Header
	Body    []byte
}

// IsHeartbeat reports whether the frame is a bare EOL heart-beat.
func (f Frame) IsHeartbeat() bool {
	return f.Command == ""
}

// Get returns a header value or "".
func (f Frame) Get(key string) string {
	if f.Header == nil {
		return ""
	}
	return f.Header[key]
}

// Heartbeat is the encoded client heart-beat.
var Heartbeat = []byte("\n")

// Marshal encodes the frame. Headers are written in sorted order so output is
// deterministic. A content-length header is added when the body is non-empty.
// STOMP 1.2 leaves CONNECT frames unescaped.
func (f Frame) Marshal() []byte {
	if f.IsHeartbeat() {
		return Heartbeat
	}
	if f.Command == CmdConnect {
		return f.marshalConnect()
	}

	var buf bytes.Buffer
	// Writes to a bytes.Buffer cannot fail.
	_ = frame.NewWriter(&buf).Write(f.wire())
	return buf.Bytes()
}

func (f Frame) wire() *frame.Frame {
	wf := frame.New(f.Command)
	for _, k := range slices.Sorted(maps.Keys(f.Header)) {
		wf.Header.Add(k, f.Header[k])
	}
	if _, ok := f.Header[HdrContentLength]; !ok && len(f.Body) > 0 {
		wf.Header.Add(HdrContentLength, strconv.Itoa(len(f.Body)))
	}
	wf.Body = f.Body
	return wf
}

func (f Frame) marshalConnect() []byte {
	var b bytes.Buffer
	b.WriteString(f.Command)
	b.WriteByte('\n')
	for _, k := range slices.Sorted(maps.Keys(f.Header)) {
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(f.Header[k])
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	b.WriteByte(0)
	return b.Bytes()
}

// Parse decodes one frame. Data consisting only of EOLs is a heart-beat.
func Parse(data []byte) (Frame, error) {
	trimmed := bytes.TrimLeft(data, "\r\n")
	if len(trimmed) == 0 {
		return Frame{}, nil
	}

	wf, err := frame.NewReader(bytes.NewReader(trimmed)).Read()
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if wf == nil || wf.Command == "" {
		return Frame{}, fmt.Errorf("%w: empty command", ErrMalformed)
	}

	f := Frame{Command: wf.Command, Header: make(Header, wf.Header.Len())}
	for i := 0; i < wf.Header.Len(); i++ {
		k, v := wf.Header.GetAt(i)
		if _, seen := f.Header[k]; !seen {
			f.Header[k] = v
		}
	}
	f.Body = append([]byte(nil), wf.Body...)
	return f, nil
}

// Connect builds a CONNECT frame carrying a bearer token and the client's
// heart-beat offer (send, receive).
func Connect(host, token string, send, recv time.Duration) Frame {
	return Frame{
		Command: CmdConnect,
		Header: Header{
			HdrAcceptVersion: "1.2",
			HdrHost:          host,
			HdrHeartBeat:     FormatHeartbeat(send, recv),
			HdrAuthorization: "Bearer " + token,
		},
	}
}

// Subscribe builds a SUBSCRIBE frame.
func Subscribe(id, destination string) Frame {
	return Frame{
		Command: CmdSubscribe,
		Header:  Header{HdrID: id, HdrDestination: destination},
	}
}

// Unsubscribe builds an UNSUBSCRIBE frame.
func Unsubscribe(id string) Frame {
	return Frame{
		Command: CmdUnsubscribe,
		Header:  Header{HdrID: id},
	}
}

// Disconnect builds a DISCONNECT frame asking for a receipt.
func Disconnect(receipt string) Frame {
	return Frame{
		Command: CmdDisconnect,
		Header:  Header{HdrReceipt: receipt},
	}
}

// FormatHeartbeat renders a heart-beat header value in milliseconds.
func FormatHeartbeat(send, recv time.Duration) string {
	return fmt.Sprintf("%d,%d", send.Milliseconds(), recv.Milliseconds())
}

// ParseHeartbeat parses a heart-beat header value. An empty value means 0,0.
func ParseHeartbeat(v string) (send, recv time.Duration, err error) {
	if v == "" {
		return 0, 0, nil
	}
	a, b, ok := strings.Cut(v, ",")
	if !ok {
		return 0, 0, fmt.Errorf("%w: heart-beat %q", ErrMalformed, v)
	}
	sx, err1 := strconv.ParseInt(strings.TrimSpace(a), 10, 64)
	sy, err2 := strconv.ParseInt(strings.TrimSpace(b), 10, 64)
	if err1 != nil || err2 != nil || sx < 0 || sy < 0 {
		return 0, 0, fmt.Errorf("%w: heart-beat %q", ErrMalformed, v)
	}
	return time.Duration(sx) * time.Millisecond, time.Duration(sy) * time.Millisecond, nil
}

// NegotiateHeartbeat returns how often the client must send heart-beats given
// its own offer and the server's CONNECTED header. Zero disables sending.
func NegotiateHeartbeat(clientSend time.Duration, serverHeader string) time.Duration {
	_, serverRecv, err := ParseHeartbeat(serverHeader)
	if err != nil || clientSend == 0 || serverRecv == 0 {
		return 0
	}
	if serverRecv > clientSend {
		return serverRecv
	}
	return clientSend
}
