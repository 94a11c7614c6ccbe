package transport

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
)

const (
	ContentTypeTLV8 = "application/pairing+tlv8"
	ContentTypeJSON = "application/hap+json"

	// MaxBodySize bounds request and response bodies.
	MaxBodySize = 1 << 20

	protoHTTP  = "HTTP/1.1"
	protoEvent = "EVENT/1.0"
)

// ErrMalformedMessage is returned for unparseable HTTP or EVENT messages.
var ErrMalformedMessage = errors.New("transport: malformed message")

// StatusConnectionAuthorizationRequired is returned for protected
// resources on connections that have not completed Pair-Verify.
const StatusConnectionAuthorizationRequired = 470

// ReadRequest reads one request and its complete body.
func ReadRequest(br *bufio.Reader) (*http.Request, []byte, error) {
	req, err := http.ReadRequest(br)
	if err != nil {
		return nil, nil, err
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, MaxBodySize+1))
	req.Body.Close()
	if err != nil {
		return nil, nil, err
	}
	if len(body) > MaxBodySize {
		return nil, nil, fmt.Errorf("%w: body exceeds %d bytes", ErrMalformedMessage, MaxBodySize)
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	return req, body, nil
}

// ResponseBuffer is an http.ResponseWriter that holds the whole response
// so it can be written to the connection in one piece.
type ResponseBuffer struct {
	header http.Header
	status int
	body   bytes.Buffer
}

// NewResponseBuffer returns an empty buffer with status 200.
func NewResponseBuffer() *ResponseBuffer {
	return &ResponseBuffer{header: make(http.Header)}
}

func (rb *ResponseBuffer) Header() http.Header { return rb.header }

func (rb *ResponseBuffer) WriteHeader(status int) {
	if rb.status == 0 {
		rb.status = status
	}
}

func (rb *ResponseBuffer) Write(p []byte) (int, error) {
	if rb.status == 0 {
		rb.status = http.StatusOK
	}
	return rb.body.Write(p)
}

// Status returns the response status, 200 if none was set.
func (rb *ResponseBuffer) Status() int {
	if rb.status == 0 {
		return http.StatusOK
	}
	return rb.status
}

// Body returns the buffered body.
func (rb *ResponseBuffer) Body() []byte { return rb.body.Bytes() }

// Bytes serializes the response as HTTP/1.1.
func (rb *ResponseBuffer) Bytes() []byte {
	return encodeMessage(protoHTTP+" "+statusLine(rb.Status()), rb.header, rb.body.Bytes())
}

func statusLine(code int) string {
	text := http.StatusText(code)
	if code == StatusConnectionAuthorizationRequired {
		text = "Connection Authorization Required"
	}
	if text == "" {
		text = "Status"
	}
	return strconv.Itoa(code) + " " + text
}

// EventMessage serializes an unsolicited EVENT/1.0 notification.
func EventMessage(body []byte) []byte {
	h := http.Header{}
	h.Set("Content-Type", ContentTypeJSON)
	return encodeMessage(protoEvent+" 200 OK", h, body)
}

// EncodeRequest serializes a client request.
func EncodeRequest(method, target, contentType string, body []byte) []byte {
	h := http.Header{}
	h.Set("Host", "hearthd")
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	return encodeMessage(method+" "+target+" "+protoHTTP, h, body)
}

func encodeMessage(first string, header http.Header, body []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(first)
	buf.WriteString("\r\n")
	h := header.Clone()
	h.Set("Content-Length", strconv.Itoa(len(body)))
	_ = h.Write(&buf)
	buf.WriteString("\r\n")
	buf.Write(body)
	return buf.Bytes()
}

// Response is a parsed HTTP/1.1 response or EVENT/1.0 message.
type Response struct {
	Proto      string
	StatusCode int
	Header     http.Header
	Body       []byte
}

// IsEvent reports whether r is an unsolicited event.
func (r *Response) IsEvent() bool { return r.Proto == protoEvent }

// ReadResponse reads one response or event. net/http rejects the EVENT
// protocol token, so the status line is parsed here.
func ReadResponse(br *bufio.Reader) (*Response, error) {
	tp := textproto.NewReader(br)
	line, err := tp.ReadLine()
	if err != nil {
		return nil, err
	}
	proto, rest, ok := strings.Cut(line, " ")
	if !ok || (proto != protoHTTP && proto != protoEvent) {
		return nil, fmt.Errorf("%w: status line %q", ErrMalformedMessage, line)
	}
	codeText, _, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(codeText)
	if err != nil || code < 100 || code > 999 {
		return nil, fmt.Errorf("%w: status code %q", ErrMalformedMessage, codeText)
	}

	mime, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("%w: headers: %v", ErrMalformedMessage, err)
	}
	resp := &Response{Proto: proto, StatusCode: code, Header: http.Header(mime)}

	if cl := mime.Get("Content-Length"); cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 || n > MaxBodySize {
			return nil, fmt.Errorf("%w: content length %q", ErrMalformedMessage, cl)
		}
		resp.Body = make([]byte, n)
		if _, err := io.ReadFull(br, resp.Body); err != nil {
			return nil, err
		}
	}
	return resp, nil
}
