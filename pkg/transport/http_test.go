package transport

import (
	"bufio"
	"bytes"
	"net/http"
	"strings"
	"testing"
)

func TestResponseBufferSerializes(t *testing.T) {
	rb := NewResponseBuffer()
	rb.Header().Set("Content-Type", ContentTypeJSON)
	rb.WriteHeader(http.StatusMultiStatus)
	rb.WriteHeader(http.StatusOK)
	rb.Write([]byte(`{"characteristics":[]}`))

	resp, err := ReadResponse(bufio.NewReader(bytes.NewReader(rb.Bytes())))
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	if resp.StatusCode != http.StatusMultiStatus || resp.IsEvent() {
		t.Errorf("status = %d event = %v", resp.StatusCode, resp.IsEvent())
	}
	if resp.Header.Get("Content-Type") != ContentTypeJSON {
		t.Errorf("content type = %q", resp.Header.Get("Content-Type"))
	}
	if string(resp.Body) != `{"characteristics":[]}` {
		t.Errorf("body = %q", resp.Body)
	}
}

func TestResponseBufferDefaults(t *testing.T) {
	rb := NewResponseBuffer()
	if rb.Status() != http.StatusOK {
		t.Errorf("default status = %d", rb.Status())
	}
	raw := string(rb.Bytes())
	if !strings.HasPrefix(raw, "HTTP/1.1 200 OK\r\n") || !strings.Contains(raw, "Content-Length: 0\r\n") {
		t.Errorf("unexpected serialization %q", raw)
	}
}

func TestStatus470Line(t *testing.T) {
	rb := NewResponseBuffer()
	rb.WriteHeader(StatusConnectionAuthorizationRequired)
	if !strings.HasPrefix(string(rb.Bytes()), "HTTP/1.1 470 Connection Authorization Required\r\n") {
		t.Errorf("got %q", rb.Bytes())
	}
}

func TestEventMessage(t *testing.T) {
	msg := EventMessage([]byte(`{"characteristics":[{"aid":2,"iid":9,"value":true}]}`))
	if !bytes.HasPrefix(msg, []byte("EVENT/1.0 200 OK\r\n")) {
		t.Fatalf("bad start line: %q", msg)
	}
	resp, err := ReadResponse(bufio.NewReader(bytes.NewReader(msg)))
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	if !resp.IsEvent() || resp.StatusCode != 200 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestReadResponseMalformed(t *testing.T) {
	for _, in := range []string{
		"SPDY/3 200 OK\r\n\r\n",
		"HTTP/1.1 abc OK\r\n\r\n",
		"HTTP/1.1 200 OK\r\nContent-Length: -4\r\n\r\n",
	} {
		if _, err := ReadResponse(bufio.NewReader(strings.NewReader(in))); err == nil {
			t.Errorf("%q: expected error", in)
		}
	}
}

func TestReadRequestReadsBody(t *testing.T) {
	raw := EncodeRequest(http.MethodPost, "/pair-setup", ContentTypeTLV8, []byte{0x06, 0x01, 0x01})
	br := bufio.NewReader(bytes.NewReader(append(raw, raw...)))

	for i := 0; i < 2; i++ {
		req, body, err := ReadRequest(br)
		if err != nil {
			t.Fatalf("ReadRequest %d failed: %v", i, err)
		}
		if req.Method != http.MethodPost || req.URL.Path != "/pair-setup" {
			t.Errorf("request = %s %s", req.Method, req.URL)
		}
		if req.Header.Get("Content-Type") != ContentTypeTLV8 || !bytes.Equal(body, []byte{6, 1, 1}) {
			t.Errorf("body = %x", body)
		}
	}
}
