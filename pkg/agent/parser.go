package agent

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// maxHeaderBytes bounds the header block before the terminator is found
const maxHeaderBytes = 64 << 10

var headerTerminator = []byte("\r\n\r\n")

// Request is one fully received HTTP request
type Request struct {
	Method  string
	Path    string
	Headers map[string]string // keys are lower-cased
	Body    []byte
}

// Header returns the value of a header, case-insensitively
func (r *Request) Header(name string) string {
	return r.Headers[strings.ToLower(name)]
}

type parseState int

const (
	stateAwaitingHeaders parseState = iota
	stateAwaitingBody
	stateComplete
)

// parseError carries the HTTP status the connection should answer with
type parseError struct {
	status  int
	message string
}

func (e *parseError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.status, http.StatusText(e.status), e.message)
}

func badRequest(format string, args ...any) *parseError {
	return &parseError{status: http.StatusBadRequest, message: fmt.Sprintf(format, args...)}
}

// requestParser incrementally assembles one request from arbitrary chunks.
// A request is only returned once the declared body has fully arrived.
type requestParser struct {
	buf           []byte
	state         parseState
	bodyStart     int
	contentLength int
	maxBody       int
	req           *Request
}

func newRequestParser(maxBody int) *requestParser {
	return &requestParser{maxBody: maxBody}
}

// feed appends a chunk and returns the request once it is complete.
// It returns (nil, nil) while more bytes are needed.
func (p *requestParser) feed(chunk []byte) (*Request, error) {
	if p.state == stateComplete {
		return p.req, nil
	}
	p.buf = append(p.buf, chunk...)

	if p.state == stateAwaitingHeaders {
		idx := bytes.Index(p.buf, headerTerminator)
		if idx < 0 {
			if len(p.buf) > maxHeaderBytes {
				return nil, &parseError{
					status:  http.StatusRequestHeaderFieldsTooLarge,
					message: "header block exceeds limit",
				}
			}
			return nil, nil
		}
		if err := p.parseHead(p.buf[:idx]); err != nil {
			return nil, err
		}
		p.bodyStart = idx + len(headerTerminator)
		p.state = stateAwaitingBody
	}

	if len(p.buf)-p.bodyStart < p.contentLength {
		return nil, nil
	}

	// Bytes past the declared length are ignored: one request per connection.
	body := make([]byte, p.contentLength)
	copy(body, p.buf[p.bodyStart:p.bodyStart+p.contentLength])
	p.req.Body = body
	p.state = stateComplete
	p.buf = nil
	return p.req, nil
}

// pending reports whether any bytes of a request have been received
func (p *requestParser) pending() bool {
	return p.state != stateComplete && len(p.buf) > 0
}

func (p *requestParser) parseHead(head []byte) error {
	lines := strings.Split(string(head), "\r\n")

	parts := strings.Fields(lines[0])
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/") {
		return badRequest("malformed request line %q", lines[0])
	}

	path := parts[1]
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		path = "/"
	}

	headers := make(map[string]string, len(lines)-1)
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return badRequest("malformed header line %q", line)
		}
		key := strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if prev, seen := headers[key]; seen && key == "content-length" && prev != value {
			return badRequest("conflicting content-length values %q and %q", prev, value)
		}
		headers[key] = value
	}

	if te := headers["transfer-encoding"]; te != "" && !strings.EqualFold(te, "identity") {
		return &parseError{status: http.StatusNotImplemented, message: "transfer-encoding is not supported"}
	}

	length := 0
	if raw, ok := headers["content-length"]; ok {
		if raw == "" || strings.TrimLeft(raw, "0123456789") != "" {
			return badRequest("invalid content-length %q", raw)
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return badRequest("invalid content-length %q", raw)
		}
		length = n
	}
	if p.maxBody > 0 && length > p.maxBody {
		return &parseError{
			status:  http.StatusRequestEntityTooLarge,
			message: fmt.Sprintf("body of %d bytes exceeds limit of %d", length, p.maxBody),
		}
	}

	p.contentLength = length
	p.req = &Request{
		Method:  parts[0],
		Path:    path,
		Headers: headers,
	}
	return nil
}
