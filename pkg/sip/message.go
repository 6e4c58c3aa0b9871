package sip

import (
	"regexp"
	"strconv"
	"strings"
)

// SIP methods handled by the engine
const (
	MethodInvite = "INVITE"
	MethodAck    = "ACK"
	MethodBye    = "BYE"
)

const sipVersion = "SIP/2.0"

// defaultFromTag is used when the From header carries no tag
const defaultFromTag = "fromtag"

var tagParam = regexp.MustCompile(`(?i);\s*tag=([^;>\s]+)`)

// Headers manages SIP headers with case-insensitive names
type Headers struct {
	headers map[string][]string // Normalized name -> values
	order   []string            // Normalized names in arrival order
}

// NewHeaders creates a new Headers instance
func NewHeaders() *Headers {
	return &Headers{headers: make(map[string][]string)}
}

// normalizeHeaderName maps compact forms to full names and lowercases the rest
func normalizeHeaderName(name string) string {
	switch strings.ToLower(name) {
	case "i":
		return "call-id"
	case "m":
		return "contact"
	case "f":
		return "from"
	case "t":
		return "to"
	case "v":
		return "via"
	case "c":
		return "content-type"
	case "l":
		return "content-length"
	default:
		return strings.ToLower(name)
	}
}

// Add appends a header value
func (h *Headers) Add(name, value string) {
	normalized := normalizeHeaderName(name)
	if _, exists := h.headers[normalized]; !exists {
		h.order = append(h.order, normalized)
	}
	h.headers[normalized] = append(h.headers[normalized], value)
}

// Get returns the first value of a header
func (h *Headers) Get(name string) string {
	if values := h.GetAll(name); len(values) > 0 {
		return values[0]
	}
	return ""
}

// GetAll returns all values of a header in arrival order
func (h *Headers) GetAll(name string) []string {
	return h.headers[normalizeHeaderName(name)]
}

// Has reports whether the header is present
func (h *Headers) Has(name string) bool {
	_, ok := h.headers[normalizeHeaderName(name)]
	return ok
}

// Names returns normalized header names in arrival order
func (h *Headers) Names() []string {
	return append([]string(nil), h.order...)
}

// Request is a parsed SIP request
type Request struct {
	Method  string
	URI     string
	Version string
	Headers *Headers
	Body    []byte
}

// ParseRequest parses a SIP request datagram.
//
// Header parsing stops at the first empty line or the first line without a
// colon. Anything after the empty line is the body.
func ParseRequest(data []byte) (*Request, error) {
	text := string(data)
	pos := 0
	nextLine := func() (string, bool) {
		if pos >= len(text) {
			return "", false
		}
		var line string
		if i := strings.IndexByte(text[pos:], '\n'); i >= 0 {
			line = text[pos : pos+i]
			pos += i + 1
		} else {
			line = text[pos:]
			pos = len(text)
		}
		return strings.TrimSuffix(line, "\r"), true
	}

	first, ok := nextLine()
	if !ok || strings.TrimSpace(first) == "" {
		return nil, malformed("empty message")
	}
	if strings.HasPrefix(first, "SIP/") {
		return nil, malformed("response received")
	}

	parts := strings.Fields(first)
	if len(parts) != 3 {
		return nil, malformed("invalid request line %q", first)
	}
	if !isToken(parts[0]) {
		return nil, malformed("invalid method %q", parts[0])
	}
	if !strings.EqualFold(parts[2], sipVersion) {
		return nil, malformed("invalid SIP version %q", parts[2])
	}

	req := &Request{
		Method:  strings.ToUpper(parts[0]),
		URI:     parts[1],
		Version: sipVersion,
		Headers: NewHeaders(),
	}

	for {
		line, ok := nextLine()
		if !ok {
			return req, nil
		}
		if line == "" {
			break
		}
		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			return req, nil
		}
		req.Headers.Add(strings.TrimSpace(line[:colon]), strings.TrimSpace(line[colon+1:]))
	}

	body := data[pos:]
	if raw := req.Headers.Get("content-length"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 && n < len(body) {
			body = body[:n]
		}
	}
	if len(body) > 0 {
		req.Body = append([]byte(nil), body...)
	}

	return req, nil
}

// isToken checks the method against the RFC 3261 token alphabet
func isToken(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("-.!%*_+`'~", r):
		default:
			return false
		}
	}
	return true
}

// CallID returns the Call-ID header value
func (r *Request) CallID() string {
	return r.Headers.Get("call-id")
}

// FromTag returns the tag parameter of From, or a fixed default
func (r *Request) FromTag() string {
	if tag := headerTag(r.Headers.Get("from")); tag != "" {
		return tag
	}
	return defaultFromTag
}

// ToTag returns the tag parameter of To, empty when absent
func (r *Request) ToTag() string {
	return headerTag(r.Headers.Get("to"))
}

// CSeq returns the sequence number and method of the CSeq header
func (r *Request) CSeq() (int, string) {
	fields := strings.Fields(r.Headers.Get("cseq"))
	if len(fields) == 0 {
		return 0, ""
	}
	num, err := strconv.Atoi(fields[0])
	if err != nil {
		num = 0
	}
	method := ""
	if len(fields) > 1 {
		method = strings.ToUpper(fields[1])
	}
	return num, method
}

// TopVia returns the first element of the first Via header
func (r *Request) TopVia() string {
	via := r.Headers.Get("via")
	if i := strings.IndexByte(via, ','); i >= 0 {
		via = via[:i]
	}
	return strings.TrimSpace(via)
}

func headerTag(value string) string {
	if m := tagParam.FindStringSubmatch(value); m != nil {
		return m[1]
	}
	return ""
}
