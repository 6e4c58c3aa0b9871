package sip

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ServerHeader is sent in every response
const ServerHeader = "SipReceiver/1.1"

var toTagPattern = regexp.MustCompile(`(?i);\s*tag=[^;>]+`)

// ResponseOptions per-response values not taken from the request
type ResponseOptions struct {
	ToTag       string // Inserted into To, replacing an existing tag
	Received    string // Peer IP appended to the top Via as received=
	Contact     string // host:port of the local signalling endpoint
	Body        []byte
	ContentType string // Defaults to application/sdp when Body is set
}

// BuildResponse renders a response to req with CRLF line endings.
//
// The top Via is echoed with ;rport and ;received= added when absent, From,
// Call-ID and CSeq are copied verbatim.
func BuildResponse(req *Request, code int, opts ResponseOptions) []byte {
	var b strings.Builder

	fmt.Fprintf(&b, "%s %d %s\r\n", sipVersion, code, ReasonPhrase(code))

	if via := req.TopVia(); via != "" {
		lower := strings.ToLower(via)
		if !strings.Contains(lower, "rport") {
			via += ";rport"
		}
		if opts.Received != "" && !strings.Contains(lower, "received=") {
			via += ";received=" + opts.Received
		}
		writeHeader(&b, "Via", via)
	}

	writeHeader(&b, "From", req.Headers.Get("from"))
	writeHeader(&b, "To", withToTag(req.Headers.Get("to"), opts.ToTag))
	writeHeader(&b, "Call-ID", req.CallID())
	writeHeader(&b, "CSeq", req.Headers.Get("cseq"))
	if opts.Contact != "" {
		writeHeader(&b, "Contact", "<sip:"+opts.Contact+";transport=udp>")
	}
	writeHeader(&b, "Server", ServerHeader)

	if len(opts.Body) > 0 {
		contentType := opts.ContentType
		if contentType == "" {
			contentType = "application/sdp"
		}
		writeHeader(&b, "Content-Type", contentType)
		writeHeader(&b, "Content-Length", strconv.Itoa(len(opts.Body)))
		b.WriteString("\r\n")
		b.Write(opts.Body)
	} else {
		writeHeader(&b, "Content-Length", "0")
		b.WriteString("\r\n")
	}

	return []byte(b.String())
}

func writeHeader(b *strings.Builder, name, value string) {
	b.WriteString(name)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteString("\r\n")
}

// withToTag sets the tag parameter of a To header value
func withToTag(to, tag string) string {
	if tag == "" {
		return to
	}
	return toTagPattern.ReplaceAllString(to, "") + ";tag=" + tag
}

// ReasonPhrase returns the standard reason phrase for a status code
func ReasonPhrase(code int) string {
	switch code {
	case 100:
		return "Trying"
	case 180:
		return "Ringing"
	case 183:
		return "Session Progress"
	case 200:
		return "OK"
	case 400:
		return "Bad Request"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 481:
		return "Call/Transaction Does Not Exist"
	case 486:
		return "Busy Here"
	case 500:
		return "Server Internal Error"
	case 503:
		return "Service Unavailable"
	default:
		return "Unknown"
	}
}
