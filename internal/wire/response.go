package wire

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
)

const (
	ContentTypeHTML = "text/html"
	ContentTypeWAV  = "audio/wav"
)

// Field is one header line. Order is preserved on the wire.
type Field struct {
	Name  string
	Value string
}

type Response struct {
	StatusCode int
	StatusText string
	Header     []Field
	Body       []byte
}

// NewResponse builds a response whose Content-Length is the byte length of
// body. Every response closes the connection.
func NewResponse(code int, contentType string, body []byte) *Response {
	r := &Response{StatusCode: code, StatusText: http.StatusText(code), Body: body}
	if contentType != "" {
		r.Header = append(r.Header, Field{Name: "Content-Type", Value: contentType})
	}
	r.Header = append(r.Header,
		Field{Name: "Content-Length", Value: strconv.Itoa(len(body))},
		Field{Name: "Connection", Value: "close"},
	)
	return r
}

// Form returns the HTML page used to submit text from a browser.
func Form() *Response {
	return NewResponse(http.StatusOK, ContentTypeHTML, []byte(formPage))
}

// Audio wraps WAV bytes produced by a synthesis session.
func Audio(wav []byte) *Response {
	return NewResponse(http.StatusOK, ContentTypeWAV, wav)
}

// Error returns a bodiless response for code.
func Error(code int) *Response {
	return NewResponse(code, "", nil)
}

// WriteTo serializes the response in a single write.
func (r *Response) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	buf.Grow(128 + len(r.Body))
	buf.WriteString("HTTP/1.1 ")
	buf.WriteString(strconv.Itoa(r.StatusCode))
	buf.WriteByte(' ')
	buf.WriteString(r.StatusText)
	buf.WriteString("\r\n")
	for _, f := range r.Header {
		buf.WriteString(f.Name)
		buf.WriteString(": ")
		buf.WriteString(f.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	buf.Write(r.Body)
	return buf.WriteTo(w)
}
