package conformance

import (
	"net/url"
	"strings"
)

// Format classifies the decoded request body.
type Format string

const (
	FormatForm      Format = "form"
	FormatJSON      Format = "json"
	FormatMultipart Format = "multipart"
)

// File is one uploaded multipart file part.
type File struct {
	Filename string
	Data     []byte
}

// Request is a decoded publish request, normalized so the validator never
// touches transport types. Form and multipart bodies arrive as a map of
// string or []interface{} values; JSON bodies arrive as the decoded
// object.
type Request struct {
	Format Format
	Body   map[string]interface{}
	Files  map[string]File
}

// ParseFormBody converts form-encoded values into the body map. Keys using
// the square-bracket array notation ("category[]") become array values
// under the bare key; everything else is a single string.
func ParseFormBody(values url.Values) map[string]interface{} {
	body := make(map[string]interface{}, len(values))
	for key, vals := range values {
		if strings.HasSuffix(key, "[]") {
			items := make([]interface{}, len(vals))
			for i, v := range vals {
				items[i] = v
			}
			body[strings.TrimSuffix(key, "[]")] = items
			continue
		}
		if len(vals) > 0 {
			body[key] = vals[len(vals)-1]
		}
	}
	return body
}
