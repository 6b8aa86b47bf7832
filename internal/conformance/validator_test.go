package conformance

import (
	"context"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storedImage struct {
	subjectToken string
	testNumber   int
	key          string
	data         []byte
}

type fakeBlobWriter struct {
	images []storedImage
	fail   bool
}

func (f *fakeBlobWriter) PutImage(_ context.Context, subjectToken string, testNumber int, key string, data []byte) error {
	if f.fail {
		return assert.AnError
	}
	f.images = append(f.images, storedImage{subjectToken, testNumber, key, data})
	return nil
}

func newTestValidator() (*Validator, *fakeBlobWriter) {
	blobs := &fakeBlobWriter{}
	return NewValidator(blobs, "https://micropub.rocks", "https://news.indieweb.org/en"), blobs
}

func formRequest(body map[string]interface{}) *Request {
	return &Request{Format: FormatForm, Body: body}
}

func jsonRequest(body map[string]interface{}) *Request {
	return &Request{Format: FormatJSON, Body: body}
}

func jsonEntry(properties map[string]interface{}) *Request {
	return jsonRequest(map[string]interface{}{
		"type":       []interface{}{"h-entry"},
		"properties": properties,
	})
}

func TestUnknownTestNumberIsServerFault(t *testing.T) {
	v, _ := newTestValidator()

	verdict := v.Validate(context.Background(), "tok", 999, formRequest(map[string]interface{}{}))
	assert.True(t, verdict.ServerFault)
	assert.Equal(t, []string{"This test is not yet implemented"}, verdict.Errors)
	assert.False(t, verdict.Passed())
}

func TestFormatGateFailsFast(t *testing.T) {
	v, _ := newTestValidator()

	// A JSON body arriving at a form test produces exactly the format
	// error, nothing downstream.
	verdict := v.Validate(context.Background(), "tok", 100, jsonRequest(map[string]interface{}{}))
	require.Len(t, verdict.Errors, 1)
	assert.Contains(t, verdict.Errors[0], "form-encoded")

	verdict = v.Validate(context.Background(), "tok", 200, formRequest(map[string]interface{}{}))
	require.Len(t, verdict.Errors, 1)
	assert.Contains(t, verdict.Errors[0], "JSON")

	verdict = v.Validate(context.Background(), "tok", 300, formRequest(map[string]interface{}{}))
	require.Len(t, verdict.Errors, 1)
	assert.Contains(t, verdict.Errors[0], "multipart")
}

func TestBasicFormPost(t *testing.T) {
	v, _ := newTestValidator()

	verdict := v.Validate(context.Background(), "tok", 100, formRequest(map[string]interface{}{
		"h":       "entry",
		"content": "Hello World",
	}))
	assert.True(t, verdict.Passed())
	assert.Equal(t, []int{5}, verdict.Features)
	assert.Equal(t, "Hello World", verdict.Properties["content"])
}

func TestBasicFormPostErrors(t *testing.T) {
	v, _ := newTestValidator()

	cases := []struct {
		name string
		body map[string]interface{}
		want string
	}{
		{"missing h", map[string]interface{}{"content": "Hi"}, `"h" set to "entry"`},
		{"missing content", map[string]interface{}{"h": "entry"}, `did not include a "content"`},
		{"empty content", map[string]interface{}{"h": "entry", "content": ""}, "was empty"},
		{"array content", map[string]interface{}{"h": "entry", "content": []interface{}{"a", "b"}}, "content as a string"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			verdict := v.Validate(context.Background(), "tok", 100, formRequest(tc.body))
			require.Len(t, verdict.Errors, 1)
			assert.Contains(t, verdict.Errors[0], tc.want)
		})
	}
}

func TestFormCategories(t *testing.T) {
	v, _ := newTestValidator()

	verdict := v.Validate(context.Background(), "tok", 101, formRequest(map[string]interface{}{
		"h":        "entry",
		"category": []interface{}{"indieweb", "micropub"},
	}))
	assert.True(t, verdict.Passed())
	assert.Equal(t, []int{7}, verdict.Features)

	verdict = v.Validate(context.Background(), "tok", 101, formRequest(map[string]interface{}{
		"h":        "entry",
		"content":  "Hi",
		"category": []interface{}{"indieweb"},
	}))
	require.Len(t, verdict.Errors, 1)
	assert.Contains(t, verdict.Errors[0], "only had one value")

	verdict = v.Validate(context.Background(), "tok", 101, formRequest(map[string]interface{}{
		"h":        "entry",
		"category": "indieweb",
	}))
	require.Len(t, verdict.Errors, 1)
	assert.Contains(t, verdict.Errors[0], "square bracket notation")
}

func TestFormPhotoURL(t *testing.T) {
	v, _ := newTestValidator()

	verdict := v.Validate(context.Background(), "tok", 104, formRequest(map[string]interface{}{
		"h":     "entry",
		"photo": "https://example.com/photo.jpg",
	}))
	assert.True(t, verdict.Passed())
	assert.Equal(t, []int{11}, verdict.Features)

	verdict = v.Validate(context.Background(), "tok", 104, formRequest(map[string]interface{}{
		"h":     "entry",
		"photo": "not a url",
	}))
	require.Len(t, verdict.Errors, 1)
	assert.Contains(t, verdict.Errors[0], "does not appear to be a URL")
}

func TestFormSyndicateTo(t *testing.T) {
	v, _ := newTestValidator()

	// A single string value is normalized to an array before matching.
	verdict := v.Validate(context.Background(), "tok", 105, formRequest(map[string]interface{}{
		"h":               "entry",
		"content":         "Hi",
		"mp-syndicate-to": "https://news.indieweb.org/en",
	}))
	assert.True(t, verdict.Passed())
	assert.Equal(t, []int{15}, verdict.Features)
	assert.Equal(t, []interface{}{"https://news.indieweb.org/en"}, verdict.Properties["mp-syndicate-to"])

	verdict = v.Validate(context.Background(), "tok", 105, formRequest(map[string]interface{}{
		"h":               "entry",
		"mp-syndicate-to": []interface{}{"https://other.example.com/"},
	}))
	require.Len(t, verdict.Errors, 1)
	assert.Contains(t, verdict.Errors[0], "valid options")
}

func TestJSONContent(t *testing.T) {
	v, _ := newTestValidator()

	verdict := v.Validate(context.Background(), "tok", 200, jsonEntry(map[string]interface{}{
		"content": []interface{}{"Hello World"},
	}))
	assert.True(t, verdict.Passed())
	assert.Equal(t, []int{6}, verdict.Features)
	assert.Equal(t, []interface{}{"Hello World"}, verdict.Properties["content"])
}

func TestJSONScalarPropertyIsRejectedPerKey(t *testing.T) {
	v, _ := newTestValidator()

	// The scalar must be reported by key and never dereferenced as an
	// array.
	verdict := v.Validate(context.Background(), "tok", 200, jsonEntry(map[string]interface{}{
		"content": "hello",
	}))
	require.Len(t, verdict.Errors, 1)
	assert.Contains(t, verdict.Errors[0], `"content"`)
	assert.Contains(t, verdict.Errors[0], "all values are arrays")
}

func TestJSONMissingPropertiesEnvelope(t *testing.T) {
	v, _ := newTestValidator()

	verdict := v.Validate(context.Background(), "tok", 200, jsonRequest(map[string]interface{}{
		"type":    []interface{}{"h-entry"},
		"content": []interface{}{"Hello"},
	}))
	require.Len(t, verdict.Errors, 1)
	assert.Contains(t, verdict.Errors[0], `"properties"`)
}

func TestJSONEntryTypeGate(t *testing.T) {
	v, _ := newTestValidator()

	verdict := v.Validate(context.Background(), "tok", 200, jsonRequest(map[string]interface{}{
		"type":       []interface{}{"h-card"},
		"properties": map[string]interface{}{},
	}))
	require.Len(t, verdict.Errors, 1)
	assert.Contains(t, verdict.Errors[0], `["h-entry"]`)
}

func TestJSONCategories(t *testing.T) {
	v, _ := newTestValidator()

	verdict := v.Validate(context.Background(), "tok", 201, jsonEntry(map[string]interface{}{
		"category": []interface{}{"one", "two"},
	}))
	assert.True(t, verdict.Passed())
	assert.Equal(t, []int{8}, verdict.Features)

	verdict = v.Validate(context.Background(), "tok", 201, jsonEntry(map[string]interface{}{
		"category": []interface{}{"one"},
	}))
	require.Len(t, verdict.Errors, 1)
	assert.Contains(t, verdict.Errors[0], "only had one value")
}

func TestJSONHTMLContent(t *testing.T) {
	v, _ := newTestValidator()

	verdict := v.Validate(context.Background(), "tok", 202, jsonEntry(map[string]interface{}{
		"content": []interface{}{map[string]interface{}{"html": "<b>Hi</b>"}},
	}))
	assert.True(t, verdict.Passed())
	assert.Equal(t, []int{33}, verdict.Features)

	verdict = v.Validate(context.Background(), "tok", 202, jsonEntry(map[string]interface{}{
		"content": []interface{}{"plain"},
	}))
	require.Len(t, verdict.Errors, 1)
	assert.Contains(t, verdict.Errors[0], "content as an object")

	verdict = v.Validate(context.Background(), "tok", 202, jsonEntry(map[string]interface{}{
		"content": []interface{}{map[string]interface{}{"value": "Hi"}},
	}))
	require.Len(t, verdict.Errors, 1)
	assert.Contains(t, verdict.Errors[0], `key "html"`)
}

func TestJSONPhotoURL(t *testing.T) {
	v, _ := newTestValidator()

	verdict := v.Validate(context.Background(), "tok", 203, jsonEntry(map[string]interface{}{
		"photo": []interface{}{"https://example.com/p.jpg"},
	}))
	assert.True(t, verdict.Passed())
	assert.Equal(t, []int{12}, verdict.Features)

	verdict = v.Validate(context.Background(), "tok", 203, jsonEntry(map[string]interface{}{
		"photo": []interface{}{"nope"},
	}))
	require.Len(t, verdict.Errors, 1)
	assert.Contains(t, verdict.Errors[0], "does not appear to be a URL")
}

func TestJSONNestedObject(t *testing.T) {
	v, _ := newTestValidator()

	verdict := v.Validate(context.Background(), "tok", 204, jsonEntry(map[string]interface{}{
		"checkin": []interface{}{
			map[string]interface{}{
				"type": []interface{}{"h-card"},
				"properties": map[string]interface{}{
					"name": []interface{}{"Some Venue"},
				},
			},
		},
	}))
	assert.True(t, verdict.Passed())
	assert.Equal(t, []int{9}, verdict.Features)

	verdict = v.Validate(context.Background(), "tok", 204, jsonEntry(map[string]interface{}{
		"content": []interface{}{"no nesting here"},
	}))
	require.Len(t, verdict.Errors, 1)
	assert.Contains(t, verdict.Errors[0], "nested Microformats 2 objects")
}

func TestJSONPhotoAlt(t *testing.T) {
	v, _ := newTestValidator()

	verdict := v.Validate(context.Background(), "tok", 205, jsonEntry(map[string]interface{}{
		"photo": []interface{}{map[string]interface{}{
			"value": "https://example.com/p.jpg",
			"alt":   "A photo",
		}},
	}))
	assert.True(t, verdict.Passed())
	assert.Equal(t, []int{13}, verdict.Features)

	verdict = v.Validate(context.Background(), "tok", 205, jsonEntry(map[string]interface{}{
		"photo": []interface{}{"https://example.com/p.jpg"},
	}))
	require.Len(t, verdict.Errors, 1)
	assert.Contains(t, verdict.Errors[0], "alt text")

	// Missing value and alt accumulate independently.
	verdict = v.Validate(context.Background(), "tok", 205, jsonEntry(map[string]interface{}{
		"photo": []interface{}{map[string]interface{}{}},
	}))
	assert.Len(t, verdict.Errors, 2)
}

func TestMultipartPhoto(t *testing.T) {
	v, blobs := newTestValidator()

	req := &Request{
		Format: FormatMultipart,
		Body:   map[string]interface{}{"h": "entry"},
		Files: map[string]File{
			"photo": {Filename: "p.jpg", Data: []byte{0xff, 0xd8}},
		},
	}
	verdict := v.Validate(context.Background(), "tok", 300, req)
	require.True(t, verdict.Passed())
	assert.Equal(t, []int{10}, verdict.Features)

	require.Len(t, blobs.images, 1)
	assert.Equal(t, "tok", blobs.images[0].subjectToken)
	assert.Equal(t, 300, blobs.images[0].testNumber)

	photoURL, _ := verdict.Properties["photo"].(string)
	assert.True(t, strings.HasPrefix(photoURL, "https://micropub.rocks/client/tok/300/"))
	assert.True(t, strings.HasSuffix(photoURL, "/photo.jpg"))
	assert.Contains(t, photoURL, blobs.images[0].key)
}

func TestMultipartPhotoMissingFile(t *testing.T) {
	v, blobs := newTestValidator()

	verdict := v.Validate(context.Background(), "tok", 300, &Request{
		Format: FormatMultipart,
		Body:   map[string]interface{}{"h": "entry"},
	})
	require.Len(t, verdict.Errors, 1)
	assert.Contains(t, verdict.Errors[0], `part named "photo"`)
	assert.Empty(t, blobs.images)
}

func TestQueryTests(t *testing.T) {
	v, _ := newTestValidator()

	verdict := v.ValidateQuery(600, url.Values{"q": {"config"}})
	assert.True(t, verdict.Passed())
	assert.Equal(t, []int{27}, verdict.Features)

	verdict = v.ValidateQuery(600, url.Values{"q": {"config"}, "extra": {"1"}})
	require.Len(t, verdict.Errors, 1)
	assert.Contains(t, verdict.Errors[0], "only one query parameter")

	verdict = v.ValidateQuery(600, url.Values{"q": {"source"}})
	require.Len(t, verdict.Errors, 1)

	verdict = v.ValidateQuery(601, url.Values{"q": {"syndicate-to"}})
	assert.True(t, verdict.Passed())
	assert.Equal(t, []int{30}, verdict.Features)
}

func TestQueryOutsideQueryGroup(t *testing.T) {
	v, _ := newTestValidator()

	verdict := v.ValidateQuery(100, url.Values{"q": {"config"}})
	assert.Empty(t, verdict.Errors)
	assert.Empty(t, verdict.Features)
	assert.True(t, verdict.Passed())
}

func TestQueryFeature(t *testing.T) {
	assert.Equal(t, 27, QueryFeature("config"))
	assert.Equal(t, 30, QueryFeature("syndicate-to"))
	assert.Zero(t, QueryFeature("source"))
}

func TestParseFormBody(t *testing.T) {
	body := ParseFormBody(url.Values{
		"h":          {"entry"},
		"content":    {"Hello World"},
		"category[]": {"a", "b"},
	})
	assert.Equal(t, "entry", body["h"])
	assert.Equal(t, "Hello World", body["content"])
	assert.Equal(t, []interface{}{"a", "b"}, body["category"])
}
