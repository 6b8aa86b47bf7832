package conformance

import (
	"context"
	"fmt"
	"net/url"

	"github.com/micropub-rocks/conformance/internal/random"
)

// Verdict is the outcome of validating one publish or query request
// against the active test number.
type Verdict struct {
	Errors      []string
	Properties  map[string]interface{}
	Features    []int
	ServerFault bool
}

// Passed reports whether the request satisfied the test.
func (v Verdict) Passed() bool {
	return !v.ServerFault && len(v.Errors) == 0
}

// BlobWriter persists uploaded photo bytes for the multipart test.
type BlobWriter interface {
	PutImage(ctx context.Context, subjectToken string, testNumber int, key string, data []byte) error
}

// Validator judges publish requests against the per-test-number rule
// table. Each entry is independent; adding a test never touches another.
type Validator struct {
	blobs          BlobWriter
	baseURL        string
	syndicationUID string
}

// NewValidator wires the validator. syndicationUID is the target the
// syndication test expects clients to have selected.
func NewValidator(blobs BlobWriter, baseURL, syndicationUID string) *Validator {
	return &Validator{
		blobs:          blobs,
		baseURL:        baseURL,
		syndicationUID: syndicationUID,
	}
}

type checkFunc func(v *Validator, ctx context.Context, subjectToken string, num int, req *Request) ([]string, map[string]interface{})

type entry struct {
	features []int
	check    checkFunc
}

var publishTable = map[int]entry{
	100: {features: []int{5}, check: checkFormContent},
	101: {features: []int{7}, check: checkFormCategories},
	104: {features: []int{11}, check: checkFormPhotoURL},
	105: {features: []int{15}, check: checkFormSyndicateTo},
	200: {features: []int{6}, check: checkJSONContent},
	201: {features: []int{8}, check: checkJSONCategories},
	202: {features: []int{33}, check: checkJSONHTMLContent},
	203: {features: []int{12}, check: checkJSONPhotoURL},
	204: {features: []int{9}, check: checkJSONNestedObject},
	205: {features: []int{13}, check: checkJSONPhotoAlt},
	300: {features: []int{10}, check: checkMultipartPhoto},
}

// Validate judges one decoded publish request against test number num.
// An unrecognized number is a harness fault, not a client failure.
func (v *Validator) Validate(ctx context.Context, subjectToken string, num int, req *Request) Verdict {
	e, ok := publishTable[num]
	if !ok {
		return Verdict{
			Errors:      []string{"This test is not yet implemented"},
			ServerFault: true,
		}
	}

	errors, properties := e.check(v, ctx, subjectToken, num, req)
	return Verdict{
		Errors:     errors,
		Properties: properties,
		Features:   e.features,
	}
}

var queryTable = map[int]struct {
	feature  int
	expected string
}{
	600: {feature: 27, expected: "config"},
	601: {feature: 30, expected: "syndicate-to"},
}

// ValidateQuery judges a configuration query against test number num. A
// number outside the query group produces an empty verdict: the endpoint
// still answers the query, it just isn't grading one.
func (v *Validator) ValidateQuery(num int, query url.Values) Verdict {
	e, ok := queryTable[num]
	if !ok {
		return Verdict{}
	}

	var errors []string
	if len(query) > 1 {
		errors = append(errors, fmt.Sprintf("The configuration query must have only one query parameter, q=%s", e.expected))
	} else if query.Get("q") != e.expected {
		errors = append(errors, fmt.Sprintf("The configuration query must have one parameter, q=%s", e.expected))
	}

	return Verdict{
		Errors:   errors,
		Features: []int{e.feature},
	}
}

// QueryFeature returns the feature number a configuration query proves
// passively, outside a running test. Zero when the query is not one the
// suite tracks.
func QueryFeature(q string) int {
	for _, e := range queryTable {
		if e.expected == q {
			return e.feature
		}
	}
	return 0
}

func checkFormContent(_ *Validator, _ context.Context, _ string, _ int, req *Request) ([]string, map[string]interface{}) {
	var errors []string
	if !requireForm(req.Format, &errors) {
		return errors, nil
	}
	if !requireFormHEntry(req.Body, &errors) {
		return errors, nil
	}

	content, present := req.Body["content"]
	if !present {
		errors = append(errors, `The request did not include a "content" parameter.`)
	} else if content == "" {
		errors = append(errors, `The request provided a "content" parameter that was empty. Make sure you include some text in your post.`)
	} else if _, isString := content.(string); !isString {
		errors = append(errors, "To pass this test you must provide content as a string")
	}
	return errors, req.Body
}

func checkFormCategories(_ *Validator, _ context.Context, _ string, _ int, req *Request) ([]string, map[string]interface{}) {
	var errors []string
	if !requireForm(req.Format, &errors) {
		return errors, nil
	}
	if !requireFormHEntry(req.Body, &errors) {
		return errors, nil
	}

	category, present := req.Body["category"]
	if !present {
		errors = append(errors, `The request did not include a "category" parameter.`)
		return errors, req.Body
	}
	switch val := category.(type) {
	case string:
		if val == "" {
			errors = append(errors, `The request provided a "category" parameter that was empty. Make sure you include two or more categories.`)
		} else {
			errors = append(errors, `The "category" parameter in the request was sent as a string. Ensure you are using the form-encoded square bracket notation to specify multiple values.`)
		}
	case []interface{}:
		if len(val) == 0 {
			errors = append(errors, `The request provided a "category" parameter that was empty. Make sure you include two or more categories.`)
		} else if len(val) < 2 {
			errors = append(errors, `The request provided the "category" parameter as an array, but only had one value. Ensure your request contains multiple values for this parameter.`)
		}
	}
	return errors, req.Body
}

func checkFormPhotoURL(_ *Validator, _ context.Context, _ string, _ int, req *Request) ([]string, map[string]interface{}) {
	var errors []string
	if !requireForm(req.Format, &errors) {
		return errors, nil
	}
	if !requireFormHEntry(req.Body, &errors) {
		return errors, nil
	}

	photo, present := req.Body["photo"]
	if !present {
		errors = append(errors, `The request did not include a "photo" parameter.`)
	} else if photo == "" {
		errors = append(errors, `The "photo" parameter was empty`)
	} else if str, isString := photo.(string); !isString {
		errors = append(errors, `The "photo" parameter provided was not a string. Ensure the client is sending only one URL in the photo parameter`)
	} else if !isHTTPURL(str) {
		errors = append(errors, `The value of the "photo" parameter does not appear to be a URL.`)
	}
	return errors, req.Body
}

func checkFormSyndicateTo(v *Validator, _ context.Context, _ string, _ int, req *Request) ([]string, map[string]interface{}) {
	var errors []string
	if !requireForm(req.Format, &errors) {
		return errors, nil
	}
	if !requireFormHEntry(req.Body, &errors) {
		return errors, nil
	}

	raw, present := req.Body["mp-syndicate-to"]
	if !present {
		errors = append(errors, `The request did not include a "mp-syndicate-to" parameter.`)
		return errors, req.Body
	}
	if raw == "" {
		errors = append(errors, `The "mp-syndicate-to" parameter was empty`)
		return errors, req.Body
	}

	// Single values are normalized to an array before matching.
	targets, isArray := raw.([]interface{})
	if !isArray {
		targets = []interface{}{raw}
		req.Body["mp-syndicate-to"] = targets
	}

	matched := false
	for _, target := range targets {
		if target == v.syndicationUID {
			matched = true
		}
	}
	if !matched {
		errors = append(errors, `The "mp-syndicate-to" parameter was not set to one of the valid options returned by the endpoint.`)
	}
	return errors, req.Body
}

func checkJSONContent(_ *Validator, _ context.Context, _ string, _ int, req *Request) ([]string, map[string]interface{}) {
	var errors []string
	if !requireJSON(req.Format, &errors) {
		return errors, nil
	}
	if !requireJSONHEntry(req.Body, &errors) {
		return errors, nil
	}
	properties, ok := validateJSONProperties(req.Body, &errors)
	if !ok {
		return errors, nil
	}

	content, present := propertyArray(properties, "content")
	if !present {
		errors = append(errors, `The request did not include a "content" parameter.`)
	} else if len(content) == 0 {
		errors = append(errors, `The request provided a "content" parameter that was empty. Make sure you include some text in your post.`)
	} else if _, isString := content[0].(string); !isString {
		errors = append(errors, "To pass this test you must provide content as a string")
	}
	return errors, properties
}

func checkJSONCategories(_ *Validator, _ context.Context, _ string, _ int, req *Request) ([]string, map[string]interface{}) {
	var errors []string
	if !requireJSON(req.Format, &errors) {
		return errors, nil
	}
	if !requireJSONHEntry(req.Body, &errors) {
		return errors, nil
	}
	properties, ok := validateJSONProperties(req.Body, &errors)
	if !ok {
		return errors, nil
	}

	category, present := propertyArray(properties, "category")
	if !present {
		errors = append(errors, `The request did not include a "category" parameter.`)
	} else if len(category) == 0 {
		errors = append(errors, `The request provided a "category" parameter that was empty. Make sure you include two or more categories.`)
	} else if len(category) < 2 {
		errors = append(errors, `The request provided the "category" parameter as an array, but only had one value. Ensure your request contains multiple values for this parameter.`)
	}
	return errors, properties
}

func checkJSONHTMLContent(_ *Validator, _ context.Context, _ string, _ int, req *Request) ([]string, map[string]interface{}) {
	var errors []string
	if !requireJSON(req.Format, &errors) {
		return errors, nil
	}
	if !requireJSONHEntry(req.Body, &errors) {
		return errors, nil
	}
	properties, ok := validateJSONProperties(req.Body, &errors)
	if !ok {
		return errors, nil
	}

	content, present := propertyArray(properties, "content")
	if !present {
		errors = append(errors, `The request did not include a "content" parameter.`)
	} else if len(content) == 0 {
		errors = append(errors, `The request provided a "content" parameter that was empty. Make sure you include some HTML in your post.`)
	} else if obj, isObject := content[0].(map[string]interface{}); !isObject {
		errors = append(errors, "To pass this test you must provide content as an object.")
	} else if _, hasHTML := obj["html"]; !hasHTML {
		errors = append(errors, `The "content" parameter must be an object containing a key "html".`)
	}
	return errors, properties
}

func checkJSONPhotoURL(_ *Validator, _ context.Context, _ string, _ int, req *Request) ([]string, map[string]interface{}) {
	var errors []string
	if !requireJSON(req.Format, &errors) {
		return errors, nil
	}
	if !requireJSONHEntry(req.Body, &errors) {
		return errors, nil
	}
	properties, ok := validateJSONProperties(req.Body, &errors)
	if !ok {
		return errors, nil
	}

	photo, present := propertyArray(properties, "photo")
	if !present {
		errors = append(errors, `The request did not include a "photo" parameter.`)
	} else if len(photo) == 0 {
		errors = append(errors, `The "photo" parameter was empty`)
	} else if str, isString := photo[0].(string); !isString || !isHTTPURL(str) {
		errors = append(errors, `The value of the "photo" parameter does not appear to be a URL.`)
	}
	return errors, properties
}

// checkJSONNestedObject looks for at least one value that is itself a
// Microformats 2 object: a "type" array whose first entry is an h-* token
// plus a "properties" map with at least one non-empty array value.
func checkJSONNestedObject(_ *Validator, _ context.Context, _ string, _ int, req *Request) ([]string, map[string]interface{}) {
	var errors []string
	if !requireJSON(req.Format, &errors) {
		return errors, nil
	}
	if !requireJSONHEntry(req.Body, &errors) {
		return errors, nil
	}
	properties, ok := validateJSONProperties(req.Body, &errors)
	if !ok {
		return errors, nil
	}

	hasNested := false
	for _, value := range properties {
		values, isArray := value.([]interface{})
		if !isArray {
			continue
		}
		for _, item := range values {
			obj, isObject := item.(map[string]interface{})
			if !isObject {
				continue
			}
			types, hasTypes := obj["type"].([]interface{})
			if !hasTypes || len(types) == 0 {
				continue
			}
			typeName, isString := types[0].(string)
			if !isString || !hTypePattern.MatchString(typeName) {
				continue
			}
			nested, hasProperties := obj["properties"].(map[string]interface{})
			if !hasProperties {
				continue
			}
			for _, nestedValue := range nested {
				if arr, isArr := nestedValue.([]interface{}); isArr && len(arr) > 0 {
					hasNested = true
				}
			}
		}
	}
	if !hasNested {
		errors = append(errors, "None of the values provided look like nested Microformats 2 objects.")
	}
	return errors, properties
}

func checkJSONPhotoAlt(_ *Validator, _ context.Context, _ string, _ int, req *Request) ([]string, map[string]interface{}) {
	var errors []string
	if !requireJSON(req.Format, &errors) {
		return errors, nil
	}
	if !requireJSONHEntry(req.Body, &errors) {
		return errors, nil
	}
	properties, ok := validateJSONProperties(req.Body, &errors)
	if !ok {
		return errors, nil
	}

	photo, present := propertyArray(properties, "photo")
	if !present {
		errors = append(errors, `The request did not include a "photo" parameter.`)
	} else if len(photo) == 0 {
		errors = append(errors, `The "photo" parameter was empty`)
	} else if obj, isObject := photo[0].(map[string]interface{}); !isObject {
		errors = append(errors, `The value of the "photo" parameter does not appear to include alt text.`)
	} else {
		if _, hasValue := obj["value"]; !hasValue {
			errors = append(errors, `The photo value is missing a URL. Provide the URL in the "value" property.`)
		}
		if _, hasAlt := obj["alt"]; !hasAlt {
			errors = append(errors, `The photo value is missing alt text. Provide the image alt text in the "alt" property.`)
		}
	}
	return errors, properties
}

// checkMultipartPhoto persists the uploaded file through the blob store
// and substitutes its permalink URL into the extracted properties.
func checkMultipartPhoto(v *Validator, ctx context.Context, subjectToken string, num int, req *Request) ([]string, map[string]interface{}) {
	var errors []string
	if !requireMultipart(req.Format, &errors) {
		return errors, nil
	}
	if !requireFormHEntry(req.Body, &errors) {
		return errors, nil
	}

	photo, present := req.Files["photo"]
	if !present {
		errors = append(errors, `You must upload a file in a part named "photo".`)
		return errors, req.Body
	}

	key, err := random.String(8)
	if err != nil {
		errors = append(errors, "The uploaded file could not be stored.")
		return errors, req.Body
	}
	if err := v.blobs.PutImage(ctx, subjectToken, num, key, photo.Data); err != nil {
		errors = append(errors, "The uploaded file could not be stored.")
		return errors, req.Body
	}

	req.Body["photo"] = fmt.Sprintf("%s/client/%s/%d/%s/photo.jpg", v.baseURL, subjectToken, num, key)
	return errors, req.Body
}
