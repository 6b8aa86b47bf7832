package conformance

import (
	"fmt"
	"net/url"
	"regexp"
)

var hTypePattern = regexp.MustCompile(`^h-.+`)

// The format gate is the only fail-fast check: a wrong content type
// produces one error and skips the rest of the entry.

func requireForm(format Format, errors *[]string) bool {
	if format != FormatForm {
		*errors = append(*errors, "The request was not a form-encoded request. Ensure you are sending a proper form-encoded request with valid parameters.")
		return false
	}
	return true
}

func requireJSON(format Format, errors *[]string) bool {
	if format != FormatJSON {
		*errors = append(*errors, "The request was not a JSON request. Ensure you are sending a proper JSON request with valid parameters.")
		return false
	}
	return true
}

func requireMultipart(format Format, errors *[]string) bool {
	if format != FormatMultipart {
		*errors = append(*errors, "The request was not a multipart-encoded request. Ensure you are sending a proper multipart request with valid parameters.")
		return false
	}
	return true
}

func requireFormHEntry(body map[string]interface{}, errors *[]string) bool {
	if body["h"] != "entry" {
		*errors = append(*errors, `The request to create an h-entry must include a parameter "h" set to "entry"`)
		return false
	}
	return true
}

func requireJSONHEntry(body map[string]interface{}, errors *[]string) bool {
	types, ok := body["type"].([]interface{})
	if ok {
		for _, t := range types {
			if t == "h-entry" {
				return true
			}
		}
	}
	*errors = append(*errors, `The request to create an h-entry must include a parameter "type" set to ["h-entry"]`)
	return false
}

// validateJSONProperties enforces the protocol invariant that every value
// in the "properties" map is an array, even singletons. Each scalar value
// is reported per key.
func validateJSONProperties(body map[string]interface{}, errors *[]string) (map[string]interface{}, bool) {
	rawProperties, ok := body["properties"].(map[string]interface{})
	if !ok {
		*errors = append(*errors, `JSON requests must send a Microformats 2 object where the values are in a key named "properties".`)
		return nil, false
	}

	hasError := false
	for key, value := range rawProperties {
		if _, isArray := value.([]interface{}); !isArray {
			*errors = append(*errors, fmt.Sprintf(`The "%s" parameter was not provided as an array. In JSON format, all values are arrays, even if there is only one value.`, key))
			hasError = true
		}
	}
	if hasError {
		return nil, false
	}
	return rawProperties, true
}

func propertyArray(properties map[string]interface{}, key string) ([]interface{}, bool) {
	value, ok := properties[key]
	if !ok {
		return nil, false
	}
	arr, _ := value.([]interface{})
	return arr, true
}

func isHTTPURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != ""
}
