package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/micropub-rocks/conformance/internal/authflow"
	"github.com/micropub-rocks/conformance/internal/blob"
	"github.com/micropub-rocks/conformance/internal/conformance"
	"github.com/micropub-rocks/conformance/internal/random"
)

const maxUploadBytes = 10 << 20

// Micropub accepts a publish request, grades it against the subject's
// last-viewed test, and on success mints a permalink for the created
// post. The raw request is captured before parsing so the stored post
// can carry a full transcript for debugging.
func (h *Handler) Micropub(w http.ResponseWriter, r *http.Request) {
	subject := h.subject(w, r)
	if subject == nil {
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(raw))
	debug := requestTranscript(r, raw)

	req, formToken, parseErr := h.decodePublishRequest(r)
	if parseErr != nil {
		h.publishResult(subject.Token, false, []string{parseErr.Error()}, nil, debug)
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"errors": []string{parseErr.Error()},
		})
		return
	}

	if _, err := h.flow.Authenticate(subject, r.Header.Get("Authorization"), formToken); err != nil {
		h.authFailure(w, subject.Token, err, debug)
		return
	}

	num := subject.LastViewedTest
	verdict := h.validator.Validate(r.Context(), subject.Token, num, req)

	if test, lookupErr := h.store.GetTestByNumber("client", num); lookupErr == nil {
		response, _ := json.Marshal(map[string]interface{}{
			"errors":     verdict.Errors,
			"properties": verdict.Properties,
			"debug":      debug,
		})
		if upsertErr := h.store.UpsertTestResult(subject.ID, test.ID, verdict.Passed(), string(response)); upsertErr != nil {
			h.logger.Warn("failed to store test result",
				zap.Int("test", num), zap.Error(upsertErr))
		}
		for _, feature := range verdict.Features {
			h.record(subject.ID, feature, verdict.Passed(), test.ID)
		}
	}

	h.publishResult(subject.Token, verdict.Passed(), verdict.Errors, verdict.Properties, debug)

	if verdict.ServerFault {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"errors": verdict.Errors,
		})
		return
	}
	if !verdict.Passed() {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"errors": verdict.Errors,
		})
		return
	}

	key, err := random.String(8)
	if err != nil {
		h.logger.Error("failed to generate post key", zap.Error(err))
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	post := &blob.Post{
		Properties: verdict.Properties,
		Debug:      debug,
	}
	if err := h.blobs.PutPost(r.Context(), subject.Token, num, key, post); err != nil {
		h.logger.Error("failed to store post", zap.Error(err))
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	location := fmt.Sprintf("%s/client/%s/%d/%s", h.cfg.BaseURL, subject.Token, num, key)
	w.Header().Set("Location", location)
	w.WriteHeader(http.StatusCreated)
}

// MicropubQuery answers q=config and q=syndicate-to queries. When the
// subject's last-viewed test is one of the query tests the request is
// graded; otherwise a well-formed query still earns its feature credit.
func (h *Handler) MicropubQuery(w http.ResponseWriter, r *http.Request) {
	subject := h.subject(w, r)
	if subject == nil {
		return
	}

	debug := requestTranscript(r, nil)

	if _, err := h.flow.Authenticate(subject, r.Header.Get("Authorization"), ""); err != nil {
		h.authFailure(w, subject.Token, err, debug)
		return
	}

	query := r.URL.Query()
	num := subject.LastViewedTest
	verdict := h.validator.ValidateQuery(num, query)

	if len(verdict.Features) > 0 {
		if test, lookupErr := h.store.GetTestByNumber("client", num); lookupErr == nil {
			response, _ := json.Marshal(map[string]interface{}{
				"errors": verdict.Errors,
				"debug":  debug,
			})
			if upsertErr := h.store.UpsertTestResult(subject.ID, test.ID, verdict.Passed(), string(response)); upsertErr != nil {
				h.logger.Warn("failed to store test result",
					zap.Int("test", num), zap.Error(upsertErr))
			}
			for _, feature := range verdict.Features {
				h.record(subject.ID, feature, verdict.Passed(), test.ID)
			}
		}
		h.publishResult(subject.Token, verdict.Passed(), verdict.Errors, nil, debug)
	} else if len(query) == 1 {
		// A clean query outside a graded test still proves the client
		// knows how to ask.
		if feature := conformance.QueryFeature(query.Get("q")); feature != 0 {
			h.record(subject.ID, feature, true, 0)
		}
	}

	switch query.Get("q") {
	case "config", "syndicate-to":
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"syndicate-to": h.cfg.SyndicationTargets,
		})
	default:
		writeJSON(w, http.StatusBadRequest, &authflow.OAuthError{
			Code:        "invalid_request",
			Description: "The q parameter provided is not supported",
		})
	}
}

// decodePublishRequest classifies the request body by content type and
// normalizes it. For form and multipart bodies the access_token field is
// an authentication credential, not a post property, so it is pulled out
// of the body before validation.
func (h *Handler) decodePublishRequest(r *http.Request) (*conformance.Request, string, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		mediaType = ""
	}

	switch {
	case mediaType == "application/json":
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return nil, "", errors.New("The request body could not be parsed as JSON.")
		}
		return &conformance.Request{Format: conformance.FormatJSON, Body: body}, "", nil

	case mediaType == "multipart/form-data":
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			return nil, "", errors.New("The request body could not be parsed as a multipart form.")
		}
		body := conformance.ParseFormBody(r.MultipartForm.Value)
		formToken, _ := body["access_token"].(string)
		delete(body, "access_token")

		files := make(map[string]conformance.File)
		for name, headers := range r.MultipartForm.File {
			if len(headers) == 0 {
				continue
			}
			part, openErr := headers[0].Open()
			if openErr != nil {
				return nil, "", errors.New("An uploaded file could not be read.")
			}
			data, readErr := io.ReadAll(part)
			part.Close()
			if readErr != nil {
				return nil, "", errors.New("An uploaded file could not be read.")
			}
			files[name] = conformance.File{Filename: headers[0].Filename, Data: data}
		}
		return &conformance.Request{Format: conformance.FormatMultipart, Body: body, Files: files}, formToken, nil

	default:
		if err := r.ParseForm(); err != nil {
			return nil, "", errors.New("The request body could not be parsed as a form.")
		}
		body := conformance.ParseFormBody(r.PostForm)
		formToken, _ := body["access_token"].(string)
		delete(body, "access_token")
		return &conformance.Request{Format: conformance.FormatForm, Body: body}, formToken, nil
	}
}

// authFailure maps an authentication error to the response the client
// sees, streaming the failure to the dashboard as well.
func (h *Handler) authFailure(w http.ResponseWriter, subjectToken string, err error, debug string) {
	switch {
	case errors.Is(err, authflow.ErrNoCredentials):
		message := "The request did not provide an access token. Send the token in an Authorization header with the Bearer scheme, or as a form-encoded access_token parameter."
		h.publishResult(subjectToken, false, []string{message}, nil, debug)
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"errors": []string{message},
		})
	case errors.Is(err, authflow.ErrUnauthorized):
		message := "The access token provided was not valid."
		h.publishResult(subjectToken, false, []string{message}, nil, debug)
		writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"errors": []string{message},
		})
	default:
		h.logger.Error("authentication failed", zap.Error(err))
		http.Error(w, "Internal error", http.StatusInternalServerError)
	}
}

func (h *Handler) publishResult(subjectToken string, passed bool, errorList []string, properties map[string]interface{}, debug string) {
	if errorList == nil {
		errorList = []string{}
	}
	h.notify.Publish("client-"+subjectToken, map[string]interface{}{
		"action":     "client-result",
		"passed":     passed,
		"errors":     errorList,
		"properties": properties,
		"debug":      debug,
	})
}

// requestTranscript reconstructs the request as received, headers sorted
// for stable output. Binary multipart bodies are elided.
func requestTranscript(r *http.Request, body []byte) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s\n", r.Method, r.URL.RequestURI(), r.Proto)

	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, value := range r.Header[name] {
			fmt.Fprintf(&b, "%s: %s\n", name, value)
		}
	}
	b.WriteString("\n")

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		b.WriteString("(multipart body omitted)")
	} else {
		b.Write(body)
	}
	return b.String()
}
