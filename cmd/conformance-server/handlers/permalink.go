package handlers

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/micropub-rocks/conformance/internal/blob"
	"github.com/micropub-rocks/conformance/internal/store"
)

// ViewTest marks a test as the subject's active one and returns its
// description. Arriving here from the client's own site right after the
// authorization redirect is taken as evidence the client checked the
// state parameter and followed the redirect.
func (h *Handler) ViewTest(w http.ResponseWriter, r *http.Request) {
	subject := h.subject(w, r)
	if subject == nil {
		return
	}

	num, err := strconv.Atoi(r.PathValue("num"))
	if err != nil {
		http.NotFound(w, r)
		return
	}

	test, err := h.store.GetTestByNumber("client", num)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			h.logger.Error("test lookup failed", zap.Error(err))
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}
		http.NotFound(w, r)
		return
	}

	if err := h.store.SetSubjectLastViewedTest(subject.ID, num); err != nil {
		h.logger.Error("failed to set active test", zap.Error(err))
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	if refererMatchesRedirect(r.Header.Get("Referer"), subject.RedirectURI) {
		h.record(subject.ID, 14, true, 0)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"group":  test.Group,
		"number": test.Number,
		"name":   test.Name,
	})
}

// Post serves a created post's permalink: the extracted properties plus
// the transcript of the request that created it.
func (h *Handler) Post(w http.ResponseWriter, r *http.Request) {
	subject := h.subject(w, r)
	if subject == nil {
		return
	}

	num, err := strconv.Atoi(r.PathValue("num"))
	if err != nil {
		http.NotFound(w, r)
		return
	}

	post, err := h.blobs.GetPost(r.Context(), subject.Token, num, r.PathValue("key"))
	if err != nil {
		if !errors.Is(err, blob.ErrNotFound) {
			h.logger.Error("post lookup failed", zap.Error(err))
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}
		http.NotFound(w, r)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"properties": post.Properties,
		"debug":      post.Debug,
	})
}

// Image serves an uploaded photo back at the URL substituted into the
// post's properties.
func (h *Handler) Image(w http.ResponseWriter, r *http.Request) {
	subject := h.subject(w, r)
	if subject == nil {
		return
	}

	num, err := strconv.Atoi(r.PathValue("num"))
	if err != nil {
		http.NotFound(w, r)
		return
	}

	data, err := h.blobs.GetImage(r.Context(), subject.Token, num, r.PathValue("key"))
	if err != nil {
		if !errors.Is(err, blob.ErrNotFound) {
			h.logger.Error("image lookup failed", zap.Error(err))
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	_, _ = w.Write(data)
}

// refererMatchesRedirect reports whether the Referer came from the same
// host as the subject's registered redirect URI. A heuristic only: it
// cannot distinguish a real redirect-following client from one that set
// the header by hand.
func refererMatchesRedirect(referer, redirectURI string) bool {
	if referer == "" || redirectURI == "" {
		return false
	}
	refererURL, err := url.Parse(referer)
	if err != nil {
		return false
	}
	redirectURL, err := url.Parse(redirectURI)
	if err != nil {
		return false
	}
	return refererURL.Host != "" && refererURL.Host == redirectURL.Host
}
