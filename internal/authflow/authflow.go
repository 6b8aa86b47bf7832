package authflow

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/micropub-rocks/conformance/internal/random"
	"github.com/micropub-rocks/conformance/internal/signedstate"
	"github.com/micropub-rocks/conformance/internal/store"
)

// Feature numbers proved by the authorization flow itself.
const (
	featureTokenExchange = 1
	featureHeaderAuth    = 2
	featureBodyAuth      = 3
	featureCreateScope   = 4
)

// ErrInvalidRequest is returned by Confirm when the confirmation token is
// missing, tampered with, expired, or of the wrong type.
var ErrInvalidRequest = errors.New("invalid authorization request")

// ErrNoCredentials is returned by Authenticate when neither token source
// was supplied.
var ErrNoCredentials = errors.New("no access token provided")

// ErrUnauthorized is returned by Authenticate when the supplied token does
// not belong to the subject.
var ErrUnauthorized = errors.New("access token not valid")

// FieldError describes one problem with an authorization request
// parameter. All field errors for a request are collected before
// returning, so the caller sees every problem at once.
type FieldError struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// OAuthError is a machine-readable token-exchange failure.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// TokenGrant is the successful result of a code exchange.
type TokenGrant struct {
	AccessToken string `json:"access_token"`
	Scope       string `json:"scope"`
	Me          string `json:"me"`
}

// TokenStore is the slice of the store the flow needs.
type TokenStore interface {
	CreateAccessToken(token *store.AccessToken) error
	GetAccessToken(subjectID int64, token string) (*store.AccessToken, error)
	TouchAccessToken(id int64) error
	SetSubjectRedirectURI(subjectID int64, redirectURI string) error
}

// FeatureRecorder receives feature-implemented signals.
type FeatureRecorder interface {
	Record(subjectID int64, featureNum int, implemented bool, sourceTestID int64) error
}

// Notifier pushes fire-and-forget payloads toward the dashboard.
type Notifier interface {
	Publish(channel string, payload map[string]interface{})
}

// Flow drives the authorization handshake. Every intermediate state lives
// in a signed token carried by the client, never in server memory, so the
// flow is stateless between steps and expires on its own.
type Flow struct {
	codec      *signedstate.Codec
	store      TokenStore
	features   FeatureRecorder
	notify     Notifier
	logger     *zap.Logger
	confirmTTL time.Duration
	codeTTL    time.Duration
}

// NewFlow wires the state machine. The signing secret arrives through the
// codec; TTLs come from configuration.
func NewFlow(codec *signedstate.Codec, tokenStore TokenStore, features FeatureRecorder, notify Notifier, logger *zap.Logger, confirmTTL, codeTTL time.Duration) *Flow {
	return &Flow{
		codec:      codec,
		store:      tokenStore,
		features:   features,
		notify:     notify,
		logger:     logger,
		confirmTTL: confirmTTL,
		codeTTL:    codeTTL,
	}
}

// ValidateRequest checks an inbound authorization request's parameters.
// All field errors are collected; with none, it mints a confirmation token
// carrying the validated fields.
func (f *Flow) ValidateRequest(subject *store.Subject, params url.Values) (string, []FieldError) {
	var fieldErrors []FieldError

	if !params.Has("response_type") {
		fieldErrors = append(fieldErrors, FieldError{
			Title:       "missing response_type",
			Description: `The "response_type" parameter was missing. You must set the response_type parameter to "code".`,
		})
	} else if params.Get("response_type") != "code" {
		fieldErrors = append(fieldErrors, FieldError{
			Title:       "invalid response_type",
			Description: `The "response_type" parameter must be set to "code". This indicates to the authorization server that your application is requesting an authorization code.`,
		})
	}

	scope := ""
	if !params.Has("scope") {
		fieldErrors = append(fieldErrors, FieldError{
			Title:       "missing scope",
			Description: `Your client should request at least the "create" scope. The supported scope values will be dependent on the particular implementation, but the list of "create", "update" and "delete" should be supported by most servers.`,
		})
	} else if !strings.Contains(params.Get("scope"), "create") {
		fieldErrors = append(fieldErrors, FieldError{
			Title:       `missing "create" scope`,
			Description: `Your client should request at least the "create" scope. The supported scope values will be dependent on the particular implementation, but the list of "create", "update" and "delete" should be supported by most servers.`,
		})
	} else {
		scope = params.Get("scope")
		f.record(subject.ID, featureCreateScope, true, 0)
	}

	me := ""
	if !params.Has("me") {
		fieldErrors = append(fieldErrors, FieldError{
			Title:       "missing me",
			Description: `The "me" parameter was missing. You need to provide a parameter "me" with the URL of the user who is signing in.`,
		})
	} else if !isHTTPURL(params.Get("me")) {
		fieldErrors = append(fieldErrors, FieldError{
			Title:       "invalid me",
			Description: `The "me" value provided was not a valid URL. Only http and https schemes are supported.`,
		})
	} else {
		me = params.Get("me")
	}

	clientID := ""
	if !params.Has("client_id") {
		fieldErrors = append(fieldErrors, FieldError{
			Title:       "missing client_id",
			Description: `A "client_id" parameter is required, and must be a full URL that represents your client. Typically this is the home page or other informative page describing the client.`,
		})
	} else if !isHTTPURL(params.Get("client_id")) {
		fieldErrors = append(fieldErrors, FieldError{
			Title:       "invalid client_id",
			Description: `The "client_id" value provided was not a valid URL. Only http and https schemes are supported.`,
		})
	} else {
		clientID = params.Get("client_id")
	}

	redirectURI := ""
	if !params.Has("redirect_uri") {
		fieldErrors = append(fieldErrors, FieldError{
			Title:       "missing redirect_uri",
			Description: `A "redirect_uri" parameter is required, and must be a full URL that you'll be sent to after approving this application.`,
		})
	} else if !isHTTPURL(params.Get("redirect_uri")) {
		fieldErrors = append(fieldErrors, FieldError{
			Title:       "invalid redirect_uri",
			Description: `The "redirect_uri" value provided was not a valid URL. Only http and https schemes are supported.`,
		})
	} else {
		redirectURI = params.Get("redirect_uri")
	}

	if !params.Has("state") {
		fieldErrors = append(fieldErrors, FieldError{
			Title:       "missing state",
			Description: `A "state" parameter is required. Your client should generate a unique state value and provide it in this request, then check that the state matches after the user is redirected back to your application. This helps prevent against attacks.`,
		})
	}

	if len(fieldErrors) > 0 {
		return "", fieldErrors
	}

	token, err := f.codec.Encode(map[string]interface{}{
		"type":         "confirm",
		"scope":        scope,
		"me":           me,
		"client_id":    clientID,
		"redirect_uri": redirectURI,
		"state":        params.Get("state"),
		"created_at":   time.Now().Unix(),
	}, f.confirmTTL)
	if err != nil {
		f.logger.Error("failed to sign confirmation token", zap.Error(err))
		return "", []FieldError{{
			Title:       "internal error",
			Description: "The authorization request could not be processed.",
		}}
	}

	return token, nil
}

// Confirm exchanges an approved confirmation token for a redirect back to
// the client carrying a short-lived authorization code.
func (f *Flow) Confirm(tokenIn string) (string, error) {
	claims, err := f.codec.Decode(tokenIn)
	if err != nil {
		return "", ErrInvalidRequest
	}
	if claims["type"] != "confirm" {
		return "", ErrInvalidRequest
	}

	nonce, err := random.String(10)
	if err != nil {
		return "", fmt.Errorf("generating code nonce: %w", err)
	}

	code, err := f.codec.Encode(map[string]interface{}{
		"type":         "authorization_code",
		"scope":        claims["scope"],
		"me":           claims["me"],
		"client_id":    claims["client_id"],
		"redirect_uri": claims["redirect_uri"],
		"state":        claims["state"],
		"nonce":        nonce,
		"created_at":   time.Now().Unix(),
	}, f.codeTTL)
	if err != nil {
		return "", fmt.Errorf("signing authorization code: %w", err)
	}

	redirectURI, _ := claims["redirect_uri"].(string)
	state, _ := claims["state"].(string)
	me, _ := claims["me"].(string)

	return addQueryParams(redirectURI, map[string]string{
		"code":  code,
		"state": state,
		"me":    me,
	}), nil
}

// Exchange redeems an authorization code for a long-lived access token.
// Checks run in a fixed order and short-circuit on the first failure.
func (f *Flow) Exchange(subject *store.Subject, grantType, code, clientID, redirectURI string) (*TokenGrant, *OAuthError, error) {
	if grantType == "" {
		return nil, &OAuthError{
			Code:        "invalid_request",
			Description: "This request must be made with a grant_type parameter set to authorization_code",
		}, nil
	}
	if grantType != "authorization_code" {
		return nil, &OAuthError{
			Code:        "unsupported_grant_type",
			Description: "Only the authorization_code grant is supported",
		}, nil
	}

	claims, err := f.codec.Decode(code)
	if err != nil {
		if errors.Is(err, signedstate.ErrExpired) {
			return nil, &OAuthError{
				Code:        "invalid_grant",
				Description: "The authorization code you provided has expired",
			}, nil
		}
		return nil, &OAuthError{
			Code:        "invalid_grant",
			Description: "The authorization code you provided is not valid",
		}, nil
	}
	if claims["type"] != "authorization_code" {
		return nil, &OAuthError{
			Code:        "invalid_grant",
			Description: "The authorization code you provided is not valid",
		}, nil
	}

	if clientID == "" {
		return nil, &OAuthError{
			Code:        "invalid_grant",
			Description: "You must provide the client_id that was used to generate this authorization code in the request",
		}, nil
	}
	if clientID != claims["client_id"] {
		return nil, &OAuthError{
			Code:        "invalid_grant",
			Description: "The client_id in this request did not match the client_id that was used to generate this authorization code",
		}, nil
	}

	if redirectURI == "" {
		return nil, &OAuthError{
			Code:        "invalid_grant",
			Description: "You must provide the redirect_uri that was used to generate this authorization code in the request",
		}, nil
	}
	if redirectURI != claims["redirect_uri"] {
		return nil, &OAuthError{
			Code:        "invalid_grant",
			Description: "The redirect_uri in this request did not match the redirect_uri that was used to generate this authorization code",
		}, nil
	}

	tokenValue, err := random.String(128)
	if err != nil {
		return nil, nil, fmt.Errorf("generating access token: %w", err)
	}
	if err := f.store.CreateAccessToken(&store.AccessToken{
		SubjectID: subject.ID,
		Token:     tokenValue,
	}); err != nil {
		return nil, nil, fmt.Errorf("persisting access token: %w", err)
	}

	// The redirect URI from the code becomes the subject's remembered
	// redirect for the referer heuristic on later test views.
	if err := f.store.SetSubjectRedirectURI(subject.ID, redirectURI); err != nil {
		return nil, nil, fmt.Errorf("persisting redirect uri: %w", err)
	}
	subject.RedirectURI = redirectURI

	f.record(subject.ID, featureTokenExchange, true, 0)
	f.notify.Publish("client-"+subject.Token, map[string]interface{}{
		"action":    "authorization-complete",
		"client_id": clientID,
	})

	me, _ := claims["me"].(string)
	return &TokenGrant{
		AccessToken: tokenValue,
		Scope:       "create",
		Me:          me,
	}, nil, nil
}

// Authenticate resolves a bearer credential from either the Authorization
// header or a form-encoded access_token field, scoped to one subject.
// Either source is sufficient; each is its own feature signal.
func (f *Flow) Authenticate(subject *store.Subject, authorizationHeader, formToken string) (*store.AccessToken, error) {
	headerToken := ""
	if strings.HasPrefix(authorizationHeader, "Bearer ") {
		headerToken = strings.TrimPrefix(authorizationHeader, "Bearer ")
	}

	tokenValue := headerToken
	fromBody := false
	if tokenValue == "" && formToken != "" {
		tokenValue = formToken
		fromBody = true
	}
	if tokenValue == "" {
		return nil, ErrNoCredentials
	}

	record, err := f.store.GetAccessToken(subject.ID, tokenValue)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}

	if err := f.store.TouchAccessToken(record.ID); err != nil {
		f.logger.Warn("failed to update token last_used", zap.Error(err))
	}

	if fromBody {
		f.record(subject.ID, featureBodyAuth, true, 0)
	} else {
		f.record(subject.ID, featureHeaderAuth, true, 0)
	}
	return record, nil
}

func (f *Flow) record(subjectID int64, featureNum int, implemented bool, sourceTestID int64) {
	if err := f.features.Record(subjectID, featureNum, implemented, sourceTestID); err != nil {
		f.logger.Warn("failed to record feature result",
			zap.Int("feature", featureNum), zap.Error(err))
	}
}

func isHTTPURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != ""
}

func addQueryParams(base string, params map[string]string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
