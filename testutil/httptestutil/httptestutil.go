// Package httptestutil is a small HTTP test harness: build a request,
// serve it against an in-process gin.Engine (or any http.Handler), and
// assert on the response body shape this gateway's API actually returns
// (httptypes.StandardErrorResponse).
package httptestutil

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stablegate/stablegate/internal/apierr"
	"github.com/stablegate/stablegate/internal/httptypes"
	"github.com/stablegate/stablegate/internal/platform/db"
)

// Server is something that can serve HTTP requests.
type Server interface {
	ServeHTTP(response http.ResponseWriter, request *http.Request)
}

// TestHarness executes requests against an in-process server, asserting
// on the response shape. The database handle is threaded through for
// tests that need to reach past the HTTP layer (e.g. to look up a
// merchant's raw API key after seeding it directly).
type TestHarness struct {
	server   Server
	database *db.DB
}

// NewTestHarness builds a harness around the given server and database.
func NewTestHarness(server Server, database *db.DB) TestHarness {
	return TestHarness{server: server, database: database}
}

// AuthRequestArgs is a request that carries a merchant API key.
type AuthRequestArgs struct {
	APIKey string
	Path   string
	Method string
	Body   string
}

// GetAuthRequest returns an HTTP request carrying the
// `Authorization: ApiKey <key>` header internal/merchants' middleware
// expects, plus an optional JSON body.
func GetAuthRequest(t *testing.T, args AuthRequestArgs) *http.Request {
	t.Helper()
	require.NotEmpty(t, args.APIKey, "You forgot to set APIKey")

	req := GetRequest(t, RequestArgs{Path: args.Path, Method: args.Method, Body: args.Body})
	req.Header.Set("Authorization", "ApiKey "+args.APIKey)
	return req
}

// RequestArgs describes a request to build.
type RequestArgs struct {
	Path   string
	Method string
	Body   string
}

// GetRequest returns a HTTP request with an optional JSON body.
func GetRequest(t *testing.T, args RequestArgs) *http.Request {
	t.Helper()
	require.NotEmpty(t, args.Path, "You forgot to set Path")
	require.NotEmpty(t, args.Method, "You forgot to set Method")

	var body *bytes.Buffer
	var js interface{}
	if args.Body == "" {
		body = &bytes.Buffer{}
		// we have valid JSON
	} else if json.Unmarshal([]byte(args.Body), &js) == nil {
		// marshal again, to remove unnecessary whitespace
		marshalled, err := json.Marshal(js)
		require.NoError(t, err)
		body = bytes.NewBuffer(marshalled)
	} else {
		assert.FailNow(t, fmt.Sprintf("Body was not valid JSON: %s", args.Body))
	}

	res, err := http.NewRequest(args.Method, args.Path, body)
	require.NoError(t, err)
	return res
}

// Word that starts with ERR_ and only contains A-Z, _ or digits.
var uppercaseAndUnderScoreRegex = regexp.MustCompile("^ERR_([A-Z]|_|[0-9])+$")

func assertErrorIsOk(t *testing.T, response *httptest.ResponseRecorder) (*httptest.ResponseRecorder, httptypes.StandardErrorResponse) {
	body, err := ioutil.ReadAll(response.Body)
	require.NoError(t, err)

	var parsed httptypes.StandardErrorResponse
	require.NoError(t, json.Unmarshal(body, &parsed))

	assert.NotEmpty(t, parsed.ErrorField.Message, string(body))
	assert.NotEmpty(t, parsed.ErrorField.Code, string(body))
	assert.Regexp(t, uppercaseAndUnderScoreRegex, parsed.ErrorField.Code)

	assert.False(t, stderrors.Is(parsed, apierr.ErrUnknownError), "Error was ErrUnknownError! We should always make sure we're setting a sensible error")

	for _, field := range parsed.ErrorField.Fields {
		assert.NotEqual(t, field.Code, apierr.UnknownValidationTag, "Encountered unknown validation tag! We should make sure all validation tags get a nice error message.")
	}
	return response, parsed
}

// AssertResponseNotOk asserts that the given request fails, and that it
// conforms to our expected error format.
func (harness *TestHarness) AssertResponseNotOk(t *testing.T, request *http.Request) (*httptest.ResponseRecorder, httptypes.StandardErrorResponse) {
	t.Helper()
	response := httptest.NewRecorder()
	harness.server.ServeHTTP(response, request)
	if response.Code < 300 {
		assert.Fail(t, "", "Got success code (%d) on path %s", response.Code, extractMethodAndPath(request))
	}

	return assertErrorIsOk(t, response)
}

// AssertResponseNotOkWithCode checks that the given request results in
// the given HTTP status code. It returns the response to the request.
func (harness *TestHarness) AssertResponseNotOkWithCode(t *testing.T, request *http.Request, code int) (*httptest.ResponseRecorder, httptypes.StandardErrorResponse) {
	require.Truef(t, code >= 100 && code <= 500, "Given code (%d) is not a valid HTTP code", code)
	t.Helper()

	reqBody, err := ioutil.ReadAll(request.Body)
	require.NoError(t, err)

	request.Body = ioutil.NopCloser(bytes.NewReader(reqBody))

	response, error := harness.AssertResponseNotOk(t, request)
	resBody := response.Body.String()
	if resBody == "" {
		resBody = "empty body"
	}
	require.Equalf(t, code, response.Code, "%s %s: Request: %s. Response: %s", request.Method, request.URL.Path, reqBody, resBody)
	return response, error
}

// AssertResponseOkWithBody performs AssertResponseOk, then asserts the
// body is non-empty and returns it.
func (harness *TestHarness) AssertResponseOkWithBody(t *testing.T, request *http.Request) bytes.Buffer {
	t.Helper()
	response := harness.AssertResponseOk(t, request)

	assert.NotEmpty(t, response.Body, "Body was empty!")

	return *response.Body
}

// AssertResponseOkWithJson performs AssertResponseOk, then asserts that
// the body of the response can be parsed as JSON, and returns the
// parsed JSON.
func (harness *TestHarness) AssertResponseOkWithJson(t *testing.T, request *http.Request) map[string]interface{} {
	t.Helper()
	var destination map[string]interface{}
	harness.AssertResponseOKWithStruct(t, request, &destination)
	return destination
}

// AssertResponseOkWithJsonList performs AssertResponseOk, then asserts
// that the body of the response can be parsed as a JSON list, and
// returns the parsed list.
func (harness *TestHarness) AssertResponseOkWithJsonList(t *testing.T, request *http.Request) []map[string]interface{} {
	t.Helper()

	var destination []map[string]interface{}
	harness.AssertResponseOKWithStruct(t, request, &destination)
	assert.NotNil(t, destination, "Did not receive JSON list, but null")

	return destination
}

func extractMethodAndPath(req *http.Request) string {
	return req.Method + " " + req.URL.Path
}

// AssertResponseOk performs the given request against the API, asserts
// that the response completed successfully, and returns the response.
func (harness *TestHarness) AssertResponseOk(t *testing.T, request *http.Request) *httptest.ResponseRecorder {
	t.Helper()

	var bodyBytes []byte
	var err error
	if request.Body != nil {
		// read the body bytes for potential error messages later
		bodyBytes, err = ioutil.ReadAll(request.Body)
		require.NoError(t, err)

		request.Body = ioutil.NopCloser(bytes.NewBuffer(bodyBytes))
	}

	response := httptest.NewRecorder()
	harness.server.ServeHTTP(response, request)

	if response.Code >= 300 {
		methodAndPath := extractMethodAndPath(request)
		body := response.Body.String()
		assert.Failf(t, "Got failure response", "code: %d, path %s: %s", response.Code, methodAndPath, body)
		_, _ = assertErrorIsOk(t, response)
	}

	// restore the request body so it can be served again
	request.Body = ioutil.NopCloser(bytes.NewBuffer(bodyBytes))

	return response
}

// AssertResponseOKWithStruct attempts to unmarshal the body into the
// struct passed as an argument. The third argument MUST be a pointer.
func (harness *TestHarness) AssertResponseOKWithStruct(t *testing.T, request *http.Request, s interface{}) {
	t.Helper()

	response := harness.AssertResponseOkWithBody(t, request)

	assert.NoError(t, json.Unmarshal(response.Bytes(), s))
}
