package apierr

import (
	"bytes"
	"encoding/json"
	"errors"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/stablegate/stablegate/build"
	"github.com/stablegate/stablegate/internal/httptypes"
	"github.com/stablegate/stablegate/testutil"
)

type Request struct {
	Foo int    `form:"foo" json:"foo" binding:"required"`
	Bar string `form:"bar" json:"bar" binding:"required"`
}

var (
	middleware = GetMiddleware(build.AddSubLogger("APIERR_TEST"))
	router     = setupRouter(middleware)
	emptyBody  = bytes.NewBuffer([]byte(""))

	publicError = apiError{
		err:  errors.New("this is a public error"),
		code: "ERR_PUBLIC",
		kind: KindInvariantViolation,
	}
)

func setupRouter(middleware gin.HandlerFunc) *gin.Engine {
	r := gin.Default()
	r.Use(middleware)
	r.GET("/query", func(c *gin.Context) {
		var req Request
		if c.BindQuery(&req) != nil {
			return
		}
		c.Status(200)
	})
	r.GET("/json", func(c *gin.Context) {
		var req Request
		if c.BindJSON(&req) != nil {
			return
		}
		c.Status(200)
	})
	r.GET("/private", func(c *gin.Context) {
		_ = c.Error(errors.New("this is a private error"))
	})
	r.GET("/public", func(c *gin.Context) {
		Public(c, http.StatusInternalServerError, publicError)
	})
	r.GET("/withCode", func(c *gin.Context) {
		_ = c.AbortWithError(http.StatusUnauthorized, errors.New("with a code"))
	})
	return r
}

func assertErrorResponseOk(t *testing.T, w *httptest.ResponseRecorder, expectedFieldErrors int) httptypes.StandardErrorResponse {
	bodyBytes, err := ioutil.ReadAll(w.Body)
	if err != nil {
		testutil.FatalMsg(t, err)
	}
	var res httptypes.StandardErrorResponse
	if err := json.Unmarshal(bodyBytes, &res); err != nil {
		testutil.FatalMsg(t, err)
	}
	testutil.AssertMsg(t, res.ErrorField.Fields != nil, "Fields was nil!")
	testutil.AssertEqual(t, expectedFieldErrors, len(res.ErrorField.Fields))
	return res
}

func TestJsonValidation(t *testing.T) {
	t.Run("reject bad JSON body request", func(t *testing.T) {
		t.Run("empty body", func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest("GET", "/json", emptyBody)
			router.ServeHTTP(w, req)
			testutil.AssertEqual(t, http.StatusBadRequest, w.Code)
			err := assertErrorResponseOk(t, w, 0)
			testutil.AssertMsg(t, err.ErrorField.Message != "", "Error message was empty")
			testutil.AssertEqual(t, ErrInvalidJson.code, err.ErrorField.Code)
		})

		t.Run("invalid JSON", func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest("GET", "/json", bytes.NewBuffer([]byte(`{[{"foo": 2 }]`)))
			router.ServeHTTP(w, req)
			testutil.AssertEqual(t, http.StatusBadRequest, w.Code)
			err := assertErrorResponseOk(t, w, 0)
			testutil.AssertEqual(t, ErrInvalidJson.code, err.ErrorField.Code)
		})

		t.Run("no parameters", func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest("GET", "/json", bytes.NewBuffer([]byte(`{}`)))
			router.ServeHTTP(w, req)
			testutil.AssertEqual(t, http.StatusBadRequest, w.Code)
			err := assertErrorResponseOk(t, w, 2)
			barOk, fooOk := false, false
			for _, field := range err.ErrorField.Fields {
				if field.Field == "bar" && field.Code == "required" {
					barOk = true
				}
				if field.Field == "foo" && field.Code == "required" {
					fooOk = true
				}
			}
			testutil.AssertMsg(t, barOk, `"bar" did not have a meaningful message!`)
			testutil.AssertMsg(t, fooOk, `"foo" did not have a meaningful message!`)
		})

		t.Run("just foo", func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest("GET", "/json", bytes.NewBuffer([]byte(`{"foo": 1}`)))
			router.ServeHTTP(w, req)
			testutil.AssertEqual(t, http.StatusBadRequest, w.Code)
			err := assertErrorResponseOk(t, w, 1)
			testutil.AssertEqual(t, "bar", err.ErrorField.Fields[0].Field)
		})
	})

	t.Run("accept good JSON request", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/json", bytes.NewBuffer([]byte(`{"foo": 1238, "bar": "bazzzzz"}`)))
		router.ServeHTTP(w, req)
		testutil.AssertEqual(t, http.StatusOK, w.Code)
	})
}

func TestQueryValidation(t *testing.T) {
	t.Run("reject bad query parameter request", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/query", emptyBody)
		router.ServeHTTP(w, req)
		testutil.AssertEqual(t, http.StatusBadRequest, w.Code)
		_ = assertErrorResponseOk(t, w, 2)
	})

	t.Run("accept good query parameter request", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/query?foo=1&bar=bar", emptyBody)
		router.ServeHTTP(w, req)
		testutil.AssertEqual(t, http.StatusOK, w.Code)
	})
}

// When a request errors with a code we expect that code to be set, instead of
// the default code (500)
func TestErrorWithCode(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/withCode", emptyBody)
	router.ServeHTTP(w, req)
	testutil.AssertMsg(t, w.Code != http.StatusInternalServerError, "expected a non-500 status code")
}

// When a request errors with a public error we expect that error message to
// be sent
func TestPublicError(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/public", emptyBody)
	router.ServeHTTP(w, req)
	testutil.AssertEqual(t, http.StatusInternalServerError, w.Code)

	err := assertErrorResponseOk(t, w, 0)
	testutil.AssertEqual(t, publicError.code, err.ErrorField.Code)
}
