package ginx_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/jimyag/assistd/pkg/apierror"
	"github.com/jimyag/assistd/pkg/ginx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoArgs struct {
	Name string `json:"name" form:"name"`
}

func (a *echoArgs) IsValid() error {
	if a.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

type echoResp struct {
	Greeting string `json:"greeting"`
}

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(func(c *gin.Context) {
		ginx.SetRequestID(c, "req-test")
		c.Next()
	})
	return router
}

func TestAdapt5(t *testing.T) {
	t.Parallel()

	testcases := []struct {
		name       string
		body       string
		query      string
		handlerErr error
		wantStatus int
		wantBody   string
	}{
		{
			name:       "json body",
			body:       `{"name":"alice"}`,
			wantStatus: http.StatusOK,
			wantBody:   `"greeting":"hello alice"`,
		},
		{
			name:       "query args",
			query:      "?name=bob",
			wantStatus: http.StatusOK,
			wantBody:   `"greeting":"hello bob"`,
		},
		{
			name:       "validation failure",
			body:       `{}`,
			wantStatus: http.StatusBadRequest,
			wantBody:   `"code":"InvalidParameterValue"`,
		},
		{
			name:       "malformed json",
			body:       `{"name":`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "api error uses its status",
			body:       `{"name":"carol"}`,
			handlerErr: fmt.Errorf("wrapped: %w", apierror.ErrInsufficientCredits),
			wantStatus: http.StatusPaymentRequired,
			wantBody:   `"requestID":"req-test"`,
		},
		{
			name:       "plain error is internal",
			body:       `{"name":"dave"}`,
			handlerErr: errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantBody:   `"code":"InternalError"`,
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			router := newRouter()
			router.POST("/echo", ginx.Adapt5(func(c *gin.Context, args *echoArgs) (*echoResp, error) {
				if tc.handlerErr != nil {
					return nil, tc.handlerErr
				}
				return &echoResp{Greeting: "hello " + args.Name}, nil
			}))

			req := httptest.NewRequest(http.MethodPost, "/echo"+tc.query, strings.NewReader(tc.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tc.wantStatus, w.Code)
			if tc.wantBody != "" {
				assert.Contains(t, w.Body.String(), tc.wantBody)
			}
		})
	}
}

func TestAdapt4(t *testing.T) {
	t.Parallel()

	router := newRouter()
	var got string
	router.POST("/drain/:name", ginx.Adapt4(func(c *gin.Context, args *echoArgs) error {
		got = args.Name
		return nil
	}))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/drain/x?name=host-1", nil))

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "host-1", got)
}

func TestAdapt3(t *testing.T) {
	t.Parallel()

	testcases := []struct {
		name       string
		result     any
		wantStatus int
		wantBody   string
	}{
		{
			name:       "string renders as text",
			result:     "line one\nline two\n",
			wantStatus: http.StatusOK,
			wantBody:   "line one\nline two\n",
		},
		{
			name:       "nil renders no content",
			result:     nil,
			wantStatus: http.StatusNoContent,
		},
		{
			name:       "struct renders json",
			result:     map[string]int{"slots": 3},
			wantStatus: http.StatusOK,
			wantBody:   `{"slots":3}`,
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			router := newRouter()
			router.GET("/r", ginx.Adapt3(func(c *gin.Context) (any, error) {
				return tc.result, nil
			}))

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/r", nil))

			assert.Equal(t, tc.wantStatus, w.Code)
			assert.Equal(t, tc.wantBody, w.Body.String())
		})
	}
}

func TestRenderError_RequestID(t *testing.T) {
	t.Parallel()

	router := newRouter()
	router.GET("/missing", ginx.Adapt3(func(c *gin.Context) (*echoResp, error) {
		return nil, apierror.ErrServerNotFound
	}))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/missing", nil))

	require.Equal(t, http.StatusNotFound, w.Code)
	var resp apierror.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "req-test", resp.RequestID)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, apierror.ErrServerNotFound.Code, resp.Errors[0].Code)
}
