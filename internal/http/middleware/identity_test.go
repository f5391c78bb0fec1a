package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIdentity_HeaderAnonymousAndUpstream(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		name     string
		upstream string
		header   string
		want     string
	}{
		{name: "anonymous", want: ""},
		{name: "header", header: "  u-7 ", want: "u-7"},
		{name: "upstream identity wins", upstream: "gw-1", header: "u-7", want: "gw-1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := gin.New()
			if tc.upstream != "" {
				r.Use(func(c *gin.Context) { c.Set("userID", tc.upstream); c.Next() })
			}
			r.Use(Identity())
			var got string
			r.GET("/me", func(c *gin.Context) {
				got = UserID(c)
				c.Status(http.StatusNoContent)
			})

			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tc.header != "" {
				req.Header.Set(HeaderUserID, tc.header)
			}
			r.ServeHTTP(httptest.NewRecorder(), req)
			if got != tc.want {
				t.Fatalf("UserID = %q; want %q", got, tc.want)
			}
		})
	}
}

func TestUserID_WrongType(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Set("userID", 42)
	if got := UserID(c); got != "" {
		t.Fatalf("UserID = %q; want empty", got)
	}
}
