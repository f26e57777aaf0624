package telephony

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	twclient "github.com/twilio/twilio-go/client"
)

const paramsKey = "twilioParams"

// SignatureAuth rejects webhook requests whose X-Twilio-Signature does not
// match the request URL and form parameters. Parsed parameters are stored on
// the context for the handlers.
func SignatureAuth(authToken, baseURL string) echo.MiddlewareFunc {
	validator := twclient.NewRequestValidator(authToken)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if authToken == "" {
				return c.String(http.StatusInternalServerError, "TWILIO_AUTH_TOKEN not configured")
			}
			body, err := io.ReadAll(c.Request().Body)
			if err != nil {
				return c.String(http.StatusBadRequest, "Failed to read request body")
			}
			form, err := url.ParseQuery(string(body))
			if err != nil {
				return c.String(http.StatusBadRequest, "Failed to parse form data")
			}
			params := make(map[string]string, len(form))
			for k, v := range form {
				if len(v) > 0 {
					params[k] = v[0]
				}
			}

			signature := c.Request().Header.Get("X-Twilio-Signature")
			full := absoluteURL(c.Request(), baseURL, c.Request().URL.RequestURI())
			if signature == "" || !validator.Validate(full, params, signature) {
				return c.String(http.StatusUnauthorized, "Invalid Twilio signature")
			}
			c.Set(paramsKey, params)
			return next(c)
		}
	}
}

// param reads a webhook form value captured by SignatureAuth.
func param(c echo.Context, key string) string {
	if p, ok := c.Get(paramsKey).(map[string]string); ok {
		return p[key]
	}
	return c.FormValue(key)
}

// absoluteURL builds the public URL Twilio used to reach path.
// Priority: configured base URL, X-Forwarded-* headers, then the Host header.
func absoluteURL(r *http.Request, baseURL, path string) string {
	if baseURL == "" {
		proto := r.Header.Get("X-Forwarded-Proto")
		host := r.Header.Get("X-Forwarded-Host")
		if proto != "" && host != "" {
			baseURL = fmt.Sprintf("%s://%s", proto, host)
		}
	}
	if baseURL == "" {
		proto := "https"
		if strings.HasPrefix(r.Host, "localhost:") || strings.HasPrefix(r.Host, "127.0.0.1:") {
			proto = "http"
		}
		baseURL = fmt.Sprintf("%s://%s", proto, r.Host)
	}
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return strings.TrimRight(baseURL, "/") + path
}
