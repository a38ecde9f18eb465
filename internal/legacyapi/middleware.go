package legacyapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/kimhsiao/csmsync/internal/logging"
	"github.com/kimhsiao/csmsync/internal/session"
)

const userKey = "user"

type errorResponse struct {
	Error string `json:"error"`
}

// errorHandler renders every failure as {"error": message}.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	message := "internal server error"
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if msg, ok := he.Message.(string); ok {
			message = msg
		} else {
			message = http.StatusText(code)
		}
	}
	if code >= http.StatusInternalServerError {
		logging.Error("legacy api request failed", err, map[string]interface{}{
			"method": c.Request().Method,
			"route":  c.Path(),
		})
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, errorResponse{Error: message})
}

// requestLogger logs one debug line per request.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			req, res := c.Request(), c.Response()
			logging.Debug("request", map[string]interface{}{
				"request_id":    res.Header().Get(echo.HeaderXRequestID),
				"method":        req.Method,
				"route":         c.Path(),
				"status":        res.Status,
				"response_time": time.Since(start).String(),
			})
			return nil
		}
	}
}

// authenticate verifies the bearer token. A missing token is 401, a bad or expired
// one is 403.
func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer"))
		if header == "" || token == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
		}
		claims, err := session.ParseToken(s.secret, token, s.now)
		if err != nil {
			return echo.NewHTTPError(http.StatusForbidden, "invalid or expired token")
		}
		c.Set(userKey, claims.User())
		return next(c)
	}
}

func currentUser(c echo.Context) session.User {
	u, _ := c.Get(userKey).(session.User)
	return u
}
