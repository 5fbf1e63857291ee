package redfish

import (
	"context"
	"net/http"
	"strings"
)

const sessionsPath = serviceRootPath + "/SessionService/Sessions"

// Session is a login session created through the session service.
type Session struct {
	Token string
	// Path is the session resource; DELETE it to log out.
	Path string
}

// CreateSession logs in with user and password and returns the session token.
// The token can be used to build an Endpoint with TokenAuth.
func (c *Client) CreateSession(ctx context.Context, user, password string) (Session, error) {
	op := http.MethodPost + " " + sessionsPath
	if strings.TrimSpace(user) == "" {
		return Session{}, NewError(ErrInvalidRequest, op, 0, "user name is required", nil)
	}

	resp, err := c.do(ctx, Request{
		Method: http.MethodPost,
		Path:   sessionsPath,
		Body: map[string]string{
			"UserName": user,
			"Password": password,
		},
	})
	if err != nil {
		return Session{}, err
	}

	token := strings.TrimSpace(resp.Header.Get(AuthTokenHeader))
	if token == "" {
		return Session{}, NewError(ErrProtocolViolation, op, resp.StatusCode, "session response carries no "+AuthTokenHeader+" header", nil)
	}

	sessionPath := resp.Location()
	if sessionPath == "" {
		sessionPath = Entity(resp.JSON).ODataID()
	}
	if strings.Contains(sessionPath, "://") {
		if idx := strings.Index(sessionPath, serviceRootPath); idx >= 0 {
			sessionPath = sessionPath[idx:]
		}
	}

	c.log.Info().Str("session", sessionPath).Msg("session created")
	return Session{Token: token, Path: sessionPath}, nil
}

// DeleteSession logs out. Sessions already gone are not an error.
func (c *Client) DeleteSession(ctx context.Context, session Session) error {
	if strings.TrimSpace(session.Path) == "" {
		return nil
	}
	_, err := c.do(ctx, Request{Method: http.MethodDelete, Path: session.Path})
	if err != nil && !IsNotFound(err) {
		return err
	}
	return nil
}

// IsNotFound reports whether err is a folded 404.
func IsNotFound(err error) bool {
	return StatusOf(err) == http.StatusNotFound
}
