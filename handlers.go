package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/irisanalysis/datalab0826-sub001/internal/auth"
)

const (
	accessCookie  = "access_token"
	refreshCookie = "refresh_token"
	// refresh cookies are only sent to the endpoints that consume them
	refreshCookiePath = "/api/auth"

	maxBodyBytes = 64 << 10
)

type creds struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenRequest struct {
	RefreshToken string `json:"refresh_token"`
	Token        string `json:"token"`
}

var errBadBody = errors.New("invalid request body")

// decode reads a JSON body. An empty body is accepted when optional is set.
func decode(w http.ResponseWriter, r *http.Request, v interface{}, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return errBadBody
	}
	return nil
}

func (a *App) meta(r *http.Request, route string) auth.ClientMeta {
	return auth.ClientMeta{IP: a.clientIP(r), UserAgent: r.UserAgent(), Route: route}
}

func (a *App) setSessionCookies(w http.ResponseWriter, s *auth.Session) {
	http.SetCookie(w, a.cookie(accessCookie, s.AccessToken, "/", s.AccessExpiresAt))
	http.SetCookie(w, a.cookie(refreshCookie, s.RefreshToken, refreshCookiePath, s.RefreshExpiresAt))
}

func (a *App) clearSessionCookies(w http.ResponseWriter) {
	for _, c := range []*http.Cookie{
		a.cookie(accessCookie, "", "/", time.Time{}),
		a.cookie(refreshCookie, "", refreshCookiePath, time.Time{}),
	} {
		c.MaxAge = -1
		http.SetCookie(w, c)
	}
}

func (a *App) cookie(name, value, path string, expires time.Time) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   a.cfg.CookieDomain,
		HttpOnly: true,
		Secure:   a.cfg.CookieSecure,
		SameSite: a.cfg.CookieSameSite,
	}
	if !expires.IsZero() {
		c.Expires = expires
		c.MaxAge = int(time.Until(expires) / time.Second)
		if c.MaxAge <= 0 {
			c.MaxAge = -1
		}
	}
	return c
}

// refreshToken takes the token from the JSON body, falling back to the cookie.
func (a *App) refreshToken(w http.ResponseWriter, r *http.Request) (string, error) {
	var in tokenRequest
	if err := decode(w, r, &in, true); err != nil {
		return "", err
	}
	if in.RefreshToken != "" {
		return in.RefreshToken, nil
	}
	if c, err := r.Cookie(refreshCookie); err == nil {
		return c.Value, nil
	}
	return "", nil
}

// accessToken reads a bearer token, falling back to the cookie.
func accessToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	if c, err := r.Cookie(accessCookie); err == nil {
		return c.Value
	}
	return ""
}

func (a *App) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var c creds
	if err := decode(w, r, &c, false); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	user, err := a.auth.Register(r.Context(), c.Email, c.Password, a.meta(r, "register"))
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"user": user})
}

func (a *App) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var c creds
	if err := decode(w, r, &c, false); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	sess, err := a.auth.Login(r.Context(), c.Email, c.Password, a.meta(r, "login"))
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	a.setSessionCookies(w, sess)
	writeJSON(w, http.StatusOK, sess)
}

func (a *App) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	raw, err := a.refreshToken(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	sess, err := a.auth.Refresh(r.Context(), raw, a.meta(r, "refresh"))
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			a.clearSessionCookies(w)
		}
		a.writeAuthError(w, r, err)
		return
	}
	a.setSessionCookies(w, sess)
	writeJSON(w, http.StatusOK, sess)
}

func (a *App) HandleLogout(w http.ResponseWriter, r *http.Request) {
	raw, err := a.refreshToken(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	if err := a.auth.Logout(r.Context(), raw, a.meta(r, "logout")); err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	a.clearSessionCookies(w)
	writeSuccess(w, http.StatusOK, map[string]bool{"revoked": true})
}

// HandleTokenValidate verifies an access token without touching the store.
func (a *App) HandleTokenValidate(w http.ResponseWriter, r *http.Request) {
	claims, err := a.auth.VerifyAccess(accessToken(r))
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid": true,
		"sub":   claims.Subject,
		"exp":   claims.ExpiresAt.Unix(),
		"jti":   claims.ID,
	})
}

func (a *App) HandleTokenIntrospect(w http.ResponseWriter, r *http.Request) {
	var in tokenRequest
	if err := decode(w, r, &in, false); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	raw := in.Token
	if raw == "" {
		raw = in.RefreshToken
	}
	res, err := a.auth.Introspect(r.Context(), raw)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *App) HandleMe(w http.ResponseWriter, r *http.Request) {
	user, err := a.auth.CurrentUser(r.Context(), accessToken(r))
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"user": user})
}

func (a *App) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}
