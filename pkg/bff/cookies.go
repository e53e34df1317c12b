package bff

import (
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// Auth cookie names.
const (
	AccessTokenCookie  = "access_token"
	RefreshTokenCookie = "refresh_token"
)

// RefreshCookiePath restricts the refresh token to the one endpoint
// that needs it.
const RefreshCookiePath = "/oauth/refresh"

const defaultRefreshCookieTTL = 30 * 24 * time.Hour

// SetAuthCookies issues first-party HttpOnly cookies for the token
// pair. The refresh cookie is path-scoped to the refresh endpoint.
// Exported so the flow dispatcher can issue cookies on its own success
// responses.
func SetAuthCookies(w http.ResponseWriter, token *oauth2.Token, secure bool) {
	accessMaxAge := int(time.Until(token.Expiry).Seconds())
	if token.Expiry.IsZero() || accessMaxAge <= 0 {
		accessMaxAge = int(time.Hour.Seconds())
	}

	http.SetCookie(w, &http.Cookie{
		Name:     AccessTokenCookie,
		Value:    token.AccessToken,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   accessMaxAge,
	})

	if token.RefreshToken != "" {
		http.SetCookie(w, &http.Cookie{
			Name:     RefreshTokenCookie,
			Value:    token.RefreshToken,
			Path:     RefreshCookiePath,
			HttpOnly: true,
			Secure:   secure,
			SameSite: http.SameSiteLaxMode,
			MaxAge:   int(defaultRefreshCookieTTL.Seconds()),
		})
	}
}

// clearAuthCookies expires both token cookies.
func clearAuthCookies(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     AccessTokenCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshTokenCookie,
		Value:    "",
		Path:     RefreshCookiePath,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}
