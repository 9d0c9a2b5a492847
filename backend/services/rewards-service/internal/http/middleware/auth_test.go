package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func sign(t *testing.T, method jwt.SigningMethod, key interface{}, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := UserIDFromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(userID))
	})
}

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func TestAuthMiddlewareAcceptsValidTokens(t *testing.T) {
	h := AuthMiddleware(secret)(echoUser())
	exp := time.Now().Add(time.Hour).Unix()

	cases := map[string]jwt.MapClaims{
		"string user_id":  {"user_id": "driver-7", "exp": exp},
		"numeric user_id": {"user_id": 42, "exp": exp},
		"subject":         {"sub": "driver-9", "exp": exp},
	}
	want := map[string]string{"string user_id": "driver-7", "numeric user_id": "42", "subject": "driver-9"}

	for name, claims := range cases {
		t.Run(name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/me/balance", nil)
			r.Header.Set("Authorization", "Bearer "+sign(t, jwt.SigningMethodHS256, []byte(secret), claims))
			rec := serve(h, r)
			require.Equal(t, http.StatusOK, rec.Code)
			require.Equal(t, want[name], rec.Body.String())
		})
	}
}

func TestAuthMiddlewareRejects(t *testing.T) {
	h := AuthMiddleware(secret)(echoUser())
	valid := jwt.MapClaims{"user_id": "u", "exp": time.Now().Add(time.Hour).Unix()}

	cases := map[string]string{
		"missing":      "",
		"wrong scheme": "Basic abc",
		"wrong secret": "Bearer " + sign(t, jwt.SigningMethodHS256, []byte("other"), valid),
		"expired":      "Bearer " + sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{"user_id": "u", "exp": time.Now().Add(-time.Minute).Unix()}),
		"no user":      "Bearer " + sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}),
		"hs512":        "Bearer " + sign(t, jwt.SigningMethodHS512, []byte(secret), valid),
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/me/balance", nil)
			if header != "" {
				r.Header.Set("Authorization", header)
			}
			require.Equal(t, http.StatusUnauthorized, serve(h, r).Code)
		})
	}
}

func TestAccessTokenQueryParameter(t *testing.T) {
	token := sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{"user_id": "streamer"})
	r := httptest.NewRequest(http.MethodGet, "/ws/location?access_token="+token, nil)
	userID, err := UserFromToken(r, secret)
	require.NoError(t, err)
	require.Equal(t, "streamer", userID)
}

func TestHeaderMiddleware(t *testing.T) {
	h := HeaderMiddleware(echoUser())

	r := httptest.NewRequest(http.MethodGet, "/me/balance", nil)
	require.Equal(t, http.StatusUnauthorized, serve(h, r).Code)

	r.Header.Set(UserIDHeader, "gateway-user")
	rec := serve(h, r)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "gateway-user", rec.Body.String())
}
