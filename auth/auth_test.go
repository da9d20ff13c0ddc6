package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const botToken = "123456:TEST-token"

func initData(v *TelegramValidator, userID int64, authDate time.Time) string {
	return v.Sign(url.Values{
		"auth_date": {strconv.FormatInt(authDate.Unix(), 10)},
		"query_id":  {"AAHdF6IQAAAAAN0XohDhrOrc"},
		"user":      {`{"id":` + strconv.FormatInt(userID, 10) + `,"first_name":"Ada","last_name":"L","username":"ada"}`},
	})
}

func TestTelegramValidator(t *testing.T) {
	ctx := context.Background()
	v := NewTelegramValidator(botToken, time.Hour)

	id, err := v.Validate(ctx, initData(v, 42, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, "tg:42", id.ID)
	assert.Equal(t, "Ada L", id.Name)
	assert.Equal(t, SchemeTelegram, id.Provider)

	t.Run("wrong bot token", func(t *testing.T) {
		other := NewTelegramValidator("999:other", time.Hour)
		_, err := v.Validate(ctx, initData(other, 42, time.Now()))
		assert.ErrorIs(t, err, ErrUnauthenticated)
	})

	t.Run("tampered user", func(t *testing.T) {
		values, err := url.ParseQuery(initData(v, 42, time.Now()))
		require.NoError(t, err)
		values.Set("user", `{"id":43,"first_name":"Mallory"}`)
		_, err = v.Validate(ctx, values.Encode())
		assert.ErrorIs(t, err, ErrUnauthenticated)
	})

	t.Run("missing hash", func(t *testing.T) {
		_, err := v.Validate(ctx, "auth_date=1&user=%7B%7D")
		assert.ErrorIs(t, err, ErrUnauthenticated)
	})

	t.Run("expired", func(t *testing.T) {
		_, err := v.Validate(ctx, initData(v, 42, time.Now().Add(-2*time.Hour)))
		assert.ErrorIs(t, err, ErrUnauthenticated)
	})

	t.Run("no age limit", func(t *testing.T) {
		lax := NewTelegramValidator(botToken, 0)
		_, err := lax.Validate(ctx, initData(lax, 42, time.Now().Add(-48*time.Hour)))
		assert.NoError(t, err)
	})
}

func TestJWTValidator(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	v := NewJWTValidator("s3cret", client)
	token, err := v.Issue("alice", "Alice", "jti-1", time.Hour)
	require.NoError(t, err)

	id, err := v.Validate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.ID)
	assert.Equal(t, "Alice", id.Name)

	require.NoError(t, v.Revoke(ctx, "jti-1", time.Hour))
	_, err = v.Validate(ctx, token)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	t.Run("wrong secret", func(t *testing.T) {
		forged, err := NewJWTValidator("other", nil).Issue("alice", "", "", time.Hour)
		require.NoError(t, err)
		_, err = v.Validate(ctx, forged)
		assert.ErrorIs(t, err, ErrUnauthenticated)
	})

	t.Run("expired", func(t *testing.T) {
		old, err := v.Issue("alice", "", "", -time.Minute)
		require.NoError(t, err)
		_, err = v.Validate(ctx, old)
		assert.ErrorIs(t, err, ErrUnauthenticated)
	})

	t.Run("revocation fails open without redis", func(t *testing.T) {
		plain := NewJWTValidator("s3cret", nil)
		_, err := plain.Validate(ctx, token)
		assert.NoError(t, err)
	})
}

func TestAuthenticator(t *testing.T) {
	ctx := context.Background()
	tg := NewTelegramValidator(botToken, time.Hour)
	jv := NewJWTValidator("s3cret", nil)
	a := &Authenticator{Telegram: tg, JWT: jv, Dev: InsecureValidator{}}

	token, err := jv.Issue("bob", "", "", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name    string
		header  string
		wantID  string
		wantErr bool
	}{
		{"telegram", "tma " + initData(tg, 7, time.Now()), "tg:7", false},
		{"bearer", "Bearer " + token, "bob", false},
		{"dev", "dev carol", "carol", false},
		{"scheme is case insensitive", "DEV carol", "carol", false},
		{"bot sentinel is reserved", "dev __bot__", "", true},
		{"unknown scheme", "basic abc", "", true},
		{"no credential", "dev ", "", true},
		{"empty", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := a.Authenticate(ctx, tt.header)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnauthenticated)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, id.ID)
		})
	}

	t.Run("disabled scheme", func(t *testing.T) {
		_, err := (&Authenticator{JWT: jv}).Authenticate(ctx, "dev carol")
		assert.ErrorIs(t, err, ErrUnauthenticated)
	})
}

func TestAuthenticator_FromRequest(t *testing.T) {
	tg := NewTelegramValidator(botToken, time.Hour)
	a := &Authenticator{Telegram: tg, Dev: InsecureValidator{}}

	r := httptest.NewRequest(http.MethodGet, "/ws?token=dev+dave", nil)
	id, err := a.FromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "dave", id.ID)

	r = httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	r.Header.Set(InitDataHeader, initData(tg, 9, time.Now()))
	id, err = a.FromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "tg:9", id.ID)

	_, err = a.FromRequest(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAuthenticator_Middleware(t *testing.T) {
	a := &Authenticator{Dev: InsecureValidator{}}
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(FromContext(r.Context()).ID))
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "dev erin")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "erin", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
