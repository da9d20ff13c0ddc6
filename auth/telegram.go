package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultInitDataMaxAge bounds how old a Mini App launch may be.
const DefaultInitDataMaxAge = 24 * time.Hour

// TelegramValidator checks Mini App initData signed with the bot token.
type TelegramValidator struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

// NewTelegramValidator derives the signing key from botToken. A maxAge of
// zero disables the auth_date check.
func NewTelegramValidator(botToken string, maxAge time.Duration) *TelegramValidator {
	return &TelegramValidator{
		secret: telegramSecret(botToken),
		maxAge: maxAge,
		now:    time.Now,
	}
}

func telegramSecret(botToken string) []byte {
	mac := hmac.New(sha256.New, []byte("WebAppData"))
	mac.Write([]byte(botToken))
	return mac.Sum(nil)
}

type telegramUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

// TelegramIdentity is the identity used for a Telegram user id.
func TelegramIdentity(userID int64) string {
	return "tg:" + strconv.FormatInt(userID, 10)
}

func (v *TelegramValidator) Validate(ctx context.Context, initData string) (*Identity, error) {
	values, err := url.ParseQuery(initData)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed init data", ErrUnauthenticated)
	}

	received := values.Get("hash")
	if received == "" {
		return nil, fmt.Errorf("%w: init data has no hash", ErrUnauthenticated)
	}
	values.Del("hash")

	if !hmac.Equal([]byte(received), []byte(v.sign(values))) {
		return nil, fmt.Errorf("%w: init data signature mismatch", ErrUnauthenticated)
	}

	if v.maxAge > 0 {
		authDate, err := strconv.ParseInt(values.Get("auth_date"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: init data has no auth_date", ErrUnauthenticated)
		}
		if v.now().Sub(time.Unix(authDate, 0)) > v.maxAge {
			return nil, fmt.Errorf("%w: init data expired", ErrUnauthenticated)
		}
	}

	var user telegramUser
	if err := json.Unmarshal([]byte(values.Get("user")), &user); err != nil || user.ID == 0 {
		return nil, fmt.Errorf("%w: init data has no user", ErrUnauthenticated)
	}

	name := strings.TrimSpace(user.FirstName + " " + user.LastName)
	if name == "" {
		name = user.Username
	}
	return &Identity{ID: TelegramIdentity(user.ID), Name: name, Provider: SchemeTelegram}, nil
}

// sign returns the hex HMAC of the sorted key=value lines.
func (v *TelegramValidator) sign(values url.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+"="+values.Get(k))
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign builds signed initData for values. Used by tests and local tooling.
func (v *TelegramValidator) Sign(values url.Values) string {
	signed := url.Values{}
	for k, vs := range values {
		signed[k] = vs
	}
	signed.Set("hash", v.sign(values))
	return signed.Encode()
}
