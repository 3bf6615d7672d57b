// Package auth implements the HMAC signature schemes of the Pusher
// protocol: channel subscription auth tokens and HTTP API request
// signatures. Both are keyed with the app secret.
package auth

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidSignature is returned whenever a presented signature does not
// match the expected HMAC for the app secret.
var ErrInvalidSignature = errors.New("invalid signature")

// hmacHex returns the hex-encoded HMAC-SHA256 of message under secret.
func hmacHex(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// ChannelAuthToken signs a subscription to a protected channel. The token
// has the form "key:signature" where the signature covers
// "socketID:channel" plus ":channelData" when presence data is supplied.
func ChannelAuthToken(key, secret, socketID, channel, channelData string) string {
	message := socketID + ":" + channel
	if channelData != "" {
		message += ":" + channelData
	}
	return key + ":" + hmacHex(secret, message)
}

// VerifyChannelAuth checks the auth token presented with a subscribe to a
// private or presence channel.
func VerifyChannelAuth(key, secret, socketID, channel, channelData, token string) error {
	expected := ChannelAuthToken(key, secret, socketID, channel, channelData)
	if !hmac.Equal([]byte(expected), []byte(token)) {
		return ErrInvalidSignature
	}
	return nil
}

// SignWebhook produces the X-Pusher-Signature header value for a webhook
// body.
func SignWebhook(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// RequestSignatureWindow is how far an auth_timestamp may drift from the
// server clock before the request is rejected.
const RequestSignatureWindow = 10 * time.Minute

// canonicalQuery builds the query part of the signed string: every
// parameter except auth_signature, keys lowercased first and then sorted.
// The lowercase-then-sort order is what backend SDKs produce for
// mixed-case parameter names.
func canonicalQuery(query url.Values) string {
	keys := make([]string, 0, len(query))
	values := make(map[string]string, len(query))
	for k := range query {
		lk := strings.ToLower(k)
		if lk == "auth_signature" {
			continue
		}
		keys = append(keys, lk)
		values[lk] = query.Get(k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+values[k])
	}
	return strings.Join(pairs, "&")
}

// VerifyRequestSignature checks a Pusher HTTP API request signature. The
// signed string is "METHOD\npath\nquery" where query is every parameter
// except auth_signature, keys lowercased and sorted. When a body is
// present its MD5 must be carried in body_md5 and is checked here as well.
func VerifyRequestSignature(secret, method, path string, query url.Values, body []byte, now time.Time) error {
	signature := query.Get("auth_signature")
	if signature == "" {
		return fmt.Errorf("%w: missing auth_signature", ErrInvalidSignature)
	}

	ts, err := strconv.ParseInt(query.Get("auth_timestamp"), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: missing or malformed auth_timestamp", ErrInvalidSignature)
	}
	drift := now.Unix() - ts
	if drift < 0 {
		drift = -drift
	}
	if drift > int64(RequestSignatureWindow.Seconds()) {
		return fmt.Errorf("%w: auth_timestamp expired", ErrInvalidSignature)
	}

	if len(body) > 0 {
		sum := md5.Sum(body)
		if query.Get("body_md5") != hex.EncodeToString(sum[:]) {
			return fmt.Errorf("%w: body_md5 mismatch", ErrInvalidSignature)
		}
	}

	message := strings.ToUpper(method) + "\n" + path + "\n" + canonicalQuery(query)
	if !hmac.Equal([]byte(hmacHex(secret, message)), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// SignRequest fills auth parameters for an HTTP API request the way
// backend SDKs do. The server only verifies; this is here for tests and
// tooling.
func SignRequest(key, secret, method, path string, query url.Values, body []byte, now time.Time) url.Values {
	if query == nil {
		query = url.Values{}
	}
	query.Set("auth_key", key)
	query.Set("auth_timestamp", strconv.FormatInt(now.Unix(), 10))
	query.Set("auth_version", "1.0")
	if len(body) > 0 {
		sum := md5.Sum(body)
		query.Set("body_md5", hex.EncodeToString(sum[:]))
	}

	message := strings.ToUpper(method) + "\n" + path + "\n" + canonicalQuery(query)
	query.Set("auth_signature", hmacHex(secret, message))
	return query
}
