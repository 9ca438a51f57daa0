package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

const signTypeHMAC = "2"

type signer struct {
	apiKey     string
	apiSecret  string
	recvWindow int
}

func (s signer) configured() bool {
	return s.apiKey != "" && s.apiSecret != ""
}

// sign returns hex(HMAC_SHA256(secret, timestamp + apiKey + recvWindow + payload)).
func (s signer) sign(timestamp, payload string) string {
	mac := hmac.New(sha256.New, []byte(s.apiSecret))
	mac.Write([]byte(timestamp + s.apiKey + strconv.Itoa(s.recvWindow) + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s signer) apply(h http.Header, timestamp, payload string) {
	h.Set("X-BAPI-API-KEY", s.apiKey)
	h.Set("X-BAPI-SIGN", s.sign(timestamp, payload))
	h.Set("X-BAPI-SIGN-TYPE", signTypeHMAC)
	h.Set("X-BAPI-TIMESTAMP", timestamp)
	h.Set("X-BAPI-RECV-WINDOW", strconv.Itoa(s.recvWindow))
}

// canonicalQuery key-sorted query string with RFC 3986 percent-encoding.
func canonicalQuery(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(rfc3986Escape(k))
		b.WriteByte('=')
		b.WriteString(rfc3986Escape(params[k]))
	}
	return b.String()
}

func rfc3986Escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
