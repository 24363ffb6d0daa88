package ecpay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// CheckMacValueField is the signature field carried by every signed message.
const CheckMacValueField = "CheckMacValue"

// EncryptTypeSHA256 is the EncryptType value matching the digest used by Signer.
const EncryptTypeSHA256 = "1"

// .NET UrlEncode leaves these unescaped; url.QueryEscape escapes them.
var dotnetUnescape = strings.NewReplacer(
	"%2d", "-",
	"%5f", "_",
	"%2e", ".",
	"%21", "!",
	"%2a", "*",
	"%28", "(",
	"%29", ")",
)

// Signer computes and checks CheckMacValue signatures for one merchant.
type Signer struct {
	hashKey string
	hashIV  string
}

func NewSigner(hashKey, hashIV string) *Signer {
	return &Signer{hashKey: hashKey, hashIV: hashIV}
}

// Canonical returns the encoded string that gets hashed. Exposed for the
// checkmac debugging CLI.
func (s *Signer) Canonical(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == CheckMacValueField {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("HashKey=")
	b.WriteString(s.hashKey)
	for _, k := range keys {
		b.WriteByte('&')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	b.WriteString("&HashIV=")
	b.WriteString(s.hashIV)

	encoded := strings.ToLower(url.QueryEscape(b.String()))
	encoded = dotnetUnescape.Replace(encoded)
	return strings.ReplaceAll(encoded, "~", "%7e")
}

// Sign returns the uppercase hex SHA-256 signature for params. Any existing
// CheckMacValue entry is ignored.
func (s *Signer) Sign(params map[string]string) string {
	sum := sha256.Sum256([]byte(s.Canonical(params)))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// Verify recomputes the signature over every field except CheckMacValue and
// compares it case-insensitively with the supplied one.
func (s *Signer) Verify(params map[string]string) bool {
	got, ok := params[CheckMacValueField]
	if !ok || got == "" {
		return false
	}
	want := s.Sign(params)
	return hmac.Equal([]byte(strings.ToUpper(got)), []byte(want))
}

// SignForm returns a copy of params with CheckMacValue set.
func (s *Signer) SignForm(params map[string]string) map[string]string {
	out := make(map[string]string, len(params)+1)
	for k, v := range params {
		if k == CheckMacValueField {
			continue
		}
		out[k] = v
	}
	out[CheckMacValueField] = s.Sign(out)
	return out
}

// FormValues flattens a url.Values into the single-valued map the signer
// works on. Repeated fields keep their first value.
func FormValues(v url.Values) map[string]string {
	out := make(map[string]string, len(v))
	for k, vals := range v {
		if len(vals) > 0 {
			out[k] = vals[0]
		}
	}
	return out
}
