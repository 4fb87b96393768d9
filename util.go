package wsstream

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"strings"
)

var magic = []byte("258EAFA5-E914-47DA-95CA-C5AB0DC85B11")

func acceptForKey(k string) string {
	h := sha1.New()
	h.Write([]byte(k))
	h.Write(magic)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func genKey() (string, error) {
	p := make([]byte, 16)
	if _, err := rand.Read(p); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(p), nil
}

func headerHasValue(h http.Header, key, value string) bool {
	for _, v := range h[key] {
		if strings.EqualFold(value, v) {
			return true
		}
	}
	return false
}
