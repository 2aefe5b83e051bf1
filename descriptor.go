package gocondfetch

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/dgduncan/go-cond-fetch/caches"
)

// RequestDescriptor identifies a resource. Descriptors deriving the same key
// are the same resource as far as the cache is concerned.
type RequestDescriptor struct {
	URL    string
	Method string
	Body   any
}

func (d RequestDescriptor) method() string {
	if d.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(d.Method)
}

// Key derives the storage key of the descriptor within ks.
func (d RequestDescriptor) Key(ks caches.Keyspace) (string, error) {
	hash, err := bodyHash(d.Body)
	if err != nil {
		return "", err
	}
	return ks.Key(d.method(), d.URL, hash), nil
}

// encodeBody returns the JSON body sent on the wire; nil means no body.
// json.RawMessage is sent as is, every other value (strings included) is
// marshaled.
func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return b, nil
	default:
		return json.Marshal(b)
	}
}

// bodyHash is the hex SHA-256 of the canonical JSON form of body. Object keys
// are sorted, so bodies differing only in key order hash identically.
func bodyHash(body any) (string, error) {
	raw, err := encodeBody(body)
	if err != nil || raw == nil {
		return "", err
	}

	canonical := raw
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if dec.Decode(&generic) == nil {
		if b, err := json.Marshal(generic); err == nil {
			canonical = b
		}
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
