// Package auth implements the HMAC-SHA256 request signing shared by hub
// and daemons. The canonical request is
//
//	method "\n" path "\n" unix_ts "\n" sha256hex(body)
//
// signed with the per-machine token. Replays are rejected by timestamp
// window alone; there is no per-nonce cache.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/nextlevelbuilder/intercom/internal/model"
)

const (
	HeaderMachine = "X-Intercom-Machine"
	HeaderTs      = "X-Intercom-Ts"
	HeaderSig     = "X-Intercom-Sig"

	// MaxDrift is the accepted clock skew between signer and verifier.
	MaxDrift = 60 * time.Second
)

func canonical(method, path, ts string, body []byte) []byte {
	sum := sha256.Sum256(body)
	return []byte(method + "\n" + path + "\n" + ts + "\n" + hex.EncodeToString(sum[:]))
}

func signature(method, path, ts string, body []byte, token string) string {
	mac := hmac.New(sha256.New, []byte(token))
	mac.Write(canonical(method, path, ts, body))
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign returns the auth headers for a request. An empty token is refused:
// unauthenticated endpoints simply carry no auth headers.
func Sign(method, path string, body []byte, token, machineID string) (http.Header, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", model.ErrAuthBadSig)
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	h := http.Header{}
	h.Set(HeaderMachine, machineID)
	h.Set(HeaderTs, ts)
	h.Set(HeaderSig, signature(method, path, ts, body, token))
	return h, nil
}

// TokenLookup resolves a machine id to its current token. Returning an
// empty token means the machine is unknown or not approved.
type TokenLookup func(machineID string) (string, error)

// Verify checks the auth headers of a request against the canonical form
// of (method, path, body). It returns the authenticated machine id, or one
// of model.ErrAuthStale, model.ErrAuthBadSig, model.ErrUnknownMachine.
func Verify(r *http.Request, body []byte, lookup TokenLookup) (string, error) {
	machineID := r.Header.Get(HeaderMachine)
	ts := r.Header.Get(HeaderTs)
	sig := r.Header.Get(HeaderSig)
	if machineID == "" || ts == "" || sig == "" {
		return "", fmt.Errorf("%w: missing auth headers", model.ErrAuthBadSig)
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: bad timestamp %q", model.ErrAuthBadSig, ts)
	}
	drift := time.Since(time.Unix(unix, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > MaxDrift {
		return "", fmt.Errorf("%w: timestamp drift %s", model.ErrAuthStale, drift.Round(time.Second))
	}

	token, err := lookup(machineID)
	if err != nil {
		return "", fmt.Errorf("lookup token for %s: %w", machineID, err)
	}
	if token == "" {
		return "", fmt.Errorf("%w: %s", model.ErrUnknownMachine, machineID)
	}

	want := signature(r.Method, r.URL.Path, ts, body, token)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return "", fmt.Errorf("%w: signature mismatch for %s", model.ErrAuthBadSig, machineID)
	}
	return machineID, nil
}
