// Package auth authenticates API callers by ed25519 request signatures.
//
// A signed request carries three headers: the caller's base58 public key,
// a unix timestamp, and a base58 signature over
//
//	METHOD \n PATH \n TIMESTAMP \n hex(sha256(body))
//
// The verified public key becomes the caller identity of the request. Each
// signature is accepted once.
package auth

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mr-tron/base58"

	"github.com/atmx/predicta/internal/address"
)

// Request headers.
const (
	HeaderPubkey    = "X-Predicta-Pubkey"
	HeaderTimestamp = "X-Predicta-Timestamp"
	HeaderSignature = "X-Predicta-Signature"
)

// maxBody bounds how much of a request body is buffered for verification.
const maxBody = 1 << 20

var (
	ErrMissingIdentity = errors.New("auth: missing caller identity")
	ErrBadTimestamp    = errors.New("auth: invalid or stale timestamp")
	ErrBadSignature    = errors.New("auth: signature verification failed")
	ErrBodyTooLarge    = errors.New("auth: request body too large")
	ErrReplayed        = errors.New("auth: signature already used")
	ErrReplayCheck     = errors.New("auth: replay check unavailable")
)

type ctxKey struct{}

// WithIdentity returns a context carrying the caller identity.
func WithIdentity(ctx context.Context, id address.Address) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// Identity returns the authenticated caller of the request, if any.
func Identity(ctx context.Context) (address.Address, bool) {
	id, ok := ctx.Value(ctxKey{}).(address.Address)
	return id, ok
}

// Message builds the byte string a caller signs.
func Message(method, path string, timestamp int64, body []byte) []byte {
	sum := sha256.Sum256(body)
	return []byte(method + "\n" + path + "\n" + strconv.FormatInt(timestamp, 10) + "\n" + hex.EncodeToString(sum[:]))
}

// Sign returns the base58 signature of the request parameters.
func Sign(priv ed25519.PrivateKey, method, path string, timestamp int64, body []byte) string {
	return base58.Encode(ed25519.Sign(priv, Message(method, path, timestamp, body)))
}

// SignRequest sets the authentication headers on req. The body is read and
// replaced so it can still be sent.
func SignRequest(req *http.Request, priv ed25519.PrivateKey, now time.Time) error {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return fmt.Errorf("auth: read body: %w", err)
		}
		req.Body.Close()
		req.Body = io.NopCloser(bytes.NewReader(body))
	}

	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return errors.New("auth: private key has no ed25519 public key")
	}
	ts := now.Unix()
	req.Header.Set(HeaderPubkey, base58.Encode(pub))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, Sign(priv, req.Method, req.URL.Path, ts, body))
	return nil
}

// Verifier checks request signatures.
type Verifier struct {
	// Required enforces signatures. When false the pubkey header alone is
	// trusted, which is only meant for local development.
	Required bool
	MaxSkew  time.Duration
	Now      func() time.Time
	Log      *slog.Logger

	// Replay rejects a signature seen within the acceptance window. When
	// nil, a process-local MemoryReplayGuard is used.
	Replay ReplayGuard

	replayOnce sync.Once
	replay     ReplayGuard
}

func (v *Verifier) replayGuard() ReplayGuard {
	v.replayOnce.Do(func() {
		v.replay = v.Replay
		if v.replay == nil {
			v.replay = NewMemoryReplayGuard(v.Now)
		}
	})
	return v.replay
}

// Verify authenticates r and returns the caller identity. The body is
// buffered and replaced.
func (v *Verifier) Verify(r *http.Request) (address.Address, error) {
	pubText := r.Header.Get(HeaderPubkey)
	if pubText == "" {
		return address.Zero, ErrMissingIdentity
	}
	id, err := address.Parse(pubText)
	if err != nil {
		return address.Zero, fmt.Errorf("%w: %v", ErrMissingIdentity, err)
	}
	if !v.Required {
		return id, nil
	}

	ts, err := strconv.ParseInt(r.Header.Get(HeaderTimestamp), 10, 64)
	if err != nil {
		return address.Zero, ErrBadTimestamp
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	skew := now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.MaxSkew {
		return address.Zero, ErrBadTimestamp
	}

	sig, err := base58.Decode(r.Header.Get(HeaderSignature))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return address.Zero, ErrBadSignature
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(io.LimitReader(r.Body, maxBody+1))
		if err != nil {
			return address.Zero, fmt.Errorf("auth: read body: %w", err)
		}
		if len(body) > maxBody {
			return address.Zero, ErrBodyTooLarge
		}
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	if !ed25519.Verify(ed25519.PublicKey(id.Bytes()), Message(r.Method, r.URL.Path, ts, body), sig) {
		return address.Zero, ErrBadSignature
	}

	// A timestamp stays acceptable for up to 2*MaxSkew after the first
	// time it is seen.
	fresh, err := v.replayGuard().Claim(r.Context(), r.Header.Get(HeaderSignature), 2*v.MaxSkew)
	if err != nil {
		return address.Zero, fmt.Errorf("%w: %w", ErrReplayCheck, err)
	}
	if !fresh {
		return address.Zero, ErrReplayed
	}
	return id, nil
}

// Middleware rejects unauthenticated requests with 401 and stores the
// caller identity in the request context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := v.Verify(r)
		if err != nil {
			if v.Log != nil {
				v.Log.Warn("request rejected", "path", r.URL.Path, "error", err)
			}
			status, code := http.StatusUnauthorized, "Unauthorized"
			switch {
			case errors.Is(err, ErrBodyTooLarge):
				status = http.StatusRequestEntityTooLarge
			case errors.Is(err, ErrReplayed):
				code = "Replayed"
			case errors.Is(err, ErrReplayCheck):
				status, code = http.StatusServiceUnavailable, "Unavailable"
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(map[string]string{"error": err.Error(), "code": code})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}
