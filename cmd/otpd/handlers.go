package main

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/propdesk/otpd/internal/account"
	"github.com/propdesk/otpd/internal/otp"
)

type httpResp struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type otpReq struct {
	Identity string `json:"identity"`
	TenantID string `json:"tenant_id"`
	Code     string `json:"code"`
}

type verifyResp struct {
	Verified bool `json:"verified"`
}

type sweepResp struct {
	Deleted int `json:"deleted"`
}

// handleGetChannels returns the channel to provider mapping.
func handleGetChannels(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("app").(*App)
	sendResponse(w, app.dispatcher.Channels())
}

func handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("app").(*App)

	if err := app.store.Ping(r.Context()); err != nil {
		app.lo.Error("error pinging store", "error", err)
		sendErrorResponse(w, "Unable to reach store.", http.StatusServiceUnavailable, nil)
		return
	}

	sendResponse(w, "OK")
}

// handleRequestOTP issues a code and sends it to the identity.
func handleRequestOTP(w http.ResponseWriter, r *http.Request) {
	var (
		app    = r.Context().Value("app").(*App)
		client = r.Context().Value("client").(string)
		req    otpReq
	)
	if !readJSON(w, r, &req) {
		return
	}

	out, err := app.issuer.Request(r.Context(), req.Identity, req.TenantID, sourceAddress(r))
	if err != nil {
		sendOTPError(w, app, err, "error issuing OTP", "client", client, "tenant", req.TenantID)
		return
	}

	app.lo.Debug("issued OTP", "id", out.ID, "client", client, "tenant", req.TenantID)
	sendResponse(w, out)
}

// handleVerifyOTP checks a submitted code.
func handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var (
		app    = r.Context().Value("app").(*App)
		client = r.Context().Value("client").(string)
		req    otpReq
	)
	if !readJSON(w, r, &req) {
		return
	}

	if err := app.verifier.Verify(r.Context(), req.Identity, req.TenantID, req.Code); err != nil {
		sendOTPError(w, app, err, "error verifying OTP", "client", client, "tenant", req.TenantID)
		return
	}

	sendResponse(w, verifyResp{Verified: true})
}

// handleResetPassword verifies a code and sets a new password.
func handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var (
		app    = r.Context().Value("app").(*App)
		client = r.Context().Value("client").(string)
		req    account.ResetInput
	)
	if app.resetter == nil {
		sendErrorResponse(w, "Password reset is not enabled.", http.StatusNotFound, nil)
		return
	}
	if !readJSON(w, r, &req) {
		return
	}

	if err := app.resetter.Reset(r.Context(), req); err != nil {
		if errors.Is(err, account.ErrUserNotFound) {
			sendErrorResponse(w, "User not found.", http.StatusNotFound, nil)
			return
		}
		sendOTPError(w, app, err, "error resetting password", "client", client, "tenant", req.TenantID)
		return
	}

	sendResponse(w, "OK")
}

// handleCronSweep purges expired codes. It's meant to be hit by an
// external scheduler when the built-in one is disabled.
func handleCronSweep(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("app").(*App)

	n, err := app.sweeper.PurgeExpired(r.Context(), app.clock.Now())
	if err != nil {
		app.lo.Error("error sweeping expired OTPs", "error", err)
		sendErrorResponse(w, "Error sweeping expired OTPs.", http.StatusInternalServerError, nil)
		return
	}

	app.lo.Info("swept expired OTPs", "deleted", n)
	sendResponse(w, sweepResp{Deleted: n})
}

// sendOTPError maps workflow outcomes to HTTP responses. Anything else is
// an infrastructure failure which is logged and hidden from the client.
func sendOTPError(w http.ResponseWriter, app *App, err error, msg string, kv ...interface{}) {
	var rl *otp.RateLimitError
	switch {
	case errors.As(err, &rl):
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(rl.RetryAfter.Seconds()))))
		sendErrorResponse(w, err.Error(), http.StatusTooManyRequests, nil)

	case errors.Is(err, otp.ErrInvalidInput),
		errors.Is(err, otp.ErrExpired),
		errors.Is(err, otp.ErrMismatch):
		sendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)

	case errors.Is(err, otp.ErrNoActiveCode):
		sendErrorResponse(w, err.Error(), http.StatusNotFound, nil)

	case errors.Is(err, otp.ErrTooManyAttempts):
		sendErrorResponse(w, err.Error(), http.StatusTooManyRequests, nil)

	case errors.Is(err, otp.ErrDelivery):
		app.lo.Error(msg, append(kv, "error", err)...)
		sendErrorResponse(w, otp.ErrDelivery.Error(), http.StatusBadGateway, nil)

	default:
		app.lo.Error(msg, append(kv, "error", err)...)
		sendErrorResponse(w, "Internal Server Error.", http.StatusInternalServerError, nil)
	}
}

// readJSON decodes the request body into v and writes a 400 on failure.
func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16*1024)).Decode(v); err != nil {
		sendErrorResponse(w, "Invalid JSON body.", http.StatusBadRequest, nil)
		return false
	}
	return true
}

// sourceAddress returns the client IP. RemoteAddr carries the forwarded
// address once chi's RealIP middleware has run.
func sourceAddress(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// wrap is a middleware that wraps HTTP handlers and injects the "app" context.
func wrap(app *App, next http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), "app", app)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// sendResponse sends a JSON envelope to the HTTP response.
func sendResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	out, err := json.Marshal(httpResp{Status: "success", Data: data})
	if err != nil {
		sendErrorResponse(w, "Internal Server Error.", http.StatusInternalServerError, nil)
		return
	}

	w.Write(out)
}

// sendErrorResponse sends a JSON error envelope to the HTTP response.
func sendErrorResponse(w http.ResponseWriter, message string, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)

	resp := httpResp{Status: "error",
		Message: message,
		Data:    data}
	out, _ := json.Marshal(resp)
	w.Write(out)
}

// auth is a Basic auth middleware for API clients.
func auth(authMap map[string]string, next http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const authBasic = "Basic"
		var (
			pair  [][]byte
			delim = []byte(":")

			h = r.Header.Get("Authorization")
		)

		// Basic auth scheme.
		if strings.HasPrefix(h, authBasic) {
			payload, err := base64.StdEncoding.DecodeString(strings.Trim(h[len(authBasic):], " "))
			if err != nil {
				sendErrorResponse(w, "Invalid Base64 value in Basic Authorization header.",
					http.StatusUnauthorized, nil)
				return
			}

			pair = bytes.SplitN(payload, delim, 2)
		} else {
			sendErrorResponse(w, "Missing Basic Authorization header.",
				http.StatusUnauthorized, nil)
			return
		}

		if len(pair) != 2 {
			sendErrorResponse(w, "Invalid value in Basic Authorization header.",
				http.StatusUnauthorized, nil)
			return
		}

		var (
			client = string(pair[0])
			secret = pair[1]
		)
		s, ok := authMap[client]
		if !ok || subtle.ConstantTimeCompare([]byte(s), secret) != 1 {
			sendErrorResponse(w, "Invalid API credentials.",
				http.StatusUnauthorized, nil)
			return
		}

		ctx := context.WithValue(r.Context(), "client", client)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// cronAuth checks for a bearer token. An empty secret disables the route.
func cronAuth(secret string, next http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const authBearer = "Bearer "

		h := r.Header.Get("Authorization")
		if secret == "" || !strings.HasPrefix(h, authBearer) ||
			subtle.ConstantTimeCompare([]byte(secret), []byte(strings.TrimPrefix(h, authBearer))) != 1 {
			sendErrorResponse(w, "Unauthorized.", http.StatusUnauthorized, nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}
