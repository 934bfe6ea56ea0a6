package twilio

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPush(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sid, token, ok := r.BasicAuth()
		if !ok || sid != "AC123" || token != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"code":20003,"message":"Authenticate","status":401}`))
			return
		}

		assert.Equal(t, "+15551234567", r.FormValue("To"))
		assert.Equal(t, "+15550000000", r.FormValue("From"))
		assert.Equal(t, "Your OTP is 123456.", r.FormValue("Body"))

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sid":"SM1","status":"queued"}`))
	}))
	defer srv.Close()

	tw, err := New(Config{AccountSID: "AC123", AuthToken: "tok", From: "+15550000000", URL: srv.URL})
	require.NoError(t, err)
	require.NoError(t, tw.Push(context.Background(), "+15551234567", "", []byte("Your OTP is 123456.")))

	bad, err := New(Config{AccountSID: "AC123", AuthToken: "nope", From: "+15550000000", URL: srv.URL})
	require.NoError(t, err)
	assert.ErrorContains(t, bad.Push(context.Background(), "+15551234567", "", []byte("x")), "Authenticate")
}

func TestNew(t *testing.T) {
	_, err := New(Config{AccountSID: "AC123"})
	assert.Error(t, err)

	tw, err := New(Config{AccountSID: "AC123", AuthToken: "tok", From: "+15550000000"})
	require.NoError(t, err)
	assert.Equal(t, "https://api.twilio.com/2010-04-01/Accounts/AC123/Messages.json", tw.url)
}

func TestValidateAddress(t *testing.T) {
	tw := &Twilio{}
	assert.NoError(t, tw.ValidateAddress("+15551234567"))
	assert.Error(t, tw.ValidateAddress("5551234567"))
	assert.Error(t, tw.ValidateAddress("+1555"))
}
