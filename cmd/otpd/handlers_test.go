package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/propdesk/otpd/internal/account"
	"github.com/propdesk/otpd/internal/clock"
	"github.com/propdesk/otpd/internal/dispatch"
	"github.com/propdesk/otpd/internal/otp"
	"github.com/propdesk/otpd/internal/store/redis"
	"github.com/propdesk/otpd/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type dummyProv struct {
	mu   sync.Mutex
	last string
	fail bool
}

func (d *dummyProv) ID() string                      { return dummyProvider }
func (d *dummyProv) Channel() models.Channel         { return models.ChannelSMS }
func (d *dummyProv) ValidateAddress(to string) error { return nil }
func (d *dummyProv) MaxAddressLen() int              { return 16 }
func (d *dummyProv) MaxBodyLen() int                 { return 160 }

func (d *dummyProv) Push(_ context.Context, to, subject string, body []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return errors.New("carrier rejected message")
	}
	d.last = string(body)
	return nil
}

func (d *dummyProv) code() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

func (d *dummyProv) setFail(f bool) {
	d.mu.Lock()
	d.fail = f
	d.mu.Unlock()
}

const (
	dummyClient   = "crm-web"
	dummySecret   = "mysecret"
	dummyCron     = "cronsecret"
	dummyProvider = "dummyprovider"
	dummyTenant   = "acme-realty"
)

var (
	srv  *httptest.Server
	rdis *miniredis.Miniredis
	prov = &dummyProv{}
	clk  = clock.NewFake(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
)

func init() {
	// Dummy Redis.
	rd, err := miniredis.Run()
	if err != nil {
		log.Println(err)
	}
	rdis = rd
	port, _ := strconv.Atoi(rd.Port())

	lo := initLogger(true)

	tpl, _ := dispatch.NewTemplate("", "{{ .Code }}")
	disp, err := dispatch.New(dispatch.Conf{},
		map[models.Channel]models.Provider{models.ChannelSMS: prov},
		map[models.Channel]*dispatch.Template{models.ChannelSMS: tpl}, lo)
	if err != nil {
		log.Fatal(err)
	}

	st := redis.New(redis.Conf{Host: rd.Host(), Port: port})
	cfg := otp.DefaultConfig()

	app := &App{
		store:      st,
		clock:      clk,
		issuer:     otp.NewIssuer(st, disp, clk, cfg),
		verifier:   otp.NewVerifier(st, clk, cfg),
		sweeper:    otp.NewSweeper(st),
		dispatcher: disp,
		lo:         lo,
		cronSecret: dummyCron,
	}
	app.resetter = account.NewResetter(account.NewMemoryUsers([2]string{dummyTenant, "+15550001111"}),
		app.verifier, bcrypt.MinCost)

	srv = httptest.NewServer(newRouter(app, map[string]string{dummyClient: dummySecret}))
}

func reset() {
	rdis.FlushAll()
	prov.setFail(false)
}

func TestHealthCheck(t *testing.T) {
	var out httpResp
	r := testRequest(t, http.MethodGet, "/api/health", nil, &out)
	assert.Equal(t, http.StatusOK, r.StatusCode, "non 200 response")
	assert.Equal(t, "OK", out.Data)
}

func TestGetChannels(t *testing.T) {
	var out httpResp
	r := testRequest(t, http.MethodGet, "/api/channels", nil, &out)
	assert.Equal(t, http.StatusOK, r.StatusCode, "non 200 response")
	assert.Equal(t, map[string]interface{}{"sms": dummyProvider}, out.Data, "channels don't match")
}

func TestAuth(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/channels", nil)
	require.NoError(t, err)
	req.SetBasicAuth(dummyClient, "wrong")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRequestAndVerify(t *testing.T) {
	reset()
	const phone = "+15550001234"

	var (
		issued otp.Issued
		out    = httpResp{Data: &issued}
	)
	r := testRequest(t, http.MethodPost, "/api/otp", otpReq{Identity: phone, TenantID: dummyTenant}, &out)
	require.Equal(t, http.StatusOK, r.StatusCode, out.Message)
	assert.NotEmpty(t, issued.ID)
	assert.Equal(t, clk.Now().Add(5*time.Minute).Unix(), issued.ExpiresAt.Unix())
	code := prov.code()
	require.Len(t, code, 6)

	// Resend within the cooldown.
	r = testRequest(t, http.MethodPost, "/api/otp", otpReq{Identity: phone, TenantID: dummyTenant}, &httpResp{})
	assert.Equal(t, http.StatusTooManyRequests, r.StatusCode)
	assert.Equal(t, "60", r.Header.Get("Retry-After"))

	// Wrong tenant.
	r = testRequest(t, http.MethodPost, "/api/otp/verify", otpReq{Identity: phone, TenantID: "other", Code: code}, &httpResp{})
	assert.Equal(t, http.StatusNotFound, r.StatusCode)

	var v verifyResp
	r = testRequest(t, http.MethodPost, "/api/otp/verify", otpReq{Identity: phone, TenantID: dummyTenant, Code: code}, &httpResp{Data: &v})
	assert.Equal(t, http.StatusOK, r.StatusCode)
	assert.True(t, v.Verified)

	// Already consumed.
	r = testRequest(t, http.MethodPost, "/api/otp/verify", otpReq{Identity: phone, TenantID: dummyTenant, Code: code}, &httpResp{})
	assert.Equal(t, http.StatusNotFound, r.StatusCode)
}

func TestInvalidInput(t *testing.T) {
	reset()
	var out httpResp
	r := testRequest(t, http.MethodPost, "/api/otp", otpReq{Identity: "not-a-phone", TenantID: dummyTenant}, &out)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)
	assert.Equal(t, "error", out.Status)

	r = testRequest(t, http.MethodPost, "/api/otp/verify", otpReq{Identity: "+15550001234", TenantID: dummyTenant, Code: "abc"}, &out)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)
}

func TestVerifyLockout(t *testing.T) {
	reset()
	const phone = "+15550005555"

	r := testRequest(t, http.MethodPost, "/api/otp", otpReq{Identity: phone, TenantID: dummyTenant}, &httpResp{})
	require.Equal(t, http.StatusOK, r.StatusCode)
	code := prov.code()

	bad := "100000"
	if code == bad {
		bad = "100001"
	}
	for i := 1; i < otp.DefaultMaxAttempts; i++ {
		r = testRequest(t, http.MethodPost, "/api/otp/verify", otpReq{Identity: phone, TenantID: dummyTenant, Code: bad}, &httpResp{})
		assert.Equal(t, http.StatusBadRequest, r.StatusCode, "attempt %d", i)
	}
	r = testRequest(t, http.MethodPost, "/api/otp/verify", otpReq{Identity: phone, TenantID: dummyTenant, Code: bad}, &httpResp{})
	assert.Equal(t, http.StatusTooManyRequests, r.StatusCode)

	r = testRequest(t, http.MethodPost, "/api/otp/verify", otpReq{Identity: phone, TenantID: dummyTenant, Code: code}, &httpResp{})
	assert.Equal(t, http.StatusTooManyRequests, r.StatusCode, "correct code accepted after lockout")
}

func TestVerifyExpiredAndSweep(t *testing.T) {
	reset()
	const phone = "+15550007777"

	r := testRequest(t, http.MethodPost, "/api/otp", otpReq{Identity: phone, TenantID: dummyTenant}, &httpResp{})
	require.Equal(t, http.StatusOK, r.StatusCode)
	code := prov.code()

	clk.Advance(5 * time.Minute)
	r = testRequest(t, http.MethodPost, "/api/otp/verify", otpReq{Identity: phone, TenantID: dummyTenant, Code: code}, &httpResp{})
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)

	// Without the bearer token.
	r = testRequest(t, http.MethodPost, "/api/cron/sweep", nil, &httpResp{})
	assert.Equal(t, http.StatusUnauthorized, r.StatusCode)

	var (
		sw  sweepResp
		out = httpResp{Data: &sw}
	)
	r = cronRequest(t, &out)
	assert.Equal(t, http.StatusOK, r.StatusCode)
	assert.Equal(t, 1, sw.Deleted)

	r = cronRequest(t, &out)
	assert.Equal(t, http.StatusOK, r.StatusCode)
	assert.Equal(t, 0, sw.Deleted)

	r = testRequest(t, http.MethodPost, "/api/otp/verify", otpReq{Identity: phone, TenantID: dummyTenant, Code: code}, &httpResp{})
	assert.Equal(t, http.StatusNotFound, r.StatusCode)
}

func TestDeliveryFailure(t *testing.T) {
	reset()
	prov.setFail(true)

	var out httpResp
	r := testRequest(t, http.MethodPost, "/api/otp", otpReq{Identity: "+15550009999", TenantID: dummyTenant}, &out)
	assert.Equal(t, http.StatusBadGateway, r.StatusCode)
	assert.Equal(t, otp.ErrDelivery.Error(), out.Message)
}

func TestResetPassword(t *testing.T) {
	reset()
	const phone = "+15550001111"

	r := testRequest(t, http.MethodPost, "/api/otp", otpReq{Identity: phone, TenantID: dummyTenant}, &httpResp{})
	require.Equal(t, http.StatusOK, r.StatusCode)

	in := account.ResetInput{
		Identity:        phone,
		TenantID:        dummyTenant,
		Code:            prov.code(),
		NewPassword:     "hunter22",
		ConfirmPassword: "hunter2",
	}
	r = testRequest(t, http.MethodPost, "/api/password/reset", in, &httpResp{})
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)

	in.ConfirmPassword = in.NewPassword
	r = testRequest(t, http.MethodPost, "/api/password/reset", in, &httpResp{})
	assert.Equal(t, http.StatusOK, r.StatusCode)
}

func testRequest(t *testing.T, method, path string, body interface{}, out interface{}) *http.Response {
	var b []byte
	if body != nil {
		var err error
		if b, err = json.Marshal(body); err != nil {
			t.Fatal(err)
		}
	}

	req, err := http.NewRequest(method, srv.URL+path, bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
		return nil
	}
	req.SetBasicAuth(dummyClient, dummySecret)
	req.Header.Add("Content-Type", "application/json")

	return doRequest(t, req, out)
}

func cronRequest(t *testing.T, out interface{}) *http.Response {
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/cron/sweep", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+dummyCron)
	return doRequest(t, req, out)
}

func doRequest(t *testing.T, req *http.Request, out interface{}) *http.Response {
	c := &http.Client{}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatal(err)
		return nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
		return nil
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		t.Fatal(err)
	}

	return resp
}
