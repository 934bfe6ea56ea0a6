package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/knadh/koanf/v2"
	"github.com/propdesk/otpd/internal/account"
	"github.com/propdesk/otpd/internal/clock"
	"github.com/propdesk/otpd/internal/dispatch"
	"github.com/propdesk/otpd/internal/otp"
	"github.com/propdesk/otpd/internal/store"
	"github.com/zerodha/logf"
)

// App is the global app context that groups the necessary
// controls (store, workflow, config etc.) to be injected into the HTTP handlers.
type App struct {
	store      store.Store
	clock      clock.Clock
	issuer     *otp.Issuer
	verifier   *otp.Verifier
	sweeper    *otp.Sweeper
	resetter   *account.Resetter
	dispatcher *dispatch.Dispatcher
	lo         *logf.Logger

	cronSecret string
}

var (
	ko = koanf.New(".")

	// Version of the build injected at build time.
	buildString = "unknown"
)

func main() {
	fs := initFS(os.Args[0])
	initConfig(fs)

	lo := initLogger(ko.String("app.log_level") == "debug")
	lo.Info("starting otpd", "version", buildString)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := initStore(ctx, ko.String("app.store"))
	if err != nil {
		lo.Fatal("error initializing store", "error", err)
	}
	defer closeStore()

	provs, err := initProviders(ctx, lo)
	if err != nil {
		lo.Fatal("error initializing providers", "error", err)
	} else if len(provs) == 0 {
		lo.Fatal("no providers configured. Map at least one channel in [channels].")
	}

	tpls, err := initTemplates(fs, provs)
	if err != nil {
		lo.Fatal("error loading templates", "error", err)
	}

	var dc dispatch.Conf
	ko.UnmarshalWithConf("dispatch", &dc, koanf.UnmarshalConf{Tag: "json"})
	disp, err := dispatch.New(dc, provs, tpls, lo)
	if err != nil {
		lo.Fatal("error initializing dispatcher", "error", err)
	}

	var (
		cfg = initOTPConfig()
		clk = clock.System{}
	)
	app := &App{
		store:      st,
		clock:      clk,
		issuer:     otp.NewIssuer(st, disp, clk, cfg),
		verifier:   otp.NewVerifier(st, clk, cfg),
		sweeper:    otp.NewSweeper(st),
		dispatcher: disp,
		lo:         lo,
		cronSecret: ko.String("app.cron_secret"),
	}

	users, closeUsers, err := initUsers(ctx)
	if err != nil {
		lo.Fatal("error initializing user store", "error", err)
	}
	defer closeUsers()
	if users != nil {
		app.resetter = account.NewResetter(users, app.verifier, ko.Int("account.bcrypt_cost"))
	} else {
		lo.Info("password reset disabled. Set account.dsn or use the postgres store to enable it.")
	}

	authCreds := initAuth(lo)
	if len(authCreds) == 0 {
		lo.Fatal("no auth entries found in config")
	}

	// Periodic sweeps.
	var sched *scheduler
	if ko.Bool("sweeper.enabled") {
		sched, err = newScheduler(app, ko.String("sweeper.schedule"))
		if err != nil {
			lo.Fatal("error scheduling sweeper", "error", err)
		}
		sched.Start()
	}

	srv := &http.Server{
		Addr:    ko.String("app.address"),
		Handler: newRouter(app, authCreds),
	}

	// HTTP Server.
	timeout := ko.Duration("app.server_timeout")
	if timeout.Seconds() < 1 {
		timeout = time.Second * 5
	}
	srv.ReadTimeout = timeout
	srv.WriteTimeout = timeout

	go func() {
		lo.Info("listening", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lo.Fatal("couldn't start server", "error", err)
		}
	}()

	<-ctx.Done()
	lo.Info("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), timeout*2)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		lo.Error("error shutting down server", "error", err)
	}
	if sched != nil {
		<-sched.Stop().Done()
	}
	if err := disp.Close(); err != nil {
		lo.Error("error closing dispatcher", "error", err)
	}
}

// newRouter registers the HTTP handlers.
func newRouter(app *App, authCreds map[string]string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(fmt.Sprintf("otpd %s", buildString)))
	})
	r.Get("/api/health", wrap(app, handleHealthCheck))
	r.Get("/api/channels", auth(authCreds, wrap(app, handleGetChannels)))
	r.Post("/api/otp", auth(authCreds, wrap(app, handleRequestOTP)))
	r.Post("/api/otp/verify", auth(authCreds, wrap(app, handleVerifyOTP)))
	r.Post("/api/password/reset", auth(authCreds, wrap(app, handleResetPassword)))

	sweep := cronAuth(app.cronSecret, wrap(app, handleCronSweep))
	r.Get("/api/cron/sweep", sweep)
	r.Post("/api/cron/sweep", sweep)

	return r
}
