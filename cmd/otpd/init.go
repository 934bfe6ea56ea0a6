package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/knadh/stuffbin"
	"github.com/propdesk/otpd/internal/account"
	"github.com/propdesk/otpd/internal/dispatch"
	"github.com/propdesk/otpd/internal/otp"
	"github.com/propdesk/otpd/internal/providers/pinpoint"
	"github.com/propdesk/otpd/internal/providers/smtp"
	"github.com/propdesk/otpd/internal/providers/twilio"
	"github.com/propdesk/otpd/internal/providers/webhook"
	"github.com/propdesk/otpd/internal/store"
	"github.com/propdesk/otpd/internal/store/memory"
	"github.com/propdesk/otpd/internal/store/postgres"
	"github.com/propdesk/otpd/internal/store/redis"
	"github.com/propdesk/otpd/pkg/models"
	flag "github.com/spf13/pflag"
	"github.com/zerodha/logf"
)

const sampleConfig = "/config.sample.toml"

// pgPool is set by initStore when the Postgres store is in use so that
// the user store can share it.
var pgPool *pgxpool.Pool

func initLogger(debug bool) *logf.Logger {
	opts := logf.Opts{EnableCaller: true}
	if debug {
		opts.Level = logf.DebugLevel
		opts.EnableColor = true
	}
	lo := logf.New(opts)
	return &lo
}

func initConfig(fs stuffbin.FileSystem) {
	// Register --help handler.
	f := flag.NewFlagSet("config", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}
	f.StringSlice("config", []string{"config.toml"},
		"Path to one or more TOML config files to load in order")
	f.Bool("sample-config", false, "Print a sample config and exit")
	f.Bool("version", false, "Show build version")
	f.Parse(os.Args[1:])

	// Display version.
	if ok, _ := f.GetBool("version"); ok {
		fmt.Println(buildString)
		os.Exit(0)
	}

	if ok, _ := f.GetBool("sample-config"); ok {
		b, err := fs.Read(sampleConfig)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error reading sample config: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(b)
		os.Exit(0)
	}

	// Read the config files.
	cFiles, _ := f.GetStringSlice("config")
	for _, f := range cFiles {
		if err := ko.Load(file.Provider(f), toml.Parser()); err != nil {
			fmt.Fprintf(os.Stderr, "error reading config %s: %v\n", f, err)
		}
	}

	// Load environment variables and merge into the loaded config.
	// OTPD_STORE__REDIS__HOST becomes store.redis.host.
	if err := ko.Load(env.Provider("OTPD_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "OTPD_")), "__", ".", -1)
	}), nil); err != nil {
		fmt.Fprintf(os.Stderr, "error loading env config: %v\n", err)
	}

	ko.Load(posflag.Provider(f, ".", ko), nil)
}

func initOTPConfig() otp.Config {
	var c otp.Config
	ko.UnmarshalWithConf("otp", &c, koanf.UnmarshalConf{Tag: "json"})
	return c
}

// initStore returns the configured store and a func that releases it.
func initStore(ctx context.Context, kind string) (store.Store, func(), error) {
	switch kind {
	case "", "redis":
		var c redis.Conf
		ko.UnmarshalWithConf("store.redis", &c, koanf.UnmarshalConf{Tag: "json"})
		r := redis.New(c)
		return r, func() { r.Close() }, nil

	case "postgres":
		var c postgres.Conf
		ko.UnmarshalWithConf("store.postgres", &c, koanf.UnmarshalConf{Tag: "json"})
		pool, err := postgres.Connect(ctx, c)
		if err != nil {
			return nil, nil, err
		}
		pgPool = pool
		return postgres.New(pool), pool.Close, nil

	case "memory":
		return memory.New(), func() {}, nil
	}

	return nil, nil, fmt.Errorf("unknown store '%s'", kind)
}

// initUsers returns the CRM user store used by password resets, or nil if
// none is configured.
func initUsers(ctx context.Context) (account.UserStore, func(), error) {
	if dsn := ko.String("account.dsn"); dsn != "" {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		return account.NewPostgresUsers(pool), pool.Close, nil
	}

	if pgPool != nil {
		return account.NewPostgresUsers(pgPool), func() {}, nil
	}
	return nil, func() {}, nil
}

// initProviders creates the provider mapped to each channel in [channels].
func initProviders(ctx context.Context, lo *logf.Logger) (map[models.Channel]models.Provider, error) {
	out := make(map[models.Channel]models.Provider)
	for ch, name := range ko.StringMap("channels") {
		var (
			channel = models.Channel(ch)
			p       models.Provider
			err     error
		)

		switch name {
		case "twilio":
			var c twilio.Config
			ko.UnmarshalWithConf("provider.twilio", &c, koanf.UnmarshalConf{Tag: "json"})
			p, err = twilio.New(c)

		case "pinpoint":
			var c pinpoint.Config
			ko.UnmarshalWithConf("provider.pinpoint", &c, koanf.UnmarshalConf{Tag: "json"})
			p, err = pinpoint.NewSMS(ctx, c)

		case "smtp":
			var c smtp.Config
			ko.UnmarshalWithConf("provider.smtp", &c, koanf.UnmarshalConf{Tag: "json"})
			p, err = smtp.New(c)

		case "webhook":
			var c webhook.Config
			ko.UnmarshalWithConf("provider.webhook."+ch, &c, koanf.UnmarshalConf{Tag: "json"})
			if c.Channel == "" {
				c.Channel = channel
			}
			p, err = webhook.New(c)

		default:
			return nil, fmt.Errorf("unknown provider '%s' for channel '%s'", name, ch)
		}
		if err != nil {
			return nil, fmt.Errorf("error initializing provider '%s': %v", name, err)
		}

		if p.Channel() != channel {
			return nil, fmt.Errorf("provider '%s' delivers %s, not %s", name, p.Channel(), ch)
		}

		lo.Info("loaded provider", "channel", ch, "provider", p.ID())
		out[channel] = p
	}

	return out, nil
}

// initTemplates compiles the message templates of each configured channel.
// Template bodies are read from the embedded filesystem.
func initTemplates(fs stuffbin.FileSystem, provs map[models.Channel]models.Provider) (map[models.Channel]*dispatch.Template, error) {
	out := make(map[models.Channel]*dispatch.Template)
	for ch := range provs {
		var c models.ProviderConfig
		ko.UnmarshalWithConf("templates."+string(ch), &c, koanf.UnmarshalConf{Tag: "json"})

		body := ""
		if c.Template != "" {
			b, err := fs.Read(c.Template)
			if err != nil {
				return nil, fmt.Errorf("error reading template %s for %s: %v", c.Template, ch, err)
			}
			body = string(b)
		}

		tpl, err := dispatch.NewTemplate(c.Subject, body)
		if err != nil {
			return nil, fmt.Errorf("error compiling templates for %s: %v", ch, err)
		}
		out[ch] = tpl
	}

	return out, nil
}

// initAuth loads the client:secret API credentials.
func initAuth(lo *logf.Logger) map[string]string {
	out := make(map[string]string)
	for _, a := range ko.MapKeys("auth") {
		k := ko.StringMap("auth." + a)
		var (
			client = k["client"]
			secret = k["secret"]
		)

		if client == "" || secret == "" {
			lo.Fatal("client or secret keys not found", "auth", a)
		}
		out[client] = secret
	}

	return out
}

func initFS(exe string) stuffbin.FileSystem {
	// Read stuffed data from self.
	fs, err := stuffbin.UnStuff(exe)
	if err != nil {
		// Binary is unstuffed or is running in dev mode.
		if err == stuffbin.ErrNoID {
			fs, err = stuffbin.NewLocalFS("/",
				"./config.sample.toml:config.sample.toml",
				"./static/templates:static/templates")
			if err != nil {
				fmt.Fprintf(os.Stderr, "error falling back to local filesystem: %v\n", err)
				os.Exit(1)
			}
		} else {
			fmt.Fprintf(os.Stderr, "error reading stuffed binary: %v\n", err)
			os.Exit(1)
		}
	}

	return fs
}
