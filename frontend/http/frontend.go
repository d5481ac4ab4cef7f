// Package http implements the announce endpoint of the tracker over HTTP as
// described in BEP 3 and BEP 23. Every announce is answered with status 200
// and a bencoded dictionary, failures included.
package http

import (
	"context"
	"errors"
	"net/http"
	"net/netip"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/sharehaven/tracker/frontend"
	"github.com/sharehaven/tracker/pkg/log"
	"github.com/sharehaven/tracker/pkg/stop"
)

// Name is the name of this frontend in logs and configuration.
const Name = "http"

// Default config constants.
const (
	defaultReadTimeout    = 2 * time.Second
	defaultWriteTimeout   = 2 * time.Second
	defaultRequestTimeout = 5 * time.Second
)

// Config represents all of the configurable options for an HTTP BitTorrent
// Frontend.
type Config struct {
	Addr           string        `yaml:"addr"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	ParseOptions   `yaml:",inline"`
}

// LogFields renders the current config as a set of log fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"addr":            cfg.Addr,
		"readTimeout":     cfg.ReadTimeout,
		"writeTimeout":    cfg.WriteTimeout,
		"requestTimeout":  cfg.RequestTimeout,
		"allowIPSpoofing": cfg.AllowIPSpoofing,
		"realIPHeader":    cfg.RealIPHeader,
		"maxNumWant":      cfg.MaxNumWant,
		"defaultNumWant":  cfg.DefaultNumWant,
	}
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.ReadTimeout <= 0 {
		validcfg.ReadTimeout = defaultReadTimeout
		warnDefault("ReadTimeout", cfg.ReadTimeout, validcfg.ReadTimeout)
	}

	if cfg.WriteTimeout <= 0 {
		validcfg.WriteTimeout = defaultWriteTimeout
		warnDefault("WriteTimeout", cfg.WriteTimeout, validcfg.WriteTimeout)
	}

	if cfg.RequestTimeout <= 0 {
		validcfg.RequestTimeout = defaultRequestTimeout
		warnDefault("RequestTimeout", cfg.RequestTimeout, validcfg.RequestTimeout)
	}

	if cfg.MaxNumWant <= 0 {
		validcfg.MaxNumWant = defaultMaxNumWant
		warnDefault("MaxNumWant", cfg.MaxNumWant, validcfg.MaxNumWant)
	}

	if cfg.DefaultNumWant <= 0 {
		validcfg.DefaultNumWant = defaultDefaultNumWant
		warnDefault("DefaultNumWant", cfg.DefaultNumWant, validcfg.DefaultNumWant)
	}

	return validcfg
}

func warnDefault(name string, provided, def interface{}) {
	log.Warn("falling back to default configuration", log.Fields{
		"name":     Name + "." + name,
		"provided": provided,
		"default":  def,
	})
}

// Frontend serves announces to a TrackerLogic.
type Frontend struct {
	srv   *http.Server
	logic frontend.TrackerLogic
	Config
}

// NewFrontend creates a Frontend. Call ListenAndServe to start serving.
func NewFrontend(logic frontend.TrackerLogic, provided Config) *Frontend {
	cfg := provided.Validate()
	f := &Frontend{
		logic:  logic,
		Config: cfg,
	}

	f.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      f.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	f.srv.SetKeepAlivesEnabled(false)
	return f
}

// Handler returns the router of the announce endpoint.
func (f *Frontend) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/:credential/announce", f.announceRoute)
	return router
}

// ListenAndServe serves from a background goroutine. A failure to serve is
// fatal.
func (f *Frontend) ListenAndServe() {
	go func() {
		log.Info("started serving announces", f.Config)
		if err := f.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("failed while serving http", log.Err(err))
		}
	}()
}

// Stop waits for running announces to finish and shuts down the server.
func (f *Frontend) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), f.RequestTimeout+f.WriteTimeout)
		defer cancel()
		c.Done(f.srv.Shutdown(ctx))
	}()
	return c.Result()
}

// announceRoute parses and responds to an Announce by using f.logic.
func (f *Frontend) announceRoute(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var (
		err  error
		addr netip.Addr
	)
	start := time.Now()
	defer func() { recordResponseDuration("announce", addr, err, time.Since(start)) }()
	defer func() {
		if p := recover(); p != nil {
			log.Error("http: panic while handling announce", log.Fields{"panic": p})
			err = errInternal
			WriteError(w, err)
		}
	}()

	req, err := ParseAnnounce(r, ps.ByName("credential"), f.ParseOptions)
	if err != nil {
		WriteError(w, err)
		return
	}
	addr = req.AddrPort.Addr()

	ctx, cancel := context.WithTimeout(r.Context(), f.RequestTimeout)
	defer cancel()

	resp, err := f.logic.HandleAnnounce(ctx, req)
	if err != nil {
		WriteError(w, err)
		return
	}

	if err = WriteAnnounceResponse(w, resp); err != nil {
		log.Error("http: failed to write announce response", resp, log.Err(err))
	}
}
