// Package voip bridges a telephony media leg and a browser media leg per
// call, fanning each leg's audio out to a streaming speech-to-text engine
// and publishing transcripts back to the browser in real time.
package voip

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/rohanrana/vonage-voip/asr"
	"github.com/rohanrana/vonage-voip/audio"
	"github.com/rohanrana/vonage-voip/config"
)

type Server struct {
	srv     *http.Server
	log     zerolog.Logger
	cfg     *config.Config
	store   *SessionStore
	control *callControl
}

// New wires the coordinator, both websocket endpoints and the call-control
// API around the given ASR engine. Call control stays disabled (503) when
// the Vonage private key cannot be loaded; media and transcription work
// without it.
func New(cfg *config.Config, engine asr.Engine) *Server {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	mux := http.NewServeMux()
	server := &Server{
		srv: &http.Server{
			Addr:         cfg.Addr,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
			Handler:      mux,
		},
		log: logger,
		cfg: cfg,
		store: NewSessionStore(engine, asr.Config{
			SampleRate:     audio.DefaultTargetRate,
			LanguageCode:   cfg.LanguageCode,
			InterimResults: true,
		}, cfg.StartThreshold, logger),
	}

	control, err := newCallControl(cfg, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("call control disabled: private key unavailable")
	} else {
		server.control = control
	}

	mux.HandleFunc("/socket/vonage", server.handlePhoneSocket)
	mux.HandleFunc("/socket/browser", server.handleBrowserSocket)
	mux.HandleFunc("/answer", server.requireControl(server.handleAnswer))
	mux.HandleFunc("/event", server.handleEvent)
	mux.HandleFunc("/api/call", server.requireControl(server.handleCall))
	mux.HandleFunc("/api/hangup", server.requireControl(server.handleHangup))
	mux.HandleFunc("/api/token", server.requireControl(server.handleToken))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return server
}

// Store exposes the session registry, mainly for tests and shutdown hooks.
func (s *Server) Store() *SessionStore {
	return s.store
}

func (s *Server) requireControl(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.control == nil {
			http.Error(w, "call control not configured", http.StatusServiceUnavailable)
			return
		}
		h(w, r)
	}
}

func (s *Server) Start() error {
	var wg sync.WaitGroup
	errChan := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.log.Info().Str("addr", s.srv.Addr).Msg("starting server")
		errChan <- s.srv.ListenAndServe()
	}()

	wg.Wait()
	close(errChan)
	for err := range errChan {
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	return nil
}

func (s *Server) Stop() error {
	s.log.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.store.Shutdown(ctx)
	return s.srv.Shutdown(ctx)
}
