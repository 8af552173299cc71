package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	speech "cloud.google.com/go/speech/apiv1"

	voip "github.com/rohanrana/vonage-voip"
	"github.com/rohanrana/vonage-voip/asr"
	"github.com/rohanrana/vonage-voip/asr/deepgram"
	"github.com/rohanrana/vonage-voip/asr/google"
	"github.com/rohanrana/vonage-voip/config"
)

func main() {
	cfg := config.Load()

	// Deepgram when an API key is configured, Google Speech otherwise.
	var engine asr.Engine
	if cfg.DeepgramAPIKey != "" {
		engine = deepgram.NewEngine(cfg.DeepgramAPIKey)
	} else {
		speechClient, err := speech.NewClient(context.Background())
		if err != nil {
			log.Fatalf("Failed to create speech client: %v", err)
		}
		defer speechClient.Close()
		engine = google.NewEngine(speechClient)
	}

	s := voip.New(cfg, engine)

	go func() {
		if err := s.Start(); err != nil {
			log.Fatalf("Server failed to start: %v\n", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	if err := s.Stop(); err != nil {
		log.Printf("Error during server shutdown: %v\n", err)
	}
}
