package main

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rohanrana/vonage-voip/audio"
)

const dedupThreshold = 0.85

// clientEvent mirrors the server's browser wire envelope.
type clientEvent struct {
	Event     string `json:"event"`
	CallID    string `json:"callId,omitempty"`
	Audio     string `json:"audio,omitempty"`
	Size      int    `json:"size,omitempty"`
	Status    string `json:"status,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Speaker   string `json:"speaker,omitempty"`
	Text      string `json:"text,omitempty"`
	IsFinal   bool   `json:"isFinal,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

type Client struct {
	conn       *websocket.Conn
	mic        *MicrophoneReader
	resampler  *audio.Resampler
	callID     string
	seen       *TranscriptBuffer
	wg         sync.WaitGroup
	writeMu    sync.Mutex
	log        *log.Logger
	done       chan struct{}
	bufWriter  *bufio.Writer
	outputFile *os.File
}

func main() {
	var serverURL = flag.String("url", "ws://localhost:8081/socket/browser", "WebSocket server URL")
	var callID = flag.String("call", "", "Call ID to attach to (required)")
	var nativeRate = flag.Int("rate", 48000, "Microphone capture rate in Hz")
	var outputPath = flag.String("output", "", "Output file path for transcriptions (optional)")
	flag.Parse()

	logger := log.New(os.Stderr, "", log.LstdFlags|log.Lshortfile)

	if *callID == "" {
		logger.Println("-call is required")
		return
	}

	mic, err := NewMicrophoneReader(*nativeRate)
	if err != nil {
		logger.Printf("microphone open failed: %v\n", err)
		return
	}
	defer mic.Close()

	conn, _, err := websocket.DefaultDialer.Dial(*serverURL, nil)
	if err != nil {
		logger.Printf("WebSocket dial failed: %v\n", err)
		return
	}
	defer conn.Close()

	client := &Client{
		conn:      conn,
		mic:       mic,
		resampler: audio.NewResampler(*nativeRate, audio.DefaultTargetRate),
		callID:    *callID,
		seen:      NewTranscriptBuffer(16),
		log:       logger,
		done:      make(chan struct{}),
	}

	if *outputPath != "" {
		outputFile, err := os.Create(*outputPath)
		if err != nil {
			logger.Printf("Failed to create output file: %v\n", err)
			return
		}
		defer outputFile.Close()

		client.outputFile = outputFile
		client.bufWriter = bufio.NewWriter(outputFile)
		defer client.bufWriter.Flush()
	}

	if err := client.register(); err != nil {
		logger.Printf("register failed: %v\n", err)
		return
	}

	fmt.Println("Recording... Press Ctrl+C to stop.")
	client.Start()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-client.done:
		fmt.Println("Call ended by remote.")
	}

	client.Close()
	fmt.Println("\nDone.")
}

func (c *Client) register() error {
	return c.sendJSON(clientEvent{Event: "register", CallID: c.callID})
}

func (c *Client) Start() {
	c.wg.Add(2)
	go c.reader()
	go c.writer()
}

func (c *Client) reader() {
	defer c.wg.Done()

	var audioBytes int64
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Printf("WebSocket read error: %v\n", err)
			}
			return
		}

		var ev clientEvent
		if err := json.Unmarshal(message, &ev); err != nil {
			c.log.Printf("Failed to unmarshal event: %v\n", err)
			continue
		}

		switch ev.Event {
		case "registered":
			fmt.Printf("Registered for call %s\n", ev.CallID)

		case "audio:data":
			audioBytes += int64(ev.Size)

		case "transcription":
			c.printTranscript(ev)

		case "call:ended":
			fmt.Printf("Call ended (%d bytes of remote audio received).\n", audioBytes)
			close(c.done)
			return
		}
	}
}

// printTranscript shows a transcript line unless it is a near-duplicate of
// something recently printed. Interim results for the same utterance churn
// rapidly, so the window keeps the output readable.
func (c *Client) printTranscript(ev clientEvent) {
	if ev.Text == "" {
		return
	}
	if !ev.IsFinal && c.seen.IsSimilar(ev.Text, dedupThreshold) {
		return
	}
	c.seen.Add(ev.Text)

	timestamp := time.Now().Format("15:04:05")
	marker := ""
	if ev.IsFinal {
		marker = " *"
	}
	line := fmt.Sprintf("[%s] %s: %s%s\n", timestamp, ev.Speaker, ev.Text, marker)

	fmt.Print(line)

	if c.bufWriter != nil {
		if _, err := c.bufWriter.WriteString(line); err != nil {
			c.log.Printf("Failed to write to output file: %v\n", err)
		} else {
			c.bufWriter.Flush()
		}
	}
}

func (c *Client) writer() {
	defer c.wg.Done()
	for {
		frame, err := c.mic.ReadFrame()
		if err != nil {
			c.log.Printf("Audio read error: %v\n", err)
			return
		}

		resampled := c.resampler.Push(frame)
		if len(resampled) == 0 {
			continue
		}

		pcm := audio.Float32ToPCM16LE(resampled)
		ev := clientEvent{
			Event:  "microphone:data",
			CallID: c.callID,
			Audio:  base64.StdEncoding.EncodeToString(pcm),
			Size:   len(pcm),
		}

		if err := c.sendJSON(ev); err != nil {
			if !errors.Is(err, net.ErrClosed) && !errors.Is(err, websocket.ErrCloseSent) {
				c.log.Printf("WebSocket write error: %v\n", err)
			}
			return
		}
	}
}

func (c *Client) sendJSON(ev clientEvent) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(ev)
}

func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
	c.wg.Wait()
}
