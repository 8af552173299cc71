package main

import (
	"github.com/gordonklaus/portaudio"
)

const framesPerBuffer = 1024

// MicrophoneReader captures mono float32 audio from the default input
// device at the device's native sample rate. The caller must call Close()
// to properly clean up resources.
type MicrophoneReader struct {
	stream *portaudio.Stream
	buffer []float32
}

// NewMicrophoneReader initializes PortAudio, opens an input stream at the
// given sample rate and starts recording.
func NewMicrophoneReader(sampleRate int) (*MicrophoneReader, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, err
	}

	buffer := make([]float32, framesPerBuffer)

	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), len(buffer), buffer)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, err
	}

	return &MicrophoneReader{
		stream: stream,
		buffer: buffer,
	}, nil
}

// ReadFrame captures one frame of audio. The returned slice is reused on
// the next call; copy it if it must outlive the call.
func (m *MicrophoneReader) ReadFrame() ([]float32, error) {
	if err := m.stream.Read(); err != nil {
		return nil, err
	}
	return m.buffer, nil
}

// Close stops the audio stream, closes it, and terminates PortAudio.
func (m *MicrophoneReader) Close() error {
	var err error
	if m.stream != nil {
		if stopErr := m.stream.Stop(); stopErr != nil {
			err = stopErr
		}
		if closeErr := m.stream.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	portaudio.Terminate()
	return err
}
