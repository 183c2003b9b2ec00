package player

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/lucafier/wrenchmate/internal/audio"
)

// FFPlaySink renders PCM through a local ffplay process reading s16le from
// stdin. It is the default output device for the daemon; environments
// without a speaker use the WAV sink or none at all.
type FFPlaySink struct {
	path       string
	sampleRate int

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func NewFFPlaySink(path string, sampleRate int) *FFPlaySink {
	if path == "" {
		path = "ffplay"
	}
	if sampleRate <= 0 {
		sampleRate = audio.PlaybackRate
	}
	return &FFPlaySink{path: path, sampleRate: sampleRate}
}

func (s *FFPlaySink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return nil
	}

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostats",
		"-nodisp",
		"-f", "s16le",
		"-ch_layout", "mono",
		"-ar", fmt.Sprintf("%d", s.sampleRate),
		"-i", "-",
	}
	cmd := exec.Command(s.path, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return fmt.Errorf("start ffplay: %w", err)
	}
	s.cmd = cmd
	s.stdin = stdin
	return nil
}

func (s *FFPlaySink) WriteSamples(samples []float32) error {
	s.mu.Lock()
	stdin := s.stdin
	s.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("ffplay is not running")
	}
	_, err := stdin.Write(audio.FloatToPCM16LE(samples))
	return err
}

func (s *FFPlaySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
	}
	s.cmd = nil
	s.stdin = nil
	return nil
}
