package audio

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

const (
	inputPlaceholder  = "{input}"
	outputPlaceholder = "{output}"
)

// ExecTranscoder converts arbitrary containers to WAV with an external command
// such as `ffmpeg -loglevel error -y -i {input} -ac 1 {output}` and decodes the result.
type ExecTranscoder struct {
	cmd     []string
	timeout time.Duration
	wav     *NativeDecoder
}

func NewExecTranscoder(command string, timeout time.Duration) (*ExecTranscoder, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse transcode command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("transcode command is empty")
	}
	if !containsPlaceholder(args, inputPlaceholder) || !containsPlaceholder(args, outputPlaceholder) {
		return nil, fmt.Errorf("transcode command must reference %s and %s", inputPlaceholder, outputPlaceholder)
	}
	return &ExecTranscoder{cmd: args, timeout: timeout, wav: NewNativeDecoder()}, nil
}

func (t *ExecTranscoder) Decode(ctx context.Context, data []byte) (Waveform, error) {
	if len(data) == 0 {
		return Waveform{}, &DecodeError{Err: ErrEmptyAudio}
	}
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	dir, err := os.MkdirTemp("", "voiceguard_transcode_*")
	if err != nil {
		return Waveform{}, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	input := filepath.Join(dir, "input")
	output := filepath.Join(dir, "output.wav")
	if err := os.WriteFile(input, data, 0o600); err != nil {
		return Waveform{}, fmt.Errorf("write transcode input: %w", err)
	}

	args := make([]string, len(t.cmd))
	for i, a := range t.cmd {
		a = strings.ReplaceAll(a, inputPlaceholder, input)
		args[i] = strings.ReplaceAll(a, outputPlaceholder, output)
	}

	command := exec.CommandContext(ctx, args[0], args[1:]...)
	var stderr bytes.Buffer
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return Waveform{}, &DecodeError{Format: "transcode", Err: fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))}
	}

	wavData, err := os.ReadFile(output)
	if err != nil {
		return Waveform{}, &DecodeError{Format: "transcode", Err: fmt.Errorf("read transcoded output: %w", err)}
	}
	return t.wav.Decode(ctx, wavData)
}

func containsPlaceholder(args []string, placeholder string) bool {
	for _, a := range args {
		if strings.Contains(a, placeholder) {
			return true
		}
	}
	return false
}
