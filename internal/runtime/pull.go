package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/creack/pty"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/pkg/jsonmessage"

	"github.com/soumen02/lesion-segmentator/internal/logger"
)

// progressInterval throttles carriage-return progress redraws.
const progressInterval = 2 * time.Second

// PullDockerImage pulls an image with the docker CLI under a PTY.
//
// Running under a PTY makes docker emit its native progress output, which is
// forwarded line by line to onLine. Carriage-return redraws of the same line
// are forwarded at most every progressInterval.
//
// Parameters:
//   - ctx: Context for cancellation; the docker process is killed on cancel
//   - ref: Full image reference to pull
//   - onLine: Receives progress lines (may be nil)
//
// Returns:
//   - nil on success
//   - Error if the pull fails or is cancelled
func PullDockerImage(ctx context.Context, ref string, onLine func(string)) error {
	if ref == "" {
		return fmt.Errorf("image name cannot be empty")
	}
	if onLine == nil {
		onLine = func(string) {}
	}

	cmd := exec.CommandContext(ctx, "docker", "pull", ref)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		logger.Debug("PTY unavailable (%v), pulling without progress bars", err)
		return pullPiped(ctx, ref, onLine)
	}
	defer ptmx.Close()

	forwardProgress(ptmx, onLine)

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("docker pull %s: %w", ref, err)
	}
	return nil
}

func pullPiped(ctx context.Context, ref string, onLine func(string)) error {
	cmd := exec.CommandContext(ctx, "docker", "pull", ref)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	forwardProgress(&buf, onLine)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("docker pull %s: %w", ref, err)
	}
	return nil
}

// forwardProgress splits r on \n and \r. A read error ends the stream: on
// Linux the PTY master returns EIO once the child exits.
func forwardProgress(r io.Reader, onLine func(string)) {
	sc := bufio.NewScanner(r)
	sc.Split(scanProgressLines)
	var last time.Time
	for sc.Scan() {
		tok := sc.Text()
		redraw := strings.HasSuffix(tok, "\r")
		line := strings.TrimSpace(stripANSI(tok))
		if line == "" {
			continue
		}
		if redraw {
			if time.Since(last) < progressInterval {
				continue
			}
			last = time.Now()
		}
		onLine(line)
	}
}

// scanProgressLines is bufio.ScanLines that also breaks on a lone \r and
// keeps the \r so callers can tell redraws from new lines.
func scanProgressLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i, b := range data {
		switch b {
		case '\n':
			return i + 1, bytes.TrimSuffix(data[:i], []byte("\r")), nil
		case '\r':
			if i+1 < len(data) {
				if data[i+1] == '\n' {
					return i + 2, data[:i], nil
				}
				return i + 1, data[:i+1], nil
			}
			if atEOF {
				return i + 1, data[:i+1], nil
			}
			return 0, nil, nil
		}
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// stripANSI removes CSI escape sequences docker uses to move the cursor.
func stripANSI(s string) string {
	if !strings.Contains(s, "\x1b[") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == 0x1b && i+1 < len(s) && s[i+1] == '[' {
			j := i + 2
			for j < len(s) && (s[j] < 0x40 || s[j] > 0x7e) {
				j++
			}
			i = j
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// pullViaAPI pulls through the Engine API. It is used when the docker CLI is
// not installed, e.g. when DOCKER_HOST points at a remote daemon.
func (e *DockerEngine) pullViaAPI(ctx context.Context, ref string, onLine func(string)) error {
	rc, err := e.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull %s: %w", ref, err)
	}
	defer rc.Close()

	var last time.Time
	dec := json.NewDecoder(rc)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read pull progress: %w", err)
		}
		if msg.Error != nil {
			return fmt.Errorf("failed to pull %s: %s", ref, msg.Error.Message)
		}
		if msg.Progress != nil && time.Since(last) < progressInterval {
			continue
		}
		last = time.Now()
		line := strings.TrimSpace(strings.Join([]string{msg.ID, msg.Status, progressString(msg.Progress)}, " "))
		if line != "" && onLine != nil {
			onLine(line)
		}
	}
}

func progressString(p *jsonmessage.JSONProgress) string {
	if p == nil {
		return ""
	}
	return p.String()
}
