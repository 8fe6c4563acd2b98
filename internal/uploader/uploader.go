// Package uploader flashes a sketch onto a board via the arduino-cli
// toolchain, streaming textual progress to a callback. It is operational
// glue around the core: the relay and bridge work without it.
package uploader

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
)

// Progress receives one line of toolchain output at a time.
type Progress func(line string)

// Uploader flashes a compiled sketch to an attached board.
type Uploader interface {
	Upload(ctx context.Context, sketchPath, boardType, port string, progress Progress) error
}

// ArduinoCLI shells out to the arduino-cli binary.
type ArduinoCLI struct {
	// Binary overrides the executable name, defaulting to "arduino-cli".
	Binary string
}

func (u *ArduinoCLI) binary() string {
	if u.Binary != "" {
		return u.Binary
	}
	return "arduino-cli"
}

// Args builds the upload invocation for a sketch, board FQBN and port.
func (u *ArduinoCLI) Args(sketchPath, boardType, port string) []string {
	return []string{"compile", "--upload", "--fqbn", boardType, "--port", port, sketchPath}
}

// Upload runs the toolchain and streams its combined output line by line.
func (u *ArduinoCLI) Upload(ctx context.Context, sketchPath, boardType, port string, progress Progress) error {
	if sketchPath == "" || boardType == "" || port == "" {
		return fmt.Errorf("sketch path, board type and port are all required")
	}

	cmd := exec.CommandContext(ctx, u.binary(), u.Args(sketchPath, boardType, port)...)

	pipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("attach to toolchain output: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", u.binary(), err)
	}

	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		if progress != nil {
			progress(scanner.Text())
		}
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}
	return nil
}
