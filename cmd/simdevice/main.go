// simdevice runs the firmware on stdio: JSON command lines in, response and
// status lines out. Point a bridge at a pty running this binary to exercise
// the full stack without hardware.
package main

import (
	"bufio"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/arducord/arducord/internal/firmware"
)

const tickInterval = 10 * time.Millisecond

// lockedWriter serializes response writes between the intake goroutine and
// the tick loop.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.Write(p)
}

func main() {
	log.SetOutput(os.Stderr)

	out := &lockedWriter{w: os.Stdout}
	board := firmware.NewSimBoard()
	runtime := firmware.NewRuntime(board, out)

	// The firmware belongs to a single cooperative loop; on a real host the
	// intake and the ticker are two goroutines, so both take this lock.
	var mu sync.Mutex

	go func() {
		reader := bufio.NewReader(os.Stdin)
		buf := make([]byte, 1)
		for {
			if _, err := reader.Read(buf); err != nil {
				os.Exit(0)
			}
			mu.Lock()
			runtime.Feed(buf[0])
			mu.Unlock()
		}
	}()

	start := time.Now()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for range ticker.C {
		mu.Lock()
		runtime.Tick(time.Since(start))
		mu.Unlock()
	}
}
