package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// InterruptHandler manages graceful shutdown with friendly messages.
type InterruptHandler struct {
	writer      io.Writer
	message     string
	interrupted bool
	mu          sync.Mutex
}

// NewInterruptHandler creates a handler that prints message on interrupt.
func NewInterruptHandler(writer io.Writer, message string) *InterruptHandler {
	if writer == nil {
		writer = os.Stdout
	}
	return &InterruptHandler{
		writer:  writer,
		message: message,
	}
}

// HandleInterrupts sets up signal handling and returns a context that will be canceled on interrupt.
func (h *InterruptHandler) HandleInterrupts(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			h.Interrupt()
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx
}

// Interrupt records the interruption and prints the message once.
func (h *InterruptHandler) Interrupt() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.interrupted {
		return
	}
	h.interrupted = true

	msg := "\n\n" + FormatWarning("Interrupted!")
	if h.message != "" {
		msg += "\n" + SubtleStyle.Render(h.message)
	}
	if _, err := fmt.Fprintln(h.writer, msg); err != nil {
		// Best effort - we're shutting down anyway
		fmt.Fprintf(os.Stderr, "Failed to write interrupt message: %v\n", err)
	}
}

// WasInterrupted returns true if the process was interrupted.
func (h *InterruptHandler) WasInterrupted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interrupted
}
