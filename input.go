package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"auditview/types"
)

const (
	defaultMaxLineBytes = 64 * 1024
	inputChannelCap     = 1024
)

// InputReader is the only concurrent actor besides the processing loop: a
// goroutine reading newline-terminated lines and handing them across a
// bounded channel. When the channel is full the reader blocks; events are
// never dropped here.
type InputReader struct {
	src     io.ReadCloser
	lines   chan []byte
	maxLine int
	logger  *Logger
}

// OpenInput resolves the configured input: "stdin" or "unix:<path>" (a
// connected UNIX-domain socket).
func OpenInput(spec string) (io.ReadCloser, error) {
	if spec == "" || spec == "stdin" {
		return os.Stdin, nil
	}
	if path, ok := strings.CutPrefix(spec, "unix:"); ok {
		conn, err := net.Dial("unix", path)
		if err != nil {
			return nil, fmt.Errorf("connect %s: %w", spec, err)
		}
		return conn, nil
	}
	return nil, fmt.Errorf("%w: unsupported input %q", types.ErrConfigInvalid, spec)
}

func NewInputReader(src io.ReadCloser, maxLine int, logger *Logger) *InputReader {
	if maxLine <= 0 {
		maxLine = defaultMaxLineBytes
	}
	return &InputReader{
		src:     src,
		lines:   make(chan []byte, inputChannelCap),
		maxLine: maxLine,
		logger:  logger,
	}
}

// Lines is the bounded channel the processing loop selects on. It is
// closed when the input reaches EOF or the context is cancelled.
func (r *InputReader) Lines() <-chan []byte { return r.lines }

// Run reads until EOF. Overlong lines are truncated at the frame limit and
// reported; the truncated prefix still enters the pipeline.
func (r *InputReader) Run(ctx context.Context) {
	defer close(r.lines)

	br := bufio.NewReaderSize(r.src, r.maxLine)
	for {
		line, err := br.ReadSlice('\n')
		switch err {
		case nil:
			line = line[:len(line)-1]
		case bufio.ErrBufferFull:
			linesTruncatedTotal.Inc()
			r.logger.Warning("input", "%v", &types.LineTooLongError{Limit: r.maxLine})
			// keep the truncated prefix; it must be copied before the
			// discard reads reuse the buffer
			prefix := make([]byte, len(line))
			copy(prefix, line)
			discardErr := error(bufio.ErrBufferFull)
			for discardErr == bufio.ErrBufferFull {
				_, discardErr = br.ReadSlice('\n')
			}
			if !r.deliver(ctx, prefix) {
				return
			}
			if discardErr != nil {
				if discardErr != io.EOF {
					r.logger.Error("input", "read: %v", discardErr)
				}
				return
			}
			continue
		case io.EOF:
			if len(line) > 0 {
				r.deliver(ctx, line)
			}
			return
		default:
			r.logger.Error("input", "read: %v", err)
			return
		}

		if len(line) == 0 {
			continue
		}
		if !r.deliver(ctx, line) {
			return
		}
	}
}

func (r *InputReader) deliver(ctx context.Context, line []byte) bool {
	out := make([]byte, len(line))
	copy(out, line)
	linesTotal.Inc()
	select {
	case r.lines <- out:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close unblocks a reader stuck in a blocking read.
func (r *InputReader) Close() error {
	if r.src == os.Stdin {
		return nil
	}
	return r.src.Close()
}
