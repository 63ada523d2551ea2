package main

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/Velocidex/ordereddict"

	"auditview/outputformats"
	"auditview/types"
)

const sinkMaxRetries = 5

// Sink serializes finished events and hands the bytes to the log writer.
// Writes are retried with exponential backoff; exhausting the budget is
// fatal for the pipeline.
type Sink struct {
	writer outputformats.LineWriter
	node   string
	logger *Logger
}

func NewSink(writer outputformats.LineWriter, node string, logger *Logger) *Sink {
	return &Sink{writer: writer, node: node, logger: logger}
}

// Emit writes one event document.
func (s *Sink) Emit(ev *types.Event, blocks []types.Field) error {
	doc := outputformats.EventDocument(ev, s.node, blocks)
	return s.EmitDocument(doc)
}

// EmitDocument writes an already-assembled document (status reports,
// markers, filterlog copies).
func (s *Sink) EmitDocument(doc *ordereddict.Dict) error {
	line, err := outputformats.Encode(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrSinkWrite, err)
	}
	return s.writeRetry(line)
}

func (s *Sink) writeRetry(line []byte) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = 10 * time.Second

	attempt := 0
	op := func() error {
		err := s.writer.WriteLine(line)
		if err != nil {
			attempt++
			sinkRetriesTotal.Inc()
			s.logger.Warning("sink", "write attempt %d failed: %v", attempt, err)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithMaxRetries(bo, sinkMaxRetries)); err != nil {
		return fmt.Errorf("%w: %v", types.ErrSinkWrite, err)
	}
	return nil
}

func (s *Sink) Close() error { return s.writer.Close() }
