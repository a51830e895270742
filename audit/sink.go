// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"log/slog"
	"sync"
)

// Sink receives audit records without blocking the caller. Request handlers
// emit through a Sink so a slow disk never stalls an API response.
type Sink interface {
	Emit(rec Record)
}

// NopSink discards every record. Used in tests and when auditing is disabled.
type NopSink struct{}

func (NopSink) Emit(Record) {}

// AsyncSink buffers records on a channel and appends them to a Logger on a
// background goroutine. When the buffer is full the record is dropped with a
// warning rather than blocking the caller.
type AsyncSink struct {
	logger *Logger
	ch     chan Record
	wg     sync.WaitGroup
	once   sync.Once
}

// DefaultSinkBuffer is the channel depth for buffered audit records.
const DefaultSinkBuffer = 256

// NewAsyncSink starts the background writer and returns the sink. Call Close
// during shutdown to drain pending records.
func NewAsyncSink(logger *Logger) *AsyncSink {
	s := &AsyncSink{
		logger: logger,
		ch:     make(chan Record, DefaultSinkBuffer),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *AsyncSink) run() {
	defer s.wg.Done()
	for rec := range s.ch {
		if _, err := s.logger.Append(rec); err != nil {
			slog.Error("audit: failed to append record",
				"event", rec.Event,
				"proposal_id", rec.ProposalID,
				"error", err,
			)
		}
	}
}

// Emit queues a record for writing. Never blocks.
func (s *AsyncSink) Emit(rec Record) {
	select {
	case s.ch <- rec:
	default:
		slog.Warn("audit: buffer full, dropping record",
			"event", rec.Event,
			"proposal_id", rec.ProposalID,
		)
	}
}

// Close drains buffered records and stops the background writer. Safe to
// call more than once.
func (s *AsyncSink) Close() {
	s.once.Do(func() {
		close(s.ch)
		s.wg.Wait()
	})
}
