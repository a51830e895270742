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
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// =============================================================================
// Audit Logger Implementation
// =============================================================================

// GenesisHash is the initial hash value for the first record in the chain.
// This allows verification that the chain starts from a known state.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// auditLogFileMode restricts read/write to owner only (0600).
//
// The audit log records who proposed, approved, and executed each VM action.
// That history is itself sensitive, so other system users must not be able
// to read it.
const auditLogFileMode = 0600

// Event names recorded in the audit chain.
const (
	EventProposalCreated   = "proposal_created"
	EventProposalApproved  = "proposal_approved"
	EventProposalDenied    = "proposal_denied"
	EventAwaitingApproval  = "awaiting_second_approval"
	EventExecutionStarted  = "execution_started"
	EventStepResult        = "step_result"
	EventExecutionFinished = "execution_finished"
	EventDirectAction      = "direct_action"
	EventDuplicateRejected = "duplicate_rejected"
)

// Record is one entry in the tamper-evident audit chain.
//
// # Hash Chain
//
// Each record includes the hash of the previous record. If any record is
// modified after the fact, VerifyChain will report the break.
type Record struct {
	Sequence   int64  `json:"sequence"`
	Timestamp  string `json:"timestamp"`
	Event      string `json:"event"`
	ProposalID string `json:"proposal_id,omitempty"`
	Actor      string `json:"actor,omitempty"`
	Action     string `json:"action,omitempty"`
	Node       string `json:"node,omitempty"`
	VMID       int    `json:"vmid,omitempty"`
	Detail     string `json:"detail,omitempty"`
	PrevHash   string `json:"prev_hash"`
	EntryHash  string `json:"entry_hash"`
}

// Logger writes proposal lifecycle records to a dedicated JSONL file with
// hash chain integrity, and mirrors each entry to slog for observability.
//
// # Fields
//
//   - logFile: Handle to the dedicated audit log file.
//   - fileMu: Mutex protecting file writes and chain state.
//   - sequence: Monotonically increasing sequence number.
//   - prevHash: Hash of the previous entry (for chain linking).
//
// # Thread Safety
//
// All methods are thread-safe. File writes are serialized via mutex.
type Logger struct {
	logFile  *os.File
	logPath  string
	fileMu   sync.Mutex
	sequence int64
	prevHash string
}

// NewLogger creates an audit logger backed by the file at logPath.
//
// # Description
//
// Opens (or creates) the audit file in append mode with owner-only
// permissions, then initializes the hash chain by reading the last entry
// from the existing file or starting fresh with the genesis hash.
//
// # Inputs
//
//   - logPath: Path to dedicated log file. Created if not exists.
//
// # Outputs
//
//   - *Logger: Ready to use logger.
//   - error: Non-nil if file creation or chain initialization fails.
//
// # Limitations
//
//   - Log rotation must be handled externally (e.g., logrotate).
//   - Chain verification after rotation requires preserving old files.
func NewLogger(logPath string) (*Logger, error) {
	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, auditLogFileMode)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	logger := &Logger{
		logFile:  file,
		logPath:  logPath,
		prevHash: GenesisHash,
		sequence: 0,
	}

	if err := logger.initializeChainState(logPath); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to initialize chain state: %w", err)
	}

	slog.Info("Audit logger initialized",
		"log_path", logPath,
		"starting_sequence", logger.sequence,
	)

	return logger, nil
}

// Append links a record into the hash chain and writes it to the audit file.
//
// # Description
//
// Assigns the next sequence number, stamps the record, links it to the
// previous entry, computes its hash, and writes it as one JSON line. The
// stored record is also mirrored to slog.
//
// # Inputs
//
//   - rec: Record with Event and domain fields set. Sequence, Timestamp,
//     PrevHash, and EntryHash are overwritten by the logger.
//
// # Outputs
//
//   - Record: The record as written, with chain fields populated.
//   - error: Non-nil if marshalling or writing fails.
func (l *Logger) Append(rec Record) (Record, error) {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	if l.logFile == nil {
		return Record{}, fmt.Errorf("audit log file is not open")
	}

	l.sequence++
	rec.Sequence = l.sequence
	rec.Timestamp = time.Now().UTC().Format(time.RFC3339)
	rec.PrevHash = l.prevHash
	rec.EntryHash = computeRecordHash(rec)

	jsonBytes, err := json.Marshal(rec)
	if err != nil {
		l.sequence--
		return Record{}, fmt.Errorf("failed to marshal audit record: %w", err)
	}
	if _, err := l.logFile.Write(append(jsonBytes, '\n')); err != nil {
		l.sequence--
		return Record{}, fmt.Errorf("failed to write audit record: %w", err)
	}

	l.prevHash = rec.EntryHash

	slog.Info("audit.record.logged",
		"sequence", rec.Sequence,
		"event", rec.Event,
		"proposal_id", rec.ProposalID,
		"actor", rec.Actor,
	)

	return rec, nil
}

// VerifyChain verifies the integrity of the hash chain.
//
// # Outputs
//
//   - valid: True if the entire chain is valid.
//   - breakIndex: Index of first broken link (-1 if valid).
//   - error: Non-nil if verification fails to complete.
//
// # Limitations
//
//   - Requires reading the entire log file.
//   - May be slow for very large log files.
func (l *Logger) VerifyChain() (valid bool, breakIndex int64, err error) {
	l.fileMu.Lock()
	logPath := l.logPath
	l.fileMu.Unlock()

	file, err := os.Open(logPath)
	if err != nil {
		return false, -1, fmt.Errorf("failed to open log file for verification: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var prevHash = GenesisHash
	var recordIndex int64 = 0

	for scanner.Scan() {
		line := scanner.Bytes()

		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue // Skip malformed lines
		}
		if rec.Sequence == 0 {
			continue
		}

		if rec.PrevHash != prevHash {
			return false, recordIndex, nil
		}
		if computeRecordHash(rec) != rec.EntryHash {
			return false, recordIndex, nil
		}

		prevHash = rec.EntryHash
		recordIndex++
	}

	if err := scanner.Err(); err != nil {
		return false, -1, fmt.Errorf("error reading log file: %w", err)
	}

	return true, -1, nil
}

// EntryCount returns the number of records in the audit log.
func (l *Logger) EntryCount() (int64, error) {
	l.fileMu.Lock()
	logPath := l.logPath
	l.fileMu.Unlock()

	file, err := os.Open(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var count int64 = 0

	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		if rec.Sequence > 0 {
			count++
		}
	}

	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("error reading log file: %w", err)
	}

	return count, nil
}

// ReopenLogFile closes and reopens the log file for rotation support.
//
// # Description
//
// Supports external log rotation by closing the current file handle and
// opening a new one at the configured path. The hash chain state (sequence
// number, previous hash) is preserved in memory, so the chain continues
// across the rotation boundary.
//
// # Limitations
//
//   - After rotation, the new file will not contain previous records.
//   - If reopen fails, the logger is left in a closed state.
func (l *Logger) ReopenLogFile() error {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	if l.logFile != nil {
		if err := l.logFile.Close(); err != nil {
			slog.Warn("audit: error closing old log file during rotation",
				"path", l.logPath,
				"error", err,
			)
		}
		l.logFile = nil
	}

	file, err := os.OpenFile(l.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, auditLogFileMode)
	if err != nil {
		return fmt.Errorf("failed to reopen audit log file: %w", err)
	}
	l.logFile = file

	slog.Info("audit: reopened log file",
		"path", l.logPath,
		"sequence", l.sequence,
	)

	return nil
}

// Close closes the audit log file. Should be called during graceful shutdown.
func (l *Logger) Close() error {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	if l.logFile != nil {
		if err := l.logFile.Close(); err != nil {
			return fmt.Errorf("failed to close audit log file: %w", err)
		}
		l.logFile = nil
	}
	return nil
}

// =============================================================================
// Internal Functions
// =============================================================================

// initializeChainState reads the existing log file to find the last sequence
// and hash so a restarted process continues the chain instead of breaking it.
func (l *Logger) initializeChainState(logPath string) error {
	file, err := os.Open(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open log file for reading: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var lastRecord Record

	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		if rec.Sequence > 0 {
			lastRecord = rec
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading log file: %w", err)
	}

	if lastRecord.Sequence > 0 {
		l.sequence = lastRecord.Sequence
		l.prevHash = lastRecord.EntryHash
	}

	return nil
}

// computeRecordHash hashes the record's fields (excluding EntryHash) in a
// stable order so the hash is reproducible during verification.
func computeRecordHash(rec Record) string {
	data := fmt.Sprintf("%d|%s|%s|%s|%s|%s|%s|%d|%s|%s",
		rec.Sequence,
		rec.Timestamp,
		rec.Event,
		rec.ProposalID,
		rec.Actor,
		rec.Action,
		rec.Node,
		rec.VMID,
		rec.Detail,
		rec.PrevHash,
	)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
