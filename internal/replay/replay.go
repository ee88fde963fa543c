// Package replay analyzes a recorded screening offline. Input is JSON Lines,
// one frame observation per line in timestamp order.
package replay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"shockscore/internal/analytics"
	"shockscore/internal/apperrors"
	"shockscore/internal/config"
	"shockscore/internal/ingest"
	"shockscore/internal/logging"
	"shockscore/internal/models"
)

const maxLineBytes = 4 << 20

// Run feeds every observation in r through one session and returns its
// report. The same input and configuration always give the same report.
// Faces under the session's confidence cutoff are discarded before
// aggregation. On a duplicate or out-of-order timestamp, skipped frames
// included, Run stops reading and returns the report built so far together
// with the error.
func Run(ctx context.Context, r io.Reader, sessionID string, metadata models.SessionMetadata, cfg config.Analysis) (models.Report, error) {
	session, err := analytics.NewSession(sessionID, metadata, cfg)
	if err != nil {
		return models.Report{}, err
	}
	sampler := ingest.NewSampler(cfg.Sampling.MaxFPS)
	logger := logging.WithSession(sessionID)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return session.Report(), err
		}

		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var obs models.FrameObservation
		if err := json.Unmarshal(raw, &obs); err != nil {
			return session.Report(), apperrors.Validation("line %d: %v", line, err)
		}

		admit, err := sampler.Admit(obs.Timestamp)
		if err != nil {
			return session.Report(), fmt.Errorf("line %d: %w", line, session.Fail(err))
		}
		if !admit {
			session.RecordSkipped(1)
			continue
		}
		out, err := session.Process(obs)
		if err != nil {
			return session.Report(), fmt.Errorf("line %d: %w", line, err)
		}
		for _, issue := range out.Issues {
			logger.Debug("frame recovered", "line", line, "kind", apperrors.KindOf(issue), "error", issue)
		}
		if out.Event != nil {
			logger.Debug("scare event", "timestamp", out.Event.Timestamp, "intensity", out.Event.Intensity)
		}
	}
	if err := scanner.Err(); err != nil {
		return session.Report(), fmt.Errorf("failed to read frames: %w", err)
	}

	report := session.Report()
	violations, err := analytics.AuditPrivacy(report)
	if err != nil {
		return models.Report{}, err
	}
	if len(violations) > 0 {
		return models.Report{}, apperrors.Invariant("report carries identifying fields: %v", violations)
	}
	return report, nil
}
