package ocr

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Runner executes an external tool. Tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

var tracer = otel.Tracer("github.com/joseph-ayodele/health-records/internal/ocr")

type execRunner struct {
	log *slog.Logger
}

// Run traces each invocation as a child span of the stage that asked for it.
func (r execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	ctx, span := tracer.Start(ctx, "ocr.exec "+name)
	defer span.End()
	span.SetAttributes(attribute.Int("ocr.exec.args", len(args)))

	var out, errb bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &errb

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%s: %w", name, ctx.Err())
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "exec failed")
		r.log.Error("ocr.exec.failed",
			"cmd", name,
			"duration_ms", elapsed.Milliseconds(),
			"err", err,
			"stderr", truncate(errb.String(), 8<<10),
		)
		return out.Bytes(), errb.Bytes(), err
	}
	span.SetAttributes(attribute.Int("ocr.exec.stdout_bytes", out.Len()))
	r.log.Debug("ocr.exec.ok", "cmd", name, "duration_ms", elapsed.Milliseconds(), "stdout_bytes", out.Len())
	return out.Bytes(), errb.Bytes(), nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
