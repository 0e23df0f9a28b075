package pdf

import (
	"context"
	"io"
)

// Provider renders customer-facing documents.
type Provider interface {
	GenerateUsageReport(ctx context.Context, data UsageReportData) (io.Reader, error)
}
