package market

import (
	"context"
	"time"
)

// Store is the persistence boundary the upsert engine and jobs write through.
type Store interface {
	FindCompanyBySymbol(ctx context.Context, symbol string) (Company, error)
	// SaveCompany inserts when ID is zero and updates otherwise.
	SaveCompany(ctx context.Context, company Company) (Company, error)
	ListAllCompanies(ctx context.Context) ([]Company, error)
	FindFundamentalsByCompany(ctx context.Context, companyID int64) (Fundamentals, error)
	// SaveFundamentals returns ErrCompanyNotFound when the owning company is missing.
	SaveFundamentals(ctx context.Context, fundamentals Fundamentals) (Fundamentals, error)
	SaveCurrentPrice(ctx context.Context, price Price) error
	AppendHistoricalPrice(ctx context.Context, point HistoricalPrice) error
}

// RunStore persists job run outcomes so guards survive restarts.
type RunStore interface {
	RecordRun(ctx context.Context, run RunRecord) error
	// LastSuccess reports the finish time of the most recent succeeded run.
	LastSuccess(ctx context.Context, job JobName) (time.Time, bool, error)
	LastRun(ctx context.Context, job JobName) (RunRecord, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes run events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests used for archive object names.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
