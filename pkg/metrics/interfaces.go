package metrics

import "context"

// Metric is one row destined for an analytics table
type Metric interface {
	// TableName returns the destination table
	TableName() string
	// Values returns column values in table order
	Values() []interface{}
}

// Writer persists batches of metrics
type Writer interface {
	Write(ctx context.Context, tableName string, metrics []Metric) error
	Close() error
}

// Buffer batches metrics and flushes them to a Writer
type Buffer interface {
	Add(metric Metric) error
	Flush(ctx context.Context) error
	Size() int
	Close(ctx context.Context) error
}

// Discard drops every metric. Used when no analytics store is configured.
type Discard struct{}

func (Discard) Add(Metric) error            { return nil }
func (Discard) Flush(context.Context) error { return nil }
func (Discard) Size() int                   { return 0 }
func (Discard) Close(context.Context) error { return nil }
