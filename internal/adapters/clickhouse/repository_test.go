package clickhouse

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selivandex/decision-engine/pkg/metrics"
)

type capture struct {
	table string
	rows  [][]interface{}
	err   error
}

func (c *capture) InsertBatch(_ context.Context, table string, rows [][]interface{}) error {
	c.table = table
	c.rows = rows
	return c.err
}

func TestInsertQuery(t *testing.T) {
	q, err := insertQuery("circuit_breaker_metrics", [][]interface{}{{1, 2, 3}, {4, 5, 6}})
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO circuit_breaker_metrics VALUES (?, ?, ?)", q)

	_, err = insertQuery("t", [][]interface{}{{1, 2}, {3}})
	assert.ErrorContains(t, err, "wrong column count")

	_, err = insertQuery("t", [][]interface{}{{}})
	assert.Error(t, err)

	_, err = insertQuery("", [][]interface{}{{1}})
	assert.Error(t, err)
}

func TestWriter_Write(t *testing.T) {
	inserter := &capture{}
	closed := false
	w := NewWriter(inserter, func() error { closed = true; return nil })

	now := time.Now()
	batch := []metrics.Metric{
		&metrics.CircuitMetric{Timestamp: now, Level: "YELLOW", Reason: "drop", ReferenceDropPct: 5.5},
		&metrics.CircuitMetric{Timestamp: now, Level: "NONE"},
	}
	require.NoError(t, w.Write(context.Background(), "circuit_breaker_metrics", batch))
	assert.Equal(t, "circuit_breaker_metrics", inserter.table)
	require.Len(t, inserter.rows, 2)
	assert.Equal(t, "YELLOW", inserter.rows[0][1])
	assert.Equal(t, 5.5, inserter.rows[0][3])

	require.NoError(t, w.Close())
	assert.True(t, closed)
}

func TestWriter_RejectsMixedBatch(t *testing.T) {
	w := NewWriter(&capture{}, nil)
	err := w.Write(context.Background(), "decision_metrics", []metrics.Metric{&metrics.GenerationMetric{}})
	assert.Error(t, err)
}

func TestWriter_PropagatesInsertError(t *testing.T) {
	w := NewWriter(&capture{err: errors.New("down")}, nil)
	err := w.Write(context.Background(), "generation_metrics", []metrics.Metric{&metrics.GenerationMetric{Label: "judge"}})
	assert.ErrorContains(t, err, "down")
	assert.NoError(t, w.Close())
}

func TestSchemaCoversEveryMetricTable(t *testing.T) {
	want := map[string]int{}
	for _, m := range []metrics.Metric{&metrics.GenerationMetric{}, &metrics.DecisionMetric{}, &metrics.CircuitMetric{}} {
		want[m.TableName()] = len(m.Values())
	}

	got := map[string]int{}
	for _, stmt := range schema {
		head, body, ok := strings.Cut(stmt, " (")
		require.True(t, ok)
		table := head[strings.LastIndex(head, " ")+1:]
		columns, _, _ := strings.Cut(body, ") ENGINE")
		got[table] = len(strings.Split(strings.TrimSpace(columns), ","))
	}
	assert.Equal(t, want, got)
}
