// ABOUTME: Store decorator recording Prometheus metrics and debug logs
// ABOUTME: Wraps any backend without changing its semantics

package store

import (
	"time"

	"github.com/nainya/indexedcollections/internal/logger"
	"github.com/nainya/indexedcollections/internal/metrics"
)

type instrumented struct {
	next    Store
	metrics *metrics.Metrics
	log     *logger.Logger
}

// Instrument wraps s so that every call is counted, timed and logged.
// A nil m or log disables that half.
func Instrument(s Store, m *metrics.Metrics, log *logger.Logger) Store {
	if log == nil {
		log = logger.Nop()
	}
	return &instrumented{next: s, metrics: m, log: log}
}

func (i *instrumented) record(op string, region Region, start time.Time, count int, err error) {
	d := time.Since(start)
	if i.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		i.metrics.RecordStoreOperation(op, region.String(), status, d)
	}
	i.log.LogStoreOperation(op, region.String(), d, count, err)
}

func (i *instrumented) Put(region Region, row, column, value []byte) error {
	start := time.Now()
	err := i.next.Put(region, row, column, value)
	i.record("put", region, start, 1, err)
	return err
}

func (i *instrumented) Get(region Region, row, column []byte) ([]byte, bool, error) {
	start := time.Now()
	val, ok, err := i.next.Get(region, row, column)
	n := 0
	if ok {
		n = 1
	}
	i.record("get", region, start, n, err)
	return val, ok, err
}

func (i *instrumented) Delete(region Region, row, column []byte) (bool, error) {
	start := time.Now()
	existed, err := i.next.Delete(region, row, column)
	n := 0
	if existed {
		n = 1
	}
	i.record("delete", region, start, n, err)
	return existed, err
}

func (i *instrumented) Scan(region Region, row []byte, r Range) ([]Column, error) {
	start := time.Now()
	cols, err := i.next.Scan(region, row, r)
	i.record("scan", region, start, len(cols), err)
	return cols, err
}

func (i *instrumented) Mutate(region Region, row []byte, muts []Mutation) error {
	start := time.Now()
	err := i.next.Mutate(region, row, muts)
	i.record("mutate", region, start, len(muts), err)
	if err == nil && i.metrics != nil {
		if sz, ok := i.next.(Sizer); ok {
			i.metrics.StoreSizeBytes.Set(float64(sz.Size()))
		}
	}
	return err
}

func (i *instrumented) Close() error {
	return i.next.Close()
}

// Size forwards to the wrapped store when it reports a size
func (i *instrumented) Size() int64 {
	if sz, ok := i.next.(Sizer); ok {
		return sz.Size()
	}
	return 0
}
