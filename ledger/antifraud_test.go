package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCounter returns a fixed count per scope and records the queries.
type fakeCounter struct {
	counts  map[Scope]int64
	queries []ActivityQuery
	err     error
}

func (f *fakeCounter) CountActivity(ctx context.Context, q ActivityQuery) (int64, error) {
	f.queries = append(f.queries, q)
	if f.err != nil {
		return 0, f.err
	}
	return f.counts[q.Scope], nil
}

func i64(v int64) *int64 { return &v }

var afNow = time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

func TestLimiter_CountAtLimit_NoBreach(t *testing.T) {
	counter := &fakeCounter{counts: map[Scope]int64{ScopeCustomer: 3}}
	cfg := AntifraudSettings{Customer: ScopeLimits{Limit: i64(3), WindowSec: i64(60)}}

	var l Limiter
	breaches, err := l.EvaluateAccrualLimits(context.Background(), counter, cfg,
		ScopeContext{MerchantID: "m", CustomerID: "c", Type: EntryEarn}, afNow)

	require.NoError(t, err)
	assert.Empty(t, breaches)
	require.Len(t, counter.queries, 1)
	assert.Equal(t, afNow.Add(-60*time.Second), counter.queries[0].Since)
	assert.Equal(t, EntryEarn, counter.queries[0].Type)
	assert.Equal(t, "c", counter.queries[0].ScopeValue)
}

func TestLimiter_CountOverLimit_Breach(t *testing.T) {
	counter := &fakeCounter{counts: map[Scope]int64{ScopeDevice: 11}}
	cfg := AntifraudSettings{Device: ScopeLimits{DailyCap: i64(10)}}

	var l Limiter
	breaches, err := l.EvaluateAccrualLimits(context.Background(), counter, cfg,
		ScopeContext{MerchantID: "m", CustomerID: "c", DeviceID: "pos-1", Type: EntryEarn}, afNow)

	require.NoError(t, err)
	require.Len(t, breaches, 1)
	b := breaches[0]
	assert.Equal(t, ScopeDevice, b.Scope)
	assert.Equal(t, "pos-1", b.ScopeValue)
	assert.Equal(t, "dailyCap", b.Rule)
	assert.Equal(t, int64(11), b.Observed)
	assert.Equal(t, int64(86400), b.WindowSec)
	assert.Contains(t, b.Reason(), "device dailyCap exceeded for device=pos-1")
}

func TestLimiter_UnknownScopeValue_Skipped(t *testing.T) {
	counter := &fakeCounter{counts: map[Scope]int64{ScopeStaff: 100}}
	cfg := AntifraudSettings{Staff: ScopeLimits{WeeklyCap: i64(1)}}

	var l Limiter
	breaches, err := l.EvaluateAccrualLimits(context.Background(), counter, cfg,
		ScopeContext{MerchantID: "m", CustomerID: "c", Type: EntryEarn}, afNow)

	require.NoError(t, err)
	assert.Empty(t, breaches)
	assert.Empty(t, counter.queries, "no staff id, nothing to count")
}

func TestLimiter_LimitWithoutWindow_Ignored(t *testing.T) {
	counter := &fakeCounter{counts: map[Scope]int64{ScopeMerchant: 1000}}
	cfg := AntifraudSettings{Merchant: ScopeLimits{Limit: i64(1)}}

	var l Limiter
	breaches, err := l.EvaluateAccrualLimits(context.Background(), counter, cfg,
		ScopeContext{MerchantID: "m", CustomerID: "c", Type: EntryEarn}, afNow)

	require.NoError(t, err)
	assert.Empty(t, breaches)
}

func TestLimiter_AllRulesOfScope(t *testing.T) {
	counter := &fakeCounter{counts: map[Scope]int64{ScopeCustomer: 5}}
	cfg := AntifraudSettings{Customer: ScopeLimits{
		Limit: i64(1), WindowSec: i64(30), DailyCap: i64(2), WeeklyCap: i64(10),
	}}

	var l Limiter
	breaches, err := l.EvaluateAccrualLimits(context.Background(), counter, cfg,
		ScopeContext{MerchantID: "m", CustomerID: "c", Type: EntryRedeem}, afNow)

	require.NoError(t, err)
	require.Len(t, breaches, 2)
	assert.Equal(t, "limit", breaches[0].Rule)
	assert.Equal(t, "dailyCap", breaches[1].Rule)
	assert.Len(t, counter.queries, 3)
}

func TestLimiter_CounterError(t *testing.T) {
	counter := &fakeCounter{err: errors.New("db gone")}
	cfg := AntifraudSettings{Customer: ScopeLimits{DailyCap: i64(1)}}

	var l Limiter
	_, err := l.EvaluateAccrualLimits(context.Background(), counter, cfg,
		ScopeContext{MerchantID: "m", CustomerID: "c", Type: EntryEarn}, afNow)

	assert.ErrorContains(t, err, "db gone")
}

func TestMerchantSettings_Validate(t *testing.T) {
	assert.NoError(t, MerchantSettings{EarnBps: 100}.Validate())

	err := MerchantSettings{EarnBps: -1}.Validate()
	assert.ErrorIs(t, err, ErrInvalidInput)

	err = MerchantSettings{Antifraud: AntifraudSettings{Device: ScopeLimits{DailyCap: i64(-1)}}}.Validate()
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.ErrorContains(t, err, "af.device.dailyCap")
}
