package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"

	"github.com/investotype/sim-engine/internal/date"
	"github.com/investotype/sim-engine/internal/model"
)

type memHistory struct {
	m    map[string]model.QuoteSeries
	gets int
	err  error
}

func (h *memHistory) GetSeries(_ context.Context, k model.SeriesKey) (model.QuoteSeries, bool, error) {
	h.gets++
	if h.err != nil {
		return model.QuoteSeries{}, false, h.err
	}
	s, ok := h.m[k.String()]
	return s, ok, nil
}

func (h *memHistory) PutSeries(_ context.Context, k model.SeriesKey, s model.QuoteSeries) error {
	if h.err != nil {
		return h.err
	}
	h.m[k.String()] = s
	return nil
}

func sampleSeries() (model.SeriesKey, model.QuoteSeries) {
	key := model.SeriesKey{Symbol: "SPY", From: date.MustParse("2023-12-25"), To: date.MustParse("2024-01-08")}
	qs := model.QuoteSeries{
		Symbol:   "SPY",
		Currency: "USD",
		Points: model.History{
			{Date: date.MustParse("2024-01-02"), Close: 472.65, AdjClose: 465.1},
			{Date: date.MustParse("2024-01-03"), Close: 468.79, AdjClose: 461.3, Dividend: 1.2},
		},
	}
	return key, qs
}

func TestEncodeDecodeSeries(t *testing.T) {
	_, qs := sampleSeries()
	data, err := encodeSeries(qs)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeSeries("SPY", data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Currency != "USD" || len(got.Points) != 2 {
		t.Fatalf("unexpected decoded series %+v", got)
	}
	for i := range qs.Points {
		if got.Points[i] != qs.Points[i] {
			t.Errorf("row %d: expected %+v, got %+v", i, qs.Points[i], got.Points[i])
		}
	}

	if _, err := decodeSeries("SPY", []byte("not msgpack")); err == nil {
		t.Error("expected decode error for garbage")
	}
}

func TestCachedHistoryStore_Hit(t *testing.T) {
	db, mock := redismock.NewClientMock()
	primary := &memHistory{m: map[string]model.QuoteSeries{}}
	s := NewCachedHistoryStore(primary, db, time.Hour)

	key, qs := sampleSeries()
	data, _ := encodeSeries(qs)
	mock.ExpectGet(seriesKey(key)).SetVal(string(data))

	got, ok, err := s.GetSeries(context.Background(), key)
	if err != nil || !ok {
		t.Fatalf("expected cache hit, got ok=%v err=%v", ok, err)
	}
	if len(got.Points) != 2 || primary.gets != 0 {
		t.Errorf("expected redis to serve the series without touching the primary")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("redis expectations not met: %v", err)
	}
}

func TestCachedHistoryStore_MissFallsBackAndPopulates(t *testing.T) {
	db, mock := redismock.NewClientMock()
	key, qs := sampleSeries()
	primary := &memHistory{m: map[string]model.QuoteSeries{key.String(): qs}}
	s := NewCachedHistoryStore(primary, db, time.Hour)

	data, _ := encodeSeries(qs)
	mock.ExpectGet(seriesKey(key)).RedisNil()
	mock.ExpectSet(seriesKey(key), data, time.Hour).SetVal("OK")

	got, ok, err := s.GetSeries(context.Background(), key)
	if err != nil || !ok {
		t.Fatalf("expected primary hit, got ok=%v err=%v", ok, err)
	}
	if got.Currency != "USD" || primary.gets != 1 {
		t.Errorf("unexpected fallback result %+v (gets=%d)", got, primary.gets)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("redis expectations not met: %v", err)
	}
}

func TestCachedHistoryStore_MissEverywhere(t *testing.T) {
	db, mock := redismock.NewClientMock()
	key, _ := sampleSeries()
	s := NewCachedHistoryStore(nil, db, time.Hour)

	mock.ExpectGet(seriesKey(key)).RedisNil()

	_, ok, err := s.GetSeries(context.Background(), key)
	if err != nil || ok {
		t.Errorf("expected clean miss, got ok=%v err=%v", ok, err)
	}
}

func TestCachedHistoryStore_RedisErrorDegrades(t *testing.T) {
	db, mock := redismock.NewClientMock()
	key, qs := sampleSeries()
	primary := &memHistory{m: map[string]model.QuoteSeries{key.String(): qs}}
	s := NewCachedHistoryStore(primary, db, time.Hour)

	data, _ := encodeSeries(qs)
	mock.ExpectGet(seriesKey(key)).SetErr(errors.New("connection refused"))
	mock.ExpectSet(seriesKey(key), data, time.Hour).SetErr(errors.New("connection refused"))

	_, ok, err := s.GetSeries(context.Background(), key)
	if err != nil || !ok {
		t.Errorf("redis failures must fall back to the primary, got ok=%v err=%v", ok, err)
	}
}

func TestCachedHistoryStore_Put(t *testing.T) {
	db, mock := redismock.NewClientMock()
	key, qs := sampleSeries()
	primary := &memHistory{m: map[string]model.QuoteSeries{}}
	s := NewCachedHistoryStore(primary, db, time.Hour)

	data, _ := encodeSeries(qs)
	mock.ExpectSet(seriesKey(key), data, time.Hour).SetVal("OK")

	if err := s.PutSeries(context.Background(), key, qs); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, ok := primary.m[key.String()]; !ok {
		t.Error("expected write-through to the primary")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("redis expectations not met: %v", err)
	}

	failing := NewCachedHistoryStore(&memHistory{err: errors.New("db down")}, db, time.Hour)
	if err := failing.PutSeries(context.Background(), key, qs); err == nil {
		t.Error("expected primary failure to surface")
	}
}
