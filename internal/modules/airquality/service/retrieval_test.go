package service

import (
	"context"
	"errors"
	"testing"

	"airledger/internal/modules/airquality/ledger"
	"airledger/internal/modules/airquality/types"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		m    *types.Measurement
		want types.Health
	}{
		{"all inside", &types.Measurement{CO2: 400, NO2: 20, PM25: 5, PM10: 10}, types.HealthHealthy},
		{"upper bounds inclusive", &types.Measurement{CO2: 450, NO2: 50, PM25: 12, PM10: 20}, types.HealthHealthy},
		{"lower bounds inclusive", &types.Measurement{CO2: 350, NO2: 0, PM25: 0, PM10: 0}, types.HealthHealthy},
		{"co2 above", &types.Measurement{CO2: 451, NO2: 20, PM25: 5, PM10: 10}, types.HealthUnhealthy},
		{"co2 below", &types.Measurement{CO2: 349, NO2: 20, PM25: 5, PM10: 10}, types.HealthUnhealthy},
		{"no2 above", &types.Measurement{CO2: 400, NO2: 51, PM25: 5, PM10: 10}, types.HealthUnhealthy},
		{"pm25 above", &types.Measurement{CO2: 400, NO2: 20, PM25: 13, PM10: 10}, types.HealthUnhealthy},
		{"pm10 above", &types.Measurement{CO2: 400, NO2: 20, PM25: 5, PM10: 21}, types.HealthUnhealthy},
		{"zero co2", &types.Measurement{}, types.HealthUnhealthy},
		{"nil", nil, types.HealthUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.m); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLastN(t *testing.T) {
	client := newClient(ledger.NewMemoryStore())
	seed(client, healthy(400), healthy(401), healthy(402))
	svc := NewRetrieval(client)

	tests := []struct {
		n        int
		wantCO2s []uint64
	}{
		{n: 10, wantCO2s: []uint64{402, 401, 400}},
		{n: 3, wantCO2s: []uint64{402, 401, 400}},
		{n: 2, wantCO2s: []uint64{402, 401}},
		{n: 1, wantCO2s: []uint64{402}},
		{n: 0, wantCO2s: []uint64{}},
		{n: -4, wantCO2s: []uint64{}},
	}
	for _, tt := range tests {
		got, err := svc.LastN(context.Background(), tt.n)
		if err != nil {
			t.Fatalf("LastN(%d) error = %v", tt.n, err)
		}
		if got == nil {
			t.Fatalf("LastN(%d) = nil, want empty slice", tt.n)
		}
		if len(got) != len(tt.wantCO2s) {
			t.Fatalf("LastN(%d) len = %d, want %d", tt.n, len(got), len(tt.wantCO2s))
		}
		for i, r := range got {
			if r.CO2 != tt.wantCO2s[i] {
				t.Errorf("LastN(%d)[%d].CO2 = %d, want %d", tt.n, i, r.CO2, tt.wantCO2s[i])
			}
			if i > 0 && r.Index >= got[i-1].Index {
				t.Errorf("LastN(%d) indexes not strictly decreasing: %d after %d", tt.n, r.Index, got[i-1].Index)
			}
			if i > 0 && r.Timestamp.After(got[i-1].Timestamp) {
				t.Errorf("LastN(%d) timestamps not newest first", tt.n)
			}
		}
	}
}

func TestLastN_Empty(t *testing.T) {
	svc := NewRetrieval(newClient(ledger.NewMemoryStore()))
	got, err := svc.LastN(context.Background(), DefaultLastN)
	if err != nil {
		t.Fatalf("LastN() error = %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("LastN() = %v, want empty non-nil slice", got)
	}
}

func TestLastN_LargeLedgerBoundedWindow(t *testing.T) {
	client := newClient(ledger.NewMemoryStore())
	ms := make([]types.Measurement, 37)
	for i := range ms {
		ms[i] = healthy(350 + uint64(i))
	}
	seed(client, ms...)

	got, err := NewRetrieval(client).LastN(context.Background(), DefaultLastN)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != DefaultLastN {
		t.Fatalf("len = %d, want %d", len(got), DefaultLastN)
	}
	for i, r := range got {
		if want := uint64(36 - i); r.Index != want {
			t.Errorf("got[%d].Index = %d, want %d", i, r.Index, want)
		}
	}
}

func TestLastN_PartialReadFailure(t *testing.T) {
	store := newFlakyStore()
	client := newClient(store)
	seed(client, healthy(400), healthy(401), healthy(402), healthy(403))
	store.failReads[1] = errConnRefused

	svc := NewRetrieval(client)
	got, err := svc.LastN(context.Background(), 10)
	if !errors.Is(err, ErrPartialReadFailure) {
		t.Fatalf("LastN() error = %v, want ErrPartialReadFailure", err)
	}
	if !errors.Is(err, ledger.ErrReadUnavailable) {
		t.Errorf("LastN() error = %v, want it to wrap ErrReadUnavailable", err)
	}
	if got != nil {
		t.Errorf("LastN() = %v, want nil on failure", got)
	}

	// The failed index is outside the window, so the call succeeds.
	got, err = svc.LastN(context.Background(), 2)
	if err != nil {
		t.Fatalf("LastN(2) error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("LastN(2) len = %d", len(got))
	}
}

func TestLastN_CountUnavailable(t *testing.T) {
	store := newFlakyStore()
	client := newClient(store)
	store.setDown(true)

	_, err := NewRetrieval(client).LastN(context.Background(), 10)
	if !errors.Is(err, ledger.ErrReadUnavailable) {
		t.Errorf("LastN() error = %v, want ErrReadUnavailable", err)
	}
	if errors.Is(err, ErrPartialReadFailure) {
		t.Errorf("count failure must not be reported as partial read")
	}
}

func TestCurrentStatus(t *testing.T) {
	t.Run("empty ledger", func(t *testing.T) {
		st, err := NewRetrieval(newClient(ledger.NewMemoryStore())).CurrentStatus(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if st.Reading != nil || st.Health != types.HealthUnknown {
			t.Errorf("status = %+v, want unknown with no reading", st)
		}
	})

	t.Run("newest reading decides", func(t *testing.T) {
		client := newClient(ledger.NewMemoryStore())
		seed(client, healthy(400), types.Measurement{CO2: 400, NO2: 20, PM25: 30, PM10: 10})
		st, err := NewRetrieval(client).CurrentStatus(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if st.Reading == nil || st.Reading.Index != 1 {
			t.Fatalf("status reading = %+v, want index 1", st.Reading)
		}
		if st.Health != types.HealthUnhealthy {
			t.Errorf("health = %v, want unhealthy", st.Health)
		}
	})

	t.Run("read failure is an error not unknown", func(t *testing.T) {
		store := newFlakyStore()
		client := newClient(store)
		seed(client, healthy(400))
		store.failReads[0] = errConnRefused

		_, err := NewRetrieval(client).CurrentStatus(context.Background())
		if !errors.Is(err, ledger.ErrReadUnavailable) {
			t.Errorf("CurrentStatus() error = %v, want ErrReadUnavailable", err)
		}
	})
}

func TestGet(t *testing.T) {
	client := newClient(ledger.NewMemoryStore())
	seed(client, healthy(400), healthy(410))
	svc := NewRetrieval(client)

	r, err := svc.Get(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if r.Index != 1 || r.CO2 != 410 {
		t.Errorf("Get(1) = %+v", r)
	}
	if _, err := svc.Get(context.Background(), 2); !errors.Is(err, ledger.ErrIndexOutOfRange) {
		t.Errorf("Get(2) error = %v, want ErrIndexOutOfRange", err)
	}
}

// Three generator ticks with the second ledger write failing leave two
// readings at indexes 0 and 1.
func TestScenario_FailedTickSkipped(t *testing.T) {
	store := newFlakyStore()
	client := newClient(store)
	rec := NewRecorder(client, RecorderOptions{Logger: discardLogger()})
	ctx := context.Background()

	m1 := types.Measurement{CO2: 400, NO2: 10, PM25: 5, PM10: 8}
	m2 := types.Measurement{CO2: 420, NO2: 30, PM25: 10, PM10: 15}
	m3 := types.Measurement{CO2: 380, NO2: 5, PM25: 2, PM10: 4}

	if _, err := rec.Record(ctx, types.Reading{Timestamp: baseTime, Measurement: m1}); err != nil {
		t.Fatal(err)
	}
	store.setDown(true)
	if _, err := rec.Record(ctx, types.Reading{Timestamp: baseTime.Add(10e9), Measurement: m2}); !errors.Is(err, ledger.ErrWriteRejected) {
		t.Fatalf("Record() error = %v, want ErrWriteRejected", err)
	}
	store.setDown(false)
	if _, err := rec.Record(ctx, types.Reading{Timestamp: baseTime.Add(20e9), Measurement: m3}); err != nil {
		t.Fatal(err)
	}

	got, err := NewRetrieval(client).LastN(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Index != 1 || got[0].Measurement != m3 || got[1].Index != 0 || got[1].Measurement != m1 {
		t.Errorf("LastN() = %+v", got)
	}
}
