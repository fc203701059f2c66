package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/clinicore/clinic-scheduling/internal/db"
)

// simulate drives concurrent booking traffic against a running api-server.
// Workers deliberately target a small set of professionals and slot minutes
// so that scheduling conflicts actually happen, which is the behavior under
// test.

type SimConfig struct {
	APIBaseURL    string
	Duration      time.Duration
	Workers       int
	Professionals int
	SlotCount     int
	PatientLimit  int
	PostgresDSN   string
}

func loadSimConfig() SimConfig {
	cfg := SimConfig{
		APIBaseURL:    getEnv("API_BASE_URL", "http://127.0.0.1:8080"),
		Duration:      getDurationEnv("SIM_DURATION", 30*time.Second),
		Workers:       getIntEnv("SIM_WORKERS", 20),
		Professionals: getIntEnv("SIM_PROFESSIONALS", 5),
		SlotCount:     getIntEnv("SIM_SLOTS", 50),
		PatientLimit:  getIntEnv("SIM_PATIENTS", 200),
		PostgresDSN:   os.Getenv("POSTGRES_DSN"),
	}
	if cfg.PostgresDSN == "" {
		log.Fatal("POSTGRES_DSN is required to load patients and professionals")
	}
	return cfg
}

type DataPool struct {
	Patients      []uuid.UUID
	Professionals []uuid.UUID
	Slots         []time.Time

	mu           sync.RWMutex
	appointments []uuid.UUID
}

func (dp *DataPool) AddAppointment(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, id)
}

func (dp *DataPool) RandomAppointment() (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return uuid.Nil, false
	}
	return dp.appointments[rand.Intn(len(dp.appointments))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	mu        sync.Mutex
	Latencies []time.Duration
}

func (om *OperationMetrics) Record(latency time.Duration, success, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case success:
		atomic.AddInt64(&om.Success, 1)
	case conflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	avg = sum / time.Duration(len(latencies))

	idx := func(pct int) int {
		i := len(latencies) * pct / 100
		if i >= len(latencies) {
			i = len(latencies) - 1
		}
		return i
	}
	return avg, latencies[idx(50)], latencies[idx(95)]
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	cfg := loadSimConfig()

	log.Printf("simulate starting: workers=%d duration=%s professionals=%d slots=%d",
		cfg.Workers, cfg.Duration, cfg.Professionals, cfg.SlotCount)

	pool, err := loadDataPool(cfg)
	if err != nil {
		log.Fatalf("load data pool: %v", err)
	}
	log.Printf("loaded %d patients, %d professionals", len(pool.Patients), len(pool.Professionals))

	createMetrics := &OperationMetrics{}
	rebookMetrics := &OperationMetrics{}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	client := &http.Client{Timeout: 10 * time.Second}

	var wg sync.WaitGroup
	for w := 0; w < cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				runCreate(ctx, client, cfg, pool, createMetrics)
				// A fraction of workers also hammer the reschedule path.
				if rand.Float64() < 0.2 {
					runReschedule(ctx, client, cfg, pool, rebookMetrics)
				}
			}
		}()
	}
	wg.Wait()

	report("create", createMetrics)
	report("reschedule", rebookMetrics)
}

func loadDataPool(cfg SimConfig) (*DataPool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	defer pgPool.Close()

	dp := &DataPool{}

	rows, err := pgPool.Query(ctx, `SELECT id FROM patients LIMIT $1`, cfg.PatientLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dp.Patients = append(dp.Patients, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	profRows, err := pgPool.Query(ctx, `SELECT id FROM professionals LIMIT $1`, cfg.Professionals)
	if err != nil {
		return nil, err
	}
	defer profRows.Close()
	for profRows.Next() {
		var id uuid.UUID
		if err := profRows.Scan(&id); err != nil {
			return nil, err
		}
		dp.Professionals = append(dp.Professionals, id)
	}
	if err := profRows.Err(); err != nil {
		return nil, err
	}

	if len(dp.Patients) == 0 || len(dp.Professionals) == 0 {
		return nil, fmt.Errorf("patients or professionals missing, run cmd/seed first")
	}

	// A tight grid of slot minutes starting tomorrow morning.
	start := time.Now().UTC().AddDate(0, 0, 1).Truncate(time.Hour)
	for i := 0; i < cfg.SlotCount; i++ {
		dp.Slots = append(dp.Slots, start.Add(time.Duration(i)*30*time.Minute))
	}

	return dp, nil
}

func runCreate(ctx context.Context, client *http.Client, cfg SimConfig, pool *DataPool, m *OperationMetrics) {
	patient := pool.Patients[rand.Intn(len(pool.Patients))]
	professional := pool.Professionals[rand.Intn(len(pool.Professionals))]
	slot := pool.Slots[rand.Intn(len(pool.Slots))]

	body, _ := json.Marshal(map[string]any{
		"patient_id":      patient.String(),
		"professional_id": professional.String(),
		"scheduled_at":    slot.Format(time.RFC3339),
		"gross_value":     150,
		"discount":        0,
	})

	start := time.Now()
	resp, err := post(ctx, client, cfg.APIBaseURL+"/appointments", body)
	latency := time.Since(start)
	if err != nil {
		m.Record(latency, false, false)
		return
	}

	switch resp.StatusCode {
	case http.StatusCreated:
		var created struct {
			ID uuid.UUID `json:"id"`
		}
		if json.Unmarshal(resp.Body, &created) == nil && created.ID != uuid.Nil {
			pool.AddAppointment(created.ID)
		}
		m.Record(latency, true, false)
	case http.StatusConflict:
		m.Record(latency, false, true)
	default:
		m.Record(latency, false, false)
	}
}

func runReschedule(ctx context.Context, client *http.Client, cfg SimConfig, pool *DataPool, m *OperationMetrics) {
	id, ok := pool.RandomAppointment()
	if !ok {
		return
	}
	slot := pool.Slots[rand.Intn(len(pool.Slots))]

	body, _ := json.Marshal(map[string]any{
		"scheduled_at": slot.Format(time.RFC3339),
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		fmt.Sprintf("%s/appointments/%s", cfg.APIBaseURL, id), bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)
	if err != nil {
		m.Record(latency, false, false)
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		m.Record(latency, true, false)
	case http.StatusConflict:
		m.Record(latency, false, true)
	default:
		m.Record(latency, false, false)
	}
}

type simResponse struct {
	StatusCode int
	Body       []byte
}

func post(ctx context.Context, client *http.Client, url string, body []byte) (*simResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &simResponse{StatusCode: resp.StatusCode, Body: data}, nil
}

func report(name string, m *OperationMetrics) {
	avg, p50, p95 := m.Stats()
	log.Printf("%s: total=%d success=%d conflict=%d error=%d avg=%s p50=%s p95=%s",
		name,
		atomic.LoadInt64(&m.Total),
		atomic.LoadInt64(&m.Success),
		atomic.LoadInt64(&m.Conflict),
		atomic.LoadInt64(&m.Error),
		avg, p50, p95,
	)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
