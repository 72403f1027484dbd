package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/covigo-scheduling/internal/api"
	"github.com/hackgods/covigo-scheduling/internal/config"
	"github.com/hackgods/covigo-scheduling/internal/db"
	"github.com/hackgods/covigo-scheduling/internal/logging"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	BatchSize    int
	BookingRatio float64
	BatchRatio   float64
	CancelRatio  float64
	ReadRatio    float64
	PatientLimit int
	SlotLimit    int
	Postgres     config.PostgresConfig
}

type patient struct {
	ID      int64
	StaffID int64
}

// DataPool holds the ids the workers draw from. Booked ids move between
// patients as the simulation runs.
type DataPool struct {
	Patients  []patient
	OpenSlots map[int64][]int64 // by staff id

	mu     sync.Mutex
	booked map[int64][]int64 // by patient id
}

func (dp *DataPool) AddBooking(patientID, slotID int64) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.booked[patientID] = append(dp.booked[patientID], slotID)
}

func (dp *DataPool) TakeBooking(patientID int64, rng *rand.Rand) (int64, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	ids := dp.booked[patientID]
	if len(ids) == 0 {
		return 0, false
	}
	idx := rng.Intn(len(ids))
	id := ids[idx]
	dp.booked[patientID] = append(ids[:idx], ids[idx+1:]...)
	return id, true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[min2(len(latencies)*50/100, len(latencies)-1)]
	p95 = latencies[min2(len(latencies)*95/100, len(latencies)-1)]

	return avg, min, max, p50, p95
}

type Metrics struct {
	Booking      OperationMetrics
	BatchBooking OperationMetrics
	Cancel       OperationMetrics
	ReadTable    OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	logger  *zap.Logger
	metrics Metrics
}

func main() {
	cfg, baseCfg := loadConfig()

	logger, err := logging.New(baseCfg, "simulate")
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := validateConfig(cfg); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}

	logger.Info("simulator starting",
		zap.Duration("duration", cfg.Duration),
		zap.Int("workers", cfg.Workers),
		zap.Float64("booking", cfg.BookingRatio),
		zap.Float64("batch", cfg.BatchRatio),
		zap.Float64("cancel", cfg.CancelRatio),
		zap.Float64("read", cfg.ReadRatio),
	)

	// Load data from Postgres
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.Postgres)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		logger.Fatal("load data pool", zap.Error(err))
	}

	logger.Info("data loaded",
		zap.Int("patients", len(dataPool.Patients)),
		zap.Int("staff_with_open_slots", len(dataPool.OpenSlots)),
	)

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		logger: logger,
		client: &http.Client{
			Timeout: 10 * time.Second,
			// batch endpoints answer with 303; keep it to classify the call
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}

	if err := sim.Run(); err != nil {
		logger.Error("simulation failed", zap.Error(err))
	}

	sim.PrintReport()
}

func loadConfig() (SimConfig, config.Config) {
	baseCfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load base config: %v", err)
	}

	cfg := SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 10),
		BatchSize:    getInt("SIM_BATCH_SIZE", 5),
		BookingRatio: getFloat("SIM_BOOKING_RATIO", 0.3),
		BatchRatio:   getFloat("SIM_BATCH_RATIO", 0.2),
		CancelRatio:  getFloat("SIM_CANCEL_RATIO", 0.2),
		ReadRatio:    getFloat("SIM_READ_RATIO", 0.3),
		PatientLimit: getInt("SIM_PATIENT_LIMIT", 4000),
		SlotLimit:    getInt("SIM_SLOT_LIMIT", 5000),
		Postgres:     baseCfg.Postgres,
	}

	// Normalize ratios
	total := cfg.BookingRatio + cfg.BatchRatio + cfg.CancelRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.BatchRatio /= total
		cfg.CancelRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg, baseCfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.Postgres.DSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.BatchSize <= 0 {
		return fmt.Errorf("SIM_BATCH_SIZE must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{
		OpenSlots: make(map[int64][]int64),
		booked:    make(map[int64][]int64),
	}

	rows, err := pool.Query(ctx, `
		SELECT id, assigned_staff_id FROM users
		WHERE role = 'patient' AND assigned_staff_id IS NOT NULL
		LIMIT $1
	`, cfg.PatientLimit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p patient
		if err := rows.Scan(&p.ID, &p.StaffID); err != nil {
			return nil, err
		}
		dataPool.Patients = append(dataPool.Patients, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = pool.Query(ctx, `
		SELECT id, staff_id FROM slots
		WHERE patient_id IS NULL AND start_time > now()
		LIMIT $1
	`, cfg.SlotLimit)
	if err != nil {
		return nil, fmt.Errorf("load slots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, staffID int64
		if err := rows.Scan(&id, &staffID); err != nil {
			return nil, err
		}
		dataPool.OpenSlots[staffID] = append(dataPool.OpenSlots[staffID], id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(dataPool.Patients) == 0 {
		return nil, fmt.Errorf("no patients loaded")
	}
	if len(dataPool.OpenSlots) == 0 {
		return nil, fmt.Errorf("no slots loaded")
	}

	return dataPool, nil
}

func (s *Simulator) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.logger.Info("starting simulation")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.config.Workers; i++ {
		workerID := i
		g.Go(func() error {
			s.worker(ctx, workerID)
			return nil
		})
	}

	err := g.Wait()
	s.logger.Info("simulation complete")
	return err
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			p := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

			r := rng.Float64()
			switch {
			case r < s.config.BookingRatio:
				s.doBooking(ctx, rng, p)
			case r < s.config.BookingRatio+s.config.BatchRatio:
				s.doBatchBooking(ctx, rng, p)
			case r < s.config.BookingRatio+s.config.BatchRatio+s.config.CancelRatio:
				s.doCancel(ctx, rng, p)
			default:
				s.doReadTable(ctx, p)
			}
		}
	}
}

func (s *Simulator) randomOpenSlot(rng *rand.Rand, p patient) (int64, bool) {
	ids := s.pool.OpenSlots[p.StaffID]
	if len(ids) == 0 {
		return 0, false
	}
	return ids[rng.Intn(len(ids))], true
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand, p patient) {
	slotID, ok := s.randomOpenSlot(rng, p)
	if !ok {
		return
	}

	start := time.Now()
	status, err := s.send(ctx, http.MethodPost, fmt.Sprintf("/appointments/%d/book", slotID), p.ID, nil)
	latency := time.Since(start)

	switch {
	case err != nil:
		s.metrics.Booking.Record(latency, false, false)
	case status == http.StatusNoContent:
		s.pool.AddBooking(p.ID, slotID)
		s.metrics.Booking.Record(latency, true, false)
	case status == http.StatusConflict || status == http.StatusForbidden:
		s.metrics.Booking.Record(latency, false, true)
	default:
		s.metrics.Booking.Record(latency, false, false)
	}
}

// doBatchBooking submits the multi-select form. Busy rejections surface as
// a warning in the session messages, so the outcome is read back from there.
func (s *Simulator) doBatchBooking(ctx context.Context, rng *rand.Rand, p patient) {
	form := url.Values{}
	for i := 0; i < s.config.BatchSize; i++ {
		if id, ok := s.randomOpenSlot(rng, p); ok {
			form.Add("selected_ids[]", strconv.FormatInt(id, 10))
		}
	}
	if len(form) == 0 {
		return
	}

	start := time.Now()
	status, err := s.send(ctx, http.MethodPost, "/appointments/book", p.ID, form)
	latency := time.Since(start)
	if err != nil || status != http.StatusSeeOther {
		s.metrics.BatchBooking.Record(latency, false, false)
		return
	}

	busy, err := s.sawBusy(ctx, p.ID)
	if err != nil {
		s.metrics.BatchBooking.Record(latency, false, false)
		return
	}
	s.metrics.BatchBooking.Record(latency, !busy, busy)
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand, p patient) {
	slotID, ok := s.pool.TakeBooking(p.ID, rng)
	if !ok {
		return
	}

	start := time.Now()
	status, err := s.send(ctx, http.MethodPost, fmt.Sprintf("/appointments/%d/cancel", slotID), p.ID, nil)
	latency := time.Since(start)

	switch {
	case err != nil:
		s.metrics.Cancel.Record(latency, false, false)
	case status == http.StatusNoContent:
		s.metrics.Cancel.Record(latency, true, false)
	case status == http.StatusForbidden || status == http.StatusNotFound:
		s.metrics.Cancel.Record(latency, false, true)
	default:
		s.metrics.Cancel.Record(latency, false, false)
	}
}

func (s *Simulator) doReadTable(ctx context.Context, p patient) {
	start := time.Now()
	status, err := s.send(ctx, http.MethodGet, "/availabilities?mode=book", p.ID, nil)
	s.metrics.ReadTable.Record(time.Since(start), err == nil && status == http.StatusOK, false)
}

func (s *Simulator) sawBusy(ctx context.Context, principalID int64) (bool, error) {
	req, err := s.newRequest(ctx, http.MethodGet, "/session/messages", principalID, nil)
	if err != nil {
		return false, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	var body api.SessionMessagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, err
	}
	for _, m := range body.Messages {
		if strings.Contains(m.Text, "still in progress") {
			return true, nil
		}
	}
	return false, nil
}

func (s *Simulator) newRequest(ctx context.Context, method, path string, principalID int64, form url.Values) (*http.Request, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set(api.PrincipalHeader, strconv.FormatInt(principalID, 10))
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	return req, nil
}

func (s *Simulator) send(ctx context.Context, method, path string, principalID int64, form url.Values) (int, error) {
	req, err := s.newRequest(ctx, method, path, principalID, form)
	if err != nil {
		return 0, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func (s *Simulator) PrintReport() {
	fmt.Println()
	fmt.Println(repeat("=", 72))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(repeat("=", 72))

	printOperationReport("Single booking", &s.metrics.Booking)
	printOperationReport("Batch booking", &s.metrics.BatchBooking)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Read table", &s.metrics.ReadTable)

	fmt.Println(repeat("=", 72))
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		fmt.Printf("\n%s: no requests\n", name)
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	errs := atomic.LoadInt64(&om.Error)
	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("\n%s:\n", name)
	fmt.Printf("  total=%d success=%d (%.1f%%) conflict=%d (%.1f%%) error=%d (%.1f%%)\n",
		total,
		success, percent(success, total),
		conflict, percent(conflict, total),
		errs, percent(errs, total),
	)
	fmt.Printf("  latency avg=%s min=%s max=%s p50=%s p95=%s\n", avg, min, max, p50, p95)
}

// Helper functions

func percent(n, total int64) float64 {
	return float64(n) / float64(total) * 100
}

func min2(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func repeat(s string, n int) string {
	return strings.Repeat(s, n)
}
