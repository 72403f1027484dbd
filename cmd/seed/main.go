package main

import (
	"context"
	"errors"
	"log"
	"time"
	_ "time/tzdata"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hackgods/covigo-scheduling/internal/appointment"
	"github.com/hackgods/covigo-scheduling/internal/clock"
	"github.com/hackgods/covigo-scheduling/internal/config"
	"github.com/hackgods/covigo-scheduling/internal/db"
	"github.com/hackgods/covigo-scheduling/internal/logging"
	"github.com/hackgods/covigo-scheduling/internal/notify"
	"github.com/hackgods/covigo-scheduling/internal/principal"
	redisclient "github.com/hackgods/covigo-scheduling/internal/redis"
)

const (
	staffCount      = 20
	patientCount    = 600
	bookingsPerUser = 2
	seedDays        = 14
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	logger, err := logging.New(cfg, "seed")
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("seed starting")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := db.Migrate(cfg.Postgres.DSN); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	pool, err := db.ConnectPostgres(ctx, cfg.Postgres)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redisclient.Connect(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal("connect redis", zap.Error(err))
	}
	defer rdb.Close()

	clk, err := clock.NewSystem(cfg.TimeZone)
	if err != nil {
		logger.Fatal("load time zone", zap.Error(err))
	}

	gofakeit.Seed(time.Now().UnixNano())

	staff, err := seedStaff(context.Background(), pool, staffCount)
	if err != nil {
		logger.Fatal("seed staff", zap.Error(err))
	}
	logger.Info("staff seeded", zap.Int("count", len(staff)))

	patients, err := seedPatients(context.Background(), pool, staff, patientCount)
	if err != nil {
		logger.Fatal("seed patients", zap.Error(err))
	}
	logger.Info("patients seeded", zap.Int("count", len(patients)))

	svc := appointment.NewService(
		appointment.NewPgRepository(pool),
		principal.NewPgStore(pool),
		redisclient.NewRedisSessionLocker(rdb, cfg.LockTTL),
		notify.NewLogSink(zap.NewNop()),
		appointment.WithClock(clk),
		appointment.WithLogger(logger.Named("appointment")),
	)

	if err := seedAvailabilities(context.Background(), svc, clk, staff); err != nil {
		logger.Fatal("seed availabilities", zap.Error(err))
	}

	booked := seedBookings(context.Background(), svc, pool, patients, logger)
	logger.Info("seed complete", zap.Int("bookings", booked))
}

func seedStaff(ctx context.Context, pool *pgxpool.Pool, count int) ([]principal.Principal, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	store := principal.NewPgStore(tx)
	out := make([]principal.Principal, 0, count)
	for i := 0; i < count; i++ {
		p := principal.Principal{
			Role:        principal.RoleStaff,
			DisplayName: "Dr. " + gofakeit.LastName(),
		}
		if err := store.Insert(ctx, &p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, staff []principal.Principal, count int) ([]principal.Principal, error) {
	const batchSize = 200

	out := make([]principal.Principal, 0, count)
	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			store := principal.NewPgStore(tx)
			for i := offset; i < end; i++ {
				doctor := staff[gofakeit.Number(0, len(staff)-1)].ID
				p := principal.Principal{
					Role:            principal.RolePatient,
					DisplayName:     gofakeit.Name(),
					AssignedStaffID: &doctor,
				}
				if err := store.Insert(ctx, &p); err != nil {
					return err
				}
				out = append(out, p)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func seedAvailabilities(ctx context.Context, svc *appointment.Service, clk clock.Clock, staff []principal.Principal) error {
	tomorrow := clk.Today().AddDate(0, 0, 1)
	spec := appointment.AvailabilitySpec{
		Days:        []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		SlotMinutes: 30,
		StartDate:   tomorrow,
		EndDate:     tomorrow.AddDate(0, 0, seedDays-1),
		Windows: []appointment.TimeWindow{
			{Start: 9 * 60, End: 12 * 60},
			{Start: 13 * 60, End: 17 * 60},
		},
	}

	for _, s := range staff {
		if _, err := svc.GenerateAvailabilities(ctx, s.ID, spec); err != nil {
			return err
		}
	}
	return nil
}

func seedBookings(ctx context.Context, svc *appointment.Service, pool *pgxpool.Pool, patients []principal.Principal, logger *zap.Logger) int {
	repo := appointment.NewPgRepository(pool)
	booked := 0

	for _, p := range patients {
		open, err := repo.OpenSlots(ctx, *p.AssignedStaffID)
		if err != nil {
			logger.Warn("load open slots", zap.Error(err))
			continue
		}
		for i := 0; i < bookingsPerUser && len(open) > 0; i++ {
			idx := gofakeit.Number(0, len(open)-1)
			err := svc.Book(ctx, open[idx].ID, p.ID)
			open = append(open[:idx], open[idx+1:]...)
			if err != nil {
				if !errors.Is(err, appointment.ErrSlotAlreadyBooked) {
					logger.Warn("book slot", zap.Int64("patient_id", p.ID), zap.Error(err))
				}
				continue
			}
			booked++
		}
	}
	return booked
}
