package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"signflow/integrity"
	"signflow/notify"
	"signflow/otp"
	"signflow/request"
	"signflow/schedule"
	"signflow/test/actors"
	"signflow/test/chaos"
	"signflow/test/infra"
	"signflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 60*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent participants")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flChaos       = flag.Bool("chaos", false, "kill random database backends while running")
)

func TestWorkflowConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress harness skipped in short mode")
	}
	flag.Parse()
	seed := *flSeed
	rand.Seed(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("SIGNFLOW_TEST_PG_DSN") != "":
		dsn = os.Getenv("SIGNFLOW_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := integrity.NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("artifact store: %v", err)
	}
	gate, err := otp.NewGate(pool, []byte("stress-master-key-0123456789abcdef"), otp.DefaultConfig())
	if err != nil {
		t.Fatalf("otp gate: %v", err)
	}
	svc := request.NewService(pool, integrity.NewService(store), gate)
	svc.RemindAfter = 2 * time.Second

	dispatcher := notify.NewDispatcher(pool, &notify.LogGateway{Log: log}, log).
		OnDelivered(func(ctx context.Context, msg notify.Message) error {
			if msg.Topic != notify.TopicSignerInvited {
				return nil
			}
			if id := msg.PayloadField("signer_id"); id != "" {
				// Failures are logged by the dispatcher; stale acks for
				// terminalized signers are no-ops inside the service.
				return svc.MarkSignerNotified(ctx, id)
			}
			return nil
		})

	sweeper := schedule.NewSweeper(pool, svc, log)
	sweeper.Backoff = 2 * time.Second

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	g.Go(func() error { return actors.Spawner(ctx2, store, svc, stop) })
	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Participant(ctx2, pool, svc, stop) })
	}
	g.Go(func() error { return actors.Decliner(ctx2, pool, svc, stop) })
	g.Go(func() error { return actors.OutboxWorker(ctx2, dispatcher, stop) })
	g.Go(func() error { return actors.SweepWorker(ctx2, sweeper, stop) })
	if *flChaos {
		go chaos.TerminateRandomBackend(ctx2, pool, stop)
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"requests", `SELECT id, mode, status, version, due_at FROM requests ORDER BY created_at DESC LIMIT 50`},
		{"signers", `SELECT id, request_id, position, status, version FROM signers ORDER BY created_at DESC LIMIT 50`},
		{"timeline_events", `SELECT id, request_id, type, created_at FROM timeline_events ORDER BY id DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
