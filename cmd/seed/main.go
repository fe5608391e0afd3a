package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/argon2"
)

var (
	demoUserID   = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	secondUserID = uuid.MustParse("00000000-0000-0000-0000-000000000002")

	demoCardID   = uuid.MustParse("00000000-0000-0000-0000-000000000101")
	demoCard2ID  = uuid.MustParse("00000000-0000-0000-0000-000000000102")
	secondCardID = uuid.MustParse("00000000-0000-0000-0000-000000000103")
)

func main() {
	env := getEnv("CREDITFLOW_ENV", "dev")
	if env != "dev" && env != "test" {
		log.Fatalf("refusing to seed: CREDITFLOW_ENV must be 'dev' or 'test' (got '%s')", env)
	}

	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	db := getEnv("POSTGRES_DB", "creditflow")
	user := getEnv("POSTGRES_USER", "creditflow")
	password := getEnv("POSTGRES_PASSWORD", "creditflow")
	sslmode := getEnv("POSTGRES_SSLMODE", "disable")

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		user, password, host, port, db, sslmode)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	fmt.Println("Seeding database...")

	if err := seedUsers(ctx, pool); err != nil {
		log.Fatalf("seed users: %v", err)
	}
	fmt.Println("✓ Users seeded")

	if err := seedCards(ctx, pool); err != nil {
		log.Fatalf("seed cards: %v", err)
	}
	fmt.Println("✓ Cards seeded")

	if err := seedStatements(ctx, pool); err != nil {
		log.Fatalf("seed statements: %v", err)
	}
	fmt.Println("✓ Statements seeded")

	fmt.Println("\n=== Seed Complete ===")
	fmt.Println("\nDemo Credentials:")
	fmt.Println("  Email: demo@example.com")
	fmt.Println("  Password: demo123")
	fmt.Println("  Email: avery@example.com")
	fmt.Println("  Password: avery123")
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

type argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

func hashPassword(password string, params argon2Params) (string, error) {
	salt := make([]byte, params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLength)
	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Hash := base64.RawStdEncoding.EncodeToString(hash)

	encoded := fmt.Sprintf("$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s", params.Memory, params.Iterations, params.Parallelism, b64Salt, b64Hash)
	return encoded, nil
}

func seedUsers(ctx context.Context, pool *pgxpool.Pool) error {
	params := argon2Params{
		Memory:      64 * 1024,
		Iterations:  3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}

	users := []struct {
		id       uuid.UUID
		email    string
		password string
	}{
		{demoUserID, "demo@example.com", "demo123"},
		{secondUserID, "avery@example.com", "avery123"},
	}

	now := time.Now()
	for _, u := range users {
		hash, err := hashPassword(u.password, params)
		if err != nil {
			return fmt.Errorf("hash password for %s: %w", u.email, err)
		}
		_, err = pool.Exec(ctx, `
			INSERT INTO users (id, email, password_hash, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (email) DO UPDATE
			SET status = EXCLUDED.status,
			    updated_at = EXCLUDED.updated_at
		`, u.id, u.email, hash, "active", now, now)
		if err != nil {
			return err
		}
	}
	return nil
}

func seedCards(ctx context.Context, pool *pgxpool.Pool) error {
	cards := []struct {
		id          uuid.UUID
		userID      uuid.UUID
		number      string
		cardType    string
		status      string
		creditLimit string
	}{
		{demoCardID, demoUserID, "4532-****-****-0001", "visa", "active", "5000.00"},
		{demoCard2ID, demoUserID, "5412-****-****-0002", "mastercard", "blocked", "3000.00"},
		{secondCardID, secondUserID, "4532-****-****-0003", "visa", "active", "10000.00"},
	}

	now := time.Now()
	for _, c := range cards {
		_, err := pool.Exec(ctx, `
			INSERT INTO cards (id, user_id, card_number, card_type, status, credit_limit, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE
			SET status = EXCLUDED.status,
			    credit_limit = EXCLUDED.credit_limit,
			    updated_at = EXCLUDED.updated_at
		`, c.id, c.userID, c.number, c.cardType, c.status, c.creditLimit, now, now)
		if err != nil {
			return err
		}
	}
	return nil
}

// seedStatements gives the demo card a short unpaid history with staggered due
// dates so oldest-first application is visible right after seeding.
func seedStatements(ctx context.Context, pool *pgxpool.Pool) error {
	now := time.Now()
	statements := []struct {
		id      uuid.UUID
		cardID  uuid.UUID
		period  string
		dueDays int
		balance string
		minDue  string
		isPaid  bool
	}{
		{uuid.MustParse("00000000-0000-0000-0000-000000000201"), demoCardID, "2026-05", -90, "250.00", "25.00", true},
		{uuid.MustParse("00000000-0000-0000-0000-000000000202"), demoCardID, "2026-06", -60, "300.00", "30.00", false},
		{uuid.MustParse("00000000-0000-0000-0000-000000000203"), demoCardID, "2026-07", -30, "500.00", "50.00", false},
		{uuid.MustParse("00000000-0000-0000-0000-000000000204"), secondCardID, "2026-07", -15, "1200.00", "120.00", false},
	}

	for _, st := range statements {
		_, err := pool.Exec(ctx, `
			INSERT INTO statements (id, card_id, period, due_date, balance, min_due, is_paid, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO UPDATE
			SET balance = EXCLUDED.balance,
			    min_due = EXCLUDED.min_due,
			    is_paid = EXCLUDED.is_paid,
			    updated_at = EXCLUDED.updated_at
		`, st.id, st.cardID, st.period, now.AddDate(0, 0, st.dueDays), st.balance, st.minDue, st.isPaid, now, now)
		if err != nil {
			return err
		}
	}
	return nil
}
