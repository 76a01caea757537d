package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/careaccess/careaccess/internal/domain/directory"
	"github.com/careaccess/careaccess/internal/platform/db"
)

// testDB holds the shared database infrastructure for integration tests.
type testDB struct {
	Pool          *pgxpool.Pool
	MigrationsDir string
}

// globalDB is the package-level test database, initialized once in TestMain.
var globalDB *testDB

func TestMain(m *testing.M) {
	ctx := context.Background()

	connStr, cleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres: %v\n", err)
		os.Exit(1)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		cleanup()
		fmt.Fprintf(os.Stderr, "create pool: %v\n", err)
		os.Exit(1)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		cleanup()
		fmt.Fprintf(os.Stderr, "ping database: %v\n", err)
		os.Exit(1)
	}

	globalDB = &testDB{Pool: pool, MigrationsDir: findMigrationsDir()}
	code := m.Run()
	pool.Close()
	cleanup()
	os.Exit(code)
}

// findMigrationsDir locates the migrations directory relative to this test file.
func findMigrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	// test/integration -> module root
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// createTenantSchema creates a tenant schema and runs all migrations against it.
func createTenantSchema(t *testing.T, ctx context.Context, tenantID string) {
	t.Helper()
	if err := db.CreateTenantSchema(ctx, globalDB.Pool, tenantID, globalDB.MigrationsDir); err != nil {
		t.Fatalf("create tenant schema %s: %v", tenantID, err)
	}
}

// dropTenantSchema drops a tenant schema for cleanup.
func dropTenantSchema(t *testing.T, ctx context.Context, tenantID string) {
	t.Helper()
	schema := fmt.Sprintf("tenant_%s", tenantID)
	if _, err := globalDB.Pool.Exec(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema)); err != nil {
		t.Logf("warning: failed to drop schema %s: %v", schema, err)
	}
}

// withTenantConn acquires a connection, pins its search path to the tenant
// schema, and makes it available to repositories through the context.
func withTenantConn(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error {
	conn, err := globalDB.Pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire conn: %w", err)
	}
	defer conn.Release()

	schema := fmt.Sprintf("tenant_%s", tenantID)
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", schema)); err != nil {
		return fmt.Errorf("set search_path: %w", err)
	}

	ctx = context.WithValue(ctx, db.DBConnKey, conn)
	return fn(ctx)
}

// uniqueTenantID generates a unique tenant ID for test isolation.
func uniqueTenantID(prefix string) string {
	short := strings.ReplaceAll(uuid.New().String()[:8], "-", "")
	return fmt.Sprintf("%s_%s", prefix, short)
}

func createTestOrganization(t *testing.T, ctx context.Context, tenantID, name string) uuid.UUID {
	t.Helper()
	var id uuid.UUID
	err := withTenantConn(ctx, tenantID, func(ctx context.Context) error {
		repo := directory.NewOrganizationRepoPG(globalDB.Pool)
		org := &directory.Organization{Name: name}
		if err := repo.Create(ctx, org); err != nil {
			return err
		}
		id = org.ID
		return nil
	})
	if err != nil {
		t.Fatalf("create test organization: %v", err)
	}
	return id
}

func createTestClinician(t *testing.T, ctx context.Context, tenantID, fullName string, orgID *uuid.UUID) uuid.UUID {
	t.Helper()
	var id uuid.UUID
	err := withTenantConn(ctx, tenantID, func(ctx context.Context) error {
		repo := directory.NewClinicianRepoPG(globalDB.Pool)
		c := &directory.Clinician{FullName: fullName, OrganizationID: orgID}
		if err := repo.Create(ctx, c); err != nil {
			return err
		}
		id = c.ID
		return nil
	})
	if err != nil {
		t.Fatalf("create test clinician: %v", err)
	}
	return id
}

func createTestPatient(t *testing.T, ctx context.Context, tenantID, fullName string, primaryID *uuid.UUID) uuid.UUID {
	t.Helper()
	var id uuid.UUID
	phone := "+1-555-0100"
	err := withTenantConn(ctx, tenantID, func(ctx context.Context) error {
		repo := directory.NewPatientRepoPG(globalDB.Pool)
		p := &directory.Patient{FullName: fullName, PrimaryClinicianID: primaryID, ContactPhone: &phone}
		if err := repo.Create(ctx, p); err != nil {
			return err
		}
		id = p.ID
		return nil
	})
	if err != nil {
		t.Fatalf("create test patient: %v", err)
	}
	return id
}

// careTeam is the directory scaffolding shared by delegation-layer tests.
type careTeam struct {
	orgID    uuid.UUID
	primary  uuid.UUID
	delegate uuid.UUID
	patient  uuid.UUID
}

func newCareTeam(t *testing.T, ctx context.Context, tenantID string) *careTeam {
	t.Helper()
	ct := &careTeam{}
	ct.orgID = createTestOrganization(t, ctx, tenantID, "Riverside Medical Group")
	ct.primary = createTestClinician(t, ctx, tenantID, "Dr. Reyes", &ct.orgID)
	ct.delegate = createTestClinician(t, ctx, tenantID, "Dr. Osei", &ct.orgID)
	ct.patient = createTestPatient(t, ctx, tenantID, "Ana Silva", &ct.primary)
	return ct
}
