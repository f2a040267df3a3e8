//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/saborly/apiserver/config"
	"github.com/saborly/apiserver/internal/db"
	"github.com/saborly/apiserver/internal/server"
	"go.uber.org/zap"
)

const (
	serverPort = 18080
)

var baseURL = fmt.Sprintf("http://localhost:%d", serverPort)

func TestMain(m *testing.M) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	root, err := repoRoot()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to locate repo root: %v\n", err)
		os.Exit(1)
	}

	setEnv()

	if err := dockerCompose(ctx, root, "up", "-d"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start docker compose: %v\n", err)
		os.Exit(1)
	}

	if err := waitForPostgres(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "postgres not ready: %v\n", err)
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}

	if err := runMigrations(root); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %v\n", err)
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}

	srv, err := startServer(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start server: %v\n", err)
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}

	if err := waitForHealth(ctx, baseURL+"/healthz"); err != nil {
		fmt.Fprintf(os.Stderr, "server not healthy: %v\n", err)
		_ = srv.Shutdown(context.Background())
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}

	code := m.Run()

	_ = srv.Shutdown(context.Background())
	_ = dockerCompose(context.Background(), root, "down")
	os.Exit(code)
}

func TestCreatorRegistrationAndPasswordReset(t *testing.T) {
	suffix := time.Now().UnixNano()
	username := fmt.Sprintf("chef_%d", suffix)
	email := fmt.Sprintf("%s@example.com", username)

	requireStatus(t, postJSON(t, "/auth/initial-register", map[string]string{
		"username": username,
		"email":    email,
		"role":     "creator",
	}, ""), http.StatusCreated)

	code := readColumn(t, "verification_code", email)

	requireStatus(t, postJSON(t, "/auth/verify-registration-code", map[string]string{
		"email": email,
		"code":  "000000-wrong",
	}, ""), http.StatusBadRequest)

	requireStatus(t, postJSON(t, "/auth/verify-registration-code", map[string]string{
		"email": email,
		"code":  code,
	}, ""), http.StatusOK)

	resp := postJSON(t, "/auth/complete-registration", map[string]string{
		"email":        email,
		"display_name": "Chef Test",
		"password":     "first-password",
	}, "")
	expectStatus(t, resp, http.StatusCreated)
	token := decodeSession(t, resp)

	requireStatus(t, getWithToken(t, "/auth/user", token), http.StatusOK)

	requireStatus(t, postJSON(t, "/auth/request-reset", map[string]string{"email": email}, ""), http.StatusOK)
	resetToken := readColumn(t, "reset_token", email)

	requireStatus(t, postJSON(t, "/auth/reset-password", map[string]string{
		"email":        email,
		"token":        resetToken,
		"new_password": "second-password",
	}, ""), http.StatusOK)

	requireStatus(t, postJSON(t, "/auth/reset-password", map[string]string{
		"email":        email,
		"token":        resetToken,
		"new_password": "third-password",
	}, ""), http.StatusBadRequest)

	requireStatus(t, postJSON(t, "/auth/login", map[string]string{
		"email":    email,
		"password": "first-password",
	}, ""), http.StatusUnauthorized)

	resp = postJSON(t, "/auth/login", map[string]string{
		"email":    email,
		"password": "second-password",
	}, "")
	expectStatus(t, resp, http.StatusOK)
	decodeSession(t, resp)
}

func TestLearnerRegistrationUploadsDocuments(t *testing.T) {
	suffix := time.Now().UnixNano()
	username := fmt.Sprintf("learner_%d", suffix)
	email := fmt.Sprintf("%s@example.com", username)

	requireStatus(t, postJSON(t, "/auth/initial-register", map[string]string{
		"username": username,
		"email":    email,
		"role":     "learner",
	}, ""), http.StatusCreated)

	code := readColumn(t, "verification_code", email)
	requireStatus(t, postJSON(t, "/auth/verify-email", map[string]string{
		"email": email,
		"code":  code,
	}, ""), http.StatusOK)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	_ = writer.WriteField("email", email)
	_ = writer.WriteField("display_name", "Learner Test")
	_ = writer.WriteField("password", "learner-password")
	_ = writer.WriteField("card_holder_name", "Learner Test")
	_ = writer.WriteField("card_last_four", "4242")
	_ = writer.WriteField("card_token", "tok_test")
	_ = writer.WriteField("document_transaction_number", "TX-1")
	for _, field := range []string{"document_front", "document_back"} {
		part, err := writer.CreateFormFile(field, field+".png")
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := part.Write([]byte("\x89PNG\r\n\x1a\nfake")); err != nil {
			t.Fatalf("write form file: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+"/auth/complete-registration", &body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("complete registration: %v", err)
	}
	expectStatus(t, resp, http.StatusCreated)
	decodeSession(t, resp)

	var front, back string
	err = openDB(t).QueryRow(`
		SELECT p.document_front_url, p.document_back_url
		FROM student_profiles p JOIN accounts a ON a.id = p.account_id
		WHERE a.email = $1`, email).Scan(&front, &back)
	if err != nil {
		t.Fatalf("load student profile: %v", err)
	}
	if front == "" || back == "" {
		t.Fatalf("expected document urls, got %q and %q", front, back)
	}
}

func TestAnonymousUserEndpointIsRejected(t *testing.T) {
	requireStatus(t, getWithToken(t, "/auth/user", ""), http.StatusUnauthorized)
}

func postJSON(t *testing.T, path string, payload any, token string) *http.Response {
	t.Helper()

	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, baseURL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func getWithToken(t *testing.T, path, token string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, baseURL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

// expectStatus fails the test unless resp carries want. On a match the body
// is left open for the caller.
func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode == want {
		return
	}
	msg, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	t.Fatalf("%s %s: status %d, want %d: %s",
		resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, strings.TrimSpace(string(msg)))
}

func requireStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	expectStatus(t, resp, want)
	_ = resp.Body.Close()
}

func decodeSession(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()

	var parsed struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if parsed.Token == "" {
		t.Fatalf("missing token in session response")
	}
	return parsed.Token
}

// readColumn reads a secret straight from the accounts table. Mail runs on
// the log transport here, which never prints codes or tokens.
func readColumn(t *testing.T, column, email string) string {
	t.Helper()

	var value sql.NullString
	query := fmt.Sprintf("SELECT %s FROM accounts WHERE email = $1", column)
	if err := openDB(t).QueryRow(query, email).Scan(&value); err != nil {
		t.Fatalf("read %s: %v", column, err)
	}
	if !value.Valid {
		t.Fatalf("%s is null for %s", column, email)
	}
	return value.String
}

func openDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := sql.Open("postgres", db.PostgresURL(config.LoadConfig().Database))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func setEnv() {
	_ = os.Setenv("JWT_SECRET", "test-secret")
	_ = os.Setenv("SERVER_PORT", fmt.Sprintf("%d", serverPort))
	_ = os.Setenv("DB_HOST", "localhost")
	_ = os.Setenv("DB_PORT", "5432")
	_ = os.Setenv("DB_USER", "saborly")
	_ = os.Setenv("DB_PASSWORD", "saborly")
	_ = os.Setenv("DB_NAME", "saborly")
	_ = os.Setenv("DB_USE_SSL", "false")
	_ = os.Setenv("STORAGE_BACKEND", "minio")
	_ = os.Setenv("MINIO_ACCESS_KEY", "minioadmin")
	_ = os.Setenv("MINIO_SECRET_KEY", "minioadmin")
	_ = os.Setenv("MINIO_BUCKET", "identity-documents")
	_ = os.Setenv("MAIL_TRANSPORT", "log")
}

func waitForPostgres(ctx context.Context) error {
	conn, err := sql.Open("postgres", db.PostgresURL(config.LoadConfig().Database))
	if err != nil {
		return err
	}
	defer conn.Close()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := conn.PingContext(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("postgres ping timeout: %w", err)
		case <-ticker.C:
		}
	}
}

func waitForHealth(ctx context.Context, url string) error {
	client := &http.Client{Timeout: 2 * time.Second}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			return fmt.Errorf("health check failed with status")
		case <-ticker.C:
		}
	}
}

func runMigrations(root string) error {
	migrationsURL := "file://" + filepath.Join(root, "internal", "db", "migrations")

	migrator, err := migrate.New(migrationsURL, db.PostgresURL(config.LoadConfig().Database))
	if err != nil {
		return err
	}
	defer func() {
		_, _ = migrator.Close()
	}()

	if err := migrator.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func startServer(ctx context.Context) (*server.Server, error) {
	srv, err := server.New(ctx, config.LoadConfig(), zap.NewNop())
	if err != nil {
		return nil, err
	}

	go func() {
		_ = srv.Start()
	}()

	return srv, nil
}

func dockerCompose(ctx context.Context, root string, args ...string) error {
	composeFile := filepath.Join(root, "development", "docker-compose.yml")
	baseArgs := append([]string{"compose", "-f", composeFile}, args...)
	cmd := exec.CommandContext(ctx, "docker", baseArgs...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func repoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found")
		}
		dir = parent
	}
}
