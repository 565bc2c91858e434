package app

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRun_Help_ListsSubcommands(t *testing.T) {
	var buf bytes.Buffer
	if err := Run(&buf, []string{"--help"}); err != nil {
		t.Fatalf("Run(--help) error = %v", err)
	}
	for _, name := range []string{"serve", "worker", "migrate", "healthcheck", "promote-admin"} {
		if !strings.Contains(buf.String(), name) {
			t.Errorf("help output should list %q:\n%s", name, buf.String())
		}
	}
}

func TestRun_UnknownCommand_ReturnsError(t *testing.T) {
	var buf bytes.Buffer
	if err := Run(&buf, []string{"unknown"}); err == nil {
		t.Fatal("Run(unknown) should return error")
	}
}

func TestRun_WithInvalidEnv_ReturnsError(t *testing.T) {
	setTestEnv(t)
	t.Setenv("SESSION_SECRET", "short")

	var buf bytes.Buffer
	err := Run(&buf, []string{"serve"})
	if err == nil {
		t.Fatal("Run with invalid env should return error")
	}
	if !strings.Contains(err.Error(), "initialization failed") {
		t.Errorf("error = %v, want initialization failure", err)
	}
}

// DBに接続できない環境では各コマンドがDB接続エラーで終了する。
func TestRun_DatabaseCommands_FailWithoutDatabase(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"デフォルト", []string{}},
		{"serve", []string{"serve"}},
		{"worker", []string{"worker"}},
		{"promote-admin", []string{"promote-admin", "admin@example.com"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setTestEnv(t)

			var buf bytes.Buffer
			err := Run(&buf, tt.args)
			if err == nil {
				t.Fatal("expected database error, got nil")
			}
			if !strings.Contains(err.Error(), "database") {
				t.Errorf("error = %v, want database error", err)
			}
		})
	}
}

func TestRun_PromoteAdmin_RequiresEmail(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	if err := Run(&buf, []string{"promote-admin"}); err == nil {
		t.Fatal("promote-admin without email should return error")
	}
}

func TestRun_Migrate_NegativeRollback(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	err := Run(&buf, []string{"migrate", "--rollback=-1"})
	if err == nil || !strings.Contains(err.Error(), "--rollback") {
		t.Fatalf("error = %v, want rollback validation error", err)
	}
}

func TestRunHealthcheck(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"正常", http.StatusOK, false},
		{"DB停止", http.StatusServiceUnavailable, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/health" {
					t.Errorf("path = %q, want /health", r.URL.Path)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, port, err := net.SplitHostPort(srv.Listener.Addr().String())
			if err != nil {
				t.Fatal(err)
			}

			err = runHealthcheck(context.Background(), port)
			if (err != nil) != tt.wantErr {
				t.Errorf("runHealthcheck() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRun_Healthcheck_ServerDown(t *testing.T) {
	// 接続できないポートを確保してすぐ閉じる
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	ln.Close()

	var buf bytes.Buffer
	if err := Run(&buf, []string{"healthcheck", "--port", port}); err == nil {
		t.Fatal("healthcheck against a closed port should fail")
	}
}
