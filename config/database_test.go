package config

import (
	"testing"

	"github.com/go-sql-driver/mysql"
)

func TestMySQLDSNSetsIsolationForEveryConnection(t *testing.T) {
	t.Setenv("DB_USER", "estate")
	t.Setenv("DB_PASSWORD", "pw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", "3306")
	t.Setenv("DB_NAME", "estate")

	cfg, err := mysql.ParseDSN(mysqlDSN())
	if err != nil {
		t.Fatalf("parse dsn: %v", err)
	}
	if got := cfg.Params["transaction_isolation"]; got != "'READ-COMMITTED'" {
		t.Fatalf("transaction_isolation = %q", got)
	}
	if !cfg.ParseTime || cfg.Addr != "127.0.0.1:3306" || cfg.DBName != "estate" {
		t.Fatalf("unexpected dsn config %+v", cfg)
	}

	t.Setenv("DB_HOST", "/cloudsql/proj:region:inst")
	cfg, err = mysql.ParseDSN(mysqlDSN())
	if err != nil {
		t.Fatalf("parse socket dsn: %v", err)
	}
	if cfg.Net != "unix" || cfg.Params["transaction_isolation"] != "'READ-COMMITTED'" {
		t.Fatalf("unexpected socket dsn config %+v", cfg)
	}
}
