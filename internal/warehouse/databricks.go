package warehouse

import (
	"context"
	"database/sql"
	"fmt"

	dbsql "github.com/databricks/databricks-sql-go"
)

type DatabricksConfig struct {
	ServerHostname string
	HTTPPath       string
	AccessToken    string
	Port           int
	UserAgent      string
}

// DatabricksDialer opens dedicated warehouse sessions. Each session is backed
// by its own database handle pinned to a single driver connection, so one
// pooled Conn maps to exactly one warehouse session.
type DatabricksDialer struct {
	cfg DatabricksConfig
}

func NewDatabricksDialer(cfg DatabricksConfig) (*DatabricksDialer, error) {
	if cfg.ServerHostname == "" {
		return nil, fmt.Errorf("server hostname is required")
	}
	if cfg.HTTPPath == "" {
		return nil, fmt.Errorf("http path is required")
	}
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("access token is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = 443
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "sqlbridge"
	}
	return &DatabricksDialer{cfg: cfg}, nil
}

func (d *DatabricksDialer) Dial(ctx context.Context) (Session, error) {
	connector, err := dbsql.NewConnector(
		dbsql.WithServerHostname(d.cfg.ServerHostname),
		dbsql.WithHTTPPath(d.cfg.HTTPPath),
		dbsql.WithAccessToken(d.cfg.AccessToken),
		dbsql.WithPort(d.cfg.Port),
		dbsql.WithUserAgentEntry(d.cfg.UserAgent),
	)
	if err != nil {
		return nil, fmt.Errorf("build warehouse connector: %w", err)
	}

	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping warehouse: %w", err)
	}
	return db, nil
}
