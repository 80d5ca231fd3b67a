package app

import (
	"database/sql"
	"fmt"

	"groomnet/internal/config"
	"groomnet/internal/db"
	"groomnet/internal/domain"
	"groomnet/internal/engine"
	"groomnet/internal/migrate"
	"groomnet/internal/presence"
	"groomnet/internal/session"
)

// Context wires one workspace together: database, config, presence, sessions,
// and the coordinator. The CLI opens one per invocation.
type Context struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Presence  *presence.Registry
	Hub       *session.Hub
	Engine    *engine.Engine
}

// Open loads the workspace, runs pending migrations, and builds the engine.
func Open(workspace string) (*Context, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	reg := presence.NewRegistry()
	hub := session.NewHub()
	eng := engine.New(conn, reg, hub, cfg)
	// A barber dropping off without toggling offline goes back to offline
	// unless a booking is in flight.
	hub.OnClose = func(userID, role string) {
		if role == domain.RoleBarber {
			eng.DropBarber(userID)
		}
	}
	return &Context{
		Workspace: workspace,
		Config:    cfg,
		DB:        conn,
		Presence:  reg,
		Hub:       hub,
		Engine:    eng,
	}, nil
}

func (c *Context) Close() error {
	if c.DB != nil {
		return c.DB.Close()
	}
	return nil
}
